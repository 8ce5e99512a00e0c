package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/sovsapp/enroll/internal/workflow"
)

func dial(t *testing.T, hub *Hub, flowID string) *websocket.Conn {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(flowID, w, r)
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHubDeliversStepChanges(t *testing.T) {
	hub := NewHub()
	conn := dial(t, hub, "f1")

	// Registration races the dial returning; give the server loop a moment.
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.connections["f1"]) == 1
	}, time.Second, 10*time.Millisecond)

	hub.Broadcast(workflow.Event{FlowID: "f1", Step: workflow.StepDidit, Version: 2})

	var message Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.ReadJSON(&message))
	require.Equal(t, "step_changed", message.Event)
	require.Equal(t, workflow.StepDidit, message.Step)
	require.EqualValues(t, 2, message.Version)
}

func TestHubScopesDeliveryToTheFlow(t *testing.T) {
	hub := NewHub()
	conn := dial(t, hub, "f1")

	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.connections["f1"]) == 1
	}, time.Second, 10*time.Millisecond)

	hub.Broadcast(workflow.Event{FlowID: "other", Step: workflow.StepComplete, Version: 9})
	hub.Broadcast(workflow.Event{FlowID: "f1", Step: workflow.StepVerification, Version: 3})

	var message Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.ReadJSON(&message))
	require.Equal(t, "f1", message.FlowID)
	require.Equal(t, workflow.StepVerification, message.Step)
}
