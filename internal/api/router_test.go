package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/sovsapp/enroll/internal/app"
	iauth "github.com/sovsapp/enroll/internal/auth"
	"github.com/sovsapp/enroll/internal/authapi"
	"github.com/sovsapp/enroll/internal/cache"
	"github.com/sovsapp/enroll/internal/realtime"
	"github.com/sovsapp/enroll/internal/register"
	"github.com/sovsapp/enroll/internal/remote"
	"github.com/sovsapp/enroll/internal/verify"
	"github.com/sovsapp/enroll/internal/workflow"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"error"`
}

func fakeBackend(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/didit-create-session", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(verify.Session{
			ID:              "sess-1",
			Status:          verify.StatusCreated,
			VerificationURL: "https://verify.example.com/session/sess-1",
		})
	})
	mux.HandleFunc("/didit-get-session", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(verify.Session{ID: "sess-1", Status: verify.StatusPending})
	})
	mux.HandleFunc("/didit-verify", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"session_id": "sess-1",
			"verified":   true,
			"user_data": verify.Identity{
				NationalID: "A123",
				Name:       "Jane",
				Surname:    "Doe",
				DOB:        "1990-01-01",
			},
		})
	})
	mux.HandleFunc("/check-user-exists", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]bool{"exists": false})
	})
	mux.HandleFunc("/register-voter", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"user_id": "v1", "status": "pending", "message": "ok"})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func fakeAuthProvider(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/signup", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "u1"})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestRouter(t *testing.T) (*gin.Engine, cache.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	backend := fakeBackend(t)
	authServer := fakeAuthProvider(t)

	store := cache.NewMemoryStore()
	caller := remote.NewCaller(remote.WithSleep(func(context.Context, time.Duration) error { return nil }))

	backendClient, err := remote.NewHTTPClient(backend.URL)
	require.NoError(t, err)
	verifyClient, err := verify.NewClient(backendClient, caller, store)
	require.NoError(t, err)

	authClient, err := remote.NewHTTPClient(authServer.URL, remote.WithHeader("apikey", "anon"))
	require.NoError(t, err)
	signup, err := authapi.NewClient(authClient, caller)
	require.NoError(t, err)

	registerClient, err := register.NewClient(backendClient, signup, caller, store)
	require.NoError(t, err)

	tokens, err := iauth.NewTokenService(iauth.TokenConfig{Secret: "test-secret", Issuer: "enroll"})
	require.NoError(t, err)

	manager := workflow.NewManager(workflow.NewCacheRecovery(store))

	cfg := &app.Config{}
	cfg.Monitoring.Health.Enabled = true
	cfg.Monitoring.Prometheus.Enabled = true

	router, err := NewRouter(cfg, Dependencies{
		Store:    store,
		Tokens:   tokens,
		Manager:  manager,
		Verify:   verifyClient,
		Register: registerClient,
		Hub:      realtime.NewHub(),
	})
	require.NoError(t, err)
	return router, store
}

func doJSON(t *testing.T, router *gin.Engine, method, path, token string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var payload *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(raw)
	} else {
		payload = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, payload)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var env envelope
	if json.Valid(w.Body.Bytes()) {
		_ = json.Unmarshal(w.Body.Bytes(), &env)
	}
	return w, env
}

func openFlow(t *testing.T, router *gin.Engine) (flowID, token string) {
	t.Helper()

	w, env := doJSON(t, router, http.MethodPost, "/api/flows", "", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var data struct {
		Flow struct {
			FlowID string `json:"flow_id"`
		} `json:"flow"`
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.NotEmpty(t, data.Flow.FlowID)
	require.NotEmpty(t, data.Token)
	return data.Flow.FlowID, data.Token
}

func flowStep(t *testing.T, env envelope) string {
	t.Helper()

	var data struct {
		Step string `json:"step"`
		Flow struct {
			Step string `json:"step"`
		} `json:"flow"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	if data.Step != "" {
		return data.Step
	}
	return data.Flow.Step
}

func TestWizardEndToEnd(t *testing.T) {
	router, _ := newTestRouter(t)
	_, token := openFlow(t, router)

	w, env := doJSON(t, router, http.MethodPost, "/api/flows/terms", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "register", flowStep(t, env))

	w, env = doJSON(t, router, http.MethodPost, "/api/verification/sessions", token, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, "didit", flowStep(t, env))

	// QR hand-off for the verification URL.
	req := httptest.NewRequest(http.MethodGet, "/api/verification/sessions/current/qr", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	qr := httptest.NewRecorder()
	router.ServeHTTP(qr, req)
	require.Equal(t, http.StatusOK, qr.Code)
	require.Equal(t, "image/png", qr.Header().Get("Content-Type"))
	require.Equal(t, "\x89PNG", qr.Body.String()[:4])

	w, env = doJSON(t, router, http.MethodPost, "/api/verification/confirm", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "verification", flowStep(t, env))

	w, env = doJSON(t, router, http.MethodPost, "/api/registration/checks", token,
		map[string]string{"kind": "email", "value": "jane@example.com"})
	require.Equal(t, http.StatusOK, w.Code)

	w, env = doJSON(t, router, http.MethodPost, "/api/registration/details", token, map[string]interface{}{
		"email":                 "jane@example.com",
		"phone_number":          "+15551234567",
		"password":              "Abc12345",
		"password_confirmation": "Abc12345",
		"data_approved":         true,
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "details", flowStep(t, env))

	w, env = doJSON(t, router, http.MethodPost, "/api/registration/complete", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "complete", flowStep(t, env))

	var data struct {
		Registration struct {
			UserID string `json:"user_id"`
			Status string `json:"status"`
		} `json:"registration"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.Equal(t, "v1", data.Registration.UserID)
	require.Equal(t, "pending", data.Registration.Status)
}

func TestWizardRequiresFlowToken(t *testing.T) {
	router, _ := newTestRouter(t)

	w, _ := doJSON(t, router, http.MethodPost, "/api/flows/terms", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWizardEnforcesStepOrder(t *testing.T) {
	router, _ := newTestRouter(t)
	_, token := openFlow(t, router)

	// Verification cannot start before terms are accepted.
	w, env := doJSON(t, router, http.MethodPost, "/api/verification/sessions", token, nil)
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "TERMS_NOT_ACCEPTED", env.Error.Code)

	// Details cannot be submitted before verification.
	w, env = doJSON(t, router, http.MethodPost, "/api/registration/details", token, map[string]interface{}{
		"email":                 "jane@example.com",
		"phone_number":          "+15551234567",
		"password":              "Abc12345",
		"password_confirmation": "Abc12345",
		"data_approved":         true,
	})
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "INVALID_TRANSITION", env.Error.Code)
}

func TestWizardPasswordStrengthFeedback(t *testing.T) {
	router, _ := newTestRouter(t)
	_, token := openFlow(t, router)

	w, env := doJSON(t, router, http.MethodPost, "/api/registration/password-strength", token,
		map[string]string{"password": "abc12345"})
	require.Equal(t, http.StatusOK, w.Code)

	var strength register.Strength
	require.NoError(t, json.Unmarshal(env.Data, &strength))
	require.False(t, strength.Valid)
	require.Equal(t, register.ScoreFair, strength.Score)
	require.Contains(t, strength.Errors, "Must contain at least one uppercase letter")
}

func TestWizardResetStartsOver(t *testing.T) {
	router, store := newTestRouter(t)
	_, token := openFlow(t, router)

	_, _ = doJSON(t, router, http.MethodPost, "/api/flows/terms", token, nil)
	w, _ := doJSON(t, router, http.MethodPost, "/api/verification/sessions", token, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	// Polling the session populates the response cache.
	w, _ = doJSON(t, router, http.MethodGet, "/api/verification/sessions/current", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	sessionKey := cache.Key("verify", "sessions", "sess-1")
	_, found, err := store.Get(context.Background(), sessionKey)
	require.NoError(t, err)
	require.True(t, found)

	w, env := doJSON(t, router, http.MethodPost, "/api/flows/reset", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "register", flowStep(t, env))

	// The cached session details of the discarded flow go with it.
	_, found, err = store.Get(context.Background(), sessionKey)
	require.NoError(t, err)
	require.False(t, found)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
}
