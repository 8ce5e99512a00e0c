package workflow

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sovsapp/enroll/internal/register"
	"github.com/sovsapp/enroll/internal/verify"
	appErrors "github.com/sovsapp/enroll/pkg/errors"
	"github.com/sovsapp/enroll/pkg/logger"
	"github.com/sovsapp/enroll/pkg/metrics"
)

var (
	// ErrFlowNotFound covers unknown and expired flow ids.
	ErrFlowNotFound = appErrors.New("FLOW_NOT_FOUND",
		"Enrollment flow not found or expired", http.StatusNotFound)

	// ErrStaleSession marks a result that arrived for a session the flow has
	// since discarded. Such results are ignored, not applied.
	ErrStaleSession = appErrors.New("STALE_SESSION",
		"The result belongs to a discarded verification session", http.StatusConflict)
)

// Event announces a step change on one flow.
type Event struct {
	FlowID  string `json:"flow_id"`
	Step    Step   `json:"step"`
	Version uint64 `json:"version"`
}

// Flow is one tracked enrollment. Version increments on every mutation and
// guards against stale asynchronous results being applied after a reset.
type Flow struct {
	ID        string    `json:"flow_id"`
	Version   uint64    `json:"version"`
	State     *State    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Manager owns the in-memory flows, mirrors every mutation into the recovery
// store, and fans step changes out to subscribers.
type Manager struct {
	mu       sync.RWMutex
	flows    map[string]*Flow
	recovery Recovery
	now      func() time.Time
	log      *zap.Logger

	subMu       sync.Mutex
	subscribers map[int]chan Event
	nextSub     int
}

// ManagerOption customises the manager.
type ManagerOption func(*Manager)

// WithManagerClock injects the time source for tests.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager constructs a flow manager. recovery may be nil, in which case
// flows live only in memory.
func NewManager(recovery Recovery, opts ...ManagerOption) *Manager {
	manager := &Manager{
		flows:       make(map[string]*Flow),
		recovery:    recovery,
		now:         time.Now,
		log:         logger.WithModule("workflow"),
		subscribers: make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(manager)
	}
	return manager
}

// Create starts a new flow at the first step.
func (m *Manager) Create(ctx context.Context) *Flow {
	flow := &Flow{
		ID:        uuid.NewString(),
		Version:   1,
		State:     NewState(),
		UpdatedAt: m.now(),
	}

	m.mu.Lock()
	m.flows[flow.ID] = flow
	m.mu.Unlock()

	metrics.ActiveFlows.Inc()
	m.log.Info("flow created", zap.String("flow_id", flow.ID))
	return flow
}

// Get returns a copy-safe view of the flow. The caller must not mutate the
// returned state; mutations go through the manager's apply methods.
func (m *Manager) Get(ctx context.Context, flowID string) (*Flow, error) {
	m.mu.RLock()
	flow, ok := m.flows[flowID]
	m.mu.RUnlock()
	if ok {
		return flow, nil
	}

	// An unknown id may still have a recoverable snapshot from a previous
	// process or an evicted flow.
	if state, found := m.resume(ctx, flowID); found {
		return state, nil
	}
	return nil, ErrFlowNotFound
}

func (m *Manager) resume(ctx context.Context, flowID string) (*Flow, bool) {
	if m.recovery == nil {
		return nil, false
	}

	state, found := m.recovery.Load(ctx, flowID)
	if !found {
		return nil, false
	}

	flow := &Flow{ID: flowID, Version: 1, State: state, UpdatedAt: m.now()}

	m.mu.Lock()
	if existing, ok := m.flows[flowID]; ok {
		m.mu.Unlock()
		return existing, true
	}
	m.flows[flowID] = flow
	m.mu.Unlock()

	metrics.ActiveFlows.Inc()
	m.log.Info("flow resumed from recovery snapshot",
		zap.String("flow_id", flowID), zap.String("step", string(state.Step)))
	return flow, true
}

// apply runs a mutation under the lock, then mirrors the new state to the
// recovery store and notifies subscribers when the step changed.
func (m *Manager) apply(ctx context.Context, flowID string, fn func(*Flow) error) (*Flow, error) {
	m.mu.Lock()
	flow, ok := m.flows[flowID]
	if !ok {
		m.mu.Unlock()
		if flow, ok = m.resume(ctx, flowID); !ok {
			return nil, ErrFlowNotFound
		}
		m.mu.Lock()
	}

	before := flow.State.Step
	if err := fn(flow); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	flow.Version++
	flow.UpdatedAt = m.now()
	after := flow.State.Step
	version := flow.Version
	m.mu.Unlock()

	if m.recovery != nil {
		m.recovery.Save(ctx, flowID, flow.State)
	}
	if before != after {
		m.notify(Event{FlowID: flowID, Step: after, Version: version})
	}
	return flow, nil
}

// AcceptTerms records consent on the flow.
func (m *Manager) AcceptTerms(ctx context.Context, flowID string) (*Flow, error) {
	return m.apply(ctx, flowID, func(flow *Flow) error {
		return flow.State.AcceptTerms()
	})
}

// StartVerification attaches a provider session and advances the flow.
func (m *Manager) StartVerification(ctx context.Context, flowID string, session *verify.Session) (*Flow, error) {
	return m.apply(ctx, flowID, func(flow *Flow) error {
		return flow.State.StartVerification(session)
	})
}

// ApplyOutcome applies a verification result. Results for a session the flow
// no longer holds are rejected as stale and leave the flow untouched.
func (m *Manager) ApplyOutcome(ctx context.Context, flowID string, outcome *verify.Outcome) (*Flow, error) {
	return m.apply(ctx, flowID, func(flow *Flow) error {
		if flow.State.Session == nil || outcome == nil || flow.State.Session.ID != outcome.SessionID {
			return ErrStaleSession
		}
		return flow.State.CompleteVerification(outcome)
	})
}

// SubmitDetails stores the user-entered record on the flow.
func (m *Manager) SubmitDetails(ctx context.Context, flowID string, record *register.Record) (*Flow, error) {
	return m.apply(ctx, flowID, func(flow *Flow) error {
		return flow.State.SubmitDetails(record)
	})
}

// Finish records the completed registration and clears the recovery snapshot:
// a finished flow has nothing left to resume.
func (m *Manager) Finish(ctx context.Context, flowID string, result *register.Response) (*Flow, error) {
	flow, err := m.apply(ctx, flowID, func(flow *Flow) error {
		return flow.State.Finish(result)
	})
	if err != nil {
		return nil, err
	}

	if m.recovery != nil {
		m.recovery.Clear(ctx, flowID)
	}
	return flow, nil
}

// Reset returns the flow to the first step, discarding everything.
func (m *Manager) Reset(ctx context.Context, flowID string) (*Flow, error) {
	flow, err := m.apply(ctx, flowID, func(flow *Flow) error {
		flow.State.Reset()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if m.recovery != nil {
		m.recovery.Clear(ctx, flowID)
	}
	m.log.Info("flow reset", zap.String("flow_id", flowID))
	return flow, nil
}

// Drop removes a flow from memory without touching its recovery snapshot, so
// it can still resume within the recovery window.
func (m *Manager) Drop(flowID string) {
	m.mu.Lock()
	_, ok := m.flows[flowID]
	delete(m.flows, flowID)
	m.mu.Unlock()

	if ok {
		metrics.ActiveFlows.Dec()
	}
}

// PurgeIdle evicts flows untouched for longer than window from memory and
// returns the number evicted. An evicted flow is not lost: it resumes from its
// recovery snapshot on the next request, as long as the snapshot itself has
// not aged out.
func (m *Manager) PurgeIdle(window time.Duration) int {
	cutoff := m.now().Add(-window)

	m.mu.RLock()
	var idle []string
	for id, flow := range m.flows {
		if flow.UpdatedAt.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range idle {
		m.Drop(id)
	}
	return len(idle)
}

// Subscribe registers a step-change listener. The returned cancel func must
// be called to release the subscription.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)

	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = ch
	m.subMu.Unlock()

	cancel := func() {
		m.subMu.Lock()
		if _, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(ch)
		}
		m.subMu.Unlock()
	}
	return ch, cancel
}

func (m *Manager) notify(event Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for _, ch := range m.subscribers {
		select {
		case ch <- event:
		default:
			// A slow subscriber drops events rather than stalling mutations.
		}
	}
}
