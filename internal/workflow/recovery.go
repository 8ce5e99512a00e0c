package workflow

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/sovsapp/enroll/internal/cache"
	"github.com/sovsapp/enroll/pkg/logger"
)

// DefaultRecoveryWindow bounds how long an interrupted flow can resume
// without re-entering already-confirmed data.
const DefaultRecoveryWindow = 15 * time.Minute

// Recovery persists partial flow state across interruptions. Save is
// best-effort: a persistence failure is logged, never returned, so an
// unavailable store cannot block the in-memory flow.
type Recovery interface {
	Save(ctx context.Context, flowID string, state *State)
	Load(ctx context.Context, flowID string) (*State, bool)
	Clear(ctx context.Context, flowID string)
}

// snapshot is the persisted envelope: the flow state plus its save time, used
// to enforce the recovery window on load.
type snapshot struct {
	Data      *State    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// CacheRecovery keeps snapshots in a cache store (memory or redis), relying
// on the store TTL plus an explicit timestamp check on load.
type CacheRecovery struct {
	store  cache.Store
	window time.Duration
	now    func() time.Time
	log    *zap.Logger
}

// CacheRecoveryOption customises the store.
type CacheRecoveryOption func(*CacheRecovery)

// WithRecoveryWindow overrides the resume window.
func WithRecoveryWindow(window time.Duration) CacheRecoveryOption {
	return func(r *CacheRecovery) {
		if window > 0 {
			r.window = window
		}
	}
}

// WithRecoveryClock injects the time source for tests.
func WithRecoveryClock(now func() time.Time) CacheRecoveryOption {
	return func(r *CacheRecovery) {
		if now != nil {
			r.now = now
		}
	}
}

// NewCacheRecovery builds a cache-backed recovery store.
func NewCacheRecovery(store cache.Store, opts ...CacheRecoveryOption) *CacheRecovery {
	recovery := &CacheRecovery{
		store:  store,
		window: DefaultRecoveryWindow,
		now:    time.Now,
		log:    logger.WithModule("recovery"),
	}
	for _, opt := range opts {
		opt(recovery)
	}
	return recovery
}

func recoveryKey(flowID string) string {
	return cache.Key("recovery", "flows", flowID)
}

// Save persists the state, overwriting any previous snapshot for the flow.
func (r *CacheRecovery) Save(ctx context.Context, flowID string, state *State) {
	if r.store == nil || flowID == "" || state == nil {
		return
	}

	raw, err := json.Marshal(snapshot{Data: sanitize(state), Timestamp: r.now()})
	if err != nil {
		r.log.Warn("encoding recovery snapshot failed", zap.String("flow_id", flowID), zap.Error(err))
		return
	}
	if err := r.store.Set(ctx, recoveryKey(flowID), raw, r.window); err != nil {
		r.log.Warn("saving recovery snapshot failed", zap.String("flow_id", flowID), zap.Error(err))
	}
}

// Load returns the snapshot if it is younger than the recovery window,
// evicting it otherwise.
func (r *CacheRecovery) Load(ctx context.Context, flowID string) (*State, bool) {
	if r.store == nil || flowID == "" {
		return nil, false
	}

	raw, found, err := r.store.Get(ctx, recoveryKey(flowID))
	if err != nil || !found {
		return nil, false
	}

	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil || snap.Data == nil {
		r.Clear(ctx, flowID)
		return nil, false
	}
	if r.now().Sub(snap.Timestamp) > r.window {
		r.Clear(ctx, flowID)
		return nil, false
	}
	return snap.Data, true
}

// Clear removes the snapshot unconditionally.
func (r *CacheRecovery) Clear(ctx context.Context, flowID string) {
	if r.store == nil || flowID == "" {
		return
	}
	if err := r.store.Delete(ctx, recoveryKey(flowID)); err != nil {
		r.log.Warn("clearing recovery snapshot failed", zap.String("flow_id", flowID), zap.Error(err))
	}
}

// sanitize strips credentials before persistence; passwords live only in
// memory for the duration of the flow.
func sanitize(state *State) *State {
	if state.Record == nil || (state.Record.Password == "" && state.Record.PasswordConfirmation == "") {
		return state
	}

	cpy := *state
	record := *state.Record
	record.Password = ""
	record.PasswordConfirmation = ""
	cpy.Record = &record
	return &cpy
}
