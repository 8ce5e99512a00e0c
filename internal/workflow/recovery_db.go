package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sovsapp/enroll/internal/models"
	"github.com/sovsapp/enroll/pkg/logger"
)

// DatabaseRecovery persists snapshots as rows so flows survive process
// restarts. Stale rows are evicted on load and swept by the maintenance
// cleaner.
type DatabaseRecovery struct {
	db     *gorm.DB
	window time.Duration
	now    func() time.Time
	log    *zap.Logger
}

// DatabaseRecoveryOption customises the store.
type DatabaseRecoveryOption func(*DatabaseRecovery)

// WithDatabaseRecoveryWindow overrides the resume window.
func WithDatabaseRecoveryWindow(window time.Duration) DatabaseRecoveryOption {
	return func(r *DatabaseRecovery) {
		if window > 0 {
			r.window = window
		}
	}
}

// WithDatabaseRecoveryClock injects the time source for tests.
func WithDatabaseRecoveryClock(now func() time.Time) DatabaseRecoveryOption {
	return func(r *DatabaseRecovery) {
		if now != nil {
			r.now = now
		}
	}
}

// NewDatabaseRecovery builds a database-backed recovery store.
func NewDatabaseRecovery(db *gorm.DB, opts ...DatabaseRecoveryOption) *DatabaseRecovery {
	recovery := &DatabaseRecovery{
		db:     db,
		window: DefaultRecoveryWindow,
		now:    time.Now,
		log:    logger.WithModule("recovery"),
	}
	for _, opt := range opts {
		opt(recovery)
	}
	return recovery
}

// Save upserts the flow's snapshot row.
func (r *DatabaseRecovery) Save(ctx context.Context, flowID string, state *State) {
	if r.db == nil || flowID == "" || state == nil {
		return
	}

	raw, err := json.Marshal(sanitize(state))
	if err != nil {
		r.log.Warn("encoding recovery snapshot failed", zap.String("flow_id", flowID), zap.Error(err))
		return
	}

	row := models.RecoverySnapshot{FlowID: flowID, Data: raw, SavedAt: r.now()}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "flow_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "saved_at", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		r.log.Warn("saving recovery snapshot failed", zap.String("flow_id", flowID), zap.Error(err))
	}
}

// Load returns the snapshot if it is younger than the recovery window,
// evicting it otherwise.
func (r *DatabaseRecovery) Load(ctx context.Context, flowID string) (*State, bool) {
	if r.db == nil || flowID == "" {
		return nil, false
	}

	var row models.RecoverySnapshot
	err := r.db.WithContext(ctx).First(&row, "flow_id = ?", flowID).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			r.log.Warn("loading recovery snapshot failed", zap.String("flow_id", flowID), zap.Error(err))
		}
		return nil, false
	}

	if r.now().Sub(row.SavedAt) > r.window {
		r.Clear(ctx, flowID)
		return nil, false
	}

	var state State
	if err := json.Unmarshal(row.Data, &state); err != nil {
		r.Clear(ctx, flowID)
		return nil, false
	}
	return &state, true
}

// Clear removes the snapshot unconditionally.
func (r *DatabaseRecovery) Clear(ctx context.Context, flowID string) {
	if r.db == nil || flowID == "" {
		return
	}
	err := r.db.WithContext(ctx).Delete(&models.RecoverySnapshot{}, "flow_id = ?", flowID).Error
	if err != nil {
		r.log.Warn("clearing recovery snapshot failed", zap.String("flow_id", flowID), zap.Error(err))
	}
}

// PurgeStale deletes snapshots past the recovery window; called by the
// maintenance cleaner.
func (r *DatabaseRecovery) PurgeStale(ctx context.Context) (int64, error) {
	if r.db == nil {
		return 0, nil
	}

	cutoff := r.now().Add(-r.window)
	result := r.db.WithContext(ctx).Delete(&models.RecoverySnapshot{}, "saved_at < ?", cutoff)
	return result.RowsAffected, result.Error
}
