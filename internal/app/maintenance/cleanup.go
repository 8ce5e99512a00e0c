package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sovsapp/enroll/internal/cache"
	"github.com/sovsapp/enroll/internal/workflow"
	"github.com/sovsapp/enroll/pkg/logger"
)

const defaultSchedule = "@hourly"

// Cleaner sweeps the wizard's long-lived state: expired response cache rows,
// recovery snapshots past the resume window, and in-memory flows idle past
// that same window. In-memory stores evict lazily and need no sweeping, so
// any dependency may be nil.
type Cleaner struct {
	cache    *cache.DatabaseStore
	recovery *workflow.DatabaseRecovery
	manager  *workflow.Manager
	window   time.Duration
	cron     *cron.Cron
	log      *zap.Logger
	schedule string
	enabled  bool
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithSchedule overrides the cron specification for the sweep.
func WithSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.schedule = spec
		}
	}
}

// WithFlowSweep evicts the manager's idle in-memory flows on each sweep.
// Evicted flows stay resumable from their recovery snapshots, so the eviction
// window matches the resume window.
func WithFlowSweep(manager *workflow.Manager, window time.Duration) Option {
	return func(cleaner *Cleaner) {
		cleaner.manager = manager
		if window > 0 {
			cleaner.window = window
		}
	}
}

// NewCleaner constructs a Cleaner. Nil dependencies disable the corresponding sweep.
func NewCleaner(cacheStore *cache.DatabaseStore, recovery *workflow.DatabaseRecovery, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		cache:    cacheStore,
		recovery: recovery,
		window:   workflow.DefaultRecoveryWindow,
		schedule: defaultSchedule,
		log:      logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	cleaner.enabled = cleaner.cache != nil || cleaner.recovery != nil || cleaner.manager != nil
	return cleaner
}

// Start registers the sweep with the cron scheduler and launches it when at
// least one store needs sweeping.
func (c *Cleaner) Start() error {
	if !c.enabled {
		return nil
	}

	if _, err := c.cron.AddFunc(c.schedule, func() {
		if err := c.RunOnce(context.Background()); err != nil {
			c.log.Warn("maintenance sweep failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes all configured sweeps sequentially. Primarily used in tests
// and during graceful shutdown.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if c.cache != nil {
		purged, err := c.cache.PurgeExpired(ctx)
		if err != nil {
			errs = multierr.Append(errs, err)
		} else if purged > 0 {
			c.log.Debug("purged expired cache entries", zap.Int64("count", purged))
		}
	}

	if c.recovery != nil {
		purged, err := c.recovery.PurgeStale(ctx)
		if err != nil {
			errs = multierr.Append(errs, err)
		} else if purged > 0 {
			c.log.Debug("purged stale recovery snapshots", zap.Int64("count", purged))
		}
	}

	if c.manager != nil {
		if evicted := c.manager.PurgeIdle(c.window); evicted > 0 {
			c.log.Debug("evicted idle flows from memory", zap.Int("count", evicted))
		}
	}

	return errs
}
