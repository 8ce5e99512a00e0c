package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sovsapp/enroll/internal/cache"
	"github.com/sovsapp/enroll/internal/database"
	"github.com/sovsapp/enroll/internal/workflow"
)

func TestRunOnceSweepsBothStores(t *testing.T) {
	db, err := database.Open(database.Config{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	now := time.Now()
	clock := func() time.Time { return now }

	store := cache.NewDatabaseStore(db, cache.WithDatabaseClock(clock))
	recovery := workflow.NewDatabaseRecovery(db, workflow.WithDatabaseRecoveryClock(clock))

	require.NoError(t, store.Set(context.Background(), "k1", []byte("v"), time.Minute))
	recovery.Save(context.Background(), "f1", workflow.NewState())

	now = now.Add(20 * time.Minute)

	cleaner := NewCleaner(store, recovery)
	require.NoError(t, cleaner.RunOnce(context.Background()))

	_, found, err := store.Get(context.Background(), "k1")
	require.NoError(t, err)
	require.False(t, found)

	_, found2 := recovery.Load(context.Background(), "f1")
	require.False(t, found2)
}

func TestRunOnceEvictsIdleFlows(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	manager := workflow.NewManager(
		workflow.NewCacheRecovery(cache.NewMemoryStore(), workflow.WithRecoveryClock(clock)),
		workflow.WithManagerClock(clock))
	flow := manager.Create(context.Background())
	_, err := manager.AcceptTerms(context.Background(), flow.ID)
	require.NoError(t, err)

	cleaner := NewCleaner(nil, nil, WithFlowSweep(manager, workflow.DefaultRecoveryWindow))

	// A fresh flow survives the sweep.
	require.NoError(t, cleaner.RunOnce(context.Background()))
	_, err = manager.Get(context.Background(), flow.ID)
	require.NoError(t, err)

	// Past the resume window it is evicted from memory, and the snapshot it
	// would resume from has aged out too.
	now = now.Add(20 * time.Minute)
	require.NoError(t, cleaner.RunOnce(context.Background()))

	_, err = manager.Get(context.Background(), flow.ID)
	require.ErrorIs(t, err, workflow.ErrFlowNotFound)
}

func TestRunOnceWithNothingToDo(t *testing.T) {
	cleaner := NewCleaner(nil, nil)
	require.NoError(t, cleaner.RunOnce(context.Background()))
	require.NoError(t, cleaner.Start(), "a cleaner with no stores does not schedule")
	cleaner.Stop()
}
