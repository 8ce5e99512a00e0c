package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/sovsapp/enroll/internal/models"
)

func openCacheTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(&models.CacheEntry{}))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	return db
}

func TestDatabaseStoreSetGetDelete(t *testing.T) {
	store := NewDatabaseStore(openCacheTestDB(t))

	require.NoError(t, store.Set(context.Background(), "k", []byte("v"), time.Minute))

	value, found, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v"), value)

	require.NoError(t, store.Delete(context.Background(), "k"))

	_, found, err = store.Get(context.Background(), "k")
	require.NoError(t, err)
	require.False(t, found)
}

func TestDatabaseStoreExpiry(t *testing.T) {
	store := NewDatabaseStore(openCacheTestDB(t))
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }

	require.NoError(t, store.Set(context.Background(), "k", []byte("v"), time.Minute))

	current = current.Add(2 * time.Minute)
	_, found, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	require.False(t, found)
}

func TestDatabaseStoreSetOverwrites(t *testing.T) {
	store := NewDatabaseStore(openCacheTestDB(t))

	require.NoError(t, store.Set(context.Background(), "k", []byte("first"), time.Minute))
	require.NoError(t, store.Set(context.Background(), "k", []byte("second"), time.Minute))

	value, found, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("second"), value)
}

func TestDatabaseStoreIncrementWithTTL(t *testing.T) {
	store := NewDatabaseStore(openCacheTestDB(t))

	count, _, err := store.IncrementWithTTL(context.Background(), "rate", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	count, _, err = store.IncrementWithTTL(context.Background(), "rate", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
}

func TestDatabaseStorePurgeExpired(t *testing.T) {
	store := NewDatabaseStore(openCacheTestDB(t))
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }

	require.NoError(t, store.Set(context.Background(), "stale", []byte("v"), time.Minute))
	require.NoError(t, store.Set(context.Background(), "pinned", []byte("v"), 0))

	current = current.Add(time.Hour)
	require.NoError(t, store.Set(context.Background(), "fresh", []byte("v"), time.Minute))

	purged, err := store.PurgeExpired(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, purged)

	_, found, _ := store.Get(context.Background(), "fresh")
	require.True(t, found)
	_, found, _ = store.Get(context.Background(), "pinned")
	require.True(t, found)
}
