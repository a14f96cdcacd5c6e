package repository

import (
	"context"
	"testing"
	"time"

	"github.com/relaymesh/delivery-engine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceRepository_RegisterUpsert(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewDeviceRepository(db)
	ctx := context.Background()

	first, err := repo.Register(ctx, &model.DeviceSyncState{
		UserID: "bob", DeviceID: "dev-1", Platform: "ios",
	})
	require.NoError(t, err)
	require.NotZero(t, first.ID)

	// Move the cursor, then re-register with a new platform.
	require.NoError(t, repo.AdvanceCursor(ctx, "dev-1", 50))

	again, err := repo.Register(ctx, &model.DeviceSyncState{
		UserID: "bob", DeviceID: "dev-1", Platform: "android",
	})
	require.NoError(t, err)
	assert.Equal(t, "android", again.Platform)
	assert.Equal(t, int64(50), again.LastAckedRecordID, "re-registration never resets the cursor")
}

func TestDeviceRepository_CursorIsMonotonic(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewDeviceRepository(db)
	ctx := context.Background()

	_, err := repo.Register(ctx, &model.DeviceSyncState{
		UserID: "bob", DeviceID: "dev-1", Platform: "ios",
	})
	require.NoError(t, err)

	require.NoError(t, repo.AdvanceCursor(ctx, "dev-1", 10))
	require.NoError(t, repo.AdvanceCursor(ctx, "dev-1", 25))

	// Regressions and repeats are rejected at the SQL guard.
	assert.ErrorIs(t, repo.AdvanceCursor(ctx, "dev-1", 25), ErrCursorRegression)
	assert.ErrorIs(t, repo.AdvanceCursor(ctx, "dev-1", 5), ErrCursorRegression)

	got, err := repo.GetByDeviceID(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, int64(25), got.LastAckedRecordID)
}

func TestDeviceRepository_ListByUser(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewDeviceRepository(db)
	ctx := context.Background()

	for _, id := range []string{"dev-1", "dev-2"} {
		_, err := repo.Register(ctx, &model.DeviceSyncState{
			UserID: "bob", DeviceID: id, Platform: "ios",
		})
		require.NoError(t, err)
	}
	_, err := repo.Register(ctx, &model.DeviceSyncState{
		UserID: "carol", DeviceID: "dev-9", Platform: "web",
	})
	require.NoError(t, err)

	devices, err := repo.ListByUser(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, devices, 2)

	missing, err := repo.ListByUser(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestDeviceRepository_TouchSync(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewDeviceRepository(db)
	ctx := context.Background()

	_, err := repo.Register(ctx, &model.DeviceSyncState{
		UserID: "bob", DeviceID: "dev-1", Platform: "ios",
	})
	require.NoError(t, err)

	at := time.Now()
	require.NoError(t, repo.TouchSync(ctx, "dev-1", at))

	got, err := repo.GetByDeviceID(ctx, "dev-1")
	require.NoError(t, err)
	require.NotNil(t, got.LastSyncAt)
	assert.WithinDuration(t, at, *got.LastSyncAt, time.Second)
}
