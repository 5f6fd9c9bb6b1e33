package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/training-sync/internal/apperror"
	"github.com/sakif/training-sync/internal/model"
)

func ptr(f float64) *float64 { return &f }

func newTestActivity(userID string, providerID int64) *model.Activity {
	start := time.Date(2026, 10, 14, 6, 30, 0, 0, time.UTC)
	return &model.Activity{
		UserID:             userID,
		ProviderActivityID: providerID,
		Name:               "Morning Ride",
		SportType:          "Ride",
		StartDate:          start,
		StartDateLocal:     start.Add(2 * time.Hour),
		Timezone:           "(GMT+01:00) Europe/Berlin",
		Distance:           42195.5,
		MovingTime:         5400,
		ElapsedTime:        5700,
		TotalElevationGain: 320,
		AverageHeartrate:   ptr(141.2),
		AverageWatts:       ptr(210),
	}
}

// =========================================================================
// INSERT TESTS
// =========================================================================

func TestInsertActivity(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	a := newTestActivity("user-1", 555)
	inserted, err := db.InsertActivity(ctx, a)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotEmpty(t, a.ID)

	got, err := db.GetActivity(ctx, "user-1", 555)
	require.NoError(t, err)
	assert.Equal(t, "Morning Ride", got.Name)
	assert.Equal(t, 42195.5, got.Distance)
	assert.True(t, got.StartDate.Equal(a.StartDate))
	require.NotNil(t, got.AverageHeartrate)
	assert.Equal(t, 141.2, *got.AverageHeartrate)
	assert.Nil(t, got.MaxHeartrate)
}

func TestInsertActivity_DuplicateKeyIsNotInserted(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.InsertActivity(ctx, newTestActivity("user-1", 555))
	require.NoError(t, err)

	inserted, err := db.InsertActivity(ctx, newTestActivity("user-1", 555))
	require.NoError(t, err)
	assert.False(t, inserted)

	// Same provider id under another user is a different row.
	inserted, err = db.InsertActivity(ctx, newTestActivity("user-2", 555))
	require.NoError(t, err)
	assert.True(t, inserted)

	n, err := db.CountActivities(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// =========================================================================
// UPDATE / TOUCH TESTS
// =========================================================================

func TestUpdateActivity_LeavesDerivedFields(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	a := newTestActivity("user-1", 555)
	a.TSS = ptr(88)
	_, err := db.InsertActivity(ctx, a)
	require.NoError(t, err)

	changed := newTestActivity("user-1", 555)
	changed.Name = "Renamed Ride"
	changed.TSS = ptr(1) // must be ignored
	require.NoError(t, db.UpdateActivity(ctx, changed))

	got, err := db.GetActivity(ctx, "user-1", 555)
	require.NoError(t, err)
	assert.Equal(t, "Renamed Ride", got.Name)
	require.NotNil(t, got.TSS)
	assert.Equal(t, 88.0, *got.TSS)
}

func TestUpdateActivity_Missing(t *testing.T) {
	db := newTestDB(t)

	err := db.UpdateActivity(context.Background(), newTestActivity("user-1", 1))
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}

func TestTouchActivity(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.InsertActivity(ctx, newTestActivity("user-1", 555))
	require.NoError(t, err)

	later := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.TouchActivity(ctx, "user-1", 555, later))

	got, err := db.GetActivity(ctx, "user-1", 555)
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(later))
}

// =========================================================================
// DELETE TESTS
// =========================================================================

func TestDeleteActivity(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.InsertActivity(ctx, newTestActivity("user-1", 555))
	require.NoError(t, err)

	removed, err := db.DeleteActivity(ctx, "user-1", 555)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = db.DeleteActivity(ctx, "user-1", 555)
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = db.GetActivity(ctx, "user-1", 555)
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}
