package service

import (
	"context"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appErrors "github.com/klinikhub/clinic-core-api/pkg/errors"
)

func intPtr(v int) *int { return &v }

func TestWorkingWindowUpsertStoresWindow(t *testing.T) {
	repo := &fakeWindowRepo{}
	svc := NewWorkingWindowService(repo, validator.New(), zap.NewNop())

	window, err := svc.Upsert(context.Background(), "t1", "p1", UpsertWorkingWindowRequest{
		Weekday:   intPtr(1),
		StartTime: "08:30",
		EndTime:   "16:30",
		IsWorkday: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "t1", window.TenantID)
	assert.Equal(t, "p1", window.ProfessionalID)
	assert.Equal(t, 1, window.Weekday)
	require.Contains(t, repo.windows, 1)
	assert.Equal(t, "08:30", repo.windows[1].StartTime)
}

func TestWorkingWindowUpsertRejectsInvertedInterval(t *testing.T) {
	svc := NewWorkingWindowService(&fakeWindowRepo{}, validator.New(), zap.NewNop())

	_, err := svc.Upsert(context.Background(), "t1", "p1", UpsertWorkingWindowRequest{
		Weekday:   intPtr(2),
		StartTime: "17:00",
		EndTime:   "09:00",
		IsWorkday: true,
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestWorkingWindowUpsertNonWorkdaySkipsIntervalCheck(t *testing.T) {
	repo := &fakeWindowRepo{}
	svc := NewWorkingWindowService(repo, validator.New(), zap.NewNop())

	// A day off keeps whatever times were last stored; they are not read.
	window, err := svc.Upsert(context.Background(), "t1", "p1", UpsertWorkingWindowRequest{
		Weekday:   intPtr(0),
		StartTime: "09:00",
		EndTime:   "09:00",
		IsWorkday: false,
	})
	require.NoError(t, err)
	assert.False(t, window.IsWorkday)
}

func TestWorkingWindowUpsertValidatesWeekdayRange(t *testing.T) {
	svc := NewWorkingWindowService(&fakeWindowRepo{}, validator.New(), zap.NewNop())

	_, err := svc.Upsert(context.Background(), "t1", "p1", UpsertWorkingWindowRequest{
		Weekday:   intPtr(7),
		StartTime: "09:00",
		EndTime:   "17:00",
		IsWorkday: true,
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))

	_, err = svc.Upsert(context.Background(), "t1", "p1", UpsertWorkingWindowRequest{
		StartTime: "09:00",
		EndTime:   "17:00",
	})
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}
