package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/klinikhub/clinic-core-api/internal/models"
	appErrors "github.com/klinikhub/clinic-core-api/pkg/errors"
)

// slotStepMinutes is the fixed cursor advance between candidate slots,
// independent of the requested duration.
const slotStepMinutes = 30

type workingWindowRepository interface {
	FindByWeekday(ctx context.Context, tenantID, professionalID string, weekday int) (*models.WorkingWindow, error)
	ListByProfessional(ctx context.Context, tenantID, professionalID string) ([]models.WorkingWindow, error)
	Upsert(ctx context.Context, window *models.WorkingWindow) error
	SeedDefaults(ctx context.Context, tenantID, professionalID string) error
}

type bookedAppointmentReader interface {
	ListBooked(ctx context.Context, tenantID, professionalID string, date time.Time) ([]models.Appointment, error)
	CountOverlapping(ctx context.Context, exec sqlx.ExtContext, tenantID, professionalID string, date time.Time, start, end, excludeID string) (int, error)
}

type slotCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// AvailabilityService answers conflict and working-hours questions and
// generates bookable slots for a professional's day.
type AvailabilityService struct {
	windows      workingWindowRepository
	appointments bookedAppointmentReader
	cache        slotCache
	cacheTTL     time.Duration
	metrics      *MetricsService
	logger       *zap.Logger
}

// NewAvailabilityService constructs an AvailabilityService. cache may be nil.
func NewAvailabilityService(windows workingWindowRepository, appointments bookedAppointmentReader, cache slotCache, cacheTTL time.Duration, metrics *MetricsService, logger *zap.Logger) *AvailabilityService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AvailabilityService{
		windows:      windows,
		appointments: appointments,
		cache:        cache,
		cacheTTL:     cacheTTL,
		metrics:      metrics,
		logger:       logger,
	}
}

// WindowFor resolves the weekday from date and returns the working window,
// or nil when the professional has no window or the day is not a workday.
func (s *AvailabilityService) WindowFor(ctx context.Context, tenantID, professionalID string, date time.Time) (*models.WorkingWindow, error) {
	window, err := s.windows.FindByWeekday(ctx, tenantID, professionalID, int(date.Weekday()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load working window")
	}
	if !window.IsWorkday {
		return nil, nil
	}
	return window, nil
}

// HasConflict reports whether any non-cancelled appointment of the
// professional on date overlaps the half-open interval [start, end).
// excludeAppointmentID lets an update ignore its own reservation.
func (s *AvailabilityService) HasConflict(ctx context.Context, tenantID, professionalID string, date time.Time, start, end, excludeAppointmentID string) (bool, error) {
	if err := validateInterval(start, end); err != nil {
		return false, err
	}
	count, err := s.appointments.CountOverlapping(ctx, nil, tenantID, professionalID, date, start, end, excludeAppointmentID)
	if err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check conflicts")
	}
	return count > 0, nil
}

// IsWithinWorkingHours reports whether [start, end) fits inside the
// professional's working window for the date.
func (s *AvailabilityService) IsWithinWorkingHours(ctx context.Context, tenantID, professionalID string, date time.Time, start, end string) (bool, error) {
	if err := validateInterval(start, end); err != nil {
		return false, err
	}
	window, err := s.WindowFor(ctx, tenantID, professionalID, date)
	if err != nil {
		return false, err
	}
	if window == nil {
		return false, nil
	}

	startMin, _ := parseClock(start)
	endMin, _ := parseClock(end)
	windowStart, err := parseClock(window.StartTime)
	if err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "malformed working window")
	}
	windowEnd, err := parseClock(window.EndTime)
	if err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "malformed working window")
	}

	return startMin >= windowStart && endMin <= windowEnd, nil
}

// GenerateAvailableSlots walks the working window in fixed 30-minute steps
// and emits every interval of the requested duration that does not collide
// with an existing booking. A slot ending exactly at the window end is
// valid. Returns an empty list when the day has no workable window.
func (s *AvailabilityService) GenerateAvailableSlots(ctx context.Context, tenantID, professionalID string, date time.Time, durationMinutes int) ([]models.Slot, error) {
	if durationMinutes <= 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "duration must be positive")
	}

	cacheKey := slotCacheKey(tenantID, professionalID, date, durationMinutes)
	if s.cache != nil {
		var cached []models.Slot
		err := s.cache.Get(ctx, cacheKey, &cached)
		if err == nil {
			if s.metrics != nil {
				s.metrics.IncCacheHit()
			}
			return cached, nil
		}
		if !appErrors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Warn("slot cache read failed", zap.String("key", cacheKey), zap.Error(err))
		}
		if s.metrics != nil {
			s.metrics.IncCacheMiss()
		}
	}

	window, err := s.WindowFor(ctx, tenantID, professionalID, date)
	if err != nil {
		return nil, err
	}
	if window == nil {
		return []models.Slot{}, nil
	}

	windowStart, err := parseClock(window.StartTime)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "malformed working window")
	}
	windowEnd, err := parseClock(window.EndTime)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "malformed working window")
	}

	booked, err := s.appointments.ListBooked(ctx, tenantID, professionalID, date)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load bookings")
	}

	type busyInterval struct{ start, end int }
	busy := make([]busyInterval, 0, len(booked))
	for _, appt := range booked {
		bStart, err := parseClock(appt.StartTime)
		if err != nil {
			continue
		}
		bEnd, err := parseClock(appt.EndTime)
		if err != nil {
			continue
		}
		busy = append(busy, busyInterval{start: bStart, end: bEnd})
	}

	slots := []models.Slot{}
	for cursor := windowStart; cursor+durationMinutes <= windowEnd; cursor += slotStepMinutes {
		slotEnd := cursor + durationMinutes
		free := true
		for _, b := range busy {
			// Half-open overlap: [cursor, slotEnd) meets [b.start, b.end).
			if cursor < b.end && b.start < slotEnd {
				free = false
				break
			}
		}
		if free {
			slots = append(slots, models.Slot{StartTime: formatClock(cursor), EndTime: formatClock(slotEnd)})
		}
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, slots, s.cacheTTL); err != nil {
			s.logger.Warn("slot cache write failed", zap.String("key", cacheKey), zap.Error(err))
		}
	}
	return slots, nil
}

// InvalidateSlots drops cached slot listings for a professional's date after
// any booking write.
func (s *AvailabilityService) InvalidateSlots(ctx context.Context, tenantID, professionalID string, date time.Time) {
	if s.cache == nil {
		return
	}
	pattern := fmt.Sprintf("slots:%s:%s:%s:*", tenantID, professionalID, date.Format("2006-01-02"))
	if err := s.cache.DeleteByPattern(ctx, pattern); err != nil {
		s.logger.Warn("slot cache invalidation failed", zap.String("pattern", pattern), zap.Error(err))
	}
}

func slotCacheKey(tenantID, professionalID string, date time.Time, durationMinutes int) string {
	return fmt.Sprintf("slots:%s:%s:%s:%d", tenantID, professionalID, date.Format("2006-01-02"), durationMinutes)
}

func validateInterval(start, end string) error {
	startMin, err := parseClock(start)
	if err != nil {
		return appErrors.Clone(appErrors.ErrValidation, "invalid start time")
	}
	endMin, err := parseClock(end)
	if err != nil {
		return appErrors.Clone(appErrors.ErrValidation, "invalid end time")
	}
	if startMin >= endMin {
		return appErrors.Clone(appErrors.ErrValidation, "start time must be before end time")
	}
	return nil
}

// parseClock converts a zero-padded "HH:MM" string to minutes of day.
func parseClock(value string) (int, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", value, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// formatClock renders minutes of day back to "HH:MM".
func formatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}
