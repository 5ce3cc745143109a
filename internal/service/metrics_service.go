package service

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the scheduling
// and metering core.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	appointmentsCreated prometheus.Counter
	bookingConflicts    prometheus.Counter

	sessionsStarted        prometheus.Counter
	sessionsForceCompleted prometheus.Counter
	creditsDebited         prometheus.Counter
	sweepDuration          prometheus.Histogram
	sweepSessions          prometheus.Counter
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "slot_cache_hits_total",
		Help: "Total slot cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "slot_cache_misses_total",
		Help: "Total slot cache misses",
	})

	appointmentsCreated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "appointments_created_total",
		Help: "Total appointments booked",
	})

	bookingConflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "booking_conflicts_total",
		Help: "Total bookings rejected for overlapping an existing appointment",
	})

	sessionsStarted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemedicine_sessions_started_total",
		Help: "Total telemedicine sessions created",
	})

	sessionsForceCompleted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemedicine_sessions_force_completed_total",
		Help: "Total sessions terminated by the metering sweep for lack of credits",
	})

	creditsDebited := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemedicine_credits_debited_total",
		Help: "Total credits debited across session creation and metering",
	})

	sweepDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "metering_sweep_duration_seconds",
		Help:    "Duration of metering sweeps",
		Buckets: prometheus.DefBuckets,
	})

	sweepSessions := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "metering_sessions_processed_total",
		Help: "Total sessions examined by metering sweeps",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheHits, cacheMisses,
		appointmentsCreated, bookingConflicts, sessionsStarted, sessionsForceCompleted,
		creditsDebited, sweepDuration, sweepSessions, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:               registry,
		handler:                handler,
		requestDuration:        requestDuration,
		requestTotal:           requestTotal,
		cacheHits:              cacheHits,
		cacheMisses:            cacheMisses,
		appointmentsCreated:    appointmentsCreated,
		bookingConflicts:       bookingConflicts,
		sessionsStarted:        sessionsStarted,
		sessionsForceCompleted: sessionsForceCompleted,
		creditsDebited:         creditsDebited,
		sweepDuration:          sweepDuration,
		sweepSessions:          sweepSessions,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"method": method, "path": path, "status": httpStatusLabel(status)}
	m.requestDuration.With(labels).Observe(duration.Seconds())
	m.requestTotal.With(labels).Inc()
}

// IncCacheHit counts a slot cache hit.
func (m *MetricsService) IncCacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

// IncCacheMiss counts a slot cache miss.
func (m *MetricsService) IncCacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

// IncAppointmentCreated counts a successful booking.
func (m *MetricsService) IncAppointmentCreated() {
	if m != nil {
		m.appointmentsCreated.Inc()
	}
}

// IncBookingConflict counts a rejected overlapping booking.
func (m *MetricsService) IncBookingConflict() {
	if m != nil {
		m.bookingConflicts.Inc()
	}
}

// IncSessionStarted counts a created telemedicine session.
func (m *MetricsService) IncSessionStarted() {
	if m != nil {
		m.sessionsStarted.Inc()
	}
}

// IncSessionForceCompleted counts a session terminated for lack of credits.
func (m *MetricsService) IncSessionForceCompleted() {
	if m != nil {
		m.sessionsForceCompleted.Inc()
	}
}

// AddCreditsDebited accumulates debited credits.
func (m *MetricsService) AddCreditsDebited(n int) {
	if m != nil && n > 0 {
		m.creditsDebited.Add(float64(n))
	}
}

// ObserveMeteringSweep records one sweep run.
func (m *MetricsService) ObserveMeteringSweep(duration time.Duration, processed int) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(duration.Seconds())
	m.sweepSessions.Add(float64(processed))
}

func httpStatusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
