package models

import "time"

// SessionStatus enumerates telemedicine session lifecycle states.
type SessionStatus string

const (
	SessionWaiting   SessionStatus = "WAITING"
	SessionActive    SessionStatus = "ACTIVE"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionCancelled SessionStatus = "CANCELLED"
)

// Valid reports whether s is a member of the status set.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionWaiting, SessionActive, SessionCompleted, SessionCancelled:
		return true
	}
	return false
}

// Open reports whether the session still occupies its appointment. At most
// one open session exists per appointment.
func (s SessionStatus) Open() bool {
	return s == SessionWaiting || s == SessionActive
}

// TelemedicineSession tracks one video consultation tied to an appointment.
// CreditsConsumed only ever grows; the metering sweep reconciles it against
// elapsed wall-clock time.
type TelemedicineSession struct {
	ID                string        `db:"id" json:"id"`
	TenantID          string        `db:"tenant_id" json:"tenant_id"`
	AppointmentID     string        `db:"appointment_id" json:"appointment_id"`
	RoomName          string        `db:"room_name" json:"room_name"`
	ServerURL         string        `db:"server_url" json:"server_url"`
	Status            SessionStatus `db:"status" json:"status"`
	StartedAt         *time.Time    `db:"started_at" json:"started_at,omitempty"`
	EndedAt           *time.Time    `db:"ended_at" json:"ended_at,omitempty"`
	DurationMinutes   int           `db:"duration_minutes" json:"duration_minutes"`
	CreditsConsumed   int           `db:"credits_consumed" json:"credits_consumed"`
	LastCreditCheckAt *time.Time    `db:"last_credit_check_at" json:"last_credit_check_at,omitempty"`
	Notes             *string       `db:"notes" json:"notes,omitempty"`
	CreatedAt         time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time     `db:"updated_at" json:"updated_at"`
}

// MeteringReport summarises one metering sweep for observability.
type MeteringReport struct {
	Processed  int `json:"processed"`
	Debited    int `json:"debited"`
	Terminated int `json:"terminated"`
	Failed     int `json:"failed"`
}
