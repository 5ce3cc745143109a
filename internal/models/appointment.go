package models

import "time"

// AppointmentStatus enumerates appointment lifecycle states.
type AppointmentStatus string

const (
	AppointmentScheduled  AppointmentStatus = "SCHEDULED"
	AppointmentInProgress AppointmentStatus = "IN_PROGRESS"
	AppointmentCompleted  AppointmentStatus = "COMPLETED"
	AppointmentCancelled  AppointmentStatus = "CANCELLED"
)

// Valid reports whether s is a member of the status set.
func (s AppointmentStatus) Valid() bool {
	switch s {
	case AppointmentScheduled, AppointmentInProgress, AppointmentCompleted, AppointmentCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status ends the appointment lifecycle.
func (s AppointmentStatus) Terminal() bool {
	return s == AppointmentCompleted || s == AppointmentCancelled
}

// Appointment is a booked interval on a professional's calendar. StartTime
// and EndTime are "HH:MM" strings treated as a half-open interval
// [start, end). Non-cancelled appointments of one professional on one date
// never overlap.
type Appointment struct {
	ID             string            `db:"id" json:"id"`
	TenantID       string            `db:"tenant_id" json:"tenant_id"`
	ProfessionalID string            `db:"professional_id" json:"professional_id"`
	CustomerID     string            `db:"customer_id" json:"customer_id"`
	RoomID         *string           `db:"room_id" json:"room_id,omitempty"`
	ServiceID      string            `db:"service_id" json:"service_id"`
	Date           time.Time         `db:"date" json:"date"`
	StartTime      string            `db:"start_time" json:"start_time"`
	EndTime        string            `db:"end_time" json:"end_time"`
	Price          float64           `db:"price" json:"price"`
	Status         AppointmentStatus `db:"status" json:"status"`
	Notes          *string           `db:"notes" json:"notes,omitempty"`
	CreatedAt      time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time         `db:"updated_at" json:"updated_at"`
}

// AppointmentFilter captures list filtering criteria.
type AppointmentFilter struct {
	ProfessionalID string
	CustomerID     string
	Date           *time.Time
	Status         *AppointmentStatus
	Page           int
	PageSize       int
}

// Slot is a candidate bookable interval inside a working window.
type Slot struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}
