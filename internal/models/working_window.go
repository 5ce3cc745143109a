package models

import "time"

// WorkingWindow is the recurring availability of a professional on one
// weekday. Weekday follows time.Weekday numbering (Sunday = 0). Times are
// zero-padded "HH:MM" wall-clock strings. At most one effective window exists
// per (tenant, professional, weekday); updates overwrite in place.
type WorkingWindow struct {
	ID             string    `db:"id" json:"id"`
	TenantID       string    `db:"tenant_id" json:"tenant_id"`
	ProfessionalID string    `db:"professional_id" json:"professional_id"`
	Weekday        int       `db:"weekday" json:"weekday"`
	StartTime      string    `db:"start_time" json:"start_time"`
	EndTime        string    `db:"end_time" json:"end_time"`
	IsWorkday      bool      `db:"is_workday" json:"is_workday"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// DefaultWorkingWindows seeds the onboarding schedule: Monday through Friday
// 09:00-17:00, weekends off.
func DefaultWorkingWindows(tenantID, professionalID string) []WorkingWindow {
	windows := make([]WorkingWindow, 0, 7)
	for weekday := 0; weekday < 7; weekday++ {
		workday := weekday >= 1 && weekday <= 5
		windows = append(windows, WorkingWindow{
			TenantID:       tenantID,
			ProfessionalID: professionalID,
			Weekday:        weekday,
			StartTime:      "09:00",
			EndTime:        "17:00",
			IsWorkday:      workday,
		})
	}
	return windows
}
