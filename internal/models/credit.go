package models

import "time"

// CreditBalance is a tenant's prepaid telemedicine allowance, counted in
// whole session credits. The balance never goes negative: debits are
// compare-and-decrement at the storage layer.
type CreditBalance struct {
	TenantID  string    `db:"tenant_id" json:"tenant_id"`
	Balance   int       `db:"balance" json:"balance"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
