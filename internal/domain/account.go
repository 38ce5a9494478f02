package domain

import "time"

// Account is a credential bundle offering per-category signing quota.
// The engine never mutates it directly; only its capacity records move.
type Account struct {
	ID         string
	Phone      string
	Password   string
	OTPSecret  string
	Enabled    bool
	Priority   int
	OperatorID *string
	CreatedAt  time.Time
}
