package domain

import "time"

// User is an external buyer identity with a prepaid balance.
type User struct {
	ID                string
	Balance           float64
	CodeLimitOverride *int
	CreatedAt         time.Time
}

// Staff is an operator/admin login for the management surface.
type Staff struct {
	ID           string
	Login        string
	PasswordHash []byte
	CreatedAt    time.Time
}
