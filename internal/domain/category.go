package domain

import "time"

// Category is a sellable signature class. Read-mostly; staff-mutated.
type Category struct {
	ID             string
	Name           string
	Price          float64
	DefaultQuota   int
	MinQuantum     int
	Active         bool
	ExclusivePrice *float64
	CreatedAt      time.Time
}
