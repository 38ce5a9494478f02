package domain

import "time"

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusExpired PaymentStatus = "expired"
)

type PaymentPurpose string

const (
	PaymentPurposeBalance PaymentPurpose = "balance"
	PaymentPurposeOrder   PaymentPurpose = "order"
)

// Payment tracks one external charge from creation until it is confirmed
// paid or times out.
type Payment struct {
	ID        string
	UserID    string
	ChargeID  string
	Amount    float64
	PayURL    string
	Purpose   PaymentPurpose
	Intent    *PurchaseIntent
	Status    PaymentStatus
	CreatedAt time.Time
	PaidAt    *time.Time
}

// PurchaseIntent describes what a paid order-purpose charge should buy.
// Stored alongside the payment so settlement can run without the original
// request context.
type PurchaseIntent struct {
	CategoryID   string  `json:"category_id"`
	Quantity     int     `json:"quantity"`
	OperatorName *string `json:"operator_name,omitempty"`
	Exclusive    bool    `json:"exclusive,omitempty"`
	// PackQty is the number of independent exclusive packs bought in one
	// charge; meaningful only when Exclusive is set.
	PackQty int `json:"pack_qty,omitempty"`
}
