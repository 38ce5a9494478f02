package domain

import "time"

// DefaultCodeLimit is the global per-signature code refresh budget used
// when no setting is stored.
const DefaultCodeLimit = 2

type OrderStatus string

const (
	OrderStatusPreorder      OrderStatus = "preorder"
	OrderStatusActive        OrderStatus = "active"
	OrderStatusPendingReview OrderStatus = "pending_review"
	OrderStatusCompleted     OrderStatus = "completed"
	OrderStatusRejected      OrderStatus = "rejected"
	OrderStatusExpired       OrderStatus = "expired"
	// OrderStatusSplit retires a preorder that was fulfilled across several
	// sibling orders; split rows are hidden from normal listings.
	OrderStatusSplit OrderStatus = "split"
)

// Order is a granted (or queued, for preorders) purchase of signing
// capacity. AccountID is nil while the order is queued.
type Order struct {
	ID                string
	UserID            string
	AccountID         *string
	CategoryID        string
	Status            OrderStatus
	Granted           int
	Claimed           int
	// Sent is staff-asserted and deliberately not bounded by Claimed.
	Sent              int
	PendingClaimQty   int
	CodeRefreshes     int
	CodeLimitOverride *int
	AmountPaid        float64
	LeaseDeadline     *time.Time
	BatchGroupID      *string
	Exclusive         bool
	OperatorName      *string
	CreatedAt         time.Time
	CompletedAt       *time.Time
}

// Remaining is the unclaimed portion of the grant.
func (o Order) Remaining() int {
	return o.Granted - o.Claimed
}

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPreorder:      {OrderStatusActive, OrderStatusRejected, OrderStatusSplit},
	OrderStatusActive:        {OrderStatusPendingReview, OrderStatusCompleted, OrderStatusRejected, OrderStatusExpired},
	OrderStatusPendingReview: {OrderStatusCompleted, OrderStatusRejected, OrderStatusExpired},
	// Late reversal: a completed order may still be rejected, with any
	// compensating refund handled by the caller.
	OrderStatusCompleted: {OrderStatusRejected},
}

// CanTransition reports whether the status change is allowed.
func CanTransition(from, to OrderStatus) bool {
	for _, allowed := range orderTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
