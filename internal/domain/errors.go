package domain

import "errors"

var (
	ErrCategoryNotFound     = errors.New("category not found")
	ErrAccountNotFound      = errors.New("account not found")
	ErrOrderNotFound        = errors.New("order not found")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrStaffNotFound        = errors.New("staff not found")
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrAlreadyLeased        = errors.New("record leased by another requester")
	ErrLeaseExpired         = errors.New("lease expired")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrInvalidQuantity      = errors.New("invalid quantity")
	ErrInvalidID            = errors.New("invalid id")
	ErrNoPendingClaim       = errors.New("no pending claim")
	ErrClaimPending         = errors.New("claim already pending")
	ErrNoCodeIssued         = errors.New("no code issued for pending claim")
	ErrCodeBudgetExhausted  = errors.New("code refresh budget exhausted")
	ErrChargeAlreadyExists  = errors.New("charge already registered")
	ErrCategoryExists       = errors.New("category already exists")
	ErrStaffExists          = errors.New("staff login already exists")
	ErrInvalidCredentials   = errors.New("invalid credentials")
)
