package domain

import "time"

// CapacityRecord is the per-(account, category) quota row, the unit of
// locking. Lease holder and deadline are both null or both set.
type CapacityRecord struct {
	AccountID     string
	CategoryID    string
	QuotaOverride *int
	Used          int
	LeaseHolder   *string
	LeaseDeadline *time.Time
}

// EffectiveMax resolves the record's quota: row override wins over the
// category default.
func (r CapacityRecord) EffectiveMax(categoryDefault int) int {
	if r.QuotaOverride != nil {
		return *r.QuotaOverride
	}
	return categoryDefault
}

// LeaseBlocks reports whether the record is held by someone other than
// requester with a deadline still in the future.
func (r CapacityRecord) LeaseBlocks(requester string, now time.Time) bool {
	if r.LeaseHolder == nil || r.LeaseDeadline == nil {
		return false
	}
	if *r.LeaseHolder == requester {
		return false
	}
	return r.LeaseDeadline.After(now)
}

// CapacityCandidate is a capacity record locked for allocation, joined with
// the owning account's ranking attributes.
type CapacityCandidate struct {
	CapacityRecord
	Phone            string
	Password         string
	OTPSecret        string
	Priority         int
	AccountCreatedAt time.Time
	// EffectiveMax is resolved at query time (override or category default).
	EffectiveMax int
	// OtherUsed is the usage the account has accrued in other categories;
	// only populated for the single-issue policy.
	OtherUsed int
}

// Remaining is the unconsumed quota of the candidate.
func (c CapacityCandidate) Remaining() int {
	return c.EffectiveMax - c.Used
}

// HeldBy reports whether the candidate's lease belongs to requester.
func (c CapacityCandidate) HeldBy(requester string) bool {
	return c.LeaseHolder != nil && *c.LeaseHolder == requester
}

// Allocation is the engine's success result: one account's credentials plus
// the sub-quantity granted from it.
type Allocation struct {
	AccountID string
	Phone     string
	Password  string
	OTPSecret string
	Granted   int
}
