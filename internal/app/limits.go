package app

// ResolveCodeLimit computes the effective one-time-code budget for an
// order. A per-order override wins outright; otherwise the per-signature
// base (user override, else global default) is scaled by the quantity the
// budget covers: the pending claim quantity when a claim is in flight, else
// the full grant.
func ResolveCodeLimit(orderOverride, userOverride *int, globalDefault, pendingQty, granted int) int {
	if orderOverride != nil {
		return *orderOverride
	}
	base := globalDefault
	if userOverride != nil {
		base = *userOverride
	}
	qty := pendingQty
	if qty <= 0 {
		qty = granted
	}
	if qty < 1 {
		qty = 1
	}
	return base * qty
}
