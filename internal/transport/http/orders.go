package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/signcap/signcap/internal/domain"
)

type orderResponse struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	CategoryID      string     `json:"category_id"`
	Status          string     `json:"status"`
	Granted         int        `json:"granted"`
	Claimed         int        `json:"claimed"`
	Sent            int        `json:"sent"`
	Remaining       int        `json:"remaining"`
	PendingClaimQty int        `json:"pending_claim_qty"`
	AmountPaid      float64    `json:"amount_paid"`
	Exclusive       bool       `json:"exclusive,omitempty"`
	OperatorName    *string    `json:"operator_name,omitempty"`
	BatchGroupID    *string    `json:"batch_group_id,omitempty"`
	LeaseDeadline   *time.Time `json:"lease_deadline,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func orderToResponse(o domain.Order) orderResponse {
	return orderResponse{
		ID:              o.ID,
		UserID:          o.UserID,
		CategoryID:      o.CategoryID,
		Status:          string(o.Status),
		Granted:         o.Granted,
		Claimed:         o.Claimed,
		Sent:            o.Sent,
		Remaining:       o.Remaining(),
		PendingClaimQty: o.PendingClaimQty,
		AmountPaid:      o.AmountPaid,
		Exclusive:       o.Exclusive,
		OperatorName:    o.OperatorName,
		BatchGroupID:    o.BatchGroupID,
		LeaseDeadline:   o.LeaseDeadline,
		CreatedAt:       o.CreatedAt,
	}
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}
	orders, err := s.orders.ListByUser(r.Context(), userID)
	if err != nil {
		writeDomainError(s.log, w, err)
		return
	}
	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderToResponse(o))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.orders.Get(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeDomainError(s.log, w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderToResponse(order))
}

type claimRequest struct {
	Quantity int `json:"quantity"`
}

func (s *Server) handleStartClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.orders.StartClaim(r.Context(), chi.URLParam(r, "orderID"), req.Quantity); err != nil {
		writeDomainError(s.log, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIssueCode(w http.ResponseWriter, r *http.Request) {
	code, used, limit, err := s.orders.IssueCode(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeDomainError(s.log, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"code":       code,
		"used":       used,
		"code_limit": limit,
	})
}

func (s *Server) handleClaimSignature(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.orders.ClaimSignature(r.Context(), chi.URLParam(r, "orderID"), req.Quantity); err != nil {
		writeDomainError(s.log, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
