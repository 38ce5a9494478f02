package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/signcap/signcap/internal/app"
	"github.com/signcap/signcap/internal/domain"
)

type importAccountsRequest struct {
	// Accounts holds one "phone password otp_secret" bundle per line.
	Accounts   string  `json:"accounts"`
	OperatorID *string `json:"operator_id,omitempty"`
}

func (s *Server) handleImportAccounts(w http.ResponseWriter, r *http.Request) {
	var req importAccountsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	count, err := s.admin.ImportAccounts(r.Context(), req.Accounts, req.OperatorID)
	if err != nil {
		writeDomainError(s.log, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"imported": count})
}

func (s *Server) handleSetAccountEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.admin.SetAccountEnabled(r.Context(), chi.URLParam(r, "accountID"), enabled); err != nil {
			writeDomainError(s.log, w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleSetAccountPriority(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Priority int `json:"priority"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.admin.SetAccountPriority(r.Context(), chi.URLParam(r, "accountID"), req.Priority); err != nil {
		writeDomainError(s.log, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetQuotaOverride(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CategoryID string `json:"category_id"`
		Quota      *int   `json:"quota"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CategoryID == "" {
		writeError(w, http.StatusBadRequest, "category_id is required")
		return
	}
	if err := s.admin.SetQuotaOverride(r.Context(), chi.URLParam(r, "accountID"), req.CategoryID, req.Quota); err != nil {
		writeDomainError(s.log, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetAvailability(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.ResetAvailability(r.Context(), chi.URLParam(r, "accountID")); err != nil {
		writeDomainError(s.log, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type categoryResponse struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Price          float64  `json:"price"`
	DefaultQuota   int      `json:"default_quota"`
	MinQuantum     int      `json:"min_quantum"`
	Active         bool     `json:"active"`
	ExclusivePrice *float64 `json:"exclusive_price,omitempty"`
	Available      *int     `json:"available,omitempty"`
}

func categoryToResponse(c domain.Category) categoryResponse {
	return categoryResponse{
		ID:             c.ID,
		Name:           c.Name,
		Price:          c.Price,
		DefaultQuota:   c.DefaultQuota,
		MinQuantum:     c.MinQuantum,
		Active:         c.Active,
		ExclusivePrice: c.ExclusivePrice,
	}
}

func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string   `json:"name"`
		Price          float64  `json:"price"`
		DefaultQuota   int      `json:"default_quota"`
		MinQuantum     int      `json:"min_quantum"`
		ExclusivePrice *float64 `json:"exclusive_price,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	category, err := s.admin.CreateCategory(r.Context(), app.CreateCategoryInput{
		Name:           req.Name,
		Price:          req.Price,
		DefaultQuota:   req.DefaultQuota,
		MinQuantum:     req.MinQuantum,
		ExclusivePrice: req.ExclusivePrice,
	})
	if err != nil {
		writeDomainError(s.log, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, categoryToResponse(category))
}

func (s *Server) handleListAllCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := s.admin.ListCategories(r.Context(), false)
	if err != nil {
		writeDomainError(s.log, w, err)
		return
	}
	out := make([]categoryResponse, 0, len(categories))
	for _, c := range categories {
		out = append(out, categoryToResponse(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSetCategoryActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active bool `json:"active"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.admin.SetCategoryActive(r.Context(), chi.URLParam(r, "categoryID"), req.Active); err != nil {
		writeDomainError(s.log, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.orders.UpdateStatus(r.Context(), chi.URLParam(r, "orderID"), domain.OrderStatus(req.Status)); err != nil {
		writeDomainError(s.log, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReduceOrder shrinks an order's grant and returns the removed units
// to the capacity pool.
func (s *Server) handleReduceOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewTotal int `json:"new_total"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	orderID := chi.URLParam(r, "orderID")

	order, err := s.orders.Get(r.Context(), orderID)
	if err != nil {
		writeDomainError(s.log, w, err)
		return
	}
	removed, err := s.orders.ReduceGranted(r.Context(), orderID, req.NewTotal)
	if err != nil {
		writeDomainError(s.log, w, err)
		return
	}
	if order.AccountID != nil {
		if err := s.engine.Restore(r.Context(), *order.AccountID, order.CategoryID, removed); err != nil {
			s.log.Error("capacity restore after reduce failed", "order_id", orderID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleSetOrderCodeLimit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Limit *int `json:"limit"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.orders.SetCodeLimitOverride(r.Context(), chi.URLParam(r, "orderID"), req.Limit); err != nil {
		writeDomainError(s.log, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetRefreshes(w http.ResponseWriter, r *http.Request) {
	if err := s.orders.ResetRefreshes(r.Context(), chi.URLParam(r, "orderID")); err != nil {
		writeDomainError(s.log, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIncrementSent(w http.ResponseWriter, r *http.Request) {
	if err := s.orders.IncrementSent(r.Context(), chi.URLParam(r, "orderID")); err != nil {
		writeDomainError(s.log, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleIssueSingle grants one signature from the cross-category pool
// without opening an order, for manual staff issuance. The response
// carries the credential bundle the operator signs with.
func (s *Server) handleIssueSingle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CategoryID string `json:"category_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CategoryID == "" {
		writeError(w, http.StatusBadRequest, "category_id is required")
		return
	}
	alloc, err := s.engine.IssueSingle(r.Context(), req.CategoryID)
	if err != nil {
		writeDomainError(s.log, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": alloc.AccountID,
		"phone":      alloc.Phone,
		"password":   alloc.Password,
		"otp_secret": alloc.OTPSecret,
		"granted":    alloc.Granted,
	})
}
