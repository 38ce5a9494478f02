package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/signcap/signcap/internal/domain"
)

type purchaseRequest struct {
	UserID       string  `json:"user_id"`
	CategoryID   string  `json:"category_id"`
	Quantity     int     `json:"quantity"`
	OperatorName *string `json:"operator_name,omitempty"`
	Exclusive    bool    `json:"exclusive,omitempty"`
	PackQty      int     `json:"pack_qty,omitempty"`
}

type paymentResponse struct {
	PaymentID string  `json:"payment_id"`
	PayURL    string  `json:"pay_url"`
	Amount    float64 `json:"amount"`
	Status    string  `json:"status"`
}

func paymentToResponse(p domain.Payment) paymentResponse {
	return paymentResponse{
		PaymentID: p.ID,
		PayURL:    p.PayURL,
		Amount:    p.Amount,
		Status:    string(p.Status),
	}
}

func (s *Server) handleCreatePurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" || req.CategoryID == "" {
		writeError(w, http.StatusBadRequest, "user_id and category_id are required")
		return
	}
	p, err := s.payments.BeginPurchase(r.Context(), req.UserID, domain.PurchaseIntent{
		CategoryID:   req.CategoryID,
		Quantity:     req.Quantity,
		OperatorName: req.OperatorName,
		Exclusive:    req.Exclusive,
		PackQty:      req.PackQty,
	})
	if err != nil {
		writeDomainError(s.log, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, paymentToResponse(p))
}

type depositRequest struct {
	UserID string  `json:"user_id"`
	Amount float64 `json:"amount"`
}

func (s *Server) handleCreateDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	p, err := s.payments.BeginDeposit(r.Context(), req.UserID, req.Amount)
	if err != nil {
		writeDomainError(s.log, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, paymentToResponse(p))
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := s.payments.Get(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		writeDomainError(s.log, w, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentToResponse(p))
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := s.admin.ListCategories(r.Context(), true)
	if err != nil {
		writeDomainError(s.log, w, err)
		return
	}
	out := make([]categoryResponse, 0, len(categories))
	for _, c := range categories {
		resp := categoryToResponse(c)
		if available, err := s.engine.AvailableCount(r.Context(), c.ID); err != nil {
			s.log.Error("availability lookup failed", "category_id", c.ID, "error", err)
		} else {
			resp.Available = &available
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}
