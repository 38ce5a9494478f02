// Package http exposes the buyer and staff API.
package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/signcap/signcap/internal/app"
)

type Server struct {
	engine   *app.AllocationService
	orders   *app.OrderService
	payments *app.PaymentService
	admin    *app.AccountService
	staff    *app.StaffService
	log      *slog.Logger
}

func NewServer(
	engine *app.AllocationService,
	orders *app.OrderService,
	payments *app.PaymentService,
	admin *app.AccountService,
	staff *app.StaffService,
	log *slog.Logger,
) *Server {
	return &Server{
		engine:   engine,
		orders:   orders,
		payments: payments,
		admin:    admin,
		staff:    staff,
		log:      log,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestLogger(s.log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Post("/staff/login", s.handleStaffLogin)

	r.Get("/categories", s.handleListCategories)
	r.Post("/purchases", s.handleCreatePurchase)
	r.Post("/deposits", s.handleCreateDeposit)
	r.Get("/payments/{paymentID}", s.handleGetPayment)

	r.Route("/orders", func(r chi.Router) {
		r.Get("/", s.handleListOrders)
		r.Get("/{orderID}", s.handleGetOrder)
		r.Post("/{orderID}/claims", s.handleStartClaim)
		r.Post("/{orderID}/codes", s.handleIssueCode)
		r.Post("/{orderID}/signatures", s.handleClaimSignature)
	})

	r.Route("/staff", func(r chi.Router) {
		r.Use(StaffAuth(s.staff))
		r.Post("/accounts/import", s.handleImportAccounts)
		r.Post("/accounts/{accountID}/enable", s.handleSetAccountEnabled(true))
		r.Post("/accounts/{accountID}/disable", s.handleSetAccountEnabled(false))
		r.Post("/accounts/{accountID}/priority", s.handleSetAccountPriority)
		r.Post("/accounts/{accountID}/quota", s.handleSetQuotaOverride)
		r.Post("/accounts/{accountID}/reset", s.handleResetAvailability)

		r.Post("/categories", s.handleCreateCategory)
		r.Get("/categories", s.handleListAllCategories)
		r.Patch("/categories/{categoryID}", s.handleSetCategoryActive)

		r.Post("/orders/{orderID}/status", s.handleUpdateOrderStatus)
		r.Post("/orders/{orderID}/reduce", s.handleReduceOrder)
		r.Post("/orders/{orderID}/code-limit", s.handleSetOrderCodeLimit)
		r.Post("/orders/{orderID}/codes/reset", s.handleResetRefreshes)
		r.Post("/orders/{orderID}/sent", s.handleIncrementSent)

		r.Post("/issue", s.handleIssueSingle)
	})

	return r
}
