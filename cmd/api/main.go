package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/signcap/signcap/internal/app"
	"github.com/signcap/signcap/internal/clock"
	"github.com/signcap/signcap/internal/config"
	"github.com/signcap/signcap/internal/notify"
	"github.com/signcap/signcap/internal/otp"
	"github.com/signcap/signcap/internal/payment"
	"github.com/signcap/signcap/internal/scheduler"
	"github.com/signcap/signcap/internal/storage/postgres"
	transport "github.com/signcap/signcap/internal/transport/http"
	"github.com/signcap/signcap/migrations"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := run(log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := migrations.Apply(ctx, pool); err != nil {
		return err
	}

	clk := clock.NewSystem()
	notifier := notify.NewLogNotifier(log)

	capacityRepo := postgres.NewCapacityRepository(pool)
	orderRepo := postgres.NewOrderRepository(pool)
	paymentRepo := postgres.NewPaymentRepository(pool)
	userRepo := postgres.NewUserRepository(pool)
	settingsRepo := postgres.NewSettingsRepository(pool)
	staffRepo := postgres.NewStaffRepository(pool)
	adminRepo := postgres.NewAdminRepository(pool)

	engine := app.NewAllocationService(capacityRepo, clk)
	admin := app.NewAccountService(adminRepo, clk)
	orders := app.NewOrderService(orderRepo, userRepo, settingsRepo, adminRepo, otp.TimeBased, clk, app.WithAccountReleaser(engine))
	staff := app.NewStaffService(staffRepo, []byte(cfg.JWTSecret), clk)

	provider := payment.NewClient(cfg.ProviderBaseURL, cfg.ProviderToken)
	payments := app.NewPaymentService(
		paymentRepo, provider, userRepo, adminRepo, engine, orders, notifier, clk, log,
		app.WithPollInterval(cfg.PollInterval),
		app.WithMaxAttempts(cfg.PollMaxAttempts),
		app.WithMaxInFlight(cfg.PollMaxInFlight),
	)

	if err := staff.Bootstrap(ctx, cfg.BootstrapStaffLogin, cfg.BootstrapStaffPassword); err != nil {
		return err
	}
	if err := payments.ResumePending(ctx); err != nil {
		return err
	}

	fulfiller := scheduler.NewPreorderScheduler(engine, orders, scheduler.NewProcessGuard(), notifier, log, cfg.FulfillInterval)
	sweeper := scheduler.NewSweeper(engine, orders, notifier, log, cfg.SweepInterval)
	go fulfiller.Start(ctx)
	go sweeper.Start(ctx)

	server := transport.NewServer(engine, orders, payments, admin, staff, log)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
