package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rs/cors"

	"github.com/inaiurai/tutoring/internal/auth"
	"github.com/inaiurai/tutoring/internal/config"
	"github.com/inaiurai/tutoring/internal/dashboard"
	"github.com/inaiurai/tutoring/internal/ledger"
	"github.com/inaiurai/tutoring/internal/listings"
	"github.com/inaiurai/tutoring/internal/observability"
	"github.com/inaiurai/tutoring/internal/router"
	"github.com/inaiurai/tutoring/internal/sessions"
	"github.com/inaiurai/tutoring/internal/sweeper"
	"github.com/inaiurai/tutoring/internal/ticketing"
	"github.com/inaiurai/tutoring/internal/validation"
)

// stores is the storage one driver provides. Postgres repositories and the
// in-memory store both fill it.
type stores struct {
	db            sessions.TxBeginner
	users         auth.UserRepo
	wallets       ledger.WalletRepo
	escrows       ledger.EscrowRepo
	credits       ledger.CreditRepo
	listings      listings.Repo
	sessions      sessions.SessionRepo
	cancellations cancellationStore
	tickets       ticketing.TicketRepo
}

type cancellationStore interface {
	sessions.CancellationRepo
	dashboard.CancellationCounter
}

// app is everything main starts or serves.
type app struct {
	handler http.Handler
	sweeper *sweeper.Sweeper
}

// buildApp wires services and handlers over st. notifier is the delivery
// port for session notices; it differs between drivers.
func buildApp(ctx context.Context, cfg config.Config, st stores, notifier sessions.Notifier, logger *slog.Logger) (*app, error) {
	ldg := ledger.New(st.wallets, st.escrows, st.credits, logger)

	authSvc := auth.NewService(st.db, st.users, ldg, cfg.JWTSecret, logger)
	if cfg.AdminEmail != "" {
		admin, err := authSvc.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword)
		if err != nil {
			return nil, fmt.Errorf("seed admin: %w", err)
		}
		logger.Info("Admin account ready", "email", admin.Email)
	}

	effects := sessions.NewEffectRunner(notifier, ticketing.NewService(st.tickets), authSvc, logger)
	machine := sessions.NewMachine(st.db, st.sessions, st.wallets, st.listings, st.cancellations, ldg, effects, logger)

	validator, err := validation.New()
	if err != nil {
		return nil, fmt.Errorf("compile schemas: %w", err)
	}

	mux := router.New(router.Deps{
		Tokens:    authSvc,
		Validator: validator,
		Auth:      auth.NewHandler(authSvc, logger),
		Listings:  listings.NewHandler(listings.NewService(st.listings), logger),
		Sessions:  sessions.NewHandler(machine, logger),
		Dashboard: dashboard.NewHandler(st.db, authSvc, ldg, st.cancellations, machine.Policy, logger),
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	}).Handler(observability.RequestMiddleware(logger, mux))

	return &app{
		handler: corsHandler,
		sweeper: sweeper.New(st.sessions, machine, cfg.SweepBatch, logger),
	}, nil
}
