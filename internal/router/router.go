package router

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inaiurai/tutoring/internal/auth"
	"github.com/inaiurai/tutoring/internal/dashboard"
	"github.com/inaiurai/tutoring/internal/listings"
	"github.com/inaiurai/tutoring/internal/middleware"
	"github.com/inaiurai/tutoring/internal/models"
	"github.com/inaiurai/tutoring/internal/sessions"
	"github.com/inaiurai/tutoring/internal/validation"
)

type Deps struct {
	Tokens    middleware.TokenValidator
	Validator middleware.BodyValidator
	Auth      *auth.Handler
	Listings  *listings.Handler
	Sessions  *sessions.Handler
	Dashboard *dashboard.Handler
}

// New returns an http.Handler that serves the API under /api/v1 and
// Prometheus metrics under /metrics.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()
	const base = "/api/v1"

	authed := middleware.Authenticate(d.Tokens)
	body := func(schema string) func(http.Handler) http.Handler {
		return middleware.ValidateBody(d.Validator, schema)
	}
	role := middleware.RequireRole
	chain := func(h http.HandlerFunc, mws ...func(http.Handler) http.Handler) http.Handler {
		var out http.Handler = h
		for i := len(mws) - 1; i >= 0; i-- {
			out = mws[i](out)
		}
		return out
	}

	mux.Handle("POST "+base+"/auth/register", chain(d.Auth.Register, body(validation.Register)))
	mux.Handle("POST "+base+"/auth/login", chain(d.Auth.Login, body(validation.Login)))

	mux.Handle("GET "+base+"/account/me", chain(d.Dashboard.GetMe, authed))
	mux.Handle("GET "+base+"/wallet", chain(d.Dashboard.GetWallet, authed))
	mux.Handle("GET "+base+"/credit-ledger", chain(d.Dashboard.ListCreditLedger, authed))
	mux.Handle("POST "+base+"/wallet/deposits", chain(d.Dashboard.Deposit, authed, role(models.RoleAdmin), body(validation.Deposit)))

	mux.Handle("GET "+base+"/listings", http.HandlerFunc(d.Listings.List))
	mux.Handle("POST "+base+"/listings", chain(d.Listings.Create, authed, role(models.RoleTeacher), body(validation.Listing)))
	mux.Handle("PATCH "+base+"/listings/{id}", chain(d.Listings.UpdateStatus, authed, role(models.RoleTeacher), body(validation.ListingStatus)))

	s := d.Sessions
	participant := role(models.RoleStudent, models.RoleTeacher)
	mux.Handle("POST "+base+"/sessions", chain(s.Create, authed, role(models.RoleStudent), body(validation.SessionRequest)))
	mux.Handle("GET "+base+"/sessions", chain(s.List, authed))
	mux.Handle("GET "+base+"/sessions/{id}", chain(s.Get, authed))
	mux.Handle("POST "+base+"/sessions/{id}/accept", chain(s.Accept, authed, participant))
	mux.Handle("POST "+base+"/sessions/{id}/reject", chain(s.Reject, authed, participant))
	mux.Handle("POST "+base+"/sessions/{id}/counter-offer", chain(s.CounterOffer, authed, participant, body(validation.CounterOffer)))
	mux.Handle("POST "+base+"/sessions/{id}/complete", chain(s.Complete, authed, participant))
	mux.Handle("POST "+base+"/sessions/{id}/cancel", chain(s.Cancel, authed, participant))
	mux.Handle("POST "+base+"/sessions/{id}/no-show", chain(s.NoShow, authed, participant))
	mux.Handle("POST "+base+"/sessions/{id}/dispute", chain(s.Dispute, authed, participant, body(validation.Dispute)))
	mux.Handle("POST "+base+"/sessions/{id}/expire", chain(s.Expire, authed, participant))
	mux.Handle("POST "+base+"/sessions/{id}/resolution", chain(s.Resolve, authed, role(models.RoleAdmin), body(validation.Resolution)))

	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}
