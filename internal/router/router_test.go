package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/inaiurai/tutoring/internal/auth"
	"github.com/inaiurai/tutoring/internal/dashboard"
	"github.com/inaiurai/tutoring/internal/ledger"
	"github.com/inaiurai/tutoring/internal/listings"
	"github.com/inaiurai/tutoring/internal/memstore"
	"github.com/inaiurai/tutoring/internal/notify"
	"github.com/inaiurai/tutoring/internal/sessions"
	"github.com/inaiurai/tutoring/internal/ticketing"
	"github.com/inaiurai/tutoring/internal/validation"
)

// ---------------------------------------------------------------------------
// Fixture: the full API over the in-memory store.
// ---------------------------------------------------------------------------

type api struct {
	t       *testing.T
	server  *httptest.Server
	machine *sessions.Machine
}

func newAPI(t *testing.T) *api {
	t.Helper()
	store := memstore.New()
	l := ledger.New(store.Wallets(), store.Escrows(), store.Credits(), nil)
	authSvc := auth.NewService(store, store.Users(), l, "router-test", nil)
	if _, err := authSvc.EnsureAdmin(context.Background(), "admin@example.com", "adminpass"); err != nil {
		t.Fatalf("EnsureAdmin: %v", err)
	}
	v, err := validation.New()
	if err != nil {
		t.Fatalf("validation.New: %v", err)
	}
	effects := sessions.NewEffectRunner(notify.LogNotifier{}, ticketing.NewService(store.Tickets()), authSvc, nil)
	machine := sessions.NewMachine(store, store.Sessions(), store.Wallets(), store.Listings(), store.Cancellations(), l, effects, nil)

	h := New(Deps{
		Tokens:    authSvc,
		Validator: v,
		Auth:      auth.NewHandler(authSvc, nil),
		Listings:  listings.NewHandler(listings.NewService(store.Listings()), nil),
		Sessions:  sessions.NewHandler(machine, nil),
		Dashboard: dashboard.NewHandler(store, authSvc, l, store.Cancellations(), machine.Policy, nil),
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &api{t: t, server: srv, machine: machine}
}

func (a *api) call(method, path, token, body string, out any) int {
	a.t.Helper()
	var req *http.Request
	var err error
	if body == "" {
		req, err = http.NewRequest(method, a.server.URL+path, nil)
	} else {
		req, err = http.NewRequest(method, a.server.URL+path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if err != nil {
		a.t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		a.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			a.t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (a *api) signup(email, role string) (id, token string) {
	a.t.Helper()
	var user struct {
		ID string `json:"id"`
	}
	body := `{"email":"` + email + `","password":"hunter22","display_name":"X","role":"` + role + `"}`
	if code := a.call(http.MethodPost, "/api/v1/auth/register", "", body, &user); code != http.StatusCreated {
		a.t.Fatalf("register %s: got %d", email, code)
	}
	return user.ID, a.login(email, "hunter22")
}

func (a *api) login(email, password string) string {
	a.t.Helper()
	var resp struct {
		Token string `json:"token"`
	}
	if code := a.call(http.MethodPost, "/api/v1/auth/login", "", `{"email":"`+email+`","password":"`+password+`"}`, &resp); code != http.StatusOK {
		a.t.Fatalf("login %s: got %d", email, code)
	}
	return resp.Token
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestAPI_BookAndCompleteSession(t *testing.T) {
	a := newAPI(t)
	admin := a.login("admin@example.com", "adminpass")
	_, teacher := a.signup("teacher@example.com", "teacher")
	studentID, student := a.signup("student@example.com", "student")

	if code := a.call(http.MethodPost, "/api/v1/wallet/deposits", student, `{"user_id":"`+studentID+`","amount":"100","reference":"pay_1"}`, nil); code != http.StatusForbidden {
		t.Errorf("student deposit: got %d, want 403", code)
	}
	if code := a.call(http.MethodPost, "/api/v1/wallet/deposits", admin, `{"user_id":"`+studentID+`","amount":"100","reference":"pay_1"}`, nil); code != http.StatusCreated {
		t.Fatalf("deposit: got %d, want 201", code)
	}

	if code := a.call(http.MethodPost, "/api/v1/listings", student, `{"title":"Algebra","price":"40"}`, nil); code != http.StatusForbidden {
		t.Errorf("student listing: got %d, want 403", code)
	}
	var listing struct {
		ID string `json:"id"`
	}
	if code := a.call(http.MethodPost, "/api/v1/listings", teacher, `{"title":"Algebra","price":"40"}`, &listing); code != http.StatusCreated {
		t.Fatalf("create listing: got %d, want 201", code)
	}

	start := time.Now().Add(time.Hour).UTC().Format(time.RFC3339Nano)
	var sess struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	if code := a.call(http.MethodPost, "/api/v1/sessions", student, `{"listing_id":"`+listing.ID+`","proposed_time":"`+start+`"}`, &sess); code != http.StatusCreated {
		t.Fatalf("request: got %d, want 201", code)
	}
	if sess.State != "requested" {
		t.Errorf("got state %q, want requested", sess.State)
	}

	var wallet struct {
		Available string `json:"available"`
		Locked    string `json:"locked"`
	}
	a.call(http.MethodGet, "/api/v1/wallet", student, "", &wallet)
	if wallet.Available != "60" || wallet.Locked != "40" {
		t.Errorf("got %s/%s, want 60/40", wallet.Available, wallet.Locked)
	}

	if code := a.call(http.MethodPost, "/api/v1/sessions/"+sess.ID+"/accept", teacher, "", &sess); code != http.StatusOK {
		t.Fatalf("accept: got %d, want 200", code)
	}

	// Completion is only legal once the session has started.
	a.machine.Now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if code := a.call(http.MethodPost, "/api/v1/sessions/"+sess.ID+"/complete", student, "", &sess); code != http.StatusOK {
		t.Fatalf("complete: got %d, want 200", code)
	}
	if sess.State != "completed" {
		t.Errorf("got state %q, want completed", sess.State)
	}

	a.call(http.MethodGet, "/api/v1/wallet", teacher, "", &wallet)
	if wallet.Available != "40" {
		t.Errorf("teacher available: got %s, want 40", wallet.Available)
	}
}

func TestAPI_AuthAndValidation(t *testing.T) {
	a := newAPI(t)
	_, student := a.signup("student@example.com", "student")

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		body   string
		want   int
	}{
		{"no token", http.MethodGet, "/api/v1/wallet", "", "", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/api/v1/wallet", "nope", "", http.StatusUnauthorized},
		{"register admin role", http.MethodPost, "/api/v1/auth/register", "", `{"email":"x@example.com","password":"hunter22","display_name":"X","role":"admin"}`, http.StatusUnprocessableEntity},
		{"request bad time", http.MethodPost, "/api/v1/sessions", student, `{"listing_id":"9b2f7a4e-2c1d-4a43-9d55-0f6b7e3c1a20","proposed_time":"later"}`, http.StatusUnprocessableEntity},
		{"unknown listing", http.MethodPost, "/api/v1/sessions", student, `{"listing_id":"9b2f7a4e-2c1d-4a43-9d55-0f6b7e3c1a20","proposed_time":"2099-01-01T00:00:00Z"}`, http.StatusNotFound},
		{"student cannot resolve", http.MethodPost, "/api/v1/sessions/9b2f7a4e-2c1d-4a43-9d55-0f6b7e3c1a20/resolution", student, `{"refund_all":true}`, http.StatusForbidden},
		{"public listings", http.MethodGet, "/api/v1/listings", "", "", http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", "", "", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if code := a.call(tc.method, tc.path, tc.token, tc.body, nil); code != tc.want {
				t.Errorf("got %d, want %d", code, tc.want)
			}
		})
	}
}
