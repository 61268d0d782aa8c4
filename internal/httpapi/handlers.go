package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pseudomat.org/internal/obs"
	"pseudomat.org/internal/registry"
)

const serviceName = "pseudomat-registry"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Pinger is anything the readiness probe can ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks the backing store.
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

// API is the HTTP layer of the registry.
type API struct {
	router     chi.Router
	svc        *registry.Service
	readyProbe readinessChecker
	version    string

	maxBody    int64
	rateBurst  int
	ratePerSec float64
}

// Option tunes the API.
type Option func(*API)

// WithMaxBody caps accepted request entities.
func WithMaxBody(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

// WithRateLimit sets the per-IP token bucket. A zero rate disables it.
func WithRateLimit(perSec float64, burst int) Option {
	return func(a *API) {
		a.ratePerSec = perSec
		a.rateBurst = burst
	}
}

func New(svc *registry.Service, rp readinessChecker, version string, opts ...Option) *API {
	a := &API{
		router:     chi.NewRouter(),
		svc:        svc,
		readyProbe: rp,
		version:    version,
		maxBody:    defaultMaxBody,
		rateBurst:  40,
		ratePerSec: 20,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.routes()
	return a
}

func (a *API) routes() {
	r := a.router
	r.Use(middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "Not found.")
	})
	r.MethodNotAllowed(methodNotAllowed)

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	r.Get("/", a.Info)
	r.Post("/", a.createProject)
	r.Route("/{projectID}", func(r chi.Router) {
		r.Get("/", a.getProject)
		r.Delete("/", a.deleteProject)
		r.Post("/verification", a.verifyProject)
		r.Route("/invites/{inviteID}", func(r chi.Router) {
			r.Put("/", a.putInvite)
			r.Get("/", a.getInvite)
			r.Delete("/", a.deleteInvite)
			r.Put("/member", a.putMember)
			r.Get("/member", a.getMember)
			r.Put("/revocation", a.putRevocation)
		})
	})
}

// Handler wraps the router with the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = MaxBodyBytes(h, a.maxBody)
	h = obs.Instrument(h)
	if a.ratePerSec > 0 {
		h = RateLimit(h, a.rateBurst, a.ratePerSec)
	}
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	build := obs.CurrentBuild()
	writeJSON(w, http.StatusOK, map[string]any{
		"name":       serviceName,
		"time":       time.Now().UTC().Format(time.RFC3339),
		"version":    a.version,
		"commit":     build.Commit,
		"go_version": build.GoVersion,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "Method not allowed.")
}
