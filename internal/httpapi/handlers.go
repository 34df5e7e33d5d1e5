package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"shopfront.dev/internal/auth"
	"shopfront.dev/internal/obs"
	"shopfront.dev/internal/security"
	"shopfront.dev/internal/users"
)

const serviceName = "shopfront-api"

// ReadinessChecker reports whether the service can take traffic.
type ReadinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings the backing store.
type ReadyProbe struct {
	Store interface{ Ping(context.Context) error }
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return rp.Store.Ping(ctx)
}

// Options tune the HTTP surface.
type Options struct {
	Version           string
	CookieSecure      bool
	CORSOrigins       []string
	LoginPerSecond    float64
	LoginBurst        int
	TrustProxyHeaders bool
	MaxBodyBytes      int64
}

func (o *Options) defaults() {
	if o.LoginPerSecond <= 0 {
		o.LoginPerSecond = 5
	}
	if o.LoginBurst <= 0 {
		o.LoginBurst = 10
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 1 << 20
	}
}

// Deps are the services behind the HTTP surface.
type Deps struct {
	Auth      *auth.Service
	Users     *users.Service
	Readiness ReadinessChecker
	// Rules overrides DefaultRules.
	Rules *security.Registry
}

// API is the HTTP layer.
type API struct {
	router  chi.Router
	auth    *auth.Service
	users   *users.Service
	ready   ReadinessChecker
	policy  *security.Policy
	limiter *ipLimiter
	opts    Options
}

func New(deps Deps, opts Options) (*API, error) {
	if deps.Auth == nil || deps.Users == nil {
		return nil, errors.New("httpapi: auth and users services are required")
	}
	opts.defaults()
	rules := deps.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	policy, err := rules.Compile()
	if err != nil {
		return nil, err
	}
	ready := deps.Readiness
	if ready == nil {
		ready = ReadyProbe{}
	}
	a := &API{
		auth:    deps.Auth,
		users:   deps.Users,
		ready:   ready,
		policy:  policy,
		limiter: newIPLimiter(opts.LoginPerSecond, opts.LoginBurst),
		opts:    opts,
	}
	a.router = a.routes()
	return a, nil
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	if a.opts.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(
		middleware.CleanPath,
		RequestID,
		middleware.Recoverer,
		LoggingJSON,
		obs.Instrument,
		SecurityHeaders,
		CORS(a.opts.CORSOrigins),
		MaxBodyBytes(a.opts.MaxBodyBytes),
		Authenticate(a.auth),
		Authorize(a.policy),
	)

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Get("/actuator/health", a.Ready)
	r.Get("/actuator/info", a.Info)
	r.Handle("/metrics", obs.Handler())
	r.Handle("/actuator/prometheus", obs.Handler())

	a.mountAuth(r)
	a.mountUsers(r)
	a.mountAdmin(r)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, auth.KindNotFound, "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{
			Error:     "method not allowed",
			Kind:      "method_not_allowed",
			RequestID: obs.RequestIDFromContext(r.Context()),
		})
	})
	return r
}

// Handler returns the root http.Handler.
func (a *API) Handler() http.Handler {
	return a.router
}

// Policy exposes the compiled authorization rules.
func (a *API) Policy() *security.Policy {
	return a.policy
}

func opsRules(b *security.Builder) *security.Builder {
	return b.
		Permit(http.MethodGet, "/healthz", "/readyz", "/v1/info", "/metrics").
		Permit(http.MethodGet, "/actuator/**")
}

func docsRules(b *security.Builder) *security.Builder {
	return b.Permit(security.AnyMethod, "/swagger-ui/**", "/swagger-ui.html/**", "/v3/api-docs/**")
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.Warn(r.Context(), "readiness check failed", map[string]any{"err": err})
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.opts.Version,
	})
}
