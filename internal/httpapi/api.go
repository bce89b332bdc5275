package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/treasuryops/guard/internal/obs"
	"github.com/treasuryops/guard/internal/rbac"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// ReadyProbe checks the optional audit store.
type ReadyProbe struct {
	DB Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return rp.DB.PingContext(ctx)
}

// Guard authenticates and authorizes API callers. *guard.Core implements it.
type Guard interface {
	TokenVerifier
	AccessChecker
}

// Options configure the operations API. The alert feed is mounted only when
// both Alerts and Guard are set.
type Options struct {
	Version string
	Ready   ReadyProbe
	Metrics *obs.Metrics
	Alerts  Subscriber
	Guard   Guard
	Log     zerolog.Logger

	// TrustedProxies may set X-Forwarded-For; other peers are logged as is.
	TrustedProxies Proxies
}

// API serves health, readiness, metrics and the live alert feed.
type API struct {
	mux     *http.ServeMux
	ready   ReadyProbe
	alerts  Subscriber
	version string
	proxies Proxies
	log     zerolog.Logger
}

func New(opts Options) *API {
	a := &API{
		mux:     http.NewServeMux(),
		ready:   opts.Ready,
		alerts:  opts.Alerts,
		version: opts.Version,
		proxies: opts.TrustedProxies,
		log:     opts.Log,
	}
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	if opts.Metrics != nil {
		a.mux.Handle("/metrics", opts.Metrics.Handler())
	}
	if opts.Alerts != nil && opts.Guard != nil {
		feed := RequireAccess(opts.Guard, rbac.ResourceAuditLog, "view", nil)(http.HandlerFunc(a.Alerts))
		a.mux.Handle("/v1/alerts", RequireToken(opts.Guard)(feed))
	}
	a.mux.HandleFunc("/", http.NotFound)
	return a
}

// Handler returns the mux wrapped with logging and security headers.
func (a *API) Handler() http.Handler {
	return Logging(a.log, a.proxies)(SecurityHeaders(a.mux))
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "treasury-guard",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
