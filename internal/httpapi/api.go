// Package httpapi exposes the credential and alert operations over HTTP and
// the standard gRPC health service.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"bastion.dev/internal/audit"
	"bastion.dev/internal/auth"
	"bastion.dev/internal/cache"
	"bastion.dev/internal/obs"
	"bastion.dev/internal/tracing"
)

const serviceName = "bastion"

// AccessVerifier checks bearer access tokens.
type AccessVerifier interface {
	Verify(token string) (auth.AccessClaims, error)
}

// RefreshTokens is the refresh token lifecycle used by the auth endpoints.
type RefreshTokens interface {
	Rotate(ctx context.Context, signed, deviceInfo string) (auth.TokenPair, error)
	Verify(ctx context.Context, signed string) (*auth.RefreshToken, error)
	Revoke(ctx context.Context, tokenID string) error
	RevokeAll(ctx context.Context, userID string) (int64, error)
}

// APIKeys is the API key lifecycle used by the key endpoints and the
// authentication middleware.
type APIKeys interface {
	Issue(ctx context.Context, userID, name string, permissions []string, rateLimit, ttlDays int) (string, *auth.APIKey, error)
	Validate(ctx context.Context, raw string) (auth.APIKeyValidation, error)
	Rotate(ctx context.Context, id, userID string) (string, *auth.APIKey, error)
	Revoke(ctx context.Context, id, userID string) error
	List(ctx context.Context, userID string) ([]*auth.APIKey, error)
}

// Alerts is the alert triage surface.
type Alerts interface {
	List(ctx context.Context, filter audit.AlertFilter) ([]audit.SecurityAlert, error)
	Resolve(ctx context.Context, id, resolvedBy string) (*audit.SecurityAlert, error)
}

// AlertStream delivers alerts as they are raised.
type AlertStream interface {
	Subscribe(ctx context.Context) <-chan audit.SecurityAlert
}

// ReadinessChecker reports whether backing stores answer.
type ReadinessChecker interface {
	Check(ctx context.Context) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Readiness pings Postgres and Redis.
type Readiness struct {
	DB    *sql.DB
	Cache pinger
}

func (rp Readiness) Check(ctx context.Context) error {
	var errs []error
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			errs = append(errs, errors.New("postgres: "+err.Error()))
		}
	}
	if rp.Cache != nil {
		if err := rp.Cache.Ping(ctx); err != nil {
			errs = append(errs, errors.New("redis: "+err.Error()))
		}
	}
	return errors.Join(errs...)
}

// Deps are the collaborators of the HTTP layer. Audit, Stream and Window may be nil.
type Deps struct {
	Access  AccessVerifier
	Refresh RefreshTokens
	Keys    APIKeys
	Alerts  Alerts
	Stream  AlertStream
	Window  cache.Window
	Audit   audit.Logger
	Ready   ReadinessChecker
	Buffer  interface{ Buffered() int }
	Version string

	RateBurst  int
	RatePerSec float64
	ClientIPs  *ClientIPResolver
}

// API is the HTTP layer.
type API struct {
	mux     *http.ServeMux
	access  AccessVerifier
	refresh RefreshTokens
	keys    APIKeys
	alerts  Alerts
	stream  AlertStream
	window  cache.Window
	audit   audit.Logger
	ready   ReadinessChecker
	buffer  interface{ Buffered() int }
	version string

	rateBurst  int
	ratePerSec float64
	clientIPs  *ClientIPResolver
}

func New(d Deps) *API {
	a := &API{
		mux:        http.NewServeMux(),
		access:     d.Access,
		refresh:    d.Refresh,
		keys:       d.Keys,
		alerts:     d.Alerts,
		stream:     d.Stream,
		window:     d.Window,
		audit:      d.Audit,
		ready:      d.Ready,
		buffer:     d.Buffer,
		version:    d.Version,
		rateBurst:  d.RateBurst,
		ratePerSec: d.RatePerSec,
		clientIPs:  d.ClientIPs,
	}
	if a.audit == nil {
		a.audit = audit.Nop{}
	}
	if a.ready == nil {
		a.ready = Readiness{}
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 40
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 20
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("POST /v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("POST /v1/auth/logout-all", a.handleLogoutAll)

	a.mux.HandleFunc("GET /v1/api-keys", a.handleListAPIKeys)
	a.mux.HandleFunc("POST /v1/api-keys", a.handleCreateAPIKey)
	a.mux.HandleFunc("POST /v1/api-keys/{id}/rotate", a.handleRotateAPIKey)
	a.mux.HandleFunc("DELETE /v1/api-keys/{id}", a.handleRevokeAPIKey)

	a.mux.HandleFunc("GET /v1/security/alerts", a.handleListAlerts)
	a.mux.HandleFunc("GET /v1/security/alerts/stream", a.handleAlertStream)
	a.mux.HandleFunc("POST /v1/security/alerts/{id}/resolve", a.handleResolveAlert)

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h, a.clientIPs)
	h = tracing.Middleware(serviceName, func(r *http.Request) string { return obs.CanonicalPath(r.URL.Path) })(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	body := map[string]any{}
	if a.buffer != nil {
		body["audit_buffered"] = a.buffer.Buffered()
	}
	if err := a.ready.Check(ctx); err != nil {
		obs.SetReady(false)
		body["status"] = "not_ready"
		body["error"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	obs.SetReady(true)
	body["status"] = "ready"
	writeJSON(w, http.StatusOK, body)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="`+serviceName+`"`)
	writeError(w, r, http.StatusUnauthorized, msg)
}

// writeServiceError maps service errors onto status codes.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var authErr *auth.AuthError
	switch {
	case errors.As(err, &authErr):
		msg := "invalid credentials"
		if authErr.Reason == auth.ReasonExpired {
			msg = "credentials expired"
		}
		writeUnauthorized(w, r, msg)
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrNotFound), errors.Is(err, audit.ErrAlertNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	default:
		slog.Error("request failed", "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()), "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
