package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bastion.dev/internal/audit"
	"bastion.dev/internal/auth"
	"bastion.dev/internal/cache"
	"bastion.dev/internal/obs"
)

const (
	authHeader   = "Authorization"
	apiKeyHeader = "X-API-Key"
	bearer       = "Bearer "

	keyRateWindow = time.Minute
)

var publicPaths = []string{
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/auth/refresh",
}

// withAuth authenticates every non-public request with either X-API-Key or
// a bearer access token and records one audit event per authenticated request.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()

		var principal auth.Principal
		if raw := strings.TrimSpace(r.Header.Get(apiKeyHeader)); raw != "" {
			if a.keys == nil {
				writeUnauthorized(w, r, "api keys are not accepted")
				return
			}
			v, err := a.keys.Validate(ctx, raw)
			if err != nil {
				slog.Error("api key validation failed", "request_id", RequestIDFromContext(ctx), "error", err)
				writeError(w, r, http.StatusInternalServerError, "authentication error")
				return
			}
			if !v.Valid {
				writeUnauthorized(w, r, "invalid api key")
				return
			}
			principal = auth.PrincipalFromAPIKey(v)
			if !a.admitKey(w, r, principal) {
				return
			}
		} else {
			token, err := extractBearerToken(r.Header.Get(authHeader))
			if err != nil {
				writeUnauthorized(w, r, err.Error())
				return
			}
			if a.access == nil {
				writeUnauthorized(w, r, "bearer tokens are not accepted")
				return
			}
			claims, err := a.access.Verify(token)
			if err != nil {
				reason := auth.ReasonInvalid
				var ae *auth.AuthError
				if errors.As(err, &ae) {
					reason = ae.Reason
				}
				obs.CredentialOp("access_token", "verify", reason)
				e := audit.NewEvent(ctx, audit.EventAuthFailure, "authenticate", audit.ResultFailure)
				e.Resource = "access_token"
				a.audit.Log(ctx, e.With("reason", reason).With("method", auth.MethodBearer))
				if reason == auth.ReasonExpired {
					writeUnauthorized(w, r, "token expired")
					return
				}
				writeUnauthorized(w, r, "invalid token")
				return
			}
			principal = auth.PrincipalFromClaims(claims)
		}

		ctx = auth.ContextWithPrincipal(ctx, principal)
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r.WithContext(ctx))
		a.audit.Log(ctx, requestEvent(r, principal, sw.code, time.Since(start)))
	})
}

// admitKey applies the key's per-minute limit through the shared sliding
// window. A window failure lets the request through.
func (a *API) admitKey(w http.ResponseWriter, r *http.Request, p auth.Principal) bool {
	if a.window == nil || p.RateLimit <= 0 {
		return true
	}
	ctx := r.Context()
	ok, err := a.window.Admit(ctx, cache.RateKey(p.APIKeyID), int64(p.RateLimit), keyRateWindow)
	if err != nil {
		slog.Warn("api key rate check failed, admitting", "key_id", p.APIKeyID, "error", err)
		return true
	}
	if ok {
		return true
	}
	e := audit.NewEvent(ctx, audit.EventRateLimited, r.Method, audit.ResultFailure)
	e.UserID = p.UserID
	e.Resource = obs.CanonicalPath(r.URL.Path)
	a.audit.Log(ctx, e.With("key_id", p.APIKeyID).With("limit_per_minute", p.RateLimit))
	w.Header().Set("Retry-After", "60")
	writeError(w, r, http.StatusTooManyRequests, "api key rate limit exceeded")
	return false
}

// ensurePermission writes 401/403 and returns false unless the caller holds perm.
func (a *API) ensurePermission(w http.ResponseWriter, r *http.Request, perm string) (auth.Principal, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, r, "authentication required")
		return auth.Principal{}, false
	}
	if !p.Can(perm) {
		e := audit.NewEvent(r.Context(), audit.EventPermissionCheck, r.Method, audit.ResultFailure)
		e.UserID = p.UserID
		e.Resource = obs.CanonicalPath(r.URL.Path)
		a.audit.Log(r.Context(), e.With("required", perm).With("method", p.Method))
		writeError(w, r, http.StatusForbidden, "missing permission "+perm)
		return auth.Principal{}, false
	}
	return p, true
}

func requestEvent(r *http.Request, p auth.Principal, status int, took time.Duration) audit.Event {
	result := audit.ResultSuccess
	switch {
	case status >= 500:
		result = audit.ResultError
	case status >= 400:
		result = audit.ResultFailure
	}
	e := audit.NewEvent(r.Context(), audit.EventAPIRequest, r.Method, result)
	e.UserID = p.UserID
	e.Resource = obs.CanonicalPath(r.URL.Path)
	e = e.With("status", status).With("method", p.Method).With("duration_ms", took.Milliseconds())
	if p.APIKeyID != "" {
		e = e.With("key_id", p.APIKeyID)
	}
	return e
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
