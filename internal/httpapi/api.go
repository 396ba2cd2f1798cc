package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"certledger.org/internal/audit"
	"certledger.org/internal/auth"
	"certledger.org/internal/certificate"
	"certledger.org/internal/obs"
	"certledger.org/internal/stream"
)

// ReadyProbe pings the backing database for /readyz.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the verification, admin, and auth services.
type API struct {
	mux        *http.ServeMux
	verifier   *certificate.Verifier
	admin      *certificate.AdminService
	auth       *auth.Service
	auditSvc   *audit.Service
	events     *stream.Stream
	readyProbe ReadyProbe
	version    string
	limits     *rateLimits
}

// Config collects the services the API serves.
type Config struct {
	Verifier   *certificate.Verifier
	Admin      *certificate.AdminService
	Auth       *auth.Service
	Audit      *audit.Service
	Events     *stream.Stream
	ReadyProbe ReadyProbe
	Version    string

	// Requests per second and burst for the general budget; the auth
	// endpoints get their own, stricter budget.
	RatePerSecond     int
	RateBurst         int
	AuthRatePerSecond int
	AuthRateBurst     int
}

func New(cfg Config) *API {
	a := &API{
		mux:        http.NewServeMux(),
		verifier:   cfg.Verifier,
		admin:      cfg.Admin,
		auth:       cfg.Auth,
		auditSvc:   cfg.Audit,
		events:     cfg.Events,
		readyProbe: cfg.ReadyProbe,
		version:    cfg.Version,
		limits:     newRateLimits(cfg),
	}

	a.mux.HandleFunc("/health", a.Health)
	a.mux.HandleFunc("/healthz", a.Health)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/api/certificates/verify/", a.handleVerify)
	a.mux.HandleFunc("/api/certificates/check/", a.handleCheck)
	a.mux.HandleFunc("/api/certificates/search", a.handleSearch)

	a.mux.HandleFunc("/api/auth/login", a.handleLogin)
	a.mux.HandleFunc("/api/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/api/auth/logout", a.handleLogout)
	a.mux.Handle("/api/auth/change-password", a.requireAuth(http.HandlerFunc(a.handleChangePassword)))

	// Certificate mutation routes carry two independent gates: role
	// membership here, per-operation permission flags in the handlers.
	certRoles := RequireRole(auth.RoleSuperadmin, auth.RoleManager)
	a.mux.Handle("/api/admin/certificates", a.requireAuth(certRoles(http.HandlerFunc(a.handleCertificatesCollection))))
	a.mux.Handle("/api/admin/certificates/", a.requireAuth(certRoles(http.HandlerFunc(a.handleCertificateResource))))
	a.mux.Handle("/api/admin/analytics", a.requireAuth(RequirePermission(auth.PermAnalyticsView)(http.HandlerFunc(a.handleAnalytics))))
	a.mux.Handle("/api/admin/audit-logs", a.requireAuth(RequirePermission(auth.PermAuditView)(http.HandlerFunc(a.handleAuditLogs))))
	a.mux.Handle("/api/admin/events", a.requireAuth(http.HandlerFunc(a.Events)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped handler chain for the server.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = a.limits.middleware(h)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "certledger-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
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

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
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

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("value must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("value must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return val, nil
}

func handleCertificateError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, certificate.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, certificate.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, certificate.ErrDuplicateID), errors.Is(err, certificate.ErrAlreadyRevoked):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, certificate.ErrRevoked):
		writeError(w, r, http.StatusGone, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrLocked):
		w.Header().Set("Retry-After", strconv.Itoa(int(auth.LockoutWindow/time.Second)))
		writeError(w, r, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrTokenExpired), errors.Is(err, auth.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
