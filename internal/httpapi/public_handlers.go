package httpapi

import (
	"net/http"
	"strings"

	"certledger.org/internal/certificate"
)

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/certificates/verify/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	outcome, err := a.verifier.Verify(r.Context(), id, clientIP(r))
	if err != nil {
		handleCertificateError(w, r, err)
		return
	}
	writeJSON(w, verifyStatusCode(outcome.Status), outcome)
}

// verifyStatusCode maps a verification outcome onto its HTTP status. The
// body always carries the full outcome payload.
func verifyStatusCode(status certificate.Status) int {
	switch status {
	case certificate.StatusVerified:
		return http.StatusOK
	case certificate.StatusInvalid:
		return http.StatusBadRequest
	case certificate.StatusNotFound:
		return http.StatusNotFound
	case certificate.StatusRevoked:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/certificates/check/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	exists, err := a.verifier.Check(r.Context(), id)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": exists})
}

func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	q := r.URL.Query()
	recipient := strings.TrimSpace(q.Get("recipient"))
	program := strings.TrimSpace(q.Get("program"))

	// The recipient filter exposes personal names, so it is reserved for
	// authenticated callers. Program-only search stays public.
	if recipient != "" {
		if _, err := a.authenticate(r); err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, r, http.StatusUnauthorized, "recipient search requires authentication")
			return
		}
	}
	if recipient == "" && program == "" {
		writeError(w, r, http.StatusBadRequest, "recipient or program filter is required")
		return
	}

	limit, err := parsePositiveInt(q.Get("limit"), certificate.SearchLimit, 1, certificate.SearchLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	views, err := a.verifier.Search(r.Context(), recipient, program, limit)
	if err != nil {
		handleCertificateError(w, r, err)
		return
	}
	if views == nil {
		views = []certificate.PublicView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": views,
		"count": len(views),
	})
}
