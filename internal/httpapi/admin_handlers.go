package httpapi

import (
	"net/http"
	"strings"

	"certledger.org/internal/audit"
	"certledger.org/internal/auth"
	"certledger.org/internal/certificate"
)

type createCertificateRequest struct {
	ID             string `json:"id"`
	RecipientName  string `json:"recipient_name"`
	RecipientEmail string `json:"recipient_email"`
	Program        string `json:"program"`
	CategoryCode   string `json:"category_code"`
	AwardDate      string `json:"award_date"`
	Notes          string `json:"notes"`
}

type updateCertificateRequest struct {
	RecipientName  *string `json:"recipient_name"`
	RecipientEmail *string `json:"recipient_email"`
	AwardDate      *string `json:"award_date"`
	Notes          *string `json:"notes"`
}

type revokeCertificateRequest struct {
	Reason string `json:"reason"`
}

type listCertificatesResponse struct {
	Items []certificate.Record `json:"items"`
	Total int                  `json:"total"`
	Page  int                  `json:"page"`
	Limit int                  `json:"limit"`
}

func (a *API) handleCertificatesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createCertificate(w, r)
	case http.MethodGet:
		a.listCertificates(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleCertificateResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/admin/certificates/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if id, ok := strings.CutSuffix(path, "/revoke"); ok {
		if id == "" || strings.Contains(id, "/") {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.revokeCertificate(w, r, id)
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getCertificate(w, r, path)
	case http.MethodPut:
		a.updateCertificate(w, r, path)
	case http.MethodDelete:
		a.deleteCertificate(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) createCertificate(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requirePermission(w, r, auth.PermCertificatesCreate); !ok {
		return
	}
	var req createCertificateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := a.admin.Create(r.Context(), actorFromRequest(r), certificate.CreateInput{
		ID:             req.ID,
		RecipientName:  req.RecipientName,
		RecipientEmail: req.RecipientEmail,
		Program:        req.Program,
		CategoryCode:   req.CategoryCode,
		AwardDate:      req.AwardDate,
		Notes:          req.Notes,
	})
	if err != nil {
		handleCertificateError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/admin/certificates/"+rec.ID)
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) listCertificates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := parsePositiveInt(q.Get("page"), 1, 1, 1_000_000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parsePositiveInt(q.Get("limit"), 20, 1, 100)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	recs, total, err := a.admin.List(r.Context(), page, limit)
	if err != nil {
		handleCertificateError(w, r, err)
		return
	}
	if recs == nil {
		recs = []certificate.Record{}
	}
	writeJSON(w, http.StatusOK, listCertificatesResponse{
		Items: recs,
		Total: total,
		Page:  page,
		Limit: limit,
	})
}

func (a *API) getCertificate(w http.ResponseWriter, r *http.Request, id string) {
	rec, err := a.admin.Get(r.Context(), id)
	if err != nil {
		handleCertificateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) updateCertificate(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := a.requirePermission(w, r, auth.PermCertificatesEdit); !ok {
		return
	}
	var req updateCertificateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := a.admin.Update(r.Context(), actorFromRequest(r), id, certificate.UpdateInput{
		RecipientName:  req.RecipientName,
		RecipientEmail: req.RecipientEmail,
		AwardDate:      req.AwardDate,
		Notes:          req.Notes,
	})
	if err != nil {
		handleCertificateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) deleteCertificate(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := a.requirePermission(w, r, auth.PermCertificatesDelete); !ok {
		return
	}
	if err := a.admin.Delete(r.Context(), actorFromRequest(r), id); err != nil {
		handleCertificateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": strings.ToUpper(id)})
}

func (a *API) revokeCertificate(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := a.requirePermission(w, r, auth.PermCertificatesRevoke); !ok {
		return
	}
	var req revokeCertificateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, r, http.StatusBadRequest, "reason is required")
		return
	}
	rec, err := a.admin.Revoke(r.Context(), actorFromRequest(r), id, req.Reason)
	if err != nil {
		handleCertificateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	analytics, err := a.admin.Analytics(r.Context())
	if err != nil {
		handleCertificateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, analytics)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()
	page, err := parsePositiveInt(q.Get("page"), 1, 1, 1_000_000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parsePositiveInt(q.Get("limit"), 50, 1, 100)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	entries, total, err := a.auditSvc.List(r.Context(), audit.Filter{
		Action:  audit.Action(strings.TrimSpace(q.Get("action"))),
		Outcome: audit.Outcome(strings.TrimSpace(q.Get("outcome"))),
		Page:    page,
		Limit:   limit,
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": entries,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}
