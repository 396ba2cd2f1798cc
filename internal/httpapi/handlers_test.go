package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"certledger.org/internal/audit"
	"certledger.org/internal/auth"
	"certledger.org/internal/certificate"
	"certledger.org/internal/stream"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

type testEnv struct {
	*apiClient
	certStore  *certificate.InMemory
	auditStore *audit.InMemory
	authSvc    *auth.Service
}

func newTestAPI(t *testing.T) *testEnv {
	t.Helper()

	auditStore := audit.NewInMemory()
	auditSvc := audit.NewService(auditStore)
	certStore := certificate.NewInMemory()
	events := stream.New()
	authStore := auth.NewInMemoryStore()
	authSvc := auth.NewService(authStore, []byte("test-secret"), auditSvc)

	for _, acc := range []struct {
		username string
		role     auth.Role
	}{
		{"root", auth.RoleSuperadmin},
		{"manager", auth.RoleManager},
		{"watcher", auth.RoleViewer},
	} {
		if _, err := authSvc.CreateAccount(context.Background(), acc.username, "Sup3r-secret!", acc.role, nil); err != nil {
			t.Fatalf("create account %s: %v", acc.username, err)
		}
	}

	api := New(Config{
		Verifier:          certificate.NewVerifier(certStore, auditSvc, events),
		Admin:             certificate.NewAdminService(certStore, auditSvc),
		Auth:              authSvc,
		Audit:             auditSvc,
		Events:            events,
		Version:           "test",
		RatePerSecond:     1000,
		RateBurst:         1000,
		AuthRatePerSecond: 1000,
		AuthRateBurst:     1000,
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{
		apiClient:  &apiClient{baseURL: srv.URL, client: srv.Client(), t: t},
		certStore:  certStore,
		auditStore: auditStore,
		authSvc:    authSvc,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) login(username, password string) auth.TokenPair {
	c.t.Helper()
	resp := c.post("/api/auth/login", loginRequest{Username: username, Password: password}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("login status: %d", resp.StatusCode)
	}
	var payload loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode login response: %v", err)
	}
	return payload.Tokens
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func (c *apiClient) createCertificate(token, id string) {
	c.t.Helper()
	resp := c.post("/api/admin/certificates", createCertificateRequest{
		ID:             id,
		RecipientName:  "Jane Doe",
		RecipientEmail: "jane@example.com",
		Program:        "Main Club",
		CategoryCode:   "01",
		AwardDate:      "2025-06-15",
	}, bearer(token))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("create certificate status: %d", resp.StatusCode)
	}
}

func TestVerifyFlow(t *testing.T) {
	env := newTestAPI(t)
	tokens := env.login("root", "Sup3r-secret!")
	env.createCertificate(tokens.AccessToken, "2501001")

	// First verification.
	resp := env.get("/api/certificates/verify/2501001", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status: %d", resp.StatusCode)
	}
	outcome := decode[certificate.Outcome](t, resp)
	if !outcome.Verified || outcome.Status != certificate.StatusVerified {
		t.Fatalf("outcome = %+v", outcome)
	}
	if outcome.Certificate == nil {
		t.Fatal("expected certificate payload")
	}
	if outcome.Certificate.Year != 2025 {
		t.Fatalf("year = %d", outcome.Certificate.Year)
	}
	if outcome.Certificate.SerialDisplay != "1" {
		t.Fatalf("serial display = %q", outcome.Certificate.SerialDisplay)
	}
	if outcome.Certificate.VerificationCount != 1 {
		t.Fatalf("count = %d", outcome.Certificate.VerificationCount)
	}

	// The counter moves on every verification.
	resp = env.get("/api/certificates/verify/2501001", nil, nil)
	outcome = decode[certificate.Outcome](t, resp)
	if outcome.Certificate.VerificationCount != 2 {
		t.Fatalf("count after second verify = %d", outcome.Certificate.VerificationCount)
	}
}

func TestVerifyUnknownID(t *testing.T) {
	env := newTestAPI(t)

	resp := env.get("/api/certificates/verify/9999999", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	outcome := decode[certificate.Outcome](t, resp)
	if outcome.Verified || outcome.Status != certificate.StatusNotFound {
		t.Fatalf("outcome = %+v", outcome)
	}
}

func TestVerifyMalformedID(t *testing.T) {
	env := newTestAPI(t)

	resp := env.get("/api/certificates/verify/123456", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	outcome := decode[certificate.Outcome](t, resp)
	if outcome.Status != certificate.StatusInvalid {
		t.Fatalf("status = %s", outcome.Status)
	}
	// Format failures never reach the store or the audit trail.
	if env.auditStore.Len() != 0 {
		t.Fatalf("audit entries = %d, want 0", env.auditStore.Len())
	}
}

func TestVerifyRevokedCertificate(t *testing.T) {
	env := newTestAPI(t)
	tokens := env.login("root", "Sup3r-secret!")
	env.createCertificate(tokens.AccessToken, "2501001")

	resp := env.post("/api/admin/certificates/2501001/revoke",
		revokeCertificateRequest{Reason: "policy violation"}, bearer(tokens.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.get("/api/certificates/verify/2501001", nil, nil)
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("status = %d, want 410", resp.StatusCode)
	}
	outcome := decode[certificate.Outcome](t, resp)
	if outcome.Status != certificate.StatusRevoked {
		t.Fatalf("status = %s", outcome.Status)
	}
	if outcome.RevokedReason != "policy violation" {
		t.Fatalf("reason = %q", outcome.RevokedReason)
	}
	if outcome.RevokedAt.IsZero() {
		t.Fatal("expected revoked_at timestamp")
	}

	// Double revoke is a conflict.
	resp = env.post("/api/admin/certificates/2501001/revoke",
		revokeCertificateRequest{Reason: "again"}, bearer(tokens.AccessToken))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double revoke status = %d, want 409", resp.StatusCode)
	}
}

func TestCheckHasNoSideEffects(t *testing.T) {
	env := newTestAPI(t)
	tokens := env.login("root", "Sup3r-secret!")
	env.createCertificate(tokens.AccessToken, "2501001")

	before := env.auditStore.Len()
	resp := env.get("/api/certificates/check/2501001", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("check status: %d", resp.StatusCode)
	}
	body := decode[map[string]bool](t, resp)
	if !body["exists"] {
		t.Fatal("expected exists=true")
	}
	rec, err := env.certStore.Get(context.Background(), "2501001")
	if err != nil {
		t.Fatalf("store get: %v", err)
	}
	if rec.VerificationCount != 0 {
		t.Fatalf("check must not move the counter: %d", rec.VerificationCount)
	}
	if env.auditStore.Len() != before {
		t.Fatal("check must not write audit entries")
	}
}

func TestSearchRecipientRequiresAuth(t *testing.T) {
	env := newTestAPI(t)
	tokens := env.login("root", "Sup3r-secret!")
	env.createCertificate(tokens.AccessToken, "2501001")

	resp := env.get("/api/certificates/search", url.Values{"recipient": {"Jane"}}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated recipient search status = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.get("/api/certificates/search", url.Values{"recipient": {"Jane"}}, bearer(tokens.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated search status = %d", resp.StatusCode)
	}
	body := decode[struct {
		Items []certificate.PublicView `json:"items"`
		Count int                      `json:"count"`
	}](t, resp)
	if body.Count != 1 || len(body.Items) != 1 {
		t.Fatalf("search result = %+v", body)
	}

	// Program-only search stays public.
	resp = env.get("/api/certificates/search", url.Values{"program": {"Main Club"}}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("program search status = %d", resp.StatusCode)
	}
}

func TestAdminPermissionGates(t *testing.T) {
	env := newTestAPI(t)
	viewer := env.login("watcher", "Sup3r-secret!")
	manager := env.login("manager", "Sup3r-secret!")

	// Viewer lacks certificates.create.
	resp := env.post("/api/admin/certificates", createCertificateRequest{
		ID:             "2501001",
		RecipientName:  "Jane Doe",
		RecipientEmail: "jane@example.com",
		Program:        "Main Club",
		CategoryCode:   "01",
		AwardDate:      "2025-06-15",
	}, bearer(viewer.AccessToken))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer create status = %d, want 403", resp.StatusCode)
	}
	resp.Body.Close()

	// Manager creates but cannot delete.
	env.createCertificate(manager.AccessToken, "2501001")
	resp = env.do(http.MethodDelete, "/api/admin/certificates/2501001", nil, bearer(manager.AccessToken))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("manager delete status = %d, want 403", resp.StatusCode)
	}
	resp.Body.Close()

	// No token at all.
	resp = env.get("/api/admin/certificates", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous list status = %d, want 401", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header")
	}
}

func TestAdminRoleGateIgnoresGrantedFlags(t *testing.T) {
	env := newTestAPI(t)

	// A viewer holding the mutation flags must still fail the role gate.
	perms := []string{auth.PermCertificatesCreate, auth.PermCertificatesDelete}
	if _, err := env.authSvc.CreateAccount(context.Background(), "contractor", "Sup3r-secret!", auth.RoleViewer, perms); err != nil {
		t.Fatalf("create account: %v", err)
	}
	contractor := env.login("contractor", "Sup3r-secret!")

	resp := env.post("/api/admin/certificates", createCertificateRequest{
		ID:             "2501001",
		RecipientName:  "Jane Doe",
		RecipientEmail: "jane@example.com",
		Program:        "Main Club",
		CategoryCode:   "01",
		AwardDate:      "2025-06-15",
	}, bearer(contractor.AccessToken))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("contractor create status = %d, want 403", resp.StatusCode)
	}
	resp.Body.Close()

	root := env.login("root", "Sup3r-secret!")
	env.createCertificate(root.AccessToken, "2501001")
	resp = env.do(http.MethodDelete, "/api/admin/certificates/2501001", nil, bearer(contractor.AccessToken))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("contractor delete status = %d, want 403", resp.StatusCode)
	}
}

func TestAdminCRUDFlow(t *testing.T) {
	env := newTestAPI(t)
	tokens := env.login("root", "Sup3r-secret!")
	env.createCertificate(tokens.AccessToken, "2501001")

	// Duplicate id conflicts.
	resp := env.post("/api/admin/certificates", createCertificateRequest{
		ID:             "2501001",
		RecipientName:  "Jane Doe",
		RecipientEmail: "jane@example.com",
		Program:        "Main Club",
		CategoryCode:   "01",
		AwardDate:      "2025-06-15",
	}, bearer(tokens.AccessToken))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate create status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()

	name := "Janet Doe"
	resp = env.do(http.MethodPut, "/api/admin/certificates/2501001",
		updateCertificateRequest{RecipientName: &name}, bearer(tokens.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d", resp.StatusCode)
	}
	updated := decode[certificate.Record](t, resp)
	if updated.RecipientName != "Janet Doe" {
		t.Fatalf("updated name = %q", updated.RecipientName)
	}

	resp = env.get("/api/admin/certificates", url.Values{"page": {"1"}, "limit": {"10"}}, bearer(tokens.AccessToken))
	list := decode[listCertificatesResponse](t, resp)
	if list.Total != 1 || len(list.Items) != 1 {
		t.Fatalf("list = %+v", list)
	}
	if list.Items[0].VerifierIPs != nil {
		t.Fatal("list must not expose verifier IPs")
	}

	resp = env.do(http.MethodDelete, "/api/admin/certificates/2501001", nil, bearer(tokens.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.get("/api/admin/certificates/2501001", nil, bearer(tokens.AccessToken))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", resp.StatusCode)
	}
}

func TestLoginLockoutOverHTTP(t *testing.T) {
	env := newTestAPI(t)

	for i := 0; i < auth.MaxLoginFailures; i++ {
		resp := env.post("/api/auth/login", loginRequest{Username: "root", Password: "wrong"}, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d, want 401", i+1, resp.StatusCode)
		}
		resp.Body.Close()
	}

	// Sixth attempt with the correct password is still rejected.
	resp := env.post("/api/auth/login", loginRequest{Username: "root", Password: "Sup3r-secret!"}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("locked status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestRefreshAndLogout(t *testing.T) {
	env := newTestAPI(t)
	tokens := env.login("root", "Sup3r-secret!")

	resp := env.post("/api/auth/refresh", refreshRequest{RefreshToken: tokens.RefreshToken}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d", resp.StatusCode)
	}
	rotated := decode[loginResponse](t, resp)
	if rotated.Tokens.RefreshToken == tokens.RefreshToken {
		t.Fatal("refresh must rotate the token")
	}

	resp = env.post("/api/auth/logout", refreshRequest{RefreshToken: rotated.Tokens.RefreshToken}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.post("/api/auth/refresh", refreshRequest{RefreshToken: rotated.Tokens.RefreshToken}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("refresh after logout status = %d, want 401", resp.StatusCode)
	}
}

func TestAnalyticsAndAuditLogs(t *testing.T) {
	env := newTestAPI(t)
	tokens := env.login("root", "Sup3r-secret!")
	env.createCertificate(tokens.AccessToken, "2501001")
	env.get("/api/certificates/verify/2501001", nil, nil).Body.Close()

	resp := env.get("/api/admin/analytics", nil, bearer(tokens.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("analytics status = %d", resp.StatusCode)
	}
	analytics := decode[certificate.Analytics](t, resp)
	if analytics.Stats.Total != 1 || analytics.Stats.Verified != 1 {
		t.Fatalf("stats = %+v", analytics.Stats)
	}
	if len(analytics.RecentVerifications) != 1 {
		t.Fatalf("recent verifications = %d", len(analytics.RecentVerifications))
	}

	resp = env.get("/api/admin/audit-logs", url.Values{"action": {string(audit.ActionCertificateVerify)}}, bearer(tokens.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit logs status = %d", resp.StatusCode)
	}
	logs := decode[struct {
		Items []audit.Entry `json:"items"`
		Total int           `json:"total"`
	}](t, resp)
	if logs.Total != 1 || len(logs.Items) != 1 {
		t.Fatalf("audit logs = %+v", logs)
	}

	// Viewer token holds analytics.view but not audit.view.
	viewer := env.login("watcher", "Sup3r-secret!")
	resp = env.get("/api/admin/analytics", nil, bearer(viewer.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("viewer analytics status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = env.get("/api/admin/audit-logs", nil, bearer(viewer.AccessToken))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer audit logs status = %d, want 403", resp.StatusCode)
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestAPI(t)

	resp := env.get("/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["service"] != "certledger-api" {
		t.Fatalf("service = %v", body["service"])
	}

	resp = env.get("/readyz", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status = %d", resp.StatusCode)
	}
}
