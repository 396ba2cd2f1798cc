package certificate

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"certledger.org/internal/audit"
)

var testActor = Actor{ID: "01JADMIN", Username: "root", IP: "192.0.2.1"}

func newAdminService(t *testing.T) (*AdminService, *InMemory, *audit.InMemory) {
	t.Helper()
	store := NewInMemory()
	trail := audit.NewInMemory()
	return NewAdminService(store, audit.NewService(trail)), store, trail
}

func validCreate(id string) CreateInput {
	return CreateInput{
		ID:             id,
		RecipientName:  "Grace Hopper",
		RecipientEmail: "Grace@Example.org",
		Program:        "Bootcamp",
		CategoryCode:   "02",
		AwardDate:      "2025-02-14",
		Notes:          "cohort 7",
	}
}

func TestAdminCreate(t *testing.T) {
	svc, _, trail := newAdminService(t)

	rec, err := svc.Create(context.Background(), testActor, validCreate("2502042"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.RecipientEmail != "grace@example.org" {
		t.Fatalf("email not lowercased: %q", rec.RecipientEmail)
	}
	if rec.CreatedBy != "root" {
		t.Fatalf("created_by = %q", rec.CreatedBy)
	}
	if trail.Len() != 1 {
		t.Fatalf("audit entries = %d, want 1", trail.Len())
	}

	// Duplicate id is a conflict, and the failure is audited too.
	if _, err := svc.Create(context.Background(), testActor, validCreate("2502042")); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("duplicate create = %v, want ErrDuplicateID", err)
	}
	if trail.Len() != 2 {
		t.Fatalf("failed create must be audited, entries = %d", trail.Len())
	}
}

func TestAdminCreateValidation(t *testing.T) {
	svc, store, _ := newAdminService(t)

	cases := []struct {
		name   string
		mutate func(*CreateInput)
	}{
		{"bad id", func(in *CreateInput) { in.ID = "12345" }},
		{"short name", func(in *CreateInput) { in.RecipientName = "X" }},
		{"name charset", func(in *CreateInput) { in.RecipientName = "Robert; drop table" }},
		{"bad email", func(in *CreateInput) { in.RecipientEmail = "not-an-email" }},
		{"unknown program", func(in *CreateInput) { in.Program = "Chess Club" }},
		{"unknown category", func(in *CreateInput) { in.CategoryCode = "09" }},
		{"bad date", func(in *CreateInput) { in.AwardDate = "14/02/2025" }},
		{"future date", func(in *CreateInput) { in.AwardDate = "2999-01-01" }},
	}
	for _, tc := range cases {
		in := validCreate("2502042")
		tc.mutate(&in)
		if _, err := svc.Create(context.Background(), testActor, in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: err = %v, want ErrInvalidInput", tc.name, err)
		}
	}
	if ok, _ := store.Exists(context.Background(), "2502042"); ok {
		t.Fatalf("invalid input must not persist a record")
	}
}

func TestAdminUpdateSnapshotsChanges(t *testing.T) {
	svc, _, trail := newAdminService(t)
	if _, err := svc.Create(context.Background(), testActor, validCreate("2502042")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	name := "Grace B. Hopper"
	notes := "corrected middle initial"
	rec, err := svc.Update(context.Background(), testActor, "2502042", UpdateInput{
		RecipientName: &name,
		Notes:         &notes,
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if rec.RecipientName != name || rec.Notes != notes {
		t.Fatalf("update not applied: %+v", rec)
	}
	// Program stays immutable by construction: UpdateInput has no field for it.

	entries, _, err := audit.NewService(trail).List(context.Background(), audit.Filter{Action: audit.ActionCertificateUpdate})
	if err != nil {
		t.Fatalf("audit list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("update audit entries = %d", len(entries))
	}
	var cs audit.ChangeSet
	if err := json.Unmarshal(entries[0].Details, &cs); err != nil {
		t.Fatalf("decode changes: %v", err)
	}
	if cs.Before["recipient_name"] != "Grace Hopper" || cs.After["recipient_name"] != name {
		t.Fatalf("unexpected change set: %+v", cs)
	}
	if _, ok := cs.Before["recipient_email"]; ok {
		t.Fatalf("untouched field leaked into snapshot")
	}
}

func TestAdminRevokeIdempotencyGuard(t *testing.T) {
	svc, _, trail := newAdminService(t)
	if _, err := svc.Create(context.Background(), testActor, validCreate("2502042")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec, err := svc.Revoke(context.Background(), testActor, "2502042", "policy violation")
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if !rec.Revoked || rec.RevokedReason != "policy violation" || rec.RevokedAt.IsZero() {
		t.Fatalf("revocation fields not set: %+v", rec)
	}
	before := trail.Len()

	if _, err := svc.Revoke(context.Background(), testActor, "2502042", "again"); !errors.Is(err, ErrAlreadyRevoked) {
		t.Fatalf("second revoke = %v, want ErrAlreadyRevoked", err)
	}
	if trail.Len() != before {
		t.Fatalf("double revoke must not add audit entries")
	}
}

func TestAdminDeleteLogsIdentity(t *testing.T) {
	svc, store, trail := newAdminService(t)
	if _, err := svc.Create(context.Background(), testActor, validCreate("2502042")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := svc.Delete(context.Background(), testActor, "2502042"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, _ := store.Exists(context.Background(), "2502042"); ok {
		t.Fatalf("record survived delete")
	}

	entries, _, err := audit.NewService(trail).List(context.Background(), audit.Filter{Action: audit.ActionCertificateDelete})
	if err != nil {
		t.Fatalf("audit list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("delete audit entries = %d", len(entries))
	}
	var details audit.DeleteDetails
	if err := json.Unmarshal(entries[0].Details, &details); err != nil {
		t.Fatalf("decode details: %v", err)
	}
	if details.RecipientName != "Grace Hopper" {
		t.Fatalf("delete details = %+v", details)
	}

	if err := svc.Delete(context.Background(), testActor, "2502042"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete absent = %v, want ErrNotFound", err)
	}
}

func TestAdminListPaginationAndProjection(t *testing.T) {
	svc, store, _ := newAdminService(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= 7; i++ {
		rec := Record{
			ID:            "250000" + string(rune('0'+i)),
			RecipientName: "Member",
			Program:       "Main Club",
			CategoryCode:  "00",
			AwardDate:     base,
			CreatedAt:     base.Add(time.Duration(i) * time.Hour),
			VerifierIPs:   []IPHit{{IP: "10.0.0.1", At: base}},
		}
		if err := store.Insert(context.Background(), rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	page1, total, err := svc.List(context.Background(), 1, 3)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 7 || len(page1) != 3 {
		t.Fatalf("total=%d len=%d", total, len(page1))
	}
	if page1[0].ID != "2500007" {
		t.Fatalf("newest first expected, got %s", page1[0].ID)
	}
	for _, rec := range page1 {
		if rec.VerifierIPs != nil {
			t.Fatalf("list must not expose IP history")
		}
	}

	page3, _, err := svc.List(context.Background(), 3, 3)
	if err != nil {
		t.Fatalf("List page 3: %v", err)
	}
	if len(page3) != 1 {
		t.Fatalf("page 3 len = %d", len(page3))
	}
}

func TestAdminAnalytics(t *testing.T) {
	svc, store, trail := newAdminService(t)
	v := NewVerifier(store, audit.NewService(trail), nil)

	for i, in := range []CreateInput{validCreate("2502001"), validCreate("2502002"), validCreate("2500003")} {
		if i == 2 {
			in.Program = "Main Club"
			in.CategoryCode = "00"
		}
		if _, err := svc.Create(context.Background(), testActor, in); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if _, err := v.Verify(context.Background(), "2502001", "203.0.113.9"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if _, err := svc.Revoke(context.Background(), testActor, "2502002", "expired"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	got, err := svc.Analytics(context.Background())
	if err != nil {
		t.Fatalf("Analytics: %v", err)
	}
	st := got.Stats
	if st.Total != 3 || st.Active != 2 || st.Verified != 1 || st.Revoked != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if st.ByProgram["Bootcamp"] != 1 || st.ByProgram["Main Club"] != 1 {
		t.Fatalf("by_program = %+v", st.ByProgram)
	}
	if len(got.RecentVerifications) != 1 {
		t.Fatalf("recent verifications = %d", len(got.RecentVerifications))
	}
	if got.RecentVerifications[0].EntityID != "2502001" {
		t.Fatalf("recent entry = %+v", got.RecentVerifications[0])
	}
}
