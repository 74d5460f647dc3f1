package store

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "accounts.json"), 8)
}

func sampleSession(id string) *AppSession {
	var sess AppSession
	sess.AccessToken = "at-1"
	sess.RefreshToken = "rt-1"
	sess.ExpiresAt = 1_900_000_000
	sess.User.ID = id
	sess.User.Email = "user@example.com"
	return &sess
}

func TestUpsertFromAppSession(t *testing.T) {
	s := testStore(t)

	a, err := s.UpsertFromAppSession(sampleSession("u-1"), nil)
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if a.ID != "u-1" {
		t.Errorf("id = %q, want u-1", a.ID)
	}
	if a.Email != "user@example.com" {
		t.Errorf("email = %q", a.Email)
	}
	if a.AccessExpiresAtMs != 1_900_000_000_000 {
		t.Errorf("accessExpiresAtMs = %d, want seconds converted to ms", a.AccessExpiresAtMs)
	}
	if a.IsPro {
		t.Error("isPro should default to false")
	}
}

func TestUpsertGeneratesIDWhenMissing(t *testing.T) {
	s := testStore(t)
	sess := sampleSession("")
	a, err := s.UpsertFromAppSession(sess, nil)
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if a.ID == "" {
		t.Fatal("expected generated id")
	}
}

func TestUpsertRejectsMissingRefreshToken(t *testing.T) {
	s := testStore(t)
	sess := sampleSession("u-1")
	sess.RefreshToken = ""
	if _, err := s.UpsertFromAppSession(sess, nil); err != ErrMissingRefreshToken {
		t.Fatalf("err = %v, want ErrMissingRefreshToken", err)
	}
}

func TestReimportPreservesLocalFlags(t *testing.T) {
	s := testStore(t)
	pro := true
	if _, err := s.UpsertFromAppSession(sampleSession("u-1"), &pro); err != nil {
		t.Fatal(err)
	}
	if err := s.SetMaxInflight("u-1", 3); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateSecurity("u-1", &Security{SignedToken: "st", CSRFToken: "ct"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ToggleDisabled("u-1"); err != nil {
		t.Fatal(err)
	}

	// Re-import the same account without an isPro hint.
	fresh := sampleSession("u-1")
	fresh.RefreshToken = "rt-2"
	a, err := s.UpsertFromAppSession(fresh, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !a.IsPro {
		t.Error("isPro should survive re-import")
	}
	if !a.Disabled {
		t.Error("re-import must not re-enable a disabled account")
	}
	if a.MaxInflight != 3 {
		t.Errorf("maxInflight = %d, want 3", a.MaxInflight)
	}
	if a.Security == nil || a.Security.SignedToken != "st" {
		t.Error("security tokens should survive re-import")
	}
	if a.RefreshToken != "rt-2" {
		t.Errorf("refreshToken = %q, want the newly imported value", a.RefreshToken)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")

	s := New(path, 8)
	pro := true
	if _, err := s.UpsertFromAppSession(sampleSession("u-1"), &pro); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateSession("u-1", "at-2", "rt-2", 42_000); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateSecurity("u-1", &Security{
		SignedToken: "st", CSRFToken: "ct", SignedExpiresAtMs: 1, CSRFExpiresAtMs: 2, FetchedAtMs: 3,
	}); err != nil {
		t.Fatal(err)
	}

	s2 := New(path, 8)
	if err := s2.Load(); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	a, ok := s2.Get("u-1")
	if !ok {
		t.Fatal("account missing after reload")
	}
	if a.RefreshToken != "rt-2" || a.AccessToken != "at-2" || a.AccessExpiresAtMs != 42_000 {
		t.Errorf("session fields lost: %+v", a)
	}
	if !a.IsPro {
		t.Error("isPro lost across reload")
	}
	if a.Security == nil || a.Security.CSRFToken != "ct" {
		t.Error("security lost across reload")
	}
}

func TestLoadDropsRecordsWithoutRefreshToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	raw := `{"accounts":[
		{"id":"good","refreshToken":"rt"},
		{"id":"bad","refreshToken":""}
	]}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	s := New(path, 8)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Get("good"); !ok {
		t.Error("valid record should be loaded")
	}
	if _, ok := s.Get("bad"); ok {
		t.Error("record without refreshToken should be dropped")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := testStore(t)
	if _, err := s.UpsertFromAppSession(sampleSession("u-1"), nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("u-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("u-1"); err != nil {
		t.Errorf("second delete should succeed, got %v", err)
	}
	if err := s.Delete("never-existed"); err != nil {
		t.Errorf("deleting unknown id should succeed, got %v", err)
	}
}

func TestSetMaxInflightValidates(t *testing.T) {
	s := testStore(t)
	if _, err := s.UpsertFromAppSession(sampleSession("u-1"), nil); err != nil {
		t.Fatal(err)
	}
	if err := s.SetMaxInflight("u-1", 0); err == nil {
		t.Error("zero maxInflight should be rejected")
	}
	if err := s.SetMaxInflight("u-1", -2); err == nil {
		t.Error("negative maxInflight should be rejected")
	}
	if err := s.SetMaxInflight("missing", 5); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRuntimeAcquireRelease(t *testing.T) {
	rt := &Runtime{}
	if !rt.TryAcquire(2) || !rt.TryAcquire(2) {
		t.Fatal("two acquisitions under max should succeed")
	}
	if rt.TryAcquire(2) {
		t.Error("acquisition at max should fail")
	}
	rt.Release()
	if !rt.TryAcquire(2) {
		t.Error("acquisition after release should succeed")
	}
	rt.Release()
	rt.Release()
	rt.Release() // extra releases must not go negative
	if got := rt.Inflight(); got != 0 {
		t.Errorf("inflight = %d, want 0", got)
	}
}

func TestEmailFromJWT(t *testing.T) {
	claims := base64.RawURLEncoding.EncodeToString([]byte(`{"email":"jwt@example.com"}`))
	token := "header." + claims + ".sig"
	if got := emailFromJWT(token); got != "jwt@example.com" {
		t.Errorf("email = %q", got)
	}
	if got := emailFromJWT("not-a-jwt"); got != "" {
		t.Errorf("malformed token should yield empty email, got %q", got)
	}
}

func TestPersistedLayout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	s := New(path, 8)
	if _, err := s.UpsertFromAppSession(sampleSession("u-1"), nil); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var parsed struct {
		Accounts []map[string]any `json:"accounts"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("accounts file is not valid JSON: %v", err)
	}
	if len(parsed.Accounts) != 1 {
		t.Fatalf("accounts = %d, want 1", len(parsed.Accounts))
	}
	for _, key := range []string{"id", "email", "isPro", "disabled", "refreshToken", "accessToken", "accessExpiresAtMs"} {
		if _, ok := parsed.Accounts[0][key]; !ok {
			t.Errorf("persisted record missing %q", key)
		}
	}
}
