package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/PoseidonLi0514/zero2api/internal/store"
)

func adminRouter(t *testing.T) (*chi.Mux, *store.Store) {
	t.Helper()
	st := store.New(filepath.Join(t.TempDir(), "accounts.json"), 8)

	r := chi.NewRouter()
	r.Get("/admin/api/accounts", ListAccountsHandler(st))
	r.Post("/admin/api/accounts/import", ImportAccountHandler(st))
	r.Post("/admin/api/accounts/{id}/toggle", ToggleAccountHandler(st))
	r.Post("/admin/api/accounts/{id}/toggle-pro", ToggleProHandler(st))
	r.Post("/admin/api/accounts/{id}/max-inflight", MaxInflightHandler(st))
	r.Delete("/admin/api/accounts/{id}", DeleteAccountHandler(st))
	return r, st
}

func adminDo(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func importBody(t *testing.T, id string, isPro *bool) string {
	t.Helper()
	sess := map[string]any{
		"access_token":  "",
		"refresh_token": "rt-" + id,
		"expires_at":    0,
		"user":          map[string]any{"id": id, "email": id + "@example.com"},
	}
	raw, _ := json.Marshal(sess)
	body := map[string]any{"appSession": string(raw)}
	if isPro != nil {
		body["isPro"] = *isPro
	}
	out, _ := json.Marshal(body)
	return string(out)
}

func TestImportAndList(t *testing.T) {
	r, st := adminRouter(t)
	pro := true

	rec := adminDo(r, http.MethodPost, "/admin/api/accounts/import", importBody(t, "u-1", &pro))
	if rec.Code != http.StatusOK {
		t.Fatalf("import status = %d, body = %s", rec.Code, rec.Body.String())
	}
	a, ok := st.Get("u-1")
	if !ok || !a.IsPro {
		t.Fatalf("account = %+v", a)
	}

	rec = adminDo(r, http.MethodGet, "/admin/api/accounts", "")
	var got struct {
		Accounts []store.AccountView `json:"accounts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Accounts) != 1 || got.Accounts[0].Email != "u-1@example.com" {
		t.Fatalf("accounts = %+v", got.Accounts)
	}
}

func TestImportValidation(t *testing.T) {
	r, _ := adminRouter(t)

	if rec := adminDo(r, http.MethodPost, "/admin/api/accounts/import", `{not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body: status = %d", rec.Code)
	}
	if rec := adminDo(r, http.MethodPost, "/admin/api/accounts/import", `{"appSession":""}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty appSession: status = %d", rec.Code)
	}
	if rec := adminDo(r, http.MethodPost, "/admin/api/accounts/import", `{"appSession":"{not json"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unparseable appSession: status = %d", rec.Code)
	}
	// App session without refresh_token is rejected.
	noRT := `{"appSession":"{\"access_token\":\"at\",\"user\":{\"id\":\"x\"}}"}`
	if rec := adminDo(r, http.MethodPost, "/admin/api/accounts/import", noRT); rec.Code != http.StatusBadRequest {
		t.Errorf("missing refresh_token: status = %d", rec.Code)
	}
}

func TestToggleEndpoints(t *testing.T) {
	r, st := adminRouter(t)
	adminDo(r, http.MethodPost, "/admin/api/accounts/import", importBody(t, "u-1", nil))

	rec := adminDo(r, http.MethodPost, "/admin/api/accounts/u-1/toggle", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("toggle status = %d", rec.Code)
	}
	if a, _ := st.Get("u-1"); !a.Disabled {
		t.Error("account should be disabled after toggle")
	}

	rec = adminDo(r, http.MethodPost, "/admin/api/accounts/u-1/toggle-pro", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("toggle-pro status = %d", rec.Code)
	}
	if a, _ := st.Get("u-1"); !a.IsPro {
		t.Error("account should be Pro after toggle-pro")
	}

	if rec := adminDo(r, http.MethodPost, "/admin/api/accounts/nope/toggle", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id: status = %d, want 404", rec.Code)
	}
}

func TestMaxInflightEndpoint(t *testing.T) {
	r, st := adminRouter(t)
	adminDo(r, http.MethodPost, "/admin/api/accounts/import", importBody(t, "u-1", nil))

	rec := adminDo(r, http.MethodPost, "/admin/api/accounts/u-1/max-inflight", `{"maxInflight":3}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if a, _ := st.Get("u-1"); a.MaxInflight != 3 {
		t.Errorf("maxInflight = %d", a.MaxInflight)
	}

	if rec := adminDo(r, http.MethodPost, "/admin/api/accounts/u-1/max-inflight", `{"maxInflight":0}`); rec.Code != http.StatusBadRequest {
		t.Errorf("zero cap: status = %d", rec.Code)
	}
}

func TestDeleteEndpoint(t *testing.T) {
	r, st := adminRouter(t)
	adminDo(r, http.MethodPost, "/admin/api/accounts/import", importBody(t, "u-1", nil))

	if rec := adminDo(r, http.MethodDelete, "/admin/api/accounts/u-1", ""); rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if _, ok := st.Get("u-1"); ok {
		t.Error("account should be gone")
	}
	// Idempotent.
	if rec := adminDo(r, http.MethodDelete, "/admin/api/accounts/u-1", ""); rec.Code != http.StatusOK {
		t.Errorf("second delete status = %d", rec.Code)
	}
}
