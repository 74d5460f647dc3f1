package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/PoseidonLi0514/zero2api/internal/proxy/monitor"
	"github.com/PoseidonLi0514/zero2api/internal/refresher"
	"github.com/PoseidonLi0514/zero2api/internal/store"
)

// ListAccountsHandler serves GET /admin/api/accounts.
func ListAccountsHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"accounts": st.List(time.Now().UnixMilli()),
		})
	}
}

// ImportAccountHandler serves POST /admin/api/accounts/import. The body
// carries the captured app-session bundle as a JSON string; isPro is optional
// and preserved from the existing record when omitted.
func ImportAccountHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			AppSession string `json:"appSession"`
			IsPro      *bool  `json:"isPro"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body", "invalid_request_error")
			return
		}
		if body.AppSession == "" {
			writeError(w, http.StatusBadRequest, "missing appSession", "invalid_request_error")
			return
		}
		var sess store.AppSession
		if err := json.Unmarshal([]byte(body.AppSession), &sess); err != nil {
			writeError(w, http.StatusBadRequest, "appSession is not valid JSON", "invalid_request_error")
			return
		}

		account, err := st.UpsertFromAppSession(&sess, body.IsPro)
		if err != nil {
			if errors.Is(err, store.ErrMissingRefreshToken) {
				writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error(), "server_error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":      true,
			"account": map[string]string{"id": account.ID},
		})
	}
}

// ToggleAccountHandler serves POST /admin/api/accounts/{id}/toggle.
func ToggleAccountHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		disabled, err := st.ToggleDisabled(chi.URLParam(r, "id"))
		if respondStoreErr(w, err) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "disabled": disabled})
	}
}

// ToggleProHandler serves POST /admin/api/accounts/{id}/toggle-pro.
func ToggleProHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		isPro, err := st.TogglePro(chi.URLParam(r, "id"))
		if respondStoreErr(w, err) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "isPro": isPro})
	}
}

// MaxInflightHandler serves POST /admin/api/accounts/{id}/max-inflight with
// body {"maxInflight": n}.
func MaxInflightHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			MaxInflight int `json:"maxInflight"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body", "invalid_request_error")
			return
		}
		if body.MaxInflight <= 0 {
			writeError(w, http.StatusBadRequest, "maxInflight must be positive", "invalid_request_error")
			return
		}
		if err := st.SetMaxInflight(chi.URLParam(r, "id"), body.MaxInflight); respondStoreErr(w, err) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "maxInflight": body.MaxInflight})
	}
}

// RefreshAccessHandler serves POST /admin/api/accounts/{id}/refresh-access:
// an unconditional session refresh.
func RefreshAccessHandler(ref *refresher.Refresher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := ref.ForceSession(r.Context(), chi.URLParam(r, "id")); err != nil {
			respondRefreshErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// RefreshSecurityHandler serves POST /admin/api/accounts/{id}/refresh-security:
// an unconditional security-token refresh that bypasses the auth cooldown.
func RefreshSecurityHandler(ref *refresher.Refresher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := ref.ForceSecurity(r.Context(), chi.URLParam(r, "id")); err != nil {
			respondRefreshErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// DeleteAccountHandler serves DELETE /admin/api/accounts/{id}. Deleting an
// unknown id succeeds.
func DeleteAccountHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := st.Delete(chi.URLParam(r, "id")); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "server_error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// LogsHandler serves GET /admin/api/logs?limit=&since=.
func LogsHandler(mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		since, _ := strconv.Atoi(r.URL.Query().Get("since"))
		writeJSON(w, http.StatusOK, map[string]any{"logs": mon.Logs(limit, since)})
	}
}

// StatsHandler serves GET /admin/api/stats.
func StatsHandler(mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, mon.Stats())
	}
}

// ClearLogsHandler serves POST /admin/api/logs/clear.
func ClearLogsHandler(mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := mon.Clear(); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "server_error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func respondRefreshErr(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "account not found", "invalid_request_error")
		return
	}
	writeError(w, http.StatusBadGateway, err.Error(), "server_error")
}

func respondStoreErr(w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "account not found", "invalid_request_error")
		return true
	}
	writeError(w, http.StatusInternalServerError, err.Error(), "server_error")
	return true
}
