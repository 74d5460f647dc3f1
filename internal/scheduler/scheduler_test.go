package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PoseidonLi0514/zero2api/internal/breaker"
	"github.com/PoseidonLi0514/zero2api/internal/refresher"
	"github.com/PoseidonLi0514/zero2api/internal/store"
	"github.com/PoseidonLi0514/zero2api/internal/upstream"
)

type fixture struct {
	sched        *Scheduler
	store        *store.Store
	sessionCalls atomic.Int32
	sessionIDs   sync.Map // refresh token -> struct{}
}

func newFixture(t *testing.T, groupSize int) *fixture {
	t.Helper()
	f := &fixture{}

	mux := http.NewServeMux()
	var rotation atomic.Int32
	mux.HandleFunc("/auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		f.sessionCalls.Add(1)
		var body struct {
			RefreshToken string `json:"refresh_token"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.sessionIDs.Store(body.RefreshToken, struct{}{})
		n := rotation.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  fmt.Sprintf("at-%d", n),
			"refresh_token": fmt.Sprintf("next-%d", n),
			"expires_at":    time.Now().Add(time.Hour).Unix(),
		})
	})
	mux.HandleFunc("/api/auth/security-tokens", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success":              true,
			"signedToken":          "st",
			"csrfToken":            "ct",
			"signedTokenExpiresIn": 300,
			"csrfTokenExpiresIn":   3600,
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	st := store.New(filepath.Join(t.TempDir(), "accounts.json"), 8)
	client := upstream.NewClient(srv.URL, "anon", srv.URL, "https://origin.test", 5*time.Second)
	br := breaker.New(st, breaker.Options{
		BackoffBase: time.Second, BackoffCap: 30 * time.Second, BackoffMaxExp: 6,
		Cooldown: 10 * time.Minute, CooldownJitterMin: time.Second, CooldownJitterMax: 2 * time.Second,
	})
	ref := refresher.New(st, client, br, refresher.Leeways{
		Access: 20 * time.Minute, Signed: 3 * time.Minute, CSRF: 60 * time.Minute,
	})

	f.store = st
	f.sched = New(st, ref, br, Options{Tick: time.Hour, GroupSize: groupSize, MaxConcurrent: 2})
	return f
}

func (f *fixture) addAccount(t *testing.T, id string) {
	t.Helper()
	var sess store.AppSession
	sess.RefreshToken = "rt-" + id
	sess.User.ID = id
	if _, err := f.store.UpsertFromAppSession(&sess, nil); err != nil {
		t.Fatal(err)
	}
}

func TestSweepRefreshesExpiringAccounts(t *testing.T) {
	f := newFixture(t, 4)
	f.addAccount(t, "a")

	f.sched.Sweep(context.Background())

	a, _ := f.store.Get("a")
	if a.AccessToken == "" {
		t.Error("sweep should refresh the missing access token")
	}
	if a.Security == nil || a.Security.SignedToken != "st" {
		t.Error("sweep should fetch security tokens")
	}
}

func TestSweepSkipsFreshAccounts(t *testing.T) {
	f := newFixture(t, 4)
	f.addAccount(t, "a")
	f.sched.Sweep(context.Background())
	calls := f.sessionCalls.Load()

	f.sched.Sweep(context.Background())
	if f.sessionCalls.Load() != calls {
		t.Error("second sweep should be a no-op for fresh accounts")
	}
}

func TestSweepSkipsDisabledAndBroken(t *testing.T) {
	f := newFixture(t, 4)
	f.addAccount(t, "off")
	f.addAccount(t, "broken")
	if _, err := f.store.ToggleDisabled("off"); err != nil {
		t.Fatal(err)
	}
	f.store.Runtime("broken").OpenCircuit(time.Now().Add(time.Minute).UnixMilli())

	f.sched.Sweep(context.Background())
	if f.sessionCalls.Load() != 0 {
		t.Errorf("session calls = %d, want 0", f.sessionCalls.Load())
	}
}

func TestSweepHonorsGroupSize(t *testing.T) {
	f := newFixture(t, 2)
	for _, id := range []string{"a", "b", "c", "d"} {
		f.addAccount(t, id)
	}

	f.sched.Sweep(context.Background())
	if calls := f.sessionCalls.Load(); calls != 2 {
		t.Errorf("session calls = %d, want the group size cap of 2", calls)
	}
}

func TestSweepSkipsSecurityDuringCooldown(t *testing.T) {
	f := newFixture(t, 4)
	f.addAccount(t, "a")
	// Fresh session but missing security, while cooling down.
	if err := f.store.UpdateSession("a", "at", "rt", time.Now().Add(2*time.Hour).UnixMilli()); err != nil {
		t.Fatal(err)
	}
	f.store.Runtime("a").SetAuthCooldown(time.Now().Add(time.Minute).UnixMilli())

	f.sched.Sweep(context.Background())

	a, _ := f.store.Get("a")
	if a.Security != nil {
		t.Error("sweep must not fetch security tokens during the auth cooldown")
	}
}

func TestSweepOrdersByDueTime(t *testing.T) {
	f := newFixture(t, 1)
	f.addAccount(t, "later")
	f.addAccount(t, "sooner")
	now := time.Now()
	// Both inside the access leeway, "sooner" more overdue.
	if err := f.store.UpdateSession("later", "at", "rt-later", now.Add(15*time.Minute).UnixMilli()); err != nil {
		t.Fatal(err)
	}
	if err := f.store.UpdateSession("sooner", "at", "rt-sooner", now.Add(5*time.Minute).UnixMilli()); err != nil {
		t.Fatal(err)
	}
	// Fresh security on both so only the session due time drives ordering.
	sec := &store.Security{
		SignedToken: "st", CSRFToken: "ct",
		SignedExpiresAtMs: now.Add(2 * time.Hour).UnixMilli(),
		CSRFExpiresAtMs:   now.Add(3 * time.Hour).UnixMilli(),
	}
	if err := f.store.UpdateSecurity("later", sec); err != nil {
		t.Fatal(err)
	}
	if err := f.store.UpdateSecurity("sooner", sec); err != nil {
		t.Fatal(err)
	}

	f.sched.Sweep(context.Background())

	if _, ok := f.sessionIDs.Load("rt-sooner"); !ok {
		t.Error("the most overdue account should be refreshed first")
	}
	if _, ok := f.sessionIDs.Load("rt-later"); ok {
		t.Error("group size 1 should defer the less overdue account")
	}
}
