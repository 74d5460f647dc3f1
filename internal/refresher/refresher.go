// Package refresher renews account credentials: the two-stage protocol of
// session refresh (rotating refresh token → access token) and security-token
// issuance (access token → signed/CSRF pair). Every refresh is single-flighted
// per account so N concurrent callers produce one upstream call and share its
// result.
package refresher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/PoseidonLi0514/zero2api/internal/breaker"
	"github.com/PoseidonLi0514/zero2api/internal/store"
	"github.com/PoseidonLi0514/zero2api/internal/upstream"
)

// ErrDisabled is returned for operations on administratively disabled accounts.
var ErrDisabled = errors.New("account is disabled")

// ErrAuthCooldown is returned when a security refresh is needed but the
// account is inside its authentication-rate-limit cooldown window. It must
// not open the general circuit.
var ErrAuthCooldown = errors.New("security refresh blocked by auth cooldown")

// Leeways are the remaining-lifetime thresholds below which each credential
// kind is renewed.
type Leeways struct {
	Access time.Duration
	Signed time.Duration
	CSRF   time.Duration
}

// Refresher drives credential renewal against the store.
type Refresher struct {
	store   *store.Store
	client  *upstream.Client
	breaker *breaker.Breaker
	leeways Leeways

	sessionGroup  singleflight.Group
	securityGroup singleflight.Group
}

// New creates a refresher.
func New(st *store.Store, client *upstream.Client, br *breaker.Breaker, leeways Leeways) *Refresher {
	return &Refresher{store: st, client: client, breaker: br, leeways: leeways}
}

// EnsureSession guarantees a usable access token, refreshing the session when
// the remaining lifetime is inside the access leeway. No-op when fresh.
func (r *Refresher) EnsureSession(ctx context.Context, id string) error {
	_, err, _ := r.sessionGroup.Do(id, func() (any, error) {
		a, ok := r.store.Get(id)
		if !ok {
			return nil, store.ErrNotFound
		}
		now := time.Now().UnixMilli()
		if a.AccessToken != "" && a.AccessExpiresAtMs-now > r.leeways.Access.Milliseconds() {
			return nil, nil
		}

		toks, err := r.client.RefreshSession(ctx, a.RefreshToken)
		if err != nil {
			return nil, err
		}
		// The rotated refresh token must be persisted before anyone uses the
		// session: the old value is already dead upstream.
		if err := r.store.UpdateSession(id, toks.AccessToken, toks.RefreshToken, toks.ExpiresAtMs); err != nil {
			return nil, fmt.Errorf("persist refreshed session: %w", err)
		}
		log.Printf("✅ Session refreshed for account %s (expires %s)", id,
			time.UnixMilli(toks.ExpiresAtMs).Format(time.RFC3339))
		return nil, nil
	})
	return err
}

// ForceSession drops the cached access token and refreshes unconditionally.
func (r *Refresher) ForceSession(ctx context.Context, id string) error {
	if err := r.store.ClearSession(id); err != nil {
		return err
	}
	return r.EnsureSession(ctx, id)
}

// EnsureSecurity guarantees a usable signed/CSRF pair, refreshing when the
// signed token is inside its leeway. Respects the auth cooldown.
func (r *Refresher) EnsureSecurity(ctx context.Context, id string) error {
	return r.ensureSecurity(ctx, id, false)
}

// ForceSecurity drops the cached pair and refreshes, bypassing the cooldown.
func (r *Refresher) ForceSecurity(ctx context.Context, id string) error {
	if err := r.store.ClearSecurity(id); err != nil {
		return err
	}
	return r.ensureSecurity(ctx, id, true)
}

func (r *Refresher) ensureSecurity(ctx context.Context, id string, force bool) error {
	_, err, _ := r.securityGroup.Do(id, func() (any, error) {
		a, ok := r.store.Get(id)
		if !ok {
			return nil, store.ErrNotFound
		}
		now := time.Now().UnixMilli()
		if sec := a.Security; sec != nil && sec.SignedToken != "" &&
			sec.SignedExpiresAtMs-now > r.leeways.Signed.Milliseconds() {
			return nil, nil
		}
		if !force && r.store.Runtime(id).InAuthCooldown(now) {
			return nil, ErrAuthCooldown
		}

		if a.AccessToken == "" || a.AccessExpiresAtMs-now <= r.leeways.Access.Milliseconds() {
			if err := r.EnsureSession(ctx, id); err != nil {
				return nil, err
			}
			if a, ok = r.store.Get(id); !ok {
				return nil, store.ErrNotFound
			}
		}

		sec, err := r.client.SecurityTokens(ctx, a.AccessToken)
		if err != nil {
			if breaker.IsAuthRateLimitError(err) {
				until := r.breaker.ArmAuthCooldown(id)
				log.Printf("🧊 Auth rate limit for account %s, security refresh cooling down until %s",
					id, time.UnixMilli(until).Format(time.RFC3339))
			}
			return nil, err
		}
		if err := r.store.UpdateSecurity(id, &store.Security{
			SignedToken:       sec.SignedToken,
			CSRFToken:         sec.CSRFToken,
			SignedExpiresAtMs: sec.SignedExpiresAtMs,
			CSRFExpiresAtMs:   sec.CSRFExpiresAtMs,
			FetchedAtMs:       sec.FetchedAtMs,
		}); err != nil {
			return nil, fmt.Errorf("persist security tokens: %w", err)
		}
		r.store.Runtime(id).ClearAuthCooldown()
		return nil, nil
	})
	return err
}

// EnsureReady is the composite precondition for a proxied request: account
// enabled, access token outside its leeway, security tokens outside theirs.
func (r *Refresher) EnsureReady(ctx context.Context, id string) error {
	a, ok := r.store.Get(id)
	if !ok {
		return store.ErrNotFound
	}
	if a.Disabled {
		return ErrDisabled
	}
	now := time.Now().UnixMilli()
	if a.AccessToken == "" || a.AccessExpiresAtMs-now <= r.leeways.Access.Milliseconds() {
		if err := r.EnsureSession(ctx, id); err != nil {
			return err
		}
	}
	if needed, _ := r.SecurityDue(a, now); needed {
		if err := r.EnsureSecurity(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// SessionDue reports whether the access token needs renewal and the absolute
// time (ms) at which it became due. A never-fetched token is due immediately.
func (r *Refresher) SessionDue(a *store.Account, nowMs int64) (bool, int64) {
	if a.AccessToken == "" {
		return true, math.MinInt64
	}
	dueAt := a.AccessExpiresAtMs - r.leeways.Access.Milliseconds()
	return dueAt <= nowMs, dueAt
}

// SecurityDue reports whether either security token needs renewal and the
// earliest due time.
func (r *Refresher) SecurityDue(a *store.Account, nowMs int64) (bool, int64) {
	sec := a.Security
	var signedDue, csrfDue int64 = math.MinInt64, math.MinInt64
	if sec != nil && sec.SignedToken != "" {
		signedDue = sec.SignedExpiresAtMs - r.leeways.Signed.Milliseconds()
	}
	if sec != nil && sec.CSRFToken != "" {
		csrfDue = sec.CSRFExpiresAtMs - r.leeways.CSRF.Milliseconds()
	}
	dueAt := signedDue
	if csrfDue < dueAt {
		dueAt = csrfDue
	}
	return signedDue <= nowMs || csrfDue <= nowMs, dueAt
}
