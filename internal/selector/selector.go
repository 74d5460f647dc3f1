// Package selector picks the least-loaded eligible account for each request
// and manages the inflight reservation around its use.
package selector

import (
	"errors"
	"math/rand"
	"time"

	"github.com/PoseidonLi0514/zero2api/internal/store"
)

// ErrNoAccount means no account survived filtering: everything disabled,
// circuit-broken, at its concurrency cap, or lacking the required tier.
// Callers surface it as a retryable service-unavailable condition, distinct
// from per-request upstream errors.
var ErrNoAccount = errors.New("no eligible account available")

// Selector scans the store for eligible accounts.
type Selector struct {
	store *store.Store
}

// New creates a selector over the store.
func New(st *store.Store) *Selector {
	return &Selector{store: st}
}

// Pick reserves a slot on the least-loaded eligible account and returns it
// together with a release function. The caller must call release exactly once
// on every exit path. Among minimum-inflight candidates the choice is uniform
// random, so light load does not always land on the first-listed account.
func (s *Selector) Pick(requirePro bool) (*store.Account, func(), error) {
	def := s.store.DefaultMaxInflight()
	for {
		now := time.Now().UnixMilli()
		type candidate struct {
			acc      *store.Account
			rt       *store.Runtime
			inflight int
			max      int
		}
		best := make([]candidate, 0, 4)
		bestInflight := int(^uint(0) >> 1)

		for _, a := range s.store.All() {
			if a.Disabled {
				continue
			}
			if requirePro && !a.IsPro {
				continue
			}
			rt := s.store.Runtime(a.ID)
			if rt.CircuitOpen(now) {
				continue
			}
			max := a.EffectiveMaxInflight(def)
			inflight := rt.Inflight()
			if inflight >= max {
				continue
			}
			switch {
			case inflight < bestInflight:
				bestInflight = inflight
				best = append(best[:0], candidate{a, rt, inflight, max})
			case inflight == bestInflight:
				best = append(best, candidate{a, rt, inflight, max})
			}
		}
		if len(best) == 0 {
			return nil, nil, ErrNoAccount
		}

		c := best[rand.Intn(len(best))]
		// The scan raced other requests; re-scan if the slot is gone.
		if !c.rt.TryAcquire(c.max) {
			continue
		}
		return c.acc, c.rt.Release, nil
	}
}

// RequiresPro reports whether a provider is restricted to Pro-tier accounts.
func RequiresPro(provider string) bool {
	return provider == "gemini" || provider == "anthropic"
}
