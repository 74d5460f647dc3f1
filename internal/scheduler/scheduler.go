// Package scheduler runs the proactive credential-renewal sweep: on every
// tick it refreshes the accounts closest to expiry so request paths rarely
// pay refresh latency.
package scheduler

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/PoseidonLi0514/zero2api/internal/breaker"
	"github.com/PoseidonLi0514/zero2api/internal/refresher"
	"github.com/PoseidonLi0514/zero2api/internal/store"
)

// Options bound the work done per sweep.
type Options struct {
	Tick time.Duration
	// GroupSize caps how many accounts one sweep touches; the most overdue
	// accounts go first, the rest wait for the next tick.
	GroupSize     int
	MaxConcurrent int
}

// Scheduler drives periodic refresh sweeps.
type Scheduler struct {
	store     *store.Store
	refresher *refresher.Refresher
	breaker   *breaker.Breaker
	opts      Options
}

// New creates a scheduler.
func New(st *store.Store, r *refresher.Refresher, br *breaker.Breaker, opts Options) *Scheduler {
	return &Scheduler{store: st, refresher: r, breaker: br, opts: opts}
}

// Run sweeps on every tick until the context is canceled. Sweeps never
// overlap: a slow sweep simply absorbs the next tick.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

type candidate struct {
	id           string
	needSession  bool
	needSecurity bool
	dueAt        int64
}

// Sweep selects the most overdue accounts and refreshes them, bounded by
// GroupSize and MaxConcurrent.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := time.Now().UnixMilli()

	var candidates []candidate
	for _, a := range s.store.All() {
		if a.Disabled {
			continue
		}
		rt := s.store.Runtime(a.ID)
		if rt.CircuitOpen(now) {
			continue
		}
		needSession, sessionDueAt := s.refresher.SessionDue(a, now)
		needSecurity, securityDueAt := s.refresher.SecurityDue(a, now)
		// A security refresh inside the auth cooldown would just trip the
		// rate limit again on the next tick.
		if needSecurity && rt.InAuthCooldown(now) {
			needSecurity = false
		}
		if !needSession && !needSecurity {
			continue
		}
		dueAt := securityDueAt
		if needSession && (!needSecurity || sessionDueAt < dueAt) {
			dueAt = sessionDueAt
		}
		candidates = append(candidates, candidate{a.ID, needSession, needSecurity, dueAt})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].dueAt < candidates[j].dueAt })
	if len(candidates) > s.opts.GroupSize {
		candidates = candidates[:s.opts.GroupSize]
	}
	if len(candidates) == 0 {
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.MaxConcurrent)
	for _, c := range candidates {
		c := c
		g.Go(func() error {
			s.refreshOne(ctx, c)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) refreshOne(ctx context.Context, c candidate) {
	if c.needSession {
		if err := s.refresher.EnsureSession(ctx, c.id); err != nil {
			s.recordFailure(c.id, "session", err)
			return
		}
	}
	if c.needSecurity {
		if err := s.refresher.EnsureSecurity(ctx, c.id); err != nil {
			s.recordFailure(c.id, "security", err)
			return
		}
	}
	s.breaker.MarkSuccess(c.id)
}

func (s *Scheduler) recordFailure(id, stage string, err error) {
	// Auth-rate-limit failures already armed their cooldown inside the
	// refresher; breaking the circuit for them would block chat traffic
	// over a condition that only affects security-token issuance.
	if errors.Is(err, refresher.ErrAuthCooldown) || breaker.IsAuthRateLimitError(err) {
		return
	}
	log.Printf("⚠️ Background %s refresh failed for account %s: %v", stage, id, err)
	s.breaker.MarkFailure(id, err)
}
