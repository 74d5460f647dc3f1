// Package breaker tracks per-account failure state: exponential-backoff
// circuit breaking for ordinary failures and a separate, narrower cooldown
// for authentication rate limits that only blocks security-token refresh.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/PoseidonLi0514/zero2api/internal/store"
	"github.com/PoseidonLi0514/zero2api/internal/upstream"
	"github.com/PoseidonLi0514/zero2api/internal/util"
)

const reasonMaxLen = 140

// Options configure backoff and cooldown timing.
type Options struct {
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	BackoffMaxExp int

	Cooldown          time.Duration
	CooldownJitterMin time.Duration
	CooldownJitterMax time.Duration
}

// Breaker applies failure accounting to the store's runtime table.
type Breaker struct {
	store *store.Store
	opts  Options
}

// New creates a breaker over the store.
func New(st *store.Store, opts Options) *Breaker {
	return &Breaker{store: st, opts: opts}
}

// MarkFailure records a failure and opens the circuit with exponential
// backoff plus jitter. Authentication-rate-limit failures are excluded: they
// get a cooldown, not a circuit break, because retrying them on the standard
// backoff cadence makes the rate limiting worse.
func (b *Breaker) MarkFailure(id string, err error) {
	if IsAuthRateLimitError(err) {
		return
	}
	rt := b.store.Runtime(id)
	// The exponent comes from the post-increment count so concurrent
	// failures each arm the window for their own position in the sequence.
	failures := rt.RecordFailure(Summarize(err))
	exp := failures - 1
	if exp > b.opts.BackoffMaxExp {
		exp = b.opts.BackoffMaxExp
	}
	backoff := b.opts.BackoffBase << uint(exp)
	if backoff > b.opts.BackoffCap {
		backoff = b.opts.BackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(250 * time.Millisecond)))
	rt.OpenCircuit(time.Now().Add(backoff + jitter).UnixMilli())
}

// MarkSuccess clears failure state and closes the circuit.
func (b *Breaker) MarkSuccess(id string) {
	b.store.Runtime(id).Reset()
}

// ArmAuthCooldown blocks further security-token refreshes for the configured
// cooldown plus randomized jitter, and returns the cooldown deadline.
func (b *Breaker) ArmAuthCooldown(id string) int64 {
	jitterRange := b.opts.CooldownJitterMax - b.opts.CooldownJitterMin
	var jitter time.Duration
	if jitterRange > 0 {
		jitter = b.opts.CooldownJitterMin + time.Duration(rand.Int63n(int64(jitterRange)+1))
	}
	until := time.Now().Add(b.opts.Cooldown + jitter).UnixMilli()
	b.store.Runtime(id).SetAuthCooldown(until)
	return until
}

// IsAuthRateLimit reports whether a 429 response is specifically an
// authentication rate limit. The upstream has no machine-readable code for
// this; detection is a documented heuristic over the body text and the
// error/message fields of a JSON body.
func IsAuthRateLimit(status int, body string) bool {
	if status != 429 {
		return false
	}
	if strings.Contains(strings.ToLower(body), "authentication rate limit") {
		return true
	}
	var parsed struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if json.Unmarshal([]byte(body), &parsed) != nil {
		return false
	}
	msg := parsed.Message
	if len(parsed.Error) > 0 {
		var errStr string
		if json.Unmarshal(parsed.Error, &errStr) == nil {
			msg += " " + errStr
		} else {
			var errObj struct {
				Message string `json:"message"`
				Error   string `json:"error"`
			}
			if json.Unmarshal(parsed.Error, &errObj) == nil {
				msg += " " + errObj.Message + " " + errObj.Error
			}
		}
	}
	return strings.Contains(strings.ToLower(msg), "authentication rate limit")
}

// IsAuthRateLimitError applies IsAuthRateLimit to an error chain.
func IsAuthRateLimitError(err error) bool {
	he, ok := upstream.AsHTTPError(err)
	return ok && IsAuthRateLimit(he.Status, he.Body)
}

// IsAuthFailure reports a 401/403 upstream failure.
func IsAuthFailure(err error) bool {
	he, ok := upstream.AsHTTPError(err)
	return ok && (he.Status == 401 || he.Status == 403)
}

// Summarize classifies an error into a short human-readable circuit reason.
func Summarize(err error) string {
	if err == nil {
		return ""
	}
	if he, ok := upstream.AsHTTPError(err); ok {
		switch {
		case he.Status == 429 && IsAuthRateLimit(he.Status, he.Body):
			return withCode("authentication rate limited (429", he.Body)
		case he.Status == 429:
			return withCode("rate limited (429", he.Body)
		case he.Status == 401 || he.Status == 403:
			return fmt.Sprintf("auth failure (%d)", he.Status)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "request timeout/aborted"
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "timeout") || strings.Contains(lower, "abort") {
		return "request timeout/aborted"
	}
	return util.TruncateReason(msg, reasonMaxLen)
}

func withCode(prefix, body string) string {
	if code := errorCode(body); code != "" {
		return prefix + ", " + code + ")"
	}
	return prefix + ")"
}

// errorCode pulls a string code from `{code}` or `{error:{code}}` bodies.
func errorCode(body string) string {
	var parsed struct {
		Code  string `json:"code"`
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(body), &parsed) != nil {
		return ""
	}
	if parsed.Code != "" {
		return parsed.Code
	}
	return parsed.Error.Code
}
