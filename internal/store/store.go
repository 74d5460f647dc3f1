// Package store owns the durable account records and their in-memory runtime
// state. The accounts file is read once at startup and afterwards treated as
// a write-through cache: every mutation persists before it is considered
// durable.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ErrNotFound is returned for operations on unknown account ids.
var ErrNotFound = errors.New("account not found")

// ErrMissingRefreshToken rejects import bundles without a refresh token; an
// account without one can never authenticate and must not be accepted.
var ErrMissingRefreshToken = errors.New("app session is missing refresh_token")

type persistedFile struct {
	Accounts []*Account `json:"accounts"`
}

// Store is the credential store plus the runtime state table.
type Store struct {
	path               string
	defaultMaxInflight int

	mu       sync.RWMutex // guards accounts map and account fields
	accounts map[string]*Account

	rmu     sync.Mutex // guards the runtime map
	runtime map[string]*Runtime

	saveMu sync.Mutex // serializes file writes
}

// New creates a store backed by the given file.
func New(path string, defaultMaxInflight int) *Store {
	return &Store{
		path:               path,
		defaultMaxInflight: defaultMaxInflight,
		accounts:           make(map[string]*Account),
		runtime:            make(map[string]*Runtime),
	}
}

// DefaultMaxInflight returns the global per-account concurrency default.
func (s *Store) DefaultMaxInflight() int { return s.defaultMaxInflight }

// Load reads the accounts file. Records without a refresh token are invalid
// and dropped. A missing file is not an error.
func (s *Store) Load() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read accounts file: %w", err)
	}
	var file persistedFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse accounts file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	loaded := 0
	for _, a := range file.Accounts {
		if a == nil || a.ID == "" || a.RefreshToken == "" {
			continue
		}
		if a.Email == "" && a.AccessToken != "" {
			a.Email = emailFromJWT(a.AccessToken)
		}
		s.accounts[a.ID] = a
		loaded++
	}
	for id := range s.accounts {
		s.ensureRuntime(id)
	}
	log.Printf("📦 Loaded %d accounts from %s", loaded, s.path)
	return nil
}

// Save serializes the full account set. Writes go through a temp file and
// rename so a crash never leaves a torn accounts file, and through one mutex
// so two refreshes never interleave writes.
func (s *Store) Save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	file := persistedFile{Accounts: make([]*Account, 0, len(s.accounts))}
	for _, a := range s.accounts {
		file.Accounts = append(file.Accounts, a.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(file.Accounts, func(i, j int) bool { return file.Accounts[i].ID < file.Accounts[j].ID })

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write accounts file: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// UpsertFromAppSession imports an externally captured credential bundle,
// keyed by the bundle's user id (generated when absent). Locally managed
// state (Pro capability, disabled flag, security tokens, maxInflight
// override) survives re-import of the same id; pass isPro to set the flag
// explicitly. Re-importing does not re-enable a disabled account.
func (s *Store) UpsertFromAppSession(sess *AppSession, isPro *bool) (*Account, error) {
	if sess == nil || sess.RefreshToken == "" {
		return nil, ErrMissingRefreshToken
	}

	id := sess.User.ID
	if id == "" {
		id = "acct_" + uuid.NewString()
	}
	email := sess.User.Email
	if email == "" {
		email = sess.User.UserMetadata.Email
	}
	if email == "" {
		email = sess.User.UserMetadata.Mail
	}
	if email == "" && sess.AccessToken != "" {
		email = emailFromJWT(sess.AccessToken)
	}
	var expiresAtMs int64
	if sess.ExpiresAt > 0 {
		expiresAtMs = sess.ExpiresAt * 1000
	}

	s.mu.Lock()
	existing := s.accounts[id]
	a := &Account{
		ID:           id,
		Email:        email,
		UserID:       sess.User.ID,
		RefreshToken: sess.RefreshToken,
		AccessToken:  sess.AccessToken,
	}
	a.AccessExpiresAtMs = expiresAtMs
	if existing != nil {
		a.IsPro = existing.IsPro
		a.Disabled = existing.Disabled
		if a.Email == "" {
			a.Email = existing.Email
		}
		if a.AccessToken == "" {
			a.AccessToken = existing.AccessToken
			a.AccessExpiresAtMs = existing.AccessExpiresAtMs
		}
		a.Security = existing.Security.Clone()
		a.MaxInflight = existing.MaxInflight
	}
	if isPro != nil {
		a.IsPro = *isPro
	}
	s.accounts[id] = a
	out := a.Clone()
	s.mu.Unlock()

	s.ensureRuntime(id)
	if err := s.Save(); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns a deep copy of an account.
func (s *Store) Get(id string) (*Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// Delete removes an account and its runtime state. Unknown ids are a no-op.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	delete(s.accounts, id)
	s.mu.Unlock()

	s.rmu.Lock()
	delete(s.runtime, id)
	s.rmu.Unlock()

	return s.Save()
}

// All returns deep copies of every account.
func (s *Store) All() []*Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a.Clone())
	}
	return out
}

// AccountView is an account annotated with live runtime state for display.
type AccountView struct {
	ID                  string `json:"id"`
	Email               string `json:"email"`
	IsPro               bool   `json:"isPro"`
	Disabled            bool   `json:"disabled"`
	UserID              string `json:"userId"`
	AccessExpiresAtMs   int64  `json:"accessExpiresAtMs"`
	SignedExpiresAtMs   int64  `json:"signedExpiresAtMs"`
	CSRFExpiresAtMs     int64  `json:"csrfExpiresAtMs"`
	Inflight            int    `json:"inflight"`
	CircuitUntilMs      int64  `json:"circuitUntilMs"`
	AuthCooldownUntilMs int64  `json:"authSecurityCooldownUntilMs"`
	LastError           string `json:"lastError,omitempty"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	MaxInflight         int    `json:"maxInflight"`
}

// List returns all accounts sorted by id, annotated with runtime state.
// LastError is only reported while the circuit is open.
func (s *Store) List(nowMs int64) []AccountView {
	accounts := s.All()
	out := make([]AccountView, 0, len(accounts))
	for _, a := range accounts {
		snap := s.Runtime(a.ID).Snapshot()
		email := a.Email
		if email == "" && a.AccessToken != "" {
			email = emailFromJWT(a.AccessToken)
		}
		v := AccountView{
			ID:                  a.ID,
			Email:               email,
			IsPro:               a.IsPro,
			Disabled:            a.Disabled,
			UserID:              a.UserID,
			AccessExpiresAtMs:   a.AccessExpiresAtMs,
			Inflight:            snap.Inflight,
			CircuitUntilMs:      snap.CircuitUntilMs,
			AuthCooldownUntilMs: snap.AuthCooldownUntilMs,
			ConsecutiveFailures: snap.ConsecutiveFailures,
			MaxInflight:         a.EffectiveMaxInflight(s.defaultMaxInflight),
		}
		if a.Security != nil {
			v.SignedExpiresAtMs = a.Security.SignedExpiresAtMs
			v.CSRFExpiresAtMs = a.Security.CSRFExpiresAtMs
		}
		if snap.CircuitUntilMs > nowMs {
			v.LastError = snap.LastError
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateSession overwrites the session credentials after a refresh and
// persists immediately. The old refresh token is single-use; losing the new
// value is unrecoverable for the account without re-import.
func (s *Store) UpdateSession(id, accessToken, refreshToken string, expiresAtMs int64) error {
	s.mu.Lock()
	a, ok := s.accounts[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	a.AccessToken = accessToken
	a.RefreshToken = refreshToken
	a.AccessExpiresAtMs = expiresAtMs
	if a.Email == "" {
		a.Email = emailFromJWT(accessToken)
	}
	s.mu.Unlock()
	return s.Save()
}

// UpdateSecurity overwrites the security token pair and persists immediately.
func (s *Store) UpdateSecurity(id string, sec *Security) error {
	s.mu.Lock()
	a, ok := s.accounts[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	a.Security = sec.Clone()
	s.mu.Unlock()
	return s.Save()
}

// ClearSession drops the cached access token, forcing a refresh on next use.
func (s *Store) ClearSession(id string) error {
	s.mu.Lock()
	a, ok := s.accounts[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	a.AccessToken = ""
	a.AccessExpiresAtMs = 0
	s.mu.Unlock()
	return nil
}

// ClearSecurity drops the security token pair and persists.
func (s *Store) ClearSecurity(id string) error {
	s.mu.Lock()
	a, ok := s.accounts[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	a.Security = nil
	s.mu.Unlock()
	return s.Save()
}

// ToggleDisabled flips the disabled flag and persists. Returns the new value.
func (s *Store) ToggleDisabled(id string) (bool, error) {
	s.mu.Lock()
	a, ok := s.accounts[id]
	if !ok {
		s.mu.Unlock()
		return false, ErrNotFound
	}
	a.Disabled = !a.Disabled
	v := a.Disabled
	s.mu.Unlock()
	return v, s.Save()
}

// TogglePro flips the Pro capability flag and persists. Returns the new value.
func (s *Store) TogglePro(id string) (bool, error) {
	s.mu.Lock()
	a, ok := s.accounts[id]
	if !ok {
		s.mu.Unlock()
		return false, ErrNotFound
	}
	a.IsPro = !a.IsPro
	v := a.IsPro
	s.mu.Unlock()
	return v, s.Save()
}

// SetMaxInflight overrides the per-account concurrency cap and persists.
func (s *Store) SetMaxInflight(id string, max int) error {
	if max <= 0 {
		return fmt.Errorf("maxInflight must be positive, got %d", max)
	}
	s.mu.Lock()
	a, ok := s.accounts[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	a.MaxInflight = max
	s.mu.Unlock()
	return s.Save()
}

// Runtime returns the runtime state for an account, creating it lazily.
func (s *Store) Runtime(id string) *Runtime {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	rt, ok := s.runtime[id]
	if !ok {
		rt = &Runtime{}
		s.runtime[id] = rt
	}
	return rt
}

func (s *Store) ensureRuntime(id string) {
	s.rmu.Lock()
	if _, ok := s.runtime[id]; !ok {
		s.runtime[id] = &Runtime{}
	}
	s.rmu.Unlock()
}
