// Package upstream is the HTTP client for the ZeroTwo backend: session
// refresh, security-token issuance, the chat streaming endpoint and the
// read-only thread lookup.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PoseidonLi0514/zero2api/internal/util"
)

// HTTPError is a failed upstream call carrying the status code and a bounded
// copy of the response body for classification.
type HTTPError struct {
	Op     string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: %d %s", e.Op, e.Status, util.TruncateLog(e.Body, 200))
}

// AsHTTPError unwraps an *HTTPError from an error chain.
func AsHTTPError(err error) (*HTTPError, bool) {
	var he *HTTPError
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}

// SessionTokens is a successful session refresh result. All fields are
// guaranteed non-zero; a partial refresh is rejected as an error.
type SessionTokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAtMs  int64
}

// SecurityTokens is a successful security-token issuance. Expiries are
// absolute, derived from the response's relative lifetimes.
type SecurityTokens struct {
	SignedToken       string
	CSRFToken         string
	SignedExpiresAtMs int64
	CSRFExpiresAtMs   int64
	FetchedAtMs       int64
}

// ChatCredentials is the full credential set the chat endpoint requires.
type ChatCredentials struct {
	AccessToken string
	SignedToken string
	CSRFToken   string
}

// Client talks to the ZeroTwo backend.
type Client struct {
	httpClient *http.Client
	authBase   string
	anonKey    string
	apiBase    string
	origin     string
	timeout    time.Duration
}

// NewClient creates an upstream client. timeout applies to the token and
// REST endpoints; the chat stream call uses the caller's context instead.
func NewClient(authBase, anonKey, apiBase, origin string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 0},
		authBase:   strings.TrimRight(authBase, "/"),
		anonKey:    anonKey,
		apiBase:    strings.TrimRight(apiBase, "/"),
		origin:     strings.TrimRight(origin, "/"),
		timeout:    timeout,
	}
}

// RefreshSession exchanges a refresh token for a new session. The refresh
// token is single-use: the returned value must overwrite the stored one.
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*SessionTokens, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"refresh_token": refreshToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.authBase+"/auth/v1/token?grant_type=refresh_token", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+c.anonKey)
	req.Header.Set("Content-Type", "application/json")

	status, respBody, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("session refresh: %w", err)
	}
	if status < 200 || status >= 300 {
		return nil, &HTTPError{Op: "session refresh", Status: status, Body: string(respBody)}
	}

	var parsed struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("session refresh: decode response: %w", err)
	}
	if parsed.AccessToken == "" {
		return nil, errors.New("session refresh: response missing access_token")
	}
	if parsed.RefreshToken == "" {
		return nil, errors.New("session refresh: response missing refresh_token")
	}
	if parsed.ExpiresAt == 0 {
		return nil, errors.New("session refresh: response missing expires_at")
	}
	return &SessionTokens{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		ExpiresAtMs:  parsed.ExpiresAt * 1000,
	}, nil
}

// SecurityTokens requests a fresh signed/CSRF token pair using a valid
// access token.
func (c *Client) SecurityTokens(ctx context.Context, accessToken string) (*SecurityTokens, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiBase+"/api/auth/security-tokens", nil)
	if err != nil {
		return nil, err
	}
	c.applyAPIHeaders(req, accessToken)

	status, respBody, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("security tokens: %w", err)
	}

	var parsed struct {
		Success              bool   `json:"success"`
		SignedToken          string `json:"signedToken"`
		CSRFToken            string `json:"csrfToken"`
		SignedTokenExpiresIn int64  `json:"signedTokenExpiresIn"`
		CSRFTokenExpiresIn   int64  `json:"csrfTokenExpiresIn"`
	}
	decodeErr := json.Unmarshal(respBody, &parsed)
	if status < 200 || status >= 300 || decodeErr != nil || !parsed.Success {
		return nil, &HTTPError{Op: "security tokens", Status: status, Body: string(respBody)}
	}
	if parsed.SignedToken == "" {
		return nil, errors.New("security tokens: response missing signedToken")
	}
	if parsed.CSRFToken == "" {
		return nil, errors.New("security tokens: response missing csrfToken")
	}
	if parsed.SignedTokenExpiresIn == 0 {
		return nil, errors.New("security tokens: response missing signedTokenExpiresIn")
	}
	if parsed.CSRFTokenExpiresIn == 0 {
		return nil, errors.New("security tokens: response missing csrfTokenExpiresIn")
	}
	now := time.Now().UnixMilli()
	return &SecurityTokens{
		SignedToken:       parsed.SignedToken,
		CSRFToken:         parsed.CSRFToken,
		SignedExpiresAtMs: now + parsed.SignedTokenExpiresIn*1000,
		CSRFExpiresAtMs:   now + parsed.CSRFTokenExpiresIn*1000,
		FetchedAtMs:       now,
	}, nil
}

// ChatStream posts the planned payload to the chat streaming endpoint and
// returns the open response for incremental consumption. Non-2xx responses
// are drained into an *HTTPError. The caller's context governs the stream
// lifetime; cancelling it aborts the upstream call.
func (c *Client) ChatStream(ctx context.Context, creds ChatCredentials, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("chat stream: encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiBase+"/api/ai/chat/stream", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.applyAPIHeaders(req, creds.AccessToken)
	req.Header.Set("x-csrf-token", creds.CSRFToken)
	req.Header.Set("x-signed-token", creds.SignedToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		return nil, &HTTPError{Op: "chat stream", Status: resp.StatusCode, Body: string(respBody)}
	}
	return resp, nil
}

// ThreadVectorStoreID looks up an existing thread's vector store id.
// Read-only: it never creates threads or vector stores. Returns "" when the
// thread has none.
func (c *Client) ThreadVectorStoreID(ctx context.Context, accessToken, threadID string) (string, error) {
	if threadID == "" {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	sel := url.QueryEscape("id,vector_store_id,rag_enabled")
	u := fmt.Sprintf("%s/rest/v1/threads?id=eq.%s&select=%s", c.authBase, url.QueryEscape(threadID), sel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+accessToken)

	status, respBody, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("thread lookup: %w", err)
	}
	if status < 200 || status >= 300 {
		return "", &HTTPError{Op: "thread lookup", Status: status, Body: string(respBody)}
	}
	var rows []struct {
		VectorStoreID string `json:"vector_store_id"`
	}
	if err := json.Unmarshal(respBody, &rows); err != nil || len(rows) == 0 {
		return "", nil
	}
	return rows[0].VectorStoreID, nil
}

func (c *Client) applyAPIHeaders(req *http.Request, accessToken string) {
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", c.origin)
	req.Header.Set("Referer", c.origin+"/")
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}
