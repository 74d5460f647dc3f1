package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/PoseidonLi0514/zero2api/internal/breaker"
	"github.com/PoseidonLi0514/zero2api/internal/logging"
	"github.com/PoseidonLi0514/zero2api/internal/planner"
	"github.com/PoseidonLi0514/zero2api/internal/proxy/monitor"
	"github.com/PoseidonLi0514/zero2api/internal/refresher"
	"github.com/PoseidonLi0514/zero2api/internal/selector"
	"github.com/PoseidonLi0514/zero2api/internal/store"
	"github.com/PoseidonLi0514/zero2api/internal/translator"
	"github.com/PoseidonLi0514/zero2api/internal/upstream"
)

// ChatDeps bundles everything the chat handler needs.
type ChatDeps struct {
	Store     *store.Store
	Selector  *selector.Selector
	Refresher *refresher.Refresher
	Breaker   *breaker.Breaker
	Client    *upstream.Client
	Monitor   *monitor.Monitor

	MaxBodyBytes int64
}

// ChatHandler serves POST /v1/chat/completions: pick an account, make its
// credentials current, plan the upstream call and translate the event stream
// back into OpenAI output.
func ChatHandler(d ChatDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		r.Body = http.MaxBytesReader(w, r.Body, d.MaxBodyBytes)
		var req planner.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "invalid_request_error")
				return
			}
			writeError(w, http.StatusBadRequest, "invalid JSON body", "invalid_request_error")
			return
		}

		provider, _ := planner.ParseProviderModel(&req)
		modelLabel := req.Model
		if modelLabel == "" {
			modelLabel = planner.DefaultModel
		}

		entry := monitor.RequestLog{
			Method:   r.Method,
			URL:      r.URL.Path,
			Provider: provider,
			Model:    modelLabel,
			Stream:   req.Stream,
		}
		record := func(status int, errMsg string, usage *translator.Usage) {
			entry.Status = status
			entry.Duration = time.Since(start).Milliseconds()
			entry.Error = errMsg
			if usage != nil {
				entry.InputTokens = usage.PromptTokens
				entry.OutputTokens = usage.CompletionTokens
			}
			d.Monitor.Record(entry)
		}

		account, release, err := d.Selector.Pick(selector.RequiresPro(provider))
		if err != nil {
			record(http.StatusServiceUnavailable, err.Error(), nil)
			writeErrorCode(w, http.StatusServiceUnavailable, "no eligible account available", "server_error", "no_account_available")
			return
		}
		defer release()
		entry.AccountID = account.ID
		entry.AccountEmail = account.Email

		ctx := r.Context()
		if err := d.Refresher.EnsureReady(ctx, account.ID); err != nil {
			d.failAccount(account.ID, err)
			status := upstreamStatus(err)
			record(status, err.Error(), nil)
			writeError(w, status, "account credentials unavailable: "+breaker.Summarize(err), "server_error")
			return
		}

		// Re-read for the tokens EnsureReady may have rotated in.
		a, ok := d.Store.Get(account.ID)
		if !ok {
			record(http.StatusServiceUnavailable, store.ErrNotFound.Error(), nil)
			writeError(w, http.StatusServiceUnavailable, "account disappeared during request", "server_error")
			return
		}

		userID := a.UserID
		if userID == "" {
			userID = a.ID
		}
		plan := planner.Build(&req, userID)

		vectorStore := planner.VectorStoreHint(&req)
		if vectorStore == "" && plan.ProvidedThreadID != "" {
			vectorStore, a, err = d.lookupVectorStore(ctx, a, plan.ThreadID)
			if err != nil {
				d.failAccount(account.ID, err)
				status := upstreamStatus(err)
				record(status, err.Error(), nil)
				writeError(w, status, "thread lookup failed: "+breaker.Summarize(err), "server_error")
				return
			}
		}
		plan.EnableRetrieval(vectorStore)

		creds := upstream.ChatCredentials{AccessToken: a.AccessToken}
		if a.Security != nil {
			creds.SignedToken = a.Security.SignedToken
			creds.CSRFToken = a.Security.CSRFToken
		}
		resp, err := d.Client.ChatStream(ctx, creds, plan.Payload)
		if err != nil {
			d.failAccount(account.ID, err)
			status := upstreamStatus(err)
			record(status, err.Error(), nil)
			writeError(w, status, "upstream request failed: "+breaker.Summarize(err), "server_error")
			return
		}
		defer resp.Body.Close()

		t := translator.New(modelLabel)
		if plan.Stream {
			if err := t.Stream(resp.Body, w, plan.IncludeUsage); err != nil {
				// Headers are already on the wire; all that is left is to
				// account the failure.
				d.failAccount(account.ID, err)
				log.Printf("⚠️ [%s] Stream aborted for account %s: %v",
					logging.GetRequestID(ctx), account.ID, err)
				record(http.StatusOK, err.Error(), t.Usage())
				return
			}
			d.Breaker.MarkSuccess(account.ID)
			record(http.StatusOK, "", t.Usage())
			return
		}

		completion, err := t.Collect(resp.Body)
		if err != nil {
			d.failAccount(account.ID, err)
			if completion == nil {
				record(http.StatusBadGateway, err.Error(), t.Usage())
				writeError(w, http.StatusBadGateway, "upstream stream failed: "+breaker.Summarize(err), "server_error")
				return
			}
			// The upstream dropped mid-stream but content already arrived;
			// serve the partial answer.
			log.Printf("⚠️ [%s] Upstream dropped mid-stream for account %s, serving partial content: %v",
				logging.GetRequestID(ctx), account.ID, err)
			record(http.StatusOK, err.Error(), completion.Usage)
			writeJSON(w, http.StatusOK, completion)
			return
		}
		d.Breaker.MarkSuccess(account.ID)
		record(http.StatusOK, "", completion.Usage)
		writeJSON(w, http.StatusOK, completion)
	}
}

// lookupVectorStore reads the thread's existing vector store, retrying once
// after a forced session refresh when the access token is rejected.
func (d ChatDeps) lookupVectorStore(ctx context.Context, a *store.Account, threadID string) (string, *store.Account, error) {
	vs, err := d.Client.ThreadVectorStoreID(ctx, a.AccessToken, threadID)
	if err == nil {
		return vs, a, nil
	}
	if !breaker.IsAuthFailure(err) {
		return "", a, err
	}
	if err := d.Refresher.ForceSession(ctx, a.ID); err != nil {
		return "", a, err
	}
	fresh, ok := d.Store.Get(a.ID)
	if !ok {
		return "", a, store.ErrNotFound
	}
	vs, err = d.Client.ThreadVectorStoreID(ctx, fresh.AccessToken, threadID)
	return vs, fresh, err
}

// failAccount applies circuit accounting, excluding conditions that have
// their own cooldown path.
func (d ChatDeps) failAccount(id string, err error) {
	if errors.Is(err, refresher.ErrAuthCooldown) || breaker.IsAuthRateLimitError(err) {
		return
	}
	d.Breaker.MarkFailure(id, err)
}

// upstreamStatus maps an internal error to the client-facing status code.
func upstreamStatus(err error) int {
	if errors.Is(err, refresher.ErrAuthCooldown) {
		return http.StatusServiceUnavailable
	}
	if _, ok := upstream.AsHTTPError(err); ok {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
