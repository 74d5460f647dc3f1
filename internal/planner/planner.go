// Package planner translates OpenAI-style chat requests into the upstream
// chat payload: provider/model parsing, system-message extraction,
// reasoning-effort normalization and the tracking envelope.
package planner

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultProvider is used when the request carries no provider hint.
	// Policy choice: no inference from the model string.
	DefaultProvider = "openai"
	// DefaultModel is used when the request names no model.
	DefaultModel = "gpt-5.2"
	// DefaultInstructions anchors requests without any system message.
	DefaultInstructions = "You are a helpful assistant."
)

// AnthropicThinkingBudgets is the fixed set of token budgets the
// Anthropic-compatible provider accepts in place of string effort levels.
var AnthropicThinkingBudgets = []int{1024, 4096, 10000, 16000}

// ChatRequest is the OpenAI-compatible request body. Every optional field is
// absent-by-default; no shape is assumed beyond what is checked here.
type ChatRequest struct {
	Model           string          `json:"model"`
	Provider        string          `json:"provider"`
	Messages        []ChatMessage   `json:"messages"`
	Stream          bool            `json:"stream"`
	StreamOptions   *StreamOptions  `json:"stream_options"`
	ReasoningEffort any             `json:"reasoning_effort"`
	Thinking        *Thinking       `json:"thinking"`
	ToolChoice      any             `json:"tool_choice"`
	Instructions    string          `json:"instructions"`
	Metadata        *Metadata       `json:"metadata"`
	ThreadID        string          `json:"thread_id"`
	ZeroTwoThreadID string          `json:"zerotwo_thread_id"`
}

// ChatMessage is one inbound message; content is either a string or a list
// of typed parts.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	ID      string          `json:"id"`
}

// StreamOptions mirrors the OpenAI streaming options.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// Thinking is the Anthropic-style thinking block, accepted for compatibility
// and folded into reasoning_effort; it is never forwarded upstream.
type Thinking struct {
	Type            string   `json:"type"`
	BudgetTokens    *float64 `json:"budget_tokens"`
	BudgetTokensAlt *float64 `json:"budgetTokens"`
}

// Metadata carries optional caller hints.
type Metadata struct {
	ThreadID       string `json:"threadId"`
	ThreadIDSnake  string `json:"thread_id"`
	VectorStoreID  string `json:"vectorStoreId"`
	VectorStoreIDS string `json:"vector_store_id"`
}

// Payload is the upstream chat request. Field order is stable; the upstream
// validates request bodies strictly.
type Payload struct {
	Provider        string           `json:"provider"`
	Model           string           `json:"model"`
	Messages        []PayloadMessage `json:"messages"`
	Instructions    string           `json:"instructions"`
	ToolChoice      any              `json:"tool_choice"`
	ReasoningEffort any              `json:"reasoning_effort"`
	ContextData     *ContextData     `json:"contextData"`
	FeatureID       string           `json:"featureId"`
	Tracking        Tracking         `json:"tracking"`
}

// PayloadMessage is one upstream message; content is always flattened text.
type PayloadMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	ID      string `json:"id"`
}

// ContextData is the nested request context. Its reasoning_effort is forced
// identical to the payload-level value before dispatch.
type ContextData struct {
	Mode                *Mode  `json:"mode"`
	ActiveAppID         any    `json:"active_app_id"`
	ActiveMCPServer     any    `json:"active_mcp_server"`
	IsHybridReasoning   bool   `json:"is_hybrid_reasoning"`
	ReasoningEffort     any    `json:"reasoning_effort"`
	ThreadVectorStoreID string `json:"thread_vector_store_id,omitempty"`
	VectorStoreID       string `json:"vector_store_id,omitempty"`
}

// Mode selects the upstream conversation mode.
type Mode struct {
	Type      string   `json:"type"`
	Retrieval []string `json:"retrieval"`
}

// Tracking is the upstream request envelope.
type Tracking struct {
	UserID    string `json:"userId"`
	ThreadID  string `json:"threadId,omitempty"`
	RequestID string `json:"requestId"`
	Timestamp string `json:"timestamp"`
}

// Plan is a fully built upstream request plus the routing facts derived from
// the inbound request.
type Plan struct {
	Provider     string
	Model        string
	Payload      *Payload
	Stream       bool
	IncludeUsage bool
	ThreadID     string
	// ProvidedThreadID is non-empty only when the caller supplied a thread id;
	// only then is a vector-store lookup attempted.
	ProvidedThreadID string
}

// NormalizeProvider lowercases the provider and fixes the common
// "authropic" misspelling. Empty input falls back to DefaultProvider.
func NormalizeProvider(provider string) string {
	p := strings.ToLower(strings.TrimSpace(provider))
	if p == "" {
		return DefaultProvider
	}
	if p == "authropic" {
		return "anthropic"
	}
	return p
}

// ParseProviderModel resolves the provider and model. A combined
// "provider/model" string treats only the first segment as the provider; the
// rest is rejoined as the model.
func ParseProviderModel(req *ChatRequest) (provider, model string) {
	requested := strings.TrimSpace(req.Model)
	provider = strings.TrimSpace(req.Provider)
	if provider == "" {
		provider = DefaultProvider
	}
	model = requested
	if model == "" {
		model = DefaultModel
	}
	if strings.Contains(requested, "/") {
		parts := strings.SplitN(requested, "/", 2)
		if parts[0] != "" {
			provider = parts[0]
		}
		if parts[1] != "" {
			model = parts[1]
		}
	}
	return NormalizeProvider(provider), model
}

// SplitModelEffort strips a trailing reasoning-effort suffix from a model
// name: "gpt-5.2-high" yields ("gpt-5.2", "high").
func SplitModelEffort(model string) (base, effort string) {
	for _, level := range []string{"low", "medium", "high"} {
		if suffix := "-" + level; strings.HasSuffix(model, suffix) {
			return strings.TrimSuffix(model, suffix), level
		}
	}
	return model, ""
}

// ExtractText flattens message content to plain text. String content passes
// through; part lists contribute their text/input_text parts joined with
// newlines. Anything else yields "".
func ExtractText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(content, &s) == nil {
		return s
	}
	var parts []struct {
		Type    string `json:"type"`
		Text    string `json:"text"`
		Content string `json:"content"`
	}
	if json.Unmarshal(content, &parts) != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		t := strings.ToLower(p.Type)
		if t != "text" && t != "input_text" {
			continue
		}
		text := p.Text
		if text == "" {
			text = p.Content
		}
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(text)
	}
	return b.String()
}

// NearestBudget maps a requested token count to the closest allowed budget.
func NearestBudget(v float64) int {
	best := AnthropicThinkingBudgets[0]
	bestDiff := abs(v - float64(best))
	for _, a := range AnthropicThinkingBudgets[1:] {
		if diff := abs(v - float64(a)); diff < bestDiff {
			best = a
			bestDiff = diff
		}
	}
	return best
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func effortToBudget(effort string) int {
	switch effort {
	case "none", "off", "disabled":
		return 0
	case "low", "minimal":
		return 1024
	case "medium":
		return 4096
	default: // high and anything unrecognized
		return 16000
	}
}

// NormalizeAnthropicEffort converts any requested effort (string level,
// numeric budget, or nothing) into the Anthropic provider's representation:
// an allowed numeric budget or the literal "off".
func NormalizeAnthropicEffort(value any) any {
	switch v := value.(type) {
	case nil:
		return 16000
	case float64:
		if v <= 0 {
			return "off"
		}
		return NearestBudget(v)
	case int:
		return NormalizeAnthropicEffort(float64(v))
	case string:
		s := strings.ToLower(strings.TrimSpace(v))
		if s == "" {
			return 16000
		}
		if s == "off" || s == "none" || s == "disabled" {
			return "off"
		}
		if n, err := strconv.Atoi(s); err == nil {
			if n <= 0 {
				return "off"
			}
			return NearestBudget(float64(n))
		}
		if budget := effortToBudget(s); budget > 0 {
			return NearestBudget(float64(budget))
		}
		return "off"
	default:
		return 16000
	}
}

// normalizeThinking folds an Anthropic thinking block into a reasoning
// effort, falling back to the request-level value.
func normalizeThinking(th *Thinking, fallback any) any {
	if th != nil {
		switch strings.ToLower(th.Type) {
		case "off", "disabled", "none":
			return "off"
		}
		budget := th.BudgetTokens
		if budget == nil {
			budget = th.BudgetTokensAlt
		}
		if budget != nil {
			return NormalizeAnthropicEffort(*budget)
		}
	}
	return NormalizeAnthropicEffort(fallback)
}

// ProvidedThreadID returns the caller-supplied thread id, if any.
func ProvidedThreadID(req *ChatRequest) string {
	candidates := []string{req.ZeroTwoThreadID, req.ThreadID}
	if req.Metadata != nil {
		candidates = append(candidates, req.Metadata.ThreadID, req.Metadata.ThreadIDSnake)
	}
	for _, c := range candidates {
		if c = strings.TrimSpace(c); c != "" {
			return c
		}
	}
	return ""
}

// VectorStoreHint returns the caller-supplied vector store id, if any.
func VectorStoreHint(req *ChatRequest) string {
	if req.Metadata == nil {
		return ""
	}
	if req.Metadata.VectorStoreID != "" {
		return req.Metadata.VectorStoreID
	}
	return req.Metadata.VectorStoreIDS
}

// Build translates the inbound request into an upstream plan for the given
// account. userID identifies the account in the tracking envelope.
func Build(req *ChatRequest, userID string) *Plan {
	provider, model := ParseProviderModel(req)

	// A reasoning suffix on the model name acts as the effort hint when the
	// request has no explicit reasoning_effort.
	base, suffixEffort := SplitModelEffort(model)
	if suffixEffort != "" {
		model = base
	}

	var systemParts []string
	messages := make([]PayloadMessage, 0, len(req.Messages)+1)
	lastRole := ""
	for _, m := range req.Messages {
		text := ExtractText(m.Content)
		if m.Role == "system" {
			if text != "" {
				systemParts = append(systemParts, text)
			}
			continue
		}
		if m.Role == "" {
			continue
		}
		lastRole = m.Role
		messages = append(messages, PayloadMessage{
			Role:    m.Role,
			Content: text,
			ID:      normalizeMessageID(m.ID),
		})
	}
	// The upstream anchors streamed output onto a trailing assistant message
	// id, so one is appended when the conversation does not end with one.
	if len(messages) == 0 || !strings.EqualFold(lastRole, "assistant") {
		messages = append(messages, PayloadMessage{
			Role: "assistant", Content: "", ID: uuid.NewString(),
		})
	}

	instructions := strings.TrimSpace(strings.Join(systemParts, "\n\n"))
	if instructions == "" {
		instructions = strings.TrimSpace(req.Instructions)
	}
	if instructions == "" {
		instructions = DefaultInstructions
	}

	requestedEffort := req.ReasoningEffort
	if requestedEffort == nil && suffixEffort != "" {
		requestedEffort = suffixEffort
	}
	if requestedEffort == nil {
		requestedEffort = "high"
	}

	var effort any
	if provider == "anthropic" {
		effort = normalizeThinking(req.Thinking, requestedEffort)
	} else if s, ok := requestedEffort.(string); ok {
		effort = s
	} else {
		effort = "high"
	}

	toolChoice := req.ToolChoice
	if toolChoice == nil {
		toolChoice = "auto"
	}

	providedThreadID := ProvidedThreadID(req)
	threadID := providedThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}

	payload := &Payload{
		Provider:        provider,
		Model:           model,
		Messages:        messages,
		Instructions:    instructions,
		ToolChoice:      toolChoice,
		ReasoningEffort: effort,
		ContextData: &ContextData{
			Mode:              &Mode{Type: "thread", Retrieval: nil},
			ActiveAppID:       nil,
			ActiveMCPServer:   nil,
			IsHybridReasoning: true,
			// Forced identical to the payload-level value; the upstream reads
			// both and they must never diverge.
			ReasoningEffort: effort,
		},
		FeatureID: "chat_stream",
		Tracking: Tracking{
			UserID:    userID,
			ThreadID:  threadID,
			RequestID: "req_" + uuid.NewString(),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	}

	includeUsage := true
	if !req.Stream {
		includeUsage = req.StreamOptions != nil && req.StreamOptions.IncludeUsage
	}

	return &Plan{
		Provider:         provider,
		Model:            model,
		Payload:          payload,
		Stream:           req.Stream,
		IncludeUsage:     includeUsage,
		ThreadID:         threadID,
		ProvidedThreadID: providedThreadID,
	}
}

// EnableRetrieval switches the plan into thread-retrieval mode against an
// existing vector store. It never creates one.
func (p *Plan) EnableRetrieval(vectorStoreID string) {
	if vectorStoreID == "" {
		return
	}
	cd := p.Payload.ContextData
	cd.ThreadVectorStoreID = vectorStoreID
	cd.VectorStoreID = vectorStoreID
	if cd.Mode == nil {
		cd.Mode = &Mode{Type: "thread"}
	}
	cd.Mode.Retrieval = []string{"thread"}
}

func normalizeMessageID(id string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	return uuid.NewString()
}
