// Package translator converts the upstream chat event stream into OpenAI
// Chat Completions output, either as a live SSE relay of
// chat.completion.chunk frames or as one aggregated chat.completion object.
package translator

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PoseidonLi0514/zero2api/internal/upstream"
)

// Usage is the OpenAI Chat Completions usage block. Detail structs are
// always populated so clients never need nil checks.
type Usage struct {
	PromptTokens            int                     `json:"prompt_tokens"`
	CompletionTokens        int                     `json:"completion_tokens"`
	TotalTokens             int                     `json:"total_tokens"`
	PromptTokensDetails     PromptTokensDetails     `json:"prompt_tokens_details"`
	CompletionTokensDetails CompletionTokensDetails `json:"completion_tokens_details"`
}

type PromptTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
	AudioTokens  int `json:"audio_tokens"`
}

type CompletionTokensDetails struct {
	ReasoningTokens          int `json:"reasoning_tokens"`
	AudioTokens              int `json:"audio_tokens"`
	AcceptedPredictionTokens int `json:"accepted_prediction_tokens"`
	RejectedPredictionTokens int `json:"rejected_prediction_tokens"`
}

// ChunkDelta carries the incremental content of one streamed chunk.
// Reasoning is a non-standard extension; clients that only read content
// ignore it.
type ChunkDelta struct {
	Content   string `json:"content,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// Chunk is one streamed chat.completion.chunk frame.
type Chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// Message is the aggregated assistant message.
type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Reasoning string `json:"reasoning,omitempty"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Completion is the aggregated non-streaming response.
type Completion struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// event is the upstream frame shape. Only the fields read here are declared;
// unknown entities pass through untouched.
type event struct {
	Entity string `json:"entity"`
	Status string `json:"status"`
	V      struct {
		Delta struct {
			Text      string `json:"text"`
			Reasoning string `json:"reasoning"`
		} `json:"delta"`
		Usage json.RawMessage `json:"usage"`
	} `json:"v"`
}

// Translator consumes one upstream response stream. Not safe for concurrent
// use; create one per request.
type Translator struct {
	id      string
	model   string
	created int64

	content   strings.Builder
	reasoning strings.Builder
	usage     *Usage
	finished  bool
}

// New creates a translator labeling its output with the given model name.
func New(model string) *Translator {
	return &Translator{
		id:      "chatcmpl_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		model:   model,
		created: time.Now().Unix(),
	}
}

// Finished reports whether the upstream signaled stream completion. Its
// absence is tolerated; aggregation still returns whatever arrived.
func (t *Translator) Finished() bool { return t.finished }

// Usage returns the normalized usage block, or nil when none arrived.
func (t *Translator) Usage() *Usage { return t.usage }

// Stream relays the upstream body to the client as SSE chunk frames and
// terminates with a finish chunk, an optional usage chunk, and [DONE].
// Returns an error only when the upstream read or the client write fails;
// by then headers are already sent, so the caller can only log it.
func (t *Translator) Stream(body io.Reader, w http.ResponseWriter, includeUsage bool) error {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	err := t.consume(body, func(delta ChunkDelta) error {
		stop := (*string)(nil)
		chunk := Chunk{
			ID: t.id, Object: "chat.completion.chunk", Created: t.created, Model: t.model,
			Choices: []ChunkChoice{{Index: 0, Delta: delta, FinishReason: stop}},
		}
		return writeSSE(w, flusher, chunk)
	})
	if err != nil {
		return err
	}

	stop := "stop"
	final := Chunk{
		ID: t.id, Object: "chat.completion.chunk", Created: t.created, Model: t.model,
		Choices: []ChunkChoice{{Index: 0, Delta: ChunkDelta{}, FinishReason: &stop}},
	}
	if err := writeSSE(w, flusher, final); err != nil {
		return err
	}
	if includeUsage && t.usage != nil {
		usageChunk := Chunk{
			ID: t.id, Object: "chat.completion.chunk", Created: t.created, Model: t.model,
			Choices: []ChunkChoice{}, Usage: t.usage,
		}
		if err := writeSSE(w, flusher, usageChunk); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}

// Collect drains the upstream body and returns the aggregated completion.
// When the upstream drops mid-stream after content has accumulated, the
// completion built from what arrived is returned alongside the error so the
// caller can serve a partial answer instead of a bare failure. A failure
// before any content yields a nil completion.
func (t *Translator) Collect(body io.Reader) (*Completion, error) {
	err := t.consume(body, nil)
	if err != nil && t.content.Len() == 0 && t.reasoning.Len() == 0 {
		return nil, err
	}
	return &Completion{
		ID: t.id, Object: "chat.completion", Created: t.created, Model: t.model,
		Choices: []Choice{{
			Index: 0,
			Message: Message{
				Role:      "assistant",
				Content:   t.content.String(),
				Reasoning: t.reasoning.String(),
			},
			FinishReason: "stop",
		}},
		Usage: t.usage,
	}, err
}

// consume feeds the body through the frame scanner and dispatches events.
// onDelta is nil in aggregate mode.
func (t *Translator) consume(body io.Reader, onDelta func(ChunkDelta) error) error {
	var scanner upstream.FrameScanner
	buf := make([]byte, 16*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			scanner.Feed(buf[:n])
			for {
				data, ok := scanner.Next()
				if !ok {
					break
				}
				if err := t.handle(data, onDelta); err != nil {
					return err
				}
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read upstream stream: %w", readErr)
		}
	}
}

func (t *Translator) handle(data string, onDelta func(ChunkDelta) error) error {
	var ev event
	// Malformed frames are skipped, not fatal.
	if json.Unmarshal([]byte(data), &ev) != nil {
		return nil
	}
	switch {
	case ev.Entity == "message.content" && ev.Status == "delta":
		if text := ev.V.Delta.Text; text != "" {
			t.content.WriteString(text)
			if onDelta != nil {
				return onDelta(ChunkDelta{Content: text})
			}
		}
	case ev.Entity == "message.thinking" && ev.Status == "delta":
		if r := ev.V.Delta.Reasoning; r != "" {
			t.reasoning.WriteString(r)
			if onDelta != nil {
				return onDelta(ChunkDelta{Reasoning: r})
			}
		}
	case ev.Entity == "message" && ev.Status == "completed":
		t.usage = NormalizeUsage(ev.V.Usage)
	case ev.Entity == "stream" && ev.Status == "completed":
		t.finished = true
	}
	return nil
}

func writeSSE(w io.Writer, flusher http.Flusher, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}

// rawUsage accepts both the OpenAI-shaped and the Anthropic-shaped usage
// blocks the upstream emits, depending on the provider behind the thread.
type rawUsage struct {
	PromptTokens         *float64 `json:"prompt_tokens"`
	InputTokens          *float64 `json:"input_tokens"`
	CompletionTokens     *float64 `json:"completion_tokens"`
	OutputTokens         *float64 `json:"output_tokens"`
	TotalTokens          float64  `json:"total_tokens"`
	ReasoningTokens      *float64 `json:"reasoning_tokens"`
	CachedTokens         *float64 `json:"cached_tokens"`
	CacheReadInputTokens *float64 `json:"cache_read_input_tokens"`
	PromptTokensDetails  struct {
		CachedTokens *float64 `json:"cached_tokens"`
		AudioTokens  float64  `json:"audio_tokens"`
	} `json:"prompt_tokens_details"`
	CompletionTokensDetails struct {
		ReasoningTokens          *float64 `json:"reasoning_tokens"`
		AudioTokens              float64  `json:"audio_tokens"`
		AcceptedPredictionTokens float64  `json:"accepted_prediction_tokens"`
		RejectedPredictionTokens float64  `json:"rejected_prediction_tokens"`
	} `json:"completion_tokens_details"`
}

// NormalizeUsage maps an upstream usage block onto the OpenAI structure.
// Missing counters become zero; total is derived when absent.
func NormalizeUsage(raw json.RawMessage) *Usage {
	var u rawUsage
	if len(raw) > 0 {
		// Unparseable usage degrades to all-zero counters.
		_ = json.Unmarshal(raw, &u)
	}

	prompt := firstInt(u.PromptTokens, u.InputTokens)
	completion := firstInt(u.CompletionTokens, u.OutputTokens)
	total := int(u.TotalTokens)
	if total == 0 {
		total = prompt + completion
	}

	return &Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
		PromptTokensDetails: PromptTokensDetails{
			CachedTokens: firstInt(u.PromptTokensDetails.CachedTokens, u.CachedTokens, u.CacheReadInputTokens),
			AudioTokens:  int(u.PromptTokensDetails.AudioTokens),
		},
		CompletionTokensDetails: CompletionTokensDetails{
			ReasoningTokens:          firstInt(u.CompletionTokensDetails.ReasoningTokens, u.ReasoningTokens),
			AudioTokens:              int(u.CompletionTokensDetails.AudioTokens),
			AcceptedPredictionTokens: int(u.CompletionTokensDetails.AcceptedPredictionTokens),
			RejectedPredictionTokens: int(u.CompletionTokensDetails.RejectedPredictionTokens),
		},
	}
}

func firstInt(candidates ...*float64) int {
	for _, c := range candidates {
		if c != nil {
			return int(*c)
		}
	}
	return 0
}
