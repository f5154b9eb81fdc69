// Package dispatch turns finalized utterances into copilot suggestions by
// calling the LLM service once per utterance.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/liveassist/copilot-gateway/internal/observability"
)

// SuggestionEvent is the LLM's answer to one utterance. Question echoes the
// triggering utterance's text so consumers can correlate responses that
// arrive out of utterance order.
type SuggestionEvent struct {
	Text      string
	Question  string
	SessionID string
}

// Result is one dispatch outcome: either a suggestion or a human-readable
// error message. A failed utterance is dropped, never retried; a stale
// question is not worth re-asking.
type Result struct {
	Suggestion *SuggestionEvent
	Err        string
}

// LLMClient is the chat-completion surface the dispatcher calls.
// *openai.Client satisfies it.
type LLMClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// NewGroqClient builds an OpenAI-protocol client pointed at Groq's
// compatible endpoint.
func NewGroqClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// Config holds dispatcher parameters.
type Config struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration // per-call deadline; a hung call must not stall the pipeline
	Resume      string        // contextual preamble, loaded once at startup
	SessionID   string
	Logger      zerolog.Logger
	Metrics     *observability.Metrics // optional
}

// Dispatcher invokes the LLM once per finalized utterance. Successive
// utterances are dispatched independently: a prior in-flight call never
// queues a new one, so results may arrive out of order.
type Dispatcher struct {
	cfg          Config
	client       LLMClient
	systemPrompt string

	results chan Result
	wg      sync.WaitGroup
}

// New creates a dispatcher.
func New(client LLMClient, cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 150
	}
	return &Dispatcher{
		cfg:          cfg,
		client:       client,
		systemPrompt: buildSystemPrompt(cfg.Resume),
		results:      make(chan Result, 16),
	}
}

// Results delivers dispatch outcomes in completion order.
func (d *Dispatcher) Results() <-chan Result {
	return d.results
}

// Dispatch issues one LLM call for the utterance text and returns without
// waiting for it. Empty text is ignored.
func (d *Dispatcher) Dispatch(text string) {
	question := strings.TrimSpace(text)
	if question == "" {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		if d.cfg.Metrics != nil {
			d.cfg.Metrics.RecordLLMStart()
		}

		suggestion, err := d.complete(question)
		if err != nil {
			if d.cfg.Metrics != nil {
				d.cfg.Metrics.RecordLLMEnd(false)
				d.cfg.Metrics.RecordError("llm_request_failed", "dispatch")
			}
			d.cfg.Logger.Error().Err(err).Str("question", question).Msg("LLM request failed")
			d.deliver(Result{Err: fmt.Sprintf("LLM error: %v", err)})
			return
		}

		if d.cfg.Metrics != nil {
			d.cfg.Metrics.RecordLLMEnd(true)
		}
		d.deliver(Result{Suggestion: &SuggestionEvent{
			Text:      suggestion,
			Question:  question,
			SessionID: d.cfg.SessionID,
		}})
	}()
}

// complete performs the single chat-completion call under the configured
// deadline.
func (d *Dispatcher) complete(question string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := d.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: d.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: d.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(
				"Interview question/discussion: %s\n\nProvide a brief, helpful response suggestion:", question)},
		},
		Temperature: float32(d.cfg.Temperature),
		MaxTokens:   d.cfg.MaxTokens,
		TopP:        0.9,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("LLM returned no choices")
	}

	d.cfg.Logger.Info().
		Dur("latency", time.Since(start)).
		Str("model", d.cfg.Model).
		Msg("LLM suggestion generated")

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (d *Dispatcher) deliver(r Result) {
	select {
	case d.results <- r:
	default:
		d.cfg.Logger.Warn().Msg("Result channel full, dropping dispatch outcome")
	}
}

// Close waits for in-flight calls and closes the result channel.
func (d *Dispatcher) Close() {
	d.wg.Wait()
	close(d.results)
}

// buildSystemPrompt embeds the candidate's background into the assistant
// instructions, mirroring what the copilot shows on screen: short,
// conversational answers drawn from the resume.
func buildSystemPrompt(resume string) string {
	return fmt.Sprintf(`You are an interview assistant helping a candidate respond effectively during a live interview.

The candidate's resume:
%s

Your role:
1. Analyze the interview question or discussion point
2. Provide a SHORT, conversational answer (2-3 sentences max)
3. Help the candidate respond naturally and confidently
4. Draw from the resume when relevant
5. Be concise - this is real-time assistance

Guidelines:
- Keep responses brief and to the point
- Use a natural, conversational tone
- Focus on key points from the resume
- Suggest specific examples when helpful
- Don't be overly formal`, resume)
}
