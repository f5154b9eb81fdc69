package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

// fakeLLM scripts chat-completion behavior per question text.
type fakeLLM struct {
	respond func(question string) (string, error)
	delay   func(question string) time.Duration
}

func (f *fakeLLM) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	question := req.Messages[len(req.Messages)-1].Content

	if f.delay != nil {
		select {
		case <-time.After(f.delay(question)):
		case <-ctx.Done():
			return openai.ChatCompletionResponse{}, ctx.Err()
		}
	}

	text, err := f.respond(question)
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: text}},
		},
	}, nil
}

func testDispatcherConfig() Config {
	return Config{
		Model:     "llama3-70b-8192",
		MaxTokens: 150,
		Timeout:   time.Second,
		Resume:    "Jane Doe, platform engineer",
		SessionID: "sess-test",
		Logger:    zerolog.Nop(),
	}
}

func TestDispatcher_EmitsSuggestionWithQuestionEcho(t *testing.T) {
	llm := &fakeLLM{respond: func(q string) (string, error) {
		return "Mention the Kafka migration.", nil
	}}
	d := New(llm, testDispatcherConfig())

	d.Dispatch("What have you built recently?")

	select {
	case r := <-d.Results():
		if r.Suggestion == nil {
			t.Fatalf("Expected a suggestion, got error %q", r.Err)
		}
		if r.Suggestion.Text != "Mention the Kafka migration." {
			t.Errorf("Unexpected suggestion text: %q", r.Suggestion.Text)
		}
		if r.Suggestion.Question != "What have you built recently?" {
			t.Errorf("Expected question echo, got %q", r.Suggestion.Question)
		}
		if r.Suggestion.SessionID != "sess-test" {
			t.Errorf("Expected session ID on event, got %q", r.Suggestion.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected a result")
	}
}

func TestDispatcher_FailureEmitsErrorEventAndContinues(t *testing.T) {
	calls := 0
	llm := &fakeLLM{respond: func(q string) (string, error) {
		calls++
		if strings.Contains(q, "first") {
			return "", errors.New("rate limit")
		}
		return "answer", nil
	}}
	d := New(llm, testDispatcherConfig())

	d.Dispatch("first question?")

	select {
	case r := <-d.Results():
		if r.Suggestion != nil {
			t.Fatal("Expected an error result")
		}
		if !strings.Contains(r.Err, "LLM error") {
			t.Errorf("Expected human-readable LLM error, got %q", r.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected a result")
	}

	// No retry: exactly one call was made for the failed utterance.
	if calls != 1 {
		t.Errorf("Expected 1 call (no retry), got %d", calls)
	}

	// The pipeline proceeds with the next utterance.
	d.Dispatch("second question?")
	select {
	case r := <-d.Results():
		if r.Suggestion == nil {
			t.Fatalf("Expected a suggestion for the next utterance, got %q", r.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected a result for the next utterance")
	}
}

func TestDispatcher_ConcurrentDispatchCorrelatesByQuestion(t *testing.T) {
	llm := &fakeLLM{
		respond: func(q string) (string, error) {
			if strings.Contains(q, "slow") {
				return "slow answer", nil
			}
			return "fast answer", nil
		},
		delay: func(q string) time.Duration {
			if strings.Contains(q, "slow") {
				return 50 * time.Millisecond
			}
			return 0
		},
	}
	d := New(llm, testDispatcherConfig())

	// The slow call is still in flight when the fast one is issued; both
	// run concurrently and may complete in either order.
	d.Dispatch("slow question?")
	d.Dispatch("fast question?")

	got := make(map[string]string)
	for i := 0; i < 2; i++ {
		select {
		case r := <-d.Results():
			if r.Suggestion == nil {
				t.Fatalf("Expected suggestions, got error %q", r.Err)
			}
			got[r.Suggestion.Question] = r.Suggestion.Text
		case <-time.After(time.Second):
			t.Fatal("Expected two results")
		}
	}

	for q, a := range map[string]string{"slow": "slow answer", "fast": "fast answer"} {
		found := false
		for question, answer := range got {
			if strings.Contains(question, q) {
				found = true
				if answer != a {
					t.Errorf("Question %q correlated with wrong answer %q", question, answer)
				}
			}
		}
		if !found {
			t.Errorf("Missing result for %q question", q)
		}
	}
}

func TestDispatcher_TimeoutFailsInsteadOfHanging(t *testing.T) {
	llm := &fakeLLM{
		respond: func(q string) (string, error) { return "too late", nil },
		delay:   func(q string) time.Duration { return time.Hour },
	}
	cfg := testDispatcherConfig()
	cfg.Timeout = 20 * time.Millisecond
	d := New(llm, cfg)

	d.Dispatch("anyone there?")

	select {
	case r := <-d.Results():
		if r.Suggestion != nil {
			t.Fatal("Expected timeout error result")
		}
		if !strings.Contains(r.Err, "LLM error") {
			t.Errorf("Expected LLM error message, got %q", r.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("Dispatch hung past its deadline")
	}
}

func TestDispatcher_EmptyUtteranceIgnored(t *testing.T) {
	llm := &fakeLLM{respond: func(q string) (string, error) {
		t.Error("LLM must not be called for empty text")
		return "", nil
	}}
	d := New(llm, testDispatcherConfig())

	d.Dispatch("   ")

	select {
	case r := <-d.Results():
		t.Fatalf("Unexpected result: %+v", r)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestDispatcher_SystemPromptCarriesResume(t *testing.T) {
	var gotSystem string
	llm := &fakeLLM{respond: func(q string) (string, error) { return "ok", nil }}
	d := New(llm, testDispatcherConfig())

	// Inspect the built prompt directly.
	gotSystem = d.systemPrompt
	if !strings.Contains(gotSystem, "Jane Doe, platform engineer") {
		t.Error("Expected resume text embedded in the system prompt")
	}
}
