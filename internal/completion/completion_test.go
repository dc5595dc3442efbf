package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/MrWong99/chatrelay/internal/chatmode"
	"github.com/MrWong99/chatrelay/pkg/provider/llm"
	llmmock "github.com/MrWong99/chatrelay/pkg/provider/llm/mock"
	"github.com/MrWong99/chatrelay/pkg/store"
)

var testMode = chatmode.Mode{Key: "assistant", Name: "General Assistant", PromptStart: "You are a helpful assistant."}

func turns(n int) []store.Turn {
	out := make([]store.Turn, n)
	for i := range out {
		out[i] = store.Turn{User: fmt.Sprintf("q%d", i), Bot: fmt.Sprintf("a%d", i)}
	}
	return out
}

// countMessages makes every message cost 10 tokens.
func countMessages(msgs []llm.Message) int { return 10 * len(msgs) }

func TestBuildMessages(t *testing.T) {
	t.Parallel()
	msgs := BuildMessages("new", turns(2))
	want := []llm.Message{
		{Role: llm.RoleUser, Content: "q0"},
		{Role: llm.RoleAssistant, Content: "a0"},
		{Role: llm.RoleUser, Content: "q1"},
		{Role: llm.RoleAssistant, Content: "a1"},
		{Role: llm.RoleUser, Content: "new"},
	}
	if len(msgs) != len(want) {
		t.Fatalf("len = %d, want %d", len(msgs), len(want))
	}
	for i := range want {
		if msgs[i] != want[i] {
			t.Errorf("msgs[%d] = %+v, want %+v", i, msgs[i], want[i])
		}
	}
}

func TestComplete_FitsWithoutTruncation(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{
		CompleteResponse:  &llm.CompletionResponse{Content: "  Hello!\n", Usage: llm.Usage{PromptTokens: 40, CompletionTokens: 5}},
		CountTokensFunc:   countMessages,
		ModelCapabilities: llm.ModelCapabilities{ContextWindow: 1000, MaxOutputTokens: 100},
	}
	c := New(p, WithTemperature(0.3))

	res, err := c.Complete(context.Background(), "hi", turns(1), testMode)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Answer != "Hello!" {
		t.Errorf("Answer = %q, want trimmed", res.Answer)
	}
	if res.UsedTokens != 45 {
		t.Errorf("UsedTokens = %d, want 45", res.UsedTokens)
	}
	if res.RemovedMessages != 0 {
		t.Errorf("RemovedMessages = %d, want 0", res.RemovedMessages)
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("Complete calls = %d, want 1", len(calls))
	}
	req := calls[0].Req
	if req.SystemPrompt != testMode.PromptStart {
		t.Errorf("SystemPrompt = %q", req.SystemPrompt)
	}
	if len(req.Messages) != 3 {
		t.Errorf("messages = %d, want 3", len(req.Messages))
	}
	if req.MaxTokens != 100 || req.Temperature != 0.3 {
		t.Errorf("MaxTokens = %d, Temperature = %v", req.MaxTokens, req.Temperature)
	}
}

func TestComplete_TruncatesOldestTurnsToBudget(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		budget      int
		history     int
		wantRemoved int
	}{
		// system + 2*turns + 1; each message costs 10.
		{"fits", 200, 5, 0},
		{"drops two", 80, 5, 2},
		{"drops all", 20, 3, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := &llmmock.Provider{
				CompleteResponse:  &llm.CompletionResponse{Content: "ok", Usage: llm.Usage{TotalTokens: 1}},
				CountTokensFunc:   countMessages,
				ModelCapabilities: llm.ModelCapabilities{ContextWindow: tt.budget + 50, MaxOutputTokens: 50},
			}
			hist := turns(tt.history)
			res, err := New(p).Complete(context.Background(), "new", hist, testMode)
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			if res.RemovedMessages != tt.wantRemoved {
				t.Errorf("RemovedMessages = %d, want %d", res.RemovedMessages, tt.wantRemoved)
			}
			msgs := p.Calls()[0].Req.Messages
			if want := 2*(tt.history-tt.wantRemoved) + 1; len(msgs) != want {
				t.Fatalf("messages = %d, want %d", len(msgs), want)
			}
			if tt.wantRemoved < tt.history && msgs[0].Content != fmt.Sprintf("q%d", tt.wantRemoved) {
				t.Errorf("first kept message = %q, oldest turns must go first", msgs[0].Content)
			}
			if len(hist) != tt.history {
				t.Error("caller's history slice was modified")
			}
		})
	}
}

func TestComplete_RetriesOnContextLengthError(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{
		CompleteFunc: func(call int, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			if call < 2 {
				return nil, fmt.Errorf("openai: %w", llm.ErrContextLengthExceeded)
			}
			return &llm.CompletionResponse{Content: "finally", Usage: llm.Usage{TotalTokens: 7}}, nil
		},
		TokenCount:        1,
		ModelCapabilities: llm.ModelCapabilities{ContextWindow: 1000, MaxOutputTokens: 10},
	}
	res, err := New(p).Complete(context.Background(), "new", turns(3), testMode)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.RemovedMessages != 2 {
		t.Errorf("RemovedMessages = %d, want 2", res.RemovedMessages)
	}
	if res.Answer != "finally" || res.UsedTokens != 7 {
		t.Errorf("res = %+v", res)
	}
	if n := len(p.Calls()); n != 3 {
		t.Errorf("Complete calls = %d, want 3", n)
	}
}

func TestComplete_ContextTooLongWithoutHistory(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{
		CompleteErr:       llm.ErrContextLengthExceeded,
		TokenCount:        1,
		ModelCapabilities: llm.ModelCapabilities{ContextWindow: 1000, MaxOutputTokens: 10},
	}
	_, err := New(p).Complete(context.Background(), strings.Repeat("x", 100), turns(2), testMode)
	if !errors.Is(err, ErrContextTooLong) {
		t.Fatalf("err = %v, want ErrContextTooLong", err)
	}
	if n := len(p.Calls()); n != 3 {
		t.Errorf("Complete calls = %d, want 3 (two drops, then give up)", n)
	}
}

func TestComplete_ProviderError(t *testing.T) {
	t.Parallel()
	boom := errors.New("rate limited")
	p := &llmmock.Provider{
		CompleteErr:       boom,
		ModelCapabilities: llm.ModelCapabilities{ContextWindow: 1000, MaxOutputTokens: 10},
	}
	_, err := New(p).Complete(context.Background(), "hi", nil, testMode)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped provider error", err)
	}
}

func TestComplete_UsageFallsBackToCountedTokens(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{
		CompleteResponse:  &llm.CompletionResponse{Content: "answer"},
		CountTokensFunc:   countMessages,
		ModelCapabilities: llm.ModelCapabilities{ContextWindow: 1000, MaxOutputTokens: 10},
	}
	res, err := New(p).Complete(context.Background(), "hi", nil, testMode)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	// system + user = 20 for the prompt, 10 for the answer.
	if res.UsedTokens != 30 {
		t.Errorf("UsedTokens = %d, want 30", res.UsedTokens)
	}
}

func TestComplete_CountTokensError(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CountTokensErr: errors.New("no tokenizer")}
	if _, err := New(p).Complete(context.Background(), "hi", nil, testMode); err == nil {
		t.Fatal("expected error")
	}
	if len(p.Calls()) != 0 {
		t.Error("Complete must not be called when counting fails")
	}
}
