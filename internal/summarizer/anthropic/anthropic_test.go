package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oakmemory/oak/internal/summarizer"
	"github.com/oakmemory/oak/pkg/models"
)

func newMessagesServer(t *testing.T, text string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":   "msg_test",
			"type": "message",
			"role": "assistant",
			"content": []map[string]any{
				{"type": "text", "text": text},
			},
			"model":       "claude-3-5-haiku-latest",
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 10, "output_tokens": 20},
		})
	}))
}

func TestSummarize(t *testing.T) {
	ts := newMessagesServer(t, `{"classification": "refactor", "observations": [{"memory_type": "trade_off", "observation_text": "Brute-force scan accepted for small collections.", "confidence": 0.75}]}`)
	defer ts.Close()

	c, err := New(Config{APIKey: "test-key", BaseURL: ts.URL})
	if err != nil {
		t.Fatal(err)
	}
	result, err := c.Summarize(context.Background(), summarizer.Request{
		PromptText:   "simplify the vector query path",
		PromptSource: models.PromptUser,
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Classification != models.ClassRefactor {
		t.Errorf("classification = %s", result.Classification)
	}
	if len(result.Observations) != 1 || result.Observations[0].MemoryType != models.MemoryTradeOff {
		t.Errorf("observations = %+v", result.Observations)
	}
}

func TestSummarizeUnparseableResponse(t *testing.T) {
	ts := newMessagesServer(t, "no structured output today")
	defer ts.Close()

	c, err := New(Config{APIKey: "test-key", BaseURL: ts.URL})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Summarize(context.Background(), summarizer.Request{PromptText: "x"})
	if !errors.Is(err, summarizer.ErrUnparseable) {
		t.Errorf("err = %v, want ErrUnparseable", err)
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without API key")
	}
}
