package dialect

import (
	"testing"

	gateway "github.com/eugener/gatewayd/internal"
)

func TestOpenAIParseResponse(t *testing.T) {
	t.Parallel()
	body := []byte(`{"choices":[{"message":{"content":"hi"}}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`)
	text, usage, err := OpenAI{}.ParseResponse(body)
	if err != nil {
		t.Fatal(err)
	}
	if text != "hi" {
		t.Errorf("text = %q, want %q", text, "hi")
	}
	if usage.TotalTokens != 4 {
		t.Errorf("total tokens = %d, want 4", usage.TotalTokens)
	}
}

func TestAnthropicParseResponse(t *testing.T) {
	t.Parallel()
	body := []byte(`{"content":[{"type":"text","text":"hi"}],"usage":{"input_tokens":3,"output_tokens":1}}`)
	text, usage, err := Anthropic{}.ParseResponse(body)
	if err != nil {
		t.Fatal(err)
	}
	if text != "hi" {
		t.Errorf("text = %q, want %q", text, "hi")
	}
	if usage.TotalTokens != 4 {
		t.Errorf("total tokens = %d, want 4", usage.TotalTokens)
	}
}

func TestGeminiParseResponse(t *testing.T) {
	t.Parallel()
	body := []byte(`{"candidates":[{"content":{"parts":[{"text":"hi"}]}}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":1,"totalTokenCount":4}}`)
	text, usage, err := Gemini{}.ParseResponse(body)
	if err != nil {
		t.Fatal(err)
	}
	if text != "hi" {
		t.Errorf("text = %q, want %q", text, "hi")
	}
	if usage.TotalTokens != 4 {
		t.Errorf("total tokens = %d, want 4", usage.TotalTokens)
	}
}

func TestGetUnknownDialect(t *testing.T) {
	t.Parallel()
	if _, err := Get("bogus"); err == nil {
		t.Error("expected error for unknown dialect")
	}
}

func TestBuildRequestIncludesPrompt(t *testing.T) {
	t.Parallel()
	req := &gateway.Request{Prompt: "hello"}
	for _, d := range []Dialect{OpenAI{}, Anthropic{}, Gemini{}} {
		body, err := d.BuildRequest(req, "model-x", 100)
		if err != nil {
			t.Fatal(err)
		}
		if len(body) == 0 {
			t.Error("expected non-empty request body")
		}
	}
}
