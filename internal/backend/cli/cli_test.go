package cli

import (
	"context"
	"runtime"
	"testing"

	gateway "github.com/eugener/gatewayd/internal"
	"github.com/eugener/gatewayd/internal/backend"
)

func echoConfig() Config {
	if runtime.GOOS == "windows" {
		return Config{Command: "cmd", ArgsTemplate: []string{"/C", "echo", "{prompt}"}}
	}
	return Config{Command: "echo"}
}

func TestExecuteSuccess(t *testing.T) {
	t.Parallel()
	b := New(Config{Command: "cat"})
	result, err := b.Execute(context.Background(), &gateway.Request{Prompt: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Kind != backend.KindSuccess {
		t.Fatalf("kind = %v, want success", result.Kind)
	}
	if result.Text != "hello" {
		t.Errorf("text = %q, want %q", result.Text, "hello")
	}
}

func TestClassifyAuthPrompt(t *testing.T) {
	t.Parallel()
	result, ok := classifyAuthPrompt("Please sign in at https://example.com/auth to continue", nil)
	if !ok {
		t.Fatal("expected auth prompt to be recognized")
	}
	if result.Kind != backend.KindAuthRequired {
		t.Errorf("kind = %v, want auth_required", result.Kind)
	}
	if result.HintURL != "https://example.com/auth" {
		t.Errorf("hint url = %q", result.HintURL)
	}
}

func TestClassifyAuthPromptNoMatch(t *testing.T) {
	t.Parallel()
	if _, ok := classifyAuthPrompt("just some normal output", nil); ok {
		t.Error("expected no auth prompt match")
	}
}

func TestStripANSI(t *testing.T) {
	t.Parallel()
	got := stripANSI("\x1b[32mgreen\x1b[0m text")
	if got != "green text" {
		t.Errorf("got %q", got)
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()
	if !isTransient("connection reset by peer") {
		t.Error("expected transient classification")
	}
	if isTransient("invalid argument") {
		t.Error("expected non-transient classification")
	}
}

func TestExecuteNonexistentCommand(t *testing.T) {
	t.Parallel()
	b := New(Config{Command: "/nonexistent/definitely-not-a-binary"})
	result, err := b.Execute(context.Background(), &gateway.Request{Prompt: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Kind != backend.KindPermanentError {
		t.Errorf("kind = %v, want permanent_error", result.Kind)
	}
}
