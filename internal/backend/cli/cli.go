// Package cli implements the CLI backend variant (spec §4.2b): a short-lived
// subprocess receives the prompt on stdin or as a templated argument, and its
// stdout is classified into the shared backend.Result sum type.
package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"

	gateway "github.com/eugener/gatewayd/internal"
	"github.com/eugener/gatewayd/internal/backend"
	"github.com/eugener/gatewayd/internal/tokencount"
)

// Config describes one CLI-variant provider.
type Config struct {
	Command        string
	ArgsTemplate   []string // "{prompt}" is replaced with the request prompt; if absent, prompt goes to stdin
	Env            []string
	AuthIndicators []string // extra substrings beyond the defaults
	CostPer1K      float64
	GraceWindow    time.Duration // default 2s per spec §4.2 cancellation
}

// Backend runs cfg.Command as a subprocess per request.
type Backend struct {
	cfg Config
}

// New returns a CLI backend for cfg.
func New(cfg Config) *Backend {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 2 * time.Second
	}
	return &Backend{cfg: cfg}
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

var defaultAuthIndicators = []string{
	"sign in", "log in", "authenticate", "oauth", "please authorize", "login required",
}

var defaultTransientStrings = []string{
	"timeout", "timed out", "connection reset", "econnreset", "temporarily unavailable",
	"rate limit", "503", "502", "overloaded",
}

var urlPattern = regexp.MustCompile(`https?://[^\s"'<>]+`)

// Execute spawns the configured command, feeds the prompt, and classifies
// the outcome. It honors ctx's deadline, sending SIGTERM then SIGKILL if the
// process outlives the grace window after cancellation (§4.2 cancellation).
func (b *Backend) Execute(ctx context.Context, req *gateway.Request) (backend.Result, error) {
	args := b.buildArgs(req)
	cmd := exec.CommandContext(ctx, b.cfg.Command, args...)
	cmd.WaitDelay = b.cfg.GraceWindow
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	if len(b.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), b.cfg.Env...)
	}

	usesStdin := !containsPromptPlaceholder(b.cfg.ArgsTemplate)
	if usesStdin {
		cmd.Stdin = strings.NewReader(req.Prompt)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	clean := stripANSI(stdout.String())

	if err != nil {
		if ctx.Err() != nil {
			return backend.Result{}, ctx.Err()
		}
		combined := clean + "\n" + stderr.String()
		if result, ok := classifyAuthPrompt(combined, b.cfg.AuthIndicators); ok {
			return result, nil
		}
		if isTransient(combined) {
			return backend.Result{Kind: backend.KindTransientError, Message: strings.TrimSpace(combined)}, nil
		}
		return backend.Result{Kind: backend.KindPermanentError, Message: fmt.Sprintf("%v: %s", err, strings.TrimSpace(stderr.String()))}, nil
	}

	if result, ok := classifyAuthPrompt(clean, b.cfg.AuthIndicators); ok {
		return result, nil
	}

	text := strings.TrimSpace(clean)
	usage := gateway.Usage{
		PromptTokens:     tokencount.EstimatePrompt(req.Prompt),
		CompletionTokens: tokencount.EstimateCompletion(text),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	return backend.Result{
		Kind:  backend.KindSuccess,
		Text:  text,
		Usage: usage,
		Cost:  b.cfg.CostPer1K * float64(usage.TotalTokens) / 1000,
	}, nil
}

func (b *Backend) buildArgs(req *gateway.Request) []string {
	if len(b.cfg.ArgsTemplate) == 0 {
		return nil
	}
	args := make([]string, len(b.cfg.ArgsTemplate))
	for i, a := range b.cfg.ArgsTemplate {
		args[i] = strings.ReplaceAll(a, "{prompt}", req.Prompt)
	}
	return args
}

func containsPromptPlaceholder(template []string) bool {
	for _, a := range template {
		if strings.Contains(a, "{prompt}") {
			return true
		}
	}
	return false
}

func stripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

func classifyAuthPrompt(output string, extra []string) (backend.Result, bool) {
	lower := strings.ToLower(output)
	indicators := defaultAuthIndicators
	indicators = append(indicators, extra...)
	for _, ind := range indicators {
		if strings.Contains(lower, strings.ToLower(ind)) {
			hint := urlPattern.FindString(output)
			return backend.Result{Kind: backend.KindAuthRequired, HintURL: hint, Message: strings.TrimSpace(output)}, true
		}
	}
	return backend.Result{}, false
}

func isTransient(output string) bool {
	lower := strings.ToLower(output)
	for _, s := range defaultTransientStrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// HealthCheck runs the command with a trivial prompt and reports whether it
// produced output without triggering auth or error classification.
func (b *Backend) HealthCheck(ctx context.Context) (backend.HealthResult, error) {
	start := time.Now()
	result, err := b.Execute(ctx, &gateway.Request{Prompt: "ping"})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return backend.HealthResult{Status: gateway.HealthDown, Reason: err.Error(), Latency: latency}, nil
	}
	switch result.Kind {
	case backend.KindSuccess:
		return backend.HealthResult{Status: gateway.HealthOK, Latency: latency}, nil
	default:
		return backend.HealthResult{Status: gateway.HealthDown, Reason: result.Message, Latency: latency}, nil
	}
}

// EstimatedCost estimates cost from the configured per-1K rate and prompt size.
func (b *Backend) EstimatedCost(req *gateway.Request) float64 {
	if b.cfg.CostPer1K == 0 {
		return 0
	}
	return b.cfg.CostPer1K * float64(tokencount.EstimatePrompt(req.Prompt)) / 1000
}
