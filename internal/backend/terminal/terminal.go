// Package terminal implements the terminal/pane-hosted backend variant
// (spec §4.2c): the prompt is written into a pre-attached terminal pane and
// the pane's output tail is scanned for a completion marker.
package terminal

import (
	"context"
	"regexp"
	"strings"
	"time"

	gateway "github.com/eugener/gatewayd/internal"
	"github.com/eugener/gatewayd/internal/backend"
	"github.com/eugener/gatewayd/internal/tokencount"
)

// PaneWriter sends keystrokes/text into a terminal pane.
type PaneWriter interface {
	Write(ctx context.Context, paneID, text string) error
}

// PaneReader reads the current tail of a pane's scrollback/output buffer.
type PaneReader interface {
	ReadTail(ctx context.Context, paneID string, maxBytes int) (string, error)
}

// Config describes one terminal-variant provider.
type Config struct {
	PaneID         string
	PromptPrefix   string
	CompletionMark string
	PollInterval   time.Duration
	GraceWindow    time.Duration
	CostPer1K      float64
	AuthIndicators []string
}

// Backend drives a pane through Writer/Reader, polling the tail until the
// completion marker appears or ctx is done.
type Backend struct {
	cfg    Config
	writer PaneWriter
	reader PaneReader
}

// New returns a terminal backend bound to writer/reader for cfg's pane.
func New(cfg Config, writer PaneWriter, reader PaneReader) *Backend {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 2 * time.Second
	}
	return &Backend{cfg: cfg, writer: writer, reader: reader}
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)
var urlPattern = regexp.MustCompile(`https?://[^\s"'<>]+`)

var defaultAuthIndicators = []string{
	"sign in", "log in", "authenticate", "oauth", "please authorize", "login required",
}

// Execute writes the prompt into the pane and polls its tail until the
// completion marker is seen, ctx is cancelled, or the deadline elapses. On
// cancellation the pane transaction is marked aborted within the grace
// window (§4.2 cancellation) and the buffer is drained once more.
func (b *Backend) Execute(ctx context.Context, req *gateway.Request) (backend.Result, error) {
	text := b.cfg.PromptPrefix + req.Prompt
	if err := b.writer.Write(ctx, b.cfg.PaneID, text); err != nil {
		return backend.Result{Kind: backend.KindTransientError, Message: err.Error()}, nil
	}

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			graceCtx, cancel := context.WithTimeout(context.Background(), b.cfg.GraceWindow)
			defer cancel()
			tail, _ := b.reader.ReadTail(graceCtx, b.cfg.PaneID, 8192)
			if result, ok := b.classify(tail, text); ok {
				return result, nil
			}
			return backend.Result{}, ctx.Err()
		case <-ticker.C:
			tail, err := b.reader.ReadTail(ctx, b.cfg.PaneID, 8192)
			if err != nil {
				return backend.Result{Kind: backend.KindTransientError, Message: err.Error()}, nil
			}
			if result, ok := b.classify(tail, text); ok {
				return result, nil
			}
		}
	}
}

func (b *Backend) classify(tail, sent string) (backend.Result, bool) {
	clean := strings.Replace(ansiEscape.ReplaceAllString(tail, ""), sent, "", 1)
	lower := strings.ToLower(clean)

	indicators := append([]string{}, defaultAuthIndicators...)
	indicators = append(indicators, b.cfg.AuthIndicators...)
	for _, ind := range indicators {
		if strings.Contains(lower, strings.ToLower(ind)) {
			hint := urlPattern.FindString(clean)
			return backend.Result{Kind: backend.KindAuthRequired, HintURL: hint, Message: strings.TrimSpace(clean)}, true
		}
	}

	idx := strings.Index(clean, b.cfg.CompletionMark)
	if idx < 0 {
		return backend.Result{}, false
	}

	body := strings.TrimSpace(strings.ReplaceAll(clean[:idx], b.cfg.PromptPrefix, ""))
	usage := gateway.Usage{
		CompletionTokens: tokencount.EstimateCompletion(body),
	}
	usage.TotalTokens = usage.CompletionTokens
	return backend.Result{
		Kind:  backend.KindSuccess,
		Text:  body,
		Usage: usage,
		Cost:  b.cfg.CostPer1K * float64(usage.TotalTokens) / 1000,
	}, true
}

// HealthCheck writes a trivial prompt and waits for the completion marker.
func (b *Backend) HealthCheck(ctx context.Context) (backend.HealthResult, error) {
	start := time.Now()
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	result, err := b.Execute(hctx, &gateway.Request{Prompt: "ping"})
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
