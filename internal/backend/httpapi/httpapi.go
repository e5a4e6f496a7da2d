// Package httpapi implements the HTTP backend variant (spec §4.2a): one
// blocking call to an upstream provider, dispatched through a registered
// dialect, with the status-to-result mapping the spec prescribes.
package httpapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/rs/dnscache"

	gateway "github.com/eugener/gatewayd/internal"
	"github.com/eugener/gatewayd/internal/backend"
	"github.com/eugener/gatewayd/internal/backend/dialect"
	"github.com/eugener/gatewayd/internal/cloudauth"
	"github.com/eugener/gatewayd/internal/tokencount"
)

const maxBodyBytes = 4 << 20

// Config describes one HTTP-variant provider (resolved from config.ProviderEntry).
type Config struct {
	BaseURL      string
	APIKey       string
	Dialect      gateway.Dialect
	Model        string
	MaxTokens    int
	Timeout      time.Duration
	ExtraHeaders map[string]string
	CostPer1K    float64

	// AuthType selects the transport decorator; "api_key" (default), "gcp_oauth", "aws_sigv4".
	AuthType   string
	AWSCreds   aws.CredentialsProvider
	AWSRegion  string
	AWSService string
}

// Backend implements backend.Backend over a single HTTP dialect.
type Backend struct {
	cfg    Config
	dial   dialect.Dialect
	client *http.Client
}

// New builds an HTTP backend for cfg, sharing resolver across callers for
// DNS cache reuse the way the teacher's provider clients do.
func New(cfg Config, resolver *dnscache.Resolver) (*Backend, error) {
	d, err := dialect.Get(cfg.Dialect)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var dl net.Dialer
			return dl.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}

	var rt http.RoundTripper = transport
	switch cfg.AuthType {
	case "aws_sigv4":
		rt = cloudauth.NewAWSSigV4Transport(transport, cfg.AWSCreds, cfg.AWSRegion, cfg.AWSService)
	case "gcp_oauth":
		gt, err := cloudauth.NewGCPOAuthTransport(context.Background(), transport, "https://www.googleapis.com/auth/cloud-platform")
		if err != nil {
			return nil, fmt.Errorf("httpapi: gcp oauth transport: %w", err)
		}
		rt = gt
	}

	return &Backend{
		cfg:    cfg,
		dial:   d,
		client: &http.Client{Transport: rt},
	}, nil
}

// Execute issues one upstream HTTP call and maps the result per spec §4.2(a).
func (b *Backend) Execute(ctx context.Context, req *gateway.Request) (backend.Result, error) {
	model := req.Model
	if model == "" {
		model = b.cfg.Model
	}

	body, err := b.dial.BuildRequest(req, model, b.cfg.MaxTokens)
	if err != nil {
		return backend.Result{Kind: backend.KindPermanentError, Message: err.Error()}, nil
	}

	url := b.cfg.BaseURL + b.dial.Path()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backend.Result{Kind: backend.KindPermanentError, Message: err.Error()}, nil
	}
	b.dial.SetHeaders(httpReq.Header, b.cfg.APIKey)
	for k, v := range b.cfg.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return backend.Result{}, ctx.Err()
		}
		return backend.Result{Kind: backend.KindTransientError, Message: err.Error()}, nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return backend.Result{Kind: backend.KindTransientError, Message: err.Error()}, nil
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		text, usage, err := b.dial.ParseResponse(respBody)
		if err != nil {
			return backend.Result{Kind: backend.KindPermanentError, Message: err.Error()}, nil
		}
		if usage.TotalTokens == 0 {
			usage.PromptTokens = tokencount.EstimatePrompt(req.Prompt)
			usage.CompletionTokens = tokencount.EstimateCompletion(text)
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		}
		return backend.Result{
			Kind:  backend.KindSuccess,
			Text:  text,
			Usage: usage,
			Cost:  b.cfg.CostPer1K * float64(usage.TotalTokens) / 1000,
		}, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return backend.Result{Kind: backend.KindAuthRequired, Message: string(respBody)}, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return backend.Result{Kind: backend.KindRateLimited, Message: string(respBody), RetryAfter: retryAfter}, nil
	case resp.StatusCode >= 500:
		return backend.Result{Kind: backend.KindTransientError, Message: string(respBody)}, nil
	default:
		return backend.Result{Kind: backend.KindPermanentError, Message: string(respBody)}, nil
	}
}

func parseRetryAfter(v string) int {
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// HealthCheck issues a minimal ping request through the same dialect.
func (b *Backend) HealthCheck(ctx context.Context) (backend.HealthResult, error) {
	start := time.Now()
	req := &gateway.Request{Prompt: "ping", Model: b.cfg.Model}
	result, err := b.Execute(ctx, req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return backend.HealthResult{Status: gateway.HealthDown, Reason: err.Error(), Latency: latency}, nil
	}
	switch result.Kind {
	case backend.KindSuccess:
		return backend.HealthResult{Status: gateway.HealthOK, Latency: latency}, nil
	case backend.KindRateLimited:
		return backend.HealthResult{Status: gateway.HealthDegraded, Reason: "rate limited", Latency: latency}, nil
	default:
		return backend.HealthResult{Status: gateway.HealthDown, Reason: result.Message, Latency: latency}, nil
	}
}

// EstimatedCost returns the provider's configured per-1K-token cost applied
// to an estimate of the prompt's token count; actual cost is recomputed
// from real usage after Execute succeeds.
func (b *Backend) EstimatedCost(req *gateway.Request) float64 {
	if b.cfg.CostPer1K == 0 {
		return 0
	}
	tokens := tokencount.EstimatePrompt(req.Prompt)
	return b.cfg.CostPer1K * float64(tokens) / 1000
}
