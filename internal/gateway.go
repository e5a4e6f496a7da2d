// Package gateway holds the domain model shared by every other package:
// request/response records, provider descriptors, events, and the context
// helpers used to thread an API key identity and request id through a call.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Status is a request's position in its lifecycle.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusTimedOut   Status = "timed_out"
)

// Terminal reports whether s is a terminal status; once reached a request's
// status never changes again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// BackendVariant names the transport used to reach an upstream provider.
type BackendVariant string

const (
	VariantHTTP     BackendVariant = "http_api"
	VariantCLI      BackendVariant = "cli"
	VariantTerminal BackendVariant = "terminal"
)

// Dialect names the request/response schema family for an HTTP backend.
type Dialect string

const (
	DialectAnthropic Dialect = "anthropic"
	DialectOpenAI    Dialect = "openai"
	DialectGemini    Dialect = "gemini"
)

// Request is the unit of work accepted at intake.
type Request struct {
	ID              string
	Provider        string // preferred provider name
	Model           string
	Agent           string
	Prompt          string
	Priority        int
	SubmittedAt     time.Time
	Deadline        time.Time
	Status          Status
	AttemptCount    int
	AssignedWorker  string
	APIKeyID        string
	ParentRequestID string
	Fingerprint     string
	BypassCache     bool
	Stream          bool
}

// Usage holds token counts for a completed request.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the at-most-one terminal record for a Request.
type Response struct {
	RequestID    string
	Text         string
	Thinking     string
	Usage        Usage
	LatencyMs    int64
	Variant      BackendVariant
	ProviderUsed string
	ErrorKind    ErrorKind
	ErrorMessage string
	CompletedAt  time.Time
	Cached       bool
}

// ProviderDescriptor is startup/admin-mutable configuration for one upstream.
type ProviderDescriptor struct {
	Name           string
	Enabled        bool
	Variant        BackendVariant
	Dialect        Dialect // http only
	BaseURL        string  // http only
	APIKeyEnv      string  // http only
	ExtraHeaders   map[string]string
	Command        string   // cli only
	ArgsTemplate   []string // cli only
	Env            map[string]string
	AuthIndicators []string // cli/terminal
	PaneID         string   // terminal only
	PromptPrefix   string   // terminal only
	CompletionMark string   // terminal only
	DefaultModel   string
	Concurrency    int
	Timeout        time.Duration
	FallbackChain  []string
	CostPer1K      float64
	Priority       int
}

// Health is a provider's coarse health classification.
type Health string

const (
	HealthOK       Health = "ok"
	HealthDegraded Health = "degraded"
	HealthDown     Health = "down"
	HealthUnknown  Health = "unknown"
)

// ProviderRuntimeState is the volatile counterpart to a ProviderDescriptor.
type ProviderRuntimeState struct {
	Name                string
	Health              Health
	InFlight            int
	SuccessRatio        float64
	LastPingAt          time.Time
	ConsecutiveFailures int
	InProbation         bool
}

// CacheEntry is a cached response keyed by fingerprint. RequestID identifies
// the request whose execution originally produced this entry, so a caller
// that coalesces onto (or later hits) the same fingerprint can still report
// the originating request id.
type CacheEntry struct {
	Fingerprint  string
	RequestID    string
	Text         string
	Thinking     string
	Usage        Usage
	ProviderUsed string
	StoredAt     time.Time
	TTL          time.Duration
}

// Expired reports whether the entry is stale relative to now.
func (c CacheEntry) Expired(now time.Time) bool {
	return now.Sub(c.StoredAt) > c.TTL
}

// KeyStatus is an API key's admin-controlled state.
type KeyStatus string

const (
	KeyActive   KeyStatus = "active"
	KeyDisabled KeyStatus = "disabled"
)

// APIKey is an opaque bearer credential. SecretHash is SHA-256 over the
// plaintext key; the plaintext is shown to the caller exactly once at
// creation and never stored.
type APIKey struct {
	ID         string
	SecretHash string
	Name       string
	Status     KeyStatus
	CreatedAt  time.Time
	LastUsedAt *time.Time
	RPMLimit   int64 // 0 = unlimited
}

const APIKeyPrefix = "gwk_"

// HashKey returns the hex-encoded SHA-256 digest of a plaintext API key.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// EventType names a tagged event on the bus.
type EventType string

const (
	EventRequestSubmitted  EventType = "request-submitted"
	EventRequestProcessing EventType = "request-processing"
	EventRequestCompleted  EventType = "request-completed"
	EventRequestFailed     EventType = "request-failed"
	EventRequestCancelled  EventType = "request-cancelled"
	EventCLIExecuting      EventType = "cli-executing"
	EventProviderHealth    EventType = "provider-health-changed"
	EventStreamChunk       EventType = "stream-chunk"
)

// Channel names a WebSocket subscription channel.
type Channel string

const (
	ChannelRequests  Channel = "requests"
	ChannelProviders Channel = "providers"
	ChannelCLI       Channel = "cli"
	ChannelStream    Channel = "stream"
)

// ChannelForEvent returns the channel an event type is published on.
func ChannelForEvent(t EventType) Channel {
	switch t {
	case EventProviderHealth:
		return ChannelProviders
	case EventCLIExecuting:
		return ChannelCLI
	case EventStreamChunk:
		return ChannelStream
	default:
		return ChannelRequests
	}
}

// Event is a tagged record published on the bus and fanned out to
// subscribed WebSocket clients.
type Event struct {
	Type      EventType
	RequestID string
	Timestamp time.Time
	Payload   any
}

// Fingerprint computes the deterministic cache/single-flight key for a
// normalized {provider, model, agent, prompt} tuple. Provider, model and
// agent are trimmed and lowercased; the prompt is trimmed but keeps its case;
// every field is then NFC-normalized, so canonically equal prompts in
// composed or decomposed Unicode form always collide on the same fingerprint.
func Fingerprint(provider, model, agent, prompt string) string {
	key := norm.NFC.String(strings.ToLower(strings.TrimSpace(provider))) + "\x00" +
		norm.NFC.String(strings.ToLower(strings.TrimSpace(model))) + "\x00" +
		norm.NFC.String(strings.ToLower(strings.TrimSpace(agent))) + "\x00" +
		norm.NFC.String(strings.TrimSpace(prompt))
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// context keys

type ctxKey int

const (
	ctxKeyIdentity ctxKey = iota
	ctxKeyRequestID
)

// Identity is the caller principal threaded through a request's context.
type Identity struct {
	KeyID    string
	Name     string
	RPMLimit int64
}

// ContextWithIdentity returns a context carrying the authenticated identity.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity, id)
}

// IdentityFromContext retrieves the identity stored by ContextWithIdentity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKeyIdentity).(Identity)
	return id, ok
}

// ContextWithRequestID returns a context carrying the inbound request id
// (used for log correlation, distinct from a gateway Request.ID).
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// RequestIDFromContext retrieves the request id stored by ContextWithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}
