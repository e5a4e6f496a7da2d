// Package store defines persistence interfaces for the gateway (§4.1).
package store

import (
	"context"
	"time"

	gateway "github.com/eugener/gatewayd/internal"
)

// ListFilter narrows ListRequests results.
type ListFilter struct {
	Status   gateway.Status
	Provider string
}

// Page bounds a list query.
type Page struct {
	Limit  int
	Offset int
}

// RequestStore persists Request rows and their lifecycle transitions.
type RequestStore interface {
	// PutRequest inserts a request in status queued; fails if id exists.
	PutRequest(ctx context.Context, r *gateway.Request) error
	// Transition performs an atomic compare-and-set on status, appending an
	// audit row. Returns gateway.ErrConflict if the current status != from.
	Transition(ctx context.Context, id string, from, to gateway.Status, meta map[string]string) error
	GetRequest(ctx context.Context, id string) (*gateway.Request, error)
	ListRequests(ctx context.Context, filter ListFilter, page Page) ([]*gateway.Request, error)
	// IncrementAttempt bumps a request's attempt count monotonically.
	IncrementAttempt(ctx context.Context, id string) (int, error)
}

// ResponseStore persists terminal Response rows.
type ResponseStore interface {
	// PutResponse stores the final response in isolation. Prefer
	// CompleteRequest for the terminal write path: it commits the response,
	// the status transition, and (optionally) a cost sample together so a
	// crash mid-write can never leave one without the others.
	PutResponse(ctx context.Context, r *gateway.Response) error
	GetResponse(ctx context.Context, requestID string) (*gateway.Response, error)
}

// CacheStore persists fingerprint -> response cache entries.
type CacheStore interface {
	CacheGet(ctx context.Context, fingerprint string) (*gateway.CacheEntry, error)
	CachePut(ctx context.Context, entry *gateway.CacheEntry) error
	CacheEvict(ctx context.Context, fingerprint string) error
	CacheStats(ctx context.Context) (count int, bytes int64, err error)
	CacheClear(ctx context.Context) error
}

// APIKeyStore persists API key rows.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *gateway.APIKey) error
	GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error)
	GetKey(ctx context.Context, id string) (*gateway.APIKey, error)
	ListKeys(ctx context.Context, page Page) ([]*gateway.APIKey, error)
	UpdateKey(ctx context.Context, key *gateway.APIKey) error
	DeleteKey(ctx context.Context, id string) error
	TouchKeyUsed(ctx context.Context, id string) error
}

// CostSample is one recorded cost observation for a completed request.
type CostSample struct {
	RequestID string
	Provider  string
	Cost      float64
	Tokens    int
	At        time.Time
}

// CostStore persists per-request cost samples and aggregates them.
type CostStore interface {
	AppendCostSample(ctx context.Context, s CostSample) error
	CostSummary(ctx context.Context) (total float64, count int, err error)
	CostByProvider(ctx context.Context) (map[string]float64, error)
	CostByDay(ctx context.Context, days int) (map[string]float64, error)
}

// Store combines all persistence interfaces. It is the gateway's single
// owner of durable state; every other component goes through this API.
type Store interface {
	RequestStore
	ResponseStore
	CacheStore
	APIKeyStore
	CostStore
	// StartupRecovery scans for non-terminal requests left over from a
	// previous run and marks them failed/interrupted (§4.1, testable
	// property 8). It must run before the gateway accepts new work.
	StartupRecovery(ctx context.Context) (recovered []*gateway.Request, err error)
	// CompleteRequest commits a terminal response, a from->to status
	// transition, and (when cost is non-nil) a cost sample in a single
	// logical operation (§4.1: "the response must accompany a terminal
	// transition in the same commit"). Returns gateway.ErrConflict if the
	// request's current status != from.
	CompleteRequest(ctx context.Context, resp *gateway.Response, from, to gateway.Status, meta map[string]string, cost *CostSample) error
	Ping(ctx context.Context) error
	Close() error
}
