package sqlite

import (
	"context"
	"time"

	gateway "github.com/eugener/gatewayd/internal"
)

// CacheGet fetches a cache row by fingerprint. Callers are responsible for
// TTL expiry checks (gateway.CacheEntry.Expired); this is the durable
// fallback tier behind internal/cache's in-memory LRU.
func (s *Store) CacheGet(ctx context.Context, fingerprint string) (*gateway.CacheEntry, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT fingerprint, request_id, text, thinking, prompt_tokens, completion_tokens, total_tokens,
		 provider_used, stored_at, ttl_seconds FROM cache_entries WHERE fingerprint = ?`,
		fingerprint)

	var e gateway.CacheEntry
	var storedAt string
	var ttlSeconds int64
	err := row.Scan(&e.Fingerprint, &e.RequestID, &e.Text, &e.Thinking, &e.Usage.PromptTokens,
		&e.Usage.CompletionTokens, &e.Usage.TotalTokens, &e.ProviderUsed, &storedAt, &ttlSeconds)
	if err != nil {
		return nil, notFoundErr(err)
	}
	e.StoredAt = parseTime(storedAt)
	e.TTL = time.Duration(ttlSeconds) * time.Second
	return &e, nil
}

// CachePut upserts a cache entry.
func (s *Store) CachePut(ctx context.Context, entry *gateway.CacheEntry) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO cache_entries (fingerprint, request_id, text, thinking, prompt_tokens,
		 completion_tokens, total_tokens, provider_used, stored_at, ttl_seconds)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET
		   request_id=excluded.request_id, text=excluded.text, thinking=excluded.thinking,
		   prompt_tokens=excluded.prompt_tokens, completion_tokens=excluded.completion_tokens,
		   total_tokens=excluded.total_tokens, provider_used=excluded.provider_used,
		   stored_at=excluded.stored_at, ttl_seconds=excluded.ttl_seconds`,
		entry.Fingerprint, entry.RequestID, entry.Text, entry.Thinking, entry.Usage.PromptTokens,
		entry.Usage.CompletionTokens, entry.Usage.TotalTokens, entry.ProviderUsed,
		timeToStr(entry.StoredAt), int64(entry.TTL/time.Second),
	)
	return err
}

// CacheEvict removes one cache entry by fingerprint.
func (s *Store) CacheEvict(ctx context.Context, fingerprint string) error {
	_, err := s.write.ExecContext(ctx, `DELETE FROM cache_entries WHERE fingerprint = ?`, fingerprint)
	return err
}

// CacheStats returns the entry count and approximate total byte size.
func (s *Store) CacheStats(ctx context.Context) (int, int64, error) {
	var count int
	var bytes int64
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(text) + LENGTH(thinking)), 0) FROM cache_entries`,
	).Scan(&count, &bytes)
	return count, bytes, err
}

// CacheClear removes all cache entries.
func (s *Store) CacheClear(ctx context.Context) error {
	_, err := s.write.ExecContext(ctx, `DELETE FROM cache_entries`)
	return err
}
