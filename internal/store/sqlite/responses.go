package sqlite

import (
	"context"
	"database/sql"

	gateway "github.com/eugener/gatewayd/internal"
)

// PutResponse stores the final response for a terminal request.
func (s *Store) PutResponse(ctx context.Context, r *gateway.Response) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO responses (request_id, text, thinking, prompt_tokens, completion_tokens,
		 total_tokens, latency_ms, variant, provider_used, error_kind, error_message,
		 completed_at, cached)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(request_id) DO UPDATE SET
		   text=excluded.text, thinking=excluded.thinking, prompt_tokens=excluded.prompt_tokens,
		   completion_tokens=excluded.completion_tokens, total_tokens=excluded.total_tokens,
		   latency_ms=excluded.latency_ms, variant=excluded.variant,
		   provider_used=excluded.provider_used, error_kind=excluded.error_kind,
		   error_message=excluded.error_message, completed_at=excluded.completed_at,
		   cached=excluded.cached`,
		r.RequestID, r.Text, r.Thinking, r.Usage.PromptTokens, r.Usage.CompletionTokens,
		r.Usage.TotalTokens, r.LatencyMs, string(r.Variant), r.ProviderUsed,
		nullStr(string(r.ErrorKind)), nullStr(r.ErrorMessage), timeToStr(r.CompletedAt),
		boolToInt(r.Cached),
	)
	return err
}

// GetResponse fetches a request's response row, if any.
func (s *Store) GetResponse(ctx context.Context, requestID string) (*gateway.Response, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT request_id, text, thinking, prompt_tokens, completion_tokens, total_tokens,
		 latency_ms, variant, provider_used, error_kind, error_message, completed_at, cached
		 FROM responses WHERE request_id = ?`, requestID)

	var r gateway.Response
	var variant, errKind, errMsg sql.NullString
	var completedAt string
	var cached int
	err := row.Scan(
		&r.RequestID, &r.Text, &r.Thinking, &r.Usage.PromptTokens, &r.Usage.CompletionTokens,
		&r.Usage.TotalTokens, &r.LatencyMs, &variant, &r.ProviderUsed, &errKind, &errMsg,
		&completedAt, &cached,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}
	r.Variant = gateway.BackendVariant(variant.String)
	r.ErrorKind = gateway.ErrorKind(errKind.String)
	r.ErrorMessage = errMsg.String
	r.CompletedAt = parseTime(completedAt)
	r.Cached = cached != 0
	return &r, nil
}
