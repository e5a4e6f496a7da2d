package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gateway "github.com/eugener/gatewayd/internal"
	"github.com/eugener/gatewayd/internal/store"
)

// CompleteRequest atomically upserts the terminal response, performs the
// from->to compare-and-set transition with its audit row, and (if cost is
// non-nil) appends a cost sample, all inside one transaction. This replaces
// the separate PutResponse+Transition call pair that left a window where a
// crash could commit one write without the other.
func (s *Store) CompleteRequest(ctx context.Context, resp *gateway.Response, from, to gateway.Status, meta map[string]string, cost *store.CostSample) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", gateway.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
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
		resp.RequestID, resp.Text, resp.Thinking, resp.Usage.PromptTokens, resp.Usage.CompletionTokens,
		resp.Usage.TotalTokens, resp.LatencyMs, string(resp.Variant), resp.ProviderUsed,
		nullStr(string(resp.ErrorKind)), nullStr(resp.ErrorMessage), timeToStr(resp.CompletedAt),
		boolToInt(resp.Cached),
	); err != nil {
		return fmt.Errorf("complete request: put response: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE requests SET status=? WHERE id=? AND status=?`,
		string(to), resp.RequestID, string(from),
	)
	if err != nil {
		return fmt.Errorf("complete request: transition: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return gateway.ErrConflict
	}

	metaJSON, _ := json.Marshal(meta)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO state_transitions (request_id, from_status, to_status, at, meta)
		 VALUES (?, ?, ?, ?, ?)`,
		resp.RequestID, string(from), string(to), timeToStr(time.Now()), string(metaJSON),
	); err != nil {
		return fmt.Errorf("complete request: transition audit: %w", err)
	}

	if cost != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cost_samples (request_id, provider, cost, tokens, at) VALUES (?, ?, ?, ?, ?)`,
			cost.RequestID, cost.Provider, cost.Cost, cost.Tokens, timeToStr(cost.At),
		); err != nil {
			return fmt.Errorf("complete request: cost sample: %w", err)
		}
	}

	return tx.Commit()
}
