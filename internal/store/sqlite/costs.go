package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/eugener/gatewayd/internal/store"
)

// AppendCostSample records one cost observation for a completed request.
func (s *Store) AppendCostSample(ctx context.Context, sample store.CostSample) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO cost_samples (request_id, provider, cost, tokens, at) VALUES (?, ?, ?, ?, ?)`,
		sample.RequestID, sample.Provider, sample.Cost, sample.Tokens, timeToStr(sample.At),
	)
	return err
}

// CostSummary returns the total cost and sample count across all providers.
func (s *Store) CostSummary(ctx context.Context) (float64, int, error) {
	var total float64
	var count int
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost), 0), COUNT(*) FROM cost_samples`,
	).Scan(&total, &count)
	return total, count, err
}

// CostByProvider returns total cost grouped by provider.
func (s *Store) CostByProvider(ctx context.Context) (map[string]float64, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT provider, SUM(cost) FROM cost_samples GROUP BY provider`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var provider string
		var cost float64
		if err := rows.Scan(&provider, &cost); err != nil {
			return nil, err
		}
		out[provider] = cost
	}
	return out, rows.Err()
}

// CostByDay returns total cost grouped by UTC calendar day for the last n days.
func (s *Store) CostByDay(ctx context.Context, days int) (map[string]float64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	rows, err := s.read.QueryContext(ctx,
		`SELECT substr(at, 1, 10) AS day, SUM(cost) FROM cost_samples WHERE at >= ? GROUP BY day`,
		timeToStr(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("cost by day: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var day string
		var cost float64
		if err := rows.Scan(&day, &cost); err != nil {
			return nil, err
		}
		out[day] = cost
	}
	return out, rows.Err()
}
