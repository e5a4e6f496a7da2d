package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gateway "github.com/eugener/gatewayd/internal"
	"github.com/eugener/gatewayd/internal/store"
)

// PutRequest inserts a request in status queued; fails if id exists.
func (s *Store) PutRequest(ctx context.Context, r *gateway.Request) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO requests (id, provider, model, agent, prompt, priority, submitted_at,
		 deadline, status, attempt_count, assigned_worker, api_key_id, parent_request_id,
		 fingerprint, bypass_cache, stream)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Provider, r.Model, r.Agent, r.Prompt, r.Priority, timeToStr(r.SubmittedAt),
		timePtrToStr(&r.Deadline), string(r.Status), r.AttemptCount,
		nullStr(r.AssignedWorker), nullStr(r.APIKeyID), nullStr(r.ParentRequestID),
		r.Fingerprint, boolToInt(r.BypassCache), boolToInt(r.Stream),
	)
	if err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return gateway.ErrStorageUnavailable
		}
		return fmt.Errorf("put request: %w", err)
	}
	return nil
}

// Transition performs an atomic compare-and-set on status, appending an audit row.
func (s *Store) Transition(ctx context.Context, id string, from, to gateway.Status, meta map[string]string) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", gateway.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE requests SET status=? WHERE id=? AND status=?`,
		string(to), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("transition: %w", err)
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
		id, string(from), string(to), timeToStr(time.Now()), string(metaJSON),
	); err != nil {
		return fmt.Errorf("transition audit: %w", err)
	}

	return tx.Commit()
}

// IncrementAttempt bumps a request's attempt count monotonically.
func (s *Store) IncrementAttempt(ctx context.Context, id string) (int, error) {
	result, err := s.write.ExecContext(ctx,
		`UPDATE requests SET attempt_count = attempt_count + 1 WHERE id = ?`, id)
	if err != nil {
		return 0, err
	}
	if err := checkRowsAffected(result, "request"); err != nil {
		return 0, err
	}
	var n int
	err = s.read.QueryRowContext(ctx, `SELECT attempt_count FROM requests WHERE id = ?`, id).Scan(&n)
	return n, err
}

// GetRequest fetches a single request by id.
func (s *Store) GetRequest(ctx context.Context, id string) (*gateway.Request, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, provider, model, agent, prompt, priority, submitted_at, deadline, status,
		 attempt_count, assigned_worker, api_key_id, parent_request_id, fingerprint,
		 bypass_cache, stream FROM requests WHERE id = ?`, id)
	return scanRequest(row)
}

// ListRequests returns requests matching the filter, newest first.
func (s *Store) ListRequests(ctx context.Context, filter store.ListFilter, page store.Page) ([]*gateway.Request, error) {
	query := `SELECT id, provider, model, agent, prompt, priority, submitted_at, deadline, status,
	 attempt_count, assigned_worker, api_key_id, parent_request_id, fingerprint,
	 bypass_cache, stream FROM requests WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Provider != "" {
		query += " AND provider = ?"
		args = append(args, filter.Provider)
	}
	limit := page.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	query += " ORDER BY seq DESC LIMIT ? OFFSET ?"
	args = append(args, limit, page.Offset)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRequest(s scanner) (*gateway.Request, error) {
	var r gateway.Request
	var deadline sql.NullString
	var assignedWorker, apiKeyID, parentID sql.NullString
	var status string
	var bypassCache, streamInt int
	var submittedAt string

	err := s.Scan(
		&r.ID, &r.Provider, &r.Model, &r.Agent, &r.Prompt, &r.Priority, &submittedAt,
		&deadline, &status, &r.AttemptCount, &assignedWorker, &apiKeyID, &parentID,
		&r.Fingerprint, &bypassCache, &streamInt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	r.SubmittedAt = parseTime(submittedAt)
	if deadline.Valid {
		r.Deadline = parseTime(deadline.String)
	}
	r.Status = gateway.Status(status)
	r.AssignedWorker = assignedWorker.String
	r.APIKeyID = apiKeyID.String
	r.ParentRequestID = parentID.String
	r.BypassCache = bypassCache != 0
	r.Stream = streamInt != 0
	return &r, nil
}
