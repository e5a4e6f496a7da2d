package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/eugener/gatewayd/internal"
	"github.com/eugener/gatewayd/internal/store"
)

// CreateKey inserts a new API key.
func (s *Store) CreateKey(ctx context.Context, key *gateway.APIKey) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO api_keys (id, key_hash, name, status, rpm_limit, last_used_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.SecretHash, key.Name, string(key.Status), key.RPMLimit,
		timePtrToStr(key.LastUsedAt), timeToStr(key.CreatedAt),
	)
	return err
}

// GetKeyByHash retrieves an API key by its SHA-256 hash.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, key_hash, name, status, rpm_limit, last_used_at, created_at
		 FROM api_keys WHERE key_hash = ?`, hash)
	return scanKey(row)
}

// GetKey retrieves an API key by its ID.
func (s *Store) GetKey(ctx context.Context, id string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, key_hash, name, status, rpm_limit, last_used_at, created_at
		 FROM api_keys WHERE id = ?`, id)
	return scanKey(row)
}

// ListKeys returns all API keys, newest first.
func (s *Store) ListKeys(ctx context.Context, page store.Page) ([]*gateway.APIKey, error) {
	limit := page.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, key_hash, name, status, rpm_limit, last_used_at, created_at
		 FROM api_keys ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, page.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// UpdateKey updates an existing API key's mutable fields.
func (s *Store) UpdateKey(ctx context.Context, key *gateway.APIKey) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET name=?, status=?, rpm_limit=? WHERE id=?`,
		key.Name, string(key.Status), key.RPMLimit, key.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// DeleteKey removes an API key.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// TouchKeyUsed updates the last_used_at timestamp.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at=? WHERE id=?`, timeToStr(time.Now()), id,
	)
	return err
}

func scanKey(row scanner) (*gateway.APIKey, error) {
	var k gateway.APIKey
	var status string
	var createdAt string
	var lastUsedAt sql.NullString

	err := row.Scan(&k.ID, &k.SecretHash, &k.Name, &status, &k.RPMLimit, &lastUsedAt, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	k.Status = gateway.KeyStatus(status)
	k.LastUsedAt = parseTimePtr(lastUsedAt)
	k.CreatedAt = parseTime(createdAt)
	return &k, nil
}
