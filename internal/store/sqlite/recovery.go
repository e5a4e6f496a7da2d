package sqlite

import (
	"context"
	"time"

	gateway "github.com/eugener/gatewayd/internal"
)

// StartupRecovery scans for requests left in status queued or processing by
// a previous run and marks them failed/interrupted (spec §3 "Ownership and
// lifecycle", testable property 8). It must run before the gateway accepts
// new work.
func (s *Store) StartupRecovery(ctx context.Context) ([]*gateway.Request, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, status FROM requests WHERE status IN (?, ?)`,
		string(gateway.StatusQueued), string(gateway.StatusProcessing))
	if err != nil {
		return nil, err
	}

	type pending struct {
		id     string
		status gateway.Status
	}
	var toRecover []pending
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			rows.Close()
			return nil, err
		}
		toRecover = append(toRecover, pending{id, gateway.Status(status)})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var recovered []*gateway.Request
	now := time.Now().UTC()
	for _, p := range toRecover {
		resp := &gateway.Response{
			RequestID:    p.id,
			ErrorKind:    gateway.KindInterrupted,
			ErrorMessage: "process restarted while request was in flight",
			CompletedAt:  now,
		}
		if err := s.CompleteRequest(ctx, resp, p.status, gateway.StatusFailed,
			map[string]string{"reason": "startup_recovery"}, nil); err != nil {
			return recovered, err
		}
		req, err := s.GetRequest(ctx, p.id)
		if err != nil {
			return recovered, err
		}
		recovered = append(recovered, req)
	}
	return recovered, nil
}
