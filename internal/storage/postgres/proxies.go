package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/face-harvester/internal/crawler"
)

const proxyColumns = `id, address, protocol, username, password, active, success_count, failure_count,
	avg_latency_ms, last_checked_at, created_at`

// CreateProxy inserts an endpoint; (address, protocol) is unique.
func (s *Store) CreateProxy(ctx context.Context, p crawler.ProxyEndpoint) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO proxies (id, address, protocol, username, password, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.Address, p.Protocol, p.Username, p.Password, p.Active, p.CreatedAt,
	)
	return mapError(err, "insert proxy "+p.Address)
}

// ListProxies returns endpoints in creation order.
func (s *Store) ListProxies(ctx context.Context, activeOnly bool) ([]crawler.ProxyEndpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+proxyColumns+`
		FROM proxies
		WHERE active OR NOT $1
		ORDER BY created_at, id`,
		activeOnly,
	)
	if err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}
	defer rows.Close()

	out := make([]crawler.ProxyEndpoint, 0)
	for rows.Next() {
		var p crawler.ProxyEndpoint
		if err := rows.Scan(
			&p.ID, &p.Address, &p.Protocol, &p.Username, &p.Password, &p.Active, &p.SuccessCount, &p.FailureCount,
			&p.AvgLatencyMs, &p.LastCheckedAt, &p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan proxy: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proxies: %w", err)
	}
	return out, nil
}

// DeleteProxy removes an endpoint.
func (s *Store) DeleteProxy(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM proxies WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete proxy: %w", err)
	}
	return notFoundUnlessAffected(tag, "proxy "+id)
}

// RecordProxySuccess bumps the success count and folds latency into the running average.
func (s *Store) RecordProxySuccess(ctx context.Context, id string, latency time.Duration, at time.Time) error {
	ms := float64(latency) / float64(time.Millisecond)
	tag, err := s.pool.Exec(ctx, `
		UPDATE proxies
		SET avg_latency_ms = (avg_latency_ms * success_count + $2) / (success_count + 1),
			success_count = success_count + 1,
			last_checked_at = $3
		WHERE id = $1`,
		id, ms, at,
	)
	if err != nil {
		return fmt.Errorf("record proxy success: %w", err)
	}
	return notFoundUnlessAffected(tag, "proxy "+id)
}

// RecordProxyFailure bumps the failure count and returns the new total.
func (s *Store) RecordProxyFailure(ctx context.Context, id string, at time.Time) (int, error) {
	var failures int
	err := s.pool.QueryRow(ctx, `
		UPDATE proxies
		SET failure_count = failure_count + 1, last_checked_at = $2
		WHERE id = $1
		RETURNING failure_count`,
		id, at,
	).Scan(&failures)
	if err != nil {
		return 0, mapError(err, "proxy "+id)
	}
	return failures, nil
}

// SetProxyActive flips the active flag.
func (s *Store) SetProxyActive(ctx context.Context, id string, active bool) error {
	tag, err := s.pool.Exec(ctx, "UPDATE proxies SET active = $2 WHERE id = $1", id, active)
	if err != nil {
		return fmt.Errorf("set proxy active: %w", err)
	}
	return notFoundUnlessAffected(tag, "proxy "+id)
}

// ReactivateAll activates every endpoint, clears failure counts and returns how
// many were inactive.
func (s *Store) ReactivateAll(ctx context.Context) (int, error) {
	var reactivated int
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM proxies WHERE NOT active").Scan(&reactivated); err != nil {
			return fmt.Errorf("count inactive proxies: %w", err)
		}
		if _, err := tx.Exec(ctx, "UPDATE proxies SET active = TRUE, failure_count = 0"); err != nil {
			return fmt.Errorf("reactivate proxies: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reactivated, nil
}
