package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fleetwise/fleetwise/pkg/core"
)

// UpsertServiceHeartbeat creates the (name, host) service row on first
// call and refreshes last_seen_up on every later one. Returns the current
// row including its id.
func (s *SQLiteStore) UpsertServiceHeartbeat(ctx context.Context, name, host string) (*core.Service, error) {
	now := time.Now().UTC()

	query := `
		INSERT INTO services (name, host, last_seen_up, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name, host) DO UPDATE SET
			last_seen_up = excluded.last_seen_up,
			updated_at = excluded.updated_at,
			deleted_at = NULL
	`
	if _, err := s.db.ExecContext(ctx, query, name, host, now, now, now); err != nil {
		return nil, fmt.Errorf("failed to upsert service heartbeat: %w", err)
	}

	return s.GetServiceByNameHost(ctx, name, host)
}

const serviceColumns = `id, name, host, last_seen_up, created_at, updated_at, deleted_at`

func scanService(row interface{ Scan(...interface{}) error }) (*core.Service, error) {
	svc := &core.Service{}
	var deletedAt sql.NullTime
	err := row.Scan(&svc.ID, &svc.Name, &svc.Host, &svc.LastSeenUp,
		&svc.CreatedAt, &svc.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	svc.DeletedAt = timePtr(deletedAt)
	return svc, nil
}

// GetService retrieves a live service row by id.
func (s *SQLiteStore) GetService(ctx context.Context, id int64) (*core.Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services WHERE id = ? AND deleted_at IS NULL`
	svc, err := scanService(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, notFound("service", fmt.Sprintf("%d", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service: %w", err)
	}
	return svc, nil
}

// GetServiceByNameHost retrieves the live service row of one worker.
func (s *SQLiteStore) GetServiceByNameHost(ctx context.Context, name, host string) (*core.Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services WHERE name = ? AND host = ? AND deleted_at IS NULL`
	svc, err := scanService(s.db.QueryRowContext(ctx, query, name, host))
	if err == sql.ErrNoRows {
		return nil, notFound("service", fmt.Sprintf("%s:%s", name, host))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service: %w", err)
	}
	return svc, nil
}

// ListServicesByName lists the live service rows of one service name,
// ordered by host so leader election is deterministic.
func (s *SQLiteStore) ListServicesByName(ctx context.Context, name string) ([]*core.Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services WHERE name = ? AND deleted_at IS NULL ORDER BY host ASC`
	return s.queryServices(ctx, query, name)
}

// ListServices lists all live service rows ordered by name then host.
func (s *SQLiteStore) ListServices(ctx context.Context) ([]*core.Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services WHERE deleted_at IS NULL ORDER BY name ASC, host ASC`
	return s.queryServices(ctx, query)
}

func (s *SQLiteStore) queryServices(ctx context.Context, query string, args ...interface{}) ([]*core.Service, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	defer rows.Close()

	services := []*core.Service{}
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan service: %w", err)
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating services: %w", err)
	}
	return services, nil
}
