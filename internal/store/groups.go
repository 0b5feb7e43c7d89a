package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"rolloutd/internal/pipeline"
)

// CreateGroup registers a new server group. Creating a group directly in
// RoleActive is rejected; activation goes through TransitionRoles so the
// single-active invariant is enforced in one place.
func (s *Store) CreateGroup(ctx context.Context, g *pipeline.ServerGroup) error {
	if g.Role == pipeline.RoleActive {
		return fmt.Errorf("server group %s/%s: cannot be created active, use a role transition", g.Service, g.Name)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_groups (service, name, artifact_id, role, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (service, name) DO UPDATE SET
			artifact_id = excluded.artifact_id,
			role = excluded.role
	`,
		g.Service,
		g.Name,
		g.ArtifactID,
		string(g.Role),
		g.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create server group: %w", err)
	}
	return nil
}

// TransitionRoles applies a set of role changes for one service in a
// single transaction and verifies that at most one group holds RoleActive
// afterwards. A violating transition is rolled back and rejected.
func (s *Store) TransitionRoles(ctx context.Context, tx *sql.Tx, service string, changes map[string]pipeline.Role) error {
	for name, role := range changes {
		res, err := tx.ExecContext(ctx, `
			UPDATE server_groups SET role = ? WHERE service = ? AND name = ?
		`, string(role), service, name)
		if err != nil {
			return fmt.Errorf("failed to transition group %s/%s: %w", service, name, err)
		}
		n, err := res.RowsAffected()
		if err == nil && n == 0 {
			return fmt.Errorf("server group %s/%s not found", service, name)
		}
	}

	var active int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM server_groups WHERE service = ? AND role = ?
	`, service, string(pipeline.RoleActive)).Scan(&active)
	if err != nil {
		return fmt.Errorf("failed to count active groups: %w", err)
	}
	if active > 1 {
		return fmt.Errorf("role transition for %s would leave %d active groups", service, active)
	}

	return nil
}

// ActiveGroup returns the service's active group, or nil when the service
// has never been cut over.
func (s *Store) ActiveGroup(ctx context.Context, service string) (*pipeline.ServerGroup, error) {
	return s.GroupByRole(ctx, service, pipeline.RoleActive)
}

// GroupByRole returns the newest group with the given role, or nil.
func (s *Store) GroupByRole(ctx context.Context, service string, role pipeline.Role) (*pipeline.ServerGroup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT service, name, artifact_id, role, created_at
		FROM server_groups
		WHERE service = ? AND role = ?
		ORDER BY created_at DESC LIMIT 1
	`, service, string(role))

	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query group by role: %w", err)
	}
	return g, nil
}

// GetGroup returns the named group, or nil when it does not exist.
func (s *Store) GetGroup(ctx context.Context, service, name string) (*pipeline.ServerGroup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT service, name, artifact_id, role, created_at
		FROM server_groups
		WHERE service = ? AND name = ?
	`, service, name)

	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query group: %w", err)
	}
	return g, nil
}

// ListGroups returns all groups of a service.
func (s *Store) ListGroups(ctx context.Context, service string) ([]pipeline.ServerGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT service, name, artifact_id, role, created_at
		FROM server_groups
		WHERE service = ?
		ORDER BY created_at ASC
	`, service)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var groups []pipeline.ServerGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating groups: %w", err)
	}
	return groups, nil
}

// DeleteGroup removes a destroyed group from the registry.
func (s *Store) DeleteGroup(ctx context.Context, service, name string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM server_groups WHERE service = ? AND name = ?
	`, service, name)
	if err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}
	return nil
}

func scanGroup(sc scanner) (*pipeline.ServerGroup, error) {
	var g pipeline.ServerGroup
	var role, createdAt string

	if err := sc.Scan(&g.Service, &g.Name, &g.ArtifactID, &role, &createdAt); err != nil {
		return nil, err
	}

	g.Role = pipeline.Role(role)
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse group created_at: %w", err)
	}
	g.CreatedAt = t

	return &g, nil
}
