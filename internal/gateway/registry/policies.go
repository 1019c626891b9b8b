package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PolicyRow is a stored policy spec assigned to either a specific agent or a
// role.  The spec itself is opaque JSON here; the policy package owns its
// structure.
type PolicyRow struct {
	ID        string
	AgentID   sql.NullString
	Role      sql.NullString
	SpecJSON  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreatePolicy stores a new policy assignment.  Exactly one of agentID and
// role must be non-empty.
func (r *Registry) CreatePolicy(ctx context.Context, agentID, role, specJSON string) (*PolicyRow, error) {
	if (agentID == "") == (role == "") {
		return nil, errors.New("registry: policy must target exactly one of agent or role")
	}
	if specJSON == "" {
		return nil, errors.New("registry: policy spec required")
	}

	now := time.Now().UTC()
	row := &PolicyRow{
		ID:        uuid.NewString(),
		SpecJSON:  specJSON,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if agentID != "" {
		row.AgentID = sql.NullString{String: agentID, Valid: true}
	}
	if role != "" {
		row.Role = sql.NullString{String: role, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO policies (id, agent_id, role, spec_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, row.ID, row.AgentID, row.Role, row.SpecJSON, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("registry: create policy: %w", err)
	}
	return row, nil
}

// GetPolicy loads one policy row.
func (r *Registry) GetPolicy(ctx context.Context, id string) (*PolicyRow, error) {
	row := &PolicyRow{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, agent_id, role, spec_json, created_at, updated_at
		FROM policies WHERE id = ?
	`, id).Scan(&row.ID, &row.AgentID, &row.Role, &row.SpecJSON, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get policy: %w", err)
	}
	return row, nil
}

// UpdatePolicy replaces the spec of an existing policy row.
func (r *Registry) UpdatePolicy(ctx context.Context, id, specJSON string) error {
	if specJSON == "" {
		return errors.New("registry: policy spec required")
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE policies SET spec_json = ?, updated_at = ? WHERE id = ?
	`, specJSON, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("registry: update policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePolicy removes a policy row.
func (r *Registry) DeletePolicy(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM policies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("registry: delete policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PoliciesFor returns all policy rows applying to the agent: rows assigned
// to the agent ID plus rows assigned to its role.
func (r *Registry) PoliciesFor(ctx context.Context, agentID, role string) ([]*PolicyRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, agent_id, role, spec_json, created_at, updated_at
		FROM policies
		WHERE agent_id = ? OR (role IS NOT NULL AND role = ? AND ? != '')
		ORDER BY created_at
	`, agentID, role, role)
	if err != nil {
		return nil, fmt.Errorf("registry: policies for agent: %w", err)
	}
	defer rows.Close()

	var result []*PolicyRow
	for rows.Next() {
		row := &PolicyRow{}
		if err := rows.Scan(&row.ID, &row.AgentID, &row.Role, &row.SpecJSON, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("registry: scan policy: %w", err)
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// ListPolicies returns all policy rows.
func (r *Registry) ListPolicies(ctx context.Context) ([]*PolicyRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, agent_id, role, spec_json, created_at, updated_at
		FROM policies ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("registry: list policies: %w", err)
	}
	defer rows.Close()

	var result []*PolicyRow
	for rows.Next() {
		row := &PolicyRow{}
		if err := rows.Scan(&row.ID, &row.AgentID, &row.Role, &row.SpecJSON, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("registry: scan policy: %w", err)
		}
		result = append(result, row)
	}
	return result, rows.Err()
}
