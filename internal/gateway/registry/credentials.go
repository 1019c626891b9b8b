package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Credential is a sealed upstream credential for one tool.  The envelope is
// stored as produced by common/crypto; the plaintext is only ever recovered
// on-demand inside an adapter and discarded after use.
type Credential struct {
	ID           int64
	Tool         string
	EnvelopeJSON string
	CreatedAt    time.Time
	RevokedAt    sql.NullTime
}

// PutCredential stores a sealed credential for tool, revoking any previously
// active credential so that at most one is active at a time.
func (r *Registry) PutCredential(ctx context.Context, tool, envelopeJSON string) error {
	if tool == "" || envelopeJSON == "" {
		return errors.New("registry: tool and envelope required")
	}
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("registry: begin credential tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE tool_credentials SET revoked_at = ? WHERE tool = ? AND revoked_at IS NULL
	`, now, tool); err != nil {
		return fmt.Errorf("registry: rotate credential: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tool_credentials (tool, envelope_json, created_at) VALUES (?, ?, ?)
	`, tool, envelopeJSON, now); err != nil {
		return fmt.Errorf("registry: insert credential: %w", err)
	}
	return tx.Commit()
}

// ActiveCredential returns the non-revoked credential for tool.
func (r *Registry) ActiveCredential(ctx context.Context, tool string) (*Credential, error) {
	c := &Credential{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tool, envelope_json, created_at, revoked_at
		FROM tool_credentials
		WHERE tool = ? AND revoked_at IS NULL
		ORDER BY created_at DESC LIMIT 1
	`, tool).Scan(&c.ID, &c.Tool, &c.EnvelopeJSON, &c.CreatedAt, &c.RevokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry: active credential: %w", err)
	}
	return c, nil
}

// RevokeCredential marks the active credential for tool as revoked.
func (r *Registry) RevokeCredential(ctx context.Context, tool string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tool_credentials SET revoked_at = ? WHERE tool = ? AND revoked_at IS NULL
	`, time.Now().UTC(), tool)
	if err != nil {
		return fmt.Errorf("registry: revoke credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ConfiguredTools lists tools that currently hold an active credential.
func (r *Registry) ConfiguredTools(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT tool FROM tool_credentials WHERE revoked_at IS NULL ORDER BY tool
	`)
	if err != nil {
		return nil, fmt.Errorf("registry: configured tools: %w", err)
	}
	defer rows.Close()

	var tools []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("registry: scan tool: %w", err)
		}
		tools = append(tools, t)
	}
	return tools, rows.Err()
}
