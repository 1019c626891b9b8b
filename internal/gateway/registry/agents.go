package registry

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Agent statuses.
const (
	AgentActive   = "active"
	AgentDisabled = "disabled"
)

// Agent is a principal that makes tool calls via the gateway.
type Agent struct {
	ID        string
	Name      string
	CreatedBy string
	Role      string
	PublicKey []byte
	Status    string
	CreatedAt time.Time
}

// CreateAgent inserts a new agent, generating its keypair.  The private key
// is returned exactly once and never stored.
func (r *Registry) CreateAgent(ctx context.Context, name, createdBy, role string) (*Agent, ed25519.PrivateKey, error) {
	if name == "" {
		return nil, nil, errors.New("registry: agent name required")
	}
	if len(name) > 128 {
		return nil, nil, errors.New("registry: agent name too long")
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("registry: generate keypair: %w", err)
	}

	agent := &Agent{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedBy: createdBy,
		Role:      role,
		PublicKey: pub,
		Status:    AgentActive,
		CreatedAt: time.Now().UTC(),
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, created_by, role, public_key, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, agent.ID, agent.Name, agent.CreatedBy, agent.Role, agent.PublicKey, agent.Status, agent.CreatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("registry: create agent: %w", err)
	}

	return agent, priv, nil
}

// GetAgent retrieves an agent by ID.
func (r *Registry) GetAgent(ctx context.Context, id string) (*Agent, error) {
	agent := &Agent{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, created_by, role, public_key, status, created_at
		FROM agents WHERE id = ?
	`, id).Scan(
		&agent.ID, &agent.Name, &agent.CreatedBy, &agent.Role,
		&agent.PublicKey, &agent.Status, &agent.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns all agents, newest first.
func (r *Registry) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, created_by, role, public_key, status, created_at
		FROM agents ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("registry: list agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent := &Agent{}
		if err := rows.Scan(
			&agent.ID, &agent.Name, &agent.CreatedBy, &agent.Role,
			&agent.PublicKey, &agent.Status, &agent.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("registry: scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: iterate agents: %w", err)
	}
	return agents, nil
}

// UpdateAgentStatus flips an agent between active and disabled.
func (r *Registry) UpdateAgentStatus(ctx context.Context, id, status string) error {
	if status != AgentActive && status != AgentDisabled {
		return fmt.Errorf("registry: invalid agent status %q", status)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE agents SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("registry: update agent status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAgent removes an agent.  Request logs retain the agent ID so the
// audit trail survives deletion.
func (r *Registry) DeleteAgent(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("registry: delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AgentCount returns the number of registered agents.
func (r *Registry) AgentCount(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("registry: count agents: %w", err)
	}
	return n, nil
}
