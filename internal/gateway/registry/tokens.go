package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Provenance failure sentinels.
var (
	// ErrTokenRevoked is returned when the registry row is revoked.
	ErrTokenRevoked = errors.New("registry: token revoked")
	// ErrProofMismatch is returned when the supplied proof payload hash does
	// not match the registered one.
	ErrProofMismatch = errors.New("registry: proof payload mismatch")
)

// TokenEntry is a provenance row binding a token ID to the hash of its
// proof payload.
type TokenEntry struct {
	TokenID     string
	AgentID     string
	PayloadHash string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	IsRevoked   bool
}

// RegisterToken records a provenance row for a freshly issued token.
func (r *Registry) RegisterToken(ctx context.Context, e *TokenEntry) error {
	if e.ExpiresAt.Before(e.IssuedAt) || e.ExpiresAt.Equal(e.IssuedAt) {
		return errors.New("registry: token expiry must be after issuance")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO token_registry (token_id, agent_id, payload_hash, issued_at, expires_at, is_revoked)
		VALUES (?, ?, ?, ?, ?, 0)
	`, e.TokenID, e.AgentID, e.PayloadHash, e.IssuedAt.UTC(), e.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("registry: register token: %w", err)
	}
	return nil
}

// GetToken loads a provenance row by token ID.
func (r *Registry) GetToken(ctx context.Context, tokenID string) (*TokenEntry, error) {
	e := &TokenEntry{}
	var revoked int
	err := r.db.QueryRowContext(ctx, `
		SELECT token_id, agent_id, payload_hash, issued_at, expires_at, is_revoked
		FROM token_registry WHERE token_id = ?
	`, tokenID).Scan(&e.TokenID, &e.AgentID, &e.PayloadHash, &e.IssuedAt, &e.ExpiresAt, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get token: %w", err)
	}
	e.IsRevoked = revoked != 0
	return e, nil
}

// VerifyProof checks a token's provenance: the row must exist, must not be
// revoked, and the supplied proof payload hash must match the registered one.
func (r *Registry) VerifyProof(ctx context.Context, tokenID, proofHash string) (*TokenEntry, error) {
	e, err := r.GetToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if e.IsRevoked {
		return nil, ErrTokenRevoked
	}
	if e.PayloadHash != proofHash {
		return nil, ErrProofMismatch
	}
	return e, nil
}

// RevokeToken flips the revocation flag.  The flip is monotonic: a revoked
// token can never be un-revoked.
func (r *Registry) RevokeToken(ctx context.Context, tokenID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE token_registry SET is_revoked = 1 WHERE token_id = ?`, tokenID)
	if err != nil {
		return fmt.Errorf("registry: revoke token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTokens returns provenance rows for an agent, newest first.
func (r *Registry) ListTokens(ctx context.Context, agentID string) ([]*TokenEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT token_id, agent_id, payload_hash, issued_at, expires_at, is_revoked
		FROM token_registry WHERE agent_id = ? ORDER BY issued_at DESC
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("registry: list tokens: %w", err)
	}
	defer rows.Close()

	var entries []*TokenEntry
	for rows.Next() {
		e := &TokenEntry{}
		var revoked int
		if err := rows.Scan(&e.TokenID, &e.AgentID, &e.PayloadHash, &e.IssuedAt, &e.ExpiresAt, &revoked); err != nil {
			return nil, fmt.Errorf("registry: scan token: %w", err)
		}
		e.IsRevoked = revoked != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PruneExpiredTokens deletes provenance rows whose expiry has passed.
// Intended to be called periodically from a background goroutine.
func (r *Registry) PruneExpiredTokens(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM token_registry WHERE expires_at < ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("registry: prune tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
