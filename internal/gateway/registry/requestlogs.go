package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RequestLog is one append-only audit row for a proxy call.
type RequestLog struct {
	ID             int64
	CorrID         string
	AgentID        string
	Tool           string
	Action         string
	ResponseTimeMs int64
	StatusCode     int
	Success        bool
	ErrorMessage   sql.NullString
	CreatedAt      time.Time
}

// AppendRequestLog writes one audit row.  Rows are never updated or deleted
// except by retention pruning.
func (r *Registry) AppendRequestLog(ctx context.Context, l *RequestLog) error {
	var errMsg sql.NullString
	if l.ErrorMessage.Valid && l.ErrorMessage.String != "" {
		errMsg = l.ErrorMessage
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO request_logs (corr_id, agent_id, tool, action, response_time_ms, status_code, success, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.CorrID, l.AgentID, l.Tool, l.Action, l.ResponseTimeMs, l.StatusCode, boolToInt(l.Success), errMsg, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("registry: append request log: %w", err)
	}
	l.ID, _ = res.LastInsertId()
	return nil
}

// ListRequestLogs returns recent rows, newest first.  An empty agentID
// returns rows for all agents.
func (r *Registry) ListRequestLogs(ctx context.Context, agentID string, limit int) ([]*RequestLog, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, corr_id, agent_id, tool, action, response_time_ms, status_code, success, error_message, created_at
		FROM request_logs`
	args := []any{}
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("registry: list request logs: %w", err)
	}
	defer rows.Close()

	var logs []*RequestLog
	for rows.Next() {
		l := &RequestLog{}
		var success int
		if err := rows.Scan(
			&l.ID, &l.CorrID, &l.AgentID, &l.Tool, &l.Action,
			&l.ResponseTimeMs, &l.StatusCode, &success, &l.ErrorMessage, &l.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("registry: scan request log: %w", err)
		}
		l.Success = success != 0
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// PruneRequestLogs deletes rows older than the retention period.
func (r *Registry) PruneRequestLogs(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM request_logs WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("registry: prune request logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
