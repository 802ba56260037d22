package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"fleetline/internal/domain"
)

const commandColumns = `id,device_id,kind,payload_json,status,progress,deployment_id,error_detail,created_at,sent_at,completed_at`

func scanCommand(scan func(dest ...any) error) (domain.Command, error) {
	var c domain.Command
	var payload, deploymentID, errorDetail, sentAt, completedAt sql.NullString
	err := scan(&c.ID, &c.DeviceID, &c.Kind, &payload, &c.Status, &c.Progress,
		&deploymentID, &errorDetail, &c.CreatedAt, &sentAt, &completedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &c.Payload); err != nil {
			return c, fmt.Errorf("decode payload for command %s: %w", c.ID, err)
		}
	}
	c.DeploymentID = stringPtr(deploymentID)
	c.ErrorDetail = stringPtr(errorDetail)
	c.SentAt = stringPtr(sentAt)
	c.CompletedAt = stringPtr(completedAt)
	return c, nil
}

func (r Repo) InsertCommandTx(ctx context.Context, tx *sql.Tx, c domain.Command) error {
	var payload any
	if c.Payload != nil {
		data, err := json.Marshal(c.Payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		payload = string(data)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO device_commands(id,device_id,kind,payload_json,status,progress,deployment_id,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.DeviceID, c.Kind, payload, c.Status, c.Progress, nullableStringPtr(c.DeploymentID), c.CreatedAt)
	return err
}

func (r Repo) GetCommand(ctx context.Context, id string) (domain.Command, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM device_commands WHERE id=?`, id)
	return scanCommand(row.Scan)
}

func (r Repo) GetCommandTx(ctx context.Context, tx *sql.Tx, id string) (domain.Command, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM device_commands WHERE id=?`, id)
	return scanCommand(row.Scan)
}

// ListPendingTx returns a device's pending commands in FIFO order. The
// rowid tiebreak keeps insertion order for commands sharing a timestamp.
func (r Repo) ListPendingTx(ctx context.Context, tx *sql.Tx, deviceID string) ([]domain.Command, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+commandColumns+` FROM device_commands WHERE device_id=? AND status='pending' ORDER BY created_at ASC, rowid ASC`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Command
	for rows.Next() {
		c, err := scanCommand(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// MarkSentTx flips one pending command to sent. The status guard makes
// the transition safe against a concurrent fetch of the same row.
func (r Repo) MarkSentTx(ctx context.Context, tx *sql.Tx, id, sentAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE device_commands SET status='sent', sent_at=? WHERE id=? AND status='pending'`, sentAt, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ResolveCommandTx stamps a terminal outcome. Returns false when the
// command was already terminal, which callers treat as a no-op.
func (r Repo) ResolveCommandTx(ctx context.Context, tx *sql.Tx, id, status, completedAt string, errorDetail *string) (bool, error) {
	progress := 100
	if status == domain.CommandFailed {
		progress = 0
	}
	res, err := tx.ExecContext(ctx, `UPDATE device_commands SET status=?, progress=?, completed_at=?, error_detail=?
WHERE id=? AND status IN ('pending','sent')`,
		status, progress, completedAt, nullableStringPtr(errorDetail), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetCommandProgress records device-reported OTA progress. Terminal
// commands are left untouched.
func (r Repo) SetCommandProgress(ctx context.Context, id string, progress int, message string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE device_commands SET progress=?, error_detail=? WHERE id=? AND status IN ('pending','sent')`,
		progress, nullable(message), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either unknown or already terminal; distinguish for the caller.
		if _, err := r.GetCommand(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListCommandsByDevice(ctx context.Context, deviceID, status string, limit int) ([]domain.Command, error) {
	clauses := []string{"device_id=?"}
	args := []any{deviceID}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT ` + commandColumns + ` FROM device_commands WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Command
	for rows.Next() {
		c, err := scanCommand(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) ListCommandsByDeployment(ctx context.Context, deploymentID string) ([]domain.Command, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+commandColumns+` FROM device_commands WHERE deployment_id=? ORDER BY created_at ASC, rowid ASC`, deploymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Command
	for rows.Next() {
		c, err := scanCommand(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// CountCommandsByDeploymentStatus recomputes aggregate counters from the
// authoritative command rows.
func (r Repo) CountCommandsByDeploymentStatus(ctx context.Context, deploymentID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM device_commands WHERE deployment_id=? GROUP BY status`, deploymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
