package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"fleetline/internal/domain"
)

const deploymentColumns = `id,name,firmware_id,firmware_version,target_devices_json,status,total_devices,completed_devices,failed_devices,error,created_at,started_at,completed_at`

func scanDeployment(scan func(dest ...any) error) (domain.Deployment, error) {
	var d domain.Deployment
	var targets string
	var errText, startedAt, completedAt sql.NullString
	err := scan(&d.ID, &d.Name, &d.FirmwareID, &d.FirmwareVersion, &targets, &d.Status,
		&d.TotalDevices, &d.CompletedDevices, &d.FailedDevices, &errText, &d.CreatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if err := json.Unmarshal([]byte(targets), &d.TargetDevices); err != nil {
		return d, fmt.Errorf("decode targets for deployment %s: %w", d.ID, err)
	}
	d.Error = stringPtr(errText)
	d.StartedAt = stringPtr(startedAt)
	d.CompletedAt = stringPtr(completedAt)
	return d, nil
}

func (r Repo) InsertDeployment(ctx context.Context, d domain.Deployment) error {
	targets, err := json.Marshal(d.TargetDevices)
	if err != nil {
		return fmt.Errorf("encode targets: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO deployments(id,name,firmware_id,firmware_version,target_devices_json,status,total_devices,completed_devices,failed_devices,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.Name, d.FirmwareID, d.FirmwareVersion, string(targets), d.Status, d.TotalDevices, d.CompletedDevices, d.FailedDevices, d.CreatedAt)
	return err
}

func (r Repo) GetDeployment(ctx context.Context, id string) (domain.Deployment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id=?`, id)
	return scanDeployment(row.Scan)
}

// StartDeployment flips pending to in_progress. The status guard keeps
// the transition one-directional.
func (r Repo) StartDeployment(ctx context.Context, id, startedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE deployments SET status=?, started_at=? WHERE id=? AND status=?`,
		domain.DeploymentInProgress, startedAt, id, domain.DeploymentPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishDeployment writes the final aggregate. Only a live deployment can
// be finished; a second finish is a no-op reported via the bool.
func (r Repo) FinishDeployment(ctx context.Context, id, status string, completed, failed int, errText *string, completedAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE deployments SET status=?, completed_devices=?, failed_devices=?, error=?, completed_at=?
WHERE id=? AND status IN (?,?)`,
		status, completed, failed, nullableStringPtr(errText), completedAt,
		id, domain.DeploymentPending, domain.DeploymentInProgress)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateDeploymentCounters refreshes the persisted counters mid-flight so
// history listings do not need a join. Counts always come from command rows.
func (r Repo) UpdateDeploymentCounters(ctx context.Context, id string, completed, failed int) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE deployments SET completed_devices=?, failed_devices=? WHERE id=?`, completed, failed, id)
	return err
}

func (r Repo) ListDeployments(ctx context.Context, limit int, onlyActive bool) ([]domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments`
	if onlyActive {
		query += ` WHERE status IN ('pending','in_progress')`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
