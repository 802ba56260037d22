package repo

import (
	"context"
	"database/sql"

	"fleetline/internal/domain"
)

const firmwareColumns = `id,version,COALESCE(description,''),device_type,file_name,size,checksum,storage_ref,status,uploaded_at`

func scanFirmware(scan func(dest ...any) error) (domain.Firmware, error) {
	var f domain.Firmware
	err := scan(&f.ID, &f.Version, &f.Description, &f.DeviceType, &f.FileName,
		&f.Size, &f.Checksum, &f.StorageRef, &f.Status, &f.UploadedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	return f, err
}

func (r Repo) InsertFirmware(ctx context.Context, f domain.Firmware) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO firmware(id,version,description,device_type,file_name,size,checksum,storage_ref,status,uploaded_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		f.ID, f.Version, nullable(f.Description), f.DeviceType, f.FileName, f.Size, f.Checksum, f.StorageRef, f.Status, f.UploadedAt)
	return err
}

func (r Repo) GetFirmware(ctx context.Context, id string) (domain.Firmware, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+firmwareColumns+` FROM firmware WHERE id=?`, id)
	return scanFirmware(row.Scan)
}

// GetAvailableFirmwareByVersion checks for an existing live artifact with
// the same version and device type.
func (r Repo) GetAvailableFirmwareByVersion(ctx context.Context, deviceType, version string) (domain.Firmware, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+firmwareColumns+` FROM firmware WHERE device_type=? AND version=? AND status='available' LIMIT 1`, deviceType, version)
	return scanFirmware(row.Scan)
}

func (r Repo) ListFirmware(ctx context.Context, includeDeleted bool) ([]domain.Firmware, error) {
	query := `SELECT ` + firmwareColumns + ` FROM firmware`
	if !includeDeleted {
		query += ` WHERE status='available'`
	}
	query += ` ORDER BY uploaded_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Firmware
	for rows.Next() {
		f, err := scanFirmware(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// MarkFirmwareDeleted tombstones the row; deployments keep their
// firmware reference.
func (r Repo) MarkFirmwareDeleted(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE firmware SET status='deleted' WHERE id=? AND status='available'`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
