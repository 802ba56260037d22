package repo

import (
	"context"
	"database/sql"
	"strings"

	"fleetline/internal/domain"
)

const deviceColumns = `id,COALESCE(name,''),COALESCE(type,''),COALESCE(local_ip,''),COALESCE(mac_address,''),COALESCE(firmware_version,''),COALESCE(hardware_version,''),status,unregister_reason,COALESCE(last_seen,''),registered_at`

func scanDevice(scan func(dest ...any) error) (domain.Device, error) {
	var d domain.Device
	var reason sql.NullString
	err := scan(&d.ID, &d.Name, &d.Type, &d.LocalIP, &d.MACAddress, &d.FirmwareVersion,
		&d.HardwareVersion, &d.Status, &reason, &d.LastSeen, &d.RegisteredAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.UnregisterReason = stringPtr(reason)
	return d, nil
}

func (r Repo) UpsertDevice(ctx context.Context, d domain.Device) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO devices(id,name,type,local_ip,mac_address,firmware_version,hardware_version,status,last_seen,registered_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  name=excluded.name, type=excluded.type, local_ip=excluded.local_ip,
  mac_address=excluded.mac_address, firmware_version=excluded.firmware_version,
  hardware_version=excluded.hardware_version, status=excluded.status,
  last_seen=excluded.last_seen, unregister_reason=NULL`,
		d.ID, nullable(d.Name), nullable(d.Type), nullable(d.LocalIP), nullable(d.MACAddress),
		nullable(d.FirmwareVersion), nullable(d.HardwareVersion), d.Status, nullable(d.LastSeen), d.RegisteredAt)
	return err
}

func (r Repo) GetDevice(ctx context.Context, id string) (domain.Device, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id=?`, id)
	return scanDevice(row.Scan)
}

func (r Repo) GetDeviceTx(ctx context.Context, tx *sql.Tx, id string) (domain.Device, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id=?`, id)
	return scanDevice(row.Scan)
}

func (r Repo) ListDevices(ctx context.Context, onlyOnline bool) ([]domain.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices`
	if onlyOnline {
		query += ` WHERE status='online'`
	}
	query += ` ORDER BY registered_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Device
	for rows.Next() {
		d, err := scanDevice(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// ResolveOnline returns the subset of the given ids that exist and are
// currently online. Order follows the input, duplicates collapse.
func (r Repo) ResolveOnline(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM devices WHERE status='online' AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	online := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		online[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var res []string
	seen := map[string]bool{}
	for _, id := range ids {
		if online[id] && !seen[id] {
			res = append(res, id)
			seen[id] = true
		}
	}
	return res, nil
}

// TouchDevice refreshes liveness on a heartbeat.
func (r Repo) TouchDeviceTx(ctx context.Context, tx *sql.Tx, id, lastSeen string) error {
	res, err := tx.ExecContext(ctx, `UPDATE devices SET status='online', last_seen=?, unregister_reason=NULL WHERE id=?`, lastSeen, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertTelemetryTx(ctx context.Context, tx *sql.Tx, deviceID, ts, payloadJSON string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO device_telemetry(device_id,ts,payload_json) VALUES (?,?,?)`, deviceID, ts, payloadJSON)
	return err
}

func (r Repo) LatestTelemetry(ctx context.Context, deviceID string) (string, string, error) {
	var ts, payload string
	err := r.DB.QueryRowContext(ctx, `SELECT ts,payload_json FROM device_telemetry WHERE device_id=? ORDER BY id DESC LIMIT 1`, deviceID).Scan(&ts, &payload)
	if err == sql.ErrNoRows {
		return "", "", ErrNotFound
	}
	return ts, payload, err
}

// MarkDeviceOffline records an unregister or staleness transition.
func (r Repo) MarkDeviceOffline(ctx context.Context, id, reason string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE devices SET status='offline', unregister_reason=? WHERE id=?`, nullable(reason), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkStaleDevicesOffline flips online devices whose last heartbeat is
// older than the cutoff. Returns the ids it flipped.
func (r Repo) MarkStaleDevicesOffline(ctx context.Context, cutoff string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM devices WHERE status='online' AND (last_seen IS NULL OR last_seen < ?)`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := r.DB.ExecContext(ctx, `UPDATE devices SET status='offline' WHERE id=? AND status='online'`, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// DeleteDevice removes a device; commands and telemetry cascade.
func (r Repo) DeleteDeviceTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountDevicesByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM devices GROUP BY status`)
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
