package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fleetline/internal/domain"
	"fleetline/internal/events"
	"fleetline/internal/metrics"
	"fleetline/internal/repo"
)

// batchDeleteLimit caps one batch-delete request.
const batchDeleteLimit = 50

// RegisterOptions carry the device-reported identity fields.
type RegisterOptions struct {
	DeviceID        string
	Name            string
	Type            string
	LocalIP         string
	MACAddress      string
	FirmwareVersion string
	HardwareVersion string
}

// RegisterDevice upserts a device record. Re-registration refreshes the
// identity fields and flips the device back online.
func (e Engine) RegisterDevice(ctx context.Context, opts RegisterOptions) (domain.Device, error) {
	id := strings.TrimSpace(opts.DeviceID)
	if id == "" {
		return domain.Device{}, validationf("device id is required")
	}
	if strings.ContainsAny(id, " \t\n/") {
		return domain.Device{}, validationf("device id must not contain whitespace or slashes")
	}
	now := e.timestamp()
	d := domain.Device{
		ID:              id,
		Name:            strings.TrimSpace(opts.Name),
		Type:            strings.TrimSpace(opts.Type),
		LocalIP:         strings.TrimSpace(opts.LocalIP),
		MACAddress:      strings.TrimSpace(opts.MACAddress),
		FirmwareVersion: strings.TrimSpace(opts.FirmwareVersion),
		HardwareVersion: strings.TrimSpace(opts.HardwareVersion),
		Status:          "online",
		LastSeen:        now,
		RegisteredAt:    now,
	}
	if existing, err := e.Repo.GetDevice(ctx, id); err == nil {
		d.RegisteredAt = existing.RegisteredAt
	}
	if err := e.Repo.UpsertDevice(ctx, d); err != nil {
		return domain.Device{}, fmt.Errorf("upsert device: %w", err)
	}
	if err := e.appendEvent(ctx, "device.registered", "device", id, id, events.EventPayload{
		"device_name": d.Name,
		"device_type": d.Type,
	}); err != nil {
		return domain.Device{}, err
	}
	e.refreshOnlineGauge(ctx)
	return d, nil
}

// UnregisterDevice marks a device offline with a reason but keeps its
// history; commands and telemetry survive.
func (e Engine) UnregisterDevice(ctx context.Context, deviceID, reason string) error {
	if reason == "" {
		reason = "unregistered"
	}
	if err := e.Repo.MarkDeviceOffline(ctx, deviceID, reason); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return notFound("device", deviceID)
		}
		return err
	}
	if err := e.appendEvent(ctx, "device.unregistered", "device", deviceID, deviceID, events.EventPayload{"reason": reason}); err != nil {
		return err
	}
	e.refreshOnlineGauge(ctx)
	return nil
}

// DeleteDevice removes a device and, by cascade, every command and
// telemetry sample it ever had. This is the only path that deletes
// command rows.
func (e Engine) DeleteDevice(ctx context.Context, deviceID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteDeviceTx(ctx, tx, deviceID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return notFound("device", deviceID)
		}
		return err
	}
	if err := e.Events.Append(ctx, tx, "device.deleted", "device", deviceID, actorID, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.refreshOnlineGauge(ctx)
	return nil
}

// BatchDeleteResult reports per-device outcomes of a batch delete.
type BatchDeleteResult struct {
	Status  string   `json:"status" enum:"success,partial_success"`
	Deleted []string `json:"deleted"`
	Errors  []string `json:"errors,omitempty"`
}

// BatchDeleteDevices deletes up to batchDeleteLimit devices, continuing
// past individual failures and reporting both lists.
func (e Engine) BatchDeleteDevices(ctx context.Context, deviceIDs []string, actorID string) (BatchDeleteResult, error) {
	if len(deviceIDs) == 0 {
		return BatchDeleteResult{}, validationf("device id list is empty")
	}
	if len(deviceIDs) > batchDeleteLimit {
		return BatchDeleteResult{}, validationf("at most %d devices per batch delete", batchDeleteLimit)
	}
	res := BatchDeleteResult{Status: "success", Deleted: []string{}}
	for _, id := range deviceIDs {
		if err := e.DeleteDevice(ctx, id, actorID); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", id, err))
			continue
		}
		res.Deleted = append(res.Deleted, id)
	}
	if len(res.Errors) > 0 {
		res.Status = "partial_success"
	}
	return res, nil
}

// SweepStaleDevices flips devices offline when their last heartbeat is
// older than the configured threshold. Returns the flipped ids.
func (e Engine) SweepStaleDevices(ctx context.Context) ([]string, error) {
	cutoff := e.now().UTC().Add(-e.Config.OfflineAfter()).Format(time.RFC3339)
	ids, err := e.Repo.MarkStaleDevicesOffline(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := e.appendEvent(ctx, "device.offline", "device", id, "system", events.EventPayload{"reason": "heartbeat stale"}); err != nil {
			return ids, err
		}
	}
	if len(ids) > 0 {
		e.Log.Infow("marked stale devices offline", "count", len(ids))
	}
	e.refreshOnlineGauge(ctx)
	return ids, nil
}

// appendEvent writes a standalone audit event in its own transaction.
func (e Engine) appendEvent(ctx context.Context, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, entityKind, entityID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) refreshOnlineGauge(ctx context.Context) {
	counts, err := e.Repo.CountDevicesByStatus(ctx)
	if err != nil {
		return
	}
	metrics.DevicesOnline.Set(float64(counts["online"]))
}
