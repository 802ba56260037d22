package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"fleetline/internal/domain"
	"fleetline/internal/events"
	"fleetline/internal/metrics"
	"fleetline/internal/repo"
)

// EnqueueOptions are parameters for appending one command.
type EnqueueOptions struct {
	DeviceID     string
	Kind         string
	Payload      map[string]any
	DeploymentID string
	ActorID      string
}

// Enqueue appends a command in pending state. Per-device ordering is
// strict FIFO; unknown devices fail fast and are never auto-created.
func (e Engine) Enqueue(ctx context.Context, opts EnqueueOptions) (domain.Command, error) {
	if strings.TrimSpace(opts.DeviceID) == "" {
		return domain.Command{}, validationf("device id is required")
	}
	if strings.TrimSpace(opts.Kind) == "" {
		return domain.Command{}, validationf("command kind is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Command{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetDeviceTx(ctx, tx, opts.DeviceID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Command{}, notFound("device", opts.DeviceID)
		}
		return domain.Command{}, err
	}
	cmd := domain.Command{
		ID:        uuid.New().String(),
		DeviceID:  opts.DeviceID,
		Kind:      opts.Kind,
		Payload:   opts.Payload,
		Status:    domain.CommandPending,
		CreatedAt: e.timestamp(),
	}
	if opts.DeploymentID != "" {
		cmd.DeploymentID = &opts.DeploymentID
	}
	if err := e.Repo.InsertCommandTx(ctx, tx, cmd); err != nil {
		return domain.Command{}, fmt.Errorf("insert command: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "command.enqueued", "command", cmd.ID, opts.ActorID, events.EventPayload{
		"device_id": cmd.DeviceID,
		"kind":      cmd.Kind,
	}); err != nil {
		return domain.Command{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Command{}, err
	}
	metrics.CommandsEnqueued.WithLabelValues(cmd.Kind).Inc()
	return cmd, nil
}

// FetchAndMarkSent atomically drains a device's pending commands into the
// sent state and returns them in enqueue order. Commands arriving
// concurrently stay pending for the next poll.
func (e Engine) FetchAndMarkSent(ctx context.Context, deviceID string) ([]domain.Command, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cmds, err := e.fetchAndMarkSentTx(ctx, tx, deviceID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cmds, nil
}

func (e Engine) fetchAndMarkSentTx(ctx context.Context, tx *sql.Tx, deviceID string) ([]domain.Command, error) {
	pending, err := e.Repo.ListPendingTx(ctx, tx, deviceID)
	if err != nil {
		return nil, err
	}
	sentAt := e.timestamp()
	delivered := make([]domain.Command, 0, len(pending))
	for _, cmd := range pending {
		ok, err := e.Repo.MarkSentTx(ctx, tx, cmd.ID, sentAt)
		if err != nil {
			return nil, fmt.Errorf("mark command %s sent: %w", cmd.ID, err)
		}
		if !ok {
			// Lost to a concurrent fetch; the other caller delivers it.
			continue
		}
		cmd.Status = domain.CommandSent
		cmd.SentAt = &sentAt
		if err := e.Events.Append(ctx, tx, "command.sent", "command", cmd.ID, deviceID, events.EventPayload{
			"device_id": cmd.DeviceID,
			"kind":      cmd.Kind,
		}); err != nil {
			return nil, err
		}
		delivered = append(delivered, cmd)
	}
	if len(delivered) > 0 {
		metrics.CommandsDelivered.Add(float64(len(delivered)))
	}
	return delivered, nil
}

// ReportOutcome stamps a terminal state on a command. Re-reporting an
// already-terminal command is a no-op, not an error.
func (e Engine) ReportOutcome(ctx context.Context, commandID string, success bool, errorDetail string) (domain.Command, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Command{}, err
	}
	defer tx.Rollback()

	cmd, err := e.Repo.GetCommandTx(ctx, tx, commandID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Command{}, notFound("command", commandID)
		}
		return domain.Command{}, err
	}
	if domain.CommandTerminal(cmd.Status) {
		return cmd, nil
	}
	status := domain.CommandCompleted
	if !success {
		status = domain.CommandFailed
	}
	completedAt := e.timestamp()
	var detail *string
	if errorDetail != "" {
		detail = &errorDetail
	}
	ok, err := e.Repo.ResolveCommandTx(ctx, tx, commandID, status, completedAt, detail)
	if err != nil {
		return domain.Command{}, fmt.Errorf("resolve command: %w", err)
	}
	if !ok {
		// Raced with another report; the first writer wins.
		return e.Repo.GetCommandTx(ctx, tx, commandID)
	}
	if err := e.Events.Append(ctx, tx, "command."+status, "command", commandID, cmd.DeviceID, events.EventPayload{
		"device_id": cmd.DeviceID,
		"kind":      cmd.Kind,
		"error":     errorDetail,
	}); err != nil {
		return domain.Command{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Command{}, err
	}
	metrics.CommandsResolved.WithLabelValues(status).Inc()

	cmd.Status = status
	cmd.CompletedAt = &completedAt
	cmd.ErrorDetail = detail
	if status == domain.CommandCompleted {
		cmd.Progress = 100
	} else {
		cmd.Progress = 0
	}
	return cmd, nil
}

// ReportProgress records device-side OTA progress on a live command.
func (e Engine) ReportProgress(ctx context.Context, commandID string, progress int, message string) error {
	if progress < 0 || progress > 100 {
		return validationf("progress must be between 0 and 100")
	}
	if err := e.Repo.SetCommandProgress(ctx, commandID, progress, message); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return notFound("command", commandID)
		}
		return err
	}
	return nil
}

// SyncDeviceStatus upserts device liveness and telemetry, then hands back
// the device's pending commands in the same round trip. This is the only
// delivery path; devices cannot be pushed to.
func (e Engine) SyncDeviceStatus(ctx context.Context, deviceID string, telemetry domain.Telemetry) ([]domain.Command, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, validationf("device id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := e.timestamp()
	if err := e.Repo.TouchDeviceTx(ctx, tx, deviceID, now); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		// First contact: the heartbeat itself registers the device.
		if _, err := tx.ExecContext(ctx, `INSERT INTO devices(id,status,last_seen,registered_at) VALUES (?,?,?,?)`,
			deviceID, "online", now, now); err != nil {
			return nil, fmt.Errorf("register device on heartbeat: %w", err)
		}
		if err := e.Events.Append(ctx, tx, "device.registered", "device", deviceID, deviceID, events.EventPayload{"via": "heartbeat"}); err != nil {
			return nil, err
		}
	}
	if len(telemetry) > 0 {
		data, err := json.Marshal(telemetry)
		if err != nil {
			return nil, validationf("telemetry is not serializable: %v", err)
		}
		if err := e.Repo.InsertTelemetryTx(ctx, tx, deviceID, now, string(data)); err != nil {
			return nil, fmt.Errorf("insert telemetry: %w", err)
		}
	}
	cmds, err := e.fetchAndMarkSentTx(ctx, tx, deviceID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cmds, nil
}
