package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fleetline/internal/domain"
	"fleetline/internal/events"
	"fleetline/internal/metrics"
	"fleetline/internal/repo"
)

// OTACommandKind is the instruction a device interprets as "fetch and
// flash this firmware".
const OTACommandKind = "ota_update"

// DeployOptions are parameters for starting a rollout.
type DeployOptions struct {
	FirmwareID string
	DeviceIDs  []string
	Name       string
	ActorID    string
}

// deviceOutcome is a watcher's verdict for one device. Used for logging
// only; the persisted aggregate is recomputed from command rows.
type deviceOutcome struct {
	DeviceID string
	Success  bool
	Detail   string
}

// Deploy validates the request, records the deployment in pending state,
// and dispatches the rollout in the background. The returned record is
// the pending snapshot; progress is queryable at any time.
func (e Engine) Deploy(ctx context.Context, opts DeployOptions) (domain.Deployment, error) {
	fw, err := e.Repo.GetFirmware(ctx, opts.FirmwareID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Deployment{}, notFound("firmware", opts.FirmwareID)
		}
		return domain.Deployment{}, err
	}
	if fw.Status != "available" {
		return domain.Deployment{}, validationf("firmware %s is not available", fw.ID)
	}
	if len(opts.DeviceIDs) == 0 {
		return domain.Deployment{}, validationf("target device list is empty")
	}
	targets, err := e.Repo.ResolveOnline(ctx, opts.DeviceIDs)
	if err != nil {
		return domain.Deployment{}, err
	}
	if len(targets) == 0 {
		return domain.Deployment{}, validationf("no online devices among the requested targets")
	}

	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("%s %s", fw.Version, e.now().UTC().Format("2006-01-02 15:04"))
	}
	dep := domain.Deployment{
		ID:              uuid.New().String(),
		Name:            name,
		FirmwareID:      fw.ID,
		FirmwareVersion: fw.Version,
		TargetDevices:   targets,
		Status:          domain.DeploymentPending,
		TotalDevices:    len(targets),
		CreatedAt:       e.timestamp(),
	}
	if err := e.Repo.InsertDeployment(ctx, dep); err != nil {
		return domain.Deployment{}, fmt.Errorf("insert deployment: %w", err)
	}
	if err := e.appendEvent(ctx, "deployment.created", "deployment", dep.ID, opts.ActorID, events.EventPayload{
		"firmware_id": fw.ID,
		"version":     fw.Version,
		"targets":     len(targets),
	}); err != nil {
		return domain.Deployment{}, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancels.add(dep.ID, cancel)
	go e.runDeployment(runCtx, dep, fw)
	return dep, nil
}

// CancelDeployment aborts an in-flight rollout. Watchers stop early and
// devices without a terminal outcome count as failed. Already-delivered
// OTA commands are never retracted.
func (e Engine) CancelDeployment(ctx context.Context, id, actorID string) error {
	dep, err := e.Repo.GetDeployment(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return notFound("deployment", id)
		}
		return err
	}
	if domain.DeploymentTerminal(dep.Status) {
		return validationf("deployment %s is already %s", id, dep.Status)
	}
	if err := e.appendEvent(ctx, "deployment.canceled", "deployment", id, actorID, nil); err != nil {
		return err
	}
	if e.cancels.cancel(id) {
		return nil
	}
	// No live watchers, e.g. after a restart. Close the record directly.
	counts, err := e.Repo.CountCommandsByDeploymentStatus(ctx, id)
	if err != nil {
		return err
	}
	completed := counts[domain.CommandCompleted]
	canceled := domain.DeploymentCanceled
	detail := "deployment canceled"
	_, err = e.Repo.FinishDeployment(ctx, id, canceled, completed, dep.TotalDevices-completed, &detail, e.timestamp())
	return err
}

// runDeployment is the fan-out/join core: one watcher per device, wait
// for all of them, then write the aggregate recomputed from command rows.
func (e Engine) runDeployment(ctx context.Context, dep domain.Deployment, fw domain.Firmware) {
	defer e.cancels.remove(dep.ID)
	log := e.Log.With("deployment_id", dep.ID, "firmware", fw.Version)
	started := e.now()

	if err := ensureDeploymentTransition(dep.Status, domain.DeploymentInProgress); err != nil {
		log.Errorw("refusing to start deployment", "error", err)
		return
	}
	// Start and finish writes must land even when the rollout is canceled
	// between creation and this point.
	dbCtx := context.WithoutCancel(ctx)
	if err := e.Repo.StartDeployment(dbCtx, dep.ID, e.timestamp()); err != nil {
		log.Errorw("persist in_progress failed", "error", err)
		return
	}
	if err := e.appendEvent(dbCtx, "deployment.started", "deployment", dep.ID, "orchestrator", nil); err != nil {
		log.Warnw("audit event failed", "error", err)
	}

	url, err := e.FirmwareDownloadURL(dbCtx, fw)
	if err != nil {
		log.Errorw("firmware url unavailable", "error", err)
		url = ""
	}
	payload := map[string]any{
		"firmware_url":     url,
		"firmware_size":    fw.Size,
		"firmware_version": fw.Version,
		"firmware_hash":    fw.Checksum,
		"deployment_id":    dep.ID,
	}

	outcomes := make([]deviceOutcome, len(dep.TargetDevices))
	var g errgroup.Group
	for i, deviceID := range dep.TargetDevices {
		i, deviceID := i, deviceID
		g.Go(func() error {
			outcomes[i] = e.watchDevice(ctx, dep.ID, deviceID, payload)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		if !o.Success {
			log.Infow("device update failed", "device_id", o.DeviceID, "detail", o.Detail)
		}
	}
	e.finishDeployment(ctx, dep, started, log)
}

// watchDevice enqueues one OTA command and polls its state until it goes
// terminal, the wait budget runs out, or the deployment is canceled.
func (e Engine) watchDevice(ctx context.Context, deploymentID, deviceID string, payload map[string]any) deviceOutcome {
	cmd, err := e.Enqueue(ctx, EnqueueOptions{
		DeviceID:     deviceID,
		Kind:         OTACommandKind,
		Payload:      payload,
		DeploymentID: deploymentID,
		ActorID:      "orchestrator",
	})
	if err != nil {
		// Dispatch failure counts immediately; no wait budget is spent.
		return deviceOutcome{DeviceID: deviceID, Detail: fmt.Sprintf("enqueue failed: %v", err)}
	}

	deadline := time.NewTimer(e.Config.WaitBudget())
	defer deadline.Stop()
	ticker := time.NewTicker(e.Config.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return deviceOutcome{DeviceID: deviceID, Detail: "deployment canceled"}
		case <-deadline.C:
			terr := TimeoutError{DeviceID: deviceID, CommandID: cmd.ID}
			return deviceOutcome{DeviceID: deviceID, Detail: terr.Error()}
		case <-ticker.C:
			current, err := e.Repo.GetCommand(ctx, cmd.ID)
			if err != nil {
				// Transient read hiccup; the next tick retries.
				e.Log.Warnw("command poll failed", "command_id", cmd.ID, "error", err)
				continue
			}
			switch current.Status {
			case domain.CommandCompleted:
				return deviceOutcome{DeviceID: deviceID, Success: true}
			case domain.CommandFailed:
				detail := "update failed"
				if current.ErrorDetail != nil {
					detail = *current.ErrorDetail
				}
				return deviceOutcome{DeviceID: deviceID, Detail: detail}
			}
		}
	}
}

// finishDeployment recomputes the aggregate from command rows and writes
// the terminal record. Everything that did not complete counts as failed
// once all watchers have resolved.
func (e Engine) finishDeployment(ctx context.Context, dep domain.Deployment, started time.Time, log *zap.SugaredLogger) {
	// Finalization must survive the cancellation that may have ended the
	// watchers.
	dbCtx := context.WithoutCancel(ctx)
	counts, err := e.Repo.CountCommandsByDeploymentStatus(dbCtx, dep.ID)
	if err != nil {
		log.Errorw("aggregate recomputation failed", "error", err)
		counts = map[string]int{}
	}
	completed := counts[domain.CommandCompleted]
	failed := dep.TotalDevices - completed

	var status string
	var errText *string
	switch {
	case ctx.Err() != nil:
		status = domain.DeploymentCanceled
		detail := "deployment canceled"
		errText = &detail
	case failed == 0:
		status = domain.DeploymentCompleted
	case completed == 0:
		status = domain.DeploymentFailed
	default:
		status = domain.DeploymentPartial
	}
	if err := ensureDeploymentTransition(domain.DeploymentInProgress, status); err != nil {
		log.Errorw("illegal final transition", "error", err)
		return
	}

	completedAt := e.timestamp()
	finish := func(st string, detail *string) error {
		_, err := e.Repo.FinishDeployment(dbCtx, dep.ID, st, completed, failed, detail, completedAt)
		return err
	}
	if err := finish(status, errText); err != nil {
		log.Errorw("final aggregate write failed, retrying once", "error", err)
		if err := finish(status, errText); err != nil {
			// Last resort: record the persistence failure itself. The
			// OTA commands already handed out are not retracted.
			detail := fmt.Sprintf("aggregate persistence failed: %v", err)
			status = domain.DeploymentFailed
			if ferr := finish(status, &detail); ferr != nil {
				log.Errorw("deployment left in last durable state", "error", ferr)
				return
			}
		}
	}

	if err := e.appendEvent(dbCtx, "deployment.finished", "deployment", dep.ID, "orchestrator", events.EventPayload{
		"status":    status,
		"completed": completed,
		"failed":    failed,
	}); err != nil {
		log.Errorw("audit event failed", "error", err)
	}
	metrics.DeploymentsFinished.WithLabelValues(status).Inc()
	metrics.DeploymentDuration.Observe(e.now().Sub(started).Seconds())
	log.Infow("deployment finished", "status", status, "completed", completed, "failed", failed)
}
