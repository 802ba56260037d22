package engine_test

import (
	"errors"
	"testing"
	"time"

	"fleetline/internal/domain"
	"fleetline/internal/engine"
	"fleetline/internal/repo"
)

func uploadTestFirmware(t *testing.T, env testEnv, version string) domain.Firmware {
	t.Helper()
	fw, err := env.Engine.UploadFirmware(env.Ctx, engine.UploadFirmwareOptions{
		Version:    version,
		DeviceType: "ESP32",
		FileName:   "blink.bin",
		Data:       []byte("firmware image bytes"),
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("upload firmware: %v", err)
	}
	return fw
}

// driveRollout plays the device side of a rollout: each listed device
// polls for its OTA command and reports the given outcome, while the
// loop waits for the deployment to go terminal.
func driveRollout(t *testing.T, env testEnv, deploymentID string, outcomes map[string]bool) engine.DeploymentProgress {
	t.Helper()
	reported := map[string]bool{}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for deviceID, success := range outcomes {
			if reported[deviceID] {
				continue
			}
			cmds, err := env.Engine.SyncDeviceStatus(env.Ctx, deviceID, nil)
			if err != nil {
				t.Fatalf("sync %s: %v", deviceID, err)
			}
			for _, cmd := range cmds {
				if cmd.Kind != engine.OTACommandKind {
					continue
				}
				detail := ""
				if !success {
					detail = "flash write failed"
				}
				if _, err := env.Engine.ReportOutcome(env.Ctx, cmd.ID, success, detail); err != nil {
					t.Fatalf("report %s: %v", deviceID, err)
				}
				reported[deviceID] = true
			}
		}
		p, err := env.Engine.DeploymentStatus(env.Ctx, deploymentID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if domain.DeploymentTerminal(p.Status) {
			return p
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("deployment %s did not finish in time", deploymentID)
	return engine.DeploymentProgress{}
}

func TestDeployValidation(t *testing.T) {
	env := newTestEnv(t)
	fw := uploadTestFirmware(t, env, "1.2.0")

	if _, err := env.Engine.Deploy(env.Ctx, engine.DeployOptions{FirmwareID: "no-such-fw", DeviceIDs: []string{"dev-1"}}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for unknown firmware, got %v", err)
	}
	if _, err := env.Engine.Deploy(env.Ctx, engine.DeployOptions{FirmwareID: fw.ID}); !engine.IsValidation(err) {
		t.Fatalf("expected validation error for empty targets, got %v", err)
	}

	env.register(t, "dev-off")
	if err := env.Engine.UnregisterDevice(env.Ctx, "dev-off", "maintenance"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, err := env.Engine.Deploy(env.Ctx, engine.DeployOptions{FirmwareID: fw.ID, DeviceIDs: []string{"dev-off", "ghost"}}); !engine.IsValidation(err) {
		t.Fatalf("expected validation error for no online targets, got %v", err)
	}

	if err := env.Engine.DeleteFirmware(env.Ctx, fw.ID, "tester"); err != nil {
		t.Fatalf("delete firmware: %v", err)
	}
	env.register(t, "dev-on")
	if _, err := env.Engine.Deploy(env.Ctx, engine.DeployOptions{FirmwareID: fw.ID, DeviceIDs: []string{"dev-on"}}); !engine.IsValidation(err) {
		t.Fatalf("expected validation error for deleted firmware, got %v", err)
	}
}

func TestDeploymentCompletes(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Deploy.PollInterval = "15ms"
	env.Engine.Config.Deploy.WaitBudget = "2s"
	env.register(t, "dev-a")
	env.register(t, "dev-b")
	fw := uploadTestFirmware(t, env, "2.0.0")

	dep, err := env.Engine.Deploy(env.Ctx, engine.DeployOptions{
		FirmwareID: fw.ID,
		DeviceIDs:  []string{"dev-a", "dev-b"},
		Name:       "evening rollout",
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if dep.Status != domain.DeploymentPending || dep.TotalDevices != 2 {
		t.Fatalf("unexpected pending snapshot: %+v", dep)
	}

	final := driveRollout(t, env, dep.ID, map[string]bool{"dev-a": true, "dev-b": true})
	if final.Status != domain.DeploymentCompleted {
		t.Fatalf("expected completed, got %s (%+v)", final.Status, final)
	}
	if final.CompletedDevices != 2 || final.FailedDevices != 0 {
		t.Fatalf("counters: completed=%d failed=%d", final.CompletedDevices, final.FailedDevices)
	}
	if final.CompletionPercentage != 100 {
		t.Fatalf("percentage: %d", final.CompletionPercentage)
	}
	if final.CompletedAt == nil {
		t.Fatalf("terminal deployment missing completed_at")
	}

	cmds, err := env.Engine.Repo.ListCommandsByDeployment(env.Ctx, dep.ID)
	if err != nil || len(cmds) != 2 {
		t.Fatalf("deployment commands: %v %d", err, len(cmds))
	}
	payload := cmds[0].Payload
	if payload["firmware_version"] != fw.Version || payload["firmware_hash"] != fw.Checksum {
		t.Fatalf("ota payload metadata: %+v", payload)
	}
	if payload["deployment_id"] != dep.ID {
		t.Fatalf("ota payload deployment id: %v", payload["deployment_id"])
	}
	if payload["firmware_size"] != float64(fw.Size) {
		t.Fatalf("ota payload size: %v", payload["firmware_size"])
	}
	if url, _ := payload["firmware_url"].(string); url == "" {
		t.Fatalf("ota payload missing firmware_url")
	}
}

func TestDeploymentPartial(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Deploy.PollInterval = "20ms"
	env.Engine.Config.Deploy.WaitBudget = "300ms"
	env.register(t, "dev-a")
	env.register(t, "dev-b")
	env.register(t, "dev-c")
	fw := uploadTestFirmware(t, env, "2.1.0")

	dep, err := env.Engine.Deploy(env.Ctx, engine.DeployOptions{
		FirmwareID: fw.ID,
		DeviceIDs:  []string{"dev-a", "dev-b", "dev-c"},
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}

	// dev-c never polls; its watcher runs out of wait budget.
	final := driveRollout(t, env, dep.ID, map[string]bool{"dev-a": true, "dev-b": false})
	if final.Status != domain.DeploymentPartial {
		t.Fatalf("expected partial, got %s", final.Status)
	}
	if final.CompletedDevices != 1 || final.FailedDevices != 2 {
		t.Fatalf("counters: completed=%d failed=%d", final.CompletedDevices, final.FailedDevices)
	}
	if final.CompletionPercentage != 33 {
		t.Fatalf("percentage: %d", final.CompletionPercentage)
	}
}

func TestDeploymentAllFail(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Deploy.PollInterval = "20ms"
	env.Engine.Config.Deploy.WaitBudget = "2s"
	env.register(t, "dev-a")
	fw := uploadTestFirmware(t, env, "2.2.0")

	dep, err := env.Engine.Deploy(env.Ctx, engine.DeployOptions{FirmwareID: fw.ID, DeviceIDs: []string{"dev-a"}, ActorID: "tester"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	final := driveRollout(t, env, dep.ID, map[string]bool{"dev-a": false})
	if final.Status != domain.DeploymentFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.CompletedDevices != 0 || final.FailedDevices != 1 || final.CompletionPercentage != 0 {
		t.Fatalf("counters: %+v", final)
	}
}

func TestCancelDeployment(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Deploy.PollInterval = "20ms"
	env.Engine.Config.Deploy.WaitBudget = "10s"
	env.register(t, "dev-a")
	fw := uploadTestFirmware(t, env, "3.0.0")

	dep, err := env.Engine.Deploy(env.Ctx, engine.DeployOptions{FirmwareID: fw.ID, DeviceIDs: []string{"dev-a"}, ActorID: "tester"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}

	// Wait until the watcher has handed out its OTA command so the
	// cancel exercises the no-retraction rule.
	enqueueDeadline := time.Now().Add(2 * time.Second)
	for {
		cmds, err := env.Engine.Repo.ListCommandsByDeployment(env.Ctx, dep.ID)
		if err != nil {
			t.Fatalf("list commands: %v", err)
		}
		if len(cmds) == 1 {
			break
		}
		if !time.Now().Before(enqueueDeadline) {
			t.Fatalf("ota command never enqueued")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := env.Engine.CancelDeployment(env.Ctx, dep.ID, "tester"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	var final engine.DeploymentProgress
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		final, err = env.Engine.DeploymentStatus(env.Ctx, dep.ID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if domain.DeploymentTerminal(final.Status) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if final.Status != domain.DeploymentCanceled {
		t.Fatalf("expected canceled, got %s", final.Status)
	}
	if final.Error == nil || *final.Error != "deployment canceled" {
		t.Fatalf("cancel detail: %v", final.Error)
	}

	// Canceling a terminal deployment is rejected, not retried.
	if err := env.Engine.CancelDeployment(env.Ctx, dep.ID, "tester"); !engine.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}

	// The handed-out command is not retracted by the cancellation.
	cmds, err := env.Engine.Repo.ListCommandsByDeployment(env.Ctx, dep.ID)
	if err != nil || len(cmds) != 1 {
		t.Fatalf("deployment commands: %v %d", err, len(cmds))
	}
	if domain.CommandTerminal(cmds[0].Status) {
		t.Fatalf("cancel retroactively resolved command: %s", cmds[0].Status)
	}
}

func TestDeploymentHistoryAndRealtime(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Deploy.PollInterval = "15ms"
	env.Engine.Config.Deploy.WaitBudget = "2s"
	env.register(t, "dev-a")
	fw := uploadTestFirmware(t, env, "4.0.0")

	dep, err := env.Engine.Deploy(env.Ctx, engine.DeployOptions{FirmwareID: fw.ID, DeviceIDs: []string{"dev-a"}, ActorID: "tester"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	driveRollout(t, env, dep.ID, map[string]bool{"dev-a": true})

	history, err := env.Engine.DeploymentHistory(env.Ctx, 10)
	if err != nil || len(history) != 1 || history[0].ID != dep.ID {
		t.Fatalf("history: %v %+v", err, history)
	}
	active, err := env.Engine.RealtimeStatus(env.Ctx, 10)
	if err != nil {
		t.Fatalf("realtime: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("terminal deployment listed as active: %+v", active)
	}
}
