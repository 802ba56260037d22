package engine_test

import (
	"errors"
	"testing"

	"fleetline/internal/domain"
	"fleetline/internal/engine"
	"fleetline/internal/repo"
)

func TestEnqueueUnknownDevice(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Enqueue(env.Ctx, engine.EnqueueOptions{DeviceID: "ghost", Kind: "reboot"})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	// The failed enqueue must not have created the device as a side effect.
	if _, err := env.Engine.Repo.GetDevice(env.Ctx, "ghost"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("device was created by a failed enqueue: %v", err)
	}
}

func TestEnqueueValidation(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "dev-1")
	if _, err := env.Engine.Enqueue(env.Ctx, engine.EnqueueOptions{DeviceID: "dev-1"}); !engine.IsValidation(err) {
		t.Fatalf("expected validation error for empty kind, got %v", err)
	}
	if _, err := env.Engine.Enqueue(env.Ctx, engine.EnqueueOptions{Kind: "reboot"}); !engine.IsValidation(err) {
		t.Fatalf("expected validation error for empty device id, got %v", err)
	}
}

func TestFetchDrainsFIFO(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "dev-1")

	kinds := []string{"reboot", "led_control", "set_interval"}
	for _, kind := range kinds {
		if _, err := env.Engine.Enqueue(env.Ctx, engine.EnqueueOptions{DeviceID: "dev-1", Kind: kind, ActorID: "tester"}); err != nil {
			t.Fatalf("enqueue %s: %v", kind, err)
		}
	}

	cmds, err := env.Engine.FetchAndMarkSent(env.Ctx, "dev-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(cmds) != len(kinds) {
		t.Fatalf("expected %d commands, got %d", len(kinds), len(cmds))
	}
	for i, cmd := range cmds {
		if cmd.Kind != kinds[i] {
			t.Fatalf("position %d: expected %s, got %s", i, kinds[i], cmd.Kind)
		}
		if cmd.Status != domain.CommandSent {
			t.Fatalf("command %s not marked sent: %s", cmd.ID, cmd.Status)
		}
		if cmd.SentAt == nil {
			t.Fatalf("command %s missing sent_at", cmd.ID)
		}
	}

	// Already-delivered commands must not be handed out twice.
	again, err := env.Engine.FetchAndMarkSent(env.Ctx, "dev-1")
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second fetch returned %d commands", len(again))
	}
}

func TestReportOutcomeIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "dev-1")
	cmd, err := env.Engine.Enqueue(env.Ctx, engine.EnqueueOptions{DeviceID: "dev-1", Kind: "reboot"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := env.Engine.FetchAndMarkSent(env.Ctx, "dev-1"); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	done, err := env.Engine.ReportOutcome(env.Ctx, cmd.ID, true, "")
	if err != nil || done.Status != domain.CommandCompleted {
		t.Fatalf("complete: %v status %s", err, done.Status)
	}
	if done.CompletedAt == nil {
		t.Fatalf("completed command missing completed_at")
	}

	// A conflicting late report must not flip the terminal state.
	again, err := env.Engine.ReportOutcome(env.Ctx, cmd.ID, false, "late failure")
	if err != nil {
		t.Fatalf("re-report: %v", err)
	}
	if again.Status != domain.CommandCompleted {
		t.Fatalf("terminal state flipped to %s", again.Status)
	}
	if again.ErrorDetail != nil {
		t.Fatalf("no-op report attached error detail %q", *again.ErrorDetail)
	}
	if n := env.countEvents(t, "command.completed", cmd.ID); n != 1 {
		t.Fatalf("expected 1 completion event, got %d", n)
	}
}

func TestReportOutcomeFailure(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "dev-1")
	cmd, err := env.Engine.Enqueue(env.Ctx, engine.EnqueueOptions{DeviceID: "dev-1", Kind: "ota_update"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := env.Engine.FetchAndMarkSent(env.Ctx, "dev-1"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	failed, err := env.Engine.ReportOutcome(env.Ctx, cmd.ID, false, "flash write failed")
	if err != nil || failed.Status != domain.CommandFailed {
		t.Fatalf("fail: %v status %s", err, failed.Status)
	}
	if failed.ErrorDetail == nil || *failed.ErrorDetail != "flash write failed" {
		t.Fatalf("error detail not recorded: %v", failed.ErrorDetail)
	}
}

func TestReportOutcomeUnknownCommand(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ReportOutcome(env.Ctx, "no-such-command", true, ""); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCommandPayloadRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "dev-1")
	sent, err := env.Engine.Enqueue(env.Ctx, engine.EnqueueOptions{
		DeviceID: "dev-1",
		Kind:     "led_control",
		Payload:  map[string]any{"pin": 2, "state": true},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	cmds, err := env.Engine.SyncDeviceStatus(env.Ctx, "dev-1", domain.Telemetry{"uptime": 12})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(cmds) != 1 || cmds[0].ID != sent.ID {
		t.Fatalf("heartbeat did not deliver the command: %+v", cmds)
	}
	got := cmds[0].Payload
	if got["pin"] != float64(2) || got["state"] != true {
		t.Fatalf("payload mangled in transit: %+v", got)
	}

	if _, err := env.Engine.ReportOutcome(env.Ctx, sent.ID, true, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	final, err := env.Engine.Repo.GetCommand(env.Ctx, sent.ID)
	if err != nil || final.Status != domain.CommandCompleted {
		t.Fatalf("final state: %v status %s", err, final.Status)
	}
}

func TestHeartbeatAutoRegisters(t *testing.T) {
	env := newTestEnv(t)
	cmds, err := env.Engine.SyncDeviceStatus(env.Ctx, "fresh-device", domain.Telemetry{"temp": 21.5})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(cmds) != 0 {
		t.Fatalf("new device got %d commands", len(cmds))
	}
	d, err := env.Engine.Repo.GetDevice(env.Ctx, "fresh-device")
	if err != nil {
		t.Fatalf("device not auto-registered: %v", err)
	}
	if d.Status != "online" {
		t.Fatalf("expected online, got %s", d.Status)
	}
	if n := env.countEvents(t, "device.registered", "fresh-device"); n != 1 {
		t.Fatalf("expected 1 registration event, got %d", n)
	}
	ts, payload, err := env.Engine.Repo.LatestTelemetry(env.Ctx, "fresh-device")
	if err != nil || ts == "" || payload == "" {
		t.Fatalf("telemetry not recorded: %v %q %q", err, ts, payload)
	}
}

func TestReportProgress(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "dev-1")
	cmd, err := env.Engine.Enqueue(env.Ctx, engine.EnqueueOptions{DeviceID: "dev-1", Kind: "ota_update"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := env.Engine.ReportProgress(env.Ctx, cmd.ID, 42, "downloading"); err != nil {
		t.Fatalf("progress: %v", err)
	}
	got, err := env.Engine.Repo.GetCommand(env.Ctx, cmd.ID)
	if err != nil || got.Progress != 42 {
		t.Fatalf("progress not recorded: %v %d", err, got.Progress)
	}
	if err := env.Engine.ReportProgress(env.Ctx, cmd.ID, 101, ""); !engine.IsValidation(err) {
		t.Fatalf("expected validation error for out-of-range progress, got %v", err)
	}
	if err := env.Engine.ReportProgress(env.Ctx, "no-such-command", 10, ""); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
