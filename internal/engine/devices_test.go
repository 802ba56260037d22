package engine_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"fleetline/internal/engine"
	"fleetline/internal/repo"
)

func TestRegisterDeviceValidation(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"", "  ", "has space", "has/slash"} {
		if _, err := env.Engine.RegisterDevice(env.Ctx, engine.RegisterOptions{DeviceID: id}); !engine.IsValidation(err) {
			t.Fatalf("id %q: expected validation error, got %v", id, err)
		}
	}
}

func TestReRegisterKeepsRegisteredAt(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Now = func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }
	first, err := env.Engine.RegisterDevice(env.Ctx, engine.RegisterOptions{DeviceID: "dev-1", Name: "old name"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	env.Engine.Now = func() time.Time { return time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC) }
	second, err := env.Engine.RegisterDevice(env.Ctx, engine.RegisterOptions{DeviceID: "dev-1", Name: "new name", FirmwareVersion: "1.1.0"})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if second.RegisteredAt != first.RegisteredAt {
		t.Fatalf("registered_at changed: %s vs %s", second.RegisteredAt, first.RegisteredAt)
	}
	if second.Name != "new name" || second.FirmwareVersion != "1.1.0" {
		t.Fatalf("identity fields not refreshed: %+v", second)
	}
	if second.LastSeen == first.LastSeen {
		t.Fatalf("last_seen not advanced")
	}
}

func TestUnregisterDevice(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "dev-1")
	if err := env.Engine.UnregisterDevice(env.Ctx, "dev-1", "decommissioned"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	d, err := env.Engine.Repo.GetDevice(env.Ctx, "dev-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.Status != "offline" || d.UnregisterReason == nil || *d.UnregisterReason != "decommissioned" {
		t.Fatalf("unexpected state: %+v", d)
	}
	if err := env.Engine.UnregisterDevice(env.Ctx, "ghost", ""); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteDeviceCascades(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "dev-1")
	cmd, err := env.Engine.Enqueue(env.Ctx, engine.EnqueueOptions{DeviceID: "dev-1", Kind: "reboot"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := env.Engine.DeleteDevice(env.Ctx, "dev-1", "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.Repo.GetDevice(env.Ctx, "dev-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("device survives delete: %v", err)
	}
	if _, err := env.Engine.Repo.GetCommand(env.Ctx, cmd.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("command survives device delete: %v", err)
	}
}

func TestBatchDeleteDevices(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "dev-1")
	env.register(t, "dev-2")

	res, err := env.Engine.BatchDeleteDevices(env.Ctx, []string{"dev-1", "ghost", "dev-2"}, "tester")
	if err != nil {
		t.Fatalf("batch delete: %v", err)
	}
	if res.Status != "partial_success" {
		t.Fatalf("expected partial_success, got %s", res.Status)
	}
	if len(res.Deleted) != 2 || len(res.Errors) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	if _, err := env.Engine.BatchDeleteDevices(env.Ctx, nil, "tester"); !engine.IsValidation(err) {
		t.Fatalf("expected validation error for empty list, got %v", err)
	}
	oversized := make([]string, 51)
	for i := range oversized {
		oversized[i] = fmt.Sprintf("dev-%d", i)
	}
	if _, err := env.Engine.BatchDeleteDevices(env.Ctx, oversized, "tester"); !engine.IsValidation(err) {
		t.Fatalf("expected validation error for oversized batch, got %v", err)
	}
}

func TestSweepStaleDevices(t *testing.T) {
	env := newTestEnv(t)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return base }
	env.register(t, "stale")
	env.register(t, "fresh")

	// fresh heartbeats again just before the sweep.
	env.Engine.Now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := env.Engine.SyncDeviceStatus(env.Ctx, "fresh", nil); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	ids, err := env.Engine.SweepStaleDevices(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(ids) != 1 || ids[0] != "stale" {
		t.Fatalf("expected only stale flipped, got %v", ids)
	}
	d, err := env.Engine.Repo.GetDevice(env.Ctx, "stale")
	if err != nil || d.Status != "offline" {
		t.Fatalf("stale device state: %v %+v", err, d)
	}
	f, err := env.Engine.Repo.GetDevice(env.Ctx, "fresh")
	if err != nil || f.Status != "online" {
		t.Fatalf("fresh device state: %v %+v", err, f)
	}

	// A second sweep finds nothing left to flip.
	again, err := env.Engine.SweepStaleDevices(env.Ctx)
	if err != nil || len(again) != 0 {
		t.Fatalf("second sweep: %v %v", err, again)
	}
}
