package engine_test

import (
	"context"
	"path/filepath"
	"testing"

	"fleetline/internal/config"
	"fleetline/internal/db"
	"fleetline/internal/engine"
	"fleetline/internal/firmware"
	"fleetline/internal/logging"
	"fleetline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	store, err := firmware.NewLocalStore(filepath.Join(dir, "firmware"))
	if err != nil {
		t.Fatalf("local store: %v", err)
	}
	eng := engine.New(conn, cfg, store, logging.Nop())
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) register(t *testing.T, deviceID string) {
	t.Helper()
	_, err := env.Engine.RegisterDevice(env.Ctx, engine.RegisterOptions{
		DeviceID: deviceID,
		Name:     "bench " + deviceID,
		Type:     "ESP32",
	})
	if err != nil {
		t.Fatalf("register %s: %v", deviceID, err)
	}
}

func (env testEnv) countEvents(t *testing.T, evtType, entityID string) int {
	t.Helper()
	var n int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM events WHERE type=? AND entity_id=?`, evtType, entityID)
	if err := row.Scan(&n); err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}
