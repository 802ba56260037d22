package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"fleetline/internal/config"
	"fleetline/internal/db"
	"fleetline/internal/domain"
	"fleetline/internal/engine"
	"fleetline/internal/firmware"
	"fleetline/internal/logging"
	"fleetline/internal/migrate"
	"fleetline/internal/repo"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := firmware.NewLocalStore(filepath.Join(workspace, "firmware"))
	if err != nil {
		t.Fatalf("local store: %v", err)
	}
	e := engine.New(conn, cfg, store, logging.Nop())
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testJWTSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearerHeader(t *testing.T) map[string]string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "operator"}).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestHealthIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
}

func TestManagementRequiresAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/devices", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code != "unauthorized" {
		t.Fatalf("error envelope: %v %s", err, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/devices", nil, bearerHeader(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("with bearer: %d %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	if err := srv.Engine.Repo.InsertAPIKey(ctx, domain.APIKey{
		ID:      "key-1",
		ActorID: "ops",
		Name:    "ci",
		KeyHash: repo.HashAPIKey("flk_testkey"),
	}); err != nil {
		t.Fatalf("insert key: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/devices", nil, map[string]string{"X-Api-Key": "flk_testkey"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("with api key: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/devices", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key: %d %s", res.StatusCode, string(data))
	}
}

func TestDeviceCommandRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// Device-facing endpoints need no credentials.
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/device/register", map[string]any{
		"device_id":   "esp32-01",
		"device_name": "bench unit",
		"device_type": "ESP32",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/devices/esp32-01/commands", map[string]any{
		"kind":    "led_control",
		"payload": map[string]any{"pin": 2, "state": true},
	}, bearerHeader(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("enqueue: %d %s", res.StatusCode, string(data))
	}
	var queued CommandResponse
	if err := json.Unmarshal(data, &queued); err != nil || queued.Status != "pending" {
		t.Fatalf("queued command: %v %s", err, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/device/status", map[string]any{
		"device_id": "esp32-01",
		"telemetry": map[string]any{"uptime": 12, "free_heap": 20480},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat: %d %s", res.StatusCode, string(data))
	}
	var status DeviceStatusResponse
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.Status != "success" || len(status.Commands) != 1 {
		t.Fatalf("heartbeat response: %+v", status)
	}
	if status.Commands[0].ID != queued.ID || status.Commands[0].Kind != "led_control" {
		t.Fatalf("delivered command: %+v", status.Commands[0])
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/device/commands/"+queued.ID+"/complete", map[string]any{
		"success": true,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, string(data))
	}
	var done CommandResponse
	if err := json.Unmarshal(data, &done); err != nil || done.Status != "completed" {
		t.Fatalf("completed command: %v %s", err, string(data))
	}
}

func TestEnqueueUnknownDeviceIs404(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/devices/ghost/commands", map[string]any{
		"kind": "reboot",
	}, bearerHeader(t))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code != "not_found" {
		t.Fatalf("error envelope: %v %s", err, string(data))
	}
	if envelope.Error.Details["resource"] != "device" {
		t.Fatalf("details: %+v", envelope.Error.Details)
	}
}

func TestFirmwareUploadAndDownload(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	image := []byte("esp32 image payload")

	req, err := http.NewRequest(http.MethodPost,
		srv.URL+"/v0/firmware?version=1.0.0&device_type=ESP32&file_name=blink.bin", bytes.NewReader(image))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	for k, v := range bearerHeader(t) {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	data, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("upload status: %d %s", res.StatusCode, string(data))
	}
	var fw domain.Firmware
	if err := json.Unmarshal(data, &fw); err != nil || fw.ID == "" {
		t.Fatalf("firmware record: %v %s", err, string(data))
	}

	// Downloads are open so devices can fetch images mid-update.
	dlRes, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/firmware/"+fw.ID+"/download", nil, nil)
	if dlRes.StatusCode != http.StatusOK {
		t.Fatalf("download: %d %s", dlRes.StatusCode, string(body))
	}
	if !bytes.Equal(body, image) {
		t.Fatalf("downloaded bytes differ: %q", body)
	}
	if dlRes.Header.Get("X-Firmware-Version") != "1.0.0" {
		t.Fatalf("version header: %q", dlRes.Header.Get("X-Firmware-Version"))
	}
	if dlRes.Header.Get("X-Firmware-Hash") != fw.Checksum {
		t.Fatalf("hash header: %q", dlRes.Header.Get("X-Firmware-Hash"))
	}
}

func TestEventsFeed(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for _, id := range []string{"dev-1", "dev-2", "dev-3"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/device/register", map[string]any{"device_id": id}, nil)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("register %s: %d %s", id, res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=2", nil, bearerHeader(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("first page: %+v", page)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=2&cursor="+page.NextCursor, nil, bearerHeader(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page: %d %s", res.StatusCode, string(data))
	}
	var next paginatedEvents
	if err := json.Unmarshal(data, &next); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(next.Items) != 1 {
		t.Fatalf("second page items: %+v", next)
	}
	if next.Items[0].ID >= page.Items[len(page.Items)-1].ID {
		t.Fatalf("cursor did not advance: %+v then %+v", page.Items, next.Items)
	}
}
