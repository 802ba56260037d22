package fleetlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Fleetline HTTP API client. The device-facing calls
// (Register, ReportStatus, CompleteCommand, ReportProgress) need no
// credentials; the management calls take a bearer token or API key.
type Client struct {
	BaseURL     string
	DeviceID    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, deviceID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		DeviceID: deviceID,
		Timeout:  10 * time.Second,
	}
}

// Command is one queued instruction handed back by a heartbeat.
type Command struct {
	ID      string         `json:"id"`
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Device represents the registry record.
type Device struct {
	ID              string `json:"device_id"`
	Name            string `json:"device_name,omitempty"`
	Type            string `json:"device_type,omitempty"`
	Status          string `json:"status"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	LastSeen        string `json:"last_seen,omitempty"`
}

// Deployment mirrors the deployment progress response.
type Deployment struct {
	ID                   string   `json:"id"`
	Name                 string   `json:"name"`
	FirmwareVersion      string   `json:"firmware_version"`
	TargetDevices        []string `json:"target_devices"`
	Status               string   `json:"status"`
	TotalDevices         int      `json:"total_devices"`
	CompletedDevices     int      `json:"completed_devices"`
	FailedDevices        int      `json:"failed_devices"`
	CompletionPercentage int      `json:"completion_percentage"`
}

// RegisterInfo carries the identity fields a device reports on boot.
type RegisterInfo struct {
	Name            string `json:"device_name,omitempty"`
	Type            string `json:"device_type,omitempty"`
	LocalIP         string `json:"local_ip,omitempty"`
	MACAddress      string `json:"mac_address,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	HardwareVersion string `json:"hardware_version,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Register announces the device to the registry.
func (c *Client) Register(ctx context.Context, info RegisterInfo) (Device, error) {
	body := map[string]any{
		"device_id":        c.DeviceID,
		"device_name":      info.Name,
		"device_type":      info.Type,
		"local_ip":         info.LocalIP,
		"mac_address":      info.MACAddress,
		"firmware_version": info.FirmwareVersion,
		"hardware_version": info.HardwareVersion,
	}
	var resp Device
	err := c.do(ctx, http.MethodPost, "v0/device/register", body, &resp)
	return resp, err
}

// ReportStatus sends a heartbeat with telemetry and returns any commands
// queued for this device. This is the device's only delivery channel, so
// call it on every poll cycle.
func (c *Client) ReportStatus(ctx context.Context, telemetry map[string]any) ([]Command, error) {
	body := map[string]any{
		"device_id": c.DeviceID,
		"telemetry": telemetry,
	}
	var resp struct {
		Status   string    `json:"status"`
		Commands []Command `json:"commands"`
	}
	err := c.do(ctx, http.MethodPost, "v0/device/status", body, &resp)
	return resp.Commands, err
}

// CompleteCommand reports a command's terminal outcome.
func (c *Client) CompleteCommand(ctx context.Context, commandID string, success bool, errorMessage string) error {
	body := map[string]any{
		"success": success,
	}
	if errorMessage != "" {
		body["errorMessage"] = errorMessage
	}
	endpoint := fmt.Sprintf("v0/device/commands/%s/complete", url.PathEscape(commandID))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// ReportProgress reports OTA progress (0-100) on a live command.
func (c *Client) ReportProgress(ctx context.Context, commandID string, progress int, statusMessage string) error {
	body := map[string]any{
		"progress": progress,
	}
	if statusMessage != "" {
		body["statusMessage"] = statusMessage
	}
	endpoint := fmt.Sprintf("v0/device/commands/%s/progress", url.PathEscape(commandID))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// Unregister marks the device offline with a reason.
func (c *Client) Unregister(ctx context.Context, reason string) error {
	body := map[string]any{
		"device_id": c.DeviceID,
		"reason":    reason,
	}
	return c.do(ctx, http.MethodPost, "v0/device/unregister", body, nil)
}

// SendCommand enqueues a command for a device (management credentials).
func (c *Client) SendCommand(ctx context.Context, deviceID, kind string, payload map[string]any) (Command, error) {
	body := map[string]any{
		"kind":    kind,
		"payload": payload,
	}
	var resp Command
	endpoint := fmt.Sprintf("v0/devices/%s/commands", url.PathEscape(deviceID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// DeploymentStatus fetches progress for one deployment (management
// credentials).
func (c *Client) DeploymentStatus(ctx context.Context, deploymentID string) (Deployment, error) {
	var resp Deployment
	endpoint := fmt.Sprintf("v0/deployments/%s", url.PathEscape(deploymentID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
