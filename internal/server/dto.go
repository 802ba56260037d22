package server

import (
	"encoding/json"

	"fleetline/internal/domain"
	"fleetline/internal/engine"
)

// Request payloads

type RegisterDeviceRequest struct {
	DeviceID        string `json:"device_id"`
	DeviceName      string `json:"device_name,omitempty"`
	DeviceType      string `json:"device_type,omitempty"`
	LocalIP         string `json:"local_ip,omitempty"`
	MACAddress      string `json:"mac_address,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	HardwareVersion string `json:"hardware_version,omitempty"`
}

type UnregisterDeviceRequest struct {
	DeviceID string `json:"device_id"`
	Reason   string `json:"reason,omitempty"`
}

type DeviceStatusRequest struct {
	DeviceID  string         `json:"device_id"`
	Telemetry map[string]any `json:"telemetry,omitempty"`
}

type CompleteCommandRequest struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

type CommandProgressRequest struct {
	Progress      int    `json:"progress" minimum:"0" maximum:"100"`
	StatusMessage string `json:"statusMessage,omitempty"`
}

type EnqueueCommandRequest struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

type BatchDeleteRequest struct {
	DeviceIDs []string `json:"device_ids"`
}

type CreateDeploymentRequest struct {
	FirmwareID string   `json:"firmware_id"`
	DeviceIDs  []string `json:"device_ids"`
	Name       string   `json:"name,omitempty"`
}

// Response payloads

type PendingCommand struct {
	ID      string         `json:"id"`
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

type DeviceStatusResponse struct {
	Status   string           `json:"status"`
	Message  string           `json:"message,omitempty"`
	Commands []PendingCommand `json:"commands"`
}

type CommandResponse struct {
	ID           string         `json:"id"`
	DeviceID     string         `json:"device_id"`
	Kind         string         `json:"kind"`
	Payload      map[string]any `json:"payload,omitempty"`
	Status       string         `json:"status" enum:"pending,sent,completed,failed"`
	Progress     int            `json:"progress"`
	DeploymentID *string        `json:"deployment_id,omitempty"`
	ErrorDetail  *string        `json:"error_detail,omitempty"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
	SentAt       *string        `json:"sent_at,omitempty" format:"date-time"`
	CompletedAt  *string        `json:"completed_at,omitempty" format:"date-time"`
}

type DeploymentResponse struct {
	ID                   string   `json:"id"`
	Name                 string   `json:"name"`
	FirmwareID           string   `json:"firmware_id"`
	FirmwareVersion      string   `json:"firmware_version"`
	TargetDevices        []string `json:"target_devices"`
	Status               string   `json:"status" enum:"pending,in_progress,completed,failed,partial,canceled"`
	TotalDevices         int      `json:"total_devices"`
	CompletedDevices     int      `json:"completed_devices"`
	FailedDevices        int      `json:"failed_devices"`
	CompletionPercentage int      `json:"completion_percentage"`
	InFlightDevices      int      `json:"in_flight_devices"`
	DurationSeconds      *int64   `json:"duration_seconds,omitempty"`
	Error                *string  `json:"error,omitempty"`
	CreatedAt            string   `json:"created_at" format:"date-time"`
	StartedAt            *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt          *string  `json:"completed_at,omitempty" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func pendingCommands(cmds []domain.Command) []PendingCommand {
	out := make([]PendingCommand, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, PendingCommand{ID: c.ID, Kind: c.Kind, Payload: c.Payload})
	}
	return out
}

func commandResponse(c domain.Command) CommandResponse {
	return CommandResponse{
		ID:           c.ID,
		DeviceID:     c.DeviceID,
		Kind:         c.Kind,
		Payload:      c.Payload,
		Status:       c.Status,
		Progress:     c.Progress,
		DeploymentID: c.DeploymentID,
		ErrorDetail:  c.ErrorDetail,
		CreatedAt:    c.CreatedAt,
		SentAt:       c.SentAt,
		CompletedAt:  c.CompletedAt,
	}
}

func mapCommands(cmds []domain.Command) []CommandResponse {
	out := make([]CommandResponse, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, commandResponse(c))
	}
	return out
}

func deploymentResponse(p engine.DeploymentProgress) DeploymentResponse {
	return DeploymentResponse{
		ID:                   p.ID,
		Name:                 p.Name,
		FirmwareID:           p.FirmwareID,
		FirmwareVersion:      p.FirmwareVersion,
		TargetDevices:        p.TargetDevices,
		Status:               p.Status,
		TotalDevices:         p.TotalDevices,
		CompletedDevices:     p.CompletedDevices,
		FailedDevices:        p.FailedDevices,
		CompletionPercentage: p.CompletionPercentage,
		InFlightDevices:      p.InFlightDevices,
		DurationSeconds:      p.DurationSeconds,
		Error:                p.Error,
		CreatedAt:            p.CreatedAt,
		StartedAt:            p.StartedAt,
		CompletedAt:          p.CompletedAt,
	}
}

// pendingDeploymentResponse renders the snapshot returned by a just-created
// deployment, before any watcher has reported.
func pendingDeploymentResponse(d domain.Deployment) DeploymentResponse {
	return deploymentResponse(engine.DeploymentProgress{Deployment: d})
}

func mapDeployments(items []engine.DeploymentProgress) []DeploymentResponse {
	out := make([]DeploymentResponse, 0, len(items))
	for _, p := range items {
		out = append(out, deploymentResponse(p))
	}
	return out
}

func eventResponse(ev domain.Event) EventResponse {
	var payload map[string]any
	if ev.Payload != "" {
		_ = json.Unmarshal([]byte(ev.Payload), &payload)
	}
	return EventResponse{
		ID:         ev.ID,
		TS:         ev.TS,
		Type:       ev.Type,
		EntityKind: ev.EntityKind,
		EntityID:   ev.EntityID,
		ActorID:    ev.ActorID,
		Payload:    payload,
	}
}
