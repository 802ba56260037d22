package domain

type Device struct {
	ID               string  `json:"device_id"`
	Name             string  `json:"device_name,omitempty"`
	Type             string  `json:"device_type,omitempty"`
	LocalIP          string  `json:"local_ip,omitempty"`
	MACAddress       string  `json:"mac_address,omitempty"`
	FirmwareVersion  string  `json:"firmware_version,omitempty"`
	HardwareVersion  string  `json:"hardware_version,omitempty"`
	Status           string  `json:"status" enum:"online,offline"`
	UnregisterReason *string `json:"unregister_reason,omitempty"`
	LastSeen         string  `json:"last_seen,omitempty" format:"date-time"`
	RegisteredAt     string  `json:"registered_at" format:"date-time"`
}

// Telemetry is the free-form sample a device reports with every heartbeat.
// Stored verbatim; only keys like wifi_rssi, free_heap, uptime_seconds are
// conventional.
type Telemetry map[string]any

// Command is one asynchronous instruction queued for one device.
// Lifecycle is monotonic: pending -> sent -> completed|failed.
type Command struct {
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

const (
	CommandPending   = "pending"
	CommandSent      = "sent"
	CommandCompleted = "completed"
	CommandFailed    = "failed"
)

func CommandTerminal(status string) bool {
	return status == CommandCompleted || status == CommandFailed
}

type Firmware struct {
	ID          string `json:"id"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	DeviceType  string `json:"device_type"`
	FileName    string `json:"file_name"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"`
	StorageRef  string `json:"storage_ref"`
	Status      string `json:"status" enum:"available,deleted"`
	UploadedAt  string `json:"uploaded_at" format:"date-time"`
}

// Deployment is a fleet-wide firmware rollout over a fixed target set.
// Counters are always recomputed from command rows, never trusted from
// in-memory state.
type Deployment struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	FirmwareID       string   `json:"firmware_id"`
	FirmwareVersion  string   `json:"firmware_version"`
	TargetDevices    []string `json:"target_devices"`
	Status           string   `json:"status" enum:"pending,in_progress,completed,failed,partial,canceled"`
	TotalDevices     int      `json:"total_devices"`
	CompletedDevices int      `json:"completed_devices"`
	FailedDevices    int      `json:"failed_devices"`
	Error            *string  `json:"error,omitempty"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
	StartedAt        *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt      *string  `json:"completed_at,omitempty" format:"date-time"`
}

const (
	DeploymentPending    = "pending"
	DeploymentInProgress = "in_progress"
	DeploymentCompleted  = "completed"
	DeploymentFailed     = "failed"
	DeploymentPartial    = "partial"
	DeploymentCanceled   = "canceled"
)

func DeploymentTerminal(status string) bool {
	switch status {
	case DeploymentCompleted, DeploymentFailed, DeploymentPartial, DeploymentCanceled:
		return true
	}
	return false
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
