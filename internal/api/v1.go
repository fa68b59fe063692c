package api

import (
	"time"

	"github.com/fishvault/launchgate/internal/model"
)

const SchemaVersion = "v1"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

// StateSnapshot is the presentation view of the orchestrator.
type StateSnapshot struct {
	Phase                string    `json:"phase"`
	TargetURL            string    `json:"target_url,omitempty"`
	Splash               bool      `json:"splash"`
	ShowPermissionPrompt bool      `json:"show_permission_prompt"`
	Version              uint64    `json:"version"`
	UpdatedAt            time.Time `json:"updated_at"`
}

type StateResponse struct {
	SchemaVersion string        `json:"schema_version"`
	GeneratedAt   time.Time     `json:"generated_at"`
	State         StateSnapshot `json:"state"`
	Network       string        `json:"network"`
}

const (
	WatchTypeState       = "state"
	WatchTypeLoadTempURL = "load_temp_url"
)

// WatchLine is one ndjson line (or websocket message) of the state stream.
type WatchLine struct {
	SchemaVersion string         `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	StreamID      string         `json:"stream_id"`
	Sequence      int64          `json:"sequence"`
	Type          string         `json:"type"`
	State         *StateSnapshot `json:"state,omitempty"`
	URL           string         `json:"url,omitempty"`
}

// RecordRequest carries SDK callback values. Data is kept loosely typed.
type RecordRequest struct {
	Data model.Record `json:"data"`
}

type ConversionFailureRequest struct {
	Error string `json:"error"`
}

type IngestResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Kind          string    `json:"kind"`
	Accepted      bool      `json:"accepted"`
}

type NotificationResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Routed        bool      `json:"routed"`
	URL           string    `json:"url,omitempty"`
}

type PushTokenRequest struct {
	Token string `json:"token"`
}

type TempURLResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Found         bool      `json:"found"`
	URL           string    `json:"url,omitempty"`
}

type NetworkRequest struct {
	Satisfied *bool `json:"satisfied"`
}

type NetworkResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Network       string    `json:"network"`
}

type PermissionResponse struct {
	SchemaVersion string        `json:"schema_version"`
	GeneratedAt   time.Time     `json:"generated_at"`
	Granted       bool          `json:"granted"`
	State         StateSnapshot `json:"state"`
}

type AckResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	ResultCode    string    `json:"result_code"`
}
