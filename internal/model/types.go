package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Record is an immutable bag of loosely typed attribution values. The same
// shape carries conversion data, deep link payloads and their merge.
type Record struct {
	data map[string]any
}

// Paid-source markers consulted when af_status is missing.
var paidMarkers = []string{"media_source", "campaign", "campaign_id", "af_prt", "af_ad"}

const (
	statusKey        = "af_status"
	statusOrganic    = "organic"
	statusNonOrganic = "non-organic"
)

func NewRecord(data map[string]any) Record {
	if len(data) == 0 {
		return Record{}
	}
	cp := make(map[string]any, len(data))
	for k, v := range data {
		cp[k] = v
	}
	return Record{data: cp}
}

func (r Record) Len() int {
	return len(r.data)
}

func (r Record) IsEmpty() bool {
	return len(r.data) == 0
}

func (r Record) Get(key string) (any, bool) {
	v, ok := r.data[key]
	return v, ok
}

// String returns the value for key when it is a string, otherwise "".
func (r Record) String(key string) string {
	v, ok := r.data[key].(string)
	if !ok {
		return ""
	}
	return v
}

func (r Record) Keys() []string {
	keys := make([]string, 0, len(r.data))
	for k := range r.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Map returns a copy of the underlying values.
func (r Record) Map() map[string]any {
	out := make(map[string]any, len(r.data))
	for k, v := range r.data {
		out[k] = v
	}
	return out
}

// Merge returns the union of r and other. Keys already present in r win;
// other only fills gaps.
func (r Record) Merge(other Record) Record {
	if other.IsEmpty() {
		return r
	}
	out := r.Map()
	for k, v := range other.data {
		if _, ok := out[k]; ok {
			continue
		}
		out[k] = v
	}
	return Record{data: out}
}

func (r Record) With(key string, value any) Record {
	out := r.Map()
	out[key] = value
	return Record{data: out}
}

// IsOrganic reports whether the record carries no paid-campaign markers.
func (r Record) IsOrganic() bool {
	if status := strings.ToLower(strings.TrimSpace(r.String(statusKey))); status != "" {
		switch status {
		case statusOrganic:
			return true
		case statusNonOrganic:
			return false
		}
	}
	for _, key := range paidMarkers {
		if hasValue(r.data[key]) {
			return false
		}
	}
	return true
}

func hasValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(t) != ""
	default:
		return true
	}
}

func (r Record) MarshalJSON() ([]byte, error) {
	if r.data == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.data)
}

func (r *Record) UnmarshalJSON(raw []byte) error {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	*r = NewRecord(data)
	return nil
}

// Mode is the cached activation mode persisted between launches.
type Mode string

const (
	ModeUnset    Mode = ""
	ModeActive   Mode = "Active"
	ModeInactive Mode = "Inactive"
)

// AppConfiguration is the orchestrator's in-memory copy of persisted flags.
type AppConfiguration struct {
	URL                   string
	Mode                  Mode
	IsFirstLaunch         bool
	PermissionGranted     bool
	PermissionDenied      bool
	LastPermissionRequest *time.Time
}

// ShouldShowPermissionPrompt is true while the user has neither granted nor
// denied, and no "later" answer is younger than cooldown.
func (c AppConfiguration) ShouldShowPermissionPrompt(now time.Time, cooldown time.Duration) bool {
	if c.PermissionGranted || c.PermissionDenied {
		return false
	}
	if c.LastPermissionRequest == nil || cooldown <= 0 {
		return true
	}
	return now.Sub(*c.LastPermissionRequest) >= cooldown
}

// Error codes defined by API contract.
const (
	ErrRefInvalid         = "E_REF_INVALID"
	ErrPayloadInvalid     = "E_PAYLOAD_INVALID"
	ErrPreconditionFailed = "E_PRECONDITION_FAILED"
	ErrRateLimited        = "E_RATE_LIMITED"
	ErrUnavailable        = "E_UNAVAILABLE"
)
