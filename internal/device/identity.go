package device

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Store is the subset of preferences that persists the device identifier.
type Store interface {
	DeviceID(ctx context.Context) (string, error)
	SaveDeviceID(ctx context.Context, id string) error
}

// Identity holds a stable per-install device identifier.
type Identity struct {
	id string
}

// Load returns the persisted identifier, creating one on first use. A
// configured override wins and is persisted so later launches agree.
func Load(ctx context.Context, store Store, override string) (*Identity, error) {
	if id := strings.TrimSpace(override); id != "" {
		if err := store.SaveDeviceID(ctx, id); err != nil {
			return nil, fmt.Errorf("persist device id: %w", err)
		}
		return &Identity{id: id}, nil
	}
	id, err := store.DeviceID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read device id: %w", err)
	}
	if strings.TrimSpace(id) != "" {
		return &Identity{id: id}, nil
	}
	id = NewDeviceID()
	if err := store.SaveDeviceID(ctx, id); err != nil {
		return nil, fmt.Errorf("persist device id: %w", err)
	}
	return &Identity{id: id}, nil
}

func Static(id string) *Identity {
	return &Identity{id: id}
}

func (i *Identity) DeviceID() string {
	if i == nil {
		return ""
	}
	return i.id
}

// NewDeviceID produces an identifier shaped like attribution SDK ids.
func NewDeviceID() string {
	return strings.ToUpper(uuid.NewString())
}

type FingerprintInput struct {
	DeviceID string
	BundleID string
	AppID    string
	Platform string
}

// Fingerprint derives a stable install fingerprint used to correlate log
// lines without exposing the raw device id.
func Fingerprint(in FingerprintInput) string {
	payload := fmt.Sprintf("%s|%s|%s|%s", in.DeviceID, in.BundleID, in.AppID, in.Platform)
	hash := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(hash[:8])
}
