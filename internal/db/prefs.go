package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fishvault/launchgate/internal/model"
)

// Store keys. Names match the ones already written by shipped app builds.
const (
	KeyURL                   = "cached_endpoint"
	KeyMode                  = "app_status"
	KeyLaunchedBefore        = "launchedBefore"
	KeyPermissionGranted     = "permissions_accepted"
	KeyPermissionDenied      = "permissions_denied"
	KeyPermissionRequestTime = "permission_request_time"
	KeyAttribution           = "attribution_cache"
	KeyDeeplink              = "deeplink_cache"
	KeyTempURL               = "temp_url"
	KeyConversionDispatched  = "trackingDataSent"
	KeyConversionMerged      = "conversion_merged"
	KeyDeviceID              = "device_id"
	KeyFCMToken              = "fcm_token"
	KeyPushToken             = "push_token"
)

// Preferences exposes typed accessors over Store.
type Preferences struct {
	store *Store
}

func NewPreferences(store *Store) *Preferences {
	return &Preferences{store: store}
}

func (p *Preferences) Store() *Store {
	return p.store
}

// LoadConfiguration reads every persisted flag into one snapshot.
func (p *Preferences) LoadConfiguration(ctx context.Context) (model.AppConfiguration, error) {
	var cfg model.AppConfiguration
	url, err := p.optString(ctx, KeyURL)
	if err != nil {
		return cfg, err
	}
	mode, err := p.optString(ctx, KeyMode)
	if err != nil {
		return cfg, err
	}
	launched, err := p.bool(ctx, KeyLaunchedBefore)
	if err != nil {
		return cfg, err
	}
	granted, err := p.bool(ctx, KeyPermissionGranted)
	if err != nil {
		return cfg, err
	}
	denied, err := p.bool(ctx, KeyPermissionDenied)
	if err != nil {
		return cfg, err
	}
	requested, err := p.LastPermissionRequest(ctx)
	if err != nil {
		return cfg, err
	}
	cfg.URL = url
	cfg.Mode = model.Mode(mode)
	cfg.IsFirstLaunch = !launched
	cfg.PermissionGranted = granted
	cfg.PermissionDenied = denied
	cfg.LastPermissionRequest = requested
	return cfg, nil
}

// SaveActivation persists a resolved URL together with mode Active and the
// launched-before flag in one write.
func (p *Preferences) SaveActivation(ctx context.Context, url string) error {
	return p.store.SetMany(ctx, map[string]string{
		KeyURL:            url,
		KeyMode:           string(model.ModeActive),
		KeyLaunchedBefore: strconv.FormatBool(true),
	})
}

func (p *Preferences) SaveURL(ctx context.Context, url string) error {
	return p.store.Set(ctx, KeyURL, url)
}

func (p *Preferences) SaveMode(ctx context.Context, mode model.Mode) error {
	if mode == model.ModeUnset {
		return p.store.Delete(ctx, KeyMode)
	}
	return p.store.Set(ctx, KeyMode, string(mode))
}

func (p *Preferences) SaveLaunchedBefore(ctx context.Context) error {
	return p.store.Set(ctx, KeyLaunchedBefore, strconv.FormatBool(true))
}

func (p *Preferences) SavePermissionGranted(ctx context.Context, granted bool) error {
	return p.store.Set(ctx, KeyPermissionGranted, strconv.FormatBool(granted))
}

func (p *Preferences) SavePermissionDenied(ctx context.Context, denied bool) error {
	return p.store.Set(ctx, KeyPermissionDenied, strconv.FormatBool(denied))
}

func (p *Preferences) SaveLastPermissionRequest(ctx context.Context, at time.Time) error {
	return p.store.Set(ctx, KeyPermissionRequestTime, ts(at))
}

func (p *Preferences) LastPermissionRequest(ctx context.Context) (*time.Time, error) {
	raw, err := p.optString(ctx, KeyPermissionRequestTime)
	if err != nil || raw == "" {
		return nil, err
	}
	at, err := parseTS(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", KeyPermissionRequestTime, err)
	}
	return &at, nil
}

func (p *Preferences) SaveAttribution(ctx context.Context, rec model.Record) error {
	return p.store.SetJSON(ctx, KeyAttribution, rec)
}

func (p *Preferences) SaveDeeplink(ctx context.Context, rec model.Record) error {
	return p.store.SetJSON(ctx, KeyDeeplink, rec)
}

func (p *Preferences) LoadDeeplink(ctx context.Context) (model.Record, error) {
	return p.record(ctx, KeyDeeplink)
}

func (p *Preferences) SetTempURL(ctx context.Context, url string) error {
	return p.store.Set(ctx, KeyTempURL, url)
}

// TakeTempURL consumes the one-shot temp URL slot. ok is false when empty.
func (p *Preferences) TakeTempURL(ctx context.Context) (string, bool, error) {
	url, err := p.store.Take(ctx, KeyTempURL)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if strings.TrimSpace(url) == "" {
		return "", false, nil
	}
	return url, true, nil
}

func (p *Preferences) ConversionDispatched(ctx context.Context) (bool, error) {
	return p.bool(ctx, KeyConversionDispatched)
}

// MarkConversionDispatched sets the dispatched flag and stores the merged
// record atomically. The flag is never cleared.
func (p *Preferences) MarkConversionDispatched(ctx context.Context, merged model.Record) error {
	raw, err := merged.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode merged conversion: %w", err)
	}
	return p.store.SetMany(ctx, map[string]string{
		KeyConversionDispatched: strconv.FormatBool(true),
		KeyConversionMerged:     string(raw),
	})
}

func (p *Preferences) LoadMergedConversion(ctx context.Context) (model.Record, error) {
	return p.record(ctx, KeyConversionMerged)
}

func (p *Preferences) DeviceID(ctx context.Context) (string, error) {
	return p.optString(ctx, KeyDeviceID)
}

func (p *Preferences) SaveDeviceID(ctx context.Context, id string) error {
	return p.store.Set(ctx, KeyDeviceID, id)
}

// SavePushToken stores the token under both the messaging and legacy keys.
func (p *Preferences) SavePushToken(ctx context.Context, token string) error {
	return p.store.SetMany(ctx, map[string]string{
		KeyFCMToken:  token,
		KeyPushToken: token,
	})
}

func (p *Preferences) PushToken(ctx context.Context) (string, error) {
	token, err := p.optString(ctx, KeyPushToken)
	if err != nil || token != "" {
		return token, err
	}
	return p.optString(ctx, KeyFCMToken)
}

func (p *Preferences) optString(ctx context.Context, key string) (string, error) {
	v, err := p.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}

func (p *Preferences) bool(ctx context.Context, key string) (bool, error) {
	raw, err := p.optString(ctx, key)
	if err != nil || raw == "" {
		return false, err
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		// Unreadable flags are treated as unset.
		return false, nil
	}
	return b, nil
}

func (p *Preferences) record(ctx context.Context, key string) (model.Record, error) {
	var rec model.Record
	err := p.store.GetJSON(ctx, key, &rec)
	if errors.Is(err, ErrNotFound) {
		return model.Record{}, nil
	}
	if err != nil {
		return model.Record{}, err
	}
	return rec, nil
}
