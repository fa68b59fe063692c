package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/fishvault/launchgate/internal/metrics"
	"github.com/fishvault/launchgate/internal/model"
	"github.com/fishvault/launchgate/internal/security"
)

const (
	CodeStatus    = "E_REMOTE_STATUS"
	CodePayload   = "E_REMOTE_PAYLOAD"
	CodeTransport = "E_REMOTE_TRANSPORT"
	CodeConfig    = "E_REMOTE_CONFIG"

	maxResponseBytes = 1 << 20
)

type RequestError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(e.Op)
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, ": http %d", e.StatusCode)
	}
	if e.Code != "" {
		b.WriteString(": " + e.Code)
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		b.WriteString(": " + msg)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *RequestError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable reports whether a later attempt could succeed. Callers in this
// module never retry within a session; the flag feeds logs and metrics.
func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.Code == CodeTransport {
		return true
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

type Endpoints struct {
	ValidationURL      string
	AttributionBaseURL string
	ResolveURL         string
}

type AppIdentity struct {
	AppID             string
	DevKey            string
	BundleID          string
	FirebaseProjectID string
	Platform          string
	Locale            string
	UserAgent         string
}

type DeviceIdentity interface {
	DeviceID() string
}

type TokenSource interface {
	PushToken(ctx context.Context) (string, error)
}

type Options struct {
	Endpoints  Endpoints
	App        AppIdentity
	Timeout    time.Duration
	HTTPClient *http.Client
	Device     DeviceIdentity
	Tokens     TokenSource
	Logger     *zap.Logger
	Metrics    *metrics.Collector
}

// Client implements validation, device attribution lookup and URL resolution.
type Client struct {
	endpoints Endpoints
	app       AppIdentity
	timeout   time.Duration
	http      *http.Client
	device    DeviceIdentity
	tokens    TokenSource
	logger    *zap.Logger
	metrics   *metrics.Collector
}

func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoints: opts.Endpoints,
		app:       opts.App,
		timeout:   opts.Timeout,
		http:      httpClient,
		device:    opts.Device,
		tokens:    opts.Tokens,
		logger:    logger,
		metrics:   opts.Metrics,
	}
}

// Validate reports whether the remote activation feature is enabled: the
// endpoint must return a JSON string holding an absolute URL.
func (c *Client) Validate(ctx context.Context) (ok bool, err error) {
	const op = "validate"
	defer c.observe(op, time.Now(), &err)

	if strings.TrimSpace(c.endpoints.ValidationURL) == "" {
		return false, &RequestError{Op: op, Code: CodeConfig, Message: "validation_url is not configured"}
	}
	body, err := c.do(ctx, op, http.MethodGet, c.endpoints.ValidationURL, nil)
	if err != nil {
		return false, err
	}
	if !gjson.ValidBytes(body) {
		return false, nil
	}
	res := gjson.ParseBytes(body)
	if res.Type != gjson.String {
		return false, nil
	}
	return isAbsoluteURL(res.Str), nil
}

// FetchAttribution looks up device-level install attribution.
func (c *Client) FetchAttribution(ctx context.Context, deviceID string) (rec model.Record, err error) {
	const op = "fetch_attribution"
	defer c.observe(op, time.Now(), &err)

	base := strings.TrimRight(strings.TrimSpace(c.endpoints.AttributionBaseURL), "/")
	if base == "" || strings.TrimSpace(c.app.AppID) == "" {
		return model.Record{}, &RequestError{Op: op, Code: CodeConfig, Message: "attribution endpoint is not configured"}
	}
	query := url.Values{}
	query.Set("devkey", c.app.DevKey)
	query.Set("device_id", deviceID)
	target := fmt.Sprintf("%s/id%s?%s", base, c.app.AppID, query.Encode())

	body, err := c.do(ctx, op, http.MethodGet, target, nil)
	if err != nil {
		return model.Record{}, err
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return model.Record{}, &RequestError{Op: op, Code: CodePayload, Message: "attribution response is not a JSON object"}
	}
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return model.Record{}, &RequestError{Op: op, Code: CodePayload, Err: err}
	}
	return model.NewRecord(data), nil
}

// FetchURL resolves the activation URL for the merged attribution.
func (c *Client) FetchURL(ctx context.Context, attribution model.Record) (resolved string, err error) {
	const op = "fetch_url"
	defer c.observe(op, time.Now(), &err)

	if strings.TrimSpace(c.endpoints.ResolveURL) == "" {
		return "", &RequestError{Op: op, Code: CodeConfig, Message: "resolve_url is not configured"}
	}
	payload, err := json.Marshal(c.resolvePayload(ctx, attribution).Map())
	if err != nil {
		return "", fmt.Errorf("encode resolve payload: %w", err)
	}
	body, err := c.do(ctx, op, http.MethodPost, c.endpoints.ResolveURL, payload)
	if err != nil {
		return "", err
	}
	if !gjson.ValidBytes(body) {
		return "", &RequestError{Op: op, Code: CodePayload, Message: "response is not JSON"}
	}
	res := gjson.ParseBytes(body)
	if res.Get("ok").Type != gjson.True {
		return "", &RequestError{Op: op, Code: CodePayload, Message: "response not ok"}
	}
	u := res.Get("url")
	if u.Type != gjson.String || strings.TrimSpace(u.Str) == "" {
		return "", &RequestError{Op: op, Code: CodePayload, Message: "response has no url"}
	}
	return u.Str, nil
}

// resolvePayload adds the app identity fields to the attribution. Identity
// fields overwrite attribution keys of the same name.
func (c *Client) resolvePayload(ctx context.Context, attribution model.Record) model.Record {
	out := attribution.
		With("os", c.app.Platform).
		With("bundle_id", c.app.BundleID).
		With("store_id", "id"+c.app.AppID).
		With("locale", normalizeLocale(c.app.Locale))
	if c.device != nil {
		out = out.With("af_id", c.device.DeviceID())
	}
	if c.app.FirebaseProjectID != "" {
		out = out.With("firebase_project_id", c.app.FirebaseProjectID)
	}
	if c.tokens != nil {
		token, err := c.tokens.PushToken(ctx)
		if err != nil {
			c.logger.Warn("read push token", zap.Error(err))
		}
		if token != "" {
			out = out.With("push_token", token)
		}
	}
	return out
}

func (c *Client) do(ctx context.Context, op, method, target string, body []byte) ([]byte, error) {
	reqCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, target, reqBody)
	if err != nil {
		return nil, &RequestError{Op: op, Code: CodeConfig, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ua := strings.TrimSpace(c.app.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	c.logger.Debug("remote request", zap.String("op", op), zap.String("method", method), zap.String("url", security.RedactURL(target)))
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &RequestError{Op: op, Code: CodeTransport, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &RequestError{Op: op, Code: CodeTransport, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RequestError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Code:       CodeStatus,
			Message:    truncate(strings.TrimSpace(string(payload)), 256),
		}
	}
	return payload, nil
}

func (c *Client) observe(op string, start time.Time, err *error) {
	c.metrics.ObserveRemote(op, *err, time.Since(start))
	if *err != nil {
		var reqErr *RequestError
		retryable := errors.As(*err, &reqErr) && reqErr.Retryable()
		c.logger.Info("remote call failed", zap.String("op", op), zap.Bool("retryable", retryable), zap.Error(*err))
	}
}

func isAbsoluteURL(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != ""
}

func normalizeLocale(locale string) string {
	locale = strings.TrimSpace(locale)
	if len(locale) < 2 {
		return "EN"
	}
	return strings.ToUpper(locale[:2])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
