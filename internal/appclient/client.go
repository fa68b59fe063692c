package appclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fishvault/launchgate/internal/api"
	"github.com/fishvault/launchgate/internal/model"
)

type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

const (
	watchScannerInitialBuffer = 64 * 1024
	watchScannerMaxBuffer     = 10 * 1024 * 1024
	defaultUnaryTimeout       = 10 * time.Second
)

func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewWithClient("http://unix", &http.Client{Transport: transport})
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type WatchLoopOptions struct {
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration
	Once            bool
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

var ErrWatchPayloadInvalid = errors.New("watch payload invalid")

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	return getJSON[api.HealthResponse](ctx, c, "/v1/health")
}

func (c *Client) State(ctx context.Context) (api.StateResponse, error) {
	return getJSON[api.StateResponse](ctx, c, "/v1/state")
}

func (c *Client) SubmitConversion(ctx context.Context, rec model.Record) (api.IngestResponse, error) {
	return postJSON[api.IngestResponse](ctx, c, "/v1/events/conversion", api.RecordRequest{Data: rec})
}

func (c *Client) SubmitDeeplink(ctx context.Context, rec model.Record) (api.IngestResponse, error) {
	return postJSON[api.IngestResponse](ctx, c, "/v1/events/deeplink", api.RecordRequest{Data: rec})
}

func (c *Client) SubmitConversionFailure(ctx context.Context, reason string) (api.IngestResponse, error) {
	return postJSON[api.IngestResponse](ctx, c, "/v1/events/conversion-failure", api.ConversionFailureRequest{Error: reason})
}

// PostNotification forwards a raw push payload unchanged.
func (c *Client) PostNotification(ctx context.Context, payload []byte) (api.NotificationResponse, error) {
	body, err := c.request(ctx, http.MethodPost, "/v1/notifications", nil, json.RawMessage(payload), false)
	if err != nil {
		return api.NotificationResponse{}, err
	}
	return decode[api.NotificationResponse](body, "notification response")
}

func (c *Client) SavePushToken(ctx context.Context, token string) (api.AckResponse, error) {
	return postJSON[api.AckResponse](ctx, c, "/v1/push-token", api.PushTokenRequest{Token: token})
}

func (c *Client) ConsumeTempURL(ctx context.Context) (api.TempURLResponse, error) {
	return postJSON[api.TempURLResponse](ctx, c, "/v1/content/temp-url/consume", nil)
}

func (c *Client) ReportNetwork(ctx context.Context, satisfied bool) (api.NetworkResponse, error) {
	return postJSON[api.NetworkResponse](ctx, c, "/v1/network", api.NetworkRequest{Satisfied: &satisfied})
}

func (c *Client) GrantPermission(ctx context.Context) (api.PermissionResponse, error) {
	return postJSON[api.PermissionResponse](ctx, c, "/v1/permission/grant", nil)
}

func (c *Client) DenyPermission(ctx context.Context) (api.PermissionResponse, error) {
	return postJSON[api.PermissionResponse](ctx, c, "/v1/permission/deny", nil)
}

// WatchOnce returns the current snapshot line.
func (c *Client) WatchOnce(ctx context.Context) (api.WatchLine, error) {
	query := url.Values{}
	query.Set("once", "1")
	body, err := c.request(ctx, http.MethodGet, "/v1/watch", query, nil, true)
	if err != nil {
		return api.WatchLine{}, err
	}
	var line api.WatchLine
	err = scanWatchLines(bytes.NewReader(body), func(l api.WatchLine) error {
		line = l
		return nil
	})
	if err != nil {
		return api.WatchLine{}, err
	}
	if line.Type == "" {
		return api.WatchLine{}, fmt.Errorf("%w: empty watch response", ErrWatchPayloadInvalid)
	}
	return line, nil
}

// Watch follows the ndjson stream until ctx ends, the server closes it or
// onLine returns an error.
func (c *Client) Watch(ctx context.Context, onLine func(api.WatchLine) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/watch", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/x-ndjson")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return requestError(resp.StatusCode, payload)
	}
	err = scanWatchLines(resp.Body, onLine)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// WatchLoop keeps a watch stream open, reconnecting with exponential
// backoff after retryable failures.
func (c *Client) WatchLoop(ctx context.Context, opts WatchLoopOptions, onLine func(api.WatchLine) error) error {
	if opts.Once {
		line, err := c.WatchOnce(ctx)
		if err != nil {
			return err
		}
		if onLine == nil {
			return nil
		}
		return onLine(line)
	}
	minBackoff := opts.RetryMinBackoff
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	maxBackoff := opts.RetryMaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 4 * time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	backoff := minBackoff
	var callbackErr error

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		received := false
		err := c.Watch(ctx, func(line api.WatchLine) error {
			received = true
			if onLine == nil {
				return nil
			}
			if err := onLine(line); err != nil {
				callbackErr = err
				return err
			}
			return nil
		})
		if callbackErr != nil {
			return callbackErr
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, ErrWatchPayloadInvalid) {
			return err
		}
		var reqErr *RequestError
		if errors.As(err, &reqErr) && !reqErr.Retryable() {
			return err
		}
		if received {
			backoff = minBackoff
		}
		if waitErr := sleepWithContext(ctx, backoff); waitErr != nil {
			return waitErr
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func getJSON[T any](ctx context.Context, c *Client, path string) (T, error) {
	var zero T
	body, err := c.request(ctx, http.MethodGet, path, nil, nil, false)
	if err != nil {
		return zero, err
	}
	return decode[T](body, path)
}

func postJSON[T any](ctx context.Context, c *Client, path string, req any) (T, error) {
	var zero T
	body, err := c.request(ctx, http.MethodPost, path, nil, req, false)
	if err != nil {
		return zero, err
	}
	return decode[T](body, path)
}

func decode[T any](body []byte, what string) (T, error) {
	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", what, err)
	}
	return out, nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any, longLived bool) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if !longLived && c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, requestError(resp.StatusCode, payload)
	}
	return payload, nil
}

func requestError(status int, payload []byte) error {
	var er api.ErrorResponse
	if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
		return &RequestError{
			StatusCode: status,
			Code:       er.Error.Code,
			Message:    er.Error.Message,
		}
	}
	return &RequestError{
		StatusCode: status,
		Code:       fmt.Sprintf("HTTP_%d", status),
		Message:    strings.TrimSpace(string(payload)),
	}
}

func scanWatchLines(r io.Reader, onLine func(api.WatchLine) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, watchScannerInitialBuffer), watchScannerMaxBuffer)
	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var line api.WatchLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			return fmt.Errorf("%w: decode watch line: %v", ErrWatchPayloadInvalid, err)
		}
		if onLine != nil {
			if err := onLine(line); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan watch lines: %w", err)
	}
	return nil
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
