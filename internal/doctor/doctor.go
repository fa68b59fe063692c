// Package doctor inspects a launchgate installation without changing it.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fishvault/launchgate/internal/config"
	"github.com/fishvault/launchgate/internal/db"
)

const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"
)

type Check struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass | warn | fail
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

type Result struct {
	OK       bool     `json:"ok"`
	Checks   []Check  `json:"checks"`
	Warnings []string `json:"warnings,omitempty"`
}

// Run checks cfg, the remote endpoints, the database and the daemon socket.
// Only fail checks clear Result.OK.
func Run(ctx context.Context, cfg config.Config) Result {
	out := Result{OK: true}
	add := func(c Check) {
		out.Checks = append(out.Checks, c)
		if c.Status == StatusWarn {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %s", c.Name, c.Message))
		}
		if c.Status == StatusFail {
			out.OK = false
		}
	}

	add(checkConfig(cfg))
	add(checkEndpoint("validation_url", cfg.ValidationURL, StatusFail))
	add(checkEndpoint("resolve_url", cfg.ResolveURL, StatusFail))
	add(checkAttributionEndpoint(cfg))
	add(checkReachAddress(cfg.ReachAddress))
	add(checkDatabase(ctx, cfg.DBPath))
	add(checkSocket(ctx, cfg.SocketPath))
	return out
}

func checkConfig(cfg config.Config) Check {
	if err := cfg.Validate(); err != nil {
		return Check{Name: "config", Status: StatusFail, Message: err.Error()}
	}
	return Check{Name: "config", Status: StatusPass, Message: "valid"}
}

func checkEndpoint(name, raw string, missing string) Check {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Check{Name: name, Status: missing, Message: "not configured"}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return Check{Name: name, Status: StatusFail, Message: "not an absolute http(s) URL"}
	}
	if u.Scheme == "http" {
		return Check{Name: name, Status: StatusWarn, Message: "uses plain http"}
	}
	return Check{Name: name, Status: StatusPass, Message: u.Host}
}

// Device attribution is only fetched on an organic first launch, so a
// missing endpoint degrades rather than breaks activation.
func checkAttributionEndpoint(cfg config.Config) Check {
	c := checkEndpoint("attribution_base_url", cfg.AttributionBaseURL, StatusWarn)
	if c.Status == StatusPass && strings.TrimSpace(cfg.AppID) == "" {
		return Check{Name: c.Name, Status: StatusWarn, Message: "app_id is empty"}
	}
	return c
}

func checkReachAddress(addr string) Check {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return Check{Name: "reach_address", Status: StatusPass, Message: "connectivity from host reports only"}
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return Check{Name: "reach_address", Status: StatusFail, Message: fmt.Sprintf("invalid host:port: %v", err)}
	}
	return Check{Name: "reach_address", Status: StatusPass, Message: addr}
}

func checkDatabase(ctx context.Context, path string) Check {
	if strings.TrimSpace(path) == "" {
		return Check{Name: "database", Status: StatusFail, Message: "db_path is empty"}
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Check{Name: "database", Status: StatusWarn, Message: "not created yet; the daemon creates it on start", Path: path}
		}
		return Check{Name: "database", Status: StatusFail, Message: fmt.Sprintf("stat error: %v", err), Path: path}
	}
	store, err := db.OpenReadOnly(ctx, path)
	if err != nil {
		return Check{Name: "database", Status: StatusFail, Message: err.Error(), Path: path}
	}
	defer store.Close() //nolint:errcheck
	pending, err := db.PendingMigrations(ctx, store.DB())
	if err != nil {
		return Check{Name: "database", Status: StatusFail, Message: err.Error(), Path: path}
	}
	if pending > 0 {
		return Check{Name: "database", Status: StatusWarn, Message: fmt.Sprintf("%d migrations pending", pending), Path: path}
	}
	return Check{Name: "database", Status: StatusPass, Message: "schema current", Path: path}
}

func checkSocket(ctx context.Context, path string) Check {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if _, dirErr := os.Stat(filepath.Dir(path)); dirErr != nil && !errors.Is(dirErr, os.ErrNotExist) {
				return Check{Name: "daemon_socket", Status: StatusFail, Message: fmt.Sprintf("socket dir: %v", dirErr), Path: path}
			}
			return Check{Name: "daemon_socket", Status: StatusWarn, Message: "daemon not running", Path: path}
		}
		return Check{Name: "daemon_socket", Status: StatusFail, Message: fmt.Sprintf("stat error: %v", err), Path: path}
	}
	if info.Mode()&os.ModeSocket == 0 {
		return Check{Name: "daemon_socket", Status: StatusFail, Message: "path exists and is not a unix socket", Path: path}
	}
	dialCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "unix", path)
	if err != nil {
		return Check{Name: "daemon_socket", Status: StatusWarn, Message: "stale socket; nothing is listening", Path: path}
	}
	_ = conn.Close()
	return Check{Name: "daemon_socket", Status: StatusPass, Message: "daemon reachable", Path: path}
}
