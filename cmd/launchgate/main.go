package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fishvault/launchgate/internal/cli"
	"github.com/fishvault/launchgate/internal/config"
)

func main() {
	// Environment overrides pick the socket; a bad override falls back to
	// the default and --socket still wins.
	cfg, err := config.Load(config.LoadOptions{})
	if err != nil {
		cfg = config.DefaultConfig()
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	r := cli.NewRunner(cfg.SocketPath, os.Stdout, os.Stderr)
	code := r.Run(ctx, os.Args[1:])
	cancel()
	os.Exit(code)
}
