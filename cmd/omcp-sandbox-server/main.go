// Package main provides the entry point for the sandbox session server.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ajaxzhan/omcp-sandbox/internal/config"
	"github.com/ajaxzhan/omcp-sandbox/internal/containerrt"
	"github.com/ajaxzhan/omcp-sandbox/internal/limits"
	"github.com/ajaxzhan/omcp-sandbox/internal/logging"
	"github.com/ajaxzhan/omcp-sandbox/internal/manager"
	"github.com/ajaxzhan/omcp-sandbox/internal/toolsurface"
	"github.com/ajaxzhan/omcp-sandbox/internal/transport"
	"github.com/mark3labs/mcp-go/server"
)

const (
	serverName    = "omcp-sandbox"
	serverVersion = "0.1.0"

	// reapInterval is how often the Manager sweeps idle sessions; unrelated
	// to SANDBOX_TIMEOUT, which governs how long a session may sit idle
	// before a sweep reaps it.
	reapInterval = 30 * time.Second
)

func main() {
	dockerHost := flag.String("docker-host", "", "Docker daemon endpoint (overrides config)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("failed to load configuration", logging.Err(err))
	}
	if *dockerHost != "" {
		cfg.DockerHost = *dockerHost
	}

	if err := logging.Init(&logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		logging.Fatal("failed to initialize logging", logging.Err(err))
	}
	defer logging.Sync()

	logging.Info("starting omcp-sandbox server",
		logging.String("docker_image", cfg.DockerImage),
		logging.String("backend", cfg.Backend),
		logging.String("language", cfg.Language),
		logging.Int("max_sandboxes", cfg.MaxSandboxes),
	)

	rt, err := containerrt.New(containerrt.Config{DockerHost: cfg.DockerHost})
	if err != nil {
		logging.Fatal("failed to create Docker runtime", logging.Err(err))
	}
	defer rt.Close()

	mgr := manager.New(rt, manager.Config{
		MaxSessions:     cfg.MaxSandboxes,
		SandboxTimeout:  cfg.SandboxTimeoutDuration(),
		DockerImage:     cfg.DockerImage,
		WorkspaceRoot:   cfg.WorkspaceRoot,
		DBHost:          cfg.DBHost,
		DBPort:          cfg.DBPort,
		DBUser:          cfg.DBUser,
		DBPassword:      cfg.DBPassword,
		DBName:          cfg.DBName,
		Backend:         manager.Backend(cfg.Backend),
		Language:        transport.Language(cfg.Language),
		MaxCodeChars:    cfg.MaxCodeChars,
		MaxFileReadSize: cfg.MaxFileReadSize,
		MaxFileWrite:    cfg.MaxFileWrite,
		DefaultLimits: limits.Defaults{
			MaxDurationSecs: cfg.DefaultExecTimeout().Seconds(),
			MaxOutputBytes:  cfg.MaxOutputBytes,
		},
	})

	reapCtx, cancelReap := context.WithCancel(context.Background())
	go runReaper(reapCtx, mgr)

	mcpServer := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	toolsurface.Register(mcpServer, toolsurface.NewHandler(mgr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.Info("shutting down omcp-sandbox server...")
		cancelReap()
		os.Exit(0)
	}()

	logging.Info("tool surface serving on stdio")
	if err := server.ServeStdio(mcpServer); err != nil {
		logging.Fatal("stdio server error", logging.Err(err))
	}
}

// runReaper sweeps idle sessions on a fixed interval until ctx is canceled.
func runReaper(ctx context.Context, mgr *manager.Manager) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgr.Reap(ctx)
		}
	}
}
