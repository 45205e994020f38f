package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sanonone/kektorkv/internal/config"
	"github.com/sanonone/kektorkv/internal/server"
	"github.com/sanonone/kektorkv/pkg/engine"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration file")
	httpAddr := flag.String("http-addr", "", "Address of the HTTP API (overrides http_addr)")
	tcpAddr := flag.String("tcp-addr", "", "Address of the RESP listener (overrides tcp_addr)")
	dataDir := flag.String("data-dir", "", "Directory of the AOF and snapshot (overrides data_dir)")
	logLevel := flag.String("log-level", "", "debug, info, warn or error (overrides log_level)")
	authToken := flag.String("auth-token", os.Getenv("KEKTORKV_AUTH_TOKEN"), "Bearer token required by the API; empty disables auth")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *tcpAddr != "" {
		cfg.TCPAddr = *tcpAddr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		slog.Error("invalid log level", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	eng, err := engine.Open(cfg.EngineOptions())
	if err != nil {
		slog.Error("failed to open engine", "data_dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	srv := server.NewServer(eng, cfg.HTTPAddr, *authToken)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Run)

	var resp *server.RESPServer
	if cfg.TCPAddr != "" {
		resp = server.NewRESPServer(eng, cfg.TCPAddr)
		g.Go(resp.ListenAndServe)
	}

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			slog.Info("shutdown signal received")
		}
		srv.Shutdown(5 * time.Second)
		if resp != nil {
			if err := resp.Close(); err != nil {
				slog.Warn("RESP listener close failed", "error", err)
			}
		}
		return nil
	})

	exitCode := 0
	if err := g.Wait(); err != nil {
		slog.Error("server stopped", "error", err)
		exitCode = 1
	}

	if err := eng.Close(); err != nil {
		slog.Error("engine close failed", "error", err)
		exitCode = 1
	}
	slog.Info("kektorkv stopped")
	stop()
	os.Exit(exitCode)
}
