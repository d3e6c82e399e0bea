// Command sol-sim runs the Fork Manager HTTP server: an in-memory Solana
// fork simulator that snapshots account state from a real RPC endpoint when
// each fork is created.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ethlog "github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/web3-fighter/sol-sim/config"
	"github.com/web3-fighter/sol-sim/fork"
	"github.com/web3-fighter/sol-sim/httpapi"
	"github.com/web3-fighter/sol-sim/upstream"
)

const version = "0.1.0"

func main() {
	app := &cli.App{
		Name:    "sol-sim",
		Usage:   "fork and simulate Solana account state over JSON-RPC",
		Version: version,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Usage:   "port to listen on",
				Value:   8899,
				EnvVars: []string{"SOLSIM_PORT"},
			},
			&cli.StringFlag{
				Name:     "solana-rpc",
				Usage:    "upstream Solana RPC URL to fork from",
				EnvVars:  []string{"SOLSIM_SOLANA_RPC"},
				Required: true,
			},
			&cli.StringFlag{
				Name:    "base-url",
				Usage:   "external base URL this server is reachable at",
				Value:   "http://localhost:8899",
				EnvVars: []string{"SOLSIM_BASE_URL"},
			},
			&cli.DurationFlag{
				Name:    "fork-ttl",
				Usage:   "how long an idle fork survives before eviction",
				Value:   fork.DefaultTTL,
				EnvVars: []string{"SOLSIM_TTL"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log level: trace, debug, info, warn, error",
				Value:   "info",
				EnvVars: []string{"SOLSIM_LOG_LEVEL"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		ethlog.Error("sol-sim exited with error", "err", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg := config.Config{
		Port:         c.Int("port"),
		SolanaRpcUrl: c.String("solana-rpc"),
		BaseUrl:      c.String("base-url"),
		ForkTTL:      c.Duration("fork-ttl"),
		LogLevel:     c.String("log-level"),
	}

	ethlog.SetDefault(ethlog.NewLogger(ethlog.NewTerminalHandlerWithLevel(os.Stderr, logLevel(cfg.LogLevel), false)))

	access, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build access logger: %w", err)
	}
	defer access.Sync()

	fetcher := upstream.NewFetcher(cfg.SolanaRpcUrl)
	registry := fork.NewRegistry(fetcher, cfg.ForkTTL)
	registry.StartReaper(cfg.ReaperInterval())
	defer registry.StopReaper()

	server := httpapi.NewServer(registry, cfg.BaseUrl, version, access)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		ethlog.Info("sol-sim listening", "port", cfg.Port, "baseUrl", cfg.BaseUrl, "solanaRpc", cfg.SolanaRpcUrl)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-sigCh:
		ethlog.Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func logLevel(name string) slog.Level {
	switch name {
	case "trace":
		return ethlog.LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
