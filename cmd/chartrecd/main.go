// Command chartrecd is the chart extraction and reconciliation daemon.
//
// Usage:
//
//	chartrecd -config chartrec.yaml             # full daemon with HTTP API
//	chartrecd -config chartrec.yaml -mcp-stdio  # additionally serve MCP on stdio
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/chartrec/adapter"
	"github.com/hazyhaar/chartrec/service"
)

func main() {
	configPath := flag.String("config", "", "path to chartrec.yaml config file")
	mcpStdio := flag.Bool("mcp-stdio", false, "also serve the MCP tool surface on stdio")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *mcpStdio); err != nil {
		logger.Error("chartrecd: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath string, mcpStdio bool) error {
	cfg := &service.Config{}
	if configPath != "" {
		loaded, err := service.LoadConfigFile(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	svc, err := service.New(cfg, logger)
	if err != nil {
		return err
	}

	if err := registerAdapters(svc, configPath); err != nil {
		return err
	}

	if mcpStdio {
		srv := mcp.NewServer(&mcp.Implementation{Name: "chartrec", Version: "0.3.0"}, nil)
		svc.RegisterMCP(srv)
		go func() {
			if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				logger.Error("chartrecd: mcp stdio stopped", "error", err)
			}
		}()
	}

	return svc.Run(ctx)
}

// adapterFileConfig is the optional adapters section of the YAML config.
type adapterFileConfig struct {
	Adapters []adapter.TableConfig `yaml:"adapters"`
}

// registerAdapters loads table-driven portal adapters declared in the config
// file. Code-level adapters can be added by linking against the service
// package instead.
func registerAdapters(svc *service.Service, configPath string) error {
	if configPath == "" {
		return nil
	}
	var fc adapterFileConfig
	if err := service.LoadInto(configPath, &fc); err != nil {
		return err
	}
	for _, tc := range fc.Adapters {
		a, err := adapter.NewTableAdapter(tc)
		if err != nil {
			return err
		}
		svc.Adapters().Register(a)
	}
	return nil
}
