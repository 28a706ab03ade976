// Package service assembles the chartrec components into one runnable
// daemon: store, job registry, command queue, browser pool, adapter invoker,
// reconciliation engine, scheduler and the HTTP control surface.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/chartrec/adapter"
	"github.com/hazyhaar/chartrec/browser"
	"github.com/hazyhaar/chartrec/cmdq"
	"github.com/hazyhaar/chartrec/httpapi"
	"github.com/hazyhaar/chartrec/progress"
	"github.com/hazyhaar/chartrec/recon"
	"github.com/hazyhaar/chartrec/registry"
	"github.com/hazyhaar/chartrec/scheduler"
	"github.com/hazyhaar/chartrec/store"
)

// Service owns the wired component graph.
type Service struct {
	cfg *Config
	log *slog.Logger

	store    *store.Store
	reg      *registry.Registry
	q        *cmdq.Q
	pool     *browser.Pool
	adapters *adapter.Registry
	bus      *progress.Broadcaster
	sched    *scheduler.Scheduler
	api      *httpapi.Server
}

// poolAdapter narrows *browser.Pool to the scheduler's Pool interface.
type poolAdapter struct {
	pool *browser.Pool
}

func (p poolAdapter) Acquire(ctx context.Context) (scheduler.Session, error) {
	return p.pool.Acquire(ctx)
}

// New wires a Service from config. Portal adapters are registered afterwards
// through Adapters, before Run.
func New(cfg *Config, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg.defaults()

	st, err := store.Open(cfg.DBPath, store.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("service: open store: %w", err)
	}

	reg := registry.New(st, log)
	q := cmdq.New(st.DB, cmdq.Options{
		Visibility:   cfg.Commands.Visibility,
		PollInterval: cfg.Commands.PollInterval,
		MaxAttempts:  cfg.Commands.MaxAttempts,
		Logger:       log,
	})

	bcfg := cfg.Browser
	bcfg.Logger = log
	pool := browser.NewPool(bcfg)

	adapters := adapter.NewRegistry()
	bus := progress.New(log)

	sched := scheduler.New(reg, st, q, poolAdapter{pool},
		adapter.NewInvoker(adapters, log), recon.New(st, log), bus,
		scheduler.Options{
			ConfirmTimeout:    cfg.Scheduler.ConfirmTimeout,
			SkipLivenessCheck: cfg.Scheduler.SkipLivenessCheck,
			SweepInterval:     cfg.Scheduler.SweepInterval,
			StallThreshold:    cfg.Scheduler.StallThreshold,
			Logger:            log,
		})

	api := httpapi.New(reg, st, q, sched, bus, httpapi.Options{
		AuthUser:       cfg.Auth.User,
		AuthHash:       cfg.Auth.PasswordHash,
		StallThreshold: cfg.Scheduler.StallThreshold,
		Logger:         log,
	})

	return &Service{
		cfg: cfg, log: log,
		store: st, reg: reg, q: q, pool: pool,
		adapters: adapters, bus: bus, sched: sched, api: api,
	}, nil
}

// Adapters returns the portal adapter registry.
func (s *Service) Adapters() *adapter.Registry {
	return s.adapters
}

// RegisterMCP exposes the job control tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.api.RegisterMCP(srv)
}

// Run starts Chrome, the scheduler loops and the HTTP listener, then blocks
// until ctx is cancelled. Shutdown drains active job runners before closing
// the store.
func (s *Service) Run(ctx context.Context) error {
	if err := s.pool.Start(ctx); err != nil {
		return fmt.Errorf("service: start browser pool: %w", err)
	}
	s.sched.Start(ctx)

	httpSrv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutCtx)
	}()

	s.log.Info("service: listening", "addr", s.cfg.Listen, "db", s.cfg.DBPath)
	err := httpSrv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("service: http server: %w", err)
	}

	s.sched.Wait()
	s.bus.Close()
	_ = s.pool.Close()
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("service: close store: %w", err)
	}
	s.log.Info("service: stopped")
	return nil
}
