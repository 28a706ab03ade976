// Package browser manages the bounded pool of portal browser sessions.
//
// One shared Chrome instance (local via launcher, or remote over WebSocket)
// hosts all sessions; each job acquires one stealth page from the pool and
// holds it from LAUNCHING_BROWSER until the job reaches a terminal state.
// Pool capacity caps simultaneously active extractions; Acquire blocks until
// a slot frees or the acquire timeout fires.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// ErrPoolTimeout is returned when no session slot frees within the acquire
// timeout. Resource errors are retryable only via explicit user retry.
var ErrPoolTimeout = errors.New("browser: session pool acquire timed out")

// Config configures the session pool.
type Config struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string `yaml:"remote_url"`

	// PoolSize caps simultaneously active sessions. Default: 2.
	PoolSize int `yaml:"pool_size"`

	// AcquireTimeout bounds how long a job waits for a free slot. Default: 2m.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// NavigateTimeout bounds each navigation. Default: 30s.
	NavigateTimeout time.Duration `yaml:"navigate_timeout"`

	// Headless controls the local Chrome mode. Portals are operated by a
	// human during login, so headful is the usual production setting.
	Headless bool `yaml:"headless"`

	Logger *slog.Logger `yaml:"-"`
}

func (c *Config) defaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = 2
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 2 * time.Minute
	}
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Pool owns the shared Chrome and hands out bounded sessions.
type Pool struct {
	cfg Config

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool

	slots chan struct{}
	inUse atomic.Int32

	md *converter.Converter
}

// NewPool creates a Pool. Call Start to launch (or connect to) Chrome.
func NewPool(cfg Config) *Pool {
	cfg.defaults()
	return &Pool{
		cfg:   cfg,
		slots: make(chan struct{}, cfg.PoolSize),
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Start launches Chrome (or connects to the configured remote instance).
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("browser: pool is closed")
	}
	if p.browser != nil {
		return nil
	}

	log := p.cfg.Logger
	var wsURL string

	if p.cfg.RemoteURL != "" {
		wsURL = p.cfg.RemoteURL
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New().
			Headless(p.cfg.Headless).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		p.lnch = l
		log.Info("browser: launched local chrome", "headless", p.cfg.Headless)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("browser: connect: %w", err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		log.Warn("browser: ignore cert errors failed", "error", err)
	}
	p.browser = b
	return nil
}

// Acquire blocks until a pool slot is free (or the acquire timeout fires)
// and returns a fresh stealth session. The caller owns the session until
// Close; closing returns the slot.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case p.slots <- struct{}{}:
	case <-timer.C:
		return nil, ErrPoolTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	sess, err := p.newSession(ctx)
	if err != nil {
		<-p.slots
		return nil, err
	}
	p.inUse.Add(1)
	return sess, nil
}

// InUse reports current pool occupancy.
func (p *Pool) InUse() int {
	return int(p.inUse.Load())
}

// Close shuts down Chrome. Sessions still held become unusable.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.browser != nil {
		p.browser.Close()
		p.browser = nil
	}
	if p.lnch != nil {
		p.lnch.Cleanup()
		p.lnch = nil
	}
	return nil
}

func (p *Pool) release(s *Session) {
	p.inUse.Add(-1)
	<-p.slots
}
