package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/stealth"
)

// stableWindow is how long the DOM must stay unchanged before WaitStable
// considers the page settled.
const stableWindow = 300 * time.Millisecond

// Driver is the narrow navigate/wait/extract surface portal adapters and the
// scheduler consume. The production implementation is *Session; tests use
// in-memory fakes.
type Driver interface {
	// Navigate loads a URL and waits for the page load event.
	Navigate(ctx context.Context, url string) error
	// WaitStable waits until the DOM stops mutating.
	WaitStable(ctx context.Context) error
	// HTML returns the full serialized DOM.
	HTML(ctx context.Context) (string, error)
	// Text returns the visible text of the first element matching selector.
	Text(ctx context.Context, selector string) (string, error)
	// Markdown renders the first element matching selector as markdown —
	// used for free-text clinical notes.
	Markdown(ctx context.Context, selector string) (string, error)
	// Tables parses every <table> on the page into rows of cell text.
	Tables(ctx context.Context) ([]Table, error)
	// Alive probes whether the session still answers; used as the
	// pre-extraction liveness check after login confirmation.
	Alive(ctx context.Context) bool
}

// Session is one pooled portal browser tab. It stays open across the
// AWAITING_USER_CONFIRMATION suspension so the human-authenticated state
// survives until extraction runs.
type Session struct {
	page *rod.Page
	pool *Pool
	once sync.Once
}

func (p *Pool) newSession(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	b := p.browser
	p.mu.Unlock()
	if b == nil {
		return nil, fmt.Errorf("browser: pool not started")
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: create session: %w", err)
	}
	return &Session{page: page, pool: p}, nil
}

// Navigate loads url and waits for the load event, bounded by the pool's
// navigate timeout.
func (s *Session) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, s.pool.cfg.NavigateTimeout)
	defer cancel()

	if err := s.page.Context(navCtx).Navigate(url); err != nil {
		return fmt.Errorf("browser: navigate %s: %w", url, err)
	}
	if err := s.page.Context(navCtx).WaitLoad(); err != nil {
		s.pool.cfg.Logger.Warn("browser: wait load timeout", "url", url, "error", err)
	}
	return nil
}

// WaitStable waits for the DOM to stop mutating (portals frequently render
// patient tables from XHR after load).
func (s *Session) WaitStable(ctx context.Context) error {
	return s.page.Context(ctx).WaitDOMStable(stableWindow, 0)
}

// HTML serialises the complete DOM as outer HTML.
func (s *Session) HTML(ctx context.Context) (string, error) {
	res, err := s.page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return "", fmt.Errorf("browser: get DOM: %w", err)
	}
	return res.Value.Str(), nil
}

// Text returns the visible text of the first element matching selector.
func (s *Session) Text(ctx context.Context, selector string) (string, error) {
	el, err := s.page.Context(ctx).Element(selector)
	if err != nil {
		return "", fmt.Errorf("browser: element %q: %w", selector, err)
	}
	text, err := el.Text()
	if err != nil {
		return "", fmt.Errorf("browser: element %q text: %w", selector, err)
	}
	return text, nil
}

// Markdown renders the first element matching selector as markdown.
func (s *Session) Markdown(ctx context.Context, selector string) (string, error) {
	el, err := s.page.Context(ctx).Element(selector)
	if err != nil {
		return "", fmt.Errorf("browser: element %q: %w", selector, err)
	}
	h, err := el.HTML()
	if err != nil {
		return "", fmt.Errorf("browser: element %q html: %w", selector, err)
	}
	md, err := s.pool.md.ConvertString(h)
	if err != nil {
		return "", fmt.Errorf("browser: markdown convert: %w", err)
	}
	return md, nil
}

// Tables parses every <table> on the current page.
func (s *Session) Tables(ctx context.Context) ([]Table, error) {
	h, err := s.HTML(ctx)
	if err != nil {
		return nil, err
	}
	return ParseTables(h)
}

// Alive probes the session with a trivial eval roundtrip.
func (s *Session) Alive(ctx context.Context) bool {
	_, err := s.page.Context(ctx).Eval(`() => true`)
	return err == nil
}

// Close closes the tab and returns the slot to the pool. Safe to call more
// than once; cancellation paths and normal completion may race here.
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		if s.page != nil {
			err = s.page.Close()
		}
		s.pool.release(s)
	})
	return err
}
