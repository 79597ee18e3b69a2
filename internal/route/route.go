// Package route tracks which view the user is on and whether that view needs
// live invoice updates.
package route

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
)

// Context holds the current view path and the set of path patterns that
// need live updates. Patterns use chi syntax ("/invoices", "/invoices/{id}",
// "/reviews/*").
type Context struct {
	mu        sync.RWMutex
	mux       *chi.Mux
	patterns  []string
	current   string
	listeners []func(from, to string)
}

// New creates a Context matching the given patterns.
func New(patterns ...string) (*Context, error) {
	c := &Context{}
	if err := c.SetPatterns(patterns); err != nil {
		return nil, err
	}
	return c, nil
}

// SetPatterns replaces the visible patterns. Listeners are notified so
// visibility can be re-evaluated.
func (c *Context) SetPatterns(patterns []string) error {
	mux, err := buildMux(patterns)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.mux = mux
	c.patterns = append([]string(nil), patterns...)
	current := c.current
	listeners := append([]func(string, string){}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(current, current)
	}
	return nil
}

// Patterns returns the configured patterns.
func (c *Context) Patterns() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.patterns...)
}

// Navigate records that the user moved to path and notifies listeners.
func (c *Context) Navigate(path string) {
	c.mu.Lock()
	from := c.current
	c.current = path
	listeners := append([]func(string, string){}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(from, path)
	}
}

// Current returns the current view path.
func (c *Context) Current() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Visible reports whether the current view needs live invoice updates.
func (c *Context) Visible() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return match(c.mux, c.current)
}

// Matches reports whether path would be visible.
func (c *Context) Matches(path string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return match(c.mux, path)
}

// OnChange registers fn to run after every navigation or pattern change.
func (c *Context) OnChange(fn func(from, to string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func buildMux(patterns []string) (*chi.Mux, error) {
	mux := chi.NewRouter()
	noop := func(http.ResponseWriter, *http.Request) {}
	for _, p := range patterns {
		if !strings.HasPrefix(p, "/") {
			return nil, fmt.Errorf("route pattern %q must begin with '/'", p)
		}
		if err := register(mux, p, noop); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

// register converts chi's panics on malformed patterns into errors.
func register(mux *chi.Mux, pattern string, h http.HandlerFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("route pattern %q: %v", pattern, r)
		}
	}()
	mux.Get(pattern, h)
	return nil
}

func match(mux *chi.Mux, path string) bool {
	if mux == nil || path == "" {
		return false
	}
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	return mux.Match(chi.NewRouteContext(), http.MethodGet, path)
}
