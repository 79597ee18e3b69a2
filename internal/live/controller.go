// Package live owns the shared invoice state and decides when the invoice
// stream should be connected.
//
// A Controller moves through disabled, activating and active and ends an
// activation either by being disabled again or by a transport failure
// (closed). It never reconnects by itself: after a failure the stream stays
// closed until the next activation, i.e. the feature becomes hidden and
// visible again or Reactivate is called.
package live

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chisomcc-jpg/valiflow-frontend-sub003/internal/invoice"
	"github.com/chisomcc-jpg/valiflow-frontend-sub003/internal/stream"
)

const tracerName = "github.com/chisomcc-jpg/valiflow-frontend-sub003/internal/live"

// Status is the activation state of a Controller.
type Status int

const (
	StatusDisabled Status = iota
	StatusActivating
	StatusActive
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusActivating:
		return "activating"
	case StatusActive:
		return "active"
	case StatusClosed:
		return "closed"
	default:
		return "disabled"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Visibility reports whether the invoice feature is on screen.
type Visibility interface {
	Visible() bool
}

// Streamer is the connection the controller drives. *stream.Channel
// implements it.
type Streamer interface {
	Update(p stream.Params)
	Close()
}

// Snapshot is a consistent view of the controller state.
type Snapshot struct {
	Records []*invoice.Record `json:"records"`
	Focused *invoice.Record   `json:"focused"`
	Status  Status            `json:"status"`
	Error   string            `json:"error,omitempty"`
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithQuery adds query parameters to every stream connection.
func WithQuery(query map[string]string) Option {
	return func(c *Controller) {
		c.query = maps.Clone(query)
	}
}

// Controller owns the invoice collection and the focused record and
// activates the stream while the feature is visible.
type Controller struct {
	ch     Streamer
	vis    Visibility
	path   string
	query  map[string]string
	logger *slog.Logger
	tracer trace.Tracer

	reducer *invoice.Reducer

	mu         sync.Mutex
	records    []*invoice.Record
	focused    *invoice.Record
	dirty      bool
	enabled    bool
	activated  bool
	generation uint64
	status     Status
	lastErr    error
	dispose    func()
	span       trace.Span

	subMu   sync.Mutex
	subs    map[uint64]func(Snapshot)
	nextSub uint64
}

// New creates a Controller streaming from path.
func New(ch Streamer, vis Visibility, path string, opts ...Option) (*Controller, error) {
	if ch == nil {
		return nil, fmt.Errorf("streamer required")
	}
	if vis == nil {
		return nil, fmt.Errorf("visibility source required")
	}
	if path == "" {
		return nil, fmt.Errorf("stream path cannot be empty")
	}

	c := &Controller{
		ch:     ch,
		vis:    vis,
		path:   path,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
		subs:   make(map[uint64]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(c)
	}

	// The setters run with c.mu held by apply.
	c.reducer = invoice.NewReducer(invoice.Setters{
		Records: func(update func([]*invoice.Record) []*invoice.Record) {
			next := update(c.records)
			if !sameSlice(next, c.records) {
				c.records = next
				c.dirty = true
			}
		},
		Focused: func(update func(*invoice.Record) *invoice.Record) {
			next := update(c.focused)
			if next != c.focused {
				c.focused = next
				c.dirty = true
			}
		},
	}, invoice.WithLogger(c.logger))

	return c, nil
}

// Init is the (re-)initialization hook of the surrounding application. It
// may run any number of times; the stream is opened at most once per
// enabled window.
func (c *Controller) Init() {
	c.logger.Debug("live controller init")
	c.Refresh()
}

// Refresh re-evaluates visibility. Becoming hidden tears the stream down;
// becoming visible starts a fresh activation.
func (c *Controller) Refresh() {
	visible := c.vis.Visible()

	c.mu.Lock()
	changed := c.evaluateLocked(visible)
	c.mu.Unlock()

	if changed {
		c.notify()
	}
}

// Reactivate starts a new activation if the feature is visible, replacing
// any current or failed one. It reports whether a new activation started.
func (c *Controller) Reactivate() bool {
	visible := c.vis.Visible()

	c.mu.Lock()
	if !visible {
		changed := c.evaluateLocked(false)
		c.mu.Unlock()
		if changed {
			c.notify()
		}
		return false
	}
	c.teardownLocked()
	c.enabled = true
	c.activated = false
	started := c.activateLocked()
	c.mu.Unlock()

	c.notify()
	return started
}

// Close tears the stream down for good.
func (c *Controller) Close() {
	c.mu.Lock()
	c.teardownLocked()
	c.enabled = false
	c.activated = false
	c.status = StatusDisabled
	c.mu.Unlock()

	c.ch.Close()
	c.notify()
}

func (c *Controller) evaluateLocked(visible bool) bool {
	switch {
	case visible && !c.enabled:
		c.enabled = true
		c.activated = false
		return c.activateLocked()
	case visible:
		return c.activateLocked()
	case c.enabled:
		c.enabled = false
		c.teardownLocked()
		c.status = StatusDisabled
		c.logger.Info("live updates disabled")
		return true
	default:
		return false
	}
}

func (c *Controller) activateLocked() bool {
	if c.activated {
		return false
	}
	c.activated = true
	c.generation++
	gen := c.generation
	c.status = StatusActivating
	c.lastErr = nil

	_, c.span = c.tracer.Start(context.Background(), "live.activation",
		trace.WithAttributes(
			attribute.String("stream.path", c.path),
			attribute.Int64("live.generation", int64(gen)),
		))

	query := c.query
	c.ch.Update(stream.Params{
		Path:    c.path,
		Enabled: true,
		Query:   query,
		OnOpen:  func() { c.opened(gen) },
		OnEvent: func(f stream.Frame) { c.apply(gen, f) },
		OnError: func(err error) { c.failed(gen, err) },
	})
	c.dispose = func() {
		c.ch.Update(stream.Params{Path: c.path, Enabled: false, Query: query})
	}

	c.logger.Info("live updates activating",
		slog.String("stream_path", c.path),
		slog.Uint64("generation", gen))
	return true
}

func (c *Controller) teardownLocked() {
	if c.dispose != nil {
		c.dispose()
		c.dispose = nil
	}
	// Frames still in flight from the old activation are dropped.
	c.generation++
	if c.span != nil {
		c.span.End()
		c.span = nil
	}
}

func (c *Controller) opened(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || c.status != StatusActivating {
		c.mu.Unlock()
		return
	}
	c.status = StatusActive
	if c.span != nil {
		c.span.AddEvent("open")
	}
	c.mu.Unlock()

	c.logger.Info("live updates active", slog.Uint64("generation", gen))
	c.notify()
}

func (c *Controller) failed(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.status = StatusClosed
	c.lastErr = err
	if c.span != nil {
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, err.Error())
		c.span.End()
		c.span = nil
	}
	c.mu.Unlock()

	c.logger.Warn("live updates paused until next activation",
		slog.Uint64("generation", gen),
		slog.String("error", err.Error()))
	c.notify()
}

func (c *Controller) apply(gen uint64, f stream.Frame) {
	c.mu.Lock()
	if gen != c.generation || c.status == StatusClosed || !c.enabled {
		c.mu.Unlock()
		return
	}
	c.dirty = false
	if err := c.reducer.Handle(f); err != nil {
		c.logger.Debug("frame not applied",
			slog.String("event", f.Type),
			slog.String("error", err.Error()))
	}
	changed := c.dirty
	c.mu.Unlock()

	if changed {
		c.notify()
	}
}

// Records returns the current collection, most recent first. The slice is
// shared and must not be modified.
func (c *Controller) Records() []*invoice.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.records
}

// SetRecords replaces the collection with update(current), e.g. after a full reload.
func (c *Controller) SetRecords(update func([]*invoice.Record) []*invoice.Record) {
	c.mu.Lock()
	c.records = update(c.records)
	c.mu.Unlock()
	c.notify()
}

// Focused returns the record under detailed inspection, or nil.
func (c *Controller) Focused() *invoice.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.focused
}

// SetFocused sets or (with nil) clears the focused record.
func (c *Controller) SetFocused(rec *invoice.Record) {
	c.mu.Lock()
	c.focused = rec
	c.mu.Unlock()
	c.notify()
}

// Focus focuses the collection record with id.
func (c *Controller) Focus(id invoice.ID) (*invoice.Record, bool) {
	c.mu.Lock()
	i := invoice.Index(c.records, id)
	if i < 0 {
		c.mu.Unlock()
		return nil, false
	}
	rec := c.records[i]
	c.focused = rec
	c.mu.Unlock()

	c.notify()
	return rec, true
}

// Status returns the activation status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LastError returns the transport error that closed the current activation.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Stats returns the reducer counters.
func (c *Controller) Stats() invoice.Stats {
	return c.reducer.Stats()
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Records: c.records,
		Focused: c.focused,
		Status:  c.status,
	}
	if c.lastErr != nil {
		s.Error = c.lastErr.Error()
	}
	return s
}

// Subscribe registers fn to receive a snapshot after every state change.
// fn runs on the goroutine that caused the change and must not block.
func (c *Controller) Subscribe(fn func(Snapshot)) (cancel func()) {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Controller) notify() {
	snap := c.Snapshot()

	c.subMu.Lock()
	fns := make([]func(Snapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

func sameSlice(a, b []*invoice.Record) bool {
	if len(a) != len(b) {
		return false
	}
	return len(a) == 0 || &a[0] == &b[0]
}
