// Package stream consumes a server-push event stream delivered over a
// long-lived HTTP response and hands each parsed frame to caller callbacks.
//
// A Channel holds at most one connection at a time. Any transport error
// closes that connection for good; a new one is only opened when the
// channel's parameters change (see Update).
package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// maxFrameSize bounds a single line of the stream.
	maxFrameSize = 1024 * 1024

	tracerName = "github.com/chisomcc-jpg/valiflow-frontend-sub003/internal/stream"
)

// ErrStreamEnded is reported when the server finishes the response body.
var ErrStreamEnded = errors.New("stream ended by server")

// StatusError is reported when the stream endpoint answers with a non-2xx status.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stream endpoint returned %s", e.Status)
}

// State is the lifecycle state of a stream connection.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	default:
		return "CLOSED"
	}
}

// TokenSource provides the current bearer credential.
type TokenSource interface {
	Token() string
}

// Params describes the desired connection and the callbacks that receive
// its frames. Path, Enabled and Query form the connection identity.
type Params struct {
	Path    string
	Enabled bool
	Query   map[string]string

	// OnFrame receives every parsed frame, typed or not.
	OnFrame func(Frame)
	// OnEvent receives only frames with a resolved type.
	OnEvent func(Frame)
	// OnError is called once when the connection fails. The connection is
	// already closed when it runs.
	OnError func(error)
	// OnOpen is called when the server accepted the connection.
	OnOpen func()
}

func (p Params) identity() string {
	return fmt.Sprintf("%t|%s|%s", p.Enabled, p.Path, serializeQuery(p.Query))
}

// Option configures a Channel.
type Option func(*Channel)

// WithHTTPClient sets the HTTP client used to open connections.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Channel) {
		c.client = client
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		c.logger = logger
	}
}

// WithTokenParam overrides the query parameter that carries the credential.
func WithTokenParam(name string) Option {
	return func(c *Channel) {
		c.tokenParam = name
	}
}

// Channel maintains at most one live stream connection.
type Channel struct {
	baseURL    string
	tokenParam string
	tokens     TokenSource
	client     *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer

	mu      sync.Mutex
	params  Params
	key     string
	applied bool
	conn    *conn
}

type conn struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32
	done   chan struct{}
}

// closeOnce moves the connection to CLOSED. It reports whether this call did it.
func (cn *conn) closeOnce() bool {
	for {
		s := cn.state.Load()
		if State(s) == StateClosed {
			return false
		}
		if cn.state.CompareAndSwap(s, int32(StateClosed)) {
			cn.cancel()
			return true
		}
	}
}

// New creates a Channel that resolves stream paths against baseURL.
func New(baseURL string, tokens TokenSource, opts ...Option) *Channel {
	c := &Channel{
		baseURL:    baseURL,
		tokenParam: DefaultTokenParam,
		tokens:     tokens,
		logger:     slog.Default(),
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return c
}

// Update applies new parameters. When the identity differs from the current
// one, the existing connection is closed before anything else and, if the
// new parameters are enabled with a non-empty path, a fresh connection is
// started. With an unchanged identity only the callbacks are replaced, so a
// connection that failed stays closed.
func (c *Channel) Update(p Params) {
	key := p.identity()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.params = p
	if c.applied && key == c.key {
		return
	}
	c.applied = true
	c.key = key

	if c.conn != nil {
		c.teardown(c.conn, "parameters changed")
		c.conn = nil
	}

	if !p.Enabled || p.Path == "" {
		return
	}

	endpoint, err := Endpoint(c.baseURL, p.Path, c.tokenParam, c.token(), p.Query)

	ctx, cancel := context.WithCancel(context.Background())
	cn := &conn{
		id:     uuid.New().String(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	cn.state.Store(int32(StateConnecting))
	c.conn = cn

	c.logger.Debug("stream connecting",
		slog.String("stream_path", p.Path),
		slog.String("connection_id", cn.id))

	go c.run(cn, p.Path, endpoint, err)
}

// Close tears down any connection and forgets the current parameters.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.teardown(c.conn, "channel closed")
		c.conn = nil
	}
	c.params = Params{}
	c.key = ""
	c.applied = false
}

// State returns the state of the current connection.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return StateClosed
	}
	return State(c.conn.state.Load())
}

func (c *Channel) token() string {
	if c.tokens == nil {
		return ""
	}
	return c.tokens.Token()
}

func (c *Channel) teardown(cn *conn, reason string) {
	if cn.closeOnce() {
		c.logger.Debug("stream closed",
			slog.String("connection_id", cn.id),
			slog.String("reason", reason))
	}
}

// handlersFor returns the callbacks if cn is still the live connection.
func (c *Channel) handlersFor(cn *conn) (Params, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != cn || State(cn.state.Load()) == StateClosed {
		return Params{}, false
	}
	return c.params, true
}

// fail closes cn after a transport error and notifies the owner. It is a
// no-op when cn was already closed by a teardown.
func (c *Channel) fail(cn *conn, err error) bool {
	c.mu.Lock()
	current := c.conn == cn
	p := c.params
	c.mu.Unlock()

	if !cn.closeOnce() {
		return false
	}

	c.logger.Warn("stream failed, not reconnecting",
		slog.String("connection_id", cn.id),
		slog.String("error", err.Error()))

	if current && p.OnError != nil {
		p.OnError(err)
	}
	return true
}

func (c *Channel) run(cn *conn, path, endpoint string, buildErr error) {
	defer close(cn.done)

	ctx, span := c.tracer.Start(cn.ctx, "stream.connection",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("stream.path", path),
			attribute.String("stream.connection_id", cn.id),
		))
	defer span.End()

	failed := func(err error) {
		if c.fail(cn, err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if buildErr != nil {
		failed(fmt.Errorf("build endpoint: %w", buildErr))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		failed(fmt.Errorf("create request: %w", err))
		return
	}
	req.Header.Set("Accept", "application/x-ndjson, text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.client.Do(req)
	if err != nil {
		failed(fmt.Errorf("connect: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		failed(&StatusError{Code: resp.StatusCode, Status: resp.Status})
		return
	}

	if !cn.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return
	}
	span.AddEvent("open")
	c.logger.Info("stream opened",
		slog.String("stream_path", path),
		slog.String("connection_id", cn.id))

	if p, ok := c.handlersFor(cn); ok && p.OnOpen != nil {
		p.OnOpen()
	}

	err = c.read(cn, resp.Body)
	if err == nil {
		err = ErrStreamEnded
	}
	failed(err)
}

// read scans newline-delimited frames until the body ends or cn is closed.
// SSE framing is tolerated: "data:" prefixes are stripped, "event:" names
// type the following frame, and comment lines are skipped.
func (c *Channel) read(cn *conn, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxFrameSize)

	var event string
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())

		switch {
		case len(line) == 0:
			event = ""
			continue
		case line[0] == ':':
			continue
		case bytes.HasPrefix(line, []byte("event:")):
			event = string(bytes.TrimSpace(line[len("event:"):]))
			continue
		case bytes.HasPrefix(line, []byte("id:")), bytes.HasPrefix(line, []byte("retry:")):
			continue
		case bytes.HasPrefix(line, []byte("data:")):
			line = bytes.TrimSpace(line[len("data:"):])
		}

		if State(cn.state.Load()) == StateClosed {
			return nil
		}

		frame, err := ParseFrame(line)
		if err != nil {
			c.logger.Warn("dropping malformed frame",
				slog.String("connection_id", cn.id),
				slog.String("error", err.Error()))
			continue
		}
		if frame.Type == "" && event != "" {
			frame.Type = event
		}

		c.dispatch(cn, frame)
	}

	return scanner.Err()
}

func (c *Channel) dispatch(cn *conn, f Frame) {
	p, ok := c.handlersFor(cn)
	if !ok {
		return
	}
	if p.OnFrame != nil {
		p.OnFrame(f)
	}
	if f.Typed() && p.OnEvent != nil {
		p.OnEvent(f)
	}
}
