package stream

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type staticToken string

func (s staticToken) Token() string { return string(s) }

// recorder collects callback invocations from a Channel.
type recorder struct {
	mu     sync.Mutex
	frames []Frame
	events []Frame
	errs   []error
	opened int
}

func (r *recorder) params(path string, query map[string]string) Params {
	return Params{
		Path:    path,
		Enabled: true,
		Query:   query,
		OnFrame: func(f Frame) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.frames = append(r.frames, f)
		},
		OnEvent: func(f Frame) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, f)
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
		OnOpen: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.opened++
		},
	}
}

func (r *recorder) counts() (frames, events, errs, opened int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames), len(r.events), len(r.errs), r.opened
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// holdOpen writes lines then keeps the response open until the client leaves.
func holdOpen(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}
}

func TestChannel_DeliversFrames(t *testing.T) {
	var (
		queryMu              sync.Mutex
		gotToken, gotCompany string
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queryMu.Lock()
		gotToken = r.URL.Query().Get("token")
		gotCompany = r.URL.Query().Get("companyId")
		queryMu.Unlock()
		holdOpen(
			`{"type":"invoice.created","data":{"invoiceId":1}}`,
			`not json at all`,
			`{"invoiceId":2}`,
			`: keepalive`,
			`event: invoice.score_updated`,
			`data: {"invoiceId":1,"trustScore":90}`,
			``,
		)(w, r)
	}))
	defer ts.Close()

	ch := New(ts.URL, staticToken("secret"), WithHTTPClient(ts.Client()))
	defer ch.Close()

	rec := &recorder{}
	ch.Update(rec.params("/stream/invoices", map[string]string{"companyId": "12"}))

	waitFor(t, "three frames", func() bool {
		frames, _, _, _ := rec.counts()
		return frames == 3
	})

	frames, events, errs, opened := rec.counts()
	if events != 2 {
		t.Errorf("events = %d, want 2", events)
	}
	if errs != 0 {
		t.Errorf("errors = %d, want 0 (malformed frames must not close the stream)", errs)
	}
	if opened != 1 {
		t.Errorf("opened = %d, want 1", opened)
	}
	if frames != 3 {
		t.Errorf("frames = %d, want 3", frames)
	}
	if ch.State() != StateOpen {
		t.Errorf("State() = %v, want OPEN", ch.State())
	}
	queryMu.Lock()
	defer queryMu.Unlock()
	if gotToken != "secret" {
		t.Errorf("token = %q, want secret", gotToken)
	}
	if gotCompany != "12" {
		t.Errorf("companyId = %q, want 12", gotCompany)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.events[1].Type != "invoice.score_updated" {
		t.Errorf("SSE event type = %q", rec.events[1].Type)
	}
	if rec.frames[1].Typed() {
		t.Error("bare object should be untyped")
	}
}

func TestChannel_TransportErrorClosesWithoutReconnect(t *testing.T) {
	var requests atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"type":"invoice.created","data":{"invoiceId":1}}`)
		// Returning ends the body, which the channel treats as a transport failure.
	}))
	defer ts.Close()

	ch := New(ts.URL, nil, WithHTTPClient(ts.Client()))
	defer ch.Close()

	rec := &recorder{}
	p := rec.params("/events", nil)
	ch.Update(p)

	waitFor(t, "error callback", func() bool {
		_, _, errs, _ := rec.counts()
		return errs == 1
	})

	if ch.State() != StateClosed {
		t.Errorf("State() = %v, want CLOSED", ch.State())
	}
	rec.mu.Lock()
	if !errors.Is(rec.errs[0], ErrStreamEnded) {
		t.Errorf("error = %v, want ErrStreamEnded", rec.errs[0])
	}
	rec.mu.Unlock()

	// Same identity again must not reopen.
	ch.Update(p)
	time.Sleep(100 * time.Millisecond)

	if n := requests.Load(); n != 1 {
		t.Errorf("requests = %d, want 1 (no automatic reconnect)", n)
	}
	if _, _, errs, _ := rec.counts(); errs != 1 {
		t.Errorf("errors = %d, want exactly 1", errs)
	}
}

func TestChannel_StatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer ts.Close()

	ch := New(ts.URL, staticToken("bad"), WithHTTPClient(ts.Client()))
	defer ch.Close()

	rec := &recorder{}
	ch.Update(rec.params("/events", nil))

	waitFor(t, "error callback", func() bool {
		_, _, errs, _ := rec.counts()
		return errs == 1
	})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var statusErr *StatusError
	if !errors.As(rec.errs[0], &statusErr) {
		t.Fatalf("error = %v, want *StatusError", rec.errs[0])
	}
	if statusErr.Code != http.StatusUnauthorized {
		t.Errorf("Code = %d, want 401", statusErr.Code)
	}
	if rec.opened != 0 {
		t.Errorf("opened = %d, want 0", rec.opened)
	}
}

func TestChannel_IdentityChangeRestarts(t *testing.T) {
	var requests atomic.Int32
	var cancelled atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		cancelled.Add(1)
	}))
	defer ts.Close()

	ch := New(ts.URL, nil, WithHTTPClient(ts.Client()))
	defer ch.Close()

	rec := &recorder{}
	ch.Update(rec.params("/events", map[string]string{"companyId": "1"}))
	waitFor(t, "first open", func() bool { return ch.State() == StateOpen })

	// Same identity with a fresh map is not a change.
	ch.Update(rec.params("/events", map[string]string{"companyId": "1"}))
	if n := requests.Load(); n != 1 {
		t.Fatalf("requests = %d, want 1", n)
	}

	ch.Update(rec.params("/events", map[string]string{"companyId": "2"}))
	waitFor(t, "second connection", func() bool { return requests.Load() == 2 })
	waitFor(t, "first connection torn down", func() bool { return cancelled.Load() == 1 })
	waitFor(t, "second open", func() bool { return ch.State() == StateOpen })

	if _, _, errs, _ := rec.counts(); errs != 0 {
		t.Errorf("errors = %d, want 0 (teardown is not a failure)", errs)
	}
}

func TestChannel_DisableTearsDown(t *testing.T) {
	var cancelled atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		cancelled.Add(1)
	}))
	defer ts.Close()

	ch := New(ts.URL, nil, WithHTTPClient(ts.Client()))
	defer ch.Close()

	rec := &recorder{}
	p := rec.params("/events", nil)
	ch.Update(p)
	waitFor(t, "open", func() bool { return ch.State() == StateOpen })

	p.Enabled = false
	ch.Update(p)
	if ch.State() != StateClosed {
		t.Errorf("State() = %v, want CLOSED right after disable", ch.State())
	}
	waitFor(t, "server saw disconnect", func() bool { return cancelled.Load() == 1 })
}

func TestChannel_EmptyPathStaysClosed(t *testing.T) {
	ch := New("http://127.0.0.1:1", nil)
	defer ch.Close()

	ch.Update(Params{Path: "", Enabled: true})
	if ch.State() != StateClosed {
		t.Errorf("State() = %v, want CLOSED", ch.State())
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateConnecting: "CONNECTING",
		StateOpen:       "OPEN",
		StateClosed:     "CLOSED",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
