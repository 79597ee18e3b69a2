package live

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chisomcc-jpg/valiflow-frontend-sub003/internal/invoice"
	"github.com/chisomcc-jpg/valiflow-frontend-sub003/internal/stream"
)

// fakeStreamer records the parameters the controller pushes and lets tests
// play the server side.
type fakeStreamer struct {
	mu      sync.Mutex
	updates []stream.Params
	opens   int
	closed  int
}

func (f *fakeStreamer) Update(p stream.Params) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, p)
	if p.Enabled {
		f.opens++
	}
}

func (f *fakeStreamer) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

func (f *fakeStreamer) last() stream.Params {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates[len(f.updates)-1]
}

func (f *fakeStreamer) opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

type switchVisibility struct{ v atomic.Bool }

func (s *switchVisibility) Visible() bool { return s.v.Load() }

func (s *switchVisibility) set(v bool) { s.v.Store(v) }

func newController(t *testing.T, visible bool) (*Controller, *fakeStreamer, *switchVisibility) {
	t.Helper()
	fs := &fakeStreamer{}
	vis := &switchVisibility{}
	vis.set(visible)
	c, err := New(fs, vis, "/stream/invoices",
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithQuery(map[string]string{"companyId": "12"}))
	require.NoError(t, err)
	return c, fs, vis
}

func emit(t *testing.T, p stream.Params, body string) {
	t.Helper()
	f, err := stream.ParseFrame([]byte(body))
	require.NoError(t, err)
	p.OnEvent(f)
}

func TestController_SingleActivationAcrossReinit(t *testing.T) {
	c, fs, _ := newController(t, true)

	for i := 0; i < 5; i++ {
		c.Init()
	}

	assert.Equal(t, 1, fs.opened())
	assert.Equal(t, StatusActivating, c.Status())

	p := fs.last()
	assert.Equal(t, "/stream/invoices", p.Path)
	assert.True(t, p.Enabled)
	assert.Equal(t, "12", p.Query["companyId"])

	p.OnOpen()
	assert.Equal(t, StatusActive, c.Status())

	c.Init()
	assert.Equal(t, 1, fs.opened())
	assert.Equal(t, StatusActive, c.Status())
}

func TestController_HiddenNeverActivates(t *testing.T) {
	c, fs, _ := newController(t, false)

	c.Init()
	c.Refresh()

	assert.Equal(t, 0, fs.opened())
	assert.Equal(t, StatusDisabled, c.Status())
}

func TestController_DisableTearsDownAndReenableIsFresh(t *testing.T) {
	c, fs, vis := newController(t, true)
	c.Init()
	fs.last().OnOpen()

	vis.set(false)
	c.Refresh()
	assert.Equal(t, StatusDisabled, c.Status())
	assert.False(t, fs.last().Enabled, "disable must tear the stream down")

	vis.set(true)
	c.Refresh()
	c.Init()
	assert.Equal(t, 2, fs.opened(), "guard resets on a disable and enable cycle")
	assert.Equal(t, StatusActivating, c.Status())
}

func TestController_FailClosed(t *testing.T) {
	c, fs, _ := newController(t, true)
	c.Init()
	p := fs.last()
	p.OnOpen()

	emit(t, p, `{"type":"entity created","data":{"invoiceId":42}}`)
	require.Len(t, c.Records(), 1)

	transportErr := errors.New("connection reset")
	p.OnError(transportErr)

	assert.Equal(t, StatusClosed, c.Status())
	assert.ErrorIs(t, c.LastError(), transportErr)

	emit(t, p, `{"type":"entity created","data":{"invoiceId":43}}`)
	assert.Len(t, c.Records(), 1, "no frames are applied after a transport error")

	for i := 0; i < 3; i++ {
		c.Init()
		c.Refresh()
	}
	assert.Equal(t, 1, fs.opened(), "no automatic reconnection")
	assert.Equal(t, StatusClosed, c.Status())
}

func TestController_ReactivateAfterFailure(t *testing.T) {
	c, fs, _ := newController(t, true)
	c.Init()
	old := fs.last()
	old.OnError(errors.New("boom"))

	require.True(t, c.Reactivate())
	assert.Equal(t, 2, fs.opened())
	assert.Equal(t, StatusActivating, c.Status())
	assert.NoError(t, c.LastError())

	// Callbacks of the failed activation are inert.
	old.OnOpen()
	assert.Equal(t, StatusActivating, c.Status())
	emit(t, old, `{"type":"entity created","data":{"invoiceId":1}}`)
	assert.Empty(t, c.Records())

	current := fs.last()
	current.OnOpen()
	emit(t, current, `{"type":"entity created","data":{"invoiceId":1}}`)
	assert.Len(t, c.Records(), 1)
}

func TestController_ReactivateWhileHidden(t *testing.T) {
	c, fs, _ := newController(t, false)
	assert.False(t, c.Reactivate())
	assert.Equal(t, 0, fs.opened())
}

func TestController_AppliesScenarios(t *testing.T) {
	c, fs, _ := newController(t, true)
	c.Init()
	p := fs.last()
	p.OnOpen()

	// 1. creation lands at the front.
	emit(t, p, `{"type":"entity created","data":{"invoiceId":7}}`)
	emit(t, p, `{"type":"entity created","data":{"invoiceId":42}}`)
	records := c.Records()
	require.Len(t, records, 2)
	assert.Equal(t, invoice.ID(42), records[0].ID)
	assert.True(t, records[0].IsAnalyzing)

	// 2. duplicate creation is dropped.
	emit(t, p, `{"type":"entity created","data":{"invoiceId":42}}`)
	assert.Len(t, c.Records(), 2)

	// 3. score update merges and keeps unrelated references.
	unrelated := c.Records()[1]
	emit(t, p, `{"type":"score updated","data":{"invoiceId":42,"trustScore":88}}`)
	records = c.Records()
	require.NotNil(t, records[0].TrustScore)
	assert.Equal(t, 88.0, *records[0].TrustScore)
	assert.False(t, records[0].IsAnalyzing)
	assert.Same(t, unrelated, records[1])

	// 4. unmatched update leaves the collection untouched.
	before := c.Records()
	emit(t, p, `{"type":"score updated","data":{"invoiceId":999,"trustScore":10}}`)
	after := c.Records()
	assert.Same(t, &before[0], &after[0])

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Created)
	assert.Equal(t, int64(1), stats.Duplicates)
	assert.Equal(t, int64(1), stats.Merged)
	assert.Equal(t, int64(1), stats.Unmatched)
}

func TestController_FocusedMirror(t *testing.T) {
	c, fs, _ := newController(t, true)
	c.Init()
	p := fs.last()
	p.OnOpen()

	emit(t, p, `{"type":"entity created","data":{"invoiceId":42,"vendorName":"Acme"}}`)
	_, ok := c.Focus(42)
	require.True(t, ok)

	emit(t, p, `{"type":"analysis completed","data":{"invoiceId":42,"aiSummary":"clean","riskLevel":"low"}}`)

	focused := c.Focused()
	require.NotNil(t, focused)
	assert.Equal(t, *c.Records()[0], *focused)
	assert.Equal(t, "clean", focused.AISummary)

	_, ok = c.Focus(1000)
	assert.False(t, ok)

	c.SetFocused(nil)
	assert.Nil(t, c.Focused())
}

func TestController_SetRecordsAndSubscribe(t *testing.T) {
	c, fs, _ := newController(t, true)

	var (
		mu    sync.Mutex
		snaps []Snapshot
	)
	cancel := c.Subscribe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		snaps = append(snaps, s)
	})

	c.Init()
	c.SetRecords(func([]*invoice.Record) []*invoice.Record {
		return []*invoice.Record{{ID: 1}, {ID: 2}}
	})
	emit(t, fs.last(), `{"type":"score updated","data":{"invoiceId":2,"riskScore":4}}`)
	// Unmatched updates do not notify.
	emit(t, fs.last(), `{"type":"score updated","data":{"invoiceId":3,"riskScore":4}}`)

	mu.Lock()
	count := len(snaps)
	last := snaps[count-1]
	mu.Unlock()

	assert.Equal(t, 3, count)
	require.Len(t, last.Records, 2)
	require.NotNil(t, last.Records[1].RiskScore)
	assert.Equal(t, StatusActivating, last.Status)

	cancel()
	c.SetFocused(nil)
	mu.Lock()
	assert.Len(t, snaps, 3)
	mu.Unlock()
}

func TestController_Close(t *testing.T) {
	c, fs, _ := newController(t, true)
	c.Init()
	p := fs.last()

	c.Close()
	assert.Equal(t, StatusDisabled, c.Status())
	assert.Equal(t, 1, fs.closed)

	emit(t, p, `{"type":"entity created","data":{"invoiceId":1}}`)
	assert.Empty(t, c.Records())
}

func TestNew_Validation(t *testing.T) {
	vis := &switchVisibility{}
	_, err := New(nil, vis, "/x")
	assert.Error(t, err)
	_, err = New(&fakeStreamer{}, nil, "/x")
	assert.Error(t, err)
	_, err = New(&fakeStreamer{}, vis, "")
	assert.Error(t, err)
}

func TestStatus_MarshalText(t *testing.T) {
	b, err := StatusClosed.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "closed", string(b))
}
