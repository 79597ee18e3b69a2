package invoice

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/chisomcc-jpg/valiflow-frontend-sub003/internal/stream"
)

// Event names understood by the reducer.
const (
	EventEntityCreated     = "invoice.created"
	EventScoreUpdated      = "invoice.score_updated"
	EventAnalysisCompleted = "invoice.analysis_completed"
)

// eventAliases maps the legacy spelled-out names onto the canonical ones.
var eventAliases = map[string]string{
	"entity created":     EventEntityCreated,
	"entity_created":     EventEntityCreated,
	"score updated":      EventScoreUpdated,
	"score_updated":      EventScoreUpdated,
	"analysis completed": EventAnalysisCompleted,
	"analysis_completed": EventAnalysisCompleted,
}

// CanonicalEvent returns the canonical event name for t, or "" if the
// reducer does not handle it.
func CanonicalEvent(t string) string {
	switch t {
	case EventEntityCreated, EventScoreUpdated, EventAnalysisCompleted:
		return t
	}
	return eventAliases[t]
}

var (
	// ErrMissingID means the payload carried no usable invoice id.
	ErrMissingID = errors.New("event payload has no invoice id")
	// ErrUnmatched means an update referenced an invoice not in the collection.
	ErrUnmatched = errors.New("no matching invoice in collection")
	// ErrDuplicate means a creation event named an invoice already present.
	ErrDuplicate = errors.New("invoice already present")
	// ErrUnknownEvent means the frame type is not handled by the reducer.
	ErrUnknownEvent = errors.New("unknown event type")
)

// Setters are the caller-owned state slots the reducer writes to. Each
// setter receives an update function and must apply it synchronously.
type Setters struct {
	Records func(update func([]*Record) []*Record)
	Focused func(update func(*Record) *Record)
}

// Stats counts reducer outcomes.
type Stats struct {
	Created    int64 `json:"created"`
	Merged     int64 `json:"merged"`
	Duplicates int64 `json:"duplicates"`
	MissingID  int64 `json:"missing_id"`
	Unmatched  int64 `json:"unmatched"`
	Unknown    int64 `json:"unknown"`
	Invalid    int64 `json:"invalid"`
}

// ReducerOption configures a Reducer.
type ReducerOption func(*Reducer)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) ReducerOption {
	return func(r *Reducer) {
		r.logger = logger
	}
}

// Reducer applies invoice events to a collection and a focused record.
type Reducer struct {
	set    Setters
	logger *slog.Logger

	created    atomic.Int64
	merged     atomic.Int64
	duplicates atomic.Int64
	missingID  atomic.Int64
	unmatched  atomic.Int64
	unknown    atomic.Int64
	invalid    atomic.Int64
}

// NewReducer creates a Reducer writing through set.
func NewReducer(set Setters, opts ...ReducerOption) *Reducer {
	r := &Reducer{
		set:    set,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle applies one frame. Frames that cannot be applied are dropped with a
// diagnostic and the reason is returned; the state is left untouched.
func (r *Reducer) Handle(f stream.Frame) error {
	switch CanonicalEvent(f.Type) {
	case EventEntityCreated:
		return r.create(f)
	case EventScoreUpdated, EventAnalysisCompleted:
		return r.update(f)
	default:
		r.unknown.Add(1)
		r.logger.Debug("ignoring event", slog.String("event", f.Type))
		return fmt.Errorf("%w: %q", ErrUnknownEvent, f.Type)
	}
}

func (r *Reducer) create(f stream.Frame) error {
	id, ok := extractID(f.Data)
	if !ok {
		return r.missing(f)
	}

	p, err := DecodePatch(f.Data)
	if err != nil {
		return r.decodeFailed(f, id, err)
	}
	rec := NewRecord(id, p)

	var inserted bool
	r.set.Records(func(records []*Record) []*Record {
		out, ok := Insert(records, rec)
		inserted = ok
		return out
	})

	if !inserted {
		r.duplicates.Add(1)
		r.logger.Debug("dropping duplicate creation",
			slog.String("event", f.Type),
			slog.String("invoice_id", id.String()))
		return fmt.Errorf("invoice %s: %w", id, ErrDuplicate)
	}

	r.created.Add(1)
	return nil
}

func (r *Reducer) update(f stream.Frame) error {
	id, ok := extractID(f.Data)
	if !ok {
		return r.missing(f)
	}

	p, err := DecodePatch(f.Data)
	if err != nil {
		return r.decodeFailed(f, id, err)
	}

	var matched bool
	r.set.Records(func(records []*Record) []*Record {
		out, ok := MergeInto(records, id, p)
		matched = ok
		return out
	})

	if r.set.Focused != nil {
		r.set.Focused(func(cur *Record) *Record {
			if cur == nil || cur.ID != id {
				return cur
			}
			return Merge(cur, p)
		})
	}

	if !matched {
		r.unmatched.Add(1)
		r.logger.Debug("update for invoice not in collection",
			slog.String("event", f.Type),
			slog.String("invoice_id", id.String()))
		return fmt.Errorf("invoice %s: %w", id, ErrUnmatched)
	}

	r.merged.Add(1)
	return nil
}

func (r *Reducer) missing(f stream.Frame) error {
	r.missingID.Add(1)
	r.logger.Warn("dropping event without invoice id", slog.String("event", f.Type))
	return fmt.Errorf("%s: %w", f.Type, ErrMissingID)
}

func (r *Reducer) decodeFailed(f stream.Frame, id ID, err error) error {
	r.invalid.Add(1)
	r.logger.Warn("dropping undecodable event",
		slog.String("event", f.Type),
		slog.String("invoice_id", id.String()),
		slog.String("error", err.Error()))
	return fmt.Errorf("invoice %s: %w", id, err)
}

// Stats returns a snapshot of the outcome counters.
func (r *Reducer) Stats() Stats {
	return Stats{
		Created:    r.created.Load(),
		Merged:     r.merged.Load(),
		Duplicates: r.duplicates.Load(),
		MissingID:  r.missingID.Load(),
		Unmatched:  r.unmatched.Load(),
		Unknown:    r.unknown.Load(),
		Invalid:    r.invalid.Load(),
	}
}
