package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/chisomcc-jpg/valiflow-frontend-sub003/internal/invoice"
	"github.com/chisomcc-jpg/valiflow-frontend-sub003/internal/live"
)

// State is the shared invoice state served to local views.
type State interface {
	Snapshot() live.Snapshot
	Records() []*invoice.Record
	SetRecords(update func([]*invoice.Record) []*invoice.Record)
	Focused() *invoice.Record
	Focus(id invoice.ID) (*invoice.Record, bool)
	SetFocused(rec *invoice.Record)
	Stats() invoice.Stats
	Reactivate() bool
	Subscribe(fn func(live.Snapshot)) (cancel func())
}

// Navigator tracks the view the user is on.
type Navigator interface {
	Navigate(path string)
	Current() string
	Visible() bool
}

// API serves the invoice state over HTTP and a websocket feed.
type API struct {
	state  State
	nav    Navigator
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAPI creates the handlers. Close ends every open feed.
func NewAPI(state State, nav Navigator, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &API{
		state:  state,
		nav:    nav,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Mount registers the routes on r.
func (a *API) Mount(r chi.Router) {
	r.Get("/healthz", a.handleHealth)
	r.Get("/api/live", a.handleLive)

	r.Group(func(r chi.Router) {
		r.Use(TimeoutMiddleware(30 * time.Second))

		r.Get("/api/status", a.handleStatus)
		r.Get("/api/invoices", a.handleListInvoices)
		r.Put("/api/invoices", a.handleLoadInvoices)
		r.Get("/api/focus", a.handleGetFocus)
		r.Put("/api/focus/{id}", a.handleSetFocus)
		r.Delete("/api/focus", a.handleClearFocus)
		r.Put("/api/view", a.handleNavigate)
		r.Post("/api/reactivate", a.handleReactivate)
	})
}

// Close disconnects every websocket client and waits for their handlers.
func (a *API) Close() {
	a.cancel()
	a.wg.Wait()
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Status  live.Status   `json:"status"`
	Error   string        `json:"error,omitempty"`
	View    string        `json:"view"`
	Visible bool          `json:"visible"`
	Records int           `json:"records"`
	Focused *invoice.ID   `json:"focused,omitempty"`
	Stats   invoice.Stats `json:"stats"`
}

// ViewRequest is the body of PUT /api/view.
type ViewRequest struct {
	Path string `json:"path"`
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.status())
}

func (a *API) status() StatusResponse {
	snap := a.state.Snapshot()
	resp := StatusResponse{
		Status:  snap.Status,
		Error:   snap.Error,
		View:    a.nav.Current(),
		Visible: a.nav.Visible(),
		Records: len(snap.Records),
		Stats:   a.state.Stats(),
	}
	if snap.Focused != nil {
		id := snap.Focused.ID
		resp.Focused = &id
	}
	return resp
}

func (a *API) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	records := a.state.Records()
	if records == nil {
		records = []*invoice.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// handleLoadInvoices replaces the collection, as after a full reload of the
// list view. A focused record present in the new list is re-pointed at the
// reloaded copy; one that is absent stays as it was, like a detail view
// opened on an invoice outside the list.
func (a *API) handleLoadInvoices(w http.ResponseWriter, r *http.Request) {
	var records []*invoice.Record
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		a.fail(w, r, http.StatusBadRequest, fmt.Errorf("decode invoices: %w", err))
		return
	}

	seen := make(map[invoice.ID]struct{}, len(records))
	for _, rec := range records {
		if rec == nil {
			a.fail(w, r, http.StatusBadRequest, errors.New("null invoice in list"))
			return
		}
		if _, dup := seen[rec.ID]; dup {
			a.fail(w, r, http.StatusBadRequest, fmt.Errorf("invoice %s listed twice", rec.ID))
			return
		}
		seen[rec.ID] = struct{}{}
	}

	a.state.SetRecords(func([]*invoice.Record) []*invoice.Record { return records })
	if cur := a.state.Focused(); cur != nil {
		if i := invoice.Index(records, cur.ID); i >= 0 {
			a.state.SetFocused(records[i])
		}
	}
	AddLogField(r.Context(), "records", fmt.Sprint(len(records)))
	writeJSON(w, http.StatusOK, records)
}

func (a *API) handleGetFocus(w http.ResponseWriter, r *http.Request) {
	rec := a.state.Focused()
	if rec == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleSetFocus(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, ok := invoice.ParseID(raw)
	if !ok {
		a.fail(w, r, http.StatusBadRequest, fmt.Errorf("invalid invoice id %q", raw))
		return
	}
	rec, ok := a.state.Focus(id)
	if !ok {
		a.fail(w, r, http.StatusNotFound, fmt.Errorf("invoice %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleClearFocus(w http.ResponseWriter, r *http.Request) {
	a.state.SetFocused(nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleNavigate(w http.ResponseWriter, r *http.Request) {
	var req ViewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.fail(w, r, http.StatusBadRequest, fmt.Errorf("decode view: %w", err))
		return
	}
	if req.Path == "" {
		a.fail(w, r, http.StatusBadRequest, errors.New("path cannot be empty"))
		return
	}
	a.nav.Navigate(req.Path)
	AddLogField(r.Context(), "view", req.Path)
	writeJSON(w, http.StatusOK, a.status())
}

func (a *API) handleReactivate(w http.ResponseWriter, r *http.Request) {
	started := a.state.Reactivate()
	writeJSON(w, http.StatusOK, map[string]bool{"started": started})
}

// handleLive streams a snapshot to the client on connect and after every
// state change. Client messages are ignored.
func (a *API) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	a.wg.Add(1)
	defer a.wg.Done()

	requestID := GetRequestID(r.Context())
	a.logger.Info("live feed client connected", slog.String("request_id", requestID))
	defer a.logger.Info("live feed client disconnected", slog.String("request_id", requestID))

	ctx, cancel := context.WithCancel(a.ctx)
	defer cancel()
	defer conn.CloseNow()

	// Only the latest snapshot matters; a slow client skips intermediate ones.
	updates := make(chan live.Snapshot, 1)
	push := func(s live.Snapshot) {
		select {
		case updates <- s:
		default:
			select {
			case <-updates:
			default:
			}
			select {
			case updates <- s:
			default:
			}
		}
	}
	unsubscribe := a.state.Subscribe(push)
	defer unsubscribe()
	push(a.state.Snapshot())

	// CloseRead discards client messages and cancels when the peer goes away.
	ctx = conn.CloseRead(ctx)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		case snap := <-updates:
			data, err := json.Marshal(snap)
			if err != nil {
				a.logger.Error("encode snapshot", slog.String("error", err.Error()))
				continue
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancelWrite()
			if err != nil {
				return
			}
		}
	}
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	AddError(r.Context(), err)
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
