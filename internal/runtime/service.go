// Package runtime assembles the invoice sync service: configuration,
// credentials, the stream channel, the live controller, the view router and
// the local HTTP surface.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/chisomcc-jpg/valiflow-frontend-sub003/internal/config"
	"github.com/chisomcc-jpg/valiflow-frontend-sub003/internal/credentials"
	"github.com/chisomcc-jpg/valiflow-frontend-sub003/internal/live"
	"github.com/chisomcc-jpg/valiflow-frontend-sub003/internal/route"
	"github.com/chisomcc-jpg/valiflow-frontend-sub003/internal/server"
	"github.com/chisomcc-jpg/valiflow-frontend-sub003/internal/stream"
)

// Service is the running invoice sync process. It can be embedded in a
// larger application or run standalone by cmd/invoicesync.
type Service struct {
	// Dependencies (injected via options)
	watcher    *config.Watcher
	cfg        *config.Config
	tokens     stream.TokenSource
	static     *credentials.Static
	store      *credentials.SQLiteStore
	ownsStore  bool
	sqlitePath string
	httpClient *http.Client
	streamer   live.Streamer
	listener   net.Listener
	noServer   bool
	logger     *slog.Logger

	// Assembled in Start
	nav  *route.Context
	ctrl *live.Controller
	srv  *server.Server
	api  *server.API

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
	serveWG sync.WaitGroup
}

// New creates a Service with the given options.
func New(opts ...Option) (*Service, error) {
	s := &Service{
		logger: slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if s.watcher == nil && s.cfg == nil {
		return nil, fmt.Errorf("config required (use WithConfigFile or WithConfig)")
	}

	return s, nil
}

// Start loads the configuration, wires the components, starts the HTTP
// server and then activates live updates for the initial view. When it
// fails, everything it opened is released before it returns.
func (s *Service) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("service already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer func() {
		if err != nil {
			s.release()
		}
	}()

	cfg := s.cfg
	if s.watcher != nil {
		loaded, err := s.watcher.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	s.cfg = cfg

	if err := s.initCredentials(s.ctx, cfg); err != nil {
		return fmt.Errorf("init credentials: %w", err)
	}

	if s.streamer == nil {
		chOpts := []stream.Option{
			stream.WithLogger(s.logger),
			stream.WithTokenParam(cfg.Stream.TokenParam),
		}
		if s.httpClient != nil {
			chOpts = append(chOpts, stream.WithHTTPClient(s.httpClient))
		}
		s.streamer = stream.New(cfg.API.BaseURL, s.tokens, chOpts...)
	}

	nav, err := route.New(cfg.Route.Visible...)
	if err != nil {
		return fmt.Errorf("init routes: %w", err)
	}
	s.nav = nav

	ctrl, err := live.New(s.streamer, nav, cfg.Stream.Path,
		live.WithLogger(s.logger),
		live.WithQuery(cfg.Stream.Query))
	if err != nil {
		return fmt.Errorf("init controller: %w", err)
	}
	s.ctrl = ctrl

	if !s.noServer {
		if err := s.startServer(cfg); err != nil {
			return fmt.Errorf("start server: %w", err)
		}
	}

	nav.OnChange(s.viewChanged)
	ctrl.Init()
	if cfg.Route.Initial != "" {
		nav.Navigate(cfg.Route.Initial)
	}

	if s.watcher != nil {
		if err := s.watcher.Watch(s.ctx, s.reload); err != nil {
			s.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
	}

	s.started = true
	s.logger.Info("invoice sync started",
		slog.String("base_url", cfg.API.BaseURL),
		slog.String("stream_path", cfg.Stream.Path),
		slog.String("view", nav.Current()),
		slog.Bool("live", nav.Visible()))

	return nil
}

// release undoes a partial Start. The caller holds s.mu.
func (s *Service) release() {
	s.cancel()

	if s.api != nil {
		s.api.Close()
		s.api = nil
	}
	if s.srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
		}
		cancel()
		s.serveWG.Wait()
		s.srv = nil
	}

	if s.ctrl != nil {
		s.ctrl.Close()
		s.ctrl = nil
	} else if s.streamer != nil {
		s.streamer.Close()
	}
	s.nav = nil

	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			s.logger.Error("failed to close config watcher", slog.String("error", err.Error()))
		}
	}

	if s.store != nil && s.ownsStore {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close token store", slog.String("error", err.Error()))
		}
		s.store = nil
		s.ownsStore = false
		s.tokens = nil
	}
}

// Shutdown tears down live updates and stops the server.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("shutting down invoice sync")

	if s.cancel != nil {
		s.cancel()
	}

	var firstErr error
	if s.api != nil {
		s.api.Close()
	}
	if s.srv != nil {
		if err := s.srv.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			firstErr = err
		}
		s.serveWG.Wait()
	}

	if s.ctrl != nil {
		s.ctrl.Close()
	}

	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			s.logger.Error("failed to close config watcher", slog.String("error", err.Error()))
		}
	}

	if s.store != nil && s.ownsStore {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close token store", slog.String("error", err.Error()))
		}
	}

	s.started = false
	s.logger.Info("invoice sync shutdown complete")
	return firstErr
}

// Controller returns the live controller. It is nil before Start.
func (s *Service) Controller() *live.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrl
}

// Routes returns the view router. It is nil before Start.
func (s *Service) Routes() *route.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nav
}

// Config returns the active configuration.
func (s *Service) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) initCredentials(ctx context.Context, cfg *config.Config) error {
	if s.tokens != nil {
		return nil
	}

	path := s.sqlitePath
	if path == "" && cfg.Auth.Store == "sqlite" {
		path = cfg.Auth.SQLitePath
	}
	if path != "" {
		store, err := credentials.OpenSQLite(ctx, path)
		if err != nil {
			return err
		}
		if store.Token() == "" && cfg.Auth.Token != "" {
			if err := store.Save(ctx, cfg.Auth.Token); err != nil {
				store.Close()
				return err
			}
		}
		s.store = store
		s.ownsStore = true
		s.tokens = store
		return nil
	}

	s.static = credentials.NewStatic(cfg.Auth.Token)
	s.tokens = s.static
	return nil
}

func (s *Service) startServer(cfg *config.Config) error {
	ln := s.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
		if err != nil {
			return err
		}
	}

	s.srv = server.New(cfg.Server.Port, s.logger)
	s.api = server.NewAPI(s.ctrl, s.nav, s.logger)
	s.api.Mount(s.srv.Router)

	s.serveWG.Add(1)
	go func() {
		defer s.serveWG.Done()
		if err := s.srv.Serve(ln); err != nil {
			s.logger.Error("server stopped", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// viewChanged re-evaluates live updates whenever the view or the visible
// patterns change.
func (s *Service) viewChanged(from, to string) {
	if from != to {
		s.logger.Debug("view changed", slog.String("from", from), slog.String("to", to))
	}
	s.ctrl.Refresh()
}

// reload applies a changed config file. The token and the visible patterns
// take effect immediately; stream endpoint changes need a restart.
func (s *Service) reload(cfg *config.Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	nav := s.nav
	s.mu.Unlock()

	if s.static != nil && cfg.Auth.Token != prev.Auth.Token {
		s.static.Set(cfg.Auth.Token)
		s.logger.Info("stream token updated")
	}

	if nav != nil {
		if err := nav.SetPatterns(cfg.Route.Visible); err != nil {
			s.logger.Error("failed to apply route patterns", slog.String("error", err.Error()))
		}
	}

	if cfg.API.BaseURL != prev.API.BaseURL || cfg.Stream.Path != prev.Stream.Path {
		s.logger.Warn("stream endpoint change requires restart",
			slog.String("base_url", cfg.API.BaseURL),
			slog.String("stream_path", cfg.Stream.Path))
	}
}

// shutdownTimeout bounds Shutdown when called from Run.
const shutdownTimeout = 10 * time.Second

// Run starts the service and blocks until ctx is done, then shuts down.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}
