package runtime

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/chisomcc-jpg/valiflow-frontend-sub003/internal/config"
	"github.com/chisomcc-jpg/valiflow-frontend-sub003/internal/live"
	"github.com/chisomcc-jpg/valiflow-frontend-sub003/internal/stream"
)

// Option is a functional option for configuring a Service.
type Option func(*Service) error

// WithConfigFile loads configuration from a YAML file and reloads it when
// the file changes.
func WithConfigFile(path string) Option {
	return func(s *Service) error {
		w, err := config.NewWatcher(path, s.logger)
		if err != nil {
			return fmt.Errorf("create config watcher: %w", err)
		}
		s.watcher = w
		return nil
	}
}

// WithConfig uses a fixed configuration. No hot reload.
func WithConfig(cfg *config.Config) Option {
	return func(s *Service) error {
		if cfg == nil {
			return fmt.Errorf("config cannot be nil")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		s.cfg = cfg
		return nil
	}
}

// WithTokenSource supplies the stream credential, overriding auth.* config.
func WithTokenSource(tokens stream.TokenSource) Option {
	return func(s *Service) error {
		s.tokens = tokens
		return nil
	}
}

// WithSQLiteCredentials reads the stream credential from the SQLite token
// store at path, overriding auth.store.
func WithSQLiteCredentials(path string) Option {
	return func(s *Service) error {
		if path == "" {
			return fmt.Errorf("sqlite path cannot be empty")
		}
		s.sqlitePath = path
		return nil
	}
}

// WithHTTPClient sets the client used for the stream connection.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Service) error {
		s.httpClient = client
		return nil
	}
}

// WithStreamer replaces the stream channel, mostly for tests.
func WithStreamer(st live.Streamer) Option {
	return func(s *Service) error {
		s.streamer = st
		return nil
	}
}

// WithListener serves HTTP on ln instead of server.port.
func WithListener(ln net.Listener) Option {
	return func(s *Service) error {
		s.listener = ln
		return nil
	}
}

// WithoutServer skips the local HTTP surface.
func WithoutServer() Option {
	return func(s *Service) error {
		s.noServer = true
		return nil
	}
}

// WithLogger sets a custom logger. Set it before WithConfigFile so the
// watcher logs through it too.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) error {
		s.logger = logger
		return nil
	}
}
