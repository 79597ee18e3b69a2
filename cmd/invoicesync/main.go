package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/chisomcc-jpg/valiflow-frontend-sub003/internal/config"
	"github.com/chisomcc-jpg/valiflow-frontend-sub003/internal/credentials"
	"github.com/chisomcc-jpg/valiflow-frontend-sub003/internal/telemetry"
	"github.com/chisomcc-jpg/valiflow-frontend-sub003/pkg/invoicesync"
)

var (
	configPath string
	viewFlag   string
	dbFlag     string
)

var rootCmd = &cobra.Command{
	Use:   "invoicesync",
	Short: "Keep a local invoice view in sync with the Valiflow event stream",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Load .env file if it exists
		_ = godotenv.Load()
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync service and its local HTTP API",
	RunE:  runService,
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print a JSON snapshot line for every change of the invoice state",
	RunE:  runTail,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the stored stream token",
}

var tokenSetCmd = &cobra.Command{
	Use:   "set <token>",
	Short: "Store the stream token in the SQLite credential store",
	Args:  cobra.ExactArgs(1),
	RunE:  runTokenSet,
}

var tokenClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every stored stream token",
	Args:  cobra.NoArgs,
	RunE:  runTokenClear,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Config file")
	tailCmd.Flags().StringVar(&viewFlag, "view", "", "View to open instead of route.initial")
	tokenCmd.PersistentFlags().StringVar(&dbFlag, "db", "", "Token database (default auth.sqlite_path)")

	tokenCmd.AddCommand(tokenSetCmd, tokenClearCmd)
	rootCmd.AddCommand(runCmd, tailCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runService(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(os.Stdout, cfg.Log)
	slog.SetDefault(logger)

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer("invoicesync", os.Stderr, logger)
		if err != nil {
			return fmt.Errorf("initialize tracer: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
			}
		}()
	}

	svc, err := invoicesync.New(
		invoicesync.WithLogger(logger),
		invoicesync.WithConfigFile(configPath),
	)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("serving local API", slog.Int("port", cfg.Server.Port))
	return svc.Run(ctx)
}

func runTail(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if viewFlag != "" {
		cfg.Route.Initial = viewFlag
	}

	// Snapshots go to stdout, logs to stderr.
	logger := newLogger(os.Stderr, cfg.Log)
	slog.SetDefault(logger)

	svc, err := invoicesync.New(
		invoicesync.WithLogger(logger),
		invoicesync.WithConfig(cfg),
		invoicesync.WithoutServer(),
	)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Shutdown(context.Background())

	out := newSnapshotPrinter(cmd.OutOrStdout())
	cancel := svc.Controller().Subscribe(out.print)
	defer cancel()
	out.print(svc.Controller().Snapshot())

	<-ctx.Done()
	return nil
}

func runTokenSet(cmd *cobra.Command, args []string) error {
	store, err := openTokenStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Save(cmd.Context(), strings.TrimSpace(args[0])); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "token saved")
	return nil
}

func runTokenClear(cmd *cobra.Command, args []string) error {
	store, err := openTokenStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Clear(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "tokens cleared")
	return nil
}

func openTokenStore(ctx context.Context) (*credentials.SQLiteStore, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	path := dbFlag
	if path == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		path = cfg.Auth.SQLitePath
	}
	return credentials.OpenSQLite(ctx, path)
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// snapshotPrinter writes one JSON line per snapshot. Subscribers run on
// whichever goroutine changed the state.
type snapshotPrinter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newSnapshotPrinter(w io.Writer) *snapshotPrinter {
	return &snapshotPrinter{enc: json.NewEncoder(w)}
}

func (p *snapshotPrinter) print(s invoicesync.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enc.Encode(s); err != nil {
		slog.Error("write snapshot", slog.String("error", err.Error()))
	}
}
