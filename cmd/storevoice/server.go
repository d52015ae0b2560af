package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/storevoice/internal/api"
	"github.com/kalambet/storevoice/internal/config"
	"github.com/kalambet/storevoice/internal/logging"
	"github.com/kalambet/storevoice/internal/storage"
	"github.com/kalambet/storevoice/internal/worker"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and both pipeline workers (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		noWorkers, _ := cmd.Flags().GetBool("no-workers")
		return runServer(!noWorkers)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a single pipeline stage worker",
	Long: `Run a single pipeline stage worker without the HTTP API.

Several worker processes can share one database; claims keep them from
processing the same record twice.

Examples:
  storevoice worker --stage transcription
  storevoice worker --stage analysis --metrics-addr 127.0.0.1:9101`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("stage")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		stage, ok := storage.StageByName(name)
		if !ok {
			return fmt.Errorf("unknown stage %q (want transcription or analysis)", name)
		}
		return runWorker(stage, metricsAddr)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running storevoice server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server health and processing counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("no-workers", false, "serve the API only")
	workerCmd.Flags().String("stage", "", "stage to run: transcription or analysis")
	workerCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address")
	workerCmd.MarkFlagRequired("stage")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "storevoice.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// loadRuntime loads and validates config and installs the logger.
func loadRuntime() (config.Config, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	closer, err := logging.Setup(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
		Prefix: "storevoice",
	})
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, func() { closer.Close() }, nil
}

func runServer(withWorkers bool) error {
	cfg, closeLog, err := loadRuntime()
	if err != nil {
		return err
	}
	defer closeLog()
	slog.Info("starting storevoice", "version", version, "addr", cfg.Server.Addr(), "driver", cfg.Storage.Driver)

	apiToken, err := config.GetAPIToken(config.NewSecretFile())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(serverURL(cfg) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Warn("closing resources", "error", err)
		}
	}()

	var workers []*worker.Worker
	if withWorkers {
		tw, err := a.transcriptionWorker(ctx)
		if err != nil {
			return err
		}
		aw, err := a.analysisWorker(ctx)
		if err != nil {
			return err
		}
		workers = append(workers, tw, aw)
	}

	deps := api.Deps{
		Store:             a.store,
		Engine:            a.engine,
		UploadDir:         cfg.Media.UploadDir,
		MaxUploadBytes:    int64(cfg.Media.MaxUploadMB) << 20,
		AllowedExtensions: splitList(cfg.Media.AllowedExtensions),
		DefaultDays:       cfg.Aggregation.DefaultDays,
		MaxRangeDays:      cfg.Aggregation.MaxRangeDays,
		ReportTopN:        cfg.Aggregation.ReportTopN,
		Token:             apiToken,
	}
	if a.metrics != nil {
		deps.Metrics = a.metrics.Handler()
	}
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           api.NewHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error { return w.Run(gctx) })
	}
	refresher := a.refresher()
	g.Go(func() error { return refresher.Run(gctx) })
	g.Go(func() error {
		slog.Info("storevoice listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runWorker(stage storage.Stage, metricsAddr string) error {
	cfg, closeLog, err := loadRuntime()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var w *worker.Worker
	switch stage.Name {
	case storage.Transcription.Name:
		w, err = a.transcriptionWorker(ctx)
	default:
		w, err = a.analysisWorker(ctx)
	}
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	if metricsAddr != "" && a.metrics != nil {
		srv := &http.Server{Addr: metricsAddr, Handler: a.metrics.Handler(), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			slog.Info("serving metrics", "addr", metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("storevoice is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop storevoice (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to storevoice (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	base := serverURL(cfg)
	resp, err := (&http.Client{Timeout: 2 * time.Second}).Get(base + "/health")
	running := false
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case resp.StatusCode == http.StatusOK:
		running = true
		printStatus("Server", "running at %s", base)
	default:
		printStatus("Server", "unhealthy (HTTP %d)", resp.StatusCode)
	}
	if resp != nil {
		resp.Body.Close()
	}

	printStatus("Storage", "%s", cfg.Storage.Driver)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Analysis", "%s (%s)", cfg.Analysis.Provider, cfg.Analysis.Model)
	if !running {
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	statusResp, err := client.get(ctx, "/dashboard/processing-status")
	if err != nil {
		return err
	}
	var counts processingCounts
	if err := decodeJSON(statusResp, &counts); err != nil {
		return err
	}
	printCounts(counts)
	return nil
}

type processingCounts struct {
	PeriodStart string         `json:"period_start"`
	PeriodEnd   string         `json:"period_end"`
	Total       int            `json:"total"`
	Counts      map[string]int `json:"counts"`
}

func printCounts(c processingCounts) {
	printStatus("Window", "%s .. %s (%d records)", c.PeriodStart, c.PeriodEnd, c.Total)
	for _, st := range storage.Statuses {
		printStatus("  "+string(st), "%d", c.Counts[string(st)])
	}
}
