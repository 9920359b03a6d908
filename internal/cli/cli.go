// Package cli builds the dispatchd command tree and resolves the runtime
// configuration from flags, environment and the optional config file.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"dispatchd/internal/httpserver"
	"dispatchd/internal/log"
	"dispatchd/internal/metrics"
	"dispatchd/pkg/types"
)

// Exit codes: 0 normal, 1 bind or runtime failure, 2 bad configuration.
const (
	ExitRuntime   = 1
	ExitBadConfig = 2
)

// ExitError carries the process exit code out of cobra's RunE.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

func badConfig(format string, args ...any) error {
	return &ExitError{Code: ExitBadConfig, Err: fmt.Errorf(format, args...)}
}

func runtimeErr(err error) error {
	return &ExitError{Code: ExitRuntime, Err: err}
}

// Defaults for every tunable; see resolveConfig for the precedence.
func defaultConfig() types.Config {
	return types.Config{
		BindAddr:          "127.0.0.1:8080",
		WorkersPerCommand: 2,
		MaxInFlight:       32,
		RetryAfterMS:      250,
		TaskTimeoutMS:     60_000,
		DataDir:           "",
		PromAddr:          "",
	}
}

// envVars maps each setting to its environment variable.
const (
	envBind        = "P01_BIND_ADDR"
	envWorkers     = "P01_WORKERS_PER_COMMAND"
	envMaxInflight = "P01_MAX_INFLIGHT"
	envRetryAfter  = "P01_RETRY_AFTER_MS"
	envTimeout     = "P01_TASK_TIMEOUT_MS"
	envDataDir     = "P01_DATA_DIR"
	envPromAddr    = "P01_PROM_ADDR"
)

// BuildCLI assembles the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dispatchd",
		Short: "dispatchd: an HTTP/1.0 compute-dispatch server",
		Long: `dispatchd accepts short HTTP/1.0 requests on a single socket and routes
each one to a command-specific worker pool, with admission control,
per-task deadlines, latency accounting and a crash-recoverable journal
for long-lived jobs.`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(buildRunCommand())
	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the dispatch server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd, configFile)
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "YAML config file")
	cmd.Flags().String("bind", "", "listen address (host:port)")
	cmd.Flags().Int("workers", 0, "workers per command (>= 1)")
	cmd.Flags().Int("max-inflight", 0, "admission budget per command (>= 1)")
	cmd.Flags().Int("retry-after", -1, "Retry-After hint in milliseconds")
	cmd.Flags().Int("timeout", 0, "per-task deadline in milliseconds")
	cmd.Flags().String("data-dir", "", "directory for files and the job journal")
	cmd.Flags().String("prom-bind", "", "optional Prometheus listen address")
	cmd.Flags().BoolP("verbose", "v", false, "debug logging")
	return cmd
}

// resolveConfig layers the configuration: defaults, then the config file,
// then environment variables, then explicitly set flags.
func resolveConfig(cmd *cobra.Command, configFile string) (types.Config, error) {
	cfg := defaultConfig()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return cfg, badConfig("read config file: %v", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, badConfig("parse config file: %v", err)
		}
	}

	if v := os.Getenv(envBind); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv(envDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(envPromAddr); v != "" {
		cfg.PromAddr = v
	}
	for _, e := range []struct {
		name string
		dst  *int
	}{
		{envWorkers, &cfg.WorkersPerCommand},
		{envMaxInflight, &cfg.MaxInFlight},
		{envRetryAfter, &cfg.RetryAfterMS},
		{envTimeout, &cfg.TaskTimeoutMS},
	} {
		v := os.Getenv(e.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, badConfig("%s: not an integer: %q", e.name, v)
		}
		*e.dst = n
	}

	flags := cmd.Flags()
	if flags.Changed("bind") {
		cfg.BindAddr, _ = flags.GetString("bind")
	}
	if flags.Changed("workers") {
		cfg.WorkersPerCommand, _ = flags.GetInt("workers")
	}
	if flags.Changed("max-inflight") {
		cfg.MaxInFlight, _ = flags.GetInt("max-inflight")
	}
	if flags.Changed("retry-after") {
		cfg.RetryAfterMS, _ = flags.GetInt("retry-after")
	}
	if flags.Changed("timeout") {
		cfg.TaskTimeoutMS, _ = flags.GetInt("timeout")
	}
	if flags.Changed("data-dir") {
		cfg.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("prom-bind") {
		cfg.PromAddr, _ = flags.GetString("prom-bind")
	}
	cfg.Verbose, _ = flags.GetBool("verbose")

	if cfg.DataDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return cfg, badConfig("resolve working directory: %v", err)
		}
		cfg.DataDir = cwd
	}
	return cfg, validate(cfg)
}

func validate(cfg types.Config) error {
	if cfg.BindAddr == "" {
		return badConfig("bind address must not be empty")
	}
	if _, _, err := net.SplitHostPort(cfg.BindAddr); err != nil {
		return badConfig("bind address %q: %v", cfg.BindAddr, err)
	}
	if cfg.WorkersPerCommand < 1 {
		return badConfig("workers must be >= 1, got %d", cfg.WorkersPerCommand)
	}
	if cfg.MaxInFlight < 1 {
		return badConfig("max-inflight must be >= 1, got %d", cfg.MaxInFlight)
	}
	if cfg.RetryAfterMS < 0 {
		return badConfig("retry-after must be >= 0, got %d", cfg.RetryAfterMS)
	}
	if cfg.TaskTimeoutMS < 1 {
		return badConfig("timeout must be >= 1 ms, got %d", cfg.TaskTimeoutMS)
	}
	return nil
}

// runServer wires the components and blocks until SIGINT/SIGTERM.
func runServer(cfg types.Config) error {
	logger := log.New(cfg.Verbose)
	slog.SetDefault(logger)

	collector := metrics.NewCollector()
	server, err := httpserver.New(cfg, logger, collector)
	if err != nil {
		return runtimeErr(err)
	}

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return runtimeErr(fmt.Errorf("bind %s: %w", cfg.BindAddr, err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var promSrv *http.Server
	if cfg.PromAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		promSrv = &http.Server{Addr: cfg.PromAddr, Handler: mux}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(ln)
	})
	if promSrv != nil {
		g.Go(func() error {
			logger.Info("prometheus listener", slog.String("addr", cfg.PromAddr))
			if err := promSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return runtimeErr(fmt.Errorf("prometheus listener: %w", err))
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		server.Shutdown()
		if promSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			promSrv.Shutdown(shutdownCtx)
		}
		return nil
	})
	return g.Wait()
}
