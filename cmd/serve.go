/*
Copyright © 2025 ALESSIO TONIOLO
*/
package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kirsle/configdir"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atoniolo76/dreamgate/internal/factory"
	"github.com/atoniolo76/dreamgate/pkg/config"
	"github.com/atoniolo76/dreamgate/pkg/gateway"
	"github.com/atoniolo76/dreamgate/pkg/health"
	"github.com/atoniolo76/dreamgate/pkg/logs"
	"github.com/atoniolo76/dreamgate/pkg/monitor"
	"github.com/atoniolo76/dreamgate/pkg/server"
)

const healthWatchInterval = 5 * time.Second

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the prediction gateway",
	Long: `Run the HTTP gateway in the foreground.

Every setting can come from a flag, an environment variable (REQUEST_TIMEOUT,
TOLERABLE_FAILURES, BACKEND, ...), the --env-file dotenv file or the --config
YAML file, in that order of precedence.

Examples:
  # Local smoke test with the noise backend
  dreamgate serve

  # Forward batches to a GPU worker, 20 second budget per request
  dreamgate serve --backend http --backend-url http://10.0.0.5:9000 --request-timeout 20

  # Call a deployed Modal function
  dreamgate serve --backend modal --modal-app dream --modal-function generate`,
	RunE: runServe,
}

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a gateway started with serve",
	Run:   runStop,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)

	serveCmd.Flags().String("listen-addr", config.DefaultListenAddr, "address to listen on")
	serveCmd.Flags().String("request-timeout", "30", "end-to-end budget per request, seconds or a duration")
	serveCmd.Flags().Int("tolerable-failures", config.DefaultTolerableFailures, "timeouts tolerated before /api/health reports false")
	serveCmd.Flags().String("keep-alive-timeout", "60", "idle keep-alive timeout, seconds or a duration")
	serveCmd.Flags().Int("queue-depth", config.DefaultQueueDepth, "requests that may wait behind the running batch")
	serveCmd.Flags().Int("max-batch-size", config.DefaultMaxBatchSize, "largest accepted batch")
	serveCmd.Flags().Int("image-size", config.DefaultImageSize, "width and height of generated images")
	serveCmd.Flags().String("backend", config.DefaultBackend, "noise, http or modal")
	serveCmd.Flags().String("backend-url", "", "base URL of the http backend worker")
	serveCmd.Flags().String("modal-app", config.DefaultModalApp, "Modal app name")
	serveCmd.Flags().String("modal-function", config.DefaultModalFunction, "Modal function name")
	serveCmd.Flags().Bool("monitor", config.DefaultMonitorEnabled, "keep an in-memory table of handled requests")
	serveCmd.Flags().String("pid-file", "", "path to PID file (default in the user config dir)")

	for key, flag := range map[string]string{
		config.KeyListenAddr:        "listen-addr",
		config.KeyRequestTimeout:    "request-timeout",
		config.KeyTolerableFailures: "tolerable-failures",
		config.KeyKeepAliveTimeout:  "keep-alive-timeout",
		config.KeyQueueDepth:        "queue-depth",
		config.KeyMaxBatchSize:      "max-batch-size",
		config.KeyImageSize:         "image-size",
		config.KeyBackend:           "backend",
		config.KeyBackendURL:        "backend-url",
		config.KeyModalApp:          "modal-app",
		config.KeyModalFunction:     "modal-function",
		config.KeyMonitorEnabled:    "monitor",
	} {
		mustBind(serveCmd, key, flag)
	}

	stopCmd.Flags().String("pid-file", "", "path to PID file (default in the user config dir)")
}

func pidFilePath(cmd *cobra.Command) (string, error) {
	if pidFile, _ := cmd.Flags().GetString("pid-file"); pidFile != "" {
		return pidFile, nil
	}
	configPath := configdir.LocalConfig(config.AppName)
	if err := configdir.MakePath(configPath); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return filepath.Join(configPath, config.DefaultPIDFileName), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logs.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	adapter, err := factory.NewBackend(cfg.Backend, logger)
	if err != nil {
		return err
	}
	defer adapter.Close()

	hm := health.NewMonitor(cfg.TolerableFailures, logger)

	opts := gateway.OptionsFromConfig(cfg)
	opts.Logger = logger

	var db *monitor.DB
	if cfg.MonitorEnabled {
		db, err = monitor.Open()
		if err != nil {
			return err
		}
		defer db.Close()
		opts.Recorder = db
	}

	gw, err := gateway.New(adapter, hm, opts)
	if err != nil {
		return err
	}
	defer gw.Close()

	srv := server.New(gw, server.Options{
		ListenAddr:       cfg.ListenAddr,
		KeepAliveTimeout: cfg.KeepAliveTimeout,
		Logger:           logger,
		Monitor:          db,
	})

	pidFile, err := pidFilePath(cmd)
	if err != nil {
		logger.Warn("pid_file_unavailable", zap.Error(err))
	} else if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
		logger.Warn("pid_file_write_failed", zap.String("path", pidFile), zap.Error(err))
	} else {
		defer os.Remove(pidFile)
	}

	logger.Info("gateway_starting",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.Duration("request_timeout", cfg.RequestTimeout),
		zap.Int("tolerable_failures", cfg.TolerableFailures),
		zap.String("backend", cfg.Backend.Kind),
		zap.Int("queue_depth", cfg.QueueDepth),
		zap.Bool("monitor", cfg.MonitorEnabled),
		zap.String("pid_file", pidFile),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		watchHealth(gctx, gw, logger)
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Error("gateway_stopped", zap.Error(err))
		return err
	}
	logger.Info("gateway_stopped")
	return nil
}

// watchHealth logs once when the gateway turns unhealthy
func watchHealth(ctx context.Context, gw *gateway.Gateway, logger *zap.Logger) {
	ticker := time.NewTicker(healthWatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hm := gw.Health()
			if hm.IsHealthy() {
				continue
			}
			stats := gw.Stats()
			logger.Error("gateway_unhealthy",
				zap.Int("failures", hm.Failures()),
				zap.Int("tolerable", hm.Tolerable()),
				zap.Int64("timeouts", stats.Timeouts),
				zap.Int64("replacements", stats.Replacements),
				zap.Int64("abandoned_calls", stats.AbandonedCalls),
				zap.String("note", "health never recovers in-process; restart the gateway"),
			)
			return
		}
	}
}

func runStop(cmd *cobra.Command, args []string) {
	pidFile, err := pidFilePath(cmd)
	if err != nil {
		log.Fatalf("Failed to resolve PID file: %v", err)
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		log.Fatalf("Failed to read PID file %s: %v", pidFile, err)
	}

	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		log.Fatalf("Failed to parse PID: %v", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		log.Fatalf("Failed to find process %d: %v", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		log.Fatalf("Failed to send SIGTERM: %v", err)
	}

	fmt.Printf("Sent SIGTERM to gateway (PID: %d)\n", pid)
}
