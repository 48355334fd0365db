package commands

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/hypercomm/hypercomm/internal/logger"
	"github.com/hypercomm/hypercomm/pkg/comm"
	"github.com/hypercomm/hypercomm/pkg/config"
	"github.com/hypercomm/hypercomm/pkg/metrics"
	promm "github.com/hypercomm/hypercomm/pkg/metrics/prometheus"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the loopback echo server",
	Long: `Run an echo server over the comm layer.

Every request whose payload is a vstr is answered with the uppercased
string. Point "hypercomm ping" at it to verify a deployment end to end.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.LoggerConfig()); err != nil {
		return err
	}

	opts := cfg.CommOptions()
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		opts.Metrics = promm.NewCommMetrics()
		go serveMetrics(cfg.Metrics.Listen)
	}

	c := comm.New(opts)
	defer c.Shutdown()

	factory := comm.ConnectionHandlerFactoryFunc(func() comm.DispatchHandler {
		return newEchoHandler(c)
	})
	if err := c.Listen(cfg.Server.Listen, factory, nil); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	if configFile != "" {
		go watchConfig(configFile)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())
	return nil
}

func serveMetrics(listen string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
	logger.Info("metrics endpoint up", logger.KeyLocal, listen)
	if err := http.ListenAndServe(listen, mux); err != nil {
		logger.Error("metrics endpoint failed", logger.KeyError, err)
	}
}

// watchConfig reloads the log level and format when the config file
// changes. Editors often replace files instead of writing in place, so the
// parent directory is watched and events are filtered by the file's path;
// a replaced file shows up as a create or rename of that path.
func watchConfig(path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("config watch unavailable", logger.KeyError, err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		logger.Warn("config watch unavailable", logger.KeyError, err)
		return
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Give the writer a moment to finish the replace.
			time.Sleep(100 * time.Millisecond)

			cfg, err := config.Load(path)
			if err != nil {
				logger.Warn("config reload failed", logger.KeyError, err)
				continue
			}
			logger.SetLevel(cfg.Logging.Level)
			logger.SetFormat(cfg.Logging.Format)
			logger.Info("logging configuration reloaded",
				"level", cfg.Logging.Level, "format", cfg.Logging.Format)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Debug("config watch error", logger.KeyError, err)
		}
	}
}
