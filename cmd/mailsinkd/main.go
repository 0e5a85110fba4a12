// Command mailsinkd is the CLI runner component (SPEC_FULL.md §4.K):
// loads the config surface of spec.md §6, starts every configured
// protocol listener, and blocks until a shutdown signal.
//
// Grounded on fenilsonani-email-server's cmd/mailserver/main.go cobra
// layout (PersistentPreRunE loading config, a `serve` subcommand doing
// the real work, SIGINT/SIGTERM/SIGHUP-triggered graceful shutdown) and
// spilled-ink-spilld's cmd/spilld/main.go flag set, reworked onto
// mailsink's flat property configuration surface and config.Server.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mailsink/mailsink/config"
)

var (
	cfgFile         string
	propFlags       []string
	shutdownTimeout time.Duration
	metricsEnabled  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mailsinkd: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mailsinkd",
	Short: "In-memory SMTP/IMAP/POP3 test mail server",
	RunE:  runServe,
}

func init() {
	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "path to a YAML config file")
	rootCmd.Flags().StringArrayVarP(&propFlags, "set", "s", nil, "override a config key, key=value (repeatable)")
	rootCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "graceful shutdown deadline")
	rootCmd.Flags().BoolVar(&metricsEnabled, "metrics", false, "expose Prometheus metrics")
}

func runServe(cmd *cobra.Command, args []string) error {
	overrides := make(map[string]string, len(propFlags))
	for _, kv := range propFlags {
		key, val, ok := cut(kv)
		if !ok {
			return fmt.Errorf("malformed --set value %q, want key=value", kv)
		}
		overrides[key] = val
	}

	var cfg *config.Config
	var err error
	if cfgFile != "" {
		cfg, err = config.LoadFile(cfgFile, overrides)
	} else {
		cfg, err = config.Load(overrides)
	}
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := newLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync()

	var registry *prometheus.Registry
	if metricsEnabled {
		registry = prometheus.NewRegistry()
	}

	srv := config.New(cfg, registry, logger)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting listeners: %w", err)
	}
	logger.Info("mailsinkd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	srv.Stop(shutdownTimeout)
	logger.Info("mailsinkd stopped")
	return nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func cut(kv string) (key, value string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}
