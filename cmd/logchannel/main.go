package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Chichichkin/LogChannel/internal/analytics"
	"github.com/Chichichkin/LogChannel/internal/config"
	"github.com/Chichichkin/LogChannel/internal/crashes"
	"github.com/Chichichkin/LogChannel/internal/daemon"
	"github.com/Chichichkin/LogChannel/internal/logging"
	"github.com/Chichichkin/LogChannel/internal/sdk"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "logchannel",
		Short:        "Durable batched log delivery",
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to the YAML configuration file")

	rootCmd.AddCommand(
		relayCmd(),
		trackCmd(),
		crashesCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv("LOGCHANNEL_CONFIG")
	}
	return config.Load(path)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// setup loads the configuration and builds the logger and the app.
func setup(cmd *cobra.Command, reg prometheus.Registerer) (config.Config, *zap.Logger, *sdk.App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return cfg, nil, nil, err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return cfg, nil, nil, err
	}

	opts := []sdk.Option{sdk.WithLogger(logger)}
	if reg != nil {
		opts = append(opts, sdk.WithRegisterer(reg))
	}
	app, err := sdk.New(cmd.Context(), cfg, opts...)
	if err != nil {
		logger.Sync()
		return cfg, nil, nil, err
	}
	return cfg, logger, app, nil
}

func relayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Tail log files and ship every line as an analytics event",
		RunE:  runRelay,
	}
}

func runRelay(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	cfg, logger, app, err := setup(cmd, reg)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer app.Close()

	tracker := analytics.New()
	app.Start(ctx, tracker, crashes.New(cfg.CrashDir))

	relay := daemon.NewRelay(ctx, cfg.Relay, tracker, logger)
	reg.MustRegister(relay.Metrics())
	relay.Start()

	var server *http.Server
	if cfg.MetricsAddr != "" {
		server = startMetricsServer(reg, cfg.MetricsAddr, logger)
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	relay.Stop()
	app.Flush()
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to stop metrics server", zap.Error(err))
		}
	}
	return nil
}

func startMetricsServer(reg *prometheus.Registry, addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return server
}

func trackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "track NAME",
		Short: "Enqueue one analytics event and wait for its delivery",
		Args:  cobra.ExactArgs(1),
		RunE:  runTrack,
	}
	cmd.Flags().StringSliceP("prop", "p", nil, "Event property as key=value, repeatable")
	cmd.Flags().Duration("timeout", 30*time.Second, "How long to wait for delivery")
	return cmd
}

// deliveryWaiter reports the first delivery outcome of an analytics log.
type deliveryWaiter struct {
	done chan error
}

func (w *deliveryWaiter) OnBeforeSending(logging.Log) {}

func (w *deliveryWaiter) OnSendingSucceeded(logging.Log) {
	w.finish(nil)
}

func (w *deliveryWaiter) OnSendingFailed(_ logging.Log, err error) {
	w.finish(err)
}

func (w *deliveryWaiter) finish(err error) {
	select {
	case w.done <- err:
	default:
	}
}

func runTrack(cmd *cobra.Command, args []string) error {
	props, _ := cmd.Flags().GetStringSlice("prop")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	properties := make(map[string]string, len(props))
	for _, p := range props {
		key, value, ok := strings.Cut(p, "=")
		if !ok {
			return fmt.Errorf("property %q is not key=value", p)
		}
		properties[key] = value
	}

	_, logger, app, err := setup(cmd, nil)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer app.Close()

	ctx := cmd.Context()
	a := analytics.New()
	app.Start(ctx, a)
	if !a.IsEnabled(ctx) {
		return errors.New("analytics is disabled")
	}

	waiter := &deliveryWaiter{done: make(chan error, 1)}
	a.SetListener(waiter)
	a.TrackEvent(args[0], properties)
	app.Flush()

	select {
	case err := <-waiter.done:
		if err != nil {
			return fmt.Errorf("event delivery failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "event %q delivered\n", args[0])
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("event not delivered within %s, it stays stored for the next run", timeout)
	}
}

func crashesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crashes",
		Short: "Show the last session crash report and confirm pending reports",
		RunE:  runCrashes,
	}
	cmd.Flags().String("confirm", "", "Answer for pending reports: send, dont_send or always_send")
	cmd.Flags().Duration("timeout", 10*time.Second, "How long to wait for crash processing")
	return cmd
}

// confirmingListener holds reports until the command answers for the user.
type confirmingListener struct {
	crashes.DefaultListener
}

func (confirmingListener) ShouldAwaitUserConfirmation() bool { return true }

func parseConfirmation(value string) (crashes.UserConfirmation, error) {
	for _, c := range []crashes.UserConfirmation{crashes.Send, crashes.DontSend, crashes.AlwaysSend} {
		if c.String() == value {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown confirmation %q", value)
}

func runCrashes(cmd *cobra.Command, args []string) error {
	confirm, _ := cmd.Flags().GetString("confirm")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	var confirmation crashes.UserConfirmation
	if confirm != "" {
		var err error
		if confirmation, err = parseConfirmation(confirm); err != nil {
			return err
		}
	}

	cfg, logger, app, err := setup(cmd, nil)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer app.Close()

	c := crashes.New(cfg.CrashDir)
	if confirm != "" {
		c.SetListener(confirmingListener{})
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	app.Start(ctx, c)

	report, err := c.LastSessionCrashReport(ctx)
	if err != nil {
		return fmt.Errorf("crash processing did not finish: %w", err)
	}
	out := cmd.OutOrStdout()
	if report == nil {
		fmt.Fprintln(out, "last session did not crash")
	} else {
		fmt.Fprintf(out, "last session crashed: id=%s thread=%s time=%s\n",
			report.ID, report.ThreadName, report.AppErrorTime.Format(time.RFC3339))
		if report.Exception != nil {
			fmt.Fprintf(out, "  %s: %s\n", report.Exception.Type, report.Exception.Message)
		}
	}

	if confirm != "" {
		c.NotifyUserConfirmation(confirmation)
		c.Sync()
		fmt.Fprintf(out, "pending reports answered with %s\n", confirmation)
	}
	app.Flush()
	return nil
}
