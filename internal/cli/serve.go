package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/crosstalk-dev/crosstalk/internal/config"
	"github.com/crosstalk-dev/crosstalk/internal/db"
	"github.com/crosstalk-dev/crosstalk/internal/obs"
	"github.com/crosstalk-dev/crosstalk/internal/obs/otel"
	"github.com/crosstalk-dev/crosstalk/internal/record"
	"github.com/crosstalk-dev/crosstalk/internal/server"
)

// shutdownGrace bounds how long in-flight requests may run after a signal.
const shutdownGrace = 5 * time.Second

type serveFlags struct {
	port       int
	host       string
	debug      bool
	quiet      bool
	logFile    string
	printUsage bool
}

// ServeCommand starts the proxy server in the foreground.
func ServeCommand(cfg *config.Config, version string) *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy server",
		Long: `Start the HTTP server that exposes the Anthropic Messages API.
Requests are translated for OpenAI-compatible backends according to the
routing table; backends that speak the Messages API natively are proxied
through untouched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, cfg, flags, version)
		},
	}

	registerServeFlags(cmd.Flags(), &flags)
	return cmd
}

func registerServeFlags(fs *pflag.FlagSet, flags *serveFlags) {
	fs.IntVarP(&flags.port, "port", "p", 0, "Listen port (default: from config)")
	fs.StringVar(&flags.host, "host", "", "Listen host (default: from config)")
	fs.BoolVar(&flags.debug, "debug", false, "Debug logging, including per-request logs")
	fs.BoolVarP(&flags.quiet, "quiet", "q", false, "Suppress stdout logging; the log file still applies")
	fs.StringVar(&flags.logFile, "log-file", "", "Log file path (default: <config-dir>/log/crosstalk.log)")
	fs.BoolVar(&flags.printUsage, "print-usage", false, "Print per-model usage totals on shutdown")
}

func runServe(cmd *cobra.Command, cfg *config.Config, flags serveFlags, version string) error {
	// Flag beats config; a given flag is persisted for the next run.
	if flags.port != 0 {
		srvCfg := cfg.GetServer()
		srvCfg.Port = flags.port
		if err := cfg.SetServer(srvCfg); err != nil {
			return fmt.Errorf("failed to persist port: %w", err)
		}
	}
	debug := flags.debug
	if !cmd.Flags().Changed("debug") {
		debug = cfg.GetVerbose()
	} else if err := cfg.SetVerbose(flags.debug); err != nil {
		return fmt.Errorf("failed to persist debug setting: %w", err)
	}

	logFile := flags.logFile
	if logFile == "" {
		logFile = obs.DefaultLogFile(cfg.ConfigDir)
	}
	logCloser := obs.SetupLogging(obs.LogOptions{Debug: debug, File: logFile, Quiet: flags.quiet})
	defer logCloser.Close()
	logrus.Infof("logging to %s", logFile)

	var store *db.UsageStore
	if cfg.GetMetrics().Enabled {
		s, err := db.NewUsageStore(cfg.UsageDatabase())
		if err != nil {
			logrus.Warnf("usage accounting disabled: %v", err)
		} else {
			store = s
			defer store.Close()
		}
	}

	metricsCfg := otel.Config{
		Enabled:        cfg.GetMetrics().Enabled,
		ExportInterval: time.Duration(cfg.MetricsInterval()) * time.Second,
	}
	if debug {
		metricsCfg.JSONLPath = filepath.Join(cfg.ConfigDir, "log", "metrics.jsonl")
	}
	metrics, err := otel.NewSetup(context.Background(), metricsCfg, store)
	if err != nil {
		logrus.Warnf("metric pipeline disabled: %v", err)
	}

	sink, err := buildTraceSink(cfg, debug)
	if err != nil {
		return err
	}
	defer sink.Close()

	opts := []server.Option{
		server.WithVersion(version),
		server.WithTraceSink(sink),
		server.WithUsageStore(store),
		server.WithTracker(metrics.Tracker()),
	}
	if flags.host != "" {
		opts = append(opts, server.WithHost(flags.host))
	}
	srv := server.NewServer(cfg, opts...)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Start() }()

	printBanner(cmd.OutOrStdout(), cfg, flags.host, version)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server stopped unexpectedly: %w", err)
	case sig := <-sigChan:
		logrus.Infof("received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logrus.Warnf("shutdown incomplete: %v", err)
	}
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		logrus.Warnf("metric flush incomplete: %v", err)
	}

	if flags.printUsage && store != nil {
		totals, err := store.TotalsByModel(db.TotalsQuery{})
		if err != nil {
			logrus.Warnf("usage totals unavailable: %v", err)
		} else {
			printModelTotals(cmd.OutOrStdout(), totals)
		}
	}
	return nil
}

// buildTraceSink assembles the trace pipeline from the record section: JSONL
// files when recording is enabled, mirrored into the log in debug mode, the
// whole chain behind the configured filter expression.
func buildTraceSink(cfg *config.Config, debug bool) (record.TraceSink, error) {
	recCfg := cfg.GetRecord()

	var sinks []record.TraceSink
	if recCfg.Enabled {
		fileSink, err := record.NewFileSink(cfg.TraceDir())
		if err != nil {
			return nil, fmt.Errorf("failed to open trace directory: %w", err)
		}
		sinks = append(sinks, fileSink)
	}
	if debug {
		sinks = append(sinks, record.LogSink{})
	}

	var sink record.TraceSink
	switch len(sinks) {
	case 0:
		return record.NullSink{}, nil
	case 1:
		sink = sinks[0]
	default:
		sink = record.Multi(sinks...)
	}

	if recCfg.Filter != "" {
		filtered, err := record.Filtered(sink, recCfg.Filter)
		if err != nil {
			return nil, fmt.Errorf("invalid record filter: %w", err)
		}
		sink = filtered
	}
	return sink, nil
}

// printBanner prints the endpoints a freshly started server answers on.
func printBanner(w io.Writer, cfg *config.Config, hostOverride, version string) {
	srvCfg := cfg.GetServer()
	host := srvCfg.Host
	if hostOverride != "" {
		host = hostOverride
	}

	fmt.Fprintf(w, "crosstalk %s\n", version)
	fmt.Fprintf(w, "  Messages API:   http://%s:%d/v1/messages\n", host, srvCfg.Port)
	fmt.Fprintf(w, "  Token counting: http://%s:%d/v1/messages/count_tokens\n", host, srvCfg.Port)
	fmt.Fprintf(w, "  Health:         http://%s:%d/healthz\n", host, srvCfg.Port)
	if cfg.GetAuth().Enabled {
		fmt.Fprintln(w, "\nInbound auth is on. Mint a key with 'crosstalk token'.")
	}
}

func printModelTotals(w io.Writer, totals []db.ModelTotal) {
	if len(totals) == 0 {
		fmt.Fprintln(w, "No usage recorded.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BACKEND\tMODEL\tREQUESTS\tINPUT\tOUTPUT\tTOTAL")
	for _, row := range totals {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\n",
			row.BackendName, row.Model, row.RequestCount, row.InputTokens, row.OutputTokens, row.TotalTokens)
	}
	tw.Flush()
}
