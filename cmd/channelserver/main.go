// Command channelserver is the rendezvous channel server binary. It loads
// its settings (compiled-in defaults, an optional config/<RUN_MODE> overlay,
// and PAIR_* environment variables), opens the MaxMind City database, wires
// the statsd sink and the IP reputation client, starts the channel broker,
// serves the WebSocket and operational routes over HTTP, and shuts down
// gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mozilla-services/channelserver/internal/broker"
	"github.com/mozilla-services/channelserver/internal/meta"
	"github.com/mozilla-services/channelserver/internal/metrics"
	"github.com/mozilla-services/channelserver/internal/reputation"
	"github.com/mozilla-services/channelserver/internal/server"
	"github.com/mozilla-services/channelserver/internal/settings"
)

func main() {
	var (
		configDir   = flag.String("config-dir", "config", "directory holding the <RUN_MODE>.yaml settings overlay")
		versionPath = flag.String("version-file", "version.json", "path to the deployed version.json")
		logLevel    = flag.String("log-level", "info", "log level: debug | info | warn | error")
	)
	flag.Parse()

	s, err := settings.Load(*configDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := newLogger(*logLevel, s.HumanLogs)
	slog.SetDefault(logger)

	logger.Info("channelserver starting", slog.String("addr", s.Addr()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── GeoIP database ────────────────────────────────────────────────────────
	geo, err := meta.OpenDB(s.MMDBLoc, logger)
	if err != nil {
		logger.Error("failed to open geoip database", slog.Any("error", err))
		os.Exit(1)
	}
	defer geo.Close()
	logger.Info("geoip database loaded", slog.String("path", s.MMDBLoc))

	// ── Metrics sink ──────────────────────────────────────────────────────────
	statsdAddr, statsdEnabled := s.StatsdAddr()
	sink, err := metrics.New(statsdAddr, s.MetricName, logger)
	if err != nil {
		logger.Error("failed to connect statsd sink", slog.Any("error", err))
		os.Exit(1)
	}
	defer sink.Close()
	if statsdEnabled {
		logger.Info("statsd sink connected", slog.String("addr", statsdAddr))
	} else {
		logger.Warn("no statsd host configured; metrics disabled")
	}

	// ── IP reputation client ──────────────────────────────────────────────────
	rep := reputation.New(s.IPReputationServer, s.IPViolation, s.IPRepMin, logger)
	if s.IPReputationServer == "" {
		logger.Warn("no reputation server configured; abuse checks disabled")
	}

	// ── Channel broker ────────────────────────────────────────────────────────
	b := broker.New(s, sink, rep, logger)
	brokerDone := make(chan struct{})
	go func() {
		defer close(brokerDone)
		b.Run(ctx)
	}()

	// ── HTTP server ───────────────────────────────────────────────────────────
	versionDoc, err := os.ReadFile(*versionPath)
	if err != nil {
		logger.Warn("cannot read version file", slog.Any("error", err))
		versionDoc = []byte("{}")
	}

	deriver := &meta.Deriver{
		Trusted:     meta.NewTrustedProxies(s.TrustedProxyEntries(), logger),
		Geo:         geo,
		DefaultLang: s.DefaultLang,
		Logger:      logger,
	}
	srv := server.NewServer(server.Options{
		Settings:   s,
		Broker:     b,
		Deriver:    deriver,
		Reputation: rep,
		Metrics:    sink,
		Logger:     logger,
		VersionDoc: versionDoc,
	})

	httpServer := &http.Server{
		Addr:    s.Addr(),
		Handler: server.NewRouter(srv),
		// Only header reading is bounded: upgraded sockets manage their own
		// deadlines, and a whole-request timeout would kill them.
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// ── Serve until shutdown signal or fatal error ────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	if err := serve(logger, httpServer, cancel, brokerDone, sigCh); err != nil {
		os.Exit(1)
	}
	logger.Info("channelserver exited cleanly")
}

// serve runs the HTTP server until a shutdown signal arrives or the server
// itself fails, then drains the server and the broker. The returned error is
// the server failure, if any; main turns it into a non-zero exit so a
// supervisor can tell a port conflict from a clean stop.
func serve(logger *slog.Logger, httpServer *http.Server, stopBroker func(), brokerDone <-chan struct{}, sigCh <-chan os.Signal) error {
	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(httpErrCh)
	}()

	var serveErr error
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
			serveErr = err
		}
	}

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	// Stopping the broker closes every delivery channel, which ends any
	// sessions that survived the HTTP drain.
	stopBroker()
	select {
	case <-brokerDone:
	case <-shutdownCtx.Done():
		logger.Warn("broker drain timed out")
	}

	return serveErr
}

// newLogger constructs a *slog.Logger writing to stderr at the requested
// minimum level, as JSON records or, when human is set, readable text.
func newLogger(level string, human bool) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: l}
	if human {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
