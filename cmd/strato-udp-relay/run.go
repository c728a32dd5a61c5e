package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stratovm/udp-relay/internal/auth"
	"github.com/stratovm/udp-relay/internal/config"
	"github.com/stratovm/udp-relay/internal/httpserver"
	"github.com/stratovm/udp-relay/internal/logging"
	"github.com/stratovm/udp-relay/internal/meter"
	"github.com/stratovm/udp-relay/internal/relay"
	"github.com/stratovm/udp-relay/internal/rtc"
	"github.com/stratovm/udp-relay/internal/signaling"
	"github.com/stratovm/udp-relay/internal/udpws"
)

func runDaemon(ctx context.Context, cfg *config.Config) error {
	log := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	warnInsecureSettings(cfg, log)

	policy, err := cfg.EgressPolicy()
	if err != nil {
		return err
	}

	var verifier auth.Verifier
	if secret, err := cfg.AuthSecret(); err != nil {
		return err
	} else if secret != nil {
		v, err := auth.NewHMACVerifier(secret)
		if err != nil {
			return err
		}
		verifier = v
	}

	netCfg, err := cfg.NetworkSettings()
	if err != nil {
		return err
	}
	api, err := rtc.NewAPI(netCfg, log)
	if err != nil {
		return err
	}

	metrics := meter.New()
	sessions := relay.NewSessionManager(cfg.SessionSettings(), metrics)
	defer sessions.CloseAll()

	checkOrigin := httpserver.NewOriginChecker(cfg.Server.AllowedOrigins)

	srv := httpserver.New(httpserver.Options{
		Addr:              cfg.Server.ListenAddr,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}, log, httpserver.BuildInfo{Version: version, Commit: commit, BuildTime: buildTime})

	srv.Mux().Handle("GET /signal", signaling.NewServer(signaling.Config{
		Sessions:          sessions,
		API:               api,
		Network:           netCfg,
		RelayCfg:          cfg.RelaySettings(),
		Policy:            policy,
		Verifier:          verifier,
		AuthTimeout:       cfg.Signaling.AuthTimeout,
		MaxMessageBytes:   int64(cfg.Signaling.MaxMessageBytes),
		MessagesPerSecond: cfg.Signaling.MessagesPerSecond,
		CheckOrigin:       checkOrigin,
		Metrics:           metrics,
		Log:               log,
	}))

	srv.Mux().Handle("GET /udp", udpws.NewServer(udpws.Config{
		Sessions:    sessions,
		RelayCfg:    cfg.RelaySettings(),
		Policy:      policy,
		Verifier:    verifier,
		CheckOrigin: checkOrigin,
		Metrics:     metrics,
		Log:         log,
	}))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, httpserver.ErrServerClosed) {
			errCh <- err
		}
	}()

	var metricsSrv *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		log.Info("metrics server serving", "addr", cfg.Server.MetricsAddr)
		go func() {
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return srv.Shutdown(shutdownCtx)
}

// warnInsecureSettings calls out configurations that must not reach
// production: they turn the relay into an open UDP pivot.
func warnInsecureSettings(cfg *config.Config, log *slog.Logger) {
	if cfg.Auth.Mode == "none" {
		log.Warn("authentication is disabled; any client reaching this address can open sessions")
	}
	if cfg.Policy.Preset == "dev" {
		log.Warn("destination policy preset is dev; private and loopback ranges are reachable")
	}
	if cfg.Relay.AllowUnsolicitedInbound {
		log.Warn("unsolicited inbound forwarding is enabled; reply allowlists are bypassed")
	}
}
