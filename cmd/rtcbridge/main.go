package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"rtcbridge-server/pkg/config"
	http_server "rtcbridge-server/pkg/http"
	"rtcbridge-server/pkg/media"
	"rtcbridge-server/pkg/messaging"
	"rtcbridge-server/pkg/metrics"
	"rtcbridge-server/pkg/rtpproxy"
	"rtcbridge-server/pkg/sdp"
	"rtcbridge-server/pkg/signaling"
)

var logger = logrus.New()

func main() {
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetOutput(os.Stdout)

	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	cfg.SetupLogger(logger)
	sdp.SetLogger(logger)

	metrics.SetEnabled(cfg.HTTP.EnableMetrics)
	if cfg.HTTP.EnableMetrics {
		metrics.Init(logger)
	}

	proxy, err := rtpproxy.NewClient(cfg.RTPProxy.Host, cfg.RTPProxy.Port, cfg.RTPProxy.Timeout, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to set up media relay control channel")
	}
	defer proxy.Close()

	probeCtx, probeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	version, err := proxy.GetVersion(probeCtx)
	probeCancel()
	if err != nil {
		// The relay may come up later; calls fail with 500 until it does
		logger.WithError(err).Warn("Media relay is not responding")
	} else {
		logger.WithField("version", version).Info("Connected to media relay")
	}

	manager := media.NewManager(proxy, cfg.RTPProxy.ForceInterwork, logger)

	var events signaling.EventSink
	if cfg.Messaging.Enabled() {
		publisher := messaging.NewAMQPPublisher(cfg.Messaging, logger)
		if err := publisher.Connect(); err != nil {
			logger.WithError(err).Warn("AMQP broker unavailable, call events will be dropped until it reconnects")
		}
		defer publisher.Disconnect()
		events = publisher
	}

	hub := signaling.NewHub(manager, events, logger)

	server := http_server.NewServer(&cfg.HTTP, hub, logger)
	server.SetRelayCheck(func(ctx context.Context) error {
		_, err := proxy.GetVersion(ctx)
		return err
	})
	server.SetRelayDiagnostics(proxy)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil {
			logger.WithError(err).Fatal("HTTP server failed")
		}
		return
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown failed")
	}
	if err := proxy.CloseActiveSessions(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to close active relay sessions")
	}

	logger.Info("Shutdown complete")
}
