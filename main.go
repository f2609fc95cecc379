// Package main implements the satbridge streaming device server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dvbkit/satbridge/config"
	"github.com/dvbkit/satbridge/handlers"
	"github.com/dvbkit/satbridge/internal/device"
	"github.com/dvbkit/satbridge/internal/discover"
	"github.com/dvbkit/satbridge/internal/filter"
	"github.com/dvbkit/satbridge/internal/testfeed"
)

func main() {
	// Configure logrus
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	cfg, err := config.New()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	// Set log level based on config
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to parse log level")
	}
	logrus.SetLevel(level)

	logger := logrus.StandardLogger()

	specs, err := discover.LoadSpecs(cfg.ServersFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load server inventory")
	}
	disc, err := discover.NewPool(specs, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build server pool")
	}

	settings, err := deviceSettings(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to translate device settings")
	}

	filters := func(i int, l *logrus.Logger) device.FilterTable {
		return filter.NewTable(i, l)
	}
	pool := device.NewPool(cfg.Devices, settings, disc, testfeed.Factory(logger), filters, nil, logger)

	mux := http.NewServeMux()
	setupRoutes(mux, pool)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handlers.LoggingMiddleware(logger)(mux),
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutting down server...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Failed to gracefully shutdown")
		}
	}()

	logger.WithField("port", cfg.Port).Info("Starting satbridge server")
	logger.WithField("endpoint", fmt.Sprintf("http://localhost:%d/status", cfg.Port)).Info("Status endpoint")
	logger.WithField("endpoint", fmt.Sprintf("http://localhost:%d/devices.json", cfg.Port)).Info("Device list endpoint")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Fatal("Failed to start server")
	}

	<-ctx.Done()
	pool.Close()
	logger.Info("Server stopped")
	cancel()
}

// deviceSettings translates the validated flag values into the device
// pool's settings.
func deviceSettings(cfg *config.Config) (device.Settings, error) {
	mode, err := device.ParseMode(cfg.Mode)
	if err != nil {
		return device.Settings{}, err
	}

	disabled, err := cfg.DisabledSourceList()
	if err != nil {
		return device.Settings{}, err
	}

	return device.Settings{
		BufferBytes:     cfg.BufferBytes,
		Mode:            mode,
		FrontendReuse:   cfg.FrontendReuse,
		Detached:        cfg.Detached,
		DisabledSources: disabled,
		CICams:          [2]int{cfg.CICam1, cfg.CICam2},
		EITScan:         cfg.EITScan,
	}, nil
}

func setupRoutes(mux *http.ServeMux, pool *device.Pool) {
	mux.Handle("/status", handlers.StatusHandler(pool))
	mux.Handle("/devices.json", handlers.DevicesHandler(pool))
	mux.Handle("/devices/", handlers.DeviceInfoHandler(pool))

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}
