/*


Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/framepulse/power-hint-advisor/internal/api"
	"github.com/framepulse/power-hint-advisor/internal/config"
	"github.com/framepulse/power-hint-advisor/internal/feed"
	"github.com/framepulse/power-hint-advisor/internal/hal"
	"github.com/framepulse/power-hint-advisor/internal/hints"
	"github.com/framepulse/power-hint-advisor/internal/monitoring"
	"github.com/framepulse/power-hint-advisor/internal/trace"
)

const (
	readHeaderTimeout   = 10 * time.Second
	httpShutdownTimeout = 5 * time.Second
)

func main() {
	var configDir string
	flag.StringVar(&configDir, "config-dir", "", "Directory searched first for the hintagent config file.")
	flag.Parse()

	cfg, err := config.Load(configDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "loading configuration failed:", err)
		os.Exit(1)
	}

	logger, flush, err := buildLogger(cfg.LogVerbosity)
	if err != nil {
		fmt.Fprintln(os.Stderr, "building logger failed:", err)
		os.Exit(1)
	}
	defer flush()
	setupLog := logger.WithName("setup")

	setupLog.Info("configuration loaded",
		"powerSocket", cfg.PowerSocketPath,
		"feedSocket", cfg.FeedSocketPath,
		"apiListen", cfg.APIListenAddr,
		"hintsEnabled", cfg.HintsEnabled,
		"traceEnabled", cfg.TraceEnabled)

	registry := prometheus.NewRegistry()

	var tracer hints.SessionTracer
	var traceStore *trace.Store
	if cfg.TraceEnabled {
		traceStore, err = trace.Open(cfg.DataDir, logger.WithName("trace"))
		if err != nil {
			setupLog.Error(err, "unable to open trace store")
			os.Exit(1)
		}
		defer traceStore.Close()
		tracer = traceStore
		monitoring.RegisterTraceCollectors(registry, traceStore, logger.WithName(monitoring.LogTopName))
	}

	connect := func() (hal.PowerService, error) {
		return hal.Connect(cfg.PowerSocketPath, logger.WithName("hal"))
	}
	advisor := hints.NewAdvisor(connect, cfg.Hints, tracer, logger.WithName("advisor"))
	advisor.Init()
	advisor.EnablePowerHints(cfg.HintsEnabled)
	defer advisor.Close()

	monitoring.RegisterAdvisorCollectors(registry, advisor.Stats, logger.WithName(monitoring.LogTopName))

	feedServer := feed.NewServer(cfg.FeedSocketPath, advisor, logger.WithName("feed"))
	if err := feedServer.Start(); err != nil {
		setupLog.Error(err, "unable to start feed server")
		os.Exit(1)
	}
	defer feedServer.Stop()

	apiServer := api.NewServer(advisor, logger.WithName("api"))
	apiServer.SetFeed(feedServer)
	apiServer.SetMetricsGatherer(registry)
	if traceStore != nil {
		apiServer.SetTraceStore(traceStore)
	}

	httpServer := &http.Server{
		Addr:              cfg.APIListenAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			setupLog.Error(err, "http server failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	setupLog.Info("hint agent started")
	<-ctx.Done()

	setupLog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		setupLog.Error(err, "http server shutdown failed")
	}
}

// buildLogger maps the configured verbosity onto zap levels, where logr
// V-levels correspond to negative zap levels.
func buildLogger(verbosity int) (logr.Logger, func(), error) {
	zapConfig := zap.NewProductionConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.Level = zap.NewAtomicLevelAt(zapcore.Level(-verbosity))

	zapLog, err := zapConfig.Build()
	if err != nil {
		return logr.Logger{}, nil, err
	}

	return zapr.NewLogger(zapLog), func() { _ = zapLog.Sync() }, nil
}
