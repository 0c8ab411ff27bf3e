package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/portfolio-authz/pkg/config"
	"github.com/platinummonkey/portfolio-authz/pkg/observability"
)

// portfolio-authz serves the portfolio authorization API, runs the
// invitation sweeper and ships rotated audit files on a schedule
func main() {
	configPath := flag.String("config", os.Getenv(config.EnvConfigFile), "Path to a YAML config file")
	bootLevel := flag.String("log-level", "info", "Log level used until the config is loaded")
	flag.Parse()

	boot := setupLogger(*bootLevel)
	boot.Info("Starting portfolio authorization service")

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot.Fatalf("Failed to load configuration: %v", err)
	}
	boot.WithFields(logrus.Fields{
		"storage": cfg.Storage.Type,
		"port":    cfg.Server.Port,
		"health":  cfg.Server.HealthPort,
	}).Info("Configuration loaded")

	if err := run(cfg, *configPath); err != nil {
		boot.Fatalf("Service exited with error: %v", err)
	}
	boot.Info("Service stopped")
}

func setupLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}

func run(cfg *config.Config, configPath string) error {
	logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs := cfg.Observability
	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:        obs.OTelEnabled,
		Endpoint:       obs.OTelEndpoint,
		ServiceName:    obs.OTelServiceName,
		ServiceVersion: obs.OTelServiceVersion,
		Insecure:       obs.OTelInsecure,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = observability.ShutdownTracing(shutdownCtx, tp, logger)
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.WithError(err).Warn("error releasing resources")
		}
	}()

	scheduler, err := a.scheduler(ctx)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() {
		<-scheduler.Stop().Done()
	}()

	apiSrv, opsSrv := a.apiServer(), a.opsServer()
	apiLn, err := net.Listen("tcp", apiSrv.Addr)
	if err != nil {
		return err
	}
	opsLn, err := net.Listen("tcp", opsSrv.Addr)
	if err != nil {
		apiLn.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", apiSrv.Addr).Info("API server listening")
		return a.serve(gctx, apiSrv, apiLn)
	})
	g.Go(func() error {
		logger.WithField("addr", opsSrv.Addr).Info("health and metrics server listening")
		return a.serve(gctx, opsSrv, opsLn)
	})
	if configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, configPath, logger, func(next *config.Config) {
				logger.SetLevel(next.Observability.Level())
			})
		})
	}

	err = g.Wait()
	logger.Info("shutting down")
	return err
}
