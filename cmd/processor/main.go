package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nimasrn/campaign-pipeline/internal/app"
	"github.com/nimasrn/campaign-pipeline/internal/config"
	"github.com/nimasrn/campaign-pipeline/internal/handlers"
	xhttp "github.com/nimasrn/campaign-pipeline/pkg/http"
	"github.com/nimasrn/campaign-pipeline/pkg/logger"
	"github.com/nimasrn/campaign-pipeline/pkg/prom"
	"github.com/nimasrn/campaign-pipeline/pkg/telemetry"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {

	err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}
	cfg := config.Get()
	logger.Info("starting delivery worker", "version", version, "commit", commit, "date", date)

	shutdownTracing, err := telemetry.Init(telemetry.Config{ServiceName: cfg.ServiceName + "-worker", TracingURL: cfg.TracingURL})
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		return
	}
	defer shutdownTracing()

	ctx := context.Background()
	a, err := app.Build(ctx, cfg)
	if err != nil {
		logger.Error("failed to build the pipeline", "error", err)
		return
	}
	defer a.Close()

	service, err := a.NewProcessorService()
	if err != nil {
		logger.Error("failed to create the processor", "error", err)
		return
	}

	var hostname string
	hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	err = prom.Create(hostname, cfg.AppEnv, cfg.PromNamespace)
	if err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}

	// metrics and probes
	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.Use(xhttp.RecoverMiddleware)
	s.Router = xhttp.CreateDefaultRouter()
	prom.Register(s, cfg.MetricsURI)
	handlers.RegisterHealthRoutes(s.Router.Group("/api/v1"), handlers.NewHealthHandler(map[string]handlers.Pinger{
		"postgres": a.DB,
		"redis":    a.Redis,
		"worker":   handlers.PingFunc(service.HealthCheck),
	}))

	go func() {
		if err := s.ListenAndServe(cfg.HttpListenAddr); err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	}()

	if err := service.Start(); err != nil {
		logger.Error("failed to start processor", "error", err)
		service.Stop()
		return
	}
	if err := a.Reconciler.Start(); err != nil {
		logger.Error("failed to start reconciler", "error", err)
		service.Stop()
		return
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	a.Reconciler.Stop()
	service.Stop()
	s.Shutdown()
}

func argContainsEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Open(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	return ""
}
