package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

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
	logger.Info("starting campaign api", "version", version, "commit", commit, "date", date)

	shutdownTracing, err := telemetry.Init(telemetry.Config{ServiceName: cfg.ServiceName + "-api", TracingURL: cfg.TracingURL})
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		return
	}
	defer shutdownTracing()

	// transport (tcp for now)
	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.Server.ReadBufferSize = 1024 * 16
	s.Server.WriteBufferSize = 1024 * 16
	s.Use(xhttp.CompressMiddleware(6))
	// sync executions run the whole audience inline
	s.Use(xhttp.TimeoutMiddleware(time.Minute * 5))
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.RecoverMiddleware)
	s.Router = xhttp.CreateDefaultRouter()

	a, err := app.Build(context.Background(), cfg)
	if err != nil {
		logger.Error("failed to build the pipeline", "error", err)
		return
	}
	defer a.Close()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if err := prom.Create(hostname, cfg.AppEnv, cfg.PromNamespace); err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}
	prom.Register(s, cfg.MetricsURI)

	// v1 handlers
	campaignHandler := handlers.NewCampaignHandler(a.Executor)
	healthHandler := handlers.NewHealthHandler(map[string]handlers.Pinger{
		"postgres": a.DB,
		"redis":    a.Redis,
	})

	g := s.Router.Group("/api/v1")
	handlers.RegisterCampaignRoutes(g, campaignHandler)
	handlers.RegisterHealthRoutes(g, healthHandler)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		var err = s.ListenAndServe(cfg.HttpListenAddr)
		if err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	}()

	<-c
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
