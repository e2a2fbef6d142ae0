package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hookline/hookline/internal/auth"
	"github.com/hookline/hookline/internal/config"
	"github.com/hookline/hookline/internal/db"
	"github.com/hookline/hookline/internal/endpoint"
	"github.com/hookline/hookline/internal/health"
	"github.com/hookline/hookline/internal/ingest"
	"github.com/hookline/hookline/internal/logging"
	"github.com/hookline/hookline/internal/metrics"
	"github.com/hookline/hookline/internal/store"
	"github.com/hookline/hookline/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("hookline-ingest")

	shutdown, err := tracing.InitTracing(ctx, "hookline-ingest")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN(), "hookline-ingest")
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	if err := store.EnsureSchema(ctx, pool); err != nil {
		logger.Plain().WithError(err).Fatal("schema init failed")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer producer.Stop()

	svc := ingest.NewService(store.New(pool), endpoint.NewStore(pool), producer, cfg.NSQ.NudgeTopic, logger)

	api := http.NewServeMux()
	api.HandleFunc("/healthz", health.HTTPHandler("hookline-ingest", pool))
	api.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	var handler http.Handler = svc.Routes()
	if cfg.Ingest.JWTPublicKey != "" {
		validator, err := auth.NewJWTValidator(cfg.Ingest.JWTPublicKey, cfg.Ingest.JWTIssuer, cfg.Ingest.JWTAudience)
		if err != nil {
			logger.Plain().WithError(err).Fatal("jwt validator creation failed")
		}
		handler = validator.HTTPMiddleware(handler)
	} else {
		logger.Plain().Warn("JWT_PUBLIC_KEY not set, ingest API is unauthenticated")
	}
	api.Handle("/v1/", handler)

	httpSrv := &http.Server{Addr: cfg.Ingest.HTTPPort, Handler: api}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("ingest HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("ingest HTTP server failed")
		}
	}()

	logger.Plain().Info("ingest service started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down ingest service")
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("ingest service stopped")
}
