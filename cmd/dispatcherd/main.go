package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hookline/hookline/internal/config"
	"github.com/hookline/hookline/internal/db"
	"github.com/hookline/hookline/internal/dispatch"
	"github.com/hookline/hookline/internal/endpoint"
	"github.com/hookline/hookline/internal/health"
	"github.com/hookline/hookline/internal/ingest"
	"github.com/hookline/hookline/internal/logging"
	"github.com/hookline/hookline/internal/metrics"
	"github.com/hookline/hookline/internal/store"
	"github.com/hookline/hookline/internal/tracing"
	"github.com/hookline/hookline/internal/transport"
)

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize structured logging
	logger := logging.New("hookline-dispatcher")

	// Initialize OpenTelemetry tracing
	shutdown, err := tracing.InitTracing(ctx, "hookline-dispatcher")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	// DB connect
	pool, err := db.Connect(ctx, cfg.DSN(), "hookline-dispatcher")
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	if err := store.EnsureSchema(ctx, pool); err != nil {
		logger.Plain().WithError(err).Fatal("schema init failed")
	}

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// HTTP health/metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler("hookline-dispatcher", pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Dispatcher.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("dispatcher HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("dispatcher HTTP server failed")
		}
	}()

	// Dead letter producer
	var producer *nsq.Producer
	if cfg.Dispatcher.PublishDeadLetters {
		producer, err = nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer creation failed")
		}
		defer producer.Stop()
	}

	deliveries := store.New(pool)
	endpoints := endpoint.NewStore(pool)

	var pub dispatch.Publisher
	if producer != nil {
		pub = producer
	}
	dispatcher := dispatch.New(deliveries, endpoints, transport.NewHTTP(), pub, dispatch.Config{
		PollInterval:       cfg.Dispatcher.PollInterval,
		BatchSize:          cfg.Dispatcher.BatchSize,
		Workers:            cfg.Dispatcher.Workers,
		JitterPercent:      cfg.Dispatcher.JitterPercent,
		PublishDeadLetters: cfg.Dispatcher.PublishDeadLetters,
		DeadLetterTopic:    cfg.NSQ.DeadLetterTopic,
	}, logger)

	// NSQ nudge consumer: deliveries created by ingestd trigger an
	// immediate poll instead of waiting out the interval.
	consumer, err := nsq.NewConsumer(cfg.NSQ.NudgeTopic, cfg.NSQ.DispatchChannel, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		var n ingest.Nudge
		if err := json.Unmarshal(m.Body, &n); err != nil {
			logger.Plain().WithError(err).Error("bad nudge payload")
			return nil // terminal: don't retry bad payloads
		}
		dispatcher.Nudge()
		return nil
	}))
	// Connecting directly to NSQD forces channel creation, instead of the channel being lazily created on first publish
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	go dispatcher.MonitorQueueDepth(ctx, 15*time.Second)
	go dispatcher.Run(ctx)

	logger.Plain().Info("dispatcher service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down dispatcher service")
	cancel()
	consumer.Stop()
	<-consumer.StopChan
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("dispatcher service stopped")
}
