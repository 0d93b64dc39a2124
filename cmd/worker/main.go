package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_mail/internal/config"
	"github.com/austindbirch/harbor_mail/internal/db"
	"github.com/austindbirch/harbor_mail/internal/delivery"
	"github.com/austindbirch/harbor_mail/internal/email"
	"github.com/austindbirch/harbor_mail/internal/health"
	"github.com/austindbirch/harbor_mail/internal/logging"
	"github.com/austindbirch/harbor_mail/internal/metrics"
	"github.com/austindbirch/harbor_mail/internal/outbox"
	"github.com/austindbirch/harbor_mail/internal/tracing"
)

const serviceName = "harbormail-worker"

// newGateway builds the email transport selected by EMAIL_MODE.
func newGateway(cfg config.Email) (email.Gateway, error) {
	switch cfg.Mode {
	case "api":
		return email.NewAPIClient(cfg.BaseURL, cfg.Sender, cfg.AuthToken, cfg.Timeout)
	case "smtp":
		return email.NewSMTPClient(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.Sender, cfg.SenderName)
	default:
		return nil, fmt.Errorf("unknown email mode %q", cfg.Mode)
	}
}

func workerOptions(cfg config.Worker, dl *delivery.DeadLetters, logger *logging.Logger) delivery.Options {
	return delivery.Options{
		PollInterval: cfg.PollInterval,
		Lease:        cfg.Lease,
		MaxAttempts:  cfg.MaxAttempts,
		Policy: delivery.RetryPolicy{
			Base:      cfg.BackoffBase,
			Max:       cfg.BackoffMax,
			JitterPct: cfg.JitterPct,
		},
		DeadLetters: dl,
		Logger:      logger,
	}
}

func main() {
	logger := logging.New(serviceName)
	logging.SetDefaultService(serviceName)
	defer logger.Sync()

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, serviceName, cfg.Tracing)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer func() {
		// ctx is already cancelled on shutdown; flushing needs its own deadline
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Plain().WithError(err).Warn("flushing traces failed")
		}
	}()

	pool, err := db.Connect(ctx, cfg.DSN(), int32(cfg.Worker.Concurrency)+2)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	gateway, err := newGateway(cfg.Email)
	if err != nil {
		logger.Plain().WithError(err).Fatal("email gateway setup failed")
	}

	var deadLetters *delivery.DeadLetters
	if cfg.NSQ.PublishDead {
		producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for dead letters creation failed")
		}
		defer producer.Stop()
		deadLetters = delivery.NewDeadLetters(producer, cfg.NSQ.DeadLetterTopic)
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool, nil))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPAddr, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	workers := delivery.NewPool(cfg.Worker.Concurrency, cfg.Worker.ID, outbox.NewRepository(pool), gateway,
		workerOptions(cfg.Worker, deadLetters, logger))
	logger.Plain().WithFields(map[string]any{
		"workers":      cfg.Worker.Concurrency,
		"email_mode":   cfg.Email.Mode,
		"max_attempts": cfg.Worker.MaxAttempts,
		"dead_letters": deadLetters != nil,
	}).Info("worker pool starting")

	if err := workers.Run(ctx); err != nil {
		logger.Plain().WithError(err).Error("worker pool stopped with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("worker stopped")
}
