package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_mail/internal/config"
	"github.com/austindbirch/harbor_mail/internal/db"
	"github.com/austindbirch/harbor_mail/internal/health"
	"github.com/austindbirch/harbor_mail/internal/logging"
	"github.com/austindbirch/harbor_mail/internal/metrics"
	"github.com/austindbirch/harbor_mail/internal/outbox"
)

// NSQStats represents the JSON structure returned by the nsqd stats API
type NSQStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

var (
	deadLetterTopicDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "harbormail_dead_letter_topic_depth",
		Help: "Messages waiting on the dead-letter topic",
	})

	channelDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "harbormail_nsq_channel_depth",
		Help: "Depth of NSQ channels on the dead-letter topic",
	}, []string{"topic", "channel"})
)

type statsSource interface {
	Stats(ctx context.Context) (outbox.Stats, error)
}

// updateOutboxMetrics copies one outbox snapshot into the gauges
func updateOutboxMetrics(ctx context.Context, src statsSource) error {
	st, err := src.Stats(ctx)
	if err != nil {
		return fmt.Errorf("outbox stats: %w", err)
	}
	counts := make(map[string]int64, len(st.ByStatus))
	for status, n := range st.ByStatus {
		counts[string(status)] = n
	}
	metrics.UpdateOutboxDepth(counts)
	metrics.UpdateOldestPending(st.OldestPending)
	return nil
}

func updateNSQMetrics(client *http.Client, nsqdHost, topic string) error {
	resp, err := client.Get(fmt.Sprintf("http://%s/stats?format=json&topic=%s", nsqdHost, topic))
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nsq stats: unexpected status %d", resp.StatusCode)
	}

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	for _, t := range stats.Topics {
		if t.TopicName != topic {
			continue
		}
		deadLetterTopicDepth.Set(float64(t.Depth))
		for _, ch := range t.Channels {
			channelDepth.WithLabelValues(t.TopicName, ch.ChannelName).Set(float64(ch.Depth))
		}
	}
	return nil
}

func main() {
	logger := logging.New("harbormail-outbox-monitor")

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Plain().WithError(err).Fatal("config")
	}
	interval := time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 15)) * time.Second
	nsqdHTTP := os.Getenv("NSQD_HTTP_ADDR") // e.g. nsqd:4151; empty skips NSQ polling

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := db.Connect(ctx, cfg.DSN(), 2)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()
	repo := outbox.NewRepository(pool)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	reg.MustRegister(deadLetterTopicDepth, channelDepth)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", health.HTTPHandler(pool, nil))
	port := getEnv("PORT", "8084")
	srv := &http.Server{Addr: ":" + port, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("HTTP server failed")
		}
	}()

	logger.Plain().WithFields(map[string]any{
		"port":     port,
		"interval": interval.String(),
		"nsqd":     nsqdHTTP,
	}).Info("outbox monitor started")

	client := &http.Client{Timeout: 5 * time.Second}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := updateOutboxMetrics(ctx, repo); err != nil {
			logger.Plain().WithError(err).Error("updating outbox metrics")
		}
		if nsqdHTTP != "" {
			if err := updateNSQMetrics(client, nsqdHTTP, cfg.NSQ.DeadLetterTopic); err != nil {
				logger.Plain().WithError(err).Error("updating NSQ metrics")
			}
		}
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = srv.Shutdown(shutdownCtx)
			cancel()
			logger.Plain().Info("outbox monitor stopped")
			return
		case <-ticker.C:
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
