package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/nazeru/checkout-settlement-go/pkg/kafka"
	"github.com/nazeru/checkout-settlement-go/pkg/logging"
	"github.com/nazeru/checkout-settlement-go/pkg/metrics"
	"github.com/nazeru/checkout-settlement-go/pkg/outbox"
)

type cfg struct {
	Port         string
	DatabaseURL  string
	KafkaBrokers string
	Interval     time.Duration
	BatchSize    int
}

func readCfg() (cfg, error) {
	db := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if db == "" {
		return cfg{}, errors.New("DATABASE_URL is required")
	}
	brokers := strings.TrimSpace(os.Getenv("KAFKA_BROKERS"))
	if brokers == "" {
		return cfg{}, errors.New("KAFKA_BROKERS is required")
	}
	intervalMS, _ := strconv.Atoi(getenv("RELAY_INTERVAL_MS", "500"))
	batch, _ := strconv.Atoi(getenv("RELAY_BATCH_SIZE", "100"))

	return cfg{
		Port:         getenv("PORT", "8080"),
		DatabaseURL:  db,
		KafkaBrokers: brokers,
		Interval:     time.Duration(intervalMS) * time.Millisecond,
		BatchSize:    batch,
	}, nil
}

func main() {
	cfg, err := readCfg()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect error: %v", err)
	}
	defer pool.Close()

	client := kafka.NewClient(cfg.KafkaBrokers)
	if !client.Enabled() {
		log.Fatal("no kafka brokers configured")
	}

	srvMetrics := metrics.NewServerMetrics("outbox_relay")

	go relayLoop(pool, client, cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "db_error"})
			srvMetrics.Requests.WithLabelValues("health", "503").Inc()
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		srvMetrics.Requests.WithLabelValues("health", "200").Inc()
	})
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.Printf("outbox-relay listening on :%s (interval=%s)", cfg.Port, cfg.Interval)
	log.Fatal(srv.ListenAndServe())
}

// relayLoop drains unsent outbox rows to Kafka. A row is marked sent only
// after the broker acks, so delivery is at-least-once; consumers dedupe on
// event_id.
func relayLoop(pool *pgxpool.Pool, client *kafka.Client, cfg cfg) {
	writers := map[string]*kafkago.Writer{}
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		records, err := outbox.FetchPending(ctx, pool, cfg.BatchSize)
		if err != nil {
			log.Printf("outbox fetch error: %v", err)
			cancel()
			time.Sleep(cfg.Interval)
			continue
		}

		for _, rec := range records {
			writer, ok := writers[rec.Topic]
			if !ok {
				writer = client.NewWriter(rec.Topic)
				writers[rec.Topic] = writer
			}
			if err := kafka.PublishJSON(ctx, writer, rec.Key, json.RawMessage(rec.Payload)); err != nil {
				log.Printf("publish error for event %s: %v", rec.EventID, err)
				break
			}
			if err := outbox.MarkSent(ctx, pool, rec.ID); err != nil {
				log.Printf("mark sent error for event %s: %v", rec.EventID, err)
				break
			}
			logging.Log(logging.Fields{Service: "outbox-relay", EventID: rec.EventID, Step: "relay", Status: "sent"})
		}
		cancel()
		time.Sleep(cfg.Interval)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func getenv(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}
