// Command crabletd is the composition-root daemon: it connects to
// PostgreSQL, runs the embedded migrations, builds an EventStore and a
// CommandExecutor, registers configured outbox workers, and serves until an
// OS signal requests shutdown. Grounded on the teacher's internal/web-app
// bootstrap (config-from-env, pgxpool.Config tuning, retry-connect loop),
// stripped of its HTTP handler layer since this daemon has no API surface of
// its own. It registers no command handlers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	_ "go.uber.org/automaxprocs"

	"github.com/rodolfodpk/crablet/dcb"
	"github.com/rodolfodpk/crablet/metrics"
	"github.com/rodolfodpk/crablet/outbox"
	"github.com/rodolfodpk/crablet/outbox/kafka"
)

func main() {
	log := logrus.NewEntry(logrus.StandardLogger())
	logrus.SetFormatter(&logrus.JSONFormatter{})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := connectWithRetry(ctx, log)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool); err != nil {
		log.WithError(err).Fatal("failed to run migrations")
	}

	store, err := dcb.NewEventStoreWithConfig(ctx, pool, eventStoreConfigFromEnv(), log)
	if err != nil {
		log.WithError(err).Fatal("failed to create event store")
	}

	registry := dcb.NewCommandRegistry()
	_ = dcb.NewExecutor(store, registry, log)
	// No command handlers are registered on this registry: crabletd itself
	// is domain-agnostic.

	bus := metrics.NewBus(256)
	sink := metrics.NewLoggingSink(log)
	subCh, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	go sink.Run(subCh)

	instanceID := instanceIDFromEnv()
	manager := outbox.NewManager(pool, store, bus, instanceID, log)

	for _, reg := range outboxRegistrationsFromEnv(log) {
		manager.Register(ctx, reg.topic, reg.publisher, reg.cfg)
	}

	log.WithField("instance_id", instanceID).Info("crabletd started")
	<-ctx.Done()
	log.Info("shutdown signal received, draining outbox workers")
	manager.Shutdown()
	log.Info("crabletd stopped")
}

func connectWithRetry(ctx context.Context, log *logrus.Entry) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		envOr("DB_USER", "crablet"),
		envOr("DB_PASSWORD", "crablet"),
		envOr("DB_HOST", "localhost"),
		envOr("DB_PORT", "5432"),
		envOr("DB_NAME", "crablet"),
	)

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	cfg.MaxConns = int32(envInt("DB_MAX_CONNS", 20))
	cfg.MinConns = int32(envInt("DB_MIN_CONNS", 5))
	cfg.MaxConnLifetime = 10 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	const maxRetries = 30
	const retryDelay = 2 * time.Second

	var pool *pgxpool.Pool
	for attempt := 1; attempt <= maxRetries; attempt++ {
		pool, err = pgxpool.NewWithConfig(ctx, cfg)
		if err == nil {
			return pool, nil
		}
		log.WithError(err).WithField("attempt", attempt).Warn("database connection failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return nil, fmt.Errorf("connect to database after %d attempts: %w", maxRetries, err)
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	scripts, err := dcb.Migrations()
	if err != nil {
		return err
	}
	for i, script := range scripts {
		if _, err := pool.Exec(ctx, script); err != nil {
			return fmt.Errorf("applying migration %d: %w", i, err)
		}
	}
	return nil
}

func eventStoreConfigFromEnv() dcb.EventStoreConfig {
	isolation, err := dcb.ParseIsolationLevel(envOr("CRABLET_ISOLATION", "READ_COMMITTED"))
	if err != nil {
		isolation = dcb.IsolationLevelReadCommitted
	}
	return dcb.EventStoreConfig{
		PersistCommands:      envBool("CRABLET_PERSIST_COMMANDS", true),
		TransactionIsolation: isolation,
		FetchSize:            envInt("CRABLET_FETCH_SIZE", 1000),
		QueryTimeoutMs:       envInt("CRABLET_QUERY_TIMEOUT_MS", 15000),
		AppendTimeoutMs:      envInt("CRABLET_APPEND_TIMEOUT_MS", 15000),
		MaxBatchSize:         envInt("CRABLET_MAX_BATCH_SIZE", 1000),
	}.Normalize()
}

type outboxRegistration struct {
	topic     outbox.Topic
	publisher outbox.Publisher
	cfg       outbox.Config
}

// outboxRegistrationsFromEnv wires the one outbox topic/publisher pair this
// daemon's environment describes; a deployment running several topics runs
// several crabletd instances, or extends this into a small declarative
// config file once that need arises.
func outboxRegistrationsFromEnv(log *logrus.Entry) []outboxRegistration {
	topicName := os.Getenv("OUTBOX_TOPIC")
	if topicName == "" {
		return nil
	}

	topic := outbox.Topic{
		Name:       topicName,
		EventTypes: splitNonEmpty(os.Getenv("OUTBOX_EVENT_TYPES")),
	}

	brokers := splitNonEmpty(os.Getenv("KAFKA_BROKERS"))
	if len(brokers) == 0 {
		log.Warn("OUTBOX_TOPIC set but KAFKA_BROKERS is empty, outbox worker not started")
		return nil
	}

	publisher, err := kafka.NewPublisher(kafka.Config{
		Brokers: brokers,
		Topic:   envOr("KAFKA_TOPIC", topicName),
	})
	if err != nil {
		log.WithError(err).Warn("failed to construct kafka publisher, outbox worker not started")
		return nil
	}

	cfg := outbox.Config{
		PollingInterval: time.Duration(envInt("OUTBOX_POLL_MS", 500)) * time.Millisecond,
		BatchSize:       envInt("OUTBOX_BATCH_SIZE", 100),
		MaxRetries:      envInt("OUTBOX_MAX_RETRIES", 5),
	}.Normalize()

	return []outboxRegistration{{topic: topic, publisher: publisher, cfg: cfg}}
}

func instanceIDFromEnv() string {
	if id := os.Getenv("INSTANCE_ID"); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "crabletd"
	}
	return host
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
