// Package bootstrap builds the shared runtime pieces of the server, worker and
// admin binaries from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/async-orders/pkg/configuration"
	"github.com/iota-uz/async-orders/pkg/logging"
	"github.com/iota-uz/async-orders/pkg/outbox"
	"github.com/iota-uz/async-orders/pkg/rabbitmq"
)

func Topology(conf *configuration.Configuration) rabbitmq.Topology {
	r := conf.RabbitMQ
	delays := make([]time.Duration, len(r.RetryDelays))
	copy(delays, r.RetryDelays)
	return rabbitmq.Topology{
		Exchange:      r.Exchange,
		Queue:         r.Queue,
		RoutingKey:    r.RoutingKey,
		DLQQueue:      r.DLQQueue,
		DLQRoutingKey: r.DLQRoutingKey,
		Delays:        delays,
		MaxAttempts:   r.MaxAttempts,
	}
}

func OutboxTable(conf *configuration.Configuration) (pgx.Identifier, error) {
	return outbox.ParseIdentifier(conf.Outbox.Table)
}

// NewPool connects to Postgres and pings it once.
func NewPool(ctx context.Context, conf *configuration.Configuration) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, conf.Database.Opts)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func DialBroker(ctx context.Context, conf *configuration.Configuration, logger *logrus.Entry, name string) (*rabbitmq.Session, error) {
	return rabbitmq.Dial(ctx, conf.RabbitMQ.URL(), rabbitmq.DialOptions{
		Attempts:       conf.RabbitMQ.DialAttempts,
		ConnectionName: name,
		Logger:         logger,
	})
}

// Tracing installs the OTLP exporter when enabled; the returned func is
// always safe to call.
func Tracing(ctx context.Context, conf *configuration.Configuration, logger *logrus.Logger) func() {
	if !conf.OpenTelemetry.Enabled {
		return func() {}
	}
	cleanup := logging.SetupTracing(ctx, conf.OpenTelemetry.ServiceName, conf.OpenTelemetry.TempoURL)
	logger.Info("OpenTelemetry tracing enabled, exporting to Tempo at " + conf.OpenTelemetry.TempoURL)
	return cleanup
}
