package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/async-orders/internal/bootstrap"
	"github.com/iota-uz/async-orders/internal/server"
	"github.com/iota-uz/async-orders/modules/orders"
	"github.com/iota-uz/async-orders/pkg/application"
	"github.com/iota-uz/async-orders/pkg/configuration"
	"github.com/iota-uz/async-orders/pkg/metrics"
	"github.com/iota-uz/async-orders/pkg/outbox"
	rabbitdispatcher "github.com/iota-uz/async-orders/pkg/outbox/dispatchers/rabbitmq"
	"github.com/iota-uz/async-orders/pkg/rabbitmq"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			configuration.Use().Unload()
			log.Println(r)
			debug.PrintStack()
			os.Exit(1)
		}
	}()

	conf := configuration.Use()
	defer conf.Unload()
	logger := conf.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defer bootstrap.Tracing(ctx, conf, logger)()

	pool, err := bootstrap.NewPool(ctx, conf)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to database")
	}
	defer pool.Close()

	table, err := bootstrap.OutboxTable(conf)
	if err != nil {
		logger.WithError(err).Fatal("invalid outbox table")
	}

	app := application.New()
	module := orders.NewModule(orders.Options{
		Pool:          pool,
		Outbox:        outbox.NewWriter(table),
		Logger:        logger.WithField("component", "orders"),
		APIMiddleware: server.RateLimit(conf, logger),
	})
	if err := module.Register(app); err != nil {
		log.Fatalf("failed to load module %s: %v", module.Name(), err)
	}
	if conf.Prometheus.Enabled {
		app.RegisterControllers(metrics.NewPrometheusController(conf.Prometheus.Path, nil))
	}

	var wg sync.WaitGroup
	startOutboxBackground(ctx, &wg, conf, pool, logger)

	serverInstance, err := server.Default(&server.DefaultOptions{
		Logger:        logger,
		Configuration: conf,
		Application:   app,
		Pool:          pool,
	})
	if err != nil {
		log.Fatalf("failed to create server: %v", err)
	}
	logger.Infof("Listening on: %s", conf.SocketAddress)
	if err := serverInstance.Serve(ctx, conf.SocketAddress); err != nil {
		logger.WithError(err).Error("server stopped")
	}
	stop()
	wg.Wait()
}

func startOutboxBackground(
	ctx context.Context,
	wg *sync.WaitGroup,
	conf *configuration.Configuration,
	pool *pgxpool.Pool,
	logger *logrus.Logger,
) {
	outboxLog := logger.WithField("component", "outbox")

	table, err := bootstrap.OutboxTable(conf)
	if err != nil {
		outboxLog.WithError(err).Warn("outbox: invalid OUTBOX_TABLE; relay and cleaner disabled")
		return
	}
	tableLog := outboxLog.WithField("table", outbox.TableLabel(table))

	if conf.Outbox.RelayEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				err := runRelay(ctx, conf, pool, table, tableLog)
				if ctx.Err() != nil {
					return
				}
				tableLog.WithError(err).Error("outbox: relay stopped, reconnecting")
				select {
				case <-ctx.Done():
					return
				case <-time.After(relayReconnectDelay):
				}
			}
		}()
	}

	if conf.Outbox.CleanerEnabled {
		cleaner, err := outbox.NewCleaner(pool, table, outbox.CleanerOptions{
			Enabled:   true,
			Interval:  conf.Outbox.CleanerInterval,
			Retention: conf.Outbox.CleanerRetention,
			Logger:    tableLog,
		})
		if err != nil {
			tableLog.WithError(err).Warn("outbox: failed to create cleaner")
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := cleaner.Run(ctx); err != nil && ctx.Err() == nil {
				tableLog.WithError(err).Error("outbox: cleaner stopped")
			}
		}()
	}
}

const relayReconnectDelay = 5 * time.Second

func runRelay(ctx context.Context, conf *configuration.Configuration, pool *pgxpool.Pool, table pgx.Identifier, log *logrus.Entry) error {
	session, err := bootstrap.DialBroker(ctx, conf, log.WithField("component", "rabbitmq"), "async-orders-relay")
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.WithError(err).Warn("outbox: closing broker session")
		}
	}()

	publisher, err := rabbitmq.NewConfirmPublisher(session.Channel(), conf.RabbitMQ.ConfirmTimeout)
	if err != nil {
		return err
	}
	dispatcher, err := rabbitdispatcher.New(session.Channel(), publisher, conf.RabbitMQ.Exchange)
	if err != nil {
		return err
	}
	relay, err := outbox.NewRelay(pool, table, dispatcher, outbox.RelayOptions{
		PollInterval:    conf.Outbox.RelayPollInterval,
		BatchSize:       conf.Outbox.RelayBatchSize,
		SingleActive:    conf.Outbox.RelaySingleActive,
		LastErrorMaxLen: conf.Outbox.LastErrorMaxBytes,
		DispatchTimeout: conf.Outbox.RelayDispatchTimeout,
		Logger:          log,
	})
	if err != nil {
		return err
	}

	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case amqpErr, ok := <-session.NotifyClose():
			if ok && amqpErr != nil {
				log.WithError(amqpErr).Error("outbox: broker channel or connection closed")
			}
			cancel()
		case <-relayCtx.Done():
		}
	}()
	return relay.Run(relayCtx)
}
