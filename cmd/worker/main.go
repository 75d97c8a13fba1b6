package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iota-uz/async-orders/internal/bootstrap"
	"github.com/iota-uz/async-orders/modules/orders/handlers"
	"github.com/iota-uz/async-orders/modules/orders/infrastructure/persistence"
	"github.com/iota-uz/async-orders/pkg/composables"
	"github.com/iota-uz/async-orders/pkg/configuration"
	"github.com/iota-uz/async-orders/pkg/inbox"
	"github.com/iota-uz/async-orders/pkg/rabbitmq"
)

const reconnectDelay = 5 * time.Second

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

	handler := handlers.NewOrderCreatedHandler(
		inbox.NewPostgresStore(),
		persistence.NewOrderRepository(),
		persistence.NewProcessingLogRepository(),
		handlers.Options{
			Effect: handlers.DelayEffect(conf.Consumer.ProcessingDelay),
			Logger: logger.WithField("component", "order-created-handler"),
		},
	)

	workerLog := logger.WithField("component", "worker")
	for {
		err := consume(composables.WithPool(ctx, pool), conf, handler, workerLog)
		if ctx.Err() != nil {
			workerLog.Info("worker stopped")
			return
		}
		workerLog.WithError(err).Error("consumer stopped, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// consume runs one broker session until ctx ends or the connection drops.
func consume(ctx context.Context, conf *configuration.Configuration, handler rabbitmq.Handler, log *logrus.Entry) error {
	session, err := bootstrap.DialBroker(ctx, conf, log.WithField("component", "rabbitmq"), "async-orders-worker")
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.WithError(err).Warn("closing broker session")
		}
	}()

	topology := bootstrap.Topology(conf)
	if err := rabbitmq.Declare(session.Channel(), topology); err != nil {
		return err
	}
	publisher, err := rabbitmq.NewConfirmPublisher(session.Channel(), conf.RabbitMQ.ConfirmTimeout)
	if err != nil {
		return err
	}
	consumer, err := rabbitmq.NewConsumer(session.Channel(), publisher, topology, handler, rabbitmq.ConsumerOptions{
		Prefetch:        conf.RabbitMQ.Prefetch,
		ConsumerTag:     "async-orders-worker",
		RequeueDelay:    conf.Consumer.RequeueDelay,
		MaxRequeueDelay: conf.Consumer.MaxRequeueDelay,
		Logger:          log.WithField("queue", topology.Queue),
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	closed := session.NotifyClose()
	go func() {
		select {
		case amqpErr := <-closed:
			if amqpErr != nil {
				log.WithError(amqpErr).Error("broker channel or connection closed")
			}
			cancel()
		case <-runCtx.Done():
		}
	}()

	err = consumer.Run(runCtx)
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		return rabbitmq.ErrDeliveriesClosed
	}
	return err
}
