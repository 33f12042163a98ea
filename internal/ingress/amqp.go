package ingress

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tidemark-io/tidemark/internal/conf"
	"github.com/tidemark-io/tidemark/internal/errors"
	"github.com/tidemark-io/tidemark/internal/ingest"
	"github.com/tidemark-io/tidemark/internal/logger"
)

const (
	amqpPrefetch    = 64
	saturationPause = time.Second
)

// AMQPAdapter consumes telemetry from a queue. A message is acked only
// after the pipeline confirms the durable append; saturation nack-requeues
// and pauses consumption so the queue absorbs the backlog.
type AMQPAdapter struct {
	cfg      conf.QueueSettings
	pipeline *ingest.Pipeline
	log      logger.Logger

	conn    *amqp.Connection
	channel *amqp.Channel
	done    sync.WaitGroup
	stop    chan struct{}
}

// NewAMQPAdapter creates the queue adapter.
func NewAMQPAdapter(cfg conf.QueueSettings, pipeline *ingest.Pipeline, log logger.Logger) *AMQPAdapter {
	return &AMQPAdapter{cfg: cfg, pipeline: pipeline, log: log, stop: make(chan struct{})}
}

// Start connects and begins consuming. No queue URL leaves the adapter
// disabled.
func (a *AMQPAdapter) Start(ctx context.Context) error {
	if a.cfg.URL == "" {
		a.log.Info("no queue configured, amqp intake disabled")
		return nil
	}
	conn, err := amqp.Dial(a.cfg.URL)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "amqp dial failed", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.Wrap(errors.KindInternal, "amqp channel failed", err)
	}
	if err := channel.Qos(amqpPrefetch, 0, false); err != nil {
		conn.Close()
		return errors.Wrap(errors.KindInternal, "amqp qos failed", err)
	}
	if _, err := channel.QueueDeclare(a.cfg.Queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return errors.Wrap(errors.KindInternal, "amqp queue declare failed", err)
	}
	deliveries, err := channel.Consume(a.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return errors.Wrap(errors.KindInternal, "amqp consume failed", err)
	}

	a.conn, a.channel = conn, channel
	a.done.Add(1)
	go a.consume(ctx, deliveries)
	a.log.Info("amqp intake consuming", logger.String("queue", a.cfg.Queue))
	return nil
}

// Stop halts consumption and closes the connection.
func (a *AMQPAdapter) Stop() {
	close(a.stop)
	if a.conn != nil {
		a.conn.Close()
	}
	a.done.Wait()
}

func (a *AMQPAdapter) consume(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer a.done.Done()
	for {
		select {
		case <-a.stop:
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			a.handle(ctx, &delivery)
		}
	}
}

func (a *AMQPAdapter) handle(ctx context.Context, delivery *amqp.Delivery) {
	if a.pipeline.Saturated() {
		a.requeue(delivery)
		// Let the pipeline drain before pulling more.
		select {
		case <-a.stop:
		case <-time.After(saturationPause):
		}
		return
	}

	var payload wirePayload
	if err := json.Unmarshal(delivery.Body, &payload); err != nil {
		a.log.Warn("undecodable amqp payload", logger.Error(err))
		a.ack(delivery)
		return
	}
	in, err := payload.toIncoming("amqp")
	if err != nil {
		a.ack(delivery)
		return
	}
	prep, err := a.pipeline.Prepare(ctx, in)
	if err != nil {
		if errors.IsKind(err, errors.KindSaturated) {
			a.requeue(delivery)
			return
		}
		// Dead-lettered by the pipeline; replaying cannot help.
		a.ack(delivery)
		return
	}
	// Synchronous append: the broker redelivers anything unacked, so the
	// ack must wait for durability, not just admission.
	if err := a.pipeline.AppendSync(ctx, prep); err != nil {
		a.requeue(delivery)
		return
	}
	a.ack(delivery)
}

func (a *AMQPAdapter) ack(delivery *amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		a.log.Warn("amqp ack failed", logger.Error(err))
	}
}

func (a *AMQPAdapter) requeue(delivery *amqp.Delivery) {
	if err := delivery.Nack(false, true); err != nil {
		a.log.Warn("amqp nack failed", logger.Error(err))
	}
}
