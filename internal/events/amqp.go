package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/nimasrn/campaign-pipeline/pkg/logger"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "campaign-pipeline/events"

type AMQPPublisherCreator func(url, exchange string) (Publisher, error)

// NewAMQPPublisher publishes to a durable topic exchange with the subject as
// routing key.
var NewAMQPPublisher AMQPPublisherCreator = func(url, exchange string) (Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	notifyClose := make(chan *amqp.Error, 1)
	conn.NotifyClose(notifyClose)
	go func() {
		for err := range notifyClose {
			logger.Error("RabbitMQ connection closed", "error", err)
		}
	}()

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &amqpPublisher{conn: conn, channel: ch, exchange: exchange}, nil
}

type amqpPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

func (p *amqpPublisher) Publish(ctx context.Context, subject string, payload []byte, meta Metadata) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(p.exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(subject),
		),
	)
	defer span.End()

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	headers := amqp.Table{
		"tenant_id":      meta.TenantID,
		"correlation_id": meta.CorrelationID,
	}
	for k, v := range carrier {
		headers[k] = v
	}

	// amqp channels are not safe for concurrent publishing
	p.mu.Lock()
	err := p.channel.Publish(p.exchange, subject, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: meta.CorrelationID,
		Body:          payload,
		Headers:       headers,
	})
	p.mu.Unlock()
	if err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(attribute.Int("messaging.message_payload_size_bytes", len(payload)))
	return nil
}

func (p *amqpPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channel.Close()
	return p.conn.Close()
}
