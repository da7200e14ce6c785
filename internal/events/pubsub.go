package events

import (
	"context"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"
)

type PubSubPublisherCreator func(ctx context.Context, projectID string, opts ...option.ClientOption) (Publisher, error)

// NewPubSubPublisher publishes each subject to the topic of the same name.
var NewPubSubPublisher PubSubPublisherCreator = func(ctx context.Context, projectID string, opts ...option.ClientOption) (Publisher, error) {
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, err
	}
	return &pubSubPublisher{client: client, topics: map[string]*pubsub.Topic{}}, nil
}

type pubSubPublisher struct {
	client *pubsub.Client
	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func (p *pubSubPublisher) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		p.topics[name] = t
	}
	return t
}

func (p *pubSubPublisher) Publish(ctx context.Context, subject string, payload []byte, meta Metadata) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(subject),
		),
	)
	defer span.End()

	attributes := map[string]string{
		"tenant_id":      meta.TenantID,
		"correlation_id": meta.CorrelationID,
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attributes))

	res := p.topic(subject).Publish(ctx, &pubsub.Message{Data: payload, Attributes: attributes})
	if _, err := res.Get(ctx); err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(attribute.Int("messaging.message_payload_size_bytes", len(payload)))
	return nil
}

func (p *pubSubPublisher) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.mu.Unlock()
	return p.client.Close()
}
