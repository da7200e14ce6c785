package events

import (
	"context"
	"fmt"

	"github.com/nimasrn/campaign-pipeline/pkg/redis"
)

type Settings struct {
	Backend   string
	AMQPURL   string
	Exchange  string
	ProjectID string
	Stream    string
	MaxLen    int64
}

func NewPublisher(ctx context.Context, s Settings, adapter redis.RedisAdapter) (Publisher, error) {
	switch s.Backend {
	case "rabbitmq":
		return NewAMQPPublisher(s.AMQPURL, s.Exchange)
	case "gcp-pubsub":
		return NewPubSubPublisher(ctx, s.ProjectID)
	case "redis":
		if adapter == nil {
			return nil, fmt.Errorf("redis event backend needs a redis connection")
		}
		return NewStreamPublisher(adapter, s.Stream, s.MaxLen), nil
	case "log", "":
		return NewLogPublisher(), nil
	default:
		return nil, fmt.Errorf("unsupported event backend: %s", s.Backend)
	}
}
