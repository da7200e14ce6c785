package events

import (
	"context"
	"fmt"

	"github.com/nimasrn/campaign-pipeline/pkg/redis"
)

// streamPublisher appends events to a single capped Redis stream.
type streamPublisher struct {
	redis  redis.RedisAdapter
	stream string
	maxLen int64
}

func NewStreamPublisher(adapter redis.RedisAdapter, stream string, maxLen int64) Publisher {
	return &streamPublisher{redis: adapter, stream: stream, maxLen: maxLen}
}

func (p *streamPublisher) Publish(ctx context.Context, subject string, payload []byte, meta Metadata) error {
	_, err := p.redis.XAdd(ctx, p.stream, map[string]interface{}{
		"subject":        subject,
		"payload":        string(payload),
		"tenant_id":      meta.TenantID,
		"correlation_id": meta.CorrelationID,
	})
	if err != nil {
		return fmt.Errorf("failed to append event to %s: %w", p.stream, err)
	}
	if p.maxLen > 0 {
		return p.redis.XTrimApprox(ctx, p.stream, p.maxLen)
	}
	return nil
}

func (p *streamPublisher) Close() error {
	return nil
}
