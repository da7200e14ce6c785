package events

import (
	"context"

	"github.com/nimasrn/campaign-pipeline/pkg/logger"
)

type logPublisher struct{}

// NewLogPublisher writes events to the application log.
func NewLogPublisher() Publisher {
	return logPublisher{}
}

func (logPublisher) Publish(_ context.Context, subject string, payload []byte, meta Metadata) error {
	logger.Info("event", "subject", subject, "tenant_id", meta.TenantID, "correlation_id", meta.CorrelationID, "payload", string(payload))
	return nil
}

func (logPublisher) Close() error {
	return nil
}
