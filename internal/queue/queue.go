package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/campaign-pipeline/pkg/logger"
	"github.com/nimasrn/campaign-pipeline/pkg/redis"
)

type Message struct {
	ID        string
	Data      []byte
	Metadata  map[string]string
	Timestamp time.Time
	// Attempts is the delivery number of this read, starting at 1.
	Attempts int
	acked    bool
	nacked   bool
	queue    *Queue
}

// Ack explicitly acknowledges the message (marks as successfully processed)
func (m *Message) Ack(ctx context.Context) error {
	if m.acked {
		return fmt.Errorf("message already acknowledged")
	}
	if m.nacked {
		return fmt.Errorf("message already rejected")
	}

	m.acked = true
	return m.queue.ackMessage(ctx, m.ID)
}

// Nack leaves the message pending; it is redelivered once the visibility
// timeout expires.
func (m *Message) Nack() error {
	if m.acked {
		return fmt.Errorf("message already acknowledged")
	}
	if m.nacked {
		return fmt.Errorf("message already rejected")
	}

	m.nacked = true
	return nil
}

// MessageHandler processes one message. A nil return acks it, an error
// leaves it pending for redelivery.
type MessageHandler func(ctx context.Context, msg *Message) error

// DeadLetterHandler is called for messages that exceeded MaxRetries, after
// they were copied to the dead letter stream.
type DeadLetterHandler func(ctx context.Context, msg *Message)

type QueueConfig struct {
	Name              string
	ConsumerGroup     string
	ConsumerName      string
	MaxRetries        int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	BatchSize         int64
	MaxLen            int64
	EnableDLQ         bool
}

type Queue struct {
	adapter      redis.RedisAdapter
	config       QueueConfig
	handler      MessageHandler
	onDeadLetter DeadLetterHandler
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	mu           sync.RWMutex
	processing   map[string]*Message
}

type QueueStats struct {
	TotalMessages   int64
	PendingMessages int64
	DelayedMessages int64
	DeadLetters     int64
	ConsumerCount   int64
}

// NewQueue creates a new queue instance
func NewQueue(adapter redis.RedisAdapter, config QueueConfig) (*Queue, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = "default-group"
	}
	if config.ConsumerName == "" {
		config.ConsumerName = "consumer-" + uuid.NewString()
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.VisibilityTimeout == 0 {
		config.VisibilityTimeout = 30 * time.Second
	}
	if config.PollInterval == 0 {
		config.PollInterval = 1 * time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 10
	}

	ctx, cancel := context.WithCancel(context.Background())

	q := &Queue{
		adapter:    adapter,
		config:     config,
		ctx:        ctx,
		cancel:     cancel,
		processing: make(map[string]*Message),
	}

	if err := q.initConsumerGroup(ctx); err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		cancel()
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return q, nil
}

func (q *Queue) Name() string {
	return q.config.Name
}

func (q *Queue) delayedKey() string {
	return q.config.Name + ":delayed"
}

func (q *Queue) deadLetterKey() string {
	return q.config.Name + ":dlq"
}

func (q *Queue) initConsumerGroup(ctx context.Context) error {
	return q.adapter.XGroupCreateMkStream(ctx, q.config.Name, q.config.ConsumerGroup, "0")
}

// OnDeadLetter registers fn to run for every dead lettered message.
func (q *Queue) OnDeadLetter(fn DeadLetterHandler) {
	q.onDeadLetter = fn
}

// Publish adds a message to the queue
func (q *Queue) Publish(ctx context.Context, data []byte, metadata map[string]string) (string, error) {
	values := map[string]interface{}{
		"data":      string(data),
		"timestamp": time.Now().UnixMilli(),
	}

	for k, v := range metadata {
		values["meta_"+k] = v
	}

	id, err := q.adapter.XAdd(ctx, q.config.Name, values)
	if err != nil {
		return "", fmt.Errorf("failed to publish message: %w", err)
	}

	if q.config.MaxLen > 0 {
		_ = q.adapter.XTrimApprox(ctx, q.config.Name, q.config.MaxLen)
	}

	return id, nil
}

// PublishJSON publishes a JSON-encoded message
func (q *Queue) PublishJSON(ctx context.Context, data interface{}, metadata map[string]string) (string, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return q.Publish(ctx, jsonData, metadata)
}

type delayedEntry struct {
	Nonce    string            `json:"nonce"`
	Data     string            `json:"data"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// PublishDelayed parks a message in a sorted set scored by its due time.
// Consumers move due entries into the stream on every poll.
func (q *Queue) PublishDelayed(ctx context.Context, data []byte, metadata map[string]string, delay time.Duration) error {
	if delay <= 0 {
		_, err := q.Publish(ctx, data, metadata)
		return err
	}

	member, err := json.Marshal(delayedEntry{Nonce: uuid.NewString(), Data: string(data), Metadata: metadata})
	if err != nil {
		return fmt.Errorf("failed to encode delayed message: %w", err)
	}

	due := time.Now().Add(delay).UnixMilli()
	if err := q.adapter.ZAdd(ctx, q.delayedKey(), float64(due), string(member)); err != nil {
		return fmt.Errorf("failed to schedule message: %w", err)
	}
	return nil
}

// promoteDelayed moves due delayed entries into the stream. ZRem decides
// which consumer owns an entry so each one is published once.
func (q *Queue) promoteDelayed(ctx context.Context) int {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.adapter.ZRangeByScore(ctx, q.delayedKey(), "-inf", now, q.config.BatchSize)
	if err != nil || len(members) == 0 {
		return 0
	}

	promoted := 0
	for _, member := range members {
		removed, err := q.adapter.ZRem(ctx, q.delayedKey(), member)
		if err != nil || removed == 0 {
			continue
		}

		var entry delayedEntry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			logger.Error("Dropping undecodable delayed message", "queue", q.config.Name, "error", err)
			continue
		}

		if _, err := q.Publish(ctx, []byte(entry.Data), entry.Metadata); err != nil {
			// put it back so the next poll retries
			logger.Error("Failed to promote delayed message", "queue", q.config.Name, "error", err)
			_ = q.adapter.ZAdd(ctx, q.delayedKey(), float64(time.Now().UnixMilli()), member)
			continue
		}
		promoted++
	}
	return promoted
}

// Consume starts consuming messages with auto-ack mode
func (q *Queue) Consume(handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	q.handler = handler
	q.wg.Add(1)

	go q.consumeLoop()

	return nil
}

func (q *Queue) consumeLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.promoteDelayed(q.ctx)
			q.processMessages()
			q.claimStuckMessages()
		}
	}
}

func (q *Queue) processMessages() {
	messages, err := q.adapter.XReadGroup(
		q.ctx,
		q.config.ConsumerGroup,
		q.config.ConsumerName,
		q.config.Name,
		">",
		q.config.BatchSize,
	)
	if err != nil {
		if !errors.Is(err, redis.NilError) && q.ctx.Err() == nil {
			logger.Warn("Failed to read from queue", "queue", q.config.Name, "error", err)
		}
		return
	}

	for _, streamMsg := range messages {
		msg := q.streamMessageToMessage(streamMsg)
		msg.Attempts = 1
		q.handleMessage(msg)
	}
}

func (q *Queue) claimStuckMessages() {
	pending, err := q.adapter.XPending(q.ctx, q.config.Name, q.config.ConsumerGroup)
	if err != nil || pending == nil || pending.Count == 0 {
		return
	}

	pendingExt, err := q.adapter.XPendingExt(q.ctx, q.config.Name, q.config.ConsumerGroup, "-", "+", 100)
	if err != nil || len(pendingExt) == 0 {
		return
	}

	deliveries := make(map[string]int64, len(pendingExt))
	var idsToReclaim []string
	for _, p := range pendingExt {
		if p.Idle >= q.config.VisibilityTimeout {
			idsToReclaim = append(idsToReclaim, p.ID)
			deliveries[p.ID] = p.RetryCount
		}
	}

	if len(idsToReclaim) == 0 {
		return
	}

	messages, err := q.adapter.XClaim(
		q.ctx,
		q.config.Name,
		q.config.ConsumerGroup,
		q.config.ConsumerName,
		q.config.VisibilityTimeout,
		idsToReclaim...,
	)
	if err != nil {
		return
	}

	for _, streamMsg := range messages {
		msg := q.streamMessageToMessage(streamMsg)
		msg.Attempts = int(deliveries[streamMsg.ID]) + 1
		q.handleMessage(msg)
	}
}

func (q *Queue) handleMessage(msg *Message) {
	q.mu.Lock()
	q.processing[msg.ID] = msg
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		delete(q.processing, msg.ID)
		q.mu.Unlock()
	}()

	if msg.Attempts > q.config.MaxRetries {
		q.moveToDeadLetterQueue(q.ctx, msg)
		_ = q.ackMessage(q.ctx, msg.ID)
		return
	}

	ctx, cancel := context.WithTimeout(q.ctx, q.config.VisibilityTimeout)
	defer cancel()

	if err := q.handler(ctx, msg); err != nil {
		return
	}
	if !msg.acked && !msg.nacked {
		_ = q.ackMessage(ctx, msg.ID)
	}
}

func (q *Queue) ackMessage(ctx context.Context, messageID string) error {
	return q.adapter.XAck(ctx, q.config.Name, q.config.ConsumerGroup, messageID)
}

func (q *Queue) moveToDeadLetterQueue(ctx context.Context, msg *Message) {
	logger.Warn("Message exceeded max deliveries", "queue", q.config.Name, "message_id", msg.ID, "attempts", msg.Attempts)

	if q.config.EnableDLQ {
		values := map[string]interface{}{
			"data":           string(msg.Data),
			"original_id":    msg.ID,
			"attempts":       msg.Attempts,
			"failed_at":      time.Now().Unix(),
			"original_queue": q.config.Name,
		}
		for k, v := range msg.Metadata {
			values["meta_"+k] = v
		}
		if _, err := q.adapter.XAdd(ctx, q.deadLetterKey(), values); err != nil {
			logger.Error("Failed to write dead letter", "queue", q.config.Name, "message_id", msg.ID, "error", err)
		}
	}

	if q.onDeadLetter != nil {
		q.onDeadLetter(ctx, msg)
	}
}

func (q *Queue) streamMessageToMessage(streamMsg redis.StreamMessage) *Message {
	msg := &Message{
		ID:       streamMsg.ID,
		Metadata: make(map[string]string),
		queue:    q,
	}

	for k, v := range streamMsg.Values {
		val, _ := v.(string)
		switch {
		case k == "data":
			msg.Data = []byte(val)
		case k == "timestamp":
			if ms, err := strconv.ParseInt(val, 10, 64); err == nil {
				msg.Timestamp = time.UnixMilli(ms)
			}
		case strings.HasPrefix(k, "meta_"):
			msg.Metadata[k[5:]] = val
		}
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	return msg
}

func (q *Queue) Stop(timeout time.Duration) error {
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for queue to stop")
	}
}

func (q *Queue) GetStats(ctx context.Context) (*QueueStats, error) {
	totalMessages, err := q.adapter.XLen(ctx, q.config.Name)
	if err != nil {
		return nil, err
	}

	stats := &QueueStats{TotalMessages: totalMessages}

	if pending, err := q.adapter.XPending(ctx, q.config.Name, q.config.ConsumerGroup); err == nil && pending != nil {
		stats.PendingMessages = pending.Count
		stats.ConsumerCount = int64(len(pending.Consumers))
	}
	if delayed, err := q.adapter.ZCard(ctx, q.delayedKey()); err == nil {
		stats.DelayedMessages = delayed
	}
	if dead, err := q.adapter.XLen(ctx, q.deadLetterKey()); err == nil {
		stats.DeadLetters = dead
	}

	return stats, nil
}
