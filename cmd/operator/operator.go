package main

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Response statuses understood by the pipeline's gateway client.
const (
	StatusAccepted = "ACCEPTED"
	StatusFailed   = "FAILED"
)

// SendResponse is what every send endpoint answers with.
type SendResponse struct {
	MessageID    string    `json:"message_id"`
	Status       string    `json:"status"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	OperatorID   string    `json:"operator_id"`
	Channel      string    `json:"channel"`
	ProcessedAt  time.Time `json:"processed_at"`
}

// rejection codes per channel; the transient ones are shared
var channelErrors = map[string][]string{
	"sms":      {"INVALID_NUMBER", "BLOCKED", "OPERATOR_REJECTED"},
	"whatsapp": {"INVALID_NUMBER", "OPTED_OUT", "CONTENT_REJECTED"},
	"email":    {"HARD_BOUNCE", "SOFT_BOUNCE", "MAILBOX_FULL", "SPAM_COMPLAINT"},
	"push":     {"INVALID_TOKEN", "UNREGISTERED"},
}

var transientErrors = []string{"NETWORK_ERROR", "TIMEOUT"}

var errorMessages = map[string]string{
	"INVALID_NUMBER":    "The phone number is invalid or not in service",
	"BLOCKED":           "The recipient has blocked messages",
	"OPERATOR_REJECTED": "Operator rejected the message",
	"OPTED_OUT":         "The recipient opted out",
	"CONTENT_REJECTED":  "Content violates provider policies",
	"HARD_BOUNCE":       "Mailbox does not exist",
	"SOFT_BOUNCE":       "Mailbox temporarily unavailable",
	"MAILBOX_FULL":      "Mailbox is full",
	"SPAM_COMPLAINT":    "Recipient reported the sender as spam",
	"INVALID_TOKEN":     "Device token is malformed",
	"UNREGISTERED":      "Device token is no longer registered",
	"NETWORK_ERROR":     "Network connectivity issue with operator",
	"TIMEOUT":           "Delivery timed out",
	"OPERATOR_DOWN":     "Operator temporarily unavailable",
}

// MockOperator simulates a multi channel delivery provider. Results are
// remembered per message id so a resubmission gets the first answer back.
type MockOperator struct {
	mu           sync.Mutex
	deliveryRate float64
	outageRate   float64
	minDelay     time.Duration
	maxDelay     time.Duration
	operatorID   string
	rng          *rand.Rand
	results      map[string]*SendResponse
}

func NewMockOperator(deliveryRate, outageRate float64, minDelay, maxDelay time.Duration) *MockOperator {
	return &MockOperator{
		deliveryRate: deliveryRate,
		outageRate:   outageRate,
		minDelay:     minDelay,
		maxDelay:     maxDelay,
		operatorID:   "MOCK_OPERATOR_" + uuid.New().String()[:8],
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		results:      make(map[string]*SendResponse),
	}
}

// Outage reports whether this request should see the provider as down.
func (m *MockOperator) Outage() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Float64() < m.outageRate
}

// Deliver decides the fate of one message. The second result is false when
// the message id was already seen.
func (m *MockOperator) Deliver(channel, messageID, recipient string) (*SendResponse, bool) {
	m.mu.Lock()
	if prev, ok := m.results[messageID]; ok {
		m.mu.Unlock()
		log.Info().Str("message_id", messageID).Msg("Duplicate submission, replaying result")
		return prev, false
	}
	delay := m.randomDelay()
	succeed := m.rng.Float64() < m.deliveryRate
	code := ""
	if !succeed {
		code = m.randomErrorCode(channel)
	}
	m.mu.Unlock()

	time.Sleep(delay)

	resp := &SendResponse{
		MessageID:   messageID,
		OperatorID:  m.operatorID,
		Channel:     channel,
		ProcessedAt: time.Now(),
	}
	if succeed {
		resp.Status = StatusAccepted
		log.Info().
			Str("channel", channel).
			Str("message_id", messageID).
			Str("recipient", recipient).
			Dur("delay", delay).
			Msg("Message accepted")
	} else {
		resp.Status = StatusFailed
		resp.ErrorCode = code
		resp.ErrorMessage = errorMessages[code]
		log.Warn().
			Str("channel", channel).
			Str("message_id", messageID).
			Str("recipient", recipient).
			Str("error_code", code).
			Msg("Message rejected")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.results[messageID]; ok {
		return prev, false
	}
	m.results[messageID] = resp
	return resp, true
}

// Lookup returns the stored result of a message.
func (m *MockOperator) Lookup(messageID string) (*SendResponse, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[messageID]
	return r, ok
}

func (m *MockOperator) Configure(deliveryRate, outageRate *float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if deliveryRate != nil && *deliveryRate >= 0 && *deliveryRate <= 1 {
		m.deliveryRate = *deliveryRate
	}
	if outageRate != nil && *outageRate >= 0 && *outageRate <= 1 {
		m.outageRate = *outageRate
	}
}

func (m *MockOperator) Rates() (delivery, outage float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deliveryRate, m.outageRate
}

// caller holds mu
func (m *MockOperator) randomDelay() time.Duration {
	delta := m.maxDelay - m.minDelay
	if delta <= 0 {
		return m.minDelay
	}
	return m.minDelay + time.Duration(m.rng.Int63n(int64(delta)))
}

// caller holds mu
func (m *MockOperator) randomErrorCode(channel string) string {
	codes := append(append([]string{}, channelErrors[channel]...), transientErrors...)
	return codes[m.rng.Intn(len(codes))]
}
