package channel

import (
	"context"
	"time"

	gateway "github.com/nimasrn/campaign-pipeline/internal/gateways"
	"github.com/nimasrn/campaign-pipeline/internal/model"
	"golang.org/x/time/rate"
)

// Provider send endpoints, one per channel.
const (
	PathEmail    = "/api/v1/email/send"
	PathSMS      = "/api/v1/sms/send"
	PathWhatsApp = "/api/v1/whatsapp/send"
	PathPush     = "/api/v1/push/send"
)

type gatewayClient interface {
	Send(ctx context.Context, path string, payload any) (*gateway.SendResponse, error)
}

type payloadFunc func(r model.Recipient, c *model.RenderedContent) any

// GatewaySender sends through a provider gateway client, throttled by a
// per-channel token bucket.
type GatewaySender struct {
	channel model.Channel
	client  gatewayClient
	path    string
	limiter *rate.Limiter
	payload payloadFunc
}

// NewLimiter returns a limiter allowing perSecond sends with an equal burst.
// A non-positive rate disables limiting.
func NewLimiter(perSecond int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), perSecond)
}

func NewEmailSender(client gatewayClient, limiter *rate.Limiter) *GatewaySender {
	return &GatewaySender{channel: model.ChannelEmail, client: client, path: PathEmail, limiter: limiter, payload: emailPayload}
}

func NewSMSSender(client gatewayClient, limiter *rate.Limiter) *GatewaySender {
	return &GatewaySender{channel: model.ChannelSMS, client: client, path: PathSMS, limiter: limiter, payload: smsPayload}
}

func NewWhatsAppSender(client gatewayClient, limiter *rate.Limiter) *GatewaySender {
	return &GatewaySender{channel: model.ChannelWhatsApp, client: client, path: PathWhatsApp, limiter: limiter, payload: whatsAppPayload}
}

func NewPushSender(client gatewayClient, limiter *rate.Limiter) *GatewaySender {
	return &GatewaySender{channel: model.ChannelPush, client: client, path: PathPush, limiter: limiter, payload: pushPayload}
}

func (s *GatewaySender) Channel() model.Channel {
	return s.channel
}

func (s *GatewaySender) ValidateRecipient(r model.Recipient) error {
	return ValidateAddress(s.channel, r.Address)
}

func (s *GatewaySender) Send(ctx context.Context, r model.Recipient, content *model.RenderedContent) model.SendResult {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return model.Failed(model.NewSendError(model.CodeTimeout, "rate limiter: "+err.Error()))
		}
	}

	resp, err := s.client.Send(ctx, s.path, s.payload(r, content))
	if err != nil {
		return model.Failed(gateway.Classify(err))
	}
	return model.Sent(resp.MessageID)
}

type EmailRequest struct {
	MessageID string `json:"message_id"`
	To        string `json:"to"`
	Name      string `json:"name,omitempty"`
	Subject   string `json:"subject"`
	HTML      string `json:"html,omitempty"`
	Text      string `json:"text,omitempty"`
}

type SMSRequest struct {
	MessageID   string `json:"message_id"`
	PhoneNumber string `json:"phone_number"`
	Content     string `json:"content"`
	Priority    string `json:"priority"`
}

type WhatsAppRequest struct {
	MessageID string `json:"message_id"`
	To        string `json:"to"`
	Body      string `json:"body"`
}

type PushRequest struct {
	MessageID   string `json:"message_id"`
	DeviceToken string `json:"device_token"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	SentAt      int64  `json:"sent_at"`
}

func emailPayload(r model.Recipient, c *model.RenderedContent) any {
	return &EmailRequest{
		MessageID: r.Reference,
		To:        r.Address,
		Name:      r.Name,
		Subject:   c.Subject,
		HTML:      c.HTMLBody,
		Text:      c.TextBody,
	}
}

func smsPayload(r model.Recipient, c *model.RenderedContent) any {
	return &SMSRequest{MessageID: r.Reference, PhoneNumber: r.Address, Content: c.TextBody, Priority: "normal"}
}

func whatsAppPayload(r model.Recipient, c *model.RenderedContent) any {
	return &WhatsAppRequest{MessageID: r.Reference, To: r.Address, Body: c.TextBody}
}

func pushPayload(r model.Recipient, c *model.RenderedContent) any {
	return &PushRequest{
		MessageID:   r.Reference,
		DeviceToken: r.Address,
		Title:       c.Title,
		Body:        c.TextBody,
		SentAt:      time.Now().Unix(),
	}
}
