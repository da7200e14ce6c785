package app

import (
	"fmt"
	"time"

	"github.com/nimasrn/campaign-pipeline/internal/channel"
	"github.com/nimasrn/campaign-pipeline/internal/config"
	gateway "github.com/nimasrn/campaign-pipeline/internal/gateways"
	"github.com/nimasrn/campaign-pipeline/internal/model"
	"github.com/nimasrn/campaign-pipeline/pkg/logger"
	"golang.org/x/time/rate"
)

type channelGateway struct {
	channel   model.Channel
	providers []gateway.ProviderConfig
	limit     int
	sender    func(*gateway.Client, *rate.Limiter) channel.Sender
}

// NewSenders creates one provider gateway per configured channel. SMS fails
// over between up to three providers; the other channels use one each.
// Channels without a provider URL stay unregistered.
func NewSenders(cfg *config.Config) (*channel.Registry, []*gateway.Client, error) {
	gateways := []channelGateway{
		{
			channel: model.ChannelSMS,
			providers: providers(
				gateway.ProviderConfig{Name: "primary", URL: cfg.ProviderPrimaryUrl, Weight: 100},
				gateway.ProviderConfig{Name: "secondary", URL: cfg.ProviderSecondaryUrl, Weight: 80},
				gateway.ProviderConfig{Name: "backup", URL: cfg.ProviderBackupUrl, Weight: 60},
			),
			limit:  cfg.RateLimitSMS,
			sender: func(c *gateway.Client, l *rate.Limiter) channel.Sender { return channel.NewSMSSender(c, l) },
		},
		{
			channel:   model.ChannelEmail,
			providers: providers(gateway.ProviderConfig{Name: "email", URL: cfg.ProviderEmailUrl, Weight: 100}),
			limit:     cfg.RateLimitEmail,
			sender:    func(c *gateway.Client, l *rate.Limiter) channel.Sender { return channel.NewEmailSender(c, l) },
		},
		{
			channel:   model.ChannelWhatsApp,
			providers: providers(gateway.ProviderConfig{Name: "whatsapp", URL: cfg.ProviderWhatsAppUrl, Weight: 100}),
			limit:     cfg.RateLimitWhatsApp,
			sender:    func(c *gateway.Client, l *rate.Limiter) channel.Sender { return channel.NewWhatsAppSender(c, l) },
		},
		{
			channel:   model.ChannelPush,
			providers: providers(gateway.ProviderConfig{Name: "push", URL: cfg.ProviderPushUrl, Weight: 100}),
			limit:     cfg.RateLimitPush,
			sender:    func(c *gateway.Client, l *rate.Limiter) channel.Sender { return channel.NewPushSender(c, l) },
		},
	}

	registry := channel.NewRegistry()
	var clients []*gateway.Client
	for _, g := range gateways {
		if len(g.providers) == 0 {
			logger.Warn("no provider configured, channel disabled", "channel", g.channel)
			continue
		}
		client, err := gateway.NewClient(&gateway.Config{
			Name:                    string(g.channel),
			Providers:               g.providers,
			APIKey:                  cfg.ProviderAPIKey,
			Timeout:                 cfg.ProviderTimeout,
			MaxRetries:              len(g.providers),
			RetryDelay:              100 * time.Millisecond,
			MaxConns:                1000,
			ReadBufferSize:          1024 * 4,
			WriteBufferSize:         1024 * 4,
			HealthCheckInterval:     30 * time.Second,
			CircuitBreakerThreshold: 5,
			CircuitBreakerTimeout:   60 * time.Second,
		})
		if err != nil {
			for _, c := range clients {
				_ = c.Close()
			}
			return nil, nil, fmt.Errorf("failed to create %s gateway: %w", g.channel, err)
		}
		clients = append(clients, client)
		registry.Register(g.sender(client, channel.NewLimiter(g.limit)))
	}

	return registry, clients, nil
}

func providers(in ...gateway.ProviderConfig) []gateway.ProviderConfig {
	out := make([]gateway.ProviderConfig, 0, len(in))
	for _, p := range in {
		if p.URL != "" {
			out = append(out, p)
		}
	}
	return out
}
