package gateway

import (
	"context"
	"encoding/json"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nimasrn/campaign-pipeline/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func startProvider(t *testing.T, handler fasthttp.RequestHandler) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &fasthttp.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() { _ = srv.Shutdown() })

	return "http://" + ln.Addr().String()
}

func reply(ctx *fasthttp.RequestCtx, status int, body SendResponse) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(body)
	ctx.SetBody(data)
}

func testConfig(urls ...string) *Config {
	cfg := &Config{
		Name:       "test",
		Timeout:    2 * time.Second,
		MaxRetries: len(urls) - 1,
		MaxConns:   10,
	}
	for i, u := range urls {
		cfg.Providers = append(cfg.Providers, ProviderConfig{Name: "p" + string(rune('a'+i)), URL: u, Weight: 100 - i*10})
	}
	return cfg
}

func TestNewClient_Validation(t *testing.T) {
	t.Run("nil config returns error", func(t *testing.T) {
		client, err := NewClient(nil)
		assert.Error(t, err)
		assert.Nil(t, client)
		assert.Contains(t, err.Error(), "config is required")
	})

	t.Run("empty providers returns error", func(t *testing.T) {
		client, err := NewClient(&Config{Timeout: 5 * time.Second})
		assert.Error(t, err)
		assert.Nil(t, client)
		assert.Contains(t, err.Error(), "at least one provider is required")
	})

	t.Run("provider without url returns error", func(t *testing.T) {
		_, err := NewClient(&Config{Providers: []ProviderConfig{{Name: "x"}}})
		assert.Error(t, err)
	})

	t.Run("valid config creates client", func(t *testing.T) {
		cfg := testConfig("http://localhost:8081")
		cfg.HealthCheckInterval = 30 * time.Second
		client, err := NewClient(cfg)
		require.NoError(t, err)
		assert.Len(t, client.providers, 1)
		assert.NoError(t, client.Close())
		assert.NoError(t, client.Close())
	})
}

func TestClient_SelectBestProvider(t *testing.T) {
	client, err := NewClient(testConfig("http://localhost:8081", "http://localhost:8082", "http://localhost:8083"))
	require.NoError(t, err)
	defer client.Close()

	t.Run("selects provider with highest score", func(t *testing.T) {
		provider, err := client.SelectBestProvider()
		require.NoError(t, err)
		assert.Equal(t, "pa", provider.Name())
	})

	t.Run("skips unhealthy providers", func(t *testing.T) {
		client.providers[0].SetState(StateUnhealthy)
		defer client.providers[0].SetState(StateHealthy)

		provider, err := client.SelectBestProvider()
		require.NoError(t, err)
		assert.Equal(t, "pb", provider.Name())
	})

	t.Run("returns error when all providers unavailable", func(t *testing.T) {
		for _, p := range client.providers {
			p.SetState(StateUnhealthy)
		}
		defer func() {
			for _, p := range client.providers {
				p.SetState(StateHealthy)
			}
		}()

		provider, err := client.SelectBestProvider()
		assert.ErrorIs(t, err, ErrNoAvailableProviders)
		assert.Nil(t, provider)
	})
}

func TestClient_CheckCircuitBreaker(t *testing.T) {
	cfg := testConfig("http://localhost:8081")
	cfg.CircuitBreakerThreshold = 3
	cfg.CircuitBreakerTimeout = 10 * time.Second
	client, err := NewClient(cfg)
	require.NoError(t, err)
	defer client.Close()

	provider := client.providers[0]

	provider.metrics.ConsecutiveFails.Store(2)
	client.checkCircuitBreaker(provider)
	assert.Equal(t, StateHealthy, provider.GetState())

	provider.metrics.ConsecutiveFails.Store(3)
	client.checkCircuitBreaker(provider)
	assert.Equal(t, StateCircuitOpen, provider.GetState())
	assert.Greater(t, provider.circuitOpenUntil.Load(), time.Now().Unix())
}

func TestClient_Send(t *testing.T) {
	t.Run("accepted message returns provider id", func(t *testing.T) {
		var auth atomic.Value
		url := startProvider(t, func(ctx *fasthttp.RequestCtx) {
			auth.Store(string(ctx.Request.Header.Peek("Authorization")))
			assert.Equal(t, "/api/v1/sms/send", string(ctx.Path()))
			reply(ctx, fasthttp.StatusAccepted, SendResponse{MessageID: "prov-1", Status: StatusAccepted})
		})
		cfg := testConfig(url)
		cfg.APIKey = "secret"
		client, err := NewClient(cfg)
		require.NoError(t, err)
		defer client.Close()

		resp, err := client.Send(context.Background(), "/api/v1/sms/send", map[string]string{"to": "+15550000001"})
		require.NoError(t, err)
		assert.Equal(t, "prov-1", resp.MessageID)
		assert.Equal(t, "Bearer secret", auth.Load())
	})

	t.Run("5xx fails over to the next provider", func(t *testing.T) {
		var primaryHits atomic.Int32
		primary := startProvider(t, func(ctx *fasthttp.RequestCtx) {
			primaryHits.Add(1)
			ctx.SetStatusCode(fasthttp.StatusBadGateway)
		})
		secondary := startProvider(t, func(ctx *fasthttp.RequestCtx) {
			reply(ctx, fasthttp.StatusOK, SendResponse{MessageID: "prov-2", Status: StatusAccepted})
		})
		client, err := NewClient(testConfig(primary, secondary))
		require.NoError(t, err)
		defer client.Close()

		resp, err := client.Send(context.Background(), "/send", struct{}{})
		require.NoError(t, err)
		assert.Equal(t, "prov-2", resp.MessageID)
		assert.Equal(t, int32(1), primaryHits.Load())
		assert.Equal(t, int64(1), client.providers[0].metrics.FailedReqs.Load())
	})

	t.Run("bare 404 fails over and stays retryable", func(t *testing.T) {
		primary := startProvider(t, func(ctx *fasthttp.RequestCtx) {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		})
		secondary := startProvider(t, func(ctx *fasthttp.RequestCtx) {
			reply(ctx, fasthttp.StatusAccepted, SendResponse{MessageID: "prov-4", Status: StatusAccepted})
		})
		client, err := NewClient(testConfig(primary, secondary))
		require.NoError(t, err)
		defer client.Close()

		resp, err := client.Send(context.Background(), "/wrong/path", struct{}{})
		require.NoError(t, err)
		assert.Equal(t, "prov-4", resp.MessageID)

		single, err := NewClient(testConfig(primary))
		require.NoError(t, err)
		defer single.Close()

		_, err = single.Send(context.Background(), "/wrong/path", struct{}{})
		se := Classify(err)
		assert.Equal(t, model.CodeUnknown, se.Code)
		assert.True(t, se.Retryable)
	})

	t.Run("4xx is returned without failover", func(t *testing.T) {
		var secondaryHits atomic.Int32
		primary := startProvider(t, func(ctx *fasthttp.RequestCtx) {
			reply(ctx, fasthttp.StatusBadRequest, SendResponse{Status: StatusFailed, ErrorCode: "INVALID_NUMBER", ErrorMessage: "bad number"})
		})
		secondary := startProvider(t, func(ctx *fasthttp.RequestCtx) {
			secondaryHits.Add(1)
		})
		client, err := NewClient(testConfig(primary, secondary))
		require.NoError(t, err)
		defer client.Close()

		_, err = client.Send(context.Background(), "/send", struct{}{})
		var pe *ProviderError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "INVALID_NUMBER", pe.Code)
		assert.Equal(t, model.CodeInvalidRecipient, Classify(err).Code)
		assert.Zero(t, secondaryHits.Load())
		assert.Equal(t, int64(1), client.providers[0].metrics.SuccessfulReqs.Load())
	})

	t.Run("failed acknowledgement becomes a provider error", func(t *testing.T) {
		url := startProvider(t, func(ctx *fasthttp.RequestCtx) {
			reply(ctx, fasthttp.StatusOK, SendResponse{MessageID: "prov-3", Status: StatusFailed, ErrorCode: "BLOCKED"})
		})
		client, err := NewClient(testConfig(url))
		require.NoError(t, err)
		defer client.Close()

		resp, err := client.Send(context.Background(), "/send", struct{}{})
		require.Error(t, err)
		assert.Equal(t, "prov-3", resp.MessageID)
		se := Classify(err)
		assert.Equal(t, model.CodeBlocked, se.Code)
		assert.False(t, se.Retryable)
	})

	t.Run("refused connection is classified", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		require.NoError(t, ln.Close())

		client, err := NewClient(testConfig("http://" + addr))
		require.NoError(t, err)
		defer client.Close()

		_, err = client.Send(context.Background(), "/send", struct{}{})
		require.Error(t, err)
		se := Classify(err)
		assert.Equal(t, model.CodeConnectionRefused, se.Code)
		assert.True(t, se.Retryable)
	})
}

func TestClient_HealthChecks(t *testing.T) {
	healthy := startProvider(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetBodyString(`{"status":"healthy"}`)
	})
	sick := startProvider(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	})
	client, err := NewClient(testConfig(healthy, sick))
	require.NoError(t, err)
	defer client.Close()

	client.performHealthChecks()

	assert.Equal(t, StateHealthy, client.providers[0].GetState())
	assert.Equal(t, StateUnhealthy, client.providers[1].GetState())
}

func TestClient_GetProviderStats(t *testing.T) {
	client, err := NewClient(testConfig("http://localhost:8081", "http://localhost:8082", "http://localhost:8083"))
	require.NoError(t, err)
	defer client.Close()

	client.providers[2].metrics.RecordFailure()
	client.providers[1].metrics.RecordSuccess(100)

	stats := client.GetProviderStats()
	require.Len(t, stats, 3)
	assert.GreaterOrEqual(t, stats[0].Score, stats[1].Score)
	assert.GreaterOrEqual(t, stats[1].Score, stats[2].Score)
	assert.Equal(t, "pc", stats[2].Name)
}
