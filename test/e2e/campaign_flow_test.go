package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nimasrn/campaign-pipeline/internal/app"
	"github.com/nimasrn/campaign-pipeline/internal/config"
	"github.com/nimasrn/campaign-pipeline/internal/executor"
	gateway "github.com/nimasrn/campaign-pipeline/internal/gateways"
	"github.com/nimasrn/campaign-pipeline/internal/handlers"
	"github.com/nimasrn/campaign-pipeline/internal/model"
	"github.com/nimasrn/campaign-pipeline/internal/processor"
	"github.com/nimasrn/campaign-pipeline/internal/testutil"
	xhttp "github.com/nimasrn/campaign-pipeline/pkg/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

type TestEnvironment struct {
	App     *app.App
	Stores  *testutil.Stores
	Service *processor.ProcessorService
	BaseURL string
	client  *fasthttp.Client
}

func startServer(t *testing.T, handler fasthttp.RequestHandler) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &fasthttp.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() { _ = srv.Shutdown() })
	return "http://" + ln.Addr().String()
}

// provider answers every send with ACCEPTED, or with a 503 when down.
func provider(t *testing.T, down bool, hits *atomic.Int64) string {
	return startServer(t, func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) == "/health" {
			ctx.SetBodyString(`{"status":"healthy"}`)
			return
		}
		hits.Add(1)
		if down {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			return
		}
		var req struct {
			MessageID string `json:"message_id"`
		}
		_ = json.Unmarshal(ctx.PostBody(), &req)
		body, _ := json.Marshal(gateway.SendResponse{MessageID: "prov-" + req.MessageID, Status: gateway.StatusAccepted})
		ctx.SetContentType("application/json")
		ctx.SetBody(body)
	})
}

func setupE2EEnvironment(t *testing.T, cfg *config.Config) *TestEnvironment {
	stores := testutil.NewStores(t)
	_, adapter := testutil.NewRedis(t)

	a, err := app.Assemble(context.Background(), cfg, stores.DB, adapter)
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, c := range a.Gateways {
			_ = c.Close()
		}
	})

	svc, err := a.NewProcessorService()
	require.NoError(t, err)
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Stop)

	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.Use(xhttp.RecoverMiddleware)
	s.Router = xhttp.CreateDefaultRouter()
	g := s.Router.Group("/api/v1")
	handlers.RegisterCampaignRoutes(g, handlers.NewCampaignHandler(a.Executor))
	handlers.RegisterHealthRoutes(g, handlers.NewHealthHandler(map[string]handlers.Pinger{
		"postgres": a.DB,
		"redis":    a.Redis,
		"worker":   handlers.PingFunc(svc.HealthCheck),
	}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() { _ = s.Server.Shutdown() })

	return &TestEnvironment{
		App:     a,
		Stores:  stores,
		Service: svc,
		BaseURL: "http://" + ln.Addr().String(),
		client:  &fasthttp.Client{},
	}
}

func baseConfig() *config.Config {
	return &config.Config{
		AppEnv:                 "test",
		QueueName:              "e2e:delivery",
		QueueConsumerGroup:     "e2e-workers",
		QueueConsumerName:      "e2e",
		QueueConsumers:         1,
		QueueMaxRetries:        5,
		QueueVisibilityTimeout: 5 * time.Second,
		QueuePollInterval:      20 * time.Millisecond,
		QueueBatchSize:         10,
		QueueMaxLen:            1000,
		QueueEnableDLQ:         true,
		WorkerCount:            4,
		WorkerBufferSize:       8,
		JobLockTTL:             time.Minute,
		JobTimeout:             10 * time.Second,
		DispatchMode:           "async",
		DispatchBatchSize:      50,
		EnqueueChunkSize:       100,
		SyncMaxAttempts:        1,
		RetryMaxAttempts:       3,
		RetryBaseDelay:         10 * time.Millisecond,
		RetryMaxDelay:          50 * time.Millisecond,
		EventsBackend:          "redis",
		EventsStreamName:       "e2e:events",
		ProviderTimeout:        2 * time.Second,
		ReconcileSchedule:      "@every 1h",
	}
}

func (env *TestEnvironment) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(env.BaseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set("X-Tenant-Id", testutil.TenantID)
	if body != "" {
		req.Header.SetContentType("application/json")
		req.SetBodyString(body)
	}
	require.NoError(t, env.client.DoTimeout(req, resp, 10*time.Second))

	out := make([]byte, len(resp.Body()))
	copy(out, resp.Body())
	return resp.StatusCode(), out
}

func (env *TestEnvironment) seedAudience(t *testing.T, contacts ...model.ContactRef) {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, 0, len(contacts))
	for i := range contacts {
		require.NoError(t, env.App.Audience.PutContact(ctx, testutil.TenantID, &contacts[i]))
		ids = append(ids, contacts[i].ID)
	}
	require.NoError(t, env.App.Audience.AddToSegment(ctx, testutil.TenantID, "segment-1", ids...))
}

func (env *TestEnvironment) waitForRun(t *testing.T, runID int64, status model.RunStatus) executor.ExecutionStats {
	t.Helper()
	var stats executor.ExecutionStats
	require.Eventually(t, func() bool {
		code, body := env.do(t, "GET", fmt.Sprintf("/api/v1/runs/%d/stats", runID), "")
		if code != fasthttp.StatusOK {
			return false
		}
		if err := json.Unmarshal(body, &stats); err != nil {
			return false
		}
		return stats.Status == status
	}, 10*time.Second, 50*time.Millisecond)
	return stats
}

func TestE2E_AsyncCampaignWithProviderFailover(t *testing.T) {
	var primaryHits, secondaryHits atomic.Int64
	cfg := baseConfig()
	cfg.ProviderPrimaryUrl = provider(t, true, &primaryHits)
	cfg.ProviderSecondaryUrl = provider(t, false, &secondaryHits)

	env := setupE2EEnvironment(t, cfg)
	env.seedAudience(t,
		model.ContactRef{ID: "c1", Phone: "+14155550101", Attributes: map[string]string{"first_name": "Ada"}},
		model.ContactRef{ID: "c2", Phone: "+14155550102", Attributes: map[string]string{"first_name": "Lin"}},
		model.ContactRef{ID: "c3", Email: "no-phone@example.com"},
	)
	c := env.Stores.Campaign(t, model.ChannelSMS)

	code, body := env.do(t, "POST", fmt.Sprintf("/api/v1/campaigns/%d/execute", c.ID), "")
	require.Equal(t, fasthttp.StatusAccepted, code, string(body))

	var res executor.ExecuteResult
	require.NoError(t, json.Unmarshal(body, &res))
	require.True(t, res.Success)
	require.NotNil(t, res.RunID)
	assert.Equal(t, 3, res.EnqueuedJobs)

	stats := env.waitForRun(t, *res.RunID, model.RunStatusCompleted)
	assert.Equal(t, int64(3), stats.ProcessedCount)
	assert.Equal(t, int64(2), stats.SentCount)
	assert.Equal(t, int64(1), stats.SkippedCount)
	assert.Equal(t, int64(2), stats.JobsByStatus[model.JobStatusSent])

	assert.Equal(t, int64(2), secondaryHits.Load())
	assert.Positive(t, primaryHits.Load())

	campaign := env.Stores.ReloadCampaign(t, c.ID)
	assert.Equal(t, model.CampaignStatusCompleted, campaign.Status)
	assert.Equal(t, int64(2), campaign.TotalSent)

	code, _ = env.do(t, "POST", fmt.Sprintf("/api/v1/campaigns/%d/execute", c.ID), "")
	assert.Equal(t, fasthttp.StatusConflict, code)
}

func TestE2E_SyncCampaign(t *testing.T) {
	var hits atomic.Int64
	cfg := baseConfig()
	cfg.ProviderEmailUrl = provider(t, false, &hits)

	env := setupE2EEnvironment(t, cfg)
	env.seedAudience(t,
		model.ContactRef{ID: "c1", Email: "ada@example.com"},
		model.ContactRef{ID: "c2", Email: "lin@example.com"},
	)
	c := env.Stores.Campaign(t, model.ChannelEmail)

	code, body := env.do(t, "POST", fmt.Sprintf("/api/v1/campaigns/%d/execute", c.ID), `{"mode":"sync"}`)
	require.Equal(t, fasthttp.StatusAccepted, code, string(body))

	var res executor.ExecuteResult
	require.NoError(t, json.Unmarshal(body, &res))
	require.NotNil(t, res.Dispatch)
	assert.Equal(t, int64(2), res.Dispatch.SentCount)
	assert.Equal(t, int64(2), hits.Load())

	run := env.Stores.ReloadRun(t, *res.RunID)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
}

func TestE2E_DryRunAndCancel(t *testing.T) {
	var hits atomic.Int64
	cfg := baseConfig()
	cfg.ProviderPushUrl = provider(t, false, &hits)

	env := setupE2EEnvironment(t, cfg)
	env.seedAudience(t, model.ContactRef{ID: "c1", DeviceToken: "device-token-1"})
	c := env.Stores.Campaign(t, model.ChannelPush)

	code, body := env.do(t, "POST", fmt.Sprintf("/api/v1/campaigns/%d/execute", c.ID), `{"dry_run":true}`)
	require.Equal(t, fasthttp.StatusOK, code, string(body))
	var res executor.ExecuteResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, 1, res.TotalRecipients)
	assert.Nil(t, res.RunID)

	code, _ = env.do(t, "POST", fmt.Sprintf("/api/v1/campaigns/%d/cancel", c.ID), "")
	assert.Equal(t, fasthttp.StatusConflict, code, "draft campaigns are not cancellable")

	code, _ = env.do(t, "POST", "/api/v1/campaigns/999/execute", "")
	assert.Equal(t, fasthttp.StatusNotFound, code)
	assert.Zero(t, hits.Load())
}

func TestE2E_Readiness(t *testing.T) {
	env := setupE2EEnvironment(t, baseConfig())

	code, body := env.do(t, "GET", "/api/v1/ready", "")
	require.Equal(t, fasthttp.StatusOK, code, string(body))
	assert.Contains(t, string(body), "worker")

	code, _ = env.do(t, "GET", "/api/v1/health", "")
	assert.Equal(t, fasthttp.StatusOK, code)
}
