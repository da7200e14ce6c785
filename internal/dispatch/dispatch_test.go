package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nimasrn/campaign-pipeline/internal/aggregator"
	"github.com/nimasrn/campaign-pipeline/internal/channel"
	"github.com/nimasrn/campaign-pipeline/internal/events"
	"github.com/nimasrn/campaign-pipeline/internal/model"
	"github.com/nimasrn/campaign-pipeline/internal/pipeline"
	"github.com/nimasrn/campaign-pipeline/internal/queue"
	"github.com/nimasrn/campaign-pipeline/internal/template"
	"github.com/nimasrn/campaign-pipeline/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type completer struct {
	stores *testutil.Stores
}

func (c *completer) MarkRunCompleted(ctx context.Context, runID int64, _ model.RunCounts) error {
	_, err := c.stores.Runs.MarkCompleted(ctx, runID, time.Now().UTC())
	return err
}

type fakePublisher struct {
	mu     sync.Mutex
	refs   []model.DeliveryJobRef
	meta   []map[string]string
	failOn map[string]bool
}

func (p *fakePublisher) Publish(_ context.Context, data []byte, metadata map[string]string) (string, error) {
	var ref model.DeliveryJobRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return "", err
	}
	if p.failOn[ref.ContactID] {
		return "", errors.New("stream unavailable")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs = append(p.refs, ref)
	p.meta = append(p.meta, metadata)
	return fmt.Sprintf("%d-0", len(p.refs)), nil
}

type fixture struct {
	stores    *testutil.Stores
	contacts  *testutil.Contacts
	sender    *testutil.Sender
	recorder  *events.Recorder
	publisher *fakePublisher
	processor *pipeline.Processor
}

func newFixture(t *testing.T, results ...model.SendResult) *fixture {
	stores := testutil.NewStores(t)
	recorder := events.NewRecorder()
	contacts := testutil.NewContacts()
	sender := testutil.NewSender(model.ChannelEmail, results...)

	machine := pipeline.NewMachine(stores.DB, stores.Jobs, aggregator.New(stores.DB, stores.Runs), events.NewEmitter(recorder))
	machine.SetCompleter(&completer{stores: stores})

	processor := pipeline.NewProcessor(pipeline.Deps{
		Jobs:      stores.Jobs,
		Runs:      stores.Runs,
		Campaigns: stores.Campaigns,
		Contacts:  contacts,
		Renderer:  template.NewRenderer(stores.Templates),
		Senders:   channel.NewRegistry(sender),
		Machine:   machine,
		Policies:  pipeline.StaticPolicy(pipeline.RetryPolicy{MaxAttempts: 3}),
	})

	return &fixture{
		stores:    stores,
		contacts:  contacts,
		sender:    sender,
		recorder:  recorder,
		publisher: &fakePublisher{failOn: map[string]bool{}},
		processor: processor,
	}
}

func (f *fixture) engine(opts Options) *Engine {
	return NewEngine(f.stores.Jobs, f.stores.Runs, f.processor, f.publisher, opts)
}

func (f *fixture) recipients(n int, missingEmail ...string) []model.ContactRef {
	skip := map[string]bool{}
	for _, id := range missingEmail {
		skip[id] = true
	}
	out := make([]model.ContactRef, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("c%03d", i)
		ref := model.ContactRef{ID: id, Email: id + "@example.com", Attributes: map[string]string{"first_name": id}}
		if skip[id] {
			ref.Email = ""
		}
		f.contacts.Put(ref)
		out = append(out, ref)
	}
	return out
}

func TestEngine_DispatchBatches(t *testing.T) {
	f := newFixture(t)
	f.sender.PanicOn = "c042"
	recipients := f.recipients(120, "c007", "c099")

	c := f.stores.Campaign(t, model.ChannelEmail)
	run := f.stores.Run(t, c, int64(len(recipients)))

	result, err := f.engine(Options{}).Dispatch(context.Background(), c, run, recipients)
	require.NoError(t, err)

	assert.Equal(t, run.ID, result.RunID)
	assert.Equal(t, int64(117), result.SentCount)
	assert.Equal(t, int64(1), result.FailedCount)
	assert.Equal(t, int64(2), result.SkippedCount)
	assert.GreaterOrEqual(t, result.DurationMs, int64(0))

	got := f.stores.ReloadRun(t, run.ID)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.Equal(t, int64(120), got.ProcessedCount)
	assert.Equal(t, got.SentCount+got.FailedCount+got.SkippedCount, got.ProcessedCount)

	jobs, err := f.stores.Jobs.ListByRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 120)
	for _, job := range jobs {
		assert.True(t, job.Status.Terminal(), "job %d left in %s", job.ID, job.Status)
		if job.ContactID == "c042" {
			assert.Equal(t, model.JobStatusDead, job.Status)
			assert.Equal(t, CodeDispatchError, job.ErrorCode)
		}
	}
}

func TestEngine_DispatchRetriesInPlace(t *testing.T) {
	rateLimited := model.Failed(model.NewSendError(model.CodeRateLimited, "slow down"))
	f := newFixture(t, rateLimited, model.Sent("provider-1"))
	recipients := f.recipients(1)
	c := f.stores.Campaign(t, model.ChannelEmail)
	run := f.stores.Run(t, c, 1)

	engine := f.engine(Options{SyncPolicy: pipeline.RetryPolicy{
		MaxAttempts: 2,
		Backoff:     pipeline.ExponentialBackoff(time.Millisecond, 10*time.Millisecond),
	}})
	result, err := engine.Dispatch(context.Background(), c, run, recipients)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.SentCount)
	assert.Len(t, f.sender.Calls(), 2)
	assert.Equal(t, 1, f.recorder.Count(events.SubjectJobRetrying))
}

func TestEngine_DispatchSingleAttemptByDefault(t *testing.T) {
	rateLimited := model.Failed(model.NewSendError(model.CodeRateLimited, "slow down"))
	f := newFixture(t, rateLimited)
	recipients := f.recipients(2)
	c := f.stores.Campaign(t, model.ChannelEmail)
	run := f.stores.Run(t, c, 2)

	result, err := f.engine(Options{}).Dispatch(context.Background(), c, run, recipients)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.FailedCount)
	assert.Equal(t, 0, f.recorder.Count(events.SubjectJobRetrying))
	assert.Equal(t, model.RunStatusCompleted, f.stores.ReloadRun(t, run.ID).Status)
}

func TestEngine_DispatchCancelledMidRunSettlesEveryJob(t *testing.T) {
	f := newFixture(t)
	recipients := f.recipients(120)
	c := f.stores.Campaign(t, model.ChannelEmail)
	run := f.stores.Run(t, c, int64(len(recipients)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.sender.OnSend = func(model.Recipient) { cancel() }

	_, err := f.engine(Options{BatchSize: 50}).Dispatch(ctx, c, run, recipients)
	require.ErrorIs(t, err, context.Canceled)

	// later batches are never attempted
	assert.LessOrEqual(t, len(f.sender.Calls()), 50)

	jobs, err := f.stores.Jobs.ListByRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 120)
	for _, job := range jobs {
		assert.True(t, job.Status.Terminal(), "job %d for %s left %s", job.ID, job.ContactID, job.Status)
	}

	got := f.stores.ReloadRun(t, run.ID)
	assert.Equal(t, int64(120), got.ProcessedCount)
	assert.Equal(t, got.SentCount+got.FailedCount+got.SkippedCount, got.ProcessedCount)
	assert.GreaterOrEqual(t, got.FailedCount, int64(70))
	assert.Equal(t, model.RunStatusCompleted, got.Status)
}

func TestEngine_DispatchDuplicateJobsFailTheRun(t *testing.T) {
	f := newFixture(t)
	recipients := f.recipients(3)
	c := f.stores.Campaign(t, model.ChannelEmail)
	run := f.stores.Run(t, c, 3)

	// jobs for this campaign already exist
	f.stores.Job(t, c, run, "c001")

	_, err := f.engine(Options{}).Dispatch(context.Background(), c, run, recipients)
	assert.Error(t, err)
}

func TestEngine_Enqueue(t *testing.T) {
	f := newFixture(t)
	recipients := f.recipients(7)
	f.publisher.failOn["c003"] = true
	c := f.stores.Campaign(t, model.ChannelEmail)
	run := f.stores.Run(t, c, 7)

	enqueued, err := f.engine(Options{ChunkSize: 3}).Enqueue(context.Background(), c, run, recipients)
	require.NoError(t, err)
	assert.Equal(t, 6, enqueued)

	require.Len(t, f.publisher.refs, 6)
	ref := f.publisher.refs[0]
	assert.Equal(t, run.ID, ref.CampaignRunID)
	assert.Equal(t, c.TemplateVersionID, ref.TemplateVersionID)
	assert.Equal(t, CorrelationID(run.ID, ref.ContactID), ref.CorrelationID)
	assert.Equal(t, testutil.TenantID, f.publisher.meta[0]["tenant_id"])

	jobs, err := f.stores.Jobs.ListByRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 7)
	for _, job := range jobs {
		if job.ContactID == "c003" {
			assert.Equal(t, model.JobStatusDead, job.Status)
			assert.Equal(t, pipeline.CodeEnqueueFailed, job.ErrorCode)
		} else {
			assert.Equal(t, model.JobStatusQueued, job.Status)
		}
	}
	assert.Equal(t, int64(1), f.stores.ReloadRun(t, run.ID).FailedCount)
}

func TestEngine_EnqueueStopsOnCancelledRun(t *testing.T) {
	f := newFixture(t)
	recipients := f.recipients(5)
	c := f.stores.Campaign(t, model.ChannelEmail)
	run := f.stores.Run(t, c, 5)

	_, err := f.stores.Runs.MarkCancelled(context.Background(), run.ID, time.Now().UTC())
	require.NoError(t, err)

	enqueued, err := f.engine(Options{ChunkSize: 2}).Enqueue(context.Background(), c, run, recipients)
	require.NoError(t, err)
	assert.Equal(t, 0, enqueued)

	jobs, err := f.stores.Jobs.ListByRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestEngine_EnqueueOntoRedisStream(t *testing.T) {
	f := newFixture(t)
	_, adapter := testutil.NewRedis(t)
	q, err := queue.NewQueue(adapter, queue.QueueConfig{
		Name:          "test:dispatch",
		ConsumerGroup: "workers",
		ConsumerName:  "w1",
		MaxRetries:    3,
		BatchSize:     10,
		PollInterval:  10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer q.Stop(time.Second)

	recipients := f.recipients(4)
	c := f.stores.Campaign(t, model.ChannelEmail)
	run := f.stores.Run(t, c, 4)

	engine := NewEngine(f.stores.Jobs, f.stores.Runs, f.processor, q, Options{})
	enqueued, err := engine.Enqueue(context.Background(), c, run, recipients)
	require.NoError(t, err)
	assert.Equal(t, 4, enqueued)

	stats, err := q.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.TotalMessages)
}

func TestBuildJobs_DeduplicatesContacts(t *testing.T) {
	c := &model.Campaign{ID: 1, Channel: model.ChannelSMS, TemplateVersionID: "tv"}
	run := &model.CampaignRun{ID: 2, TenantID: "t"}
	jobs := buildJobs(c, run, []model.ContactRef{{ID: "a"}, {ID: "b"}, {ID: "a"}})

	require.Len(t, jobs, 2)
	assert.Equal(t, "run-2-a", jobs[0].CorrelationID)
	assert.Equal(t, model.JobStatusQueued, jobs[1].Status)
	assert.Equal(t, model.ChannelSMS, jobs[1].Channel)
}
