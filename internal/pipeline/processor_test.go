package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/nimasrn/campaign-pipeline/internal/events"
	"github.com/nimasrn/campaign-pipeline/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rateLimited() model.SendResult {
	return model.Failed(model.NewSendError(model.CodeRateLimited, "slow down"))
}

func TestProcessor_SkipCountsAsProcessed(t *testing.T) {
	h := newHarness(t, model.ChannelEmail, noBackoff(3))
	h.contacts.Put(emailContact("c1", "ann@example.com"))
	h.contacts.Put(emailContact("c2", ""))
	h.contacts.Put(emailContact("c3", "bob@example.com"))

	c := h.stores.Campaign(t, model.ChannelEmail)
	run := h.stores.Run(t, c, 3)
	var jobs []*model.DeliveryJob
	for _, id := range []string{"c1", "c2", "c3"} {
		jobs = append(jobs, h.stores.Job(t, c, run, id))
	}

	kinds := map[OutcomeKind]int{}
	for _, job := range jobs {
		kinds[h.processor.Process(context.Background(), job.Ref()).Kind]++
	}
	assert.Equal(t, map[OutcomeKind]int{OutcomeSent: 2, OutcomeSkipped: 1}, kinds)

	got := h.stores.ReloadRun(t, run.ID)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.Equal(t, int64(3), got.ProcessedCount)
	assert.Equal(t, int64(2), got.SentCount)
	assert.Equal(t, int64(1), got.SkippedCount)
	assert.Equal(t, int64(0), got.FailedCount)

	skipped := h.stores.ReloadJob(t, jobs[1].ID)
	assert.Equal(t, model.JobStatusSkipped, skipped.Status)
	assert.Equal(t, model.SkipMissingEmail, skipped.SkipReason)

	sent := h.stores.ReloadJob(t, jobs[0].ID)
	assert.Equal(t, model.JobStatusSent, sent.Status)
	assert.NotEmpty(t, sent.ProviderMessageID)
	assert.NotNil(t, sent.SentAt)

	assert.Equal(t, int32(1), h.completer.calls.Load())
	assert.Equal(t, []model.RunCounts{{Sent: 2, Skipped: 1}}, h.completer.counts)
	assert.Equal(t, 3, h.recorder.Count(events.SubjectJobStarted))
	assert.Equal(t, 2, h.recorder.Count(events.SubjectJobSent))
	assert.Equal(t, 1, h.recorder.Count(events.SubjectJobSkipped))

	calls := h.sender.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, jobs[0].CorrelationID, calls[0].Reference)
	assert.Equal(t, "Ann", calls[0].Name)
}

func TestProcessor_RetryableErrorExhaustsAttempts(t *testing.T) {
	h := newHarness(t, model.ChannelEmail, noBackoff(3), rateLimited())
	h.contacts.Put(emailContact("c1", "ann@example.com"))
	c := h.stores.Campaign(t, model.ChannelEmail)
	run := h.stores.Run(t, c, 1)
	job := h.stores.Job(t, c, run, "c1")

	outs := h.processUntilDone(t, job)
	require.Len(t, outs, 3)
	assert.Equal(t, OutcomeRetry, outs[0].Kind)
	assert.Equal(t, 1, outs[0].Attempt)
	assert.Equal(t, OutcomeRetry, outs[1].Kind)
	assert.Equal(t, OutcomeDead, outs[2].Kind)
	assert.Equal(t, 3, outs[2].Attempt)
	assert.Equal(t, string(model.CodeRateLimited), outs[2].Code)

	got := h.stores.ReloadJob(t, job.ID)
	assert.Equal(t, model.JobStatusDead, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, string(model.CodeRateLimited), got.ErrorCode)

	r := h.stores.ReloadRun(t, run.ID)
	assert.Equal(t, int64(1), r.FailedCount)
	assert.Equal(t, int64(1), r.ProcessedCount)
	assert.Equal(t, model.RunStatusCompleted, r.Status)

	assert.Equal(t, 1, h.recorder.Count(events.SubjectJobDead))
	assert.Equal(t, 2, h.recorder.Count(events.SubjectJobRetrying))
	assert.Len(t, h.sender.Calls(), 3)

	var attempts []int
	for _, ev := range h.recorder.Events() {
		if ev.Subject == events.SubjectJobRetrying {
			attempts = append(attempts, ev.Attempt)
		}
	}
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestProcessor_NonRetryableErrorKillsImmediately(t *testing.T) {
	result := model.Failed(model.NewSendError(model.CodeUnsubscribed, "recipient opted out"))
	h := newHarness(t, model.ChannelEmail, noBackoff(3), result)
	h.contacts.Put(emailContact("c1", "ann@example.com"))
	c := h.stores.Campaign(t, model.ChannelEmail)
	run := h.stores.Run(t, c, 1)
	job := h.stores.Job(t, c, run, "c1")

	out := h.processor.Process(context.Background(), job.Ref())
	assert.Equal(t, OutcomeDead, out.Kind)

	got := h.stores.ReloadJob(t, job.ID)
	assert.Equal(t, model.JobStatusDead, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, 0, h.recorder.Count(events.SubjectJobRetrying))
	assert.Equal(t, 1, h.recorder.Count(events.SubjectJobDead))
}

func TestProcessor_RetryDelayFollowsPolicy(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, Backoff: ExponentialBackoff(DefaultBaseDelay, DefaultMaxDelay)}
	h := newHarness(t, model.ChannelEmail, policy, rateLimited())
	h.contacts.Put(emailContact("c1", "ann@example.com"))
	c := h.stores.Campaign(t, model.ChannelEmail)
	run := h.stores.Run(t, c, 1)
	job := h.stores.Job(t, c, run, "c1")

	out := h.processor.Process(context.Background(), job.Ref())
	assert.Equal(t, OutcomeRetry, out.Kind)
	assert.Equal(t, DefaultBaseDelay, out.Delay)

	out = h.processor.Process(context.Background(), job.Ref())
	assert.Equal(t, 2*DefaultBaseDelay, out.Delay)
}

func TestProcessor_ClaimIsIdempotent(t *testing.T) {
	h := newHarness(t, model.ChannelEmail, noBackoff(3))
	h.contacts.Put(emailContact("c1", "ann@example.com"))
	c := h.stores.Campaign(t, model.ChannelEmail)
	run := h.stores.Run(t, c, 2)
	job := h.stores.Job(t, c, run, "c1")

	// a second worker already claimed it
	claimed, err := h.machine.Claim(context.Background(), job)
	require.NoError(t, err)
	require.True(t, claimed)

	out := h.processor.Process(context.Background(), job.Ref())
	assert.Equal(t, OutcomeSent, out.Kind)

	again := h.processor.Process(context.Background(), job.Ref())
	assert.Equal(t, OutcomeDuplicate, again.Kind)

	r := h.stores.ReloadRun(t, run.ID)
	assert.Equal(t, int64(1), r.ProcessedCount)
	assert.Equal(t, int64(1), r.SentCount)
	assert.Equal(t, 1, h.recorder.Count(events.SubjectJobStarted))
}

func TestProcessor_ConcurrentWorkersCompleteRunOnce(t *testing.T) {
	h := newHarness(t, model.ChannelEmail, noBackoff(3))
	c := h.stores.Campaign(t, model.ChannelEmail)
	run := h.stores.Run(t, c, 10)

	var jobs []*model.DeliveryJob
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("c%d", i)
		h.contacts.Put(emailContact(id, id+"@example.com"))
		jobs = append(jobs, h.stores.Job(t, c, run, id))
	}
	for _, job := range jobs[:8] {
		require.Equal(t, OutcomeSent, h.processor.Process(context.Background(), job.Ref()).Kind)
	}

	// two workers per remaining job, as after a redelivery
	var wg sync.WaitGroup
	for _, job := range jobs[8:] {
		for w := 0; w < 2; w++ {
			wg.Add(1)
			go func(ref model.DeliveryJobRef) {
				defer wg.Done()
				h.processor.Process(context.Background(), ref)
			}(job.Ref())
		}
	}
	wg.Wait()

	r := h.stores.ReloadRun(t, run.ID)
	assert.Equal(t, model.RunStatusCompleted, r.Status)
	assert.Equal(t, int64(10), r.ProcessedCount)
	assert.Equal(t, int64(10), r.SentCount)
	assert.Equal(t, int32(1), h.completer.calls.Load())
	assert.Equal(t, 10, h.recorder.Count(events.SubjectJobSent))
}

func TestProcessor_ContactNotFoundSkips(t *testing.T) {
	h := newHarness(t, model.ChannelSMS, noBackoff(3))
	c := h.stores.Campaign(t, model.ChannelSMS)
	run := h.stores.Run(t, c, 1)
	job := h.stores.Job(t, c, run, "ghost")

	out := h.processor.Process(context.Background(), job.Ref())
	assert.Equal(t, OutcomeSkipped, out.Kind)
	assert.Equal(t, string(model.SkipContactNotFound), out.Code)
	assert.Equal(t, model.SkipContactNotFound, h.stores.ReloadJob(t, job.ID).SkipReason)
	assert.Empty(t, h.sender.Calls())
}

func TestProcessor_MissingPhoneSkips(t *testing.T) {
	h := newHarness(t, model.ChannelWhatsApp, noBackoff(3))
	h.contacts.Put(model.ContactRef{ID: "c1", Email: "ann@example.com"})
	c := h.stores.Campaign(t, model.ChannelWhatsApp)
	run := h.stores.Run(t, c, 1)
	job := h.stores.Job(t, c, run, "c1")

	out := h.processor.Process(context.Background(), job.Ref())
	assert.Equal(t, OutcomeSkipped, out.Kind)
	assert.Equal(t, model.SkipMissingPhone, h.stores.ReloadJob(t, job.ID).SkipReason)
}

func TestProcessor_TemplateNotFoundIsUnrecoverable(t *testing.T) {
	h := newHarness(t, model.ChannelEmail, noBackoff(3))
	h.contacts.Put(emailContact("c1", "ann@example.com"))
	c := h.stores.Campaign(t, model.ChannelEmail, func(c *model.Campaign) {
		c.TemplateVersionID = "missing"
	})
	run := h.stores.Run(t, c, 1)
	job := h.stores.Job(t, c, run, "c1")

	out := h.processor.Process(context.Background(), job.Ref())
	assert.Equal(t, OutcomeDead, out.Kind)
	assert.True(t, model.IsUnrecoverable(out.Err))
	assert.ErrorIs(t, out.Err, model.ErrTemplateNotFound)

	got := h.stores.ReloadJob(t, job.ID)
	assert.Equal(t, model.JobStatusDead, got.Status)
	assert.Equal(t, string(model.ReasonTemplateNotFound), got.ErrorCode)
	assert.Equal(t, int64(1), h.stores.ReloadRun(t, run.ID).FailedCount)
}

func TestProcessor_InvalidRecipientIsUnrecoverable(t *testing.T) {
	h := newHarness(t, model.ChannelSMS, noBackoff(3))
	// present, so the pre-send check passes, but not an E.164 number
	h.contacts.Put(model.ContactRef{ID: "c1", Phone: "12"})
	c := h.stores.Campaign(t, model.ChannelSMS)
	run := h.stores.Run(t, c, 1)
	job := h.stores.Job(t, c, run, "c1")

	out := h.processor.Process(context.Background(), job.Ref())
	assert.Equal(t, OutcomeDead, out.Kind)
	assert.Equal(t, string(model.ReasonInvalidRecipient), out.Code)
	assert.Empty(t, h.sender.Calls())
}

func TestProcessor_JobNotFound(t *testing.T) {
	h := newHarness(t, model.ChannelEmail, noBackoff(3))

	out := h.processor.Process(context.Background(), model.DeliveryJobRef{JobID: 999})
	assert.Equal(t, OutcomeDead, out.Kind)
	assert.Equal(t, string(model.ReasonJobNotFound), out.Code)
	assert.True(t, model.IsUnrecoverable(out.Err))
}

func TestProcessor_RunNotFoundKillsJob(t *testing.T) {
	h := newHarness(t, model.ChannelEmail, noBackoff(3))
	h.contacts.Put(emailContact("c1", "ann@example.com"))
	c := h.stores.Campaign(t, model.ChannelEmail)
	job := h.stores.Job(t, c, &model.CampaignRun{ID: 4242}, "c1")

	out := h.processor.Process(context.Background(), job.Ref())
	assert.Equal(t, OutcomeDead, out.Kind)
	assert.Equal(t, string(model.ReasonRunNotFound), out.Code)

	got := h.stores.ReloadJob(t, job.ID)
	assert.Equal(t, model.JobStatusDead, got.Status)
	assert.Equal(t, string(model.ReasonRunNotFound), got.ErrorCode)
	assert.Equal(t, 1, h.recorder.Count(events.SubjectJobDead))
	assert.Empty(t, h.sender.Calls())

	// a redelivered ref is now a duplicate
	assert.Equal(t, OutcomeDuplicate, h.processor.Process(context.Background(), job.Ref()).Kind)
}

func TestProcessor_CancelledRunSkipsUnclaimedJobs(t *testing.T) {
	h := newHarness(t, model.ChannelEmail, noBackoff(3))
	h.contacts.Put(emailContact("c1", "ann@example.com"))
	c := h.stores.Campaign(t, model.ChannelEmail)
	run := h.stores.Run(t, c, 1)
	job := h.stores.Job(t, c, run, "c1")

	_, err := h.stores.Runs.MarkCancelled(context.Background(), run.ID, run.CreatedAt)
	require.NoError(t, err)

	out := h.processor.Process(context.Background(), job.Ref())
	assert.Equal(t, OutcomeSkipped, out.Kind)
	assert.Equal(t, model.SkipRunCancelled, h.stores.ReloadJob(t, job.ID).SkipReason)
	assert.Empty(t, h.sender.Calls())
	assert.Equal(t, int32(0), h.completer.calls.Load())
}

func TestProcessor_EventFailuresNeverFailTheJob(t *testing.T) {
	h := newHarness(t, model.ChannelEmail, noBackoff(3))
	h.recorder.Err = errors.New("bus down")
	h.contacts.Put(emailContact("c1", "ann@example.com"))
	c := h.stores.Campaign(t, model.ChannelEmail)
	run := h.stores.Run(t, c, 1)
	job := h.stores.Job(t, c, run, "c1")

	out := h.processor.Process(context.Background(), job.Ref())
	assert.Equal(t, OutcomeSent, out.Kind)
	assert.Equal(t, model.JobStatusSent, h.stores.ReloadJob(t, job.ID).Status)
}

func TestProcessor_Abandon(t *testing.T) {
	h := newHarness(t, model.ChannelEmail, noBackoff(3))
	c := h.stores.Campaign(t, model.ChannelEmail)
	run := h.stores.Run(t, c, 1)
	job := h.stores.Job(t, c, run, "c1")

	out := h.processor.Abandon(context.Background(), job.ID, CodeEnqueueFailed, "queue unavailable")
	assert.Equal(t, OutcomeDead, out.Kind)

	got := h.stores.ReloadJob(t, job.ID)
	assert.Equal(t, model.JobStatusDead, got.Status)
	assert.Equal(t, CodeEnqueueFailed, got.ErrorCode)
	assert.Equal(t, model.RunStatusCompleted, h.stores.ReloadRun(t, run.ID).Status)

	again := h.processor.Abandon(context.Background(), job.ID, CodeEnqueueFailed, "queue unavailable")
	assert.Equal(t, OutcomeDuplicate, again.Kind)
	assert.Equal(t, int64(1), h.stores.ReloadRun(t, run.ID).ProcessedCount)
}

func TestProcessor_WithPolicies(t *testing.T) {
	h := newHarness(t, model.ChannelEmail, noBackoff(3), rateLimited())
	h.contacts.Put(emailContact("c1", "ann@example.com"))
	c := h.stores.Campaign(t, model.ChannelEmail)
	run := h.stores.Run(t, c, 1)
	job := h.stores.Job(t, c, run, "c1")

	single := h.processor.WithPolicies(StaticPolicy(noBackoff(1)))
	out := single.Process(context.Background(), job.Ref())
	assert.Equal(t, OutcomeDead, out.Kind)
	assert.Equal(t, 3, h.processor.PolicyFor("any").MaxAttempts)
}
