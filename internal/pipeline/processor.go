package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimasrn/campaign-pipeline/internal/channel"
	"github.com/nimasrn/campaign-pipeline/internal/model"
	"github.com/nimasrn/campaign-pipeline/internal/repository"
	"github.com/nimasrn/campaign-pipeline/internal/template"
	"github.com/nimasrn/campaign-pipeline/pkg/logger"
	"github.com/nimasrn/campaign-pipeline/pkg/prom"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/nimasrn/campaign-pipeline/internal/pipeline"

// Dead-letter codes written by the pipeline itself, next to the provider
// error codes.
const (
	CodeDeadLettered  = "DEAD_LETTERED"
	CodeEnqueueFailed = "ENQUEUE_FAILED"
)

type RunReader interface {
	Get(ctx context.Context, id int64) (*model.CampaignRun, error)
}

type CampaignReader interface {
	GetByID(ctx context.Context, id int64) (*model.Campaign, error)
}

type ContactStore interface {
	GetContact(ctx context.Context, tenantID, contactID string) (*model.ContactRef, error)
}

type Renderer interface {
	Render(ctx context.Context, templateVersionID string, vars map[string]string) (*model.RenderedContent, error)
}

type SenderSource interface {
	Get(ch model.Channel) (channel.Sender, error)
}

type Deps struct {
	Jobs      JobStore
	Runs      RunReader
	Campaigns CampaignReader
	Contacts  ContactStore
	Renderer  Renderer
	Senders   SenderSource
	Machine   *Machine
	Policies  PolicySource
	// SendTimeout bounds a single provider call. Zero leaves it to ctx.
	SendTimeout time.Duration
	// CountryCode completes phone numbers stored in national format.
	CountryCode string
}

// Processor runs one delivery attempt of a job: load, claim, resolve the
// contact, render, send and classify. Mutable state always comes from the
// store, never from the ref.
type Processor struct {
	deps   Deps
	tracer trace.Tracer
}

func NewProcessor(deps Deps) *Processor {
	if deps.Policies == nil {
		deps.Policies = StaticPolicy(DefaultRetryPolicy())
	}
	return &Processor{deps: deps, tracer: otel.Tracer(tracerName)}
}

// WithPolicies returns a processor sharing every dependency but the retry
// policies. The synchronous dispatch path uses it for its own budget.
func (p *Processor) WithPolicies(policies PolicySource) *Processor {
	deps := p.deps
	deps.Policies = policies
	return &Processor{deps: deps, tracer: p.tracer}
}

func (p *Processor) PolicyFor(tenantID string) RetryPolicy {
	return p.deps.Policies.PolicyFor(tenantID)
}

func (p *Processor) Process(ctx context.Context, ref model.DeliveryJobRef) (out Outcome) {
	ctx, span := p.tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.Int64("job.id", ref.JobID),
		attribute.Int64("run.id", ref.CampaignRunID),
		attribute.String("tenant.id", ref.TenantID),
		attribute.String("channel", string(ref.Channel)),
		attribute.String("correlation.id", ref.CorrelationID),
	))
	defer func() {
		span.SetAttributes(attribute.String("outcome", out.Kind.String()), attribute.Int("attempt", out.Attempt))
		if out.Err != nil {
			span.RecordError(out.Err)
		}
		if out.Kind == OutcomeError || out.Kind == OutcomeDead {
			span.SetStatus(codes.Error, out.Code)
		}
		span.End()
	}()

	out = p.process(ctx, ref)
	out.JobID = ref.JobID
	return out
}

func (p *Processor) process(ctx context.Context, ref model.DeliveryJobRef) Outcome {
	job, err := p.deps.Jobs.Get(ctx, ref.JobID)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			logger.Warn("delivery job not found", "job_id", ref.JobID, "run_id", ref.CampaignRunID)
			return deadOutcome(model.NewUnrecoverable(model.ReasonJobNotFound, err), 0)
		}
		return errorOutcome(fmt.Errorf("load job %d: %w", ref.JobID, err))
	}
	if job.Status.Terminal() {
		return Outcome{Kind: OutcomeDuplicate, Attempt: job.Attempt()}
	}

	log := logger.With(
		"job_id", job.ID,
		"run_id", job.CampaignRunID,
		"campaign_id", job.CampaignID,
		"channel", job.Channel,
		"attempt", job.Attempt(),
	)

	run, err := p.deps.Runs.Get(ctx, job.CampaignRunID)
	if err != nil {
		if errors.Is(err, repository.ErrRunNotFound) {
			unrecoverable := model.NewUnrecoverable(model.ReasonRunNotFound, err)
			if _, err := p.deps.Machine.Orphan(ctx, job, string(model.ReasonRunNotFound), unrecoverable.Error()); err != nil {
				return errorOutcome(err)
			}
			log.Warn("run missing, job dead")
			return deadOutcome(unrecoverable, job.Attempt())
		}
		return errorOutcome(fmt.Errorf("load run %d: %w", job.CampaignRunID, err))
	}
	unclaimed := job.Status != model.JobStatusProcessing

	claimed, err := p.deps.Machine.Claim(ctx, job)
	if err != nil {
		return errorOutcome(err)
	}
	if !claimed {
		return Outcome{Kind: OutcomeDuplicate, Attempt: job.Attempt()}
	}

	if unclaimed && run.Status == model.RunStatusCancelled {
		log.Info("run cancelled, skipping job")
		return p.skip(ctx, job, model.SkipRunCancelled)
	}

	campaign, err := p.deps.Campaigns.GetByID(ctx, job.CampaignID)
	if err != nil {
		if errors.Is(err, repository.ErrCampaignNotFound) {
			return p.kill(ctx, job, model.ReasonCampaignNotFound, err)
		}
		return errorOutcome(fmt.Errorf("load campaign %d: %w", job.CampaignID, err))
	}

	contact, err := p.deps.Contacts.GetContact(ctx, job.TenantID, job.ContactID)
	if err != nil {
		if errors.Is(err, model.ErrContactNotFound) {
			return p.skip(ctx, job, model.SkipContactNotFound)
		}
		return errorOutcome(fmt.Errorf("load contact %s: %w", job.ContactID, err))
	}

	if reason := channel.PreSendCheck(job.Channel, contact); reason != "" {
		log.Info("recipient not addressable, skipping job", "reason", reason)
		return p.skip(ctx, job, reason)
	}

	content, err := p.deps.Renderer.Render(ctx, job.TemplateVersionID, template.Variables(contact, campaign, job.TenantID))
	if err != nil {
		switch {
		case errors.Is(err, model.ErrTemplateNotFound):
			return p.kill(ctx, job, model.ReasonTemplateNotFound, err)
		case errors.Is(err, model.ErrTemplateInvalid):
			return p.kill(ctx, job, model.ReasonTemplateInvalid, err)
		}
		return errorOutcome(fmt.Errorf("render template %s: %w", job.TemplateVersionID, err))
	}

	sender, err := p.deps.Senders.Get(job.Channel)
	if err != nil {
		return p.kill(ctx, job, model.ReasonChannelUnsupported, err)
	}

	recipient := channel.RecipientFor(job.Channel, contact, p.deps.CountryCode)
	recipient.Reference = job.CorrelationID
	if err := sender.ValidateRecipient(recipient); err != nil {
		return p.kill(ctx, job, model.ReasonInvalidRecipient, err)
	}

	result := p.send(ctx, sender, recipient, content)
	if result.Success {
		applied, err := p.deps.Machine.Complete(ctx, job, result.ProviderMessageID)
		if err != nil {
			return errorOutcome(err)
		}
		if !applied {
			return Outcome{Kind: OutcomeDuplicate, Attempt: job.Attempt()}
		}
		log.Debug("message sent", "provider_message_id", result.ProviderMessageID)
		return Outcome{Kind: OutcomeSent, Attempt: job.Attempt()}
	}

	return p.fail(ctx, job, result.Err())
}

func (p *Processor) send(ctx context.Context, sender channel.Sender, r model.Recipient, content *model.RenderedContent) model.SendResult {
	if p.deps.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.deps.SendTimeout)
		defer cancel()
	}

	ctx, span := p.tracer.Start(ctx, "channel.send", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	start := time.Now()
	result := sender.Send(ctx, r, content)
	outcome := "success"
	if !result.Success {
		outcome = string(result.ErrorCode)
		span.SetStatus(codes.Error, result.ErrorMessage)
	}
	prom.AddSendDuration(time.Since(start).Seconds(), string(r.Channel), outcome)
	return result
}

// fail applies the retry policy to a classified send error.
func (p *Processor) fail(ctx context.Context, job *model.DeliveryJob, sendErr *model.SendError) Outcome {
	policy := p.deps.Policies.PolicyFor(job.TenantID)
	attempt := job.Attempt()

	if policy.ShouldRetry(attempt, sendErr) {
		applied, err := p.deps.Machine.Retry(ctx, job, sendErr)
		if err != nil {
			return errorOutcome(err)
		}
		if !applied {
			return Outcome{Kind: OutcomeDuplicate, Attempt: attempt}
		}
		logger.Warn("send failed, retrying",
			"job_id", job.ID, "attempt", attempt, "max_attempts", policy.MaxAttempts, "code", sendErr.Code)
		return Outcome{
			Kind:    OutcomeRetry,
			Attempt: attempt,
			Delay:   policy.Delay(attempt),
			Code:    string(sendErr.Code),
			Err:     sendErr,
		}
	}

	applied, err := p.deps.Machine.Kill(ctx, job, string(sendErr.Code), sendErr.Message)
	if err != nil {
		return errorOutcome(err)
	}
	if !applied {
		return Outcome{Kind: OutcomeDuplicate, Attempt: attempt}
	}
	logger.Error("send failed permanently",
		"job_id", job.ID, "run_id", job.CampaignRunID, "attempt", attempt,
		"code", sendErr.Code, "retryable", sendErr.Retryable, "error", sendErr.Message)
	return Outcome{Kind: OutcomeDead, Attempt: attempt, Code: string(sendErr.Code), Err: sendErr}
}

func (p *Processor) skip(ctx context.Context, job *model.DeliveryJob, reason model.SkipReason) Outcome {
	applied, err := p.deps.Machine.Skip(ctx, job, reason)
	if err != nil {
		return errorOutcome(err)
	}
	if !applied {
		return Outcome{Kind: OutcomeDuplicate, Attempt: job.Attempt()}
	}
	return Outcome{Kind: OutcomeSkipped, Attempt: job.Attempt(), Code: string(reason)}
}

func (p *Processor) kill(ctx context.Context, job *model.DeliveryJob, reason model.UnrecoverableReason, cause error) Outcome {
	uerr := model.NewUnrecoverable(reason, cause)
	applied, err := p.deps.Machine.Kill(ctx, job, string(reason), uerr.Error())
	if err != nil {
		return errorOutcome(err)
	}
	if !applied {
		return Outcome{Kind: OutcomeDuplicate, Attempt: job.Attempt()}
	}
	logger.Error("job failed unrecoverably", "job_id", job.ID, "run_id", job.CampaignRunID, "reason", reason, "error", cause)
	return deadOutcome(uerr, job.Attempt())
}

// Abandon drives a job that will not be processed again straight to DEAD.
// Refs that could not be enqueued and refs dropped by the dead-letter queue
// end here so their run can still complete.
func (p *Processor) Abandon(ctx context.Context, jobID int64, code, message string) Outcome {
	job, err := p.deps.Jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return deadOutcome(model.NewUnrecoverable(model.ReasonJobNotFound, err), 0)
		}
		return errorOutcome(err)
	}
	if job.Status.Terminal() {
		return Outcome{Kind: OutcomeDuplicate, JobID: jobID, Attempt: job.Attempt()}
	}

	applied, err := p.deps.Machine.Kill(ctx, job, code, message)
	if err != nil {
		return errorOutcome(err)
	}
	if !applied {
		return Outcome{Kind: OutcomeDuplicate, JobID: jobID, Attempt: job.Attempt()}
	}
	logger.Warn("job abandoned", "job_id", jobID, "run_id", job.CampaignRunID, "code", code, "reason", message)
	return Outcome{Kind: OutcomeDead, JobID: jobID, Attempt: job.Attempt(), Code: code}
}

func deadOutcome(err *model.UnrecoverableError, attempt int) Outcome {
	return Outcome{Kind: OutcomeDead, Attempt: attempt, Code: string(err.Reason), Err: err}
}

func errorOutcome(err error) Outcome {
	return Outcome{Kind: OutcomeError, Err: err}
}
