package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nimasrn/campaign-pipeline/internal/aggregator"
	"github.com/nimasrn/campaign-pipeline/internal/channel"
	"github.com/nimasrn/campaign-pipeline/internal/events"
	"github.com/nimasrn/campaign-pipeline/internal/model"
	"github.com/nimasrn/campaign-pipeline/internal/template"
	"github.com/nimasrn/campaign-pipeline/internal/testutil"
)

type runCompleter struct {
	stores *testutil.Stores
	mu     sync.Mutex
	counts []model.RunCounts
	calls  atomic.Int32
}

func (c *runCompleter) MarkRunCompleted(ctx context.Context, runID int64, counts model.RunCounts) error {
	c.calls.Add(1)
	c.mu.Lock()
	c.counts = append(c.counts, counts)
	c.mu.Unlock()
	_, err := c.stores.Runs.MarkCompleted(ctx, runID, time.Now().UTC())
	return err
}

type harness struct {
	stores    *testutil.Stores
	recorder  *events.Recorder
	contacts  *testutil.Contacts
	sender    *testutil.Sender
	machine   *Machine
	processor *Processor
	completer *runCompleter
}

func newHarness(t *testing.T, ch model.Channel, policy RetryPolicy, results ...model.SendResult) *harness {
	stores := testutil.NewStores(t)
	recorder := events.NewRecorder()
	contacts := testutil.NewContacts()
	sender := testutil.NewSender(ch, results...)

	machine := NewMachine(stores.DB, stores.Jobs, aggregator.New(stores.DB, stores.Runs), events.NewEmitter(recorder))
	completer := &runCompleter{stores: stores}
	machine.SetCompleter(completer)

	processor := NewProcessor(Deps{
		Jobs:        stores.Jobs,
		Runs:        stores.Runs,
		Campaigns:   stores.Campaigns,
		Contacts:    contacts,
		Renderer:    template.NewRenderer(stores.Templates),
		Senders:     channel.NewRegistry(sender),
		Machine:     machine,
		Policies:    StaticPolicy(policy),
		SendTimeout: time.Second,
	})

	return &harness{
		stores:    stores,
		recorder:  recorder,
		contacts:  contacts,
		sender:    sender,
		machine:   machine,
		processor: processor,
		completer: completer,
	}
}

// processUntilDone replays retry outcomes the way the queue would.
func (h *harness) processUntilDone(t *testing.T, job *model.DeliveryJob) []Outcome {
	t.Helper()
	var outs []Outcome
	for i := 0; i < 10; i++ {
		out := h.processor.Process(context.Background(), job.Ref())
		outs = append(outs, out)
		if out.Kind != OutcomeRetry {
			return outs
		}
	}
	t.Fatalf("job %d still retrying after 10 attempts", job.ID)
	return outs
}

func noBackoff(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts}
}

func emailContact(id, email string) model.ContactRef {
	return model.ContactRef{
		ID:         id,
		Email:      email,
		Attributes: map[string]string{"first_name": "Ann"},
	}
}
