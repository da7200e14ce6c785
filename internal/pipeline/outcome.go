package pipeline

import (
	"time"

	"github.com/nimasrn/campaign-pipeline/internal/model"
)

// OutcomeKind tells the caller of Process what to do with the queue message.
type OutcomeKind int

const (
	// OutcomeSent, OutcomeSkipped and OutcomeDead are terminal: ack.
	OutcomeSent OutcomeKind = iota + 1
	OutcomeSkipped
	OutcomeDead
	// OutcomeRetry asks for the ref to be re-enqueued after Delay.
	OutcomeRetry
	// OutcomeDuplicate means the job was already finished elsewhere: ack.
	OutcomeDuplicate
	// OutcomeBusy means another worker holds the job: leave it to them.
	OutcomeBusy
	// OutcomeError is an infrastructure failure: redeliver as is.
	OutcomeError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSent:
		return "sent"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeDead:
		return "dead"
	case OutcomeRetry:
		return "retry"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeBusy:
		return "busy"
	case OutcomeError:
		return "error"
	}
	return "unknown"
}

type Outcome struct {
	Kind    OutcomeKind
	JobID   int64
	Attempt int
	Delay   time.Duration
	Code    string
	Err     error
}

func (o Outcome) Terminal() bool {
	return o.Kind == OutcomeSent || o.Kind == OutcomeSkipped || o.Kind == OutcomeDead
}

// Status is the job status the outcome left behind, if any.
func (o Outcome) Status() model.JobStatus {
	switch o.Kind {
	case OutcomeSent:
		return model.JobStatusSent
	case OutcomeSkipped:
		return model.JobStatusSkipped
	case OutcomeDead:
		return model.JobStatusDead
	case OutcomeRetry:
		return model.JobStatusRetrying
	}
	return ""
}
