package events

import (
	"context"
	"encoding/json"
	"sync"
)

// Recorder keeps published events in memory. It backs tests and the
// sandbox binaries.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, subject string, payload []byte, _ Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	ev.Subject = subject
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Close() error {
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events were published on subject.
func (r *Recorder) Count(subject string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Subject == subject {
			n++
		}
	}
	return n
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
