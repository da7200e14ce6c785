package channel

import (
	"context"
	"fmt"

	"github.com/nimasrn/campaign-pipeline/internal/model"
)

// Sender delivers rendered content to one recipient over a single channel.
// Send never returns an error: failures are classified into the result.
type Sender interface {
	Channel() model.Channel
	ValidateRecipient(r model.Recipient) error
	Send(ctx context.Context, r model.Recipient, content *model.RenderedContent) model.SendResult
}

type Registry struct {
	senders map[model.Channel]Sender
}

func NewRegistry(senders ...Sender) *Registry {
	r := &Registry{senders: make(map[model.Channel]Sender, len(senders))}
	for _, s := range senders {
		r.Register(s)
	}
	return r
}

func (r *Registry) Register(s Sender) {
	r.senders[s.Channel()] = s
}

func (r *Registry) Get(ch model.Channel) (Sender, error) {
	s, ok := r.senders[ch]
	if !ok {
		return nil, fmt.Errorf("no sender registered for channel %s", ch)
	}
	return s, nil
}

func (r *Registry) Channels() []model.Channel {
	out := make([]model.Channel, 0, len(r.senders))
	for ch := range r.senders {
		out = append(out, ch)
	}
	return out
}
