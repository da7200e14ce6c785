package template

import (
	"context"
	"fmt"
	"sync"

	"github.com/cbroglie/mustache"
	"github.com/nimasrn/campaign-pipeline/internal/model"
)

type Store interface {
	GetTemplateVersion(ctx context.Context, id string) (*model.TemplateVersion, error)
}

// Renderer renders stored template versions. Versions are immutable so
// loaded ones are kept in memory, parsed.
type Renderer struct {
	store Store
	cache sync.Map
}

type compiled struct {
	version *model.TemplateVersion
	// subject, title, html body, text body
	parts [4]*mustache.Template
}

func NewRenderer(store Store) *Renderer {
	return &Renderer{store: store}
}

func (r *Renderer) version(ctx context.Context, id string) (*compiled, error) {
	if v, ok := r.cache.Load(id); ok {
		return v.(*compiled), nil
	}
	tv, err := r.store.GetTemplateVersion(ctx, id)
	if err != nil {
		return nil, err
	}

	c := &compiled{version: tv}
	for i, f := range []struct {
		text   string
		escape bool
	}{
		{tv.Subject, false},
		{tv.Title, false},
		{tv.HTMLBody, true},
		{tv.TextBody, false},
	} {
		if c.parts[i], err = Compile(f.text, f.escape); err != nil {
			return nil, fmt.Errorf("template version %s: %w", id, err)
		}
	}
	r.cache.Store(id, c)
	return c, nil
}

func (r *Renderer) Render(ctx context.Context, templateVersionID string, vars map[string]string) (*model.RenderedContent, error) {
	c, err := r.version(ctx, templateVersionID)
	if err != nil {
		return nil, err
	}

	var out model.RenderedContent
	for i, dst := range []*string{&out.Subject, &out.Title, &out.HTMLBody, &out.TextBody} {
		if *dst, err = render(c.parts[i], vars); err != nil {
			return nil, fmt.Errorf("template version %s: %w", templateVersionID, err)
		}
	}
	return &out, nil
}

func (r *Renderer) ExtractVariables(ctx context.Context, templateVersionID string) ([]string, error) {
	c, err := r.version(ctx, templateVersionID)
	if err != nil {
		return nil, err
	}
	tv := c.version
	return Names(tv.Subject, tv.Title, tv.HTMLBody, tv.TextBody), nil
}
