package template

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cbroglie/mustache"
	"github.com/nimasrn/campaign-pipeline/internal/model"
)

// Compile parses a mustache text. When escape is unset values are written
// raw, which is what subjects, titles and text bodies want.
func Compile(text string, escape bool) (*mustache.Template, error) {
	tmpl, err := mustache.ParseStringRaw(text, !escape)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrTemplateInvalid, err)
	}
	return tmpl, nil
}

// Execute renders text against vars. Unknown names render as the empty
// string.
func Execute(text string, vars map[string]string, escape bool) (string, error) {
	tmpl, err := Compile(text, escape)
	if err != nil {
		return "", err
	}
	return render(tmpl, vars)
}

func render(tmpl *mustache.Template, vars map[string]string) (string, error) {
	out, err := tmpl.Render(nest(vars))
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrTemplateInvalid, err)
	}
	return out, nil
}

// nest turns dotted keys into nested maps so mustache's dotted lookup
// resolves "campaign.name".
func nest(vars map[string]string) map[string]interface{} {
	root := make(map[string]interface{}, len(vars))
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	// shorter keys first so a nested map replaces a scalar of the same prefix
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) < len(keys[j]) })

	for _, k := range keys {
		parts := strings.Split(k, ".")
		node := root
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]interface{})
			if !ok {
				child = map[string]interface{}{}
				node[p] = child
			}
			node = child
		}
		last := parts[len(parts)-1]
		if _, isMap := node[last].(map[string]interface{}); !isMap {
			node[last] = vars[k]
		}
	}
	return root
}

// Names returns the distinct variable names used in texts, sorted. Texts
// that do not parse contribute nothing.
func Names(texts ...string) []string {
	seen := map[string]struct{}{}
	for _, t := range texts {
		tmpl, err := mustache.ParseString(t)
		if err != nil {
			continue
		}
		collect(tmpl.Tags(), seen)
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func collect(tags []mustache.Tag, seen map[string]struct{}) {
	for _, tag := range tags {
		switch tag.Type() {
		case mustache.Variable:
			seen[tag.Name()] = struct{}{}
		case mustache.Section, mustache.InvertedSection:
			seen[tag.Name()] = struct{}{}
			collect(tag.Tags(), seen)
		}
	}
}

// Variables flattens contact attributes, campaign metadata and tenant
// context into the map templates are rendered against.
func Variables(contact *model.ContactRef, campaign *model.Campaign, tenantID string) map[string]string {
	vars := map[string]string{"tenant.id": tenantID}

	if contact != nil {
		for k, v := range contact.Attributes {
			vars[k] = v
			vars["contact."+k] = v
		}
		vars["contact.id"] = contact.ID
		vars["contact.email"] = contact.Email
		vars["contact.phone"] = contact.Phone
	}

	if campaign != nil {
		for k, v := range campaign.Metadata {
			vars["campaign."+k] = v
		}
		vars["campaign.id"] = strconv.FormatInt(campaign.ID, 10)
		vars["campaign.name"] = campaign.Name
	}

	return vars
}
