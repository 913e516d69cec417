// Package social defines the boundary to third-party social networks.
package social

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikequentel/wird/internal/model"
)

// Publisher posts a status on behalf of a linked account.
type Publisher interface {
	// Name is the provider name stored in model.Linkage.Provider.
	Name() string
	// MaxChars is the status length limit in runes; 0 means none.
	MaxChars() int
	// Publish posts text and returns the provider's id for the new post.
	Publish(ctx context.Context, link model.Linkage, text string) (string, error)
}

// Registry maps provider names to publishers.
type Registry map[string]Publisher

func NewRegistry(ps ...Publisher) Registry {
	r := make(Registry, len(ps))
	for _, p := range ps {
		r[p.Name()] = p
	}
	return r
}

func (r Registry) Lookup(provider string) (Publisher, error) {
	p, ok := r[provider]
	if !ok {
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}
	return p, nil
}

// Names lists the registered providers in order.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for n := range r {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DryRun stands in for a real provider: it logs what would be posted and
// returns a synthetic id.
type DryRun struct {
	Provider string
	Limit    int
	Log      *zap.Logger
}

func (d DryRun) Name() string  { return d.Provider }
func (d DryRun) MaxChars() int { return d.Limit }

func (d DryRun) Publish(_ context.Context, link model.Linkage, text string) (string, error) {
	id := "dry-run-" + uuid.NewString()
	if d.Log != nil {
		d.Log.Info("dry run, not posting",
			zap.String("provider", d.Provider),
			zap.String("instance", link.Instance),
			zap.String("external_id", link.ExternalID),
			zap.String("status", text),
			zap.String("post_id", id))
	}
	return id, nil
}

// DryRunAll swaps every publisher in r for a DryRun with the same name and
// limit.
func DryRunAll(r Registry, log *zap.Logger) Registry {
	out := make(Registry, len(r))
	for name, p := range r {
		out[name] = DryRun{Provider: name, Limit: p.MaxChars(), Log: log}
	}
	return out
}
