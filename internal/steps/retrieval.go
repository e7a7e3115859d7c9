package steps

import (
	"context"
	"errors"
	"strings"

	"github.com/aretw0/parley/pkg/domain"
)

// VectorDBBehavior retrieves context for the query held in a source slot.
type VectorDBBehavior struct {
	Source    domain.SlotPath
	Limit     int
	SaveTo    domain.SlotPath
	Documents domain.Documents
}

func (b *VectorDBBehavior) run(ctx context.Context, s *Step, env *Env, _ string) (outcome, error) {
	if env.Retriever == nil {
		return outcome{}, errors.New("no retriever configured")
	}
	source, ok, err := env.Slots.Get(ctx, b.Source)
	if err != nil {
		return outcome{}, err
	}
	if !ok {
		env.logger().Debug("retrieval source slot not set", "step", s.id, "slot", b.Source)
		return outcome{content: &StepValue{}}, nil
	}

	primary, secondary := SplitLimit(b.Limit, len(b.Documents.Primary) > 0, len(b.Documents.Secondary) > 0)
	seen := make(map[domain.Document]struct{})
	var contents []string
	collect := func(docs []domain.Document) {
		for _, d := range docs {
			if _, dup := seen[d]; dup {
				continue
			}
			seen[d] = struct{}{}
			contents = append(contents, d.Content)
		}
	}

	for _, q := range queries(source) {
		if primary > 0 {
			docs, err := env.Retriever.Search(ctx, q, b.Documents.Primary, primary)
			if err != nil {
				return outcome{}, err
			}
			collect(docs)
		}
		if secondary > 0 {
			docs, err := env.Retriever.Search(ctx, q, b.Documents.Secondary, secondary)
			if err != nil {
				return outcome{}, err
			}
			collect(docs)
		}
	}

	value := &StepValue{}
	if joined := strings.Join(contents, "\n\n"); joined != "" {
		value.Slots = []domain.SlotValuePair{{Path: b.SaveTo, Value: domain.String(joined)}}
	}
	return outcome{content: value}, nil
}

// SplitLimit divides a result limit between the primary and secondary
// document scopes. The primary scope receives any odd remainder; a missing
// scope sends the whole limit to the other.
func SplitLimit(limit int, hasPrimary, hasSecondary bool) (int, int) {
	switch {
	case hasPrimary && hasSecondary:
		return limit - limit/2, limit / 2
	case hasPrimary:
		return limit, 0
	case hasSecondary:
		return 0, limit
	}
	return 0, 0
}

func queries(v domain.Value) []string {
	var out []string
	if items, ok := v.AsSequence(); ok {
		for _, item := range items {
			if q := strings.TrimSpace(item.String()); q != "" && !item.IsNull() {
				out = append(out, q)
			}
		}
		return out
	}
	if q := strings.TrimSpace(v.String()); q != "" && !v.IsNull() {
		out = append(out, q)
	}
	return out
}
