package rockettag

import (
	"context"
	"time"
)

// Similar returns the entities of the same type sharing tags with t, ordered by descending match count,
// excluding t itself. The tags of t are matched only within their own context. When no context is provided,
// all the declared contexts of the type are used.
func (e *Engine) Similar(ctx context.Context, t *Taggable, on ...string) ([]Match, error) {
	start := time.Now()
	defer func() { e.metrics.queryDuration.WithLabelValues("similar").Observe(durationSince(start)) }()

	if err := t.typ.checkContexts(on...); err != nil {
		return nil, err
	}

	if len(on) == 0 {
		on = t.typ.Contexts()
	}

	q := make(map[string][]string)
	for _, c := range on {
		tags, err := t.Get(ctx, c)
		if err != nil {
			return nil, err
		}

		if len(tags) > 0 {
			q[c] = tags
		}
	}

	p, err := e.compile(ctx, t.typ, ByContext(q), MatchOptions{})
	if err != nil {
		return nil, err
	}

	p.Exclude = t.ref.ID
	return e.run(ctx, p)
}
