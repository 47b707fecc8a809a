package rockettag

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
)

// AddAlias makes two existing tags mutual aliases. The tag a, together with its current aliases, and the tag b,
// together with its current aliases, become aliases of each other, pairwise. The whole propagation happens in
// a single transaction. Adding an existing edge, or a tag to itself, is a no-op.
func (e *Engine) AddAlias(ctx context.Context, a, b string) error {
	a, b = e.normalize(a), e.normalize(b)
	var touched []string
	err := e.storage.Atomic(ctx, func(s Storage) error {
		var err error
		touched, err = addAlias(ctx, s, a, b)
		return err
	})

	e.invalidate(touched...)
	if err != nil {
		return fmt.Errorf("adding alias %s to %s: %w", b, a, err)
	}

	e.metrics.aliasMutations.WithLabelValues("add").Inc()
	e.log.Debug("added alias", "tag", a, "alias", b, "group", touched)
	return nil
}

// RemoveAlias removes the direct alias edge between two tags. The other aliases of either tag are left intact.
func (e *Engine) RemoveAlias(ctx context.Context, a, b string) error {
	a, b = e.normalize(a), e.normalize(b)
	err := e.storage.Atomic(ctx, func(s Storage) error {
		return removeAlias(ctx, s, a, b)
	})

	e.invalidate(a, b)
	if err != nil {
		return fmt.Errorf("removing alias %s from %s: %w", b, a, err)
	}

	e.metrics.aliasMutations.WithLabelValues("remove").Inc()
	e.log.Debug("removed alias", "tag", a, "alias", b)
	return nil
}

// SetAliases replaces the alias list of a tag. The aliases no longer listed are removed locally, the new ones
// are added with propagation, in a single transaction.
func (e *Engine) SetAliases(ctx context.Context, name string, aliases []string) error {
	name = e.normalize(name)
	aliases = e.uniqueNames(aliases)
	var touched []string
	err := e.storage.Atomic(ctx, func(s Storage) error {
		tag, err := lookupTag(ctx, s, name)
		if err != nil {
			return err
		}

		current, err := s.AliasesOf(ctx, tag.ID)
		if err != nil {
			return err
		}

		touched = append(touched, name)
		for _, c := range current {
			if slices.Contains(aliases, c.Name) {
				continue
			}

			if err := s.DeleteAlias(ctx, tag.ID, c.ID); err != nil {
				return err
			}

			touched = append(touched, c.Name)
		}

		for _, a := range aliases {
			t, err := addAlias(ctx, s, name, a)
			if err != nil {
				return err
			}

			touched = append(touched, t...)
		}

		return nil
	})

	e.invalidate(touched...)
	if err != nil {
		return fmt.Errorf("setting aliases of %s: %w", name, err)
	}

	e.metrics.aliasMutations.WithLabelValues("set").Inc()
	return nil
}

// pendingNames collects the tags affected by the alias mutations of a transaction bound engine.
type pendingNames struct {
	mx    sync.Mutex
	names []string
}

func (p *pendingNames) add(names []string) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.names = append(p.names, names...)
}

func (p *pendingNames) take() []string {
	if p == nil {
		return nil
	}

	p.mx.Lock()
	defer p.mx.Unlock()
	names := p.names
	p.names = nil
	return names
}

// invalidate drops the cached aliases of the affected tags, or, when the engine is bound to a host
// transaction, records them until InvalidateAliases is called.
func (e *Engine) invalidate(names ...string) {
	if e.txBound {
		e.pending.add(names)
		return
	}

	e.aliases.Delete(names...)
}

// InvalidateAliases drops the cached aliases of the provided tags. When the engine was created with Using, it
// also drops the entries affected by its own alias mutations since the last call, and the host calls it after
// committing its transaction. It can be used, too, when the aliases were changed by another process.
func (e *Engine) InvalidateAliases(names ...string) {
	drop := e.pending.take()
	for _, n := range names {
		drop = append(drop, e.normalize(n))
	}

	e.aliases.Delete(drop...)
}

// IsAlias tells whether a direct alias edge exists between two tags. A tag is never its own alias.
func (e *Engine) IsAlias(ctx context.Context, a, b string) (bool, error) {
	a, b = e.normalize(a), e.normalize(b)
	if a == b {
		return false, nil
	}

	aliases, err := e.AliasesOf(ctx, a)
	if err != nil {
		return false, err
	}

	for _, t := range aliases {
		if t.Name == b {
			return true, nil
		}
	}

	return false, nil
}

// AliasesOf returns the direct aliases of a tag, ordered by name. It returns ErrNotFound when the tag doesn't
// exist.
func (e *Engine) AliasesOf(ctx context.Context, name string) ([]Tag, error) {
	aliases, found, err := e.aliasesOf(ctx, e.normalize(name))
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, notFound("tag", name)
	}

	return aliases, nil
}

// aliasesOf reads the aliases through the cache. A damaged cache entry is dropped and read again from the
// storage.
func (e *Engine) aliasesOf(ctx context.Context, name string) ([]Tag, bool, error) {
	if !e.txBound {
		aliases, ok, err := e.aliases.Get(name)
		switch {
		case err != nil:
			e.log.Warn("dropping damaged alias cache entry", "tag", name, "error", err)
			e.aliases.Delete(name)
		case ok:
			e.metrics.aliasCacheHits.Inc()
			return aliases, true, nil
		}

		e.metrics.aliasCacheMisses.Inc()
	}

	tags, err := e.storage.TagsByName(ctx, []string{name})
	if err != nil {
		return nil, false, err
	}

	if len(tags) == 0 {
		return nil, false, nil
	}

	aliases, err := e.storage.AliasesOf(ctx, tags[0].ID)
	if err != nil {
		return nil, false, err
	}

	sortTags(aliases)
	if !e.txBound {
		if err := e.aliases.Set(name, aliases); err != nil {
			e.log.Warn("failed to cache aliases", "tag", name, "error", err)
		}
	}

	return aliases, true, nil
}

// addAlias inserts the cross product of the two alias groups, and returns the names of all the affected tags.
// When the two tags are already aliases, it doesn't change anything.
func addAlias(ctx context.Context, s Storage, a, b string) ([]string, error) {
	if a == b {
		return nil, nil
	}

	ta, err := lookupTag(ctx, s, a)
	if err != nil {
		return nil, err
	}

	tb, err := lookupTag(ctx, s, b)
	if err != nil {
		return nil, err
	}

	ga, err := s.AliasesOf(ctx, ta.ID)
	if err != nil {
		return nil, err
	}

	// an existing edge is left as it is, without propagating again
	if containsTag(ga, tb.ID) {
		return nil, nil
	}

	gb, err := s.AliasesOf(ctx, tb.ID)
	if err != nil {
		return nil, err
	}

	left := append([]Tag{ta}, ga...)
	right := append([]Tag{tb}, gb...)
	for _, l := range left {
		for _, r := range right {
			if l.ID == r.ID {
				continue
			}

			if err := s.InsertAlias(ctx, l.ID, r.ID); err != nil {
				return nil, err
			}
		}
	}

	var touched []string
	for _, t := range append(left, right...) {
		touched = append(touched, t.Name)
	}

	return touched, nil
}

func removeAlias(ctx context.Context, s Storage, a, b string) error {
	ta, err := lookupTag(ctx, s, a)
	if err != nil {
		return err
	}

	tb, err := lookupTag(ctx, s, b)
	if err != nil {
		return err
	}

	return s.DeleteAlias(ctx, ta.ID, tb.ID)
}

func sortTags(t []Tag) {
	sort.Slice(t, func(i, j int) bool { return t[i].Name < t[j].Name })
}
