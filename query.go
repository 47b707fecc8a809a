package rockettag

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
)

// Query holds the tags to match. It is either a flat list, matching in any context unless scoped with
// MatchOptions.On, or a mapping from context to tags, where every tag matches only in its own context.
type Query struct {
	Tags      []string
	ByContext map[string][]string
}

// Tags creates a flat tag query.
func Tags(names ...string) Query { return Query{Tags: names} }

// ByContext creates a per-context tag query.
func ByContext(m map[string][]string) Query { return Query{ByContext: m} }

// MatchOptions control the matching semantics.
type MatchOptions struct {

	// On restricts the matching to the listed contexts. When used with a per-context query, the contexts not
	// listed here are dropped from the query.
	On []string

	// All requires that every query tag is satisfied, by itself or by one of its direct aliases.
	All bool

	// Exact requires that every query tag is satisfied and that the entity has no other tags in the matched
	// contexts.
	Exact bool

	// Min requires at least this many satisfied query tags. Defaults to 1.
	Min int
}

// Slot is one distinct query tag, expanded with its direct aliases. An entity satisfies the slot when it has a
// tagging with one of the names in one of the contexts, or in any context when Contexts is empty.
type Slot struct {
	Tag      string
	Names    []string
	Contexts []string
}

// Plan is a compiled match query evaluated by the storage. The match count of an entity is the number of
// satisfied slots.
type Plan struct {
	Type  string
	Slots []Slot
	Min   int
	All   bool
	Exact bool

	// Scope lists the contexts considered by Exact when counting the tags of an entity. Empty means all
	// contexts.
	Scope []string

	// PerContext makes Exact count the same tag in different contexts separately.
	PerContext bool

	// Exclude is an entity id that is never returned.
	Exclude string
}

// MinCount returns the least match count accepted by the plan.
func (p *Plan) MinCount() int {
	if p.All || p.Exact {
		return len(p.Slots)
	}

	if p.Min < 1 {
		return 1
	}

	return p.Min
}

// Condition is a boolean combination of plans, evaluated by the storage. It is one of *Plan, AllOf or AnyOf.
type Condition interface {
	condition()
}

// AllOf is satisfied by the entities satisfying every condition. An empty AllOf is satisfied by every tagged
// entity of the type.
type AllOf []Condition

// AnyOf is satisfied by the entities satisfying at least one of the conditions. An empty AnyOf is never
// satisfied.
type AnyOf []Condition

func (*Plan) condition() {}
func (AllOf) condition() {}
func (AnyOf) condition() {}

// Criteria is a composable tag predicate used with Engine.Filter. It is one of MatchTags, ContextScope, And or
// Or.
type Criteria interface {
	criteria()
}

// MatchTags matches a flat list of tags, within the enclosing context scope.
type MatchTags struct {
	Tags  []string
	All   bool
	Exact bool
	Min   int
}

// ContextScope restricts the enclosed criteria to a set of contexts. Nested scopes intersect.
type ContextScope struct {
	Contexts []string
	Criteria Criteria
}

// And is satisfied when all of its criteria are satisfied.
type And []Criteria

// Or is satisfied when any of its criteria is satisfied.
type Or []Criteria

func (MatchTags) criteria()    {}
func (ContextScope) criteria() {}
func (And) criteria()          {}
func (Or) criteria()           {}

// Match returns the entities of a type matching the query, ordered by descending match count. Every entity is
// returned once. An empty query returns no entities.
func (e *Engine) Match(ctx context.Context, t *TaggableType, q Query, o MatchOptions) ([]Match, error) {
	start := time.Now()
	defer func() { e.metrics.queryDuration.WithLabelValues("match").Observe(durationSince(start)) }()

	p, err := e.compile(ctx, t, q, o)
	if err != nil {
		return nil, err
	}

	return e.run(ctx, p)
}

func (e *Engine) run(ctx context.Context, p *Plan) ([]Match, error) {
	if len(p.Slots) == 0 {
		return nil, nil
	}

	m, err := e.storage.MatchEntities(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("matching %s: %w", p.Type, err)
	}

	e.log.Debug("matched tags", "plan", p.String(), "results", len(m))
	return m, nil
}

// Filter returns the ids of the entities of a type satisfying the criteria, ordered by id.
func (e *Engine) Filter(ctx context.Context, t *TaggableType, c Criteria) ([]string, error) {
	start := time.Now()
	defer func() { e.metrics.queryDuration.WithLabelValues("filter").Observe(durationSince(start)) }()

	cond, err := e.compileCriteria(ctx, t, c, nil)
	if err != nil {
		return nil, err
	}

	ids, err := e.storage.FilterEntities(ctx, t.Name(), cond)
	if err != nil {
		return nil, fmt.Errorf("filtering %s: %w", t.Name(), err)
	}

	return ids, nil
}

func (e *Engine) compile(ctx context.Context, t *TaggableType, q Query, o MatchOptions) (*Plan, error) {
	if err := t.checkContexts(o.On...); err != nil {
		return nil, err
	}

	p := &Plan{
		Type:  t.Name(),
		Min:   o.Min,
		All:   o.All,
		Exact: o.Exact,
	}

	var slots []Slot
	if q.ByContext != nil {
		contexts := make([]string, 0, len(q.ByContext))
		for c := range q.ByContext {
			contexts = append(contexts, c)
		}

		sort.Strings(contexts)
		if err := t.checkContexts(contexts...); err != nil {
			return nil, err
		}

		for _, c := range contexts {
			if len(o.On) > 0 && !slices.Contains(o.On, c) {
				continue
			}

			var used bool
			for _, n := range e.uniqueNames(q.ByContext[c]) {
				slots = append(slots, Slot{Tag: n, Contexts: []string{c}})
				used = true
			}

			if used {
				p.Scope = append(p.Scope, c)
			}
		}

		p.PerContext = true
	} else {
		for _, n := range e.uniqueNames(q.Tags) {
			slots = append(slots, Slot{Tag: n, Contexts: slices.Clone(o.On)})
		}

		p.Scope = slices.Clone(o.On)
	}

	var err error
	if p.Slots, err = e.expand(ctx, slots); err != nil {
		return nil, err
	}

	return p, nil
}

// expand adds the direct aliases of every slot tag to the slot names. Aliases are not followed further.
func (e *Engine) expand(ctx context.Context, slots []Slot) ([]Slot, error) {
	for i := range slots {
		aliases, _, err := e.aliasesOf(ctx, slots[i].Tag)
		if err != nil {
			return nil, fmt.Errorf("expanding aliases of %s: %w", slots[i].Tag, err)
		}

		names := []string{slots[i].Tag}
		for _, a := range aliases {
			names = append(names, a.Name)
		}

		slots[i].Names = names
	}

	return slots, nil
}

func (e *Engine) compileCriteria(ctx context.Context, t *TaggableType, c Criteria, scope []string) (Condition, error) {
	switch c := c.(type) {
	case MatchTags:
		if len(scope) == 0 && scope != nil {
			return AnyOf{}, nil
		}

		p, err := e.compile(ctx, t, Tags(c.Tags...), MatchOptions{
			On:    scope,
			All:   c.All,
			Exact: c.Exact,
			Min:   c.Min,
		})
		if err != nil {
			return nil, err
		}

		if len(p.Slots) == 0 {
			return AnyOf{}, nil
		}

		return p, nil
	case ContextScope:
		if err := t.checkContexts(c.Contexts...); err != nil {
			return nil, err
		}

		next := slices.Clone(c.Contexts)
		if scope != nil {
			next = intersect(scope, c.Contexts)
		}

		if next == nil {
			next = []string{}
		}

		return e.compileCriteria(ctx, t, c.Criteria, next)
	case And:
		all := make(AllOf, 0, len(c))
		for _, ci := range c {
			cond, err := e.compileCriteria(ctx, t, ci, scope)
			if err != nil {
				return nil, err
			}

			all = append(all, cond)
		}

		return all, nil
	case Or:
		some := make(AnyOf, 0, len(c))
		for _, ci := range c {
			cond, err := e.compileCriteria(ctx, t, ci, scope)
			if err != nil {
				return nil, err
			}

			some = append(some, cond)
		}

		return some, nil
	case nil:
		return nil, fmt.Errorf("missing criteria: %w", ErrValidation)
	default:
		return nil, fmt.Errorf("unsupported criteria %T: %w", c, ErrNotSupported)
	}
}

func intersect(a, b []string) []string {
	var i []string
	for _, ai := range a {
		if slices.Contains(b, ai) {
			i = append(i, ai)
		}
	}

	return i
}

func (p *Plan) String() string {
	var s []string
	for _, si := range p.Slots {
		s = append(s, fmt.Sprintf("%s%v@%v", si.Tag, si.Names, si.Contexts))
	}

	return fmt.Sprintf("%s[%s] min=%d all=%t exact=%t", p.Type, strings.Join(s, " "), p.MinCount(), p.All, p.Exact)
}
