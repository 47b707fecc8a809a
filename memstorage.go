package rockettag

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"
)

type memoryTagging struct {
	id        int64
	entity    EntityRef
	tagID     int64
	context   string
	tagger    EntityRef
	createdAt time.Time
}

type memoryState struct {
	tags     map[int64]Tag
	byName   map[string]int64
	aliases  map[[2]int64]bool
	taggings []memoryTagging
	nextID   int64
}

func (s memoryState) clone() memoryState {
	c := memoryState{
		tags:     make(map[int64]Tag, len(s.tags)),
		byName:   make(map[string]int64, len(s.byName)),
		aliases:  make(map[[2]int64]bool, len(s.aliases)),
		taggings: slices.Clone(s.taggings),
		nextID:   s.nextID,
	}

	for k, v := range s.tags {
		c.tags[k] = v
	}

	for k, v := range s.byName {
		c.byName[k] = v
	}

	for k, v := range s.aliases {
		c.aliases[k] = v
	}

	return c
}

// MemoryStorage keeps the tags, the aliases and the taggings in memory. It is meant for tests and for small,
// single process deployments. Writes are serialized. An Atomic call works on a private copy of the state, which
// replaces the shared state only when the call succeeds, so readers never see its partial writes.
type MemoryStorage struct {
	mx    sync.RWMutex // guards state
	wmx   sync.Mutex   // serializes the writers, held for the whole duration of Atomic
	state memoryState
}

// NewMemoryStorage creates an empty memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		state: memoryState{
			tags:    make(map[int64]Tag),
			byName:  make(map[string]int64),
			aliases: make(map[[2]int64]bool),
		},
	}
}

func (s *MemoryStorage) lock() {
	s.wmx.Lock()
	s.mx.Lock()
}

func (s *MemoryStorage) unlock() {
	s.mx.Unlock()
	s.wmx.Unlock()
}

func (s *MemoryStorage) id() int64 {
	s.state.nextID++
	return s.state.nextID
}

// FindOrCreateTag implements Storage.
func (s *MemoryStorage) FindOrCreateTag(_ context.Context, name string) (Tag, error) {
	s.lock()
	defer s.unlock()

	if id, ok := s.state.byName[name]; ok {
		return s.state.tags[id], nil
	}

	t := Tag{ID: s.id(), Name: name}
	s.state.tags[t.ID] = t
	s.state.byName[name] = t.ID
	return t, nil
}

// TagsByName implements Storage.
func (s *MemoryStorage) TagsByName(_ context.Context, names []string) ([]Tag, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()

	var tags []Tag
	for _, n := range names {
		if id, ok := s.state.byName[n]; ok && !containsTag(tags, id) {
			tags = append(tags, s.state.tags[id])
		}
	}

	sortTags(tags)
	return tags, nil
}

func containsTag(tags []Tag, id int64) bool {
	return slices.ContainsFunc(tags, func(t Tag) bool { return t.ID == id })
}

// Tags implements Storage.
func (s *MemoryStorage) Tags(context.Context) ([]Tag, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()

	tags := make([]Tag, 0, len(s.state.tags))
	for _, t := range s.state.tags {
		tags = append(tags, t)
	}

	sortTags(tags)
	return tags, nil
}

// AliasesOf implements Storage.
func (s *MemoryStorage) AliasesOf(_ context.Context, tagID int64) ([]Tag, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()

	var aliases []Tag
	for e := range s.state.aliases {
		switch tagID {
		case e[0]:
			aliases = append(aliases, s.state.tags[e[1]])
		case e[1]:
			aliases = append(aliases, s.state.tags[e[0]])
		}
	}

	sortTags(aliases)
	return aliases, nil
}

// InsertAlias implements Storage.
func (s *MemoryStorage) InsertAlias(_ context.Context, tagID, aliasID int64) error {
	s.lock()
	defer s.unlock()

	if tagID == aliasID {
		return nil
	}

	for _, id := range []int64{tagID, aliasID} {
		if _, ok := s.state.tags[id]; !ok {
			return notFound("tag", strconv64(id))
		}
	}

	a, b := edge(tagID, aliasID)
	s.state.aliases[[2]int64{a, b}] = true
	return nil
}

// DeleteAlias implements Storage.
func (s *MemoryStorage) DeleteAlias(_ context.Context, tagID, aliasID int64) error {
	s.lock()
	defer s.unlock()

	a, b := edge(tagID, aliasID)
	delete(s.state.aliases, [2]int64{a, b})
	return nil
}

func (s *MemoryStorage) deleteTaggings(keep func(memoryTagging) bool) {
	next := make([]memoryTagging, 0, len(s.state.taggings))
	for _, t := range s.state.taggings {
		if keep(t) {
			next = append(next, t)
		}
	}

	s.state.taggings = next
}

// DeleteTaggings implements Storage.
func (s *MemoryStorage) DeleteTaggings(_ context.Context, entity EntityRef, context string) error {
	s.lock()
	defer s.unlock()

	s.deleteTaggings(func(t memoryTagging) bool {
		return t.entity != entity || t.context != context
	})

	return nil
}

// DeleteAllTaggings implements Storage.
func (s *MemoryStorage) DeleteAllTaggings(_ context.Context, entity EntityRef) error {
	s.lock()
	defer s.unlock()

	s.deleteTaggings(func(t memoryTagging) bool { return t.entity != entity })
	return nil
}

// InsertTaggings implements Storage.
func (s *MemoryStorage) InsertTaggings(
	_ context.Context,
	entity EntityRef,
	context string,
	tagIDs []int64,
	tagger *EntityRef,
) error {
	s.lock()
	defer s.unlock()

	var by EntityRef
	if tagger != nil {
		by = *tagger
	}

	now := time.Now().UTC()
	for _, id := range tagIDs {
		if _, ok := s.state.tags[id]; !ok {
			return notFound("tag", strconv64(id))
		}

		for _, t := range s.state.taggings {
			if t.entity == entity && t.context == context && t.tagID == id && t.tagger == by {
				return fmt.Errorf("tag %d on %s in %s: %w", id, entity, context, ErrDuplicateTagging)
			}
		}

		s.state.taggings = append(s.state.taggings, memoryTagging{
			id:        s.id(),
			entity:    entity,
			tagID:     id,
			context:   context,
			tagger:    by,
			createdAt: now,
		})
	}

	return nil
}

// TaggingsFor implements Storage.
func (s *MemoryStorage) TaggingsFor(_ context.Context, entity EntityRef) ([]Tagging, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()

	var taggings []Tagging
	for _, t := range s.state.taggings {
		if t.entity != entity {
			continue
		}

		ti := Tagging{
			Entity:    t.entity,
			Tag:       s.state.tags[t.tagID],
			Context:   t.context,
			CreatedAt: t.createdAt,
		}

		if t.tagger != (EntityRef{}) {
			tagger := t.tagger
			ti.Tagger = &tagger
		}

		taggings = append(taggings, ti)
	}

	return taggings, nil
}

// TagCounts implements Storage.
func (s *MemoryStorage) TagCounts(_ context.Context, taggableType string, contexts []string) ([]TagCount, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()

	counts := make(map[int64]int)
	for _, t := range s.state.taggings {
		if t.entity.Type != taggableType {
			continue
		}

		if len(contexts) > 0 && !slices.Contains(contexts, t.context) {
			continue
		}

		counts[t.tagID]++
	}

	result := make([]TagCount, 0, len(counts))
	for id, c := range counts {
		result = append(result, TagCount{Tag: s.state.tags[id], Count: c})
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Count == result[j].Count {
			return result[i].Name < result[j].Name
		}

		return result[i].Count > result[j].Count
	})

	return result, nil
}

func (s *MemoryStorage) entityTaggings(taggableType string) (map[string][]memoryTagging, []string) {
	byEntity := make(map[string][]memoryTagging)
	var order []string
	for _, t := range s.state.taggings {
		if t.entity.Type != taggableType {
			continue
		}

		if _, ok := byEntity[t.entity.ID]; !ok {
			order = append(order, t.entity.ID)
		}

		byEntity[t.entity.ID] = append(byEntity[t.entity.ID], t)
	}

	sort.Strings(order)
	return byEntity, order
}

func (s *MemoryStorage) satisfies(t memoryTagging, slot Slot) bool {
	if len(slot.Contexts) > 0 && !slices.Contains(slot.Contexts, t.context) {
		return false
	}

	return slices.Contains(slot.Names, s.state.tags[t.tagID].Name)
}

// matchCount returns the number of satisfied slots, and whether the entity passes the filters of the plan.
func (s *MemoryStorage) matchCount(p *Plan, taggings []memoryTagging) (int, bool) {
	var count int
	for _, slot := range p.Slots {
		for _, t := range taggings {
			if s.satisfies(t, slot) {
				count++
				break
			}
		}
	}

	if count == 0 || count < p.MinCount() {
		return count, false
	}

	if p.Exact {
		distinct := make(map[string]bool)
		for _, t := range taggings {
			if len(p.Scope) > 0 && !slices.Contains(p.Scope, t.context) {
				continue
			}

			key := strconv64(t.tagID)
			if p.PerContext {
				key = t.context + ":" + key
			}

			distinct[key] = true
		}

		if len(distinct) != len(p.Slots) {
			return count, false
		}
	}

	return count, true
}

func (s *MemoryStorage) match(p *Plan) []Match {
	byEntity, order := s.entityTaggings(p.Type)

	var m []Match
	for _, id := range order {
		if id == p.Exclude && p.Exclude != "" {
			continue
		}

		if count, ok := s.matchCount(p, byEntity[id]); ok {
			m = append(m, Match{Entity: EntityRef{Type: p.Type, ID: id}, Count: count})
		}
	}

	sort.SliceStable(m, func(i, j int) bool { return m[i].Count > m[j].Count })
	return m
}

// MatchEntities implements Storage.
func (s *MemoryStorage) MatchEntities(_ context.Context, p *Plan) ([]Match, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()

	if len(p.Slots) == 0 {
		return nil, nil
	}

	return s.match(p), nil
}

func (s *MemoryStorage) evaluate(taggableType string, c Condition) (map[string]bool, error) {
	switch c := c.(type) {
	case *Plan:
		ids := make(map[string]bool)
		if len(c.Slots) == 0 {
			return ids, nil
		}

		for _, m := range s.match(c) {
			ids[m.Entity.ID] = true
		}

		return ids, nil
	case AllOf:
		_, order := s.entityTaggings(taggableType)
		ids := make(map[string]bool)
		for _, id := range order {
			ids[id] = true
		}

		for _, ci := range c {
			sub, err := s.evaluate(taggableType, ci)
			if err != nil {
				return nil, err
			}

			for id := range ids {
				if !sub[id] {
					delete(ids, id)
				}
			}
		}

		return ids, nil
	case AnyOf:
		ids := make(map[string]bool)
		for _, ci := range c {
			sub, err := s.evaluate(taggableType, ci)
			if err != nil {
				return nil, err
			}

			for id := range sub {
				ids[id] = true
			}
		}

		return ids, nil
	default:
		return nil, fmt.Errorf("condition %T: %w", c, ErrNotSupported)
	}
}

// FilterEntities implements Storage.
func (s *MemoryStorage) FilterEntities(_ context.Context, taggableType string, c Condition) ([]string, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()

	set, err := s.evaluate(taggableType, c)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}

	sort.Strings(ids)
	return ids, nil
}

// Atomic implements Storage.
func (s *MemoryStorage) Atomic(_ context.Context, fn func(Storage) error) error {
	s.wmx.Lock()
	defer s.wmx.Unlock()

	s.mx.RLock()
	tx := &MemoryStorage{state: s.state.clone()}
	s.mx.RUnlock()

	if err := fn(memoryTx{tx}); err != nil {
		return err
	}

	s.mx.Lock()
	s.state = tx.state
	s.mx.Unlock()
	return nil
}

// memoryTx runs nested atomic blocks as part of the enclosing one.
type memoryTx struct{ *MemoryStorage }

func (tx memoryTx) Atomic(_ context.Context, fn func(Storage) error) error { return fn(tx) }

// Close implements Storage.
func (s *MemoryStorage) Close() {}

func strconv64(id int64) string {
	return strconv.FormatInt(id, 10)
}
