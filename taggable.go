package rockettag

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"
)

// DefaultContext is used when a taggable type is declared without contexts.
const DefaultContext = "tag"

// Tag is a unique, normalized tag name.
type Tag struct {
	ID   int64
	Name string
}

// TagCount is a tag with the number of taggings referencing it.
type TagCount struct {
	Tag
	Count int
}

// EntityRef identifies a tagged record, or a tagger, by its type and id.
type EntityRef struct {
	Type string
	ID   string
}

func (r EntityRef) String() string { return r.Type + "/" + r.ID }

// Tagging is a persisted link between one entity, one tag and one context.
type Tagging struct {
	Entity    EntityRef
	Tag       Tag
	Context   string
	Tagger    *EntityRef
	CreatedAt time.Time
}

// TaggableType declares the valid tag contexts of an entity type. It is constructed once, at startup, and passed
// to every operation that needs it.
type TaggableType struct {
	name     string
	contexts []string
}

// NewTaggableType declares an entity type with its tag contexts. When no context is provided, the type gets the
// single context "tag".
func NewTaggableType(name string, contexts ...string) (*TaggableType, error) {
	if name == "" {
		return nil, fmt.Errorf("taggable type: missing name: %w", ErrValidation)
	}

	if len(contexts) == 0 {
		contexts = []string{DefaultContext}
	}

	t := &TaggableType{name: name}
	for _, c := range contexts {
		if c == "" {
			return nil, fmt.Errorf("taggable type %s: empty context name: %w", name, ErrValidation)
		}

		if !slices.Contains(t.contexts, c) {
			t.contexts = append(t.contexts, c)
		}
	}

	return t, nil
}

// Name returns the entity type name used in the taggable references.
func (t *TaggableType) Name() string { return t.name }

// Contexts returns the declared contexts in declaration order.
func (t *TaggableType) Contexts() []string { return slices.Clone(t.contexts) }

// HasContext tells whether a context was declared for the type.
func (t *TaggableType) HasContext(c string) bool { return slices.Contains(t.contexts, c) }

func (t *TaggableType) checkContexts(contexts ...string) error {
	for _, c := range contexts {
		if !t.HasContext(c) {
			return &ContextError{Type: t.name, Context: c}
		}
	}

	return nil
}

// Ref returns the reference of an entity of this type.
func (t *TaggableType) Ref(id string) EntityRef {
	return EntityRef{Type: t.name, ID: id}
}

// contextCache holds the tag lists of a single loaded entity instance, and the contexts that were assigned since
// the last flush. It is private to the instance and not safe for concurrent use.
type contextCache struct {
	lists  map[string][]string
	dirty  map[string]bool
	loaded bool
}

func newContextCache() *contextCache {
	return &contextCache{
		lists: make(map[string][]string),
		dirty: make(map[string]bool),
	}
}

func (c *contextCache) read(context string) []string {
	return c.lists[context]
}

func (c *contextCache) write(context string, list []string) {
	c.lists[context] = list
	c.dirty[context] = true
}

// fill stores the persisted lists, without overwriting the contexts that were assigned before the first load.
func (c *contextCache) fill(taggings []Tagging) {
	persisted := make(map[string][]string)
	for _, t := range taggings {
		persisted[t.Context] = append(persisted[t.Context], t.Tag.Name)
	}

	for context, list := range persisted {
		if !c.dirty[context] {
			c.lists[context] = list
		}
	}

	c.loaded = true
}

func (c *contextCache) invalidate() {
	c.lists = make(map[string][]string)
	c.dirty = make(map[string]bool)
	c.loaded = false
}

func (c *contextCache) clean(contexts []string) {
	for _, context := range contexts {
		delete(c.dirty, context)
	}
}

func (c *contextCache) dirtyContexts() []string {
	var d []string
	for context := range c.dirty {
		d = append(d, context)
	}

	sort.Strings(d)
	return d
}

// Taggable is the tag state of one loaded entity instance. The tag lists are loaded lazily, on the first read,
// and the assigned contexts are persisted only when the host calls Engine.Flush, typically inside its own
// transaction.
type Taggable struct {
	typ    *TaggableType
	ref    EntityRef
	engine *Engine
	cache  *contextCache
}

// Ref returns the reference of the entity.
func (t *Taggable) Ref() EntityRef { return t.ref }

// Type returns the declared type of the entity.
func (t *Taggable) Type() *TaggableType { return t.typ }

func (t *Taggable) load(ctx context.Context) error {
	if t.cache.loaded {
		return nil
	}

	taggings, err := t.engine.storage.TaggingsFor(ctx, t.ref)
	if err != nil {
		return fmt.Errorf("loading tags of %s: %w", t.ref, err)
	}

	t.cache.fill(taggings)
	return nil
}

// Get returns the tag list of a context. Before the next reload, the returned list is exactly the one that was
// last assigned, in the same order.
func (t *Taggable) Get(ctx context.Context, c string) ([]string, error) {
	if err := t.typ.checkContexts(c); err != nil {
		return nil, err
	}

	if err := t.load(ctx); err != nil {
		return nil, err
	}

	return slices.Clone(t.cache.read(c)), nil
}

// Set assigns a tag list to a context and marks the context dirty. The entries are trimmed and the empty ones
// are dropped. When the engine is configured with ForceLowercase, every entry is lowercased.
func (t *Taggable) Set(context string, tags []string) error {
	if err := t.typ.checkContexts(context); err != nil {
		return err
	}

	t.cache.write(context, t.engine.cleanTags(tags))
	return nil
}

// Assign accepts either a tag list or a delimited string that is parsed with ParseTags. Other values are
// rejected with a *ValidationError.
func (t *Taggable) Assign(context string, value any) error {
	if err := t.typ.checkContexts(context); err != nil {
		return err
	}

	switch v := value.(type) {
	case []string:
		return t.Set(context, v)
	case string:
		return t.Set(context, ParseTags(v))
	case nil:
		return t.Set(context, nil)
	default:
		return &ValidationError{Context: context, ValueType: fmt.Sprintf("%T", value)}
	}
}

// Dirty returns the contexts assigned since the last flush, sorted by name.
func (t *Taggable) Dirty() []string { return t.cache.dirtyContexts() }

// Reload drops the cached lists and the pending assignments. The next read loads the persisted state.
func (t *Taggable) Reload() { t.cache.invalidate() }
