package rockettag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Match is a matching entity together with the number of satisfied query tags.
type Match struct {
	Entity EntityRef
	Count  int
}

// Storage is the backing store of tags, aliases and taggings. The default implementation is SQL based, and a
// memory implementation is provided, too. Hosts can provide their own.
type Storage interface {

	// FindOrCreateTag returns the tag with the provided name, creating it when it doesn't exist.
	FindOrCreateTag(ctx context.Context, name string) (Tag, error)

	// TagsByName returns the existing tags whose name is listed in the arguments.
	TagsByName(ctx context.Context, names []string) ([]Tag, error)

	// Tags returns all tags ordered by name.
	Tags(ctx context.Context) ([]Tag, error)

	// AliasesOf returns the direct aliases of a tag, regardless of which side of the edge was recorded.
	AliasesOf(ctx context.Context, tagID int64) ([]Tag, error)

	// InsertAlias stores an alias edge. Edges are unordered, and inserting an existing edge is a no-op.
	InsertAlias(ctx context.Context, tagID, aliasID int64) error

	// DeleteAlias removes a single alias edge, in both directions.
	DeleteAlias(ctx context.Context, tagID, aliasID int64) error

	// DeleteTaggings removes all the taggings of an entity in a context.
	DeleteTaggings(ctx context.Context, entity EntityRef, context string) error

	// DeleteAllTaggings removes all the taggings of an entity.
	DeleteAllTaggings(ctx context.Context, entity EntityRef) error

	// InsertTaggings links the tags to an entity in a context. Implementations must return ErrDuplicateTagging
	// when the same tag already exists for the same entity, context and tagger.
	InsertTaggings(ctx context.Context, entity EntityRef, context string, tagIDs []int64, tagger *EntityRef) error

	// TaggingsFor returns all the taggings of an entity, in insertion order.
	TaggingsFor(ctx context.Context, entity EntityRef) ([]Tagging, error)

	// TagCounts returns the tags used by the entities of a type with the number of their taggings, optionally
	// restricted to a set of contexts.
	TagCounts(ctx context.Context, taggableType string, contexts []string) ([]TagCount, error)

	// MatchEntities evaluates a compiled match plan, and returns the matching entities ordered by descending
	// match count.
	MatchEntities(ctx context.Context, p *Plan) ([]Match, error)

	// FilterEntities evaluates a boolean combination of match plans, and returns the ids of the matching
	// entities of a type.
	FilterEntities(ctx context.Context, taggableType string, c Condition) ([]string, error)

	// Atomic runs fn in a single transaction. When fn fails, none of its writes are visible. The storage
	// passed to fn must be used for all operations belonging to the transaction.
	Atomic(ctx context.Context, fn func(Storage) error) error

	// Close releases any resources taken by the storage implementation.
	Close()
}

// StorageOptions are used by the default storage implementation.
type StorageOptions struct {

	// DriverName specifies which data base driver to use. Supported: sqlite3, sqlite, postgres, pgx. The
	// default value is sqlite3.
	DriverName string

	// DataSourceName specifies the data source for the storage. In case of postgres and pgx, it is the
	// postgresql connection string, while in case of sqlite3 and sqlite, it is a path to a new or existing
	// file. When not specified and the driver is sqlite based, ./rockettag.sqlite will be used.
	DataSourceName string
}

// CacheOptions are used by the default alias cache implementation.
type CacheOptions struct {

	// CacheSize defines the maximum memory usage of the alias cache. Defaults to 64M.
	CacheSize int

	// ExpectedItemSize provides a hint for the cache about the expected median size of the alias lists.
	ExpectedItemSize int

	// TTL defines how long a cached alias list is served. The engine drops the affected entries on its own
	// alias mutations, but it doesn't see the mutations made by other engines or processes over the same
	// storage: those become visible when the entries expire, or after Engine.InvalidateAliases. Defaults to
	// one minute. A negative value disables the expiration, which is safe only when a single engine writes the
	// aliases.
	TTL time.Duration
}

// Options are used to initialize the engine.
type Options struct {

	// Custom storage implementation. By default, the builtin SQL storage is used.
	Storage Storage

	// Custom alias cache implementation. By default, a builtin cache is used.
	AliasCache AliasCache

	// StorageOptions define options for the default storage implementation when not replaced by a custom
	// storage.
	StorageOptions StorageOptions

	// CacheOptions define options for the default alias cache when not replaced by a custom cache.
	CacheOptions CacheOptions

	// ForceLowercase lowercases every assigned and queried tag name.
	ForceLowercase bool

	// Logger receives the debug and warning records of the engine. Defaults to slog.Default().
	Logger *slog.Logger

	// Registerer, when set, is used to register the engine metrics.
	Registerer prometheus.Registerer
}

// Engine maintains the taggings of entities, the alias graph of the tags, and answers tag matching queries.
type Engine struct {
	storage Storage
	aliases AliasCache
	lower   bool
	txBound bool
	pending *pendingNames
	log     *slog.Logger
	metrics *metrics
}

// New creates and initializes an engine.
func New(o Options) (*Engine, error) {
	if o.Storage == nil {
		s, err := NewSQLStorage(o.StorageOptions)
		if err != nil {
			return nil, err
		}

		o.Storage = s
	}

	if o.AliasCache == nil {
		o.AliasCache = newCache(o.CacheOptions)
	}

	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	m, err := newMetrics(o.Registerer)
	if err != nil {
		return nil, err
	}

	return &Engine{
		storage: o.Storage,
		aliases: o.AliasCache,
		lower:   o.ForceLowercase,
		log:     o.Logger.With("component", "rockettag"),
		metrics: m,
	}, nil
}

// Using returns an engine that executes all its operations on the provided storage, e.g. a SQL storage bound to
// the host's own transaction with SQLStorage.WithTx. The returned engine doesn't read or fill the alias cache,
// because it may see uncommitted state, and it doesn't drop the entries affected by its alias mutations either,
// but collects them. The host calls InvalidateAliases on the returned engine after committing.
func (e *Engine) Using(s Storage) *Engine {
	ee := *e
	ee.storage = s
	ee.txBound = true
	ee.pending = &pendingNames{}
	return &ee
}

// Entity returns the tag state of an entity instance. The tags are not loaded until the first read.
func (e *Engine) Entity(t *TaggableType, id string) *Taggable {
	return &Taggable{
		typ:    t,
		ref:    t.Ref(id),
		engine: e,
		cache:  newContextCache(),
	}
}

func (e *Engine) normalize(name string) string {
	name = strings.TrimSpace(name)
	if e.lower {
		return strings.ToLower(name)
	}

	return name
}

// cleanTags normalizes the names and drops the empty ones. Repetitions are kept until the flush.
func (e *Engine) cleanTags(tags []string) []string {
	clean := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = e.normalize(t); t != "" {
			clean = append(clean, t)
		}
	}

	return clean
}

// uniqueNames normalizes the names, and drops the empty ones and the repetitions, keeping the first occurrence.
func (e *Engine) uniqueNames(names []string) []string {
	var u []string
	seen := make(map[string]bool)
	for _, n := range names {
		n = e.normalize(n)
		if n == "" || seen[n] {
			continue
		}

		seen[n] = true
		u = append(u, n)
	}

	return u
}

// Flush persists the dirty contexts of an entity, in a single transaction, and clears the dirty markers. When
// it fails, nothing is persisted and the contexts stay dirty.
func (e *Engine) Flush(ctx context.Context, t *Taggable) error {
	return e.FlushBy(ctx, t, nil)
}

// FlushBy is like Flush, but records a tagger for the created taggings.
func (e *Engine) FlushBy(ctx context.Context, t *Taggable, tagger *EntityRef) error {
	dirty := t.cache.dirtyContexts()
	if len(dirty) == 0 {
		return nil
	}

	err := e.storage.Atomic(ctx, func(s Storage) error {
		for _, c := range dirty {
			if err := e.flushContext(ctx, s, t.ref, c, t.cache.read(c), tagger); err != nil {
				return fmt.Errorf("flushing context %s of %s: %w", c, t.ref, err)
			}
		}

		return nil
	})

	if err != nil {
		e.metrics.flushErrors.Inc()
		return err
	}

	t.cache.clean(dirty)
	e.metrics.flushes.Inc()
	e.log.Debug("flushed tag contexts", "entity", t.ref.String(), "contexts", dirty)
	return nil
}

func (e *Engine) flushContext(
	ctx context.Context,
	s Storage,
	entity EntityRef,
	c string,
	list []string,
	tagger *EntityRef,
) error {
	if err := s.DeleteTaggings(ctx, entity, c); err != nil {
		return err
	}

	names := e.uniqueNames(list)
	if len(names) == 0 {
		return nil
	}

	existing, err := s.TagsByName(ctx, names)
	if err != nil {
		return err
	}

	byName := make(map[string]Tag, len(existing))
	for _, t := range existing {
		byName[t.Name] = t
	}

	ids := make([]int64, 0, len(names))
	for _, n := range names {
		t, ok := byName[n]
		if !ok {
			if t, err = s.FindOrCreateTag(ctx, n); err != nil {
				return err
			}
		}

		ids = append(ids, t.ID)
	}

	return s.InsertTaggings(ctx, entity, c, ids, tagger)
}

// Destroy removes all the taggings of an entity, e.g. when the entity itself is destroyed, and resets its
// cached state.
func (e *Engine) Destroy(ctx context.Context, t *Taggable) error {
	if err := e.storage.DeleteAllTaggings(ctx, t.ref); err != nil {
		return fmt.Errorf("destroying taggings of %s: %w", t.ref, err)
	}

	t.cache.invalidate()
	return nil
}

// FindOrCreateTag returns the tag with the normalized name, creating it when it doesn't exist.
func (e *Engine) FindOrCreateTag(ctx context.Context, name string) (Tag, error) {
	name = e.normalize(name)
	if name == "" {
		return Tag{}, fmt.Errorf("empty tag name: %w", ErrValidation)
	}

	return e.storage.FindOrCreateTag(ctx, name)
}

// Tag returns an existing tag, or ErrNotFound.
func (e *Engine) Tag(ctx context.Context, name string) (Tag, error) {
	return lookupTag(ctx, e.storage, e.normalize(name))
}

// Tags returns all tags ordered by name.
func (e *Engine) Tags(ctx context.Context) ([]Tag, error) {
	return e.storage.Tags(ctx)
}

// TagCounts returns the tags used by the entities of a type, with the number of their taggings, ordered by
// descending count. When contexts are provided, only the taggings in those contexts are counted.
func (e *Engine) TagCounts(ctx context.Context, t *TaggableType, contexts ...string) ([]TagCount, error) {
	if err := t.checkContexts(contexts...); err != nil {
		return nil, err
	}

	return e.storage.TagCounts(ctx, t.Name(), contexts)
}

// Close releases all resources.
func (e *Engine) Close() {
	e.aliases.Close()
	e.storage.Close()
}

func lookupTag(ctx context.Context, s Storage, name string) (Tag, error) {
	tags, err := s.TagsByName(ctx, []string{name})
	if err != nil {
		return Tag{}, err
	}

	if len(tags) == 0 {
		return Tag{}, notFound("tag", name)
	}

	return tags[0], nil
}

func durationSince(start time.Time) float64 {
	return time.Since(start).Seconds()
}
