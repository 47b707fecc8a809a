package rockettag

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestEngine(t *testing.T, s Storage) *Engine {
	t.Helper()

	e, err := New(Options{
		Storage: s,
		CacheOptions: CacheOptions{
			CacheSize: 1 << 16,
		},
		Logger: discardLogger,
	})

	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func newSQLiteStorage(t *testing.T, driverName string) Storage {
	t.Helper()

	s, err := NewSQLStorage(StorageOptions{
		DriverName:     driverName,
		DataSourceName: filepath.Join(t.TempDir(), "test.sqlite"),
	})

	require.NoError(t, err)
	return s
}

// forEachStorage runs the test with the memory storage and with both sqlite drivers.
func forEachStorage(t *testing.T, test func(t *testing.T, e *Engine)) {
	storages := []struct {
		name   string
		create func(t *testing.T) Storage
	}{{
		name:   "memory",
		create: func(*testing.T) Storage { return NewMemoryStorage() },
	}, {
		name:   "sqlite3",
		create: func(t *testing.T) Storage { return newSQLiteStorage(t, "sqlite3") },
	}, {
		name:   "sqlite",
		create: func(t *testing.T) Storage { return newSQLiteStorage(t, "sqlite") },
	}}

	for _, s := range storages {
		t.Run(s.name, func(t *testing.T) {
			test(t, newTestEngine(t, s.create(t)))
		})
	}
}

// taggableModel declares the contexts of the records used across the tests.
func taggableModel(t *testing.T) *TaggableType {
	t.Helper()

	tt, err := NewTaggableType("TaggableModel", DefaultContext, "languages", "skills", "needs", "offerings")
	require.NoError(t, err)
	return tt
}

// save assigns the tag lists of a record and flushes them.
func save(t *testing.T, e *Engine, tt *TaggableType, id string, lists map[string][]string) *Taggable {
	t.Helper()

	entity := e.Entity(tt, id)
	for c, l := range lists {
		require.NoError(t, entity.Set(c, l))
	}

	require.NoError(t, e.Flush(context.Background(), entity))
	return entity
}

func ids(m []Match) []string {
	ids := make([]string, len(m))
	for i, mi := range m {
		ids[i] = mi.Entity.ID
	}

	return ids
}

func TestFlush(t *testing.T) {
	ctx := context.Background()

	forEachStorage(t, func(t *testing.T, e *Engine) {
		tt := taggableModel(t)

		t.Run("flush without dirty contexts", func(t *testing.T) {
			entity := e.Entity(tt, "clean")
			require.NoError(t, e.Flush(ctx, entity))

			taggings, err := e.storage.TaggingsFor(ctx, entity.Ref())
			require.NoError(t, err)
			assert.Empty(t, taggings)
		})

		t.Run("only dirty contexts are replaced", func(t *testing.T) {
			save(t, e, tt, "m", map[string][]string{
				"skills":    {"a", "b"},
				"languages": {"german"},
			})

			entity := e.Entity(tt, "m")
			require.NoError(t, entity.Set("skills", []string{"c"}))
			assert.Equal(t, []string{"skills"}, entity.Dirty())
			require.NoError(t, e.Flush(ctx, entity))
			assert.Empty(t, entity.Dirty())

			entity.Reload()
			skills, err := entity.Get(ctx, "skills")
			require.NoError(t, err)
			assert.Equal(t, []string{"c"}, skills)

			languages, err := entity.Get(ctx, "languages")
			require.NoError(t, err)
			assert.Equal(t, []string{"german"}, languages)
		})

		t.Run("repeated names are stored once", func(t *testing.T) {
			entity := save(t, e, tt, "rep", map[string][]string{"skills": {"a", "a", " ", "b"}})

			taggings, err := e.storage.TaggingsFor(ctx, entity.Ref())
			require.NoError(t, err)
			assert.Len(t, taggings, 2)
		})

		t.Run("tagger is recorded", func(t *testing.T) {
			entity := e.Entity(tt, "by")
			require.NoError(t, entity.Set("skills", []string{"a"}))

			tagger := EntityRef{Type: "User", ID: "1"}
			require.NoError(t, e.FlushBy(ctx, entity, &tagger))

			taggings, err := e.storage.TaggingsFor(ctx, entity.Ref())
			require.NoError(t, err)
			require.Len(t, taggings, 1)
			require.NotNil(t, taggings[0].Tagger)
			assert.Equal(t, tagger, *taggings[0].Tagger)
			assert.False(t, taggings[0].CreatedAt.IsZero())
		})

		t.Run("destroy", func(t *testing.T) {
			entity := save(t, e, tt, "gone", map[string][]string{"skills": {"a"}, "needs": {"x"}})
			require.NoError(t, e.Destroy(ctx, entity))

			taggings, err := e.storage.TaggingsFor(ctx, entity.Ref())
			require.NoError(t, err)
			assert.Empty(t, taggings)

			skills, err := entity.Get(ctx, "skills")
			require.NoError(t, err)
			assert.Empty(t, skills)
		})
	})
}

func TestFlushFailure(t *testing.T) {
	ctx := context.Background()
	s := newMockStorage()
	e := newTestEngine(t, s)
	tt := taggableModel(t)

	save(t, e, tt, "m", map[string][]string{"skills": {"a", "b"}})

	entity := e.Entity(tt, "m")
	require.NoError(t, entity.Set("skills", []string{"c", "d"}))
	require.NoError(t, entity.Set("languages", []string{"german"}))

	s.failAt("InsertTaggings", 2)
	err := e.Flush(ctx, entity)
	require.ErrorIs(t, err, errForgedError)
	assert.Equal(t, []string{"languages", "skills"}, entity.Dirty())

	taggings, err := s.TaggingsFor(ctx, entity.Ref())
	require.NoError(t, err)
	require.Len(t, taggings, 2)
	assert.Equal(t, "a", taggings[0].Tag.Name)
	assert.Equal(t, "b", taggings[1].Tag.Name)

	tags, err := e.Tags(ctx)
	require.NoError(t, err)
	assert.Len(t, tags, 2, "tags created by the failed flush must be rolled back")

	require.NoError(t, e.Flush(ctx, entity))
	assert.Empty(t, entity.Dirty())
}

func TestFindOrCreateTag(t *testing.T) {
	ctx := context.Background()

	forEachStorage(t, func(t *testing.T, e *Engine) {
		a, err := e.FindOrCreateTag(ctx, "rails")
		require.NoError(t, err)

		b, err := e.FindOrCreateTag(ctx, " rails ")
		require.NoError(t, err)
		assert.Equal(t, a, b)

		_, err = e.FindOrCreateTag(ctx, "")
		assert.ErrorIs(t, err, ErrValidation)

		found, err := e.Tag(ctx, "rails")
		require.NoError(t, err)
		assert.Equal(t, a, found)

		_, err = e.Tag(ctx, "ror")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestForceLowercase(t *testing.T) {
	ctx := context.Background()
	e, err := New(Options{
		Storage:        NewMemoryStorage(),
		ForceLowercase: true,
		Logger:         discardLogger,
	})

	require.NoError(t, err)
	defer e.Close()

	tt := taggableModel(t)
	entity := e.Entity(tt, "m")
	require.NoError(t, entity.Set("skills", []string{"Go", "SQL"}))

	skills, err := entity.Get(ctx, "skills")
	require.NoError(t, err)
	assert.Equal(t, []string{"go", "sql"}, skills)

	require.NoError(t, e.Flush(ctx, entity))
	m, err := e.Match(ctx, tt, Tags("GO"), MatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"m"}, ids(m))

	tag, err := e.Tag(ctx, "Sql")
	require.NoError(t, err)
	assert.Equal(t, "sql", tag.Name)
}

func TestTagCounts(t *testing.T) {
	ctx := context.Background()

	forEachStorage(t, func(t *testing.T, e *Engine) {
		tt := taggableModel(t)
		save(t, e, tt, "1", map[string][]string{"skills": {"a", "b"}, "languages": {"a"}})
		save(t, e, tt, "2", map[string][]string{"skills": {"a"}})

		other, err := NewTaggableType("Other")
		require.NoError(t, err)
		save(t, e, other, "1", map[string][]string{DefaultContext: {"b", "c"}})

		counts, err := e.TagCounts(ctx, tt)
		require.NoError(t, err)
		require.Len(t, counts, 2)
		assert.Equal(t, "a", counts[0].Name)
		assert.Equal(t, 3, counts[0].Count)
		assert.Equal(t, "b", counts[1].Name)
		assert.Equal(t, 1, counts[1].Count)

		counts, err = e.TagCounts(ctx, tt, "languages")
		require.NoError(t, err)
		require.Len(t, counts, 1)
		assert.Equal(t, 1, counts[0].Count)

		_, err = e.TagCounts(ctx, tt, "colors")
		assert.ErrorIs(t, err, ErrInvalidContext)
	})
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()

	create := func() *Engine {
		e, err := New(Options{
			Storage:    NewMemoryStorage(),
			Logger:     discardLogger,
			Registerer: reg,
		})

		require.NoError(t, err)
		return e
	}

	e1 := create()
	defer e1.Close()

	e2 := create()
	defer e2.Close()

	tt := taggableModel(t)
	save(t, e1, tt, "1", map[string][]string{"skills": {"a"}})
	save(t, e2, tt, "1", map[string][]string{"skills": {"a"}})

	_, err := e1.FindOrCreateTag(ctx, "b")
	require.NoError(t, err)
	require.NoError(t, e1.AddAlias(ctx, "a", "b"))

	assert.Equal(t, float64(2), testutil.ToFloat64(e1.metrics.flushes))
	assert.Equal(t, float64(1), testutil.ToFloat64(e1.metrics.aliasMutations.WithLabelValues("add")))
}
