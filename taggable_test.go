package rockettag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaggableType(t *testing.T) {
	t.Run("default context", func(t *testing.T) {
		tt, err := NewTaggableType("Article")
		require.NoError(t, err)
		assert.Equal(t, []string{DefaultContext}, tt.Contexts())
	})

	t.Run("repeated contexts", func(t *testing.T) {
		tt, err := NewTaggableType("Profile", "skills", "languages", "skills")
		require.NoError(t, err)
		assert.Equal(t, []string{"skills", "languages"}, tt.Contexts())
		assert.True(t, tt.HasContext("languages"))
		assert.False(t, tt.HasContext(DefaultContext))
	})

	t.Run("missing name", func(t *testing.T) {
		_, err := NewTaggableType("")
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("empty context", func(t *testing.T) {
		_, err := NewTaggableType("Profile", "skills", "")
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, NewMemoryStorage())
	tt := taggableModel(t)

	t.Run("read back the assigned list", func(t *testing.T) {
		entity := e.Entity(tt, "m")
		require.NoError(t, entity.Set("skills", []string{"b", "a", "b"}))

		skills, err := entity.Get(ctx, "skills")
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "a", "b"}, skills)

		skills[0] = "changed"
		again, err := entity.Get(ctx, "skills")
		require.NoError(t, err)
		assert.Equal(t, "b", again[0])
	})

	t.Run("assign is idempotent", func(t *testing.T) {
		entity := e.Entity(tt, "m")
		require.NoError(t, entity.Set("skills", []string{"a"}))
		require.NoError(t, entity.Set("skills", []string{"a"}))

		skills, err := entity.Get(ctx, "skills")
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, skills)
		assert.Equal(t, []string{"skills"}, entity.Dirty())
	})

	t.Run("unassigned context", func(t *testing.T) {
		entity := e.Entity(tt, "m")
		needs, err := entity.Get(ctx, "needs")
		require.NoError(t, err)
		assert.Empty(t, needs)
	})

	t.Run("invalid context", func(t *testing.T) {
		entity := e.Entity(tt, "m")

		err := entity.Set("colors", []string{"red"})
		var cerr *ContextError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, "colors", cerr.Context)
		assert.Equal(t, "TaggableModel", cerr.Type)
		assert.ErrorIs(t, err, ErrInvalidContext)

		_, err = entity.Get(ctx, "colors")
		assert.ErrorIs(t, err, ErrInvalidContext)
		assert.Empty(t, entity.Dirty())
	})

	t.Run("assign a delimited string", func(t *testing.T) {
		entity := e.Entity(tt, "m")
		require.NoError(t, entity.Assign("skills", `ruby, "rails, 7", go`))

		skills, err := entity.Get(ctx, "skills")
		require.NoError(t, err)
		assert.Equal(t, []string{"ruby", "rails, 7", "go"}, skills)
	})

	t.Run("assign a list", func(t *testing.T) {
		entity := e.Entity(tt, "m")
		require.NoError(t, entity.Assign("skills", []string{"a", "b"}))

		skills, err := entity.Get(ctx, "skills")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, skills)
	})

	t.Run("assign nil clears", func(t *testing.T) {
		entity := e.Entity(tt, "m")
		require.NoError(t, entity.Assign("skills", nil))

		skills, err := entity.Get(ctx, "skills")
		require.NoError(t, err)
		assert.Empty(t, skills)
		assert.Equal(t, []string{"skills"}, entity.Dirty())
	})

	t.Run("assign an invalid value", func(t *testing.T) {
		entity := e.Entity(tt, "m")

		err := entity.Assign("skills", 42)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "skills", verr.Context)
		assert.Equal(t, "int", verr.ValueType)
		assert.ErrorIs(t, err, ErrValidation)
		assert.Empty(t, entity.Dirty())
	})
}

func TestContextCacheLoading(t *testing.T) {
	ctx := context.Background()

	forEachStorage(t, func(t *testing.T, e *Engine) {
		tt := taggableModel(t)

		t.Run("round trip", func(t *testing.T) {
			save(t, e, tt, "m", map[string][]string{
				"skills":    {"c", "a", "b"},
				"languages": {"german", "french"},
			})

			loaded := e.Entity(tt, "m")
			skills, err := loaded.Get(ctx, "skills")
			require.NoError(t, err)
			assert.Equal(t, []string{"c", "a", "b"}, skills)

			languages, err := loaded.Get(ctx, "languages")
			require.NoError(t, err)
			assert.Equal(t, []string{"german", "french"}, languages)
		})

		t.Run("reload discards the pending assignments", func(t *testing.T) {
			entity := save(t, e, tt, "r", map[string][]string{"skills": {"a", "b"}})
			require.NoError(t, entity.Set("skills", []string{"x"}))
			entity.Reload()

			assert.Empty(t, entity.Dirty())
			skills, err := entity.Get(ctx, "skills")
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, skills)
		})

		t.Run("first load keeps the earlier assignment", func(t *testing.T) {
			save(t, e, tt, "k", map[string][]string{"skills": {"a"}, "needs": {"n"}})

			entity := e.Entity(tt, "k")
			require.NoError(t, entity.Set("skills", []string{"z"}))

			skills, err := entity.Get(ctx, "skills")
			require.NoError(t, err)
			assert.Equal(t, []string{"z"}, skills)

			needs, err := entity.Get(ctx, "needs")
			require.NoError(t, err)
			assert.Equal(t, []string{"n"}, needs)
		})

		t.Run("names are trimmed and the blank ones dropped", func(t *testing.T) {
			entity := e.Entity(tt, "t")
			require.NoError(t, entity.Set("skills", []string{" a", "", "B ", "  "}))

			skills, err := entity.Get(ctx, "skills")
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "B"}, skills)

			require.NoError(t, e.Flush(ctx, entity))
			entity.Reload()
			skills, err = entity.Get(ctx, "skills")
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "B"}, skills)

			tags, err := e.storage.TagsByName(ctx, []string{""})
			require.NoError(t, err)
			assert.Empty(t, tags)
		})

		t.Run("instances are independent", func(t *testing.T) {
			save(t, e, tt, "i", map[string][]string{"skills": {"a"}})

			first := e.Entity(tt, "i")
			second := e.Entity(tt, "i")
			require.NoError(t, first.Set("skills", []string{"b"}))

			skills, err := second.Get(ctx, "skills")
			require.NoError(t, err)
			assert.Equal(t, []string{"a"}, skills)
		})
	})
}

func TestLoadFailure(t *testing.T) {
	ctx := context.Background()
	s := newMockStorage()
	e := newTestEngine(t, s)
	tt := taggableModel(t)
	save(t, e, tt, "m", map[string][]string{"skills": {"a"}})

	entity := e.Entity(tt, "m")
	s.failAt("TaggingsFor", 1)
	_, err := entity.Get(ctx, "skills")
	require.ErrorIs(t, err, errForgedError)

	skills, err := entity.Get(ctx, "skills")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, skills)
}
