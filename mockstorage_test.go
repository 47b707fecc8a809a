package rockettag

import (
	"context"
	"errors"
)

// mockStorage is a memory storage that fails the nth call of the selected methods.
type mockStorage struct {
	*MemoryStorage
	failOn map[string]int
	calls  map[string]int
}

var errForgedError = errors.New("forged")

func newMockStorage() *mockStorage {
	return &mockStorage{
		MemoryStorage: NewMemoryStorage(),
		failOn:        make(map[string]int),
		calls:         make(map[string]int),
	}
}

// failAt makes the nth call of a method fail, counting from the time of this call.
func (s *mockStorage) failAt(method string, n int) {
	s.calls[method] = 0
	s.failOn[method] = n
}

func (s *mockStorage) fail(method string) error {
	s.calls[method]++
	if n, ok := s.failOn[method]; ok && n == s.calls[method] {
		delete(s.failOn, method)
		return errForgedError
	}

	return nil
}

func (s *mockStorage) FindOrCreateTag(ctx context.Context, name string) (Tag, error) {
	if err := s.fail("FindOrCreateTag"); err != nil {
		return Tag{}, err
	}

	return s.MemoryStorage.FindOrCreateTag(ctx, name)
}

func (s *mockStorage) InsertAlias(ctx context.Context, tagID, aliasID int64) error {
	if err := s.fail("InsertAlias"); err != nil {
		return err
	}

	return s.MemoryStorage.InsertAlias(ctx, tagID, aliasID)
}

func (s *mockStorage) InsertTaggings(
	ctx context.Context,
	entity EntityRef,
	context string,
	tagIDs []int64,
	tagger *EntityRef,
) error {
	if err := s.fail("InsertTaggings"); err != nil {
		return err
	}

	return s.MemoryStorage.InsertTaggings(ctx, entity, context, tagIDs, tagger)
}

func (s *mockStorage) TaggingsFor(ctx context.Context, entity EntityRef) ([]Tagging, error) {
	if err := s.fail("TaggingsFor"); err != nil {
		return nil, err
	}

	return s.MemoryStorage.TaggingsFor(ctx, entity)
}

func (s *mockStorage) MatchEntities(ctx context.Context, p *Plan) ([]Match, error) {
	if err := s.fail("MatchEntities"); err != nil {
		return nil, err
	}

	return s.MemoryStorage.MatchEntities(ctx, p)
}

// Atomic passes a mock over the transaction's private state, sharing the failure settings.
func (s *mockStorage) Atomic(ctx context.Context, fn func(Storage) error) error {
	return s.MemoryStorage.Atomic(ctx, func(tx Storage) error {
		return fn(&mockStorage{
			MemoryStorage: tx.(memoryTx).MemoryStorage,
			failOn:        s.failOn,
			calls:         s.calls,
		})
	})
}
