package rockettag

import (
	"errors"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/aryszka/forget"
	"github.com/aryszka/keyval"
)

const (
	forEver = time.Duration((^uint64(0)) >> 1)

	defaultCacheSize = 1 << 26
	minItemSize      = 64

	// DefaultAliasCacheTTL is the default expiration of the cached alias lists.
	DefaultAliasCacheTTL = time.Minute
)

// AliasCache holds the direct aliases of the tags, keyed by tag name. The engine reads it when resolving alias
// lists and invalidates the affected tags on every alias mutation.
type AliasCache interface {

	// Get returns the cached aliases of a tag. The second return value is false on a cache miss.
	Get(name string) ([]Tag, bool, error)

	// Set stores the aliases of a tag.
	Set(name string, aliases []Tag) error

	// Delete drops the cached aliases of the provided tags.
	Delete(names ...string)

	// Close releases any resources taken by the cache.
	Close()
}

type cache struct {
	forget *forget.Cache
	ttl    time.Duration
	mx     *sync.Mutex
}

var (
	// ErrDamagedCacheData is returned when the cache detects damaged data.
	ErrDamagedCacheData = errors.New("damaged cache data")

	// ErrFailedToCacheEntry is returned when caching an entry failed, e.g. due to oversize.
	ErrFailedToCacheEntry = errors.New("failed to cache entry")
)

func newCache(o CacheOptions) *cache {
	if o.CacheSize <= 0 {
		o.CacheSize = defaultCacheSize
	}

	if o.ExpectedItemSize < minItemSize {
		o.ExpectedItemSize = minItemSize
	}

	switch {
	case o.TTL == 0:
		o.TTL = DefaultAliasCacheTTL
	case o.TTL < 0:
		o.TTL = forEver
	}

	return &cache{
		forget: forget.New(forget.Options{
			CacheSize: o.CacheSize,
			ChunkSize: o.ExpectedItemSize,
		}),
		ttl: o.TTL,
		mx:  &sync.Mutex{},
	}
}

func readAll(r io.Reader) ([]Tag, error) {
	var aliases []Tag
	kvr := keyval.NewEntryReader(r)
	for {
		e, err := kvr.ReadEntry()
		if err != nil && err != io.EOF {
			return nil, err
		}

		if e == nil {
			break
		}

		id, perr := strconv.ParseInt(e.Val, 10, 64)
		if perr != nil {
			return nil, ErrDamagedCacheData
		}

		if len(e.Key) != 1 {
			return nil, ErrDamagedCacheData
		}

		aliases = append(aliases, Tag{ID: id, Name: e.Key[0]})

		if err == io.EOF {
			break
		}
	}

	return aliases, nil
}

func writeAll(w io.Writer, aliases []Tag) error {
	kvw := keyval.NewEntryWriter(w)
	for _, a := range aliases {
		err := kvw.WriteEntry(&keyval.Entry{
			Key: []string{a.Name},
			Val: strconv.FormatInt(a.ID, 10),
		})

		if err != nil {
			return err
		}
	}

	return nil
}

func (c *cache) Get(name string) ([]Tag, bool, error) {
	r, ok := c.forget.Get(name)
	if !ok {
		return nil, false, nil
	}

	defer r.Close()
	aliases, err := readAll(r)
	if err != nil {
		return nil, false, err
	}

	return aliases, true, nil
}

func (c *cache) Set(name string, aliases []Tag) error {
	c.mx.Lock()
	defer c.mx.Unlock()

	w, ok := c.forget.Set(name, c.ttl)
	if !ok {
		return ErrFailedToCacheEntry
	}

	defer w.Close()
	return writeAll(w, aliases)
}

func (c *cache) Delete(names ...string) {
	c.mx.Lock()
	defer c.mx.Unlock()

	for _, n := range names {
		c.forget.Delete(n)
	}
}

func (c *cache) Close() {
	c.forget.Close()
}
