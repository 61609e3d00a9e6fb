// Package cubecache is the repository of loaded cubes shared by the requests of
// one server instance.
package cubecache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/rs/zerolog"

	"go.ngs.io/datacube/internal/cube"
	"go.ngs.io/datacube/internal/domain"
	"go.ngs.io/datacube/internal/observability"
)

// Key identifies a load: the collection and a hash of the load parameters.
type Key struct {
	Collection string
	Params     uint64
}

// String renders the key as collection/hash for logs.
func (k Key) String() string { return fmt.Sprintf("%s/%016x", k.Collection, k.Params) }

// KeyOf hashes params, any struct of comparable fields, into a Key.
func KeyOf(collection string, params any) (Key, error) {
	h, err := hashstructure.Hash(params, hashstructure.FormatV2, nil)
	if err != nil {
		return Key{}, fmt.Errorf("failed to hash load parameters: %w", err)
	}
	return Key{Collection: collection, Params: h}, nil
}

// Entry is a loaded cube and the majority reference system and resolution it
// was gridded on.
type Entry struct {
	Cube     *cube.Cube
	Majority domain.CRSResolution
}

// Repository is a least-recently-used store of cubes. Cubes handed out are
// shared and must be treated as read-only.
type Repository struct {
	cubes *lru.Cache[Key, Entry]
	log   zerolog.Logger
}

// New returns a repository holding at most size entries, 32 when size is not
// positive.
func New(size int, log zerolog.Logger) (*Repository, error) {
	if size <= 0 {
		size = 32
	}
	c, err := lru.New[Key, Entry](size)
	if err != nil {
		return nil, err
	}
	return &Repository{cubes: c, log: log.With().Str("component", "cubecache").Logger()}, nil
}

// Get returns the entry stored under k and marks it recently used.
func (r *Repository) Get(k Key) (Entry, bool) {
	e, ok := r.cubes.Get(k)
	if ok {
		observability.IncCacheHit()
	} else {
		observability.IncCacheMiss()
	}
	return e, ok
}

// Put stores e under k, evicting the least recently used entry when full.
func (r *Repository) Put(k Key, e Entry) {
	if evicted := r.cubes.Add(k, e); evicted {
		r.log.Debug().Str("key", k.String()).Msg("cache full, evicted oldest cube")
	}
}

// Reset drops every cube.
func (r *Repository) Reset() int {
	n := r.cubes.Len()
	r.cubes.Purge()
	r.log.Info().Int("dropped", n).Msg("cube cache reset")
	return n
}

func (r *Repository) Len() int { return r.cubes.Len() }
