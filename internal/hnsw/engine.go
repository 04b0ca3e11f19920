// Package hnsw implements the HNSW graph algorithms (insert, search,
// delete) over a chunked, copy-on-write edge store and a hybrid mmap/KV
// vector store, instead of the flat in-memory node slice a textbook HNSW
// implementation would use.
package hnsw

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/xDarkicex/proximum/internal/ces"
	"github.com/xDarkicex/proximum/internal/obs"
	"github.com/xDarkicex/proximum/internal/util"
	"github.com/xDarkicex/proximum/internal/vstore"
)

// Config holds the HNSW parameters a graph is built with.
type Config struct {
	Dim            int
	M              int
	EfConstruction int
	EfSearch       int
	ML             float64 // 1/ln(M) by convention
	MaxLevels      int
	Metric         util.DistanceMetric
	RandomSeed     int64
}

func (c Config) m0() int { return 2 * c.M }

func (c *Config) fillDefaults() {
	if c.M <= 0 {
		c.M = 16
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = 200
	}
	if c.EfSearch <= 0 {
		c.EfSearch = 50
	}
	if c.ML <= 0 {
		c.ML = 1.0 / math.Log(float64(c.M))
	}
	if c.MaxLevels <= 0 {
		c.MaxLevels = 16
	}
}

// Engine is one open graph: CES edges + VS vectors + the entrypoint/level
// bookkeeping that ties them together.
type Engine struct {
	mu sync.RWMutex

	cfg      Config
	distance util.DistanceFunc
	rng      *rand.Rand

	edges  *ces.CES
	vector *vstore.Store

	levels        []int // per-node level, append-only, guarded by mu
	entrypoint    uint32
	hasEntrypoint bool
	maxLevel      int

	metrics *obs.Metrics
}

// New creates an engine wired to an already-open edge and vector store.
func New(cfg Config, edges *ces.CES, vs *vstore.Store, metrics *obs.Metrics) (*Engine, error) {
	cfg.fillDefaults()
	distFn, err := util.GetDistanceFunc(cfg.Metric)
	if err != nil {
		return nil, fmt.Errorf("hnsw: %w", err)
	}
	return &Engine{
		cfg:      cfg,
		distance: distFn,
		rng:      rand.New(rand.NewSource(cfg.RandomSeed)),
		edges:    edges,
		vector:   vs,
		metrics:  metrics,
	}, nil
}

// Count returns the number of nodes ever appended (including tombstoned
// ones).
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.levels)
}

// LiveCount returns the number of non-deleted nodes.
func (e *Engine) LiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	live := 0
	for id := 0; id < len(e.levels); id++ {
		if !e.edges.IsDeleted(uint32(id)) {
			live++
		}
	}
	return live
}

func (e *Engine) sampleLevel() int {
	u := e.rng.Float64()
	for u == 0 {
		u = e.rng.Float64()
	}
	level := int(math.Floor(-math.Log(u) * e.cfg.ML))
	if level > e.cfg.MaxLevels-1 {
		level = e.cfg.MaxLevels - 1
	}
	return level
}

func (e *Engine) getVector(id uint32) []float32 {
	return e.vector.Get(int(id))
}

// Entrypoint returns the current graph entrypoint, if one has been set.
func (e *Engine) Entrypoint() (uint32, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.entrypoint, e.hasEntrypoint
}

// MaxLevel returns the highest populated layer.
func (e *Engine) MaxLevel() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.maxLevel
}

// RawConfig returns the engine's configuration, for a commit manager
// rebuilding an equivalent engine against a restored snapshot.
func (e *Engine) RawConfig() Config { return e.cfg }

// Edges and Vectors expose the underlying stores so a commit manager can
// drain dirty chunks and flush vectors without the engine mediating every
// durability call itself.
func (e *Engine) Edges() *ces.CES      { return e.edges }
func (e *Engine) Vectors() *vstore.Store { return e.vector }

// RestoreEntrypoint sets the engine's published entrypoint/level state,
// used when loading a commit snapshot or after a fork.
func (e *Engine) RestoreEntrypoint(id uint32, hasEntrypoint bool, maxLevel int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entrypoint = id
	e.hasEntrypoint = hasEntrypoint
	e.maxLevel = maxLevel
}

// Fork returns a new Engine over vs (this engine's own store for an
// in-memory fork, a branch's copied store for a branch) and a CoW-forked
// CES; the level
// array is deep-copied since both engines grow it independently from here
// on.
func (e *Engine) Fork(vs *vstore.Store, metrics *obs.Metrics) *Engine {
	e.mu.RLock()
	defer e.mu.RUnlock()

	levels := make([]int, len(e.levels))
	copy(levels, e.levels)

	return &Engine{
		cfg:           e.cfg,
		distance:      e.distance,
		rng:           rand.New(rand.NewSource(e.rng.Int63())),
		edges:         e.edges.Fork(),
		vector:        vs,
		levels:        levels,
		entrypoint:    e.entrypoint,
		hasEntrypoint: e.hasEntrypoint,
		maxLevel:      e.maxLevel,
		metrics:       metrics,
	}
}

// AppendLevel records a level assigned to an internal ID loaded from
// storage (e.g. a commit restore), rather than sampled by Insert.
func (e *Engine) AppendLevel(level int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.levels = append(e.levels, level)
}
