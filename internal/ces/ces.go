// Package ces implements the Chunked Edge Store: the HNSW graph's neighbor
// lists, held as fixed-size copy-on-write chunks so that forking a graph is
// O(chunks) instead of O(nodes).
package ces

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/xDarkicex/proximum/internal/obs"
)

const numStripes = 256

var (
	// ErrCapacityExceeded is returned by SetNeighbors when ids exceeds the
	// layer's cap.
	ErrCapacityExceeded = errors.New("ces: neighbor list exceeds layer capacity")
	// ErrChunkUnavailable is returned when a softened chunk's reload
	// callback fails.
	ErrChunkUnavailable = errors.New("ces: chunk could not be reloaded")
)

// ChunkLoader reloads a softened chunk's bytes by its last known address.
type ChunkLoader func(layer, idx int, addr string) ([]byte, error)

type chunkSlot struct {
	ptr       atomic.Pointer[chunk]
	addr      atomic.Pointer[string]
	inherited atomic.Bool
}

func (s *chunkSlot) address() string {
	if p := s.addr.Load(); p != nil {
		return *p
	}
	return ""
}

func (s *chunkSlot) setAddress(addr string) {
	s.addr.Store(&addr)
}

// CES is one logical graph's chunked edge store.
type CES struct {
	chunkSize int
	m, m0     int

	layer0Mu sync.RWMutex
	layer0   []*chunkSlot

	upperMu sync.RWMutex
	upper   map[int][]*chunkSlot // level (>=1) -> slots by chunk idx

	del atomic.Pointer[bitSet]

	stripes [numStripes]sync.Mutex

	transient atomic.Bool

	dirtyMu sync.Mutex
	dirty   map[chunkKey]struct{}

	loader  ChunkLoader
	metrics *obs.Metrics
}

type chunkKey struct {
	layer, idx int
}

// Config carries the layer caps and chunk granularity a CES is built with.
type Config struct {
	ChunkSize int // nodes per chunk, spec default 1024
	M         int // upper-layer neighbor cap
	M0        int // layer-0 neighbor cap, spec default 2*M
	Loader    ChunkLoader
	Metrics   *obs.Metrics
}

// New creates an empty CES.
func New(cfg Config) *CES {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1024
	}
	c := &CES{
		chunkSize: cfg.ChunkSize,
		m:         cfg.M,
		m0:        cfg.M0,
		upper:     make(map[int][]*chunkSlot),
		dirty:     make(map[chunkKey]struct{}),
		loader:    cfg.Loader,
		metrics:   cfg.Metrics,
	}
	c.del.Store(newBitSet(0))
	c.transient.Store(true)
	return c
}

func (ces *CES) slotsPerNode(layer int) int {
	if layer == 0 {
		return ces.m0 + 1
	}
	return ces.m + 1
}

func (ces *CES) layerCap(layer int) int {
	if layer == 0 {
		return ces.m0
	}
	return ces.m
}

// slot returns the slot for (layer, idx), lazily growing the backing array
// (layer 0 is dense, upper layers are sparse per-level slices) when create
// is true. Returns nil when create is false and the slot has never been
// allocated.
func (ces *CES) slot(layer, idx int, create bool) *chunkSlot {
	if layer == 0 {
		ces.layer0Mu.RLock()
		if idx < len(ces.layer0) {
			s := ces.layer0[idx]
			ces.layer0Mu.RUnlock()
			if s != nil || !create {
				return s
			}
		} else {
			ces.layer0Mu.RUnlock()
			if !create {
				return nil
			}
		}
		ces.layer0Mu.Lock()
		defer ces.layer0Mu.Unlock()
		if idx >= len(ces.layer0) {
			grown := make([]*chunkSlot, idx+1)
			copy(grown, ces.layer0)
			ces.layer0 = grown
		}
		if ces.layer0[idx] == nil {
			ces.layer0[idx] = &chunkSlot{}
		}
		return ces.layer0[idx]
	}

	ces.upperMu.RLock()
	slots := ces.upper[layer]
	ces.upperMu.RUnlock()
	if idx < len(slots) && slots[idx] != nil {
		return slots[idx]
	}
	if !create {
		return nil
	}

	ces.upperMu.Lock()
	defer ces.upperMu.Unlock()
	slots = ces.upper[layer]
	if idx >= len(slots) {
		grown := make([]*chunkSlot, idx+1)
		copy(grown, slots)
		slots = grown
		ces.upper[layer] = slots
	}
	if slots[idx] == nil {
		slots[idx] = &chunkSlot{}
	}
	return slots[idx]
}

func (ces *CES) reload(slot *chunkSlot, layer, idx int) (*chunk, error) {
	addr := slot.address()
	if addr == "" {
		// Never flushed: this is a brand new, empty chunk.
		ch := newChunk(layer, idx, ces.chunkSize, ces.slotsPerNode(layer))
		slot.ptr.Store(ch)
		return ch, nil
	}
	if ces.loader == nil {
		return nil, fmt.Errorf("%w: no chunk loader configured", ErrChunkUnavailable)
	}
	raw, err := ces.loader(layer, idx, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChunkUnavailable, err)
	}
	ch := chunkFromBytes(layer, idx, ces.slotsPerNode(layer), raw)
	slot.ptr.Store(ch)
	return ch, nil
}

func (ces *CES) chunkCoords(node uint32) int {
	return int(node) / ces.chunkSize
}

func (ces *CES) localIndex(node uint32) int {
	return int(node) % ces.chunkSize
}

// GetNeighbors returns a snapshot of node's neighbor list at layer. A chunk
// that was softened is transparently reloaded.
func (ces *CES) GetNeighbors(layer int, node uint32) ([]uint32, error) {
	slot := ces.slot(layer, ces.chunkCoords(node), false)
	if slot == nil {
		return nil, nil
	}
	ch := slot.ptr.Load()
	if ch == nil {
		var err error
		ch, err = ces.reload(slot, layer, ces.chunkCoords(node))
		if err != nil {
			return nil, err
		}
	}
	return ch.neighbors(ces.localIndex(node)), nil
}

// SetNeighbors replaces node's neighbor list at layer, resolving CoW first
// when the target chunk is inherited, already flushed, or the CES is
// sealed (persistent mode).
func (ces *CES) SetNeighbors(layer int, node uint32, ids []uint32) error {
	if len(ids) > ces.layerCap(layer) {
		return fmt.Errorf("%w: %d ids, cap %d", ErrCapacityExceeded, len(ids), ces.layerCap(layer))
	}

	stripe := &ces.stripes[node&(numStripes-1)]
	stripe.Lock()
	defer stripe.Unlock()

	idx := ces.chunkCoords(node)
	local := ces.localIndex(node)
	slot := ces.slot(layer, idx, true)

	ch := slot.ptr.Load()
	if ch == nil {
		var err error
		ch, err = ces.reload(slot, layer, idx)
		if err != nil {
			return err
		}
	}

	needsClone := slot.inherited.Load() || ch.everFlushed || !ces.transient.Load()
	if needsClone {
		nc := ch.clone()
		nc.setNeighbors(local, ids)
		slot.ptr.Store(nc)
		slot.inherited.Store(false)
		if ces.metrics != nil {
			ces.metrics.CESChunkCoW.Inc()
		}
	} else {
		ch.setNeighbors(local, ids)
	}
	ces.markDirty(layer, idx)
	return nil
}

func (ces *CES) markDirty(layer, idx int) {
	ces.dirtyMu.Lock()
	ces.dirty[chunkKey{layer, idx}] = struct{}{}
	ces.dirtyMu.Unlock()
}

// IsDeleted reports whether node is tombstoned.
func (ces *CES) IsDeleted(node uint32) bool {
	return ces.del.Load().isSet(node)
}

// MarkDeleted tombstones node via CoW on the bitset's word array.
func (ces *CES) MarkDeleted(node uint32) {
	for {
		cur := ces.del.Load()
		next := cur.withSet(node)
		if ces.del.CompareAndSwap(cur, next) {
			return
		}
	}
}

// DeletionBitsetBytes returns a snapshot of the deletion bitset's raw word
// array, for embedding in a commit snapshot.
func (ces *CES) DeletionBitsetBytes() []byte {
	return ces.del.Load().bytes()
}

// RestoreDeletionBitset replaces the deletion bitset wholesale, used by
// load_commit to make the snapshot's copy authoritative again.
func (ces *CES) RestoreDeletionBitset(raw []byte) {
	ces.del.Store(bitSetFromBytes(raw))
}

// RestoreChunkAddr registers a chunk's durable address without loading its
// bytes, used when rebuilding a CES from a commit snapshot's edges address
// map; the chunk is lazily reloaded through Loader on first access.
func (ces *CES) RestoreChunkAddr(layer, idx int, addr string) {
	slot := ces.slot(layer, idx, true)
	slot.setAddress(addr)
}

// GrowDeletionBitset ensures the bitset covers at least n nodes, called
// after VS appends grow the vector count.
func (ces *CES) GrowDeletionBitset(n int) {
	for {
		cur := ces.del.Load()
		if cur.len() >= n {
			return
		}
		next := cur.clone()
		words := make([]uint64, wordsFor(n))
		copy(words, next.words)
		next.words = words
		if ces.del.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Fork shallow-clones the chunk-slot arrays and the deletion bitset in
// O(chunks); every inherited slot must be copy-on-written before its first
// mutation in the returned CES.
func (ces *CES) Fork() *CES {
	nf := &CES{
		chunkSize: ces.chunkSize,
		m:         ces.m,
		m0:        ces.m0,
		upper:     make(map[int][]*chunkSlot),
		dirty:     make(map[chunkKey]struct{}),
		loader:    ces.loader,
		metrics:   ces.metrics,
	}
	nf.transient.Store(true)
	nf.del.Store(ces.del.Load())

	ces.layer0Mu.RLock()
	nf.layer0 = make([]*chunkSlot, len(ces.layer0))
	for i, s := range ces.layer0 {
		if s == nil {
			continue
		}
		ns := &chunkSlot{}
		ns.ptr.Store(s.ptr.Load())
		if addr := s.address(); addr != "" {
			ns.setAddress(addr)
		}
		ns.inherited.Store(true)
		nf.layer0[i] = ns
	}
	ces.layer0Mu.RUnlock()

	ces.upperMu.RLock()
	for layer, slots := range ces.upper {
		cloned := make([]*chunkSlot, len(slots))
		for i, s := range slots {
			if s == nil {
				continue
			}
			ns := &chunkSlot{}
			ns.ptr.Store(s.ptr.Load())
			if addr := s.address(); addr != "" {
				ns.setAddress(addr)
			}
			ns.inherited.Store(true)
			cloned[i] = ns
		}
		nf.upper[layer] = cloned
	}
	ces.upperMu.RUnlock()

	return nf
}

// AsTransient allows newly allocated, never-flushed chunks to be mutated
// in place on subsequent writes within the same generation.
func (ces *CES) AsTransient() { ces.transient.Store(true) }

// AsPersistent seals the CES: every write clones its target chunk,
// regardless of flush/inherit history, so existing readers of this
// generation's chunks are never disturbed.
func (ces *CES) AsPersistent() { ces.transient.Store(false) }

// Softify converts a clean, already-flushed chunk to a soft reference,
// reclaiming its memory; the next read reloads it via the configured
// loader. A dirty or never-flushed chunk cannot be softened.
func (ces *CES) Softify(layer, idx int) error {
	slot := ces.slot(layer, idx, false)
	if slot == nil {
		return nil
	}
	ch := slot.ptr.Load()
	if ch == nil {
		return nil
	}
	if !ch.everFlushed {
		return fmt.Errorf("ces: cannot softify an unflushed chunk (layer=%d idx=%d)", layer, idx)
	}
	ces.dirtyMu.Lock()
	_, isDirty := ces.dirty[chunkKey{layer, idx}]
	ces.dirtyMu.Unlock()
	if isDirty {
		return fmt.Errorf("ces: cannot softify a dirty chunk (layer=%d idx=%d)", layer, idx)
	}
	slot.ptr.Store(nil)
	if ces.metrics != nil {
		ces.metrics.CESChunkSoftified.Inc()
	}
	return nil
}

// DirtyChunk is one pending write produced by DrainDirty.
type DirtyChunk struct {
	Layer int
	Idx   int
	Bytes []byte
}

// DrainDirty snapshots every currently-dirty chunk's bytes without
// clearing the dirty set; callers must call MarkClean for each chunk once
// its bytes are durably written.
func (ces *CES) DrainDirty() []DirtyChunk {
	ces.dirtyMu.Lock()
	keys := make([]chunkKey, 0, len(ces.dirty))
	for k := range ces.dirty {
		keys = append(keys, k)
	}
	ces.dirtyMu.Unlock()

	out := make([]DirtyChunk, 0, len(keys))
	for _, k := range keys {
		slot := ces.slot(k.layer, k.idx, false)
		if slot == nil {
			continue
		}
		ch := slot.ptr.Load()
		if ch == nil {
			continue
		}
		out = append(out, DirtyChunk{Layer: k.layer, Idx: k.idx, Bytes: ch.bytes()})
	}
	return out
}

// MarkClean records that (layer, idx) was durably written under addr and
// clears its dirty flag.
func (ces *CES) MarkClean(layer, idx int, addr string) {
	slot := ces.slot(layer, idx, false)
	if slot == nil {
		return
	}
	slot.setAddress(addr)
	if ch := slot.ptr.Load(); ch != nil {
		ch.everFlushed = true
	}
	ces.dirtyMu.Lock()
	delete(ces.dirty, chunkKey{layer, idx})
	ces.dirtyMu.Unlock()
}
