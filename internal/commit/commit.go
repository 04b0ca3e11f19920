package commit

import (
	"context"
	"crypto/sha512"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xDarkicex/proximum/internal/hnsw"
	"github.com/xDarkicex/proximum/internal/kv"
	"github.com/xDarkicex/proximum/internal/obs"
	"github.com/xDarkicex/proximum/internal/perrors"
	"github.com/xDarkicex/proximum/internal/pss"
)

func edgePosition(layer, idx int) int { return layer<<40 | idx }

type edgeChunkKey struct{ layer, idx int }

func edgeChunkStoreKey(branch string, layer, idx int) string {
	return fmt.Sprintf("echunk/%s/%d/%d", branch, layer, idx)
}

// Manager owns the PSS trees and address maps for one open branch and
// knows how to fold the branch's current in-memory state into a durable
// commit snapshot, per spec §4.D.2.
type Manager struct {
	mu sync.Mutex

	store      kv.Store
	crypto     bool
	branch     string
	mmapDir    string
	cacheSize  int
	metrics    *obs.Metrics

	engine *hnsw.Engine

	metadataStorage   *pss.KVStorage
	externalIDStorage *pss.KVStorage
	vectorsAddrStor   *pss.KVStorage
	edgesAddrStor     *pss.KVStorage

	metadataTree   *pss.Tree
	externalIDTree *pss.Tree
	vectorsAddrMap *pss.AddrMap
	edgesAddrMap   *pss.AddrMap

	edgeChunkHashes map[edgeChunkKey][]byte

	head string // last synced commit_id for this branch; "" if never synced
}

// Options configures a new Manager.
type Options struct {
	Store       kv.Store
	Branch      string
	MmapDir     string
	CryptoMode  bool
	CacheSize   int
	Metrics     *obs.Metrics
	Engine      *hnsw.Engine
	MetadataLess pss.Less // nil uses plain byte order
}

// New creates a fresh, never-synced Manager for a brand new branch.
func New(opts Options) (*Manager, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 10000
	}
	m := &Manager{
		store:     opts.Store,
		crypto:    opts.CryptoMode,
		branch:    opts.Branch,
		mmapDir:   opts.MmapDir,
		cacheSize: opts.CacheSize,
		metrics:   opts.Metrics,
		engine:    opts.Engine,

		edgeChunkHashes: make(map[edgeChunkKey][]byte),
	}

	var hashFn func([]byte) string
	if opts.CryptoMode {
		hashFn = nodeHashFn
	}

	m.metadataStorage = pss.NewKVStorage(context.Background(), opts.Store, fmt.Sprintf("meta/%s", opts.Branch), hashFn)
	m.externalIDStorage = pss.NewKVStorage(context.Background(), opts.Store, fmt.Sprintf("extid/%s", opts.Branch), hashFn)
	m.vectorsAddrStor = pss.NewKVStorage(context.Background(), opts.Store, fmt.Sprintf("vaddr/%s", opts.Branch), hashFn)
	m.edgesAddrStor = pss.NewKVStorage(context.Background(), opts.Store, fmt.Sprintf("eaddr/%s", opts.Branch), hashFn)

	var err error
	metaOpts := []pss.Option{pss.WithMetrics(opts.Metrics)}
	if opts.MetadataLess != nil {
		metaOpts = append(metaOpts, pss.WithLess(opts.MetadataLess))
	}
	m.metadataTree, err = pss.New(m.metadataStorage, opts.CacheSize, metaOpts...)
	if err != nil {
		return nil, err
	}
	m.externalIDTree, err = pss.New(m.externalIDStorage, opts.CacheSize,
		pss.WithLess(pss.ExternalIDLess), pss.WithMetrics(opts.Metrics))
	if err != nil {
		return nil, err
	}
	m.vectorsAddrMap, err = pss.NewAddrMap(m.vectorsAddrStor, opts.CacheSize)
	if err != nil {
		return nil, err
	}
	m.edgesAddrMap, err = pss.NewAddrMap(m.edgesAddrStor, opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Engine returns the wrapped HNSW engine.
func (m *Manager) Engine() *hnsw.Engine { return m.engine }

// MetadataTree returns the current metadata PSS, for callers wiring
// insert/delete of node_id -> metadata.
func (m *Manager) MetadataTree() *pss.Tree { return m.metadataTree }

// SetMetadataTree installs a new metadata tree root after an insert or
// delete produced one (PSS trees are immutable; callers thread the
// returned tree back in here).
func (m *Manager) SetMetadataTree(t *pss.Tree) { m.metadataTree = t }

// ExternalIDTree returns the current external-id PSS.
func (m *Manager) ExternalIDTree() *pss.Tree { return m.externalIDTree }

func (m *Manager) SetExternalIDTree(t *pss.Tree) { m.externalIDTree = t }

// HeadCommit returns the last synced commit ID, or "" if never synced.
func (m *Manager) HeadCommit() string { return m.head }

func (m *Manager) edgesHash() []byte {
	if !m.crypto {
		return nil
	}
	keys := make([]edgeChunkKey, 0, len(m.edgeChunkHashes))
	for k := range m.edgeChunkHashes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].layer != keys[j].layer {
			return keys[i].layer < keys[j].layer
		}
		return keys[i].idx < keys[j].idx
	})
	h := sha512.New()
	for _, k := range keys {
		h.Write(m.edgeChunkHashes[k])
	}
	return h.Sum(nil)
}

// Sync flushes VS, drains CES, persists both PSS trees and both address
// maps, computes the commit_id, and atomically publishes the new branch
// head -- per spec §4.D.2, steps 1-7.
func (m *Manager) Sync(ctx context.Context, parentOverride []string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	if m.metrics != nil {
		defer func() { m.metrics.SyncLatency.Observe(time.Since(start).Seconds()) }()
		m.metrics.SyncTotal.Inc()
	}

	vs := m.engine.Vectors()
	flushResult, err := vs.Flush(ctx)
	if err != nil {
		return nil, perrors.Wrap(perrors.IOFailure, "sync", "flush vector store", err)
	}
	for idx, addr := range flushResult.ChunkAddrs {
		m.vectorsAddrMap, err = m.vectorsAddrMap.Set(idx, addr)
		if err != nil {
			return nil, perrors.Wrap(perrors.IOFailure, "sync", "update vectors address map", err)
		}
	}

	edges := m.engine.Edges()
	dirty := edges.DrainDirty()
	chunksWritten := len(flushResult.ChunkAddrs)
	for _, d := range dirty {
		var addr string
		if m.crypto {
			addr = chunkHashFn(d.Bytes)
		} else {
			addr = randomAddr()
		}
		key := edgeChunkStoreKey(m.branch, d.Layer, d.Idx)
		if err := m.store.Put(ctx, key, d.Bytes); err != nil {
			return nil, perrors.Wrap(perrors.IOFailure, "sync", "write edge chunk", err)
		}
		edges.MarkClean(d.Layer, d.Idx, addr)
		m.edgesAddrMap, err = m.edgesAddrMap.Set(edgePosition(d.Layer, d.Idx), addr)
		if err != nil {
			return nil, perrors.Wrap(perrors.IOFailure, "sync", "update edges address map", err)
		}
		if m.crypto {
			sum := sha512.Sum512(d.Bytes)
			m.edgeChunkHashes[edgeChunkKey{d.Layer, d.Idx}] = sum[:]
		}
		chunksWritten++
	}
	if m.metrics != nil {
		m.metrics.SyncChunksWritten.Add(float64(chunksWritten))
	}

	metaRoot, err := m.metadataTree.StoreRoot()
	if err != nil {
		return nil, perrors.Wrap(perrors.IOFailure, "sync", "store metadata PSS", err)
	}
	extRoot, err := m.externalIDTree.StoreRoot()
	if err != nil {
		return nil, perrors.Wrap(perrors.IOFailure, "sync", "store external-id PSS", err)
	}
	vaddrRoot, err := m.vectorsAddrMap.StoreRoot()
	if err != nil {
		return nil, perrors.Wrap(perrors.IOFailure, "sync", "store vectors address map", err)
	}
	eaddrRoot, err := m.edgesAddrMap.StoreRoot()
	if err != nil {
		return nil, perrors.Wrap(perrors.IOFailure, "sync", "store edges address map", err)
	}

	parents := parentOverride
	if parents == nil {
		if m.head != "" {
			parents = []string{m.head}
		}
	}

	vectorsHash := flushResult.VectorsHash
	edgesHash := m.edgesHash()
	commitID := newCommitID(m.crypto, parents, vectorsHash, edgesHash)

	entrypoint, hasEntrypoint := m.engine.Entrypoint()
	liveCount := m.engine.LiveCount()
	total := m.engine.Count()

	snap := &Snapshot{
		CommitID:           commitID,
		Parents:            parents,
		Branch:             m.branch,
		Timestamp:          time.Now().UnixNano(),
		Entrypoint:         entrypoint,
		HasEntrypoint:      hasEntrypoint,
		MaxLevel:           m.engine.MaxLevel(),
		BranchVectorCount:  total,
		BranchDeletedCount: total - liveCount,
		MetadataPSSRoot:    metaRoot,
		ExternalIDPSSRoot:  extRoot,
		VectorsAddrPSSRoot: vaddrRoot,
		EdgesAddrPSSRoot:   eaddrRoot,
		DeletedBitset:      edges.DeletionBitsetBytes(),
	}
	if m.crypto {
		snap.VectorsCommitHash = vectorsHash
		snap.EdgesCommitHash = edgesHash
	}

	data, err := serializeSnapshot(snap)
	if err != nil {
		return nil, perrors.Wrap(perrors.IOFailure, "sync", "serialize snapshot", err)
	}
	if err := m.store.Put(ctx, kv.CommitKey(commitID), data); err != nil {
		return nil, perrors.Wrap(perrors.IOFailure, "sync", "write commit snapshot", err)
	}
	if err := m.store.Put(ctx, kv.BranchKey(m.branch), data); err != nil {
		return nil, perrors.Wrap(perrors.IOFailure, "sync", "publish branch head", err)
	}
	if err := m.registerBranch(ctx, m.branch, commitID); err != nil {
		return nil, err
	}

	m.head = commitID
	return snap, nil
}

func (m *Manager) registerBranch(ctx context.Context, branch, commitID string) error {
	raw, ok, err := m.store.Get(ctx, kv.KeyBranches)
	if err != nil {
		return perrors.Wrap(perrors.IOFailure, "sync", "read branch set", err)
	}
	var set branchSet
	if ok {
		set, err = deserializeBranchSet(raw)
		if err != nil {
			return err
		}
	} else {
		set = branchSet{}
	}
	set[branch] = commitID
	data, err := serializeBranchSet(set)
	if err != nil {
		return err
	}
	if err := m.store.Put(ctx, kv.KeyBranches, data); err != nil {
		return perrors.Wrap(perrors.IOFailure, "sync", "write branch set", err)
	}
	return nil
}

func randomAddr() string { return uuid.NewString() }
