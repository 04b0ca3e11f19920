package commit

import (
	"context"
	"fmt"

	"github.com/xDarkicex/proximum/internal/ces"
	"github.com/xDarkicex/proximum/internal/hnsw"
	"github.com/xDarkicex/proximum/internal/kv"
	"github.com/xDarkicex/proximum/internal/perrors"
	"github.com/xDarkicex/proximum/internal/pss"
	"github.com/xDarkicex/proximum/internal/util"
	"github.com/xDarkicex/proximum/internal/vstore"
)

// edgeKVLoader adapts this Manager's backing store into a ces.ChunkLoader,
// keyed the same way Sync writes dirty chunks.
func (m *Manager) edgeKVLoader(ctx context.Context, branch string) ces.ChunkLoader {
	return func(layer, idx int, addr string) ([]byte, error) {
		data, ok, err := m.store.Get(ctx, edgeChunkStoreKey(branch, layer, idx))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("commit: edge chunk layer %d idx %d (addr %s) not found", layer, idx, addr)
		}
		return data, nil
	}
}

// LoadCommit reads a commit snapshot, restores its PSS trees and address
// maps, opens the snapshot's branch mmap file (read-write, not read-only:
// its header count is set to the snapshot's vector count), and rebuilds the
// HNSW engine and edge store over it (§4.D.4 load_commit()). The returned
// Manager's engine can Search but a write must first Fork or Branch.
func (m *Manager) LoadCommit(ctx context.Context, commitID string) (*Manager, error) {
	snap, err := m.readSnapshot(ctx, commitID)
	if err != nil {
		return nil, err
	}

	metadataTree, err := pss.Restore(snap.MetadataPSSRoot, m.metadataStorage, m.cacheSize)
	if err != nil {
		return nil, perrors.Wrap(perrors.IOFailure, "load_commit", "restore metadata PSS", err)
	}
	externalIDTree, err := pss.Restore(snap.ExternalIDPSSRoot, m.externalIDStorage, m.cacheSize,
		pss.WithLess(pss.ExternalIDLess))
	if err != nil {
		return nil, perrors.Wrap(perrors.IOFailure, "load_commit", "restore external-id PSS", err)
	}
	vectorsAddrMap, err := pss.RestoreAddrMap(snap.VectorsAddrPSSRoot, m.vectorsAddrStor, m.cacheSize)
	if err != nil {
		return nil, perrors.Wrap(perrors.IOFailure, "load_commit", "restore vectors address map", err)
	}
	edgesAddrMap, err := pss.RestoreAddrMap(snap.EdgesAddrPSSRoot, m.edgesAddrStor, m.cacheSize)
	if err != nil {
		return nil, perrors.Wrap(perrors.IOFailure, "load_commit", "restore edges address map", err)
	}

	liveEngine := m.engine
	cfg := liveEngine.RawConfig()

	distFn, err := util.GetDistanceFunc(cfg.Metric)
	if err != nil {
		return nil, perrors.Wrap(perrors.ConfigInvalid, "load_commit", "resolve distance metric", err)
	}

	vs, err := vstore.Open(vstore.Options{
		MmapDir:      m.mmapDir,
		Branch:       snap.Branch,
		Dim:          cfg.Dim,
		CryptoMode:   m.crypto,
		Backing:      m.store,
		Distance:     distFn,
		InitialCount: snap.BranchVectorCount,
	})
	if err != nil {
		return nil, perrors.Wrap(perrors.IOFailure, "load_commit", "open branch mmap", err)
	}

	vecAddrs, err := vectorsAddrMap.All()
	if err != nil {
		return nil, perrors.Wrap(perrors.IOFailure, "load_commit", "enumerate vector chunk addresses", err)
	}
	_ = vecAddrs // vector chunks are served from the mmap region directly; the address map only matters for gc/compaction reachability

	edges := ces.New(ces.Config{
		M:       cfg.M,
		M0:      2 * cfg.M,
		Loader:  m.edgeKVLoader(ctx, snap.Branch),
		Metrics: m.metrics,
	})
	edgeAddrs, err := edgesAddrMap.All()
	if err != nil {
		return nil, perrors.Wrap(perrors.IOFailure, "load_commit", "enumerate edge chunk addresses", err)
	}
	for pos, addr := range edgeAddrs {
		layer := pos >> 40
		idx := pos & ((1 << 40) - 1)
		edges.RestoreChunkAddr(layer, idx, addr)
	}
	edges.RestoreDeletionBitset(snap.DeletedBitset)
	edges.AsPersistent()

	engine, err := hnsw.New(cfg, edges, vs, m.metrics)
	if err != nil {
		return nil, perrors.Wrap(perrors.IOFailure, "load_commit", "build engine", err)
	}
	engine.RestoreEntrypoint(snap.Entrypoint, snap.HasEntrypoint, snap.MaxLevel)
	for i := 0; i < snap.BranchVectorCount; i++ {
		engine.AppendLevel(0)
	}

	return &Manager{
		store:     m.store,
		crypto:    m.crypto,
		branch:    snap.Branch,
		mmapDir:   m.mmapDir,
		cacheSize: m.cacheSize,
		metrics:   m.metrics,
		engine:    engine,

		metadataStorage:   m.metadataStorage,
		externalIDStorage: m.externalIDStorage,
		vectorsAddrStor:   m.vectorsAddrStor,
		edgesAddrStor:     m.edgesAddrStor,

		metadataTree:   metadataTree,
		externalIDTree: externalIDTree,
		vectorsAddrMap: vectorsAddrMap,
		edgesAddrMap:   edgesAddrMap,

		edgeChunkHashes: make(map[edgeChunkKey][]byte),
		head:            snap.CommitID,
	}, nil
}

func (m *Manager) readSnapshot(ctx context.Context, commitID string) (*Snapshot, error) {
	data, ok, err := m.store.Get(ctx, kv.CommitKey(commitID))
	if err != nil {
		return nil, perrors.Wrap(perrors.IOFailure, "load_commit", "read commit snapshot", err)
	}
	if !ok {
		return nil, perrors.New(perrors.NotFound, "load_commit", "no such commit").WithInput(commitID)
	}
	return deserializeSnapshot(data)
}

// History walks the parent chain from this Manager's current head back to
// a root commit (no parents), per §4.D.4 history().
func (m *Manager) History(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	head := m.head
	m.mu.Unlock()
	if head == "" {
		return nil, nil
	}
	return m.ancestorsOf(ctx, head, true)
}

// Ancestors returns every commit reachable by walking parents from
// commitID, not including commitID itself.
func (m *Manager) Ancestors(ctx context.Context, commitID string) ([]string, error) {
	return m.ancestorsOf(ctx, commitID, false)
}

func (m *Manager) ancestorsOf(ctx context.Context, commitID string, includeSelf bool) ([]string, error) {
	var out []string
	if includeSelf {
		out = append(out, commitID)
	}
	frontier := []string{commitID}
	seen := map[string]bool{commitID: true}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		snap, err := m.readSnapshot(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, p := range snap.Parents {
			if seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
			frontier = append(frontier, p)
		}
	}
	return out, nil
}

// IsAncestor reports whether candidate is an ancestor of (or equal to)
// descendant.
func (m *Manager) IsAncestor(ctx context.Context, candidate, descendant string) (bool, error) {
	if candidate == descendant {
		return true, nil
	}
	ancestors, err := m.Ancestors(ctx, descendant)
	if err != nil {
		return false, err
	}
	for _, a := range ancestors {
		if a == candidate {
			return true, nil
		}
	}
	return false, nil
}

// CommonAncestor finds a nearest common ancestor of a and b by intersecting
// their ancestor sets (including themselves); ties are broken by picking
// the first match found in a's walk order, which is stable but not
// necessarily unique in a DAG with multiple merge bases.
func (m *Manager) CommonAncestor(ctx context.Context, a, b string) (string, bool, error) {
	aChain, err := m.ancestorsOf(ctx, a, true)
	if err != nil {
		return "", false, err
	}
	bChain, err := m.ancestorsOf(ctx, b, true)
	if err != nil {
		return "", false, err
	}
	bSet := make(map[string]bool, len(bChain))
	for _, id := range bChain {
		bSet[id] = true
	}
	for _, id := range aChain {
		if bSet[id] {
			return id, true, nil
		}
	}
	return "", false, nil
}
