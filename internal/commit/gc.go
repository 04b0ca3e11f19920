package commit

import (
	"context"
	"fmt"
	"strings"

	"github.com/xDarkicex/proximum/internal/kv"
	"github.com/xDarkicex/proximum/internal/perrors"
	"github.com/xDarkicex/proximum/internal/pss"
)

// GCResult reports what a gc() pass removed.
type GCResult struct {
	CommitsDeleted int
	ChunksDeleted  int
	NodesDeleted   int
}

// GC walks the branch set, collects every commit reachable from any
// branch head, and deletes (a) commit snapshots that are unreachable and
// older than beforeUnixNano (0 means "any age"), and (b) vector chunks,
// edge chunks, and PSS nodes unreferenced by any reachable snapshot's
// address maps (§4.D.6). In crypto mode a chunk or node address can be
// shared by multiple commits via content-addressing; the reachable set
// is built across every surviving commit before anything is deleted, so
// such sharing never causes a live address to be swept.
func (m *Manager) GC(ctx context.Context, beforeUnixNano int64) (*GCResult, error) {
	raw, ok, err := m.store.Get(ctx, kv.KeyBranches)
	if err != nil {
		return nil, perrors.Wrap(perrors.IOFailure, "gc", "read branch set", err)
	}
	if !ok {
		return &GCResult{}, nil
	}
	branches, err := deserializeBranchSet(raw)
	if err != nil {
		return nil, err
	}

	reachable := make(map[string]*Snapshot)
	for _, head := range branches {
		if head == "" {
			continue
		}
		if err := m.collectReachable(ctx, head, reachable); err != nil {
			return nil, err
		}
	}

	keepChunks := make(map[string]bool)
	keepNodes := make(map[string]bool)
	for _, snap := range reachable {
		if err := m.collectKeepSets(snap, keepChunks, keepNodes); err != nil {
			return nil, err
		}
	}

	result := &GCResult{}

	commitKeys, err := m.store.Keys(ctx, "commit/")
	if err != nil {
		return nil, perrors.Wrap(perrors.IOFailure, "gc", "list commit keys", err)
	}
	for _, key := range commitKeys {
		commitID := strings.TrimPrefix(key, "commit/")
		if _, ok := reachable[commitID]; ok {
			continue
		}
		data, ok, err := m.store.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		snap, err := deserializeSnapshot(data)
		if err != nil {
			continue
		}
		if beforeUnixNano != 0 && snap.Timestamp >= beforeUnixNano {
			continue
		}
		if err := m.store.Delete(ctx, key); err != nil {
			return nil, perrors.Wrap(perrors.IOFailure, "gc", "delete unreachable commit", err)
		}
		result.CommitsDeleted++
	}

	for _, prefix := range []string{"vchunk/", "echunk/"} {
		keys, err := m.store.Keys(ctx, prefix)
		if err != nil {
			return nil, perrors.Wrap(perrors.IOFailure, "gc", fmt.Sprintf("list %s keys", prefix), err)
		}
		for _, key := range keys {
			if keepChunks[key] {
				continue
			}
			if err := m.store.Delete(ctx, key); err != nil {
				return nil, perrors.Wrap(perrors.IOFailure, "gc", "delete unreferenced chunk", err)
			}
			result.ChunksDeleted++
		}
	}

	nodeKeys, err := m.store.Keys(ctx, "pss/")
	if err != nil {
		return nil, perrors.Wrap(perrors.IOFailure, "gc", "list pss node keys", err)
	}
	for _, key := range nodeKeys {
		if keepNodes[key] {
			continue
		}
		if err := m.store.Delete(ctx, key); err != nil {
			return nil, perrors.Wrap(perrors.IOFailure, "gc", "delete unreferenced pss node", err)
		}
		result.NodesDeleted++
	}

	if m.metrics != nil {
		m.metrics.GCReclaimedTotal.Add(float64(result.CommitsDeleted + result.ChunksDeleted + result.NodesDeleted))
	}
	return result, nil
}

func (m *Manager) collectReachable(ctx context.Context, commitID string, out map[string]*Snapshot) error {
	if _, ok := out[commitID]; ok {
		return nil
	}
	data, ok, err := m.store.Get(ctx, kv.CommitKey(commitID))
	if err != nil {
		return perrors.Wrap(perrors.IOFailure, "gc", "read reachable commit", err)
	}
	if !ok {
		return nil // a branch head pointing at a missing commit is a corrupt store, not gc's problem
	}
	snap, err := deserializeSnapshot(data)
	if err != nil {
		return err
	}
	out[commitID] = snap
	for _, parent := range snap.Parents {
		if err := m.collectReachable(ctx, parent, out); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) collectKeepSets(snap *Snapshot, keepChunks, keepNodes map[string]bool) error {
	vam, err := pss.RestoreAddrMap(snap.VectorsAddrPSSRoot, m.vectorsAddrStor, m.cacheSize)
	if err != nil {
		return perrors.Wrap(perrors.IOFailure, "gc", "restore vectors address map", err)
	}
	vecPositions, err := vam.All()
	if err != nil {
		return err
	}
	for idx := range vecPositions {
		keepChunks[fmt.Sprintf("vchunk/%s/%d", snap.Branch, idx)] = true
	}
	vamAddrs, err := vam.NodeAddresses()
	if err != nil {
		return err
	}
	for _, addr := range vamAddrs {
		keepNodes[fmt.Sprintf("pss/vaddr/%s/%s", snap.Branch, addr)] = true
	}

	eam, err := pss.RestoreAddrMap(snap.EdgesAddrPSSRoot, m.edgesAddrStor, m.cacheSize)
	if err != nil {
		return perrors.Wrap(perrors.IOFailure, "gc", "restore edges address map", err)
	}
	edgePositions, err := eam.All()
	if err != nil {
		return err
	}
	for pos := range edgePositions {
		layer := pos >> 40
		idx := pos & ((1 << 40) - 1)
		keepChunks[fmt.Sprintf("echunk/%s/%d/%d", snap.Branch, layer, idx)] = true
	}
	eamAddrs, err := eam.NodeAddresses()
	if err != nil {
		return err
	}
	for _, addr := range eamAddrs {
		keepNodes[fmt.Sprintf("pss/eaddr/%s/%s", snap.Branch, addr)] = true
	}

	metaTree, err := pss.Restore(snap.MetadataPSSRoot, m.metadataStorage, m.cacheSize)
	if err != nil {
		return perrors.Wrap(perrors.IOFailure, "gc", "restore metadata PSS", err)
	}
	metaAddrs, err := metaTree.NodeAddresses()
	if err != nil {
		return err
	}
	for _, addr := range metaAddrs {
		keepNodes[fmt.Sprintf("pss/meta/%s/%s", snap.Branch, addr)] = true
	}

	extTree, err := pss.Restore(snap.ExternalIDPSSRoot, m.externalIDStorage, m.cacheSize, pss.WithLess(pss.ExternalIDLess))
	if err != nil {
		return perrors.Wrap(perrors.IOFailure, "gc", "restore external-id PSS", err)
	}
	extAddrs, err := extTree.NodeAddresses()
	if err != nil {
		return err
	}
	for _, addr := range extAddrs {
		keepNodes[fmt.Sprintf("pss/extid/%s/%s", snap.Branch, addr)] = true
	}

	return nil
}
