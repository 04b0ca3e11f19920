package commit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/xDarkicex/proximum/internal/ces"
	"github.com/xDarkicex/proximum/internal/deltalog"
	"github.com/xDarkicex/proximum/internal/hnsw"
	"github.com/xDarkicex/proximum/internal/perrors"
	"github.com/xDarkicex/proximum/internal/pss"
	"github.com/xDarkicex/proximum/internal/util"
	"github.com/xDarkicex/proximum/internal/vstore"
)

// internalIDKey is the metadata-tree and external-id-tree value encoding
// for an internal ID: a fixed 4-byte big-endian key, so both trees order
// and compare the same way pss.AddrMap's position keys do.
func internalIDKey(id uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], id)
	return buf[:]
}

func decodeInternalIDKey(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

// InternalIDKey exports internalIDKey for callers outside this package
// (the top-level Index) that read or write the metadata/external-id trees
// directly using the same convention.
func InternalIDKey(id uint32) []byte { return internalIDKey(id) }

// DecodeInternalIDKey exports decodeInternalIDKey for the same reason.
func DecodeInternalIDKey(b []byte) uint32 { return decodeInternalIDKey(b) }

// CompactionResult is the outcome of an offline or online compaction: a
// fresh, unsynced Manager with dense internal IDs, plus the old->new ID
// remapping so a caller holding onto old internal IDs can translate them.
type CompactionResult struct {
	Manager *Manager
	IDMap   map[uint32]uint32
}

// OfflineCompact rebuilds this branch's graph from scratch, dropping
// tombstoned nodes and re-assigning dense internal IDs starting at 0
// (§4.D.5 "new dense-ID index, re-insert live IDs with {old_id}
// metadata"). The receiver is left untouched; the caller decides whether
// and when to adopt the result (typically by Sync-ing it onto the same
// branch name).
func (m *Manager) OfflineCompact(ctx context.Context) (*CompactionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.compactLocked(ctx, m.branch)
}

func (m *Manager) compactLocked(ctx context.Context, targetBranch string) (*CompactionResult, error) {
	cfg := m.engine.RawConfig()
	distFn, err := util.GetDistanceFunc(cfg.Metric)
	if err != nil {
		return nil, perrors.Wrap(perrors.ConfigInvalid, "compact", "resolve distance metric", err)
	}

	newVS, err := vstore.Open(vstore.Options{
		MmapDir:    m.mmapDir,
		Branch:     targetBranch,
		Dim:        cfg.Dim,
		CryptoMode: m.crypto,
		Backing:    m.store,
		Distance:   distFn,
	})
	if err != nil {
		return nil, perrors.Wrap(perrors.IOFailure, "compact", "open compaction mmap", err)
	}
	newEdges := ces.New(ces.Config{M: cfg.M, M0: 2 * cfg.M, Metrics: m.metrics})
	newEngine, err := hnsw.New(cfg, newEdges, newVS, m.metrics)
	if err != nil {
		return nil, perrors.Wrap(perrors.IOFailure, "compact", "build compacted engine", err)
	}

	newManager := &Manager{
		store:     m.store,
		crypto:    m.crypto,
		branch:    targetBranch,
		mmapDir:   m.mmapDir,
		cacheSize: m.cacheSize,
		metrics:   m.metrics,
		engine:    newEngine,

		metadataStorage:   m.metadataStorage,
		externalIDStorage: m.externalIDStorage,
		vectorsAddrStor:   m.vectorsAddrStor,
		edgesAddrStor:     m.edgesAddrStor,

		edgeChunkHashes: make(map[edgeChunkKey][]byte),
	}
	newManager.metadataTree, err = pss.New(m.metadataStorage, m.cacheSize, pss.WithMetrics(m.metrics))
	if err != nil {
		return nil, err
	}
	newManager.externalIDTree, err = pss.New(m.externalIDStorage, m.cacheSize,
		pss.WithLess(pss.ExternalIDLess), pss.WithMetrics(m.metrics))
	if err != nil {
		return nil, err
	}
	newManager.vectorsAddrMap, err = pss.NewAddrMap(m.vectorsAddrStor, m.cacheSize)
	if err != nil {
		return nil, err
	}
	newManager.edgesAddrMap, err = pss.NewAddrMap(m.edgesAddrStor, m.cacheSize)
	if err != nil {
		return nil, err
	}

	idMap, err := copyLiveNodes(ctx, m, newManager)
	if err != nil {
		return nil, err
	}
	return &CompactionResult{Manager: newManager, IDMap: idMap}, nil
}

// copyLiveNodes walks src's external-id tree, skips tombstoned nodes, and
// re-inserts every live vector into dst, carrying metadata forward and
// stamping the original internal ID under "old_id".
func copyLiveNodes(ctx context.Context, src, dst *Manager) (map[uint32]uint32, error) {
	pairs, err := src.externalIDTree.Seq()
	if err != nil {
		return nil, perrors.Wrap(perrors.IOFailure, "compact", "enumerate external IDs", err)
	}

	idMap := make(map[uint32]uint32, len(pairs))
	for _, kv := range pairs {
		extKey, oldIDBytes := kv[0], kv[1]
		oldID := decodeInternalIDKey(oldIDBytes)
		if src.engine.Edges().IsDeleted(oldID) {
			continue
		}

		vector := src.engine.Vectors().Get(int(oldID))
		newID, err := dst.engine.Insert(ctx, vector)
		if err != nil {
			return nil, fmt.Errorf("commit: compact: re-insert node %d: %w", oldID, err)
		}
		idMap[oldID] = newID

		meta := map[string]any{"old_id": oldID}
		if raw, ok, err := src.metadataTree.Lookup(internalIDKey(oldID)); err != nil {
			return nil, perrors.Wrap(perrors.IOFailure, "compact", "read source metadata", err)
		} else if ok {
			var existing map[string]any
			if err := json.Unmarshal(raw, &existing); err == nil {
				for k, v := range existing {
					meta[k] = v
				}
			}
		}
		metaBytes, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("commit: compact: marshal metadata: %w", err)
		}
		dst.metadataTree, err = dst.metadataTree.Insert(internalIDKey(newID), metaBytes)
		if err != nil {
			return nil, perrors.Wrap(perrors.IOFailure, "compact", "write compacted metadata", err)
		}
		dst.externalIDTree, err = dst.externalIDTree.Insert(extKey, internalIDKey(newID))
		if err != nil {
			return nil, perrors.Wrap(perrors.IOFailure, "compact", "write compacted external id", err)
		}
	}
	return idMap, nil
}

// OnlineCompaction tracks a background copy in progress: reads keep
// serving the source Manager while writes are mirrored into a delta log,
// replayed once the copy finishes (§4.D.5 "zero-downtime" compaction).
type OnlineCompaction struct {
	source *Manager
	delta  *deltalog.Log
	copied chan *CompactionResult
	errc   chan error
}

// BeginOnlineCompaction starts the background copy of the branch's
// current (deleted-snapshot-at-start-time) state into a fresh index and
// returns a handle a caller uses to mirror concurrent writes and later
// finish the compaction.
func (m *Manager) BeginOnlineCompaction(maxDeltaSize int) *OnlineCompaction {
	oc := &OnlineCompaction{
		source: m,
		delta:  deltalog.New(maxDeltaSize),
		copied: make(chan *CompactionResult, 1),
		errc:   make(chan error, 1),
	}
	go func() {
		result, err := m.compactLocked(context.Background(), m.branch+".compact")
		if err != nil {
			oc.errc <- err
			return
		}
		oc.copied <- result
	}()
	return oc
}

// MirrorInsert records a concurrent insert for later replay.
func (oc *OnlineCompaction) MirrorInsert(externalID []byte, vector []float32, metadata map[string]any) error {
	return oc.delta.Append(deltalog.OpInsert, externalID, vector, metadata)
}

// MirrorDelete records a concurrent delete for later replay.
func (oc *OnlineCompaction) MirrorDelete(externalID []byte) error {
	return oc.delta.Append(deltalog.OpDelete, externalID, nil, nil)
}

// MirrorSetMetadata records a concurrent metadata update for later replay.
func (oc *OnlineCompaction) MirrorSetMetadata(externalID []byte, metadata map[string]any) error {
	return oc.delta.Append(deltalog.OpSetMetadata, externalID, nil, metadata)
}

// Finish waits for the background copy, replays the mirrored delta log in
// order (against both the source-id map built during copy and any new
// IDs minted during replay itself, per §9 Open Question (ii)), and
// returns the resulting compacted Manager.
func (oc *OnlineCompaction) Finish(ctx context.Context) (*Manager, error) {
	var result *CompactionResult
	select {
	case result = <-oc.copied:
	case err := <-oc.errc:
		return nil, fmt.Errorf("commit: online compaction background copy failed: %w", err)
	}

	replayIDs := make(map[string]uint32) // external-id key (as string) -> internal id minted during replay
	dst := result.Manager

	for _, entry := range oc.delta.Drain() {
		extKey := string(entry.ExternalID)
		switch entry.Operation {
		case deltalog.OpInsert:
			newID, err := dst.engine.Insert(ctx, entry.Vector)
			if err != nil {
				return nil, fmt.Errorf("commit: online compaction replay insert: %w", err)
			}
			replayIDs[extKey] = newID
			meta := entry.Metadata
			if meta == nil {
				meta = map[string]any{}
			}
			metaBytes, err := json.Marshal(meta)
			if err != nil {
				return nil, err
			}
			dst.metadataTree, err = dst.metadataTree.Insert(internalIDKey(newID), metaBytes)
			if err != nil {
				return nil, err
			}
			dst.externalIDTree, err = dst.externalIDTree.Insert(entry.ExternalID, internalIDKey(newID))
			if err != nil {
				return nil, err
			}

		case deltalog.OpDelete:
			id, ok := resolveReplayID(dst, replayIDs, extKey, entry.ExternalID)
			if !ok {
				continue // deleted an ID the copy never saw and replay never inserted: nothing to do
			}
			if err := dst.engine.Delete(id); err != nil {
				return nil, err
			}

		case deltalog.OpSetMetadata:
			id, ok := resolveReplayID(dst, replayIDs, extKey, entry.ExternalID)
			if !ok {
				continue
			}
			metaBytes, err := json.Marshal(entry.Metadata)
			if err != nil {
				return nil, err
			}
			var err2 error
			dst.metadataTree, err2 = dst.metadataTree.Insert(internalIDKey(id), metaBytes)
			if err2 != nil {
				return nil, err2
			}
		}
	}

	return dst, nil
}

func resolveReplayID(dst *Manager, replayIDs map[string]uint32, extKey string, extBytes []byte) (uint32, bool) {
	if id, ok := replayIDs[extKey]; ok {
		return id, true
	}
	raw, ok, err := dst.externalIDTree.Lookup(extBytes)
	if err != nil || !ok {
		return 0, false
	}
	return decodeInternalIDKey(raw), true
}
