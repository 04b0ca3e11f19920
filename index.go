// Package proximum implements a persistent, branchable approximate
// nearest-neighbor vector index: an HNSW graph over copy-on-write chunked
// edge storage and hybrid mmap+KV vector storage, versioned the way a
// content-addressable VCS versions a working tree.
package proximum

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xDarkicex/proximum/internal/ces"
	"github.com/xDarkicex/proximum/internal/commit"
	"github.com/xDarkicex/proximum/internal/hnsw"
	"github.com/xDarkicex/proximum/internal/kv"
	"github.com/xDarkicex/proximum/internal/obs"
	"github.com/xDarkicex/proximum/internal/perrors"
	"github.com/xDarkicex/proximum/internal/pss"
	"github.com/xDarkicex/proximum/internal/util"
	"github.com/xDarkicex/proximum/internal/vstore"
	"go.uber.org/zap"
)

const externalIDMetaKey = "_external_id"

// Index is a single open branch of a proximum vector index: the public
// entry point wiring together the HNSW engine, its edge and vector
// storage, and the commit/branch/versioning layer.
type Index struct {
	mu sync.RWMutex

	cfg      Config
	store    kv.Store
	manager  *commit.Manager
	logger   *zap.SugaredLogger
	metrics  *obs.Metrics
	health   *obs.HealthChecker
	breakers *obs.CircuitBreakerManager

	closed bool
}

// breaker returns this Index's branch-scoped circuit breaker, lazily
// created the first time this branch name is seen. Forks and branches
// spawned off the same root Index (see wrap) share one
// CircuitBreakerManager so that a run of failures against one branch
// does not trip the breaker for sibling branches of the same store.
func (idx *Index) breaker() *obs.CircuitBreaker {
	name := "proximum.store/" + idx.cfg.Store.ID + "/" + idx.cfg.Branch
	return idx.breakers.GetOrCreate(name, obs.DefaultCircuitBreakerConfig(name))
}

// New creates a fresh, never-synced Index on its configured initial
// branch (§6).
func New(opts ...Option) (*Index, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.MaxLevels == 0 {
		cfg.MaxLevels = derivedMaxLevels(cfg.Capacity, cfg.M)
	}
	if cfg.MmapDir == "" {
		dir, err := os.MkdirTemp("", "proximum-"+uuid.NewString())
		if err != nil {
			return nil, perrors.Wrap(perrors.IOFailure, "new", "create ephemeral mmap dir", err)
		}
		cfg.MmapDir = dir
	} else if err := os.MkdirAll(cfg.MmapDir, 0o755); err != nil {
		return nil, perrors.Wrap(perrors.IOFailure, "new", "create mmap dir", err)
	}

	store, err := openBackingStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	metrics := obs.NewMetrics()
	if cfg.Metrics != nil {
		metrics = cfg.Metrics
	}

	distFn, err := util.GetDistanceFunc(cfg.Distance)
	if err != nil {
		return nil, perrors.Wrap(perrors.ConfigInvalid, "new", "resolve distance metric", err)
	}

	vs, err := vstoreOpen(cfg, store, distFn)
	if err != nil {
		return nil, err
	}

	edges := ces.New(ces.Config{
		ChunkSize: cfg.EdgeChunkSize,
		M:         cfg.M,
		M0:        2 * cfg.M,
		Metrics:   metrics,
	})

	engine, err := hnsw.New(hnsw.Config{
		Dim:            cfg.Dim,
		M:              cfg.M,
		EfConstruction: cfg.EfConstruction,
		EfSearch:       cfg.EfSearch,
		MaxLevels:      cfg.MaxLevels,
		Metric:         cfg.Distance,
	}, edges, vs, metrics)
	if err != nil {
		return nil, perrors.Wrap(perrors.IOFailure, "new", "build engine", err)
	}

	manager, err := commit.New(commit.Options{
		Store:      store,
		Branch:     cfg.Branch,
		MmapDir:    cfg.MmapDir,
		CryptoMode: cfg.CryptoHash,
		CacheSize:  cfg.CacheSize,
		Metrics:    metrics,
		Engine:     engine,
	})
	if err != nil {
		return nil, err
	}

	health := obs.NewHealthChecker()
	health.Register("store", store)

	return &Index{
		cfg:      *cfg,
		store:    store,
		manager:  manager,
		logger:   cfg.Logger,
		metrics:  metrics,
		health:   health,
		breakers: obs.NewCircuitBreakerManager(),
	}, nil
}

func vstoreOpen(cfg *Config, store kv.Store, distFn util.DistanceFunc) (*vstore.Store, error) {
	vs, err := vstore.Open(vstore.Options{
		MmapDir:      cfg.MmapDir,
		Branch:       cfg.Branch,
		Dim:          cfg.Dim,
		VecChunkSize: cfg.VecChunkSize,
		CryptoMode:   cfg.CryptoHash,
		Backing:      store,
		Distance:     distFn,
	})
	if err != nil {
		return nil, perrors.Wrap(perrors.IOFailure, "new", "open vector store", err)
	}
	return vs, nil
}

func wrap(idx *Index, existing *commit.Manager, cfg Config, store kv.Store, metrics *obs.Metrics, logger *zap.SugaredLogger) *Index {
	return &Index{
		cfg:      cfg,
		store:    store,
		manager:  existing,
		logger:   logger,
		metrics:  metrics,
		health:   idx.health,
		breakers: idx.breakers,
	}
}

// Insert adds a vector under externalID with optional metadata. Returns
// DuplicateExternalID if externalID is already mapped, DimensionMismatch
// if len(vector) != Dim, and CapacityExceeded past the configured
// capacity.
func (idx *Index) Insert(ctx context.Context, externalID any, vector []float32, metadata map[string]any) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return perrors.New(perrors.IOFailure, "insert", "index is closed")
	}
	if len(vector) != idx.cfg.Dim {
		return perrors.New(perrors.DimensionMismatch, "insert", fmt.Sprintf("want dim %d, got %d", idx.cfg.Dim, len(vector)))
	}

	extKey := pss.EncodeExternalID(externalID)
	if _, exists, err := idx.manager.ExternalIDTree().Lookup(extKey); err != nil {
		return perrors.Wrap(perrors.IOFailure, "insert", "check existing external id", err)
	} else if exists {
		return perrors.New(perrors.DuplicateExternalID, "insert", "external id already mapped").WithInput(fmt.Sprint(externalID))
	}
	if idx.manager.Engine().Count() >= idx.cfg.Capacity {
		return perrors.New(perrors.CapacityExceeded, "insert", "index is at capacity").WithInput(fmt.Sprint(idx.cfg.Capacity))
	}

	internalID, err := idx.manager.Engine().Insert(ctx, vector)
	if err != nil {
		return fmt.Errorf("proximum: insert: %w", err)
	}

	stored := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		stored[k] = v
	}
	stored[externalIDMetaKey] = externalID
	metaBytes, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("proximum: insert: marshal metadata: %w", err)
	}

	newMeta, err := idx.manager.MetadataTree().Insert(commit.InternalIDKey(internalID), metaBytes)
	if err != nil {
		return perrors.Wrap(perrors.IOFailure, "insert", "write metadata", err)
	}
	idx.manager.SetMetadataTree(newMeta)

	newExt, err := idx.manager.ExternalIDTree().Insert(extKey, commit.InternalIDKey(internalID))
	if err != nil {
		return perrors.Wrap(perrors.IOFailure, "insert", "write external id", err)
	}
	idx.manager.SetExternalIDTree(newExt)
	return nil
}

// Delete tombstones the vector mapped to externalID. The external-id entry
// is removed immediately; metadata and graph edges are reclaimed on the
// next compaction.
func (idx *Index) Delete(ctx context.Context, externalID any) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	extKey := pss.EncodeExternalID(externalID)
	raw, ok, err := idx.manager.ExternalIDTree().Lookup(extKey)
	if err != nil {
		return perrors.Wrap(perrors.IOFailure, "delete", "look up external id", err)
	}
	if !ok {
		return perrors.New(perrors.NotFound, "delete", "no such external id").WithInput(fmt.Sprint(externalID))
	}
	internalID := commit.DecodeInternalIDKey(raw)

	if err := idx.manager.Engine().Delete(internalID); err != nil {
		return fmt.Errorf("proximum: delete: %w", err)
	}
	newExt, err := idx.manager.ExternalIDTree().Delete(extKey)
	if err != nil {
		return perrors.Wrap(perrors.IOFailure, "delete", "remove external id", err)
	}
	idx.manager.SetExternalIDTree(newExt)
	return nil
}

// Search returns the k nearest neighbors of query, ascending by distance,
// translated to external IDs.
func (idx *Index) Search(ctx context.Context, query []float32, k int, opts SearchOptions) ([]SearchResult, error) {
	idx.mu.RLock()
	engine := idx.manager.Engine()
	idx.mu.RUnlock()

	if len(query) != idx.cfg.Dim {
		return nil, perrors.New(perrors.DimensionMismatch, "search", fmt.Sprintf("want dim %d, got %d", idx.cfg.Dim, len(query)))
	}

	hits, err := engine.Search(ctx, query, k, opts.toEngine(idx))
	if err != nil {
		return nil, fmt.Errorf("proximum: search: %w", err)
	}

	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		extID, _ := idx.externalIDFor(h.InternalID)
		results = append(results, SearchResult{
			ExternalID: extID,
			Distance:   h.Distance,
			Vector:     engine.Vectors().Get(int(h.InternalID)),
			Metadata:   idx.metadataFor(h.InternalID),
		})
	}
	return results, nil
}

func (idx *Index) externalIDFor(internalID uint32) (any, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	raw, ok, err := idx.manager.MetadataTree().Lookup(commit.InternalIDKey(internalID))
	if err != nil || !ok {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	v, ok := m[externalIDMetaKey]
	return v, ok
}

func (idx *Index) metadataFor(internalID uint32) map[string]any {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	raw, ok, err := idx.manager.MetadataTree().Lookup(commit.InternalIDKey(internalID))
	if err != nil || !ok {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	delete(m, externalIDMetaKey)
	return m
}

// Sync flushes the current branch state to durable storage and publishes a
// new commit on it (§4.D.2).
func (idx *Index) Sync(ctx context.Context) (string, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var snap *commit.Snapshot
	err := idx.breaker().Execute(ctx, func() error {
		var syncErr error
		snap, syncErr = idx.manager.Sync(ctx, nil)
		return syncErr
	})
	if err != nil {
		idx.logger.Errorw("sync failed", "branch", idx.cfg.Branch, "error", err)
		return "", err
	}
	idx.logger.Infow("synced", "branch", idx.cfg.Branch, "commit", snap.CommitID)
	return snap.CommitID, nil
}

// Fork returns a new Index sharing this one's durable state via an
// in-memory copy-on-write engine fork (§4.D.3). The fork keeps this
// Index's branch name, so syncing it publishes onto that same branch.
func (idx *Index) Fork() *Index {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return wrap(idx, idx.manager.Fork(), idx.cfg, idx.store, idx.metrics, idx.logger)
}

// Branch creates and opens a brand new named branch from this Index's
// current synced state.
func (idx *Index) Branch(ctx context.Context, name string) (*Index, error) {
	idx.mu.Lock()
	manager, err := idx.manager.Branch(ctx, name)
	idx.mu.Unlock()
	if err != nil {
		return nil, err
	}
	branchCfg := idx.cfg
	branchCfg.Branch = name
	return wrap(idx, manager, branchCfg, idx.store, idx.metrics, idx.logger), nil
}

// DeleteBranch removes a branch other than the one this Index has open or
// "main".
func (idx *Index) DeleteBranch(ctx context.Context, name string) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.manager.DeleteBranch(ctx, name)
}

// LoadCommit opens a read-mostly Index at a historical commit (§4.D.4).
// Write operations on the result require Fork or Branch first.
func (idx *Index) LoadCommit(ctx context.Context, commitID string) (*Index, error) {
	idx.mu.RLock()
	manager, err := idx.manager.LoadCommit(ctx, commitID)
	idx.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	loadedCfg := idx.cfg
	return wrap(idx, manager, loadedCfg, idx.store, idx.metrics, idx.logger), nil
}

// History returns every commit reachable by walking parents from this
// Index's current head back to a root commit.
func (idx *Index) History(ctx context.Context) ([]string, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.manager.History(ctx)
}

// Ancestors returns every commit reachable by walking parents from
// commitID.
func (idx *Index) Ancestors(ctx context.Context, commitID string) ([]string, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.manager.Ancestors(ctx, commitID)
}

// IsAncestor reports whether candidate is an ancestor of (or equal to)
// descendant.
func (idx *Index) IsAncestor(ctx context.Context, candidate, descendant string) (bool, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.manager.IsAncestor(ctx, candidate, descendant)
}

// CommonAncestor finds a nearest common ancestor of two commits.
func (idx *Index) CommonAncestor(ctx context.Context, a, b string) (string, bool, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.manager.CommonAncestor(ctx, a, b)
}

// CompactionResult is the outcome of OfflineCompact: a fresh, unsynced
// Index with dense internal IDs, plus the old->new ID remapping.
// OnlineCompaction's Finish returns the compacted *Index alone.
type CompactionResult struct {
	Index *Index
	IDMap map[uint32]uint32
}

// OfflineCompact rebuilds this branch from scratch, dropping tombstoned
// nodes (§4.D.5). The receiver is untouched; the caller decides whether
// and when to Sync the result onto the same branch name.
func (idx *Index) OfflineCompact(ctx context.Context) (*CompactionResult, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	result, err := idx.manager.OfflineCompact(ctx)
	if err != nil {
		return nil, err
	}
	return &CompactionResult{Index: wrap(idx, result.Manager, idx.cfg, idx.store, idx.metrics, idx.logger), IDMap: result.IDMap}, nil
}

// OnlineCompaction tracks a zero-downtime compaction in progress.
type OnlineCompaction struct {
	idx *Index
	inner *commit.OnlineCompaction
}

// BeginOnlineCompaction starts a background copy of this branch's current
// state and returns a handle for mirroring concurrent writes.
func (idx *Index) BeginOnlineCompaction(maxDeltaSize int) *OnlineCompaction {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return &OnlineCompaction{idx: idx, inner: idx.manager.BeginOnlineCompaction(maxDeltaSize)}
}

// MirrorInsert records a concurrent insert for later replay.
func (oc *OnlineCompaction) MirrorInsert(externalID any, vector []float32, metadata map[string]any) error {
	stored := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		stored[k] = v
	}
	stored[externalIDMetaKey] = externalID
	return oc.inner.MirrorInsert(pss.EncodeExternalID(externalID), vector, stored)
}

// MirrorDelete records a concurrent delete for later replay.
func (oc *OnlineCompaction) MirrorDelete(externalID any) error {
	return oc.inner.MirrorDelete(pss.EncodeExternalID(externalID))
}

// MirrorSetMetadata records a concurrent metadata update for later replay.
func (oc *OnlineCompaction) MirrorSetMetadata(externalID any, metadata map[string]any) error {
	stored := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		stored[k] = v
	}
	stored[externalIDMetaKey] = externalID
	return oc.inner.MirrorSetMetadata(pss.EncodeExternalID(externalID), stored)
}

// Finish waits for the background copy, replays the mirrored writes, and
// returns the resulting compacted Index.
func (oc *OnlineCompaction) Finish(ctx context.Context) (*Index, error) {
	manager, err := oc.inner.Finish(ctx)
	if err != nil {
		return nil, err
	}
	return wrap(oc.idx, manager, oc.idx.cfg, oc.idx.store, oc.idx.metrics, oc.idx.logger), nil
}

// GCResult reports what a GC pass removed.
type GCResult = commit.GCResult

// GC deletes commits unreachable from any branch head and older than
// before (zero value means "any age"), and the chunks/nodes they alone
// referenced (§4.D.6).
func (idx *Index) GC(ctx context.Context, before time.Time) (*GCResult, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var cutoff int64
	if !before.IsZero() {
		cutoff = before.UnixNano()
	}
	var result *GCResult
	err := idx.breaker().Execute(ctx, func() error {
		var gcErr error
		result, gcErr = idx.manager.GC(ctx, cutoff)
		return gcErr
	})
	if err != nil {
		idx.logger.Errorw("gc failed", "branch", idx.cfg.Branch, "error", err)
		return nil, err
	}
	idx.logger.Infow("gc complete", "branch", idx.cfg.Branch,
		"commits_deleted", result.CommitsDeleted, "chunks_deleted", result.ChunksDeleted, "nodes_deleted", result.NodesDeleted)
	return result, nil
}

// VerifyResult reports the outcome of VerifyFromCold.
type VerifyResult = commit.VerifyResult

// VerifyFromCold re-derives commitID's vector chunks, edge chunks, and
// commit_id chain from nothing but the backing store, without trusting any
// in-memory state (§4.B). Only meaningful when the index was opened with
// WithCryptoHash(true).
func (idx *Index) VerifyFromCold(ctx context.Context, commitID string) (*VerifyResult, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.manager.VerifyFromCold(ctx, commitID)
}

// Stats summarizes the currently open branch.
func (idx *Index) Stats() IndexStats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	engine := idx.manager.Engine()
	return IndexStats{
		VectorCount:  engine.LiveCount(),
		DeletedCount: engine.Count() - engine.LiveCount(),
		MaxLevel:     engine.MaxLevel(),
		HeadCommit:   idx.manager.HeadCommit(),
		Branch:       idx.cfg.Branch,
	}
}

// Ping reports whether the backing store is reachable.
func (idx *Index) Ping(ctx context.Context) error {
	status, err := idx.health.Check(ctx)
	if err != nil {
		return err
	}
	if status.Status != "healthy" {
		return perrors.New(perrors.IOFailure, "ping", "backing store unhealthy")
	}
	return nil
}

// Close awaits outstanding writes and unmaps this branch's vector file.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return nil
	}
	idx.closed = true
	if err := idx.manager.Engine().Vectors().Close(); err != nil {
		return perrors.Wrap(perrors.IOFailure, "close", "unmap vector store", err)
	}
	idx.logger.Infow("closed", "branch", idx.cfg.Branch)
	return idx.store.Close()
}
