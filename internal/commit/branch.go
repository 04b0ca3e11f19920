package commit

import (
	"context"
	"fmt"

	"github.com/xDarkicex/proximum/internal/kv"
	"github.com/xDarkicex/proximum/internal/perrors"
)

// Fork returns a new Manager sharing this one's PSS trees, address maps,
// and backing store, with an in-memory-only, CoW-forked engine (§4.D.3
// fork()). The result starts at this Manager's head and branch name;
// later syncs of either Manager do not move the other's head.
func (m *Manager) Fork() *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()

	forkedEngine := m.engine.Fork(m.engine.Vectors(), m.metrics)

	return &Manager{
		store:     m.store,
		crypto:    m.crypto,
		branch:    m.branch,
		mmapDir:   m.mmapDir,
		cacheSize: m.cacheSize,
		metrics:   m.metrics,
		engine:    forkedEngine,

		metadataStorage:   m.metadataStorage,
		externalIDStorage: m.externalIDStorage,
		vectorsAddrStor:   m.vectorsAddrStor,
		edgesAddrStor:     m.edgesAddrStor,

		metadataTree:   m.metadataTree,
		externalIDTree: m.externalIDTree,
		vectorsAddrMap: m.vectorsAddrMap,
		edgesAddrMap:   m.edgesAddrMap,

		edgeChunkHashes: make(map[edgeChunkKey][]byte),
		head:            m.head,
	}
}

// Branch creates a brand new named branch from this Manager's current
// synced state (§4.D.3 branch()). The receiver must have synced at
// least once; the new branch gets its own mmap file (reflink or byte
// copy, via vstore.Store.ForkForBranch) and its own Manager, with a
// fresh snapshot whose sole parent is the receiver's current head.
func (m *Manager) Branch(ctx context.Context, name string) (*Manager, error) {
	m.mu.Lock()
	head := m.head
	if head == "" {
		m.mu.Unlock()
		return nil, perrors.New(perrors.Unsynced, "branch", "index has never been synced").WithInput(name)
	}
	if name == m.branch {
		m.mu.Unlock()
		return nil, perrors.New(perrors.BranchExists, "branch", "branch already exists").WithInput(name)
	}
	vs := m.engine.Vectors()
	engine := m.engine
	metrics := m.metrics
	m.mu.Unlock()

	_, exists, err := m.store.Get(ctx, kv.BranchKey(name))
	if err != nil {
		return nil, perrors.Wrap(perrors.IOFailure, "branch", "check existing branch", err)
	}
	if exists {
		return nil, perrors.New(perrors.BranchExists, "branch", "branch already exists").WithInput(name)
	}

	newVS, err := vs.ForkForBranch(name)
	if err != nil {
		return nil, perrors.Wrap(perrors.IOFailure, "branch", "fork mmap file for new branch", err)
	}
	newEngine := engine.Fork(newVS, metrics)

	child := &Manager{
		store:     m.store,
		crypto:    m.crypto,
		branch:    name,
		mmapDir:   m.mmapDir,
		cacheSize: m.cacheSize,
		metrics:   metrics,
		engine:    newEngine,

		metadataStorage:   m.metadataStorage,
		externalIDStorage: m.externalIDStorage,
		vectorsAddrStor:   m.vectorsAddrStor,
		edgesAddrStor:     m.edgesAddrStor,

		metadataTree:   m.metadataTree,
		externalIDTree: m.externalIDTree,
		vectorsAddrMap: m.vectorsAddrMap,
		edgesAddrMap:   m.edgesAddrMap,

		edgeChunkHashes: make(map[edgeChunkKey][]byte),
	}

	snap, err := child.Sync(ctx, []string{head})
	if err != nil {
		return nil, fmt.Errorf("commit: initial sync of new branch %q: %w", name, err)
	}
	child.head = snap.CommitID
	return child, nil
}

// DeleteBranch removes a branch from the well-known branch set and its
// head key. It refuses to delete the branch this Manager currently has
// open, and refuses to delete "main" (§4.D.3 delete_branch()). Commits
// and the branch's mmap file remain on disk, reachable until a later
// gc(); this Manager does not hold an open handle onto an arbitrary
// other branch's mmap file to unlink it directly.
func (m *Manager) DeleteBranch(ctx context.Context, name string) error {
	if name == "main" {
		return perrors.New(perrors.BranchProtected, "delete_branch", "main cannot be deleted").WithInput(name)
	}

	m.mu.Lock()
	current := m.branch
	m.mu.Unlock()
	if name == current {
		return perrors.New(perrors.BranchProtected, "delete_branch", "cannot delete the currently open branch").WithInput(name)
	}

	raw, ok, err := m.store.Get(ctx, kv.KeyBranches)
	if err != nil {
		return perrors.Wrap(perrors.IOFailure, "delete_branch", "read branch set", err)
	}
	if !ok {
		return perrors.New(perrors.NotFound, "delete_branch", "no branches registered").WithInput(name)
	}

	set, err := deserializeBranchSet(raw)
	if err != nil {
		return err
	}
	if _, ok := set[name]; !ok {
		return perrors.New(perrors.NotFound, "delete_branch", "branch does not exist").WithInput(name)
	}
	delete(set, name)

	data, err := serializeBranchSet(set)
	if err != nil {
		return err
	}
	if err := m.store.Put(ctx, kv.KeyBranches, data); err != nil {
		return perrors.Wrap(perrors.IOFailure, "delete_branch", "write branch set", err)
	}
	if err := m.store.Delete(ctx, kv.BranchKey(name)); err != nil {
		return perrors.Wrap(perrors.IOFailure, "delete_branch", "remove branch head key", err)
	}
	return nil
}
