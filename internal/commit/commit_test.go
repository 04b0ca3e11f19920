package commit

import (
	"context"
	"math/rand"
	"testing"

	"github.com/xDarkicex/proximum/internal/ces"
	"github.com/xDarkicex/proximum/internal/hnsw"
	"github.com/xDarkicex/proximum/internal/kv"
	"github.com/xDarkicex/proximum/internal/pss"
	"github.com/xDarkicex/proximum/internal/util"
	"github.com/xDarkicex/proximum/internal/vstore"
)

func newTestManager(t *testing.T, store kv.Store, mmapDir, branch string) *Manager {
	t.Helper()
	dist, err := util.GetDistanceFunc(util.L2Squared)
	if err != nil {
		t.Fatalf("GetDistanceFunc: %v", err)
	}
	vs, err := vstore.Open(vstore.Options{
		MmapDir:  mmapDir,
		Branch:   branch,
		Dim:      4,
		Backing:  store,
		Distance: dist,
	})
	if err != nil {
		t.Fatalf("vstore.Open: %v", err)
	}
	edges := ces.New(ces.Config{ChunkSize: 4, M: 4, M0: 8})
	engine, err := hnsw.New(hnsw.Config{Dim: 4, M: 4, EfConstruction: 16, EfSearch: 8, RandomSeed: 1}, edges, vs, nil)
	if err != nil {
		t.Fatalf("hnsw.New: %v", err)
	}
	m, err := New(Options{Store: store, Branch: branch, MmapDir: mmapDir, CacheSize: 100, Engine: engine})
	if err != nil {
		t.Fatalf("commit.New: %v", err)
	}
	return m
}

func insertN(t *testing.T, m *Manager, n int, seed int64) []uint32 {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	ids := make([]uint32, 0, n)
	for i := 0; i < n; i++ {
		v := make([]float32, 4)
		for j := range v {
			v[j] = rng.Float32()
		}
		id, err := m.Engine().Insert(context.Background(), v)
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

// insertWithExternalID inserts n vectors and also registers each in the
// external-id tree under a small int extKey, mirroring how the top-level
// Index wires external identities; compaction only walks live nodes via
// the external-id tree, so tests of it need this rather than insertN.
func insertWithExternalID(t *testing.T, m *Manager, n int, seed int64, startExtID int) []uint32 {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	ids := make([]uint32, 0, n)
	for i := 0; i < n; i++ {
		v := make([]float32, 4)
		for j := range v {
			v[j] = rng.Float32()
		}
		id, err := m.Engine().Insert(context.Background(), v)
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		extKey := pss.EncodeExternalID(startExtID + i)
		newExt, err := m.ExternalIDTree().Insert(extKey, internalIDKey(id))
		if err != nil {
			t.Fatalf("ExternalIDTree().Insert: %v", err)
		}
		m.SetExternalIDTree(newExt)
		ids = append(ids, id)
	}
	return ids
}

func TestSyncPublishesBranchHead(t *testing.T) {
	store := kv.NewMem()
	m := newTestManager(t, store, t.TempDir(), "main")
	insertN(t, m, 5, 1)

	snap, err := m.Sync(context.Background(), nil)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if snap.CommitID == "" {
		t.Fatal("expected a non-empty commit id")
	}
	if m.HeadCommit() != snap.CommitID {
		t.Fatalf("HeadCommit() = %q, want %q", m.HeadCommit(), snap.CommitID)
	}

	raw, ok, err := store.Get(context.Background(), kv.BranchKey("main"))
	if err != nil || !ok {
		t.Fatalf("branch head not published: ok=%v err=%v", ok, err)
	}
	if len(raw) == 0 {
		t.Fatal("branch head snapshot is empty")
	}
}

func TestBranchCreatesIndependentHistory(t *testing.T) {
	store := kv.NewMem()
	dir := t.TempDir()
	main := newTestManager(t, store, dir, "main")
	insertN(t, main, 5, 2)
	if _, err := main.Sync(context.Background(), nil); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	feature, err := main.Branch(context.Background(), "feature")
	if err != nil {
		t.Fatalf("Branch: %v", err)
	}
	insertN(t, feature, 3, 3)
	if _, err := feature.Sync(context.Background(), nil); err != nil {
		t.Fatalf("Sync feature: %v", err)
	}

	if main.Engine().Count() == feature.Engine().Count() {
		t.Fatalf("expected divergent vector counts, both have %d", main.Engine().Count())
	}

	if _, err := main.Branch(context.Background(), "feature"); err == nil {
		t.Fatal("expected BranchExists error creating the same branch twice")
	}
}

func TestForkSharesStateUntilSynced(t *testing.T) {
	store := kv.NewMem()
	main := newTestManager(t, store, t.TempDir(), "main")
	insertN(t, main, 4, 4)

	forked := main.Fork()
	if forked.Engine().Count() != main.Engine().Count() {
		t.Fatalf("fork count %d, want %d", forked.Engine().Count(), main.Engine().Count())
	}

	insertN(t, forked, 2, 5)
	if forked.Engine().Count() == main.Engine().Count() {
		t.Fatal("expected fork's insert to diverge from the original")
	}
}

func TestLoadCommitRestoresHistory(t *testing.T) {
	store := kv.NewMem()
	dir := t.TempDir()
	m := newTestManager(t, store, dir, "main")
	insertN(t, m, 5, 6)
	first, err := m.Sync(context.Background(), nil)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}

	insertN(t, m, 5, 7)
	second, err := m.Sync(context.Background(), nil)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(second.Parents) != 1 || second.Parents[0] != first.CommitID {
		t.Fatalf("second commit parents = %v, want [%s]", second.Parents, first.CommitID)
	}

	history, err := m.History(context.Background())
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("History returned %d commits, want 2", len(history))
	}

	loaded, err := m.LoadCommit(context.Background(), first.CommitID)
	if err != nil {
		t.Fatalf("LoadCommit: %v", err)
	}
	if loaded.Engine().LiveCount() != 5 {
		t.Fatalf("loaded commit has %d live vectors, want 5", loaded.Engine().LiveCount())
	}
}

func TestIsAncestorAndCommonAncestor(t *testing.T) {
	store := kv.NewMem()
	m := newTestManager(t, store, t.TempDir(), "main")
	insertN(t, m, 2, 8)
	root, err := m.Sync(context.Background(), nil)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	insertN(t, m, 2, 9)
	tip, err := m.Sync(context.Background(), nil)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}

	ok, err := m.IsAncestor(context.Background(), root.CommitID, tip.CommitID)
	if err != nil {
		t.Fatalf("IsAncestor: %v", err)
	}
	if !ok {
		t.Fatal("expected root to be an ancestor of tip")
	}

	common, found, err := m.CommonAncestor(context.Background(), root.CommitID, tip.CommitID)
	if err != nil {
		t.Fatalf("CommonAncestor: %v", err)
	}
	if !found || common != root.CommitID {
		t.Fatalf("CommonAncestor = %q, %v, want %q, true", common, found, root.CommitID)
	}
}

func TestOfflineCompactDropsTombstones(t *testing.T) {
	store := kv.NewMem()
	m := newTestManager(t, store, t.TempDir(), "main")
	ids := insertWithExternalID(t, m, 6, 10, 0)
	for _, id := range ids[:2] {
		if err := m.Engine().Delete(id); err != nil {
			t.Fatalf("Delete: %v", err)
		}
	}

	result, err := m.OfflineCompact(context.Background())
	if err != nil {
		t.Fatalf("OfflineCompact: %v", err)
	}
	if got, want := result.Manager.Engine().Count(), 4; got != want {
		t.Fatalf("compacted count = %d, want %d", got, want)
	}
	if len(result.IDMap) != 4 {
		t.Fatalf("IDMap has %d entries, want 4", len(result.IDMap))
	}
}

func TestGCDeletesUnreachableCommits(t *testing.T) {
	store := kv.NewMem()
	m := newTestManager(t, store, t.TempDir(), "main")
	insertN(t, m, 3, 11)
	if _, err := m.Sync(context.Background(), nil); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	insertN(t, m, 3, 12)
	if _, err := m.Sync(context.Background(), nil); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	result, err := m.GC(context.Background(), 0)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if result.CommitsDeleted != 0 {
		t.Fatalf("expected no commits deleted (both reachable from main), got %d", result.CommitsDeleted)
	}
}
