package proximum

import (
	"context"
	"math/rand"
	"testing"
	"time"
)

func newTestIndex(t *testing.T, opts ...Option) *Index {
	t.Helper()
	base := []Option{WithDimension(4), WithMmapDir(t.TempDir()), WithStore(StoreConfig{Backend: "mem", ID: t.Name()})}
	idx, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func randVector(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rng.Float32()
	}
	return v
}

func TestInsertSearchDelete(t *testing.T) {
	idx := newTestIndex(t)
	rng := rand.New(rand.NewSource(1))

	vecs := make(map[int][]float32)
	for i := 0; i < 10; i++ {
		v := randVector(rng, 4)
		vecs[i] = v
		if err := idx.Insert(context.Background(), i, v, map[string]any{"tag": i % 2}); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	results, err := idx.Search(context.Background(), vecs[0], 3, SearchOptions{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one search result")
	}
	// Numeric external IDs come back as float64 (see SearchResult).
	if results[0].ExternalID != float64(0) {
		t.Fatalf("nearest neighbor of vecs[0] = %v, want external id 0", results[0].ExternalID)
	}
	if got := results[0].Metadata["tag"]; got != float64(0) {
		if gotInt, ok := got.(int); !ok || gotInt != 0 {
			t.Fatalf("metadata[tag] = %v (%T), want 0", got, got)
		}
	}

	if err := idx.Delete(context.Background(), 0); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	results, err = idx.Search(context.Background(), vecs[0], 10, SearchOptions{})
	if err != nil {
		t.Fatalf("Search after delete: %v", err)
	}
	for _, r := range results {
		if r.ExternalID == float64(0) {
			t.Fatal("deleted external id 0 still appears in search results")
		}
	}
}

func TestInsertDuplicateExternalID(t *testing.T) {
	idx := newTestIndex(t)
	v := []float32{1, 2, 3, 4}
	if err := idx.Insert(context.Background(), "dup", v, nil); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	err := idx.Insert(context.Background(), "dup", v, nil)
	if err == nil {
		t.Fatal("expected DuplicateExternalID on re-insert")
	}
	if !IsKind(err, DuplicateExternalID) {
		t.Fatalf("err = %v, want kind DuplicateExternalID", err)
	}
}

func TestInsertDimensionMismatch(t *testing.T) {
	idx := newTestIndex(t)
	err := idx.Insert(context.Background(), "x", []float32{1, 2}, nil)
	if err == nil {
		t.Fatal("expected DimensionMismatch")
	}
	if !IsKind(err, DimensionMismatch) {
		t.Fatalf("err = %v, want kind DimensionMismatch", err)
	}
}

func TestInsertCapacityExceeded(t *testing.T) {
	idx := newTestIndex(t, WithCapacity(2))
	for i := 0; i < 2; i++ {
		if err := idx.Insert(context.Background(), i, []float32{1, 2, 3, 4}, nil); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	err := idx.Insert(context.Background(), 2, []float32{1, 2, 3, 4}, nil)
	if err == nil {
		t.Fatal("expected CapacityExceeded past the configured cap")
	}
	if !IsKind(err, CapacityExceeded) {
		t.Fatalf("err = %v, want kind CapacityExceeded", err)
	}
}

func TestDeleteNotFound(t *testing.T) {
	idx := newTestIndex(t)
	err := idx.Delete(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected NotFound deleting an unknown external id")
	}
	if !IsKind(err, NotFound) {
		t.Fatalf("err = %v, want kind NotFound", err)
	}
}

func TestSyncForkBranch(t *testing.T) {
	idx := newTestIndex(t)
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 5; i++ {
		if err := idx.Insert(context.Background(), i, randVector(rng, 4), nil); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	commitID, err := idx.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if commitID == "" {
		t.Fatal("expected a non-empty commit id")
	}

	forked := idx.Fork()
	if err := forked.Insert(context.Background(), 100, randVector(rng, 4), nil); err != nil {
		t.Fatalf("forked Insert: %v", err)
	}
	if forked.Stats().VectorCount == idx.Stats().VectorCount {
		t.Fatal("expected fork's insert to diverge from the original")
	}

	feature, err := idx.Branch(context.Background(), "feature")
	if err != nil {
		t.Fatalf("Branch: %v", err)
	}
	if feature.Stats().Branch != "feature" {
		t.Fatalf("feature.Stats().Branch = %q, want %q", feature.Stats().Branch, "feature")
	}
	if err := feature.Insert(context.Background(), 101, randVector(rng, 4), nil); err != nil {
		t.Fatalf("feature Insert: %v", err)
	}
	if _, err := feature.Sync(context.Background()); err != nil {
		t.Fatalf("feature Sync: %v", err)
	}

	if _, err := idx.Branch(context.Background(), "feature"); err == nil {
		t.Fatal("expected BranchExists creating the same branch twice")
	}
}

func TestLoadCommitHistory(t *testing.T) {
	idx := newTestIndex(t)
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 3; i++ {
		if err := idx.Insert(context.Background(), i, randVector(rng, 4), nil); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	first, err := idx.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	for i := 3; i < 6; i++ {
		if err := idx.Insert(context.Background(), i, randVector(rng, 4), nil); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	if _, err := idx.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	history, err := idx.History(context.Background())
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("History returned %d commits, want 2", len(history))
	}

	loaded, err := idx.LoadCommit(context.Background(), first)
	if err != nil {
		t.Fatalf("LoadCommit: %v", err)
	}
	if got := loaded.Stats().VectorCount; got != 3 {
		t.Fatalf("loaded commit has %d live vectors, want 3", got)
	}
}

func TestOfflineCompact(t *testing.T) {
	idx := newTestIndex(t)
	rng := rand.New(rand.NewSource(4))
	for i := 0; i < 6; i++ {
		if err := idx.Insert(context.Background(), i, randVector(rng, 4), nil); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	for i := 0; i < 2; i++ {
		if err := idx.Delete(context.Background(), i); err != nil {
			t.Fatalf("Delete(%d): %v", i, err)
		}
	}

	result, err := idx.OfflineCompact(context.Background())
	if err != nil {
		t.Fatalf("OfflineCompact: %v", err)
	}
	if got, want := result.Index.Stats().VectorCount, 4; got != want {
		t.Fatalf("compacted vector count = %d, want %d", got, want)
	}
	if len(result.IDMap) != 4 {
		t.Fatalf("IDMap has %d entries, want 4", len(result.IDMap))
	}
}

func TestOnlineCompactionMirrorsConcurrentWrites(t *testing.T) {
	idx := newTestIndex(t)
	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 4; i++ {
		if err := idx.Insert(context.Background(), i, randVector(rng, 4), nil); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	oc := idx.BeginOnlineCompaction(100)
	if err := oc.MirrorInsert(10, randVector(rng, 4), map[string]any{"k": "v"}); err != nil {
		t.Fatalf("MirrorInsert: %v", err)
	}
	if err := oc.MirrorDelete(0); err != nil {
		t.Fatalf("MirrorDelete: %v", err)
	}

	compacted, err := oc.Finish(context.Background())
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if got, want := compacted.Stats().VectorCount, 4; got != want {
		t.Fatalf("compacted vector count = %d, want %d (3 surviving originals + 1 mirrored insert)", got, want)
	}
}

func TestGC(t *testing.T) {
	idx := newTestIndex(t)
	rng := rand.New(rand.NewSource(6))
	for i := 0; i < 3; i++ {
		if err := idx.Insert(context.Background(), i, randVector(rng, 4), nil); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	if _, err := idx.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	for i := 3; i < 6; i++ {
		if err := idx.Insert(context.Background(), i, randVector(rng, 4), nil); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	if _, err := idx.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	result, err := idx.GC(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if result.CommitsDeleted != 0 {
		t.Fatalf("expected no commits deleted (both reachable from main), got %d", result.CommitsDeleted)
	}
}

func TestVerifyFromCold(t *testing.T) {
	idx := newTestIndex(t, WithCryptoHash(true))
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 5; i++ {
		if err := idx.Insert(context.Background(), i, randVector(rng, 4), nil); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	commitID, err := idx.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}

	result, err := idx.VerifyFromCold(context.Background(), commitID)
	if err != nil {
		t.Fatalf("VerifyFromCold: %v", err)
	}
	if !result.Valid {
		t.Fatalf("VerifyFromCold = %+v, want Valid", result)
	}
	if !result.CommitIDMatches || result.CommitID != commitID {
		t.Fatalf("VerifyFromCold recomputed commit id %q, want %q", result.CommitID, commitID)
	}
	// VectorsVerified counts vector chunks: all 5 vectors fit in one
	// 1000-vector chunk.
	if result.VectorsVerified != 1 {
		t.Fatalf("VectorsVerified = %d, want 1", result.VectorsVerified)
	}
}

func TestStatsPingClose(t *testing.T) {
	idx := newTestIndex(t)
	if err := idx.Insert(context.Background(), 1, []float32{1, 2, 3, 4}, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	stats := idx.Stats()
	if stats.VectorCount != 1 {
		t.Fatalf("Stats().VectorCount = %d, want 1", stats.VectorCount)
	}
	if stats.Branch != "main" {
		t.Fatalf("Stats().Branch = %q, want %q", stats.Branch, "main")
	}

	if err := idx.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
	if err := idx.Insert(context.Background(), 2, []float32{1, 2, 3, 4}, nil); err == nil {
		t.Fatal("expected Insert on a closed index to fail")
	}
}
