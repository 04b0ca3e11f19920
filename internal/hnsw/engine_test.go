package hnsw

import (
	"context"
	"math/rand"
	"testing"

	"github.com/xDarkicex/proximum/internal/ces"
	"github.com/xDarkicex/proximum/internal/util"
	"github.com/xDarkicex/proximum/internal/vstore"
)

func newTestEngine(t *testing.T, dim int) *Engine {
	t.Helper()
	edges := ces.New(ces.Config{ChunkSize: 8, M: 8, M0: 16})
	distFn, err := util.GetDistanceFunc(util.L2Squared)
	if err != nil {
		t.Fatalf("GetDistanceFunc: %v", err)
	}
	vs, err := vstore.Open(vstore.Options{
		MmapDir:  t.TempDir(),
		Branch:   "main",
		Dim:      dim,
		Distance: distFn,
	})
	if err != nil {
		t.Fatalf("vstore.Open: %v", err)
	}
	eng, err := New(Config{Dim: dim, M: 8, EfConstruction: 32, EfSearch: 16, RandomSeed: 1}, edges, vs, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng
}

func randomVector(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rng.Float32()
	}
	return v
}

func TestInsertAndSearchFindsSelf(t *testing.T) {
	eng := newTestEngine(t, 8)
	rng := rand.New(rand.NewSource(7))
	ctx := context.Background()

	var ids []uint32
	var vecs [][]float32
	for i := 0; i < 40; i++ {
		v := randomVector(rng, 8)
		id, err := eng.Insert(ctx, v)
		if err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
		ids = append(ids, id)
		vecs = append(vecs, v)
	}

	for i, v := range vecs {
		results, err := eng.Search(ctx, v, 1, SearchOptions{Ef: 32})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(results) == 0 {
			t.Fatalf("no results for vector %d", i)
		}
		if results[0].InternalID != ids[i] {
			t.Errorf("vector %d: expected nearest to be itself (%d), got %d (dist %f)",
				i, ids[i], results[0].InternalID, results[0].Distance)
		}
	}
}

func TestSearchRespectsK(t *testing.T) {
	eng := newTestEngine(t, 4)
	rng := rand.New(rand.NewSource(3))
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if _, err := eng.Insert(ctx, randomVector(rng, 4)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	results, err := eng.Search(ctx, randomVector(rng, 4), 5, SearchOptions{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i].Distance < results[i-1].Distance {
			t.Fatalf("results not sorted ascending at %d", i)
		}
	}
}

func TestDeleteExcludesFromSearch(t *testing.T) {
	eng := newTestEngine(t, 4)
	rng := rand.New(rand.NewSource(11))
	ctx := context.Background()

	v := randomVector(rng, 4)
	id, err := eng.Insert(ctx, v)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := eng.Insert(ctx, randomVector(rng, 4)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	if err := eng.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !eng.IsDeleted(id) {
		t.Fatal("expected node to be tombstoned")
	}

	results, err := eng.Search(ctx, v, 11, SearchOptions{Ef: 64})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.InternalID == id {
			t.Fatal("deleted node should not appear in search results")
		}
	}
}

func TestSampleLevelNeverExceedsMaxLevels(t *testing.T) {
	eng := newTestEngine(t, 4)
	eng.cfg.MaxLevels = 3
	for i := 0; i < 1000; i++ {
		if l := eng.sampleLevel(); l >= eng.cfg.MaxLevels {
			t.Fatalf("sampleLevel returned %d, want < %d", l, eng.cfg.MaxLevels)
		}
	}
}
