package vstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/xDarkicex/proximum/internal/kv"
	"github.com/xDarkicex/proximum/internal/util"
)

func newTestStore(t *testing.T, dir string, crypto bool) *Store {
	t.Helper()
	dist, err := util.GetDistanceFunc(util.L2Squared)
	if err != nil {
		t.Fatalf("GetDistanceFunc: %v", err)
	}
	s, err := Open(Options{
		MmapDir:      dir,
		Branch:       "main",
		Dim:          3,
		VecChunkSize: 2,
		CryptoMode:   crypto,
		Backing:      kv.NewMem(),
		Distance:     dist,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestAppendAndGet(t *testing.T) {
	s := newTestStore(t, t.TempDir(), false)
	defer s.Close()

	id, err := s.Append([]float32{1, 2, 3})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if id != 0 {
		t.Fatalf("expected internal id 0, got %d", id)
	}

	got := s.Get(id)
	want := []float32{1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Get returned %v, want %v", got, want)
		}
	}
}

func TestAppendDimensionMismatch(t *testing.T) {
	s := newTestStore(t, t.TempDir(), false)
	defer s.Close()
	if _, err := s.Append([]float32{1, 2}); err == nil {
		t.Fatal("expected an error for a dimension mismatch")
	}
}

func TestFlushWritesChunks(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir, false)
	defer s.Close()

	for i := 0; i < 5; i++ {
		if _, err := s.Append([]float32{float32(i), 0, 0}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	res, err := s.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	// 5 vectors, chunk size 2 -> chunks 0,1,2
	if len(res.ChunkAddrs) != 3 {
		t.Fatalf("expected 3 chunk addresses, got %d", len(res.ChunkAddrs))
	}
}

func TestForkForBranchIsIndependent(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir, false)
	defer s.Close()

	if _, err := s.Append([]float32{1, 1, 1}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	fork, err := s.ForkForBranch("experiment")
	if err != nil {
		t.Fatalf("ForkForBranch: %v", err)
	}
	defer fork.Close()

	if _, err := fork.Append([]float32{2, 2, 2}); err != nil {
		t.Fatalf("Append on fork: %v", err)
	}

	if s.Count() != 1 {
		t.Fatalf("parent count mutated by fork: %d", s.Count())
	}
	if fork.Count() != 2 {
		t.Fatalf("fork count wrong: %d", fork.Count())
	}
	if filepath.Dir(fork.mm.path) != filepath.Dir(s.mm.path) {
		t.Fatalf("fork should share the branch directory")
	}
}

func TestCryptoModeFlushProducesHash(t *testing.T) {
	s := newTestStore(t, t.TempDir(), true)
	defer s.Close()

	if _, err := s.Append([]float32{1, 2, 3}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	res, err := s.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(res.VectorsHash) == 0 {
		t.Fatal("expected a non-empty vectors hash in crypto mode")
	}
}
