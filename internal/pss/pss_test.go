package pss

import (
	"context"
	"testing"

	"github.com/xDarkicex/proximum/internal/kv"
)

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	storage := NewKVStorage(context.Background(), kv.NewMem(), "test", nil)
	tree, err := New(storage, 100, WithBranchFactor(4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tree
}

func TestInsertLookup(t *testing.T) {
	tree := newTestTree(t)
	tree, err := tree.Insert([]byte("a"), []byte("1"))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	v, ok, err := tree.Lookup([]byte("a"))
	if err != nil || !ok || string(v) != "1" {
		t.Fatalf("Lookup returned %q, %v, %v", v, ok, err)
	}
}

func TestInsertIsImmutable(t *testing.T) {
	base := newTestTree(t)
	v1, err := base.Insert([]byte("a"), []byte("1"))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	v2, err := v1.Insert([]byte("b"), []byte("2"))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if _, ok, _ := v1.Lookup([]byte("b")); ok {
		t.Fatal("v1 should not observe a key inserted only into v2")
	}
	if _, ok, _ := base.Lookup([]byte("a")); ok {
		t.Fatal("base should not observe a key inserted only into v1")
	}
}

func TestInsertManyCausesSplit(t *testing.T) {
	tree := newTestTree(t)
	var err error
	for i := 0; i < 50; i++ {
		tree, err = tree.Insert(positionKey(i), []byte("v"))
		if err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}
	for i := 0; i < 50; i++ {
		if _, ok, err := tree.Lookup(positionKey(i)); err != nil || !ok {
			t.Fatalf("missing key %d after splits: ok=%v err=%v", i, ok, err)
		}
	}
	pairs, err := tree.Seq()
	if err != nil {
		t.Fatalf("Seq: %v", err)
	}
	if len(pairs) != 50 {
		t.Fatalf("expected 50 pairs, got %d", len(pairs))
	}
	for i := 1; i < len(pairs); i++ {
		if !tree.less(pairs[i-1][0], pairs[i][0]) {
			t.Fatalf("Seq did not return ascending order at index %d", i)
		}
	}
}

func TestDelete(t *testing.T) {
	tree := newTestTree(t)
	tree, _ = tree.Insert([]byte("a"), []byte("1"))
	tree, _ = tree.Insert([]byte("b"), []byte("2"))
	tree, err := tree.Delete([]byte("a"))
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := tree.Lookup([]byte("a")); ok {
		t.Fatal("expected a to be gone after Delete")
	}
	if _, ok, _ := tree.Lookup([]byte("b")); !ok {
		t.Fatal("expected b to survive Delete of a")
	}
}

func TestStoreRootAndRestore(t *testing.T) {
	store := kv.NewMem()
	storage := NewKVStorage(context.Background(), store, "meta", nil)
	tree, err := New(storage, 100, WithBranchFactor(4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 20; i++ {
		tree, err = tree.Insert(positionKey(i), []byte("v"))
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	root, err := tree.StoreRoot()
	if err != nil {
		t.Fatalf("StoreRoot: %v", err)
	}

	reloaded, err := Restore(root, storage, 100, WithBranchFactor(4))
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	for i := 0; i < 20; i++ {
		if _, ok, err := reloaded.Lookup(positionKey(i)); err != nil || !ok {
			t.Fatalf("key %d missing after restore: ok=%v err=%v", i, ok, err)
		}
	}
}

func TestExternalIDOrderingMixedTypes(t *testing.T) {
	a := EncodeExternalID(5)
	b := EncodeExternalID(int64(5))
	if ExternalIDLess(a, b) || ExternalIDLess(b, a) {
		t.Fatal("numeric external IDs of different widths should canonicalize equal")
	}

	num := EncodeExternalID(1)
	str := EncodeExternalID("x")
	if !ExternalIDLess(num, str) && !ExternalIDLess(str, num) {
		t.Fatal("values of different type tags should never compare equal")
	}
}
