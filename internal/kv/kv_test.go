package kv

import (
	"context"
	"testing"
)

func TestMemGetPutDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMem()

	if _, ok, err := m.Get(ctx, "a"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := m.Put(ctx, "a", []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, ok, err := m.Get(ctx, "a")
	if err != nil || !ok || string(v) != "1" {
		t.Fatalf("Get returned %q, %v, %v", v, ok, err)
	}
	if err := m.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := m.Get(ctx, "a"); ok {
		t.Fatal("expected key to be gone after delete")
	}
}

func TestMemKeysPrefix(t *testing.T) {
	ctx := context.Background()
	m := NewMem()
	for _, k := range []string{"chunk/1", "chunk/2", "commit/x"} {
		if err := m.Put(ctx, k, []byte("v")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	keys, err := m.Keys(ctx, "chunk/")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys with prefix chunk/, got %d", len(keys))
	}
}

func TestFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	f, err := OpenFile(dir)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer f.Close()

	if err := f.Put(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, ok, err := f.Get(ctx, "k")
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("Get returned %q, %v, %v", v, ok, err)
	}
}

func TestFileSecondOpenFailsWhileLocked(t *testing.T) {
	dir := t.TempDir()
	f, err := OpenFile(dir)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer f.Close()

	if _, err := OpenFile(dir); err == nil {
		t.Fatal("expected second OpenFile on a locked root to fail")
	}
}
