package vstore

import (
	"context"
	"fmt"
	"sort"
)

// VerifyResult reports the outcome of a cold verification pass over one
// content-addressed chunk family (this package's vector chunks, or, via
// the commit package's own pass over the same scheme, edge chunks).
type VerifyResult struct {
	Valid           bool
	ChunksVerified  int
	MismatchedChunk int
	RecomputedHash  string // hex chunk hash actually read back, set only on mismatch
	StoredAddr      string // address the chunk was expected to have, set only on mismatch
	Hash            []byte // rolling hash over every chunk in ascending index order; nil unless Valid
}

// VerifyFromCold enumerates every chunk referenced by addrMap, recomputes
// its content hash from the bytes in the backing store, compares against
// the address (which, in crypto mode, is itself the chunk's hash), and
// folds the per-chunk hashes into the same ascending-index rolling hash
// Flush computes for vectors_hash, so a caller can compare the result
// against a snapshot's recorded hash (§4.B). Only meaningful in crypto
// mode; non-crypto addresses are opaque UUIDs and cannot be recomputed, so
// callers should not call this unless cryptoMode was enabled at write
// time.
func VerifyFromCold(ctx context.Context, backing interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
}, branch string, addrMap map[int]string) (*VerifyResult, error) {
	indices := make([]int, 0, len(addrMap))
	for ci := range addrMap {
		indices = append(indices, ci)
	}
	sort.Ints(indices)

	hashes := make([][]byte, 0, len(indices))
	for _, ci := range indices {
		raw, ok, err := backing.Get(ctx, chunkKey(branch, ci))
		if err != nil {
			return nil, fmt.Errorf("vstore: read chunk %d for verification: %w", ci, err)
		}
		if !ok {
			return &VerifyResult{Valid: false, MismatchedChunk: ci, StoredAddr: addrMap[ci]}, nil
		}
		sum := hashChunk(raw)
		recomputed := fmt.Sprintf("%x", sum)
		if recomputed != addrMap[ci] {
			return &VerifyResult{
				Valid:           false,
				MismatchedChunk: ci,
				RecomputedHash:  recomputed,
				StoredAddr:      addrMap[ci],
			}, nil
		}
		hashes = append(hashes, sum)
	}
	return &VerifyResult{Valid: true, ChunksVerified: len(indices), Hash: rollingHash(hashes)}, nil
}
