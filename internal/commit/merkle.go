package commit

import (
	"crypto/sha512"
	"fmt"

	"github.com/google/uuid"
)

// newCommitID mints a commit_id: a random UUID in plain mode, or in
// crypto mode hash(parents, vectors_hash, edges_hash) so that identical
// history+content always produces the same ID (§3 invariant 6).
func newCommitID(crypto bool, parents []string, vectorsHash, edgesHash []byte) string {
	if !crypto {
		return uuid.NewString()
	}
	h := sha512.New()
	for _, p := range parents {
		h.Write([]byte(p))
	}
	h.Write(vectorsHash)
	h.Write(edgesHash)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// nodeHashFn is the pss.Storage address function used in crypto mode: a
// PSS interior node's address equals the hash of its serialized bytes,
// which in turn embeds its children's addresses (§3 invariant 6).
func nodeHashFn(data []byte) string {
	sum := sha512.Sum512(data)
	return fmt.Sprintf("%x", sum)
}

// chunkHashFn mirrors vstore's own hashChunk/chunkAddress choice, reused
// here for CES edge chunks so both chunk families address content the
// same way in crypto mode.
func chunkHashFn(data []byte) string {
	sum := sha512.Sum512(data)
	return fmt.Sprintf("%x", sum)
}
