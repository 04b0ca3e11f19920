// Package commit assembles HNSW+CES+VS+PSS state into immutable commit
// snapshots, ties them to named branches, and implements fork, time
// travel, compaction, and garbage collection over the resulting DAG.
package commit

import (
	"encoding/json"
	"fmt"
)

// Snapshot is the immutable record a commit_id or branch_name key stores.
// Serialization is JSON, same choice the teacher's WAL makes for its
// Entry struct ("TODO: true implementation, replace json" carried
// forward below for the same reason: a real system would follow up with
// a compact binary encoding once the schema stabilizes).
type Snapshot struct {
	CommitID    string   `json:"commit_id"`
	Parents     []string `json:"parents"`
	Branch      string   `json:"branch"`
	Timestamp   int64    `json:"timestamp"`

	Entrypoint    uint32 `json:"entrypoint"`
	HasEntrypoint bool   `json:"has_entrypoint"`
	MaxLevel      int    `json:"max_level"`

	BranchVectorCount  int `json:"branch_vector_count"`
	BranchDeletedCount int `json:"branch_deleted_count"`

	MetadataPSSRoot    string `json:"metadata_pss_root"`
	ExternalIDPSSRoot  string `json:"external_id_pss_root"`
	VectorsAddrPSSRoot string `json:"vectors_addr_pss_root"`
	EdgesAddrPSSRoot   string `json:"edges_addr_pss_root"`

	// DeletedBitset is the authoritative copy at commit time; load_commit
	// restores from here rather than recomputing it from CES (§9 Open
	// Question (i), resolved in favor of the snapshot being authoritative).
	DeletedBitset []byte `json:"deleted_bitset,omitempty"`

	VectorsCommitHash []byte `json:"vectors_commit_hash,omitempty"`
	EdgesCommitHash   []byte `json:"edges_commit_hash,omitempty"`
}

func serializeSnapshot(s *Snapshot) ([]byte, error) {
	// TODO: true implementation, replace json
	return json.Marshal(s)
}

func deserializeSnapshot(data []byte) (*Snapshot, error) {
	// TODO: true implementation, replace json
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("commit: deserialize snapshot: %w", err)
	}
	return &s, nil
}

// branchSet is the payload of the well-known ":branches" key: every
// branch name mapped to its current head commit, kept as a flat index
// so gc can find every reachable root without depending on individual
// branch keys being enumerable by the KV backend.
type branchSet map[string]string

func serializeBranchSet(b branchSet) ([]byte, error) {
	return json.Marshal(b)
}

func deserializeBranchSet(data []byte) (branchSet, error) {
	if len(data) == 0 {
		return branchSet{}, nil
	}
	var b branchSet
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("commit: deserialize branch set: %w", err)
	}
	return b, nil
}
