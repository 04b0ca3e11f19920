package hnsw

import "fmt"

// Delete tombstones nodeID. It does not splice the node out of its
// neighbors' edge lists or reconnect its neighbors to each other: search
// already skips tombstoned nodes via the deletion bitset, and eager
// reconnection would force a write to every affected chunk on every delete.
// Reclaiming the dangling edges happens during compaction instead.
func (e *Engine) Delete(nodeID uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if int(nodeID) >= len(e.levels) {
		return fmt.Errorf("hnsw: node %d was never inserted", nodeID)
	}
	e.edges.MarkDeleted(nodeID)
	if e.metrics != nil {
		e.metrics.VectorDeletes.Inc()
	}
	return nil
}

// IsDeleted reports whether nodeID is tombstoned.
func (e *Engine) IsDeleted(nodeID uint32) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.edges.IsDeleted(nodeID)
}
