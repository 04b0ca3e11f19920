package hnsw

import (
	"context"
	"fmt"
	"time"

	"github.com/xDarkicex/proximum/internal/util"
)

var zeroTime time.Time

// Insert appends vector to the vector store, wires it into the graph, and
// returns its internal ID. The caller is responsible for mapping that ID to
// whatever external identifier and metadata it carries.
func (e *Engine) Insert(ctx context.Context, vector []float32) (uint32, error) {
	if len(vector) != e.cfg.Dim {
		return 0, errDimensionMismatch(len(vector), e.cfg.Dim)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	internalID, err := e.vector.Append(vector)
	if err != nil {
		return 0, fmt.Errorf("hnsw: append vector: %w", err)
	}
	nodeID := uint32(internalID)
	level := e.sampleLevel()
	e.levels = append(e.levels, level)

	if e.metrics != nil {
		e.metrics.VectorInserts.Inc()
	}

	e.edges.GrowDeletionBitset(int(nodeID) + 1)

	if !e.hasEntrypoint {
		e.entrypoint = nodeID
		e.hasEntrypoint = true
		e.maxLevel = level
		return nodeID, nil
	}

	entry := e.entrypoint
	for l := e.maxLevel; l > level; l-- {
		next, _, ok := e.greedyStep(vector, entry, l)
		if ok {
			entry = next
		}
	}

	for l := min(level, e.maxLevel); l >= 0; l-- {
		candidates, err := e.beamSearch(vector, entry, e.cfg.EfConstruction, l, SearchOptions{}, zeroTime)
		if err != nil {
			return 0, fmt.Errorf("hnsw: construction search at level %d: %w", l, err)
		}
		if len(candidates) == 0 {
			continue
		}

		cset := make([]util.Candidate, len(candidates))
		for i, c := range candidates {
			cset[i] = util.Candidate{ID: c.InternalID, Distance: c.Distance}
		}

		maxM := e.maxMForLevel(l)
		selected := e.selectNeighbors(cset, maxM)

		if err := e.connectBidirectional(nodeID, selected, l); err != nil {
			return 0, err
		}
		entry = selected[0].ID
	}

	if level > e.maxLevel {
		e.maxLevel = level
		e.entrypoint = nodeID
	}

	return nodeID, nil
}

func (e *Engine) maxMForLevel(level int) int {
	if level == 0 {
		return e.cfg.m0()
	}
	return e.cfg.M
}

// connectBidirectional wires nodeID -> each selected neighbor and
// neighbor -> nodeID, re-running the selection heuristic on any neighbor
// whose list now exceeds its level's connection cap.
func (e *Engine) connectBidirectional(nodeID uint32, selected []util.Candidate, level int) error {
	ownLinks := make([]uint32, len(selected))
	for i, s := range selected {
		ownLinks[i] = s.ID
	}
	if err := e.edges.SetNeighbors(level, nodeID, ownLinks); err != nil {
		return fmt.Errorf("hnsw: set neighbors for new node: %w", err)
	}

	maxM := e.maxMForLevel(level)
	for _, s := range selected {
		existing, err := e.edges.GetNeighbors(level, s.ID)
		if err != nil {
			return fmt.Errorf("hnsw: get neighbors of %d: %w", s.ID, err)
		}

		already := false
		for _, id := range existing {
			if id == nodeID {
				already = true
				break
			}
		}
		merged := existing
		if !already {
			merged = append(append([]uint32(nil), existing...), nodeID)
		}

		if len(merged) <= maxM {
			if err := e.edges.SetNeighbors(level, s.ID, merged); err != nil {
				return fmt.Errorf("hnsw: set neighbors for %d: %w", s.ID, err)
			}
			continue
		}

		nodeVec := e.getVector(s.ID)
		cands := make([]util.Candidate, len(merged))
		for i, id := range merged {
			cands[i] = util.Candidate{ID: id, Distance: e.distance(nodeVec, e.getVector(id))}
		}
		pruned := e.selectNeighbors(cands, maxM)
		prunedIDs := make([]uint32, len(pruned))
		for i, p := range pruned {
			prunedIDs[i] = p.ID
		}
		if err := e.edges.SetNeighbors(level, s.ID, prunedIDs); err != nil {
			return fmt.Errorf("hnsw: set pruned neighbors for %d: %w", s.ID, err)
		}
	}
	return nil
}
