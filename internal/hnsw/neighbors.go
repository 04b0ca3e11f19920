package hnsw

import (
	"sort"

	"github.com/xDarkicex/proximum/internal/util"
)

// selectNeighbors picks up to maxM candidates for a node's edge list at a
// given level, using the Malkov-Yashunin heuristic: the closest candidate is
// always kept, and every later candidate is kept only if it is closer to the
// query than it is to every neighbor already selected. This keeps the graph
// navigable instead of degenerating into clusters of near-duplicate edges.
func (e *Engine) selectNeighbors(candidates []util.Candidate, maxM int) []util.Candidate {
	if len(candidates) <= maxM {
		return candidates
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Distance < candidates[j].Distance })

	selected := make([]util.Candidate, 0, maxM)
	selected = append(selected, candidates[0])

	for i := 1; i < len(candidates) && len(selected) < maxM; i++ {
		cand := candidates[i]
		candVec := e.getVector(cand.ID)

		keep := true
		for _, s := range selected {
			distToSelected := e.distance(candVec, e.getVector(s.ID))
			if distToSelected < cand.Distance {
				keep = false
				break
			}
		}
		if keep {
			selected = append(selected, cand)
		}
	}

	// Backfill by pure distance if the heuristic pruned too aggressively,
	// so a node is never left with fewer than maxM edges when candidates
	// were available to fill them.
	if len(selected) < maxM {
		have := make(map[uint32]bool, len(selected))
		for _, s := range selected {
			have[s.ID] = true
		}
		for _, cand := range candidates {
			if len(selected) >= maxM {
				break
			}
			if !have[cand.ID] {
				selected = append(selected, cand)
				have[cand.ID] = true
			}
		}
	}

	return selected
}
