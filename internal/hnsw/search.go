package hnsw

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/xDarkicex/proximum/internal/util"
)

// SearchOptions tunes a single Search call; every field is optional.
type SearchOptions struct {
	Ef                 int
	TimeoutMs          int
	Patience           int
	PatienceSaturation float64
	MinSimilarity      float32
	IDFilter           func(internalID uint32) bool
}

// SearchResult is one ranked hit, by internal ID; callers translate to
// external IDs via the metadata PSS.
type SearchResult struct {
	InternalID uint32
	Distance   float32
}

// Search returns the k nearest neighbors of query, descending greedily
// through upper layers and beam-searching layer 0.
func (e *Engine) Search(ctx context.Context, query []float32, k int, opts SearchOptions) (_ []SearchResult, err error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.metrics != nil {
		e.metrics.SearchQueries.Inc()
		start := time.Now()
		defer func() {
			e.metrics.SearchLatency.Observe(time.Since(start).Seconds())
			if err != nil {
				e.metrics.SearchErrors.Inc()
			}
		}()
	}

	if !e.hasEntrypoint {
		return nil, nil
	}
	if len(query) != e.cfg.Dim {
		return nil, errDimensionMismatch(len(query), e.cfg.Dim)
	}

	deadline := time.Time{}
	if opts.TimeoutMs > 0 {
		deadline = time.Now().Add(time.Duration(opts.TimeoutMs) * time.Millisecond)
	}

	ep := e.entrypoint
	for level := e.maxLevel; level > 0; level-- {
		nextEp, _, ok := e.greedyStep(query, ep, level)
		if ok {
			ep = nextEp
		}
	}

	ef := opts.Ef
	if ef < k {
		ef = k
	}
	if ef < e.cfg.EfSearch {
		ef = e.cfg.EfSearch
	}

	results, err := e.beamSearch(query, ep, ef, 0, opts, deadline)
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].InternalID < results[j].InternalID // deterministic tie-break
	})

	if len(results) > k {
		results = results[:k]
	}

	if opts.MinSimilarity > 0 {
		filtered := results[:0]
		for _, r := range results {
			if similarityOf(r.Distance) >= opts.MinSimilarity {
				filtered = append(filtered, r)
			}
		}
		results = filtered
	}

	return results, nil
}

func similarityOf(distance float32) float32 {
	return 1.0 / (1.0 + distance)
}

// greedyStep moves from entry to its single closest neighbor at level,
// used for the width-1 descent through upper layers.
func (e *Engine) greedyStep(query []float32, entry uint32, level int) (uint32, float32, bool) {
	best := entry
	bestDist := e.distance(query, e.getVector(entry))
	improved := true
	for improved {
		improved = false
		neighbors, err := e.edges.GetNeighbors(level, best)
		if err != nil {
			break
		}
		for _, n := range neighbors {
			if e.edges.IsDeleted(n) {
				continue
			}
			d := e.distance(query, e.getVector(n))
			if d < bestDist {
				bestDist = d
				best = n
				improved = true
			}
		}
	}
	return best, bestDist, true
}

// beamSearch runs the layer-0-style beam search with width ef, honoring
// the deletion bitset, the optional ID filter, and the optional
// timeout/patience early-stop policies.
func (e *Engine) beamSearch(query []float32, entry uint32, ef, level int, opts SearchOptions, deadline time.Time) ([]SearchResult, error) {
	visited := make(map[uint32]bool)
	candidates := util.NewMinHeap(ef * 2)
	best := util.NewMaxHeap(ef)

	if !e.edges.IsDeleted(entry) && passesFilter(entry, opts.IDFilter) {
		d := e.distance(query, e.getVector(entry))
		c := &util.Candidate{ID: entry, Distance: d}
		candidates.PushCandidate(c)
		best.PushCandidate(c)
	}
	visited[entry] = true

	noImprove := 0
	bestSoFar := float32(math.MaxFloat32)

	for candidates.Len() > 0 {
		if !deadline.IsZero() && time.Now().After(deadline) {
			break
		}
		cur := candidates.PopCandidate()
		if best.Len() >= ef && cur.Distance > best.Top().Distance {
			break
		}

		neighbors, err := e.edges.GetNeighbors(level, cur.ID)
		if err != nil {
			return nil, err
		}
		for _, nb := range neighbors {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			if e.edges.IsDeleted(nb) || !passesFilter(nb, opts.IDFilter) {
				continue
			}
			d := e.distance(query, e.getVector(nb))
			if best.Len() < ef || d < best.Top().Distance {
				nc := &util.Candidate{ID: nb, Distance: d}
				candidates.PushCandidate(nc)
				best.PushCandidate(nc)
				if best.Len() > ef {
					best.PopCandidate()
				}

				if opts.Patience > 0 {
					if d < bestSoFar*float32(1-opts.PatienceSaturation) {
						bestSoFar = d
						noImprove = 0
					} else {
						noImprove++
						if noImprove >= opts.Patience {
							candidates = util.NewMinHeap(0) // force outer loop to end
						}
					}
				}
			}
		}
	}

	out := make([]SearchResult, 0, best.Len())
	for best.Len() > 0 {
		c := best.PopCandidate()
		out = append(out, SearchResult{InternalID: c.ID, Distance: c.Distance})
	}
	return out, nil
}

func passesFilter(id uint32, filter func(uint32) bool) bool {
	if filter == nil {
		return true
	}
	return filter(id)
}
