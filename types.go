package proximum

import "github.com/xDarkicex/proximum/internal/hnsw"

// VectorEntry is a single vector and its associated identity and metadata,
// the unit of insertion.
type VectorEntry struct {
	ExternalID any
	Vector     []float32
	Metadata   map[string]any
}

// SearchResult is one ranked hit, translated back to the caller's external
// ID space. ExternalID is decoded from the JSON-encoded metadata record, so
// a numeric external ID comes back as a float64.
type SearchResult struct {
	ExternalID any
	Distance   float32
	Vector     []float32
	Metadata   map[string]any
}

// SearchOptions tunes a single Search call; every field is optional and
// mirrors hnsw.SearchOptions (§4.D.1), with IDFilter expressed in terms of
// external IDs rather than internal ones.
type SearchOptions struct {
	Ef                 int
	TimeoutMs          int
	Patience           int
	PatienceSaturation float64
	MinSimilarity      float32
	IDFilter           func(externalID any) bool
}

func (o SearchOptions) toEngine(idx *Index) hnsw.SearchOptions {
	eo := hnsw.SearchOptions{
		Ef:                 o.Ef,
		TimeoutMs:          o.TimeoutMs,
		Patience:           o.Patience,
		PatienceSaturation: o.PatienceSaturation,
		MinSimilarity:      o.MinSimilarity,
	}
	if o.IDFilter != nil {
		eo.IDFilter = func(internalID uint32) bool {
			extID, ok := idx.externalIDFor(internalID)
			if !ok {
				return false
			}
			return o.IDFilter(extID)
		}
	}
	return eo
}

// IndexStats summarizes an open index's current branch.
type IndexStats struct {
	VectorCount  int
	DeletedCount int
	MaxLevel     int
	HeadCommit   string
	Branch       string
}
