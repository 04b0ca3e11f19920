package proximum

import (
	"github.com/xDarkicex/proximum/internal/kv"
	"github.com/xDarkicex/proximum/internal/obs"
	"github.com/xDarkicex/proximum/internal/perrors"
	"github.com/xDarkicex/proximum/internal/util"
	"go.uber.org/zap"
)

// StoreConfig selects and configures the KV backend an index persists to
// (§6 "store_config"). Backend is one of "mem" or "file"; s3 is named in
// the spec but has no backend in this module.
type StoreConfig struct {
	Backend string
	Path    string
	ID      string
}

// Config is the full configuration of an Index, assembled by New from a
// set of Options. Every field has the default spec §6 names.
type Config struct {
	Dim            int
	M              int
	EfConstruction int
	EfSearch       int
	Capacity       int
	MaxLevels      int
	Distance       util.DistanceMetric
	Store          StoreConfig
	MmapDir        string
	Branch         string
	CryptoHash     bool
	VecChunkSize   int
	EdgeChunkSize  int
	CacheSize      int
	Logger         *zap.SugaredLogger
	Metrics        *obs.Metrics
}

// Option configures an Index at creation time, following the teacher's
// validating-functional-option shape (errors surface at New, not at use).
type Option func(*Config) error

// WithDimension sets the required vector dimensionality.
func WithDimension(dim int) Option {
	return func(c *Config) error {
		if dim <= 0 {
			return perrors.New(perrors.ConfigInvalid, "new", "dim must be positive")
		}
		c.Dim = dim
		return nil
	}
}

// WithM overrides the upper-layer neighbor cap (default 16).
func WithM(m int) Option {
	return func(c *Config) error {
		if m <= 0 {
			return perrors.New(perrors.ConfigInvalid, "new", "M must be positive")
		}
		c.M = m
		return nil
	}
}

// WithEfConstruction overrides the build-time beam width (default 200).
func WithEfConstruction(ef int) Option {
	return func(c *Config) error {
		if ef <= 0 {
			return perrors.New(perrors.ConfigInvalid, "new", "ef_construction must be positive")
		}
		c.EfConstruction = ef
		return nil
	}
}

// WithEfSearch overrides the default search beam width (default 50).
func WithEfSearch(ef int) Option {
	return func(c *Config) error {
		if ef <= 0 {
			return perrors.New(perrors.ConfigInvalid, "new", "ef_search must be positive")
		}
		c.EfSearch = ef
		return nil
	}
}

// WithCapacity overrides the max-nodes budget (default 10M), which governs
// the derived max_levels when WithMaxLevels is not also given.
func WithCapacity(capacity int) Option {
	return func(c *Config) error {
		if capacity <= 0 {
			return perrors.New(perrors.ConfigInvalid, "new", "capacity must be positive")
		}
		c.Capacity = capacity
		return nil
	}
}

// WithMaxLevels overrides the derived max_levels directly.
func WithMaxLevels(levels int) Option {
	return func(c *Config) error {
		if levels <= 0 {
			return perrors.New(perrors.ConfigInvalid, "new", "max_levels must be positive")
		}
		c.MaxLevels = levels
		return nil
	}
}

// WithDistance selects the distance metric (default L2Squared).
func WithDistance(metric util.DistanceMetric) Option {
	return func(c *Config) error {
		if _, err := util.GetDistanceFunc(metric); err != nil {
			return perrors.Wrap(perrors.ConfigInvalid, "new", "unsupported distance metric", err)
		}
		c.Distance = metric
		return nil
	}
}

// WithStore selects and configures the KV backend a persistent index uses.
// Required for any index that outlives the process.
func WithStore(store StoreConfig) Option {
	return func(c *Config) error {
		switch store.Backend {
		case "mem", "file":
		default:
			return perrors.New(perrors.ConfigInvalid, "new", "unknown store backend").WithInput(store.Backend)
		}
		if store.ID == "" {
			return perrors.New(perrors.ConfigInvalid, "new", "store_config.id must be set")
		}
		c.Store = store
		return nil
	}
}

// WithMmapDir sets the directory holding per-branch mmap files.
func WithMmapDir(dir string) Option {
	return func(c *Config) error {
		if dir == "" {
			return perrors.New(perrors.ConfigInvalid, "new", "mmap_dir must not be empty")
		}
		c.MmapDir = dir
		return nil
	}
}

// WithBranch overrides the initial branch name (default "main").
func WithBranch(branch string) Option {
	return func(c *Config) error {
		if branch == "" {
			return perrors.New(perrors.ConfigInvalid, "new", "branch must not be empty")
		}
		c.Branch = branch
		return nil
	}
}

// WithCryptoHash enables content-addressable chunk/PSS addresses and
// merkle-style commit chaining (default false).
func WithCryptoHash(enabled bool) Option {
	return func(c *Config) error { c.CryptoHash = enabled; return nil }
}

// WithVecChunkSize overrides the vector persistence chunk size (default
// 1000 vectors).
func WithVecChunkSize(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return perrors.New(perrors.ConfigInvalid, "new", "chunk_size must be positive")
		}
		c.VecChunkSize = n
		return nil
	}
}

// WithEdgeChunkSize overrides the CES chunk granularity (default 1024
// nodes/chunk).
func WithEdgeChunkSize(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return perrors.New(perrors.ConfigInvalid, "new", "edge chunk size must be positive")
		}
		c.EdgeChunkSize = n
		return nil
	}
}

// WithCacheSize overrides the PSS node-cache LRU bound (default 10000).
func WithCacheSize(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return perrors.New(perrors.ConfigInvalid, "new", "cache_size must be positive")
		}
		c.CacheSize = n
		return nil
	}
}

// WithMetrics installs a caller-owned metrics instance instead of the
// default per-Index prometheus registry, so multiple Index values in one
// process can share a single registry.
func WithMetrics(m *obs.Metrics) Option {
	return func(c *Config) error {
		if m == nil {
			return perrors.New(perrors.ConfigInvalid, "new", "metrics must not be nil")
		}
		c.Metrics = m
		return nil
	}
}

// WithLogger installs a structured logger; defaults to a no-op logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(c *Config) error {
		if logger == nil {
			return perrors.New(perrors.ConfigInvalid, "new", "logger must not be nil")
		}
		c.Logger = logger
		return nil
	}
}

func defaultConfig() *Config {
	return &Config{
		M:              16,
		EfConstruction: 200,
		EfSearch:       50,
		Capacity:       10_000_000,
		Distance:       util.L2Squared,
		Branch:         "main",
		VecChunkSize:   1000,
		EdgeChunkSize:  1024,
		CacheSize:      10000,
		Logger:         obs.NopLogger(),
	}
}

// derivedMaxLevels computes ceil(log_M(capacity)) per §6, used when no
// explicit max_levels override was given.
func derivedMaxLevels(capacity, m int) int {
	if m < 2 {
		m = 2
	}
	levels := 1
	size := m
	for size < capacity {
		size *= m
		levels++
	}
	if levels < 1 {
		levels = 1
	}
	return levels
}

func (c *Config) validate() error {
	if c.Dim <= 0 {
		return perrors.New(perrors.ConfigInvalid, "new", "dim is required")
	}
	if c.Store.Backend == "" && c.MmapDir != "" {
		return perrors.New(perrors.ConfigInvalid, "new", "store_config is required for persistence")
	}
	return nil
}

// openBackingStore resolves the configured StoreConfig into a kv.Store.
func openBackingStore(sc StoreConfig) (kv.Store, error) {
	switch sc.Backend {
	case "mem", "":
		return kv.NewMem(), nil
	case "file":
		store, err := kv.OpenFile(sc.Path)
		if err != nil {
			return nil, perrors.Wrap(perrors.IOFailure, "new", "open file store", err)
		}
		return store, nil
	default:
		return nil, perrors.New(perrors.ConfigInvalid, "new", "unknown store backend").WithInput(sc.Backend)
	}
}
