package vstore

import (
	"context"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/xDarkicex/proximum/internal/kv"
	"github.com/xDarkicex/proximum/internal/util"
)

// Store is the hybrid vector store for one open branch: a memory-mapped
// float region for zero-copy reads, fronting chunked durable persistence
// to a kv.Store.
type Store struct {
	mu sync.RWMutex

	mm           *mmapFile
	dim          int
	vecChunkSize int
	cryptoMode   bool

	count         int
	lastFlushed   int // count as of the last completed Flush
	chunkHashes   [][]byte
	backing       kv.Store
	branchDir     string
	branchName    string
	distance      util.DistanceFunc
}

// Options configures a new vector Store.
type Options struct {
	MmapDir      string
	Branch       string
	Dim          int
	VecChunkSize int // default 1000
	CryptoMode   bool
	Backing      kv.Store
	Distance     util.DistanceFunc
	InitialCount int // vectors already known to exist, on reopen
}

func branchPath(dir, branch string) string {
	return filepath.Join(dir, branch+".mmap")
}

// Open creates or reopens a branch's vector store.
func Open(opts Options) (*Store, error) {
	if opts.VecChunkSize <= 0 {
		opts.VecChunkSize = 1000
	}
	path := branchPath(opts.MmapDir, opts.Branch)
	mm, err := openMmap(path, opts.Dim, opts.InitialCount, false)
	if err != nil {
		return nil, err
	}
	if opts.InitialCount > 0 {
		mm.setCount(uint64(opts.InitialCount))
	}

	return &Store{
		mm:           mm,
		dim:          opts.Dim,
		vecChunkSize: opts.VecChunkSize,
		cryptoMode:   opts.CryptoMode,
		count:        opts.InitialCount,
		lastFlushed:  opts.InitialCount,
		backing:      opts.Backing,
		branchDir:    opts.MmapDir,
		branchName:   opts.Branch,
		distance:     opts.Distance,
	}, nil
}

// Append validates and writes vector into the next free mmap slot,
// returning its dense internal ID.
func (s *Store) Append(vector []float32) (int, error) {
	if len(vector) != s.dim {
		return 0, fmt.Errorf("vstore: vector length %d does not match dim %d", len(vector), s.dim)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.count
	if err := s.mm.ensureCapacity(id + 1); err != nil {
		return 0, err
	}
	s.mm.writeVector(id, vector)
	s.count++
	s.mm.setCount(uint64(s.count))
	return id, nil
}

// Count returns the number of appended vectors (including deleted ones).
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Get returns a zero-copy view over internalID's vector. Valid only while
// the Store remains open and is not concurrently grown.
func (s *Store) Get(internalID int) []float32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mm.view(internalID)
}

// DistanceTo computes the configured metric's distance between query and
// internalID's stored vector.
func (s *Store) DistanceTo(query []float32, internalID int) float32 {
	return s.distance(query, s.Get(internalID))
}

// FlushResult reports what a Flush wrote.
type FlushResult struct {
	ChunkAddrs  map[int]string // chunk index -> durable address
	VectorsHash []byte         // non-nil only in crypto mode
}

// Flush completes the partial trailing chunk (however many vectors it
// currently holds), writes every chunk touched since the last flush to the
// backing store, and returns the updated chunk address map.
func (s *Store) Flush(ctx context.Context) (*FlushResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mm.sync(); err != nil {
		return nil, err
	}

	firstChunk := s.lastFlushed / s.vecChunkSize
	lastChunk := 0
	if s.count > 0 {
		lastChunk = (s.count - 1) / s.vecChunkSize
	}

	result := &FlushResult{ChunkAddrs: make(map[int]string)}
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for ci := firstChunk; s.count > 0 && ci <= lastChunk; ci++ {
		start := ci * s.vecChunkSize
		end := start + s.vecChunkSize
		if end > s.count {
			end = s.count
		}
		raw := chunkBytes(s.mm, start, end, s.dim)

		addr := s.chunkAddress(raw)

		wg.Add(1)
		go func(ci int, addr string, raw []byte) {
			defer wg.Done()
			key := chunkKey(s.branchName, ci)
			if err := s.backing.Put(ctx, key, raw); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("vstore: write chunk %d: %w", ci, err)
				}
				mu.Unlock()
				return
			}
			mu.Lock()
			result.ChunkAddrs[ci] = addr
			if ci >= len(s.chunkHashes) {
				grown := make([][]byte, ci+1)
				copy(grown, s.chunkHashes)
				s.chunkHashes = grown
			}
			if s.cryptoMode {
				s.chunkHashes[ci] = hashChunk(raw)
			}
			mu.Unlock()
		}(ci, addr, raw)
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}

	s.lastFlushed = s.count

	if s.cryptoMode {
		result.VectorsHash = rollingHash(s.chunkHashes)
	}
	return result, nil
}

func (s *Store) chunkAddress(raw []byte) string {
	if s.cryptoMode {
		return fmt.Sprintf("%x", hashChunk(raw))
	}
	return uuid.NewString()
}

func chunkKey(branch string, chunkIdx int) string {
	return fmt.Sprintf("vchunk/%s/%d", branch, chunkIdx)
}

func chunkBytes(mm *mmapFile, start, end, dim int) []byte {
	buf := make([]byte, (end-start)*dim*4)
	for i := start; i < end; i++ {
		v := mm.view(i)
		off := (i - start) * dim * 4
		for j, f := range v {
			putFloat32(buf[off+j*4:], f)
		}
	}
	return buf
}

func hashChunk(raw []byte) []byte {
	sum := sha512.Sum512(raw)
	return sum[:]
}

// rollingHash folds ordered per-chunk hashes into a single commit-level
// vectors_hash.
func rollingHash(chunkHashes [][]byte) []byte {
	h := sha512.New()
	for _, ch := range chunkHashes {
		h.Write(ch)
	}
	return h.Sum(nil)
}

// ForkForBranch reflink-copies (or byte-copies) the current mmap file for
// a new branch; the backing chunk store is shared by address.
func (s *Store) ForkForBranch(newBranch string) (*Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.mm.sync(); err != nil {
		return nil, err
	}
	dstPath := branchPath(s.branchDir, newBranch)
	if err := cloneMmapFile(s.mm.path, dstPath); err != nil {
		return nil, err
	}

	mm, err := openMmap(dstPath, s.dim, s.count, false)
	if err != nil {
		return nil, err
	}
	mm.setCount(uint64(s.count))

	hashes := make([][]byte, len(s.chunkHashes))
	copy(hashes, s.chunkHashes)

	return &Store{
		mm:           mm,
		dim:          s.dim,
		vecChunkSize: s.vecChunkSize,
		cryptoMode:   s.cryptoMode,
		count:        s.count,
		lastFlushed:  s.count,
		chunkHashes:  hashes,
		backing:      s.backing,
		branchDir:    s.branchDir,
		branchName:   newBranch,
		distance:     s.distance,
	}, nil
}

// Close unmaps the branch's mmap file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mm.close()
}

// Ping satisfies obs.Checkable: a readable header means the mapping is
// alive.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.mm.data) < headerSize {
		return fmt.Errorf("vstore: mmap header truncated")
	}
	return nil
}

func putFloat32(b []byte, f float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(f))
}
