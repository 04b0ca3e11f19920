package pss

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/xDarkicex/proximum/internal/obs"
)

const defaultBranchFactor = 512

// Storage is the pluggable node-persistence interface a Tree is built
// against: store a serialized node, restore one by address, and record an
// access for LRU bookkeeping.
type Storage interface {
	Store(data []byte) (addr string, err error)
	Restore(addr string) ([]byte, error)
	Accessed(addr string)
}

// Less orders two keys; external-id trees use a heterogeneous total order
// (see order.go), metadata and address-map trees use plain byte order.
type Less func(a, b []byte) bool

// Tree is an immutable handle onto one PSS version. Mutations return a new
// handle sharing every untouched node with the receiver.
type Tree struct {
	root    *node
	branch  int
	less    Less
	storage Storage
	cache   *lru.Cache[string, *node]
	metrics *obs.Metrics

	mu sync.Mutex // guards cache population only; nodes themselves are immutable
}

// Option configures a new Tree.
type Option func(*Tree)

// WithBranchFactor overrides the default branching factor (512).
func WithBranchFactor(n int) Option {
	return func(t *Tree) {
		if n > 1 {
			t.branch = n
		}
	}
}

// WithLess overrides the default byte-order comparator.
func WithLess(less Less) Option {
	return func(t *Tree) { t.less = less }
}

// WithMetrics wires PSS node-cache hit/miss counters into m.
func WithMetrics(m *obs.Metrics) Option {
	return func(t *Tree) { t.metrics = m }
}

// New creates an empty tree backed by storage, with an LRU node cache
// bounded to cacheSize entries (spec's cache_size option, default 10000).
func New(storage Storage, cacheSize int, opts ...Option) (*Tree, error) {
	if cacheSize <= 0 {
		cacheSize = 10000
	}
	cache, err := lru.New[string, *node](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("pss: create node cache: %w", err)
	}
	t := &Tree{
		root:    newLeaf(),
		branch:  defaultBranchFactor,
		less:    bytesLess,
		storage: storage,
		cache:   cache,
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

func (t *Tree) clone() *Tree {
	return &Tree{root: t.root, branch: t.branch, less: t.less, storage: t.storage, cache: t.cache, metrics: t.metrics}
}

// Lookup returns the value for key, if present.
func (t *Tree) Lookup(key []byte) ([]byte, bool, error) {
	n := t.root
	for {
		r, err := t.resolve(n)
		if err != nil {
			return nil, false, err
		}
		n = r
		if n.isLeaf {
			pos := n.findPos(key, t.less)
			if pos < len(n.keys) && !t.less(n.keys[pos], key) && !t.less(key, n.keys[pos]) {
				return n.values[pos], true, nil
			}
			return nil, false, nil
		}
		idx := childIndex(n, key, t.less)
		n = n.kids[idx]
		if n == nil {
			return nil, false, fmt.Errorf("pss: interior child %d missing in-memory pointer", idx)
		}
	}
}

// childIndex finds which child of an interior node to descend into for key.
func childIndex(n *node, key []byte, less Less) int {
	lo, hi := 0, len(n.keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if !less(key, n.keys[mid]) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// resolve materializes n's in-memory pointer if it was evicted (addr-only)
// and otherwise returns n unchanged. Leaves of a freshly-restored tree
// carry `addr`-only placeholders the first time they're visited.
func (t *Tree) resolve(n *node) (*node, error) {
	if n.keys != nil || n.kids != nil || n.values != nil || n.addr == "" {
		return n, nil
	}
	if cached, ok := t.cache.Get(n.addr); ok {
		t.storage.Accessed(n.addr)
		if t.metrics != nil {
			t.metrics.PSSCacheHits.Inc()
		}
		return cached, nil
	}
	if t.metrics != nil {
		t.metrics.PSSCacheMisses.Inc()
	}
	data, err := t.storage.Restore(n.addr)
	if err != nil {
		return nil, fmt.Errorf("pss: restore node %s: %w", n.addr, err)
	}
	restored, err := deserializeNode(data)
	if err != nil {
		return nil, err
	}
	restored.addr = n.addr
	t.cache.Add(n.addr, restored)
	return restored, nil
}

// Insert returns a new Tree with key mapped to value.
func (t *Tree) Insert(key, value []byte) (*Tree, error) {
	newRoot, splitKey, splitRight, err := t.insertRec(t.root, key, value)
	if err != nil {
		return nil, err
	}
	if splitRight != nil {
		top := newInterior()
		top.keys = [][]byte{splitKey}
		top.kids = []*node{newRoot, splitRight}
		top.addrs = []string{"", ""}
		newRoot = top
	}
	nt := t.clone()
	nt.root = newRoot
	return nt, nil
}

func (t *Tree) insertRec(n *node, key, value []byte) (*node, []byte, *node, error) {
	n, err := t.resolve(n)
	if err != nil {
		return nil, nil, nil, err
	}
	c := n.clone()

	if c.isLeaf {
		pos := c.findPos(key, t.less)
		if pos < len(c.keys) && !t.less(c.keys[pos], key) && !t.less(key, c.keys[pos]) {
			c.values[pos] = value
			return c, nil, nil, nil
		}
		c.keys = insertAt(c.keys, pos, key)
		c.values = insertAt(c.values, pos, value)
		if len(c.keys) <= t.branch {
			return c, nil, nil, nil
		}
		return splitLeaf(c)
	}

	idx := childIndex(c, key, t.less)
	child, splitKey, splitRight, err := t.insertRec(c.kids[idx], key, value)
	if err != nil {
		return nil, nil, nil, err
	}
	c.kids[idx] = child
	c.addrs[idx] = ""
	if splitRight == nil {
		return c, nil, nil, nil
	}
	c.keys = insertAt(c.keys, idx, splitKey)
	c.kids = insertAt(c.kids, idx+1, splitRight)
	c.addrs = insertAt(c.addrs, idx+1, "")
	if len(c.keys) <= t.branch {
		return c, nil, nil, nil
	}
	return splitInterior(c)
}

func splitLeaf(n *node) (*node, []byte, *node, error) {
	mid := len(n.keys) / 2
	right := newLeaf()
	right.keys = append([][]byte(nil), n.keys[mid:]...)
	right.values = append([][]byte(nil), n.values[mid:]...)
	n.keys = n.keys[:mid]
	n.values = n.values[:mid]
	return n, right.keys[0], right, nil
}

func splitInterior(n *node) (*node, []byte, *node, error) {
	mid := len(n.keys) / 2
	right := newInterior()
	right.keys = append([][]byte(nil), n.keys[mid+1:]...)
	right.kids = append([]*node(nil), n.kids[mid+1:]...)
	right.addrs = append([]string(nil), n.addrs[mid+1:]...)
	medianKey := n.keys[mid]
	n.keys = n.keys[:mid]
	n.kids = n.kids[:mid+1]
	n.addrs = n.addrs[:mid+1]
	return n, medianKey, right, nil
}

// Delete returns a new Tree with key removed, or the same value-equal
// logical tree if key was absent.
func (t *Tree) Delete(key []byte) (*Tree, error) {
	newRoot, _, err := t.deleteRec(t.root, key)
	if err != nil {
		return nil, err
	}
	if !newRoot.isLeaf && len(newRoot.kids) == 1 {
		newRoot = newRoot.kids[0]
	}
	nt := t.clone()
	nt.root = newRoot
	return nt, nil
}

func (t *Tree) deleteRec(n *node, key []byte) (*node, bool, error) {
	n, err := t.resolve(n)
	if err != nil {
		return nil, false, err
	}
	c := n.clone()
	if c.isLeaf {
		pos := c.findPos(key, t.less)
		if pos >= len(c.keys) || t.less(c.keys[pos], key) || t.less(key, c.keys[pos]) {
			return c, false, nil
		}
		c.keys = deleteAt(c.keys, pos)
		c.values = deleteAt(c.values, pos)
		return c, true, nil
	}
	idx := childIndex(c, key, t.less)
	child, found, err := t.deleteRec(c.kids[idx], key)
	if err != nil {
		return nil, false, err
	}
	c.kids[idx] = child
	c.addrs[idx] = ""
	return c, found, nil
}

// Seq returns every (key, value) pair in ascending order.
func (t *Tree) Seq() ([][2][]byte, error) {
	return t.Slice(nil, nil)
}

// Slice returns every (key, value) pair with lo <= key < hi. A nil lo/hi
// means unbounded on that side.
func (t *Tree) Slice(lo, hi []byte) ([][2][]byte, error) {
	var out [][2][]byte
	var walk func(n *node) error
	walk = func(n *node) error {
		n, err := t.resolve(n)
		if err != nil {
			return err
		}
		if n.isLeaf {
			for i, k := range n.keys {
				if lo != nil && t.less(k, lo) {
					continue
				}
				if hi != nil && !t.less(k, hi) {
					continue
				}
				out = append(out, [2][]byte{k, n.values[i]})
			}
			return nil
		}
		for _, kid := range n.kids {
			if err := walk(kid); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(t.root); err != nil {
		return nil, err
	}
	return out, nil
}

// StoreRoot persists every not-yet-stored node reachable from the root
// (bottom-up, so children are stored before their parent references them)
// and returns the root's address.
func (t *Tree) StoreRoot() (string, error) {
	addr, err := t.storeRec(t.root)
	if err != nil {
		return "", err
	}
	return addr, nil
}

func (t *Tree) storeRec(n *node) (string, error) {
	if n.addr != "" {
		return n.addr, nil // already durable (clone() always clears addr on the nodes that changed)
	}
	if !n.isLeaf {
		for i, kid := range n.kids {
			if n.addrs[i] != "" {
				continue
			}
			addr, err := t.storeRec(kid)
			if err != nil {
				return "", err
			}
			n.addrs[i] = addr
		}
	}
	data := serializeNode(n)
	addr, err := t.storage.Store(data)
	if err != nil {
		return "", fmt.Errorf("pss: store node: %w", err)
	}
	n.addr = addr
	return addr, nil
}

// NodeAddresses returns the durable address of every node reachable from
// the root, for garbage collection reachability analysis. A node that has
// never been stored (addr == "") is skipped; StoreRoot must be called
// first for the answer to be complete.
func (t *Tree) NodeAddresses() ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	var walk func(n *node) error
	walk = func(n *node) error {
		n, err := t.resolve(n)
		if err != nil {
			return err
		}
		if n.addr != "" {
			if seen[n.addr] {
				return nil
			}
			seen[n.addr] = true
			out = append(out, n.addr)
		}
		if !n.isLeaf {
			for _, kid := range n.kids {
				if err := walk(kid); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(t.root); err != nil {
		return nil, err
	}
	return out, nil
}

// Restore loads a Tree from a previously stored root address.
func Restore(rootAddr string, storage Storage, cacheSize int, opts ...Option) (*Tree, error) {
	t, err := New(storage, cacheSize, opts...)
	if err != nil {
		return nil, err
	}
	t.root = &node{addr: rootAddr}
	resolved, err := t.resolve(t.root)
	if err != nil {
		return nil, err
	}
	t.root = resolved
	return t, nil
}
