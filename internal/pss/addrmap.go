package pss

import "encoding/binary"

// AddrMap wraps a Tree as a {position -> address} map, ordered by
// position. Positions are encoded big-endian so plain byte comparison
// matches numeric order, which keeps incremental append O(log n) in
// written tree nodes rather than O(n) in bytes.
type AddrMap struct {
	tree *Tree
}

func positionKey(pos int) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(pos))
	return buf[:]
}

// NewAddrMap creates an empty position->address map.
func NewAddrMap(storage Storage, cacheSize int) (*AddrMap, error) {
	t, err := New(storage, cacheSize)
	if err != nil {
		return nil, err
	}
	return &AddrMap{tree: t}, nil
}

// RestoreAddrMap reopens a position->address map from its root address.
func RestoreAddrMap(rootAddr string, storage Storage, cacheSize int) (*AddrMap, error) {
	t, err := Restore(rootAddr, storage, cacheSize)
	if err != nil {
		return nil, err
	}
	return &AddrMap{tree: t}, nil
}

// Set returns a new AddrMap with position mapped to addr.
func (m *AddrMap) Set(position int, addr string) (*AddrMap, error) {
	t, err := m.tree.Insert(positionKey(position), []byte(addr))
	if err != nil {
		return nil, err
	}
	return &AddrMap{tree: t}, nil
}

// Get returns the address stored at position, if any.
func (m *AddrMap) Get(position int) (string, bool, error) {
	v, ok, err := m.tree.Lookup(positionKey(position))
	if err != nil || !ok {
		return "", ok, err
	}
	return string(v), true, nil
}

// All returns every (position, address) pair as a map keyed by position;
// the map carries no ordering.
func (m *AddrMap) All() (map[int]string, error) {
	pairs, err := m.tree.Seq()
	if err != nil {
		return nil, err
	}
	out := make(map[int]string, len(pairs))
	for _, kv := range pairs {
		out[int(binary.BigEndian.Uint64(kv[0]))] = string(kv[1])
	}
	return out, nil
}

// StoreRoot persists the map and returns its root address.
func (m *AddrMap) StoreRoot() (string, error) {
	return m.tree.StoreRoot()
}

// NodeAddresses returns the durable address of every node in the map's
// own B-tree (not the addresses it maps positions to), for gc.
func (m *AddrMap) NodeAddresses() ([]string, error) {
	return m.tree.NodeAddresses()
}
