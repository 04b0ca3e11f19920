package pss

import (
	"encoding/binary"
	"fmt"
)

const (
	kindLeaf     byte = 0
	kindInterior byte = 1
)

// serializeNode encodes a node in a self-describing binary format: kind,
// key count, keys, then either values (leaf) or child addresses (interior).
func serializeNode(n *node) []byte {
	buf := make([]byte, 0, 64)
	if n.isLeaf {
		buf = append(buf, kindLeaf)
	} else {
		buf = append(buf, kindInterior)
	}
	buf = appendUint32(buf, uint32(len(n.keys)))
	for _, k := range n.keys {
		buf = appendBytes(buf, k)
	}
	if n.isLeaf {
		for _, v := range n.values {
			buf = appendBytes(buf, v)
		}
	} else {
		for _, a := range n.addrs {
			buf = appendBytes(buf, []byte(a))
		}
	}
	return buf
}

func deserializeNode(data []byte) (*node, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("pss: truncated node (no kind byte)")
	}
	kind := data[0]
	pos := 1
	numKeys, pos, err := readUint32(data, pos)
	if err != nil {
		return nil, err
	}

	n := &node{isLeaf: kind == kindLeaf}
	n.keys = make([][]byte, numKeys)
	for i := range n.keys {
		var b []byte
		b, pos, err = readBytes(data, pos)
		if err != nil {
			return nil, err
		}
		n.keys[i] = b
	}

	if n.isLeaf {
		n.values = make([][]byte, numKeys)
		for i := range n.values {
			var b []byte
			b, pos, err = readBytes(data, pos)
			if err != nil {
				return nil, err
			}
			n.values[i] = b
		}
	} else {
		n.addrs = make([]string, numKeys+1)
		n.kids = make([]*node, numKeys+1)
		for i := range n.addrs {
			var b []byte
			b, pos, err = readBytes(data, pos)
			if err != nil {
				return nil, err
			}
			n.addrs[i] = string(b)
			n.kids[i] = &node{addr: n.addrs[i]}
		}
	}
	return n, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = appendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func readUint32(data []byte, pos int) (uint32, int, error) {
	if pos+4 > len(data) {
		return 0, pos, fmt.Errorf("pss: truncated node (uint32 at %d)", pos)
	}
	return binary.LittleEndian.Uint32(data[pos:]), pos + 4, nil
}

func readBytes(data []byte, pos int) ([]byte, int, error) {
	n, pos, err := readUint32(data, pos)
	if err != nil {
		return nil, pos, err
	}
	if pos+int(n) > len(data) {
		return nil, pos, fmt.Errorf("pss: truncated node (bytes at %d)", pos)
	}
	out := make([]byte, n)
	copy(out, data[pos:pos+int(n)])
	return out, pos + int(n), nil
}
