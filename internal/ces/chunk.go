package ces

import "encoding/binary"

// chunk is a fixed-size slab of neighbor lists for CHUNK_SIZE contiguous
// node IDs at one layer. Slot 0 of each node's row holds the neighbor
// count; slots 1..slotsPerNode-1 hold neighbor IDs.
type chunk struct {
	layer        int
	idx          int
	slotsPerNode int
	data         []uint32
	everFlushed  bool // true once an address for this exact byte content has been durably written
}

func newChunk(layer, idx, chunkSize, slotsPerNode int) *chunk {
	return &chunk{
		layer:        layer,
		idx:          idx,
		slotsPerNode: slotsPerNode,
		data:         make([]uint32, chunkSize*slotsPerNode),
	}
}

func (c *chunk) clone() *chunk {
	data := make([]uint32, len(c.data))
	copy(data, c.data)
	return &chunk{
		layer:        c.layer,
		idx:          c.idx,
		slotsPerNode: c.slotsPerNode,
		data:         data,
		everFlushed:  false,
	}
}

func (c *chunk) neighbors(local int) []uint32 {
	base := local * c.slotsPerNode
	count := int(c.data[base])
	if count == 0 {
		return nil
	}
	out := make([]uint32, count)
	copy(out, c.data[base+1:base+1+count])
	return out
}

func (c *chunk) setNeighbors(local int, ids []uint32) {
	base := local * c.slotsPerNode
	c.data[base] = uint32(len(ids))
	copy(c.data[base+1:base+1+len(ids)], ids)
	// Zero any trailing slots from a previously longer list.
	for i := base + 1 + len(ids); i < base+c.slotsPerNode; i++ {
		c.data[i] = 0
	}
}

// bytes serializes the chunk's neighbor data as little-endian uint32s, the
// same byte order the mmap vector region uses.
func (c *chunk) bytes() []byte {
	buf := make([]byte, len(c.data)*4)
	for i, v := range c.data {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	return buf
}

func chunkFromBytes(layer, idx, slotsPerNode int, raw []byte) *chunk {
	data := make([]uint32, len(raw)/4)
	for i := range data {
		data[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	return &chunk{layer: layer, idx: idx, slotsPerNode: slotsPerNode, data: data, everFlushed: true}
}
