// Package vstore implements hybrid vector storage: a memory-mapped
// contiguous float region fronting a content-addressable chunked object
// store, with reflink-capable per-branch file duplication.
package vstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	magic         = "PVDB"
	formatVersion = uint64(1)
	headerSize    = 64
)

// mmapFile is one branch's memory-mapped vector region: a fixed 64-byte
// header (magic/version/count/dim; writeHeader leaves the chunk_size slot
// unwritten) followed by dim*4-byte float32 payloads, all little-endian.
type mmapFile struct {
	mu       sync.RWMutex
	file     *os.File
	data     []byte
	path     string
	dim      int
	readOnly bool
}

func headerCapacity(dim int, vectors int) int64 {
	return headerSize + int64(vectors)*int64(dim)*4
}

// openMmap opens (creating if absent) the branch mmap file at path, sized
// to hold at least `vectors` vectors of width dim.
func openMmap(path string, dim, vectors int, readOnly bool) (*mmapFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("vstore: create mmap dir: %w", err)
	}

	flag := os.O_RDWR | os.O_CREATE
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("vstore: open mmap file: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("vstore: stat mmap file: %w", err)
	}

	want := headerCapacity(dim, vectors)
	if !readOnly && stat.Size() < want {
		if err := f.Truncate(want); err != nil {
			f.Close()
			return nil, fmt.Errorf("vstore: truncate mmap file: %w", err)
		}
	}

	size := want
	if stat.Size() > want {
		size = stat.Size()
	}
	if size == 0 {
		size = headerSize
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("vstore: truncate empty mmap file: %w", err)
		}
	}

	prot := unix.PROT_READ
	if !readOnly {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("vstore: mmap: %w", err)
	}

	m := &mmapFile{file: f, data: data, path: path, dim: dim, readOnly: readOnly}
	if stat.Size() == 0 || stat.Size() == headerSize {
		m.writeHeader(0, dim)
	}
	return m, nil
}

func (m *mmapFile) writeHeader(count uint64, dim int) {
	copy(m.data[0:4], magic)
	binary.LittleEndian.PutUint64(m.data[8:16], formatVersion)
	binary.LittleEndian.PutUint64(m.data[16:24], count)
	binary.LittleEndian.PutUint64(m.data[24:32], uint64(dim))
}

func (m *mmapFile) count() uint64 {
	return binary.LittleEndian.Uint64(m.data[16:24])
}

func (m *mmapFile) setCount(n uint64) {
	binary.LittleEndian.PutUint64(m.data[16:24], n)
}

func (m *mmapFile) offsetFor(internalID int) int64 {
	return headerSize + int64(internalID)*int64(m.dim)*4
}

// ensureCapacity grows the mapping (remapping if needed) to hold at least
// `vectors` vectors.
func (m *mmapFile) ensureCapacity(vectors int) error {
	want := headerCapacity(m.dim, vectors)
	if int64(len(m.data)) >= want {
		return nil
	}
	if err := m.file.Truncate(want); err != nil {
		return fmt.Errorf("vstore: grow mmap file: %w", err)
	}
	if err := unix.Munmap(m.data); err != nil {
		return fmt.Errorf("vstore: unmap before grow: %w", err)
	}
	prot := unix.PROT_READ
	if !m.readOnly {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(m.file.Fd()), 0, int(want), prot, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("vstore: remap after grow: %w", err)
	}
	m.data = data
	return nil
}

// view returns a zero-copy slice over internalID's dim floats. Safe as
// long as the mmapFile stays open and is not concurrently grown.
func (m *mmapFile) view(internalID int) []float32 {
	off := m.offsetFor(internalID)
	return unsafe.Slice((*float32)(unsafe.Pointer(&m.data[off])), m.dim)
}

func (m *mmapFile) writeVector(internalID int, v []float32) {
	off := m.offsetFor(internalID)
	dst := unsafe.Slice((*float32)(unsafe.Pointer(&m.data[off])), m.dim)
	copy(dst, v)
}

// sync flushes dirty pages to disk via msync.
func (m *mmapFile) sync() error {
	if m.readOnly {
		return nil
	}
	return unix.Msync(m.data, unix.MS_SYNC)
}

func (m *mmapFile) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if m.data != nil {
		if e := unix.Munmap(m.data); e != nil {
			err = fmt.Errorf("vstore: munmap: %w", e)
		}
		m.data = nil
	}
	if cerr := m.file.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("vstore: close mmap file: %w", cerr)
	}
	return err
}

// cloneMmapFile duplicates src to dst, using a reflink (copy-on-write
// clone, FICLONE) when the filesystem supports it and falling back to a
// full byte copy otherwise.
func cloneMmapFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("vstore: create branch dir: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("vstore: open source mmap: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("vstore: create branch mmap: %w", err)
	}
	defer out.Close()

	if err := unix.IoctlFileClone(int(out.Fd()), int(in.Fd())); err == nil {
		return nil
	}
	// FICLONE unsupported (different filesystem, non-reflink-capable fs,
	// or unsupported platform): fall back to a full copy.
	if _, err := in.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("vstore: rewind source mmap: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("vstore: copy mmap file: %w", err)
	}
	return nil
}
