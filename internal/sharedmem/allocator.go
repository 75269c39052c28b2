// Package sharedmem provides the memory-mapped frame-buffer heap shared
// with the host. A fixed header at offset 0 publishes the region layout;
// the rest is carved by a first-fit allocator over an offset-sorted free
// list with neighbour coalescing.
package sharedmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/winrun-dev/winrun/internal/config"
)

const (
	// Magic identifies a winrun frame-buffer region ("WRFB", little-endian).
	Magic uint32 = 0x42465257

	// HeaderVersion is bumped on any incompatible header layout change.
	HeaderVersion uint32 = 1

	// HeaderReserved is the prefix of the region the heap never touches.
	// The published header occupies part of it; the rest is spare.
	HeaderReserved = 64

	// Alignment is the granularity and alignment of every allocation.
	Alignment = 16
)

var (
	ErrNotInitialized = errors.New("allocator not initialized")
	ErrOutOfSpace     = errors.New("no free block large enough")
)

// Allocation is one live block inside the shared region. Offset 0 marks
// an invalid allocation; the header guarantees no real block lives there.
type Allocation struct {
	Offset uint64
	Size   uint64
}

// Valid reports whether the allocation refers to a real block.
func (a Allocation) Valid() bool { return a.Offset != 0 }

// Stats is a point-in-time snapshot of the allocator.
type Stats struct {
	Total          uint64
	Free           uint64
	Used           uint64
	FreeBlockCount int
	IsInitialized  bool
}

type freeBlock struct {
	offset uint64
	size   uint64
}

// Allocator owns the memory-mapped file and its free list. All mutation
// happens under mu; base and regionSize are stable once initialized and
// may be read without the lock.
type Allocator struct {
	cfg    config.SharedMemoryConfig
	logger *slog.Logger

	mu          sync.Mutex
	file        *os.File
	base        []byte
	regionSize  uint64
	freeList    []freeBlock // sorted by offset, never adjacent
	initialized atomic.Bool
}

// New creates an allocator for the configured region. Initialize must be
// called before any allocation succeeds.
func New(cfg config.SharedMemoryConfig, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{cfg: cfg, logger: logger}
}

// Initialize maps the backing file, creating and zero-extending it when
// create_if_not_exists is set, then parses or writes the region header and
// builds the initial free list. On any I/O failure the allocator stays
// uninitialized and every Allocate returns an invalid allocation.
func (a *Allocator) Initialize() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.initialized.Load() {
		return nil
	}

	size := a.cfg.CreateSizeBytes
	if size < a.cfg.MinimumSizeBytes {
		size = a.cfg.MinimumSizeBytes
	}

	flags := os.O_RDWR
	if a.cfg.CreateIfNotExists {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(a.cfg.Path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("opening shared memory file: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat shared memory file: %w", err)
	}
	if fi.Size() < size {
		if !a.cfg.CreateIfNotExists {
			f.Close()
			return fmt.Errorf("shared memory file is %d bytes, need %d", fi.Size(), size)
		}
		if err := f.Truncate(size); err != nil {
			f.Close()
			return fmt.Errorf("extending shared memory file to %d bytes: %w", size, err)
		}
	} else if fi.Size() > size {
		size = fi.Size()
	}

	base, err := mapFile(f, size)
	if err != nil {
		f.Close()
		return fmt.Errorf("mapping shared memory file: %w", err)
	}

	if err := a.initHeader(base, uint64(size)); err != nil {
		_ = unmapFile(base)
		f.Close()
		return err
	}

	a.file = f
	a.base = base
	a.regionSize = uint64(size)
	a.freeList = []freeBlock{{offset: HeaderReserved, size: uint64(size) - HeaderReserved}}
	a.initialized.Store(true)

	a.logger.Info("shared memory initialized",
		"path", a.cfg.Path,
		"region_size", size,
		"usable", uint64(size)-HeaderReserved,
	)
	return nil
}

// initHeader validates an existing header or writes a fresh one.
func (a *Allocator) initHeader(base []byte, size uint64) error {
	existing := binary.LittleEndian.Uint32(base[0:4])
	if existing != 0 && existing != Magic {
		return fmt.Errorf("shared memory file carries foreign magic 0x%08X", existing)
	}
	if existing == Magic {
		if v := binary.LittleEndian.Uint32(base[4:8]); v != HeaderVersion {
			return fmt.Errorf("shared memory header version %d, want %d", v, HeaderVersion)
		}
	}
	binary.LittleEndian.PutUint32(base[0:4], Magic)
	binary.LittleEndian.PutUint32(base[4:8], HeaderVersion)
	binary.LittleEndian.PutUint64(base[8:16], size)
	binary.LittleEndian.PutUint32(base[16:20], HeaderReserved)
	return nil
}

// IsInitialized reports whether the region is mapped and usable.
func (a *Allocator) IsInitialized() bool { return a.initialized.Load() }

// RegionSize returns the mapped length; 0 when uninitialized.
func (a *Allocator) RegionSize() uint64 {
	if !a.initialized.Load() {
		return 0
	}
	return a.regionSize
}

// Allocate carves a block of at least size bytes out of the region using
// first fit on the offset-sorted free list. The request is rounded up to
// the allocation granularity. Returns an invalid allocation when the
// allocator is uninitialized, size is zero, or no free block fits; it
// never blocks beyond the allocator mutex.
func (a *Allocator) Allocate(size uint64) Allocation {
	if size == 0 || !a.initialized.Load() {
		return Allocation{}
	}
	size = roundUp(size)

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.initialized.Load() {
		return Allocation{}
	}

	for i, blk := range a.freeList {
		if blk.size < size {
			continue
		}
		remainder := blk.size - size
		if remainder >= Alignment {
			a.freeList[i] = freeBlock{offset: blk.offset + size, size: remainder}
		} else {
			// Absorb the sub-granularity tail rather than tracking it.
			size = blk.size
			a.freeList = append(a.freeList[:i], a.freeList[i+1:]...)
		}
		return Allocation{Offset: blk.offset, Size: size}
	}
	return Allocation{}
}

// Free returns a block to the free list and coalesces it with touching
// neighbours. Invalid allocations are ignored. A free whose range lies
// outside the heap or overlaps an existing free entry is treated as a
// double free: logged and dropped.
func (a *Allocator) Free(alloc Allocation) {
	if !alloc.Valid() {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.initialized.Load() {
		return
	}

	if alloc.Offset < HeaderReserved || alloc.Offset+alloc.Size > a.regionSize {
		a.logger.Warn("free outside heap range ignored",
			"offset", alloc.Offset, "size", alloc.Size)
		return
	}

	// Locate the insertion point in the offset-sorted list.
	idx := 0
	for idx < len(a.freeList) && a.freeList[idx].offset < alloc.Offset {
		idx++
	}

	if idx < len(a.freeList) && a.freeList[idx].offset < alloc.Offset+alloc.Size {
		a.logger.Warn("double free detected and ignored",
			"offset", alloc.Offset, "size", alloc.Size)
		return
	}
	if idx > 0 {
		prev := a.freeList[idx-1]
		if prev.offset+prev.size > alloc.Offset {
			a.logger.Warn("double free detected and ignored",
				"offset", alloc.Offset, "size", alloc.Size)
			return
		}
	}

	a.freeList = append(a.freeList, freeBlock{})
	copy(a.freeList[idx+1:], a.freeList[idx:])
	a.freeList[idx] = freeBlock{offset: alloc.Offset, size: alloc.Size}

	// Coalesce with the successor first so indices stay stable.
	if idx+1 < len(a.freeList) && a.freeList[idx].offset+a.freeList[idx].size == a.freeList[idx+1].offset {
		a.freeList[idx].size += a.freeList[idx+1].size
		a.freeList = append(a.freeList[:idx+1], a.freeList[idx+2:]...)
	}
	if idx > 0 && a.freeList[idx-1].offset+a.freeList[idx-1].size == a.freeList[idx].offset {
		a.freeList[idx-1].size += a.freeList[idx].size
		a.freeList = append(a.freeList[:idx], a.freeList[idx+1:]...)
	}
}

// Bytes returns the mapped memory for an allocation, or nil when the
// allocator is uninitialized or the range falls outside the region.
func (a *Allocator) Bytes(alloc Allocation) []byte {
	if !alloc.Valid() || !a.initialized.Load() {
		return nil
	}
	if alloc.Offset+alloc.Size > a.regionSize {
		return nil
	}
	return a.base[alloc.Offset : alloc.Offset+alloc.Size : alloc.Offset+alloc.Size]
}

// OffsetToPointer converts a region offset to a raw pointer. O(1) address
// arithmetic against the mapping base; nil when out of range.
func (a *Allocator) OffsetToPointer(offset uint64) unsafe.Pointer {
	if !a.initialized.Load() || offset >= a.regionSize {
		return nil
	}
	return unsafe.Pointer(&a.base[offset])
}

// PointerToOffset converts a pointer inside the mapping back to an offset.
// Returns 0 for pointers outside the region.
func (a *Allocator) PointerToOffset(p unsafe.Pointer) uint64 {
	if !a.initialized.Load() || p == nil {
		return 0
	}
	basePtr := uintptr(unsafe.Pointer(&a.base[0]))
	off := uintptr(p) - basePtr
	if off >= uintptr(a.regionSize) {
		return 0
	}
	return uint64(off)
}

// Stats returns a snapshot of the allocator state.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.initialized.Load() {
		return Stats{}
	}

	var free uint64
	for _, blk := range a.freeList {
		free += blk.size
	}
	return Stats{
		Total:          a.regionSize,
		Free:           free,
		Used:           a.regionSize - HeaderReserved - free,
		FreeBlockCount: len(a.freeList),
		IsInitialized:  true,
	}
}

// Close unmaps the region and closes the backing file. After Close every
// call behaves as uninitialized: Allocate returns an invalid allocation
// and never panics.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.initialized.Load() {
		return nil
	}
	a.initialized.Store(false)

	var first error
	if err := unmapFile(a.base); err != nil {
		first = fmt.Errorf("unmapping shared memory: %w", err)
	}
	if err := a.file.Close(); err != nil && first == nil {
		first = fmt.Errorf("closing shared memory file: %w", err)
	}
	a.base = nil
	a.file = nil
	a.freeList = nil
	a.regionSize = 0
	return first
}

func roundUp(n uint64) uint64 {
	return (n + Alignment - 1) &^ uint64(Alignment-1)
}
