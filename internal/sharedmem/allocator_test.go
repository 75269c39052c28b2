package sharedmem

import (
	"path/filepath"
	"testing"

	"github.com/winrun-dev/winrun/internal/config"
)

func newTestAllocator(t *testing.T, size int64) *Allocator {
	t.Helper()
	a := New(config.SharedMemoryConfig{
		Path:              filepath.Join(t.TempDir(), "framebuffer"),
		CreateIfNotExists: true,
		CreateSizeBytes:   size,
		MinimumSizeBytes:  size,
	}, nil)
	if err := a.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

// checkAccounting asserts free + used + header == region and that the
// free list is sorted with no touching neighbours.
func checkAccounting(t *testing.T, a *Allocator) {
	t.Helper()
	st := a.Stats()
	if st.Free+st.Used+HeaderReserved != st.Total {
		t.Errorf("accounting broken: free=%d used=%d header=%d total=%d",
			st.Free, st.Used, HeaderReserved, st.Total)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 1; i < len(a.freeList); i++ {
		prev, cur := a.freeList[i-1], a.freeList[i]
		if prev.offset+prev.size >= cur.offset {
			t.Errorf("free list not coalesced/sorted: %+v then %+v", prev, cur)
		}
	}
}

func TestInitialize(t *testing.T) {
	a := newTestAllocator(t, 1<<20)

	if !a.IsInitialized() {
		t.Fatal("allocator not initialized")
	}
	st := a.Stats()
	if st.Total != 1<<20 {
		t.Errorf("Total = %d, want %d", st.Total, 1<<20)
	}
	if st.Free != 1<<20-HeaderReserved {
		t.Errorf("Free = %d, want %d", st.Free, 1<<20-HeaderReserved)
	}
	if st.FreeBlockCount != 1 {
		t.Errorf("FreeBlockCount = %d, want 1", st.FreeBlockCount)
	}
}

func TestInitializeMissingFileWithoutCreate(t *testing.T) {
	a := New(config.SharedMemoryConfig{
		Path:              filepath.Join(t.TempDir(), "missing"),
		CreateIfNotExists: false,
		CreateSizeBytes:   1 << 20,
		MinimumSizeBytes:  1 << 20,
	}, nil)
	if err := a.Initialize(); err == nil {
		t.Fatal("Initialize succeeded without a backing file")
	}
	if a.IsInitialized() {
		t.Error("allocator claims initialized after failure")
	}
	if a.Allocate(64).Valid() {
		t.Error("Allocate succeeded on uninitialized allocator")
	}
}

func TestAllocateReusesFreedBlock(t *testing.T) {
	a := newTestAllocator(t, 1<<20)

	allocA := a.Allocate(1024)
	allocB := a.Allocate(1024)
	if !allocA.Valid() || !allocB.Valid() {
		t.Fatal("allocations failed")
	}
	if allocA.Offset == allocB.Offset {
		t.Fatalf("A and B share offset %d", allocA.Offset)
	}

	a.Free(allocA)
	allocC := a.Allocate(1024)
	if allocC.Offset != allocA.Offset {
		t.Errorf("C.Offset = %d, want reused %d", allocC.Offset, allocA.Offset)
	}
	checkAccounting(t, a)
}

func TestAllocateAlignment(t *testing.T) {
	a := newTestAllocator(t, 1<<20)

	for _, req := range []uint64{1, 15, 16, 17, 100, 4096} {
		alloc := a.Allocate(req)
		if !alloc.Valid() {
			t.Fatalf("Allocate(%d) failed", req)
		}
		if alloc.Offset%Alignment != 0 {
			t.Errorf("Allocate(%d) offset %d not %d-aligned", req, alloc.Offset, Alignment)
		}
		if alloc.Size < req || alloc.Size%Alignment != 0 {
			t.Errorf("Allocate(%d) size %d not rounded", req, alloc.Size)
		}
	}
	checkAccounting(t, a)
}

func TestFreeCoalescing(t *testing.T) {
	a := newTestAllocator(t, 1<<20)

	blocks := make([]Allocation, 5)
	for i := range blocks {
		blocks[i] = a.Allocate(4096)
		if !blocks[i].Valid() {
			t.Fatalf("allocation %d failed", i)
		}
	}

	// Free out of order: middle, then its neighbours, then the rest.
	for _, i := range []int{2, 1, 3, 0, 4} {
		a.Free(blocks[i])
		checkAccounting(t, a)
	}

	st := a.Stats()
	if st.FreeBlockCount != 1 {
		t.Errorf("FreeBlockCount = %d after freeing everything, want 1", st.FreeBlockCount)
	}
	if st.Used != 0 {
		t.Errorf("Used = %d after freeing everything, want 0", st.Used)
	}
}

func TestDoubleFreeIgnored(t *testing.T) {
	a := newTestAllocator(t, 1<<20)

	alloc := a.Allocate(1024)
	a.Free(alloc)
	before := a.Stats()

	a.Free(alloc) // double free: logged, ignored
	after := a.Stats()

	if before != after {
		t.Errorf("double free changed stats: %+v -> %+v", before, after)
	}
}

func TestFreeOutsideHeapIgnored(t *testing.T) {
	a := newTestAllocator(t, 1<<20)
	before := a.Stats()

	a.Free(Allocation{Offset: 8, Size: 16})                   // inside the header
	a.Free(Allocation{Offset: 1<<20 - 8, Size: 64})           // past the end
	a.Free(Allocation{Offset: 1 << 30, Size: 1024})           // way out
	if after := a.Stats(); before != after {
		t.Errorf("out-of-range free changed stats: %+v -> %+v", before, after)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	a := newTestAllocator(t, 1<<20)

	big := a.Allocate(1<<20 - HeaderReserved)
	if !big.Valid() {
		t.Fatal("full-heap allocation failed")
	}
	if a.Allocate(16).Valid() {
		t.Error("allocation succeeded on exhausted heap")
	}
	a.Free(big)
	if !a.Allocate(16).Valid() {
		t.Error("allocation failed after heap was released")
	}
}

func TestAllocateZeroSize(t *testing.T) {
	a := newTestAllocator(t, 1<<20)
	if a.Allocate(0).Valid() {
		t.Error("Allocate(0) returned a valid allocation")
	}
}

func TestBytesReadWrite(t *testing.T) {
	a := newTestAllocator(t, 1<<20)

	alloc := a.Allocate(256)
	buf := a.Bytes(alloc)
	if buf == nil {
		t.Fatal("Bytes returned nil for a live allocation")
	}
	if uint64(len(buf)) != alloc.Size {
		t.Fatalf("len(Bytes) = %d, want %d", len(buf), alloc.Size)
	}
	for i := range buf {
		buf[i] = byte(i)
	}
	again := a.Bytes(alloc)
	for i := range again {
		if again[i] != byte(i) {
			t.Fatalf("byte %d = %d, want %d", i, again[i], byte(i))
		}
	}
}

func TestOffsetPointerRoundtrip(t *testing.T) {
	a := newTestAllocator(t, 1<<20)

	alloc := a.Allocate(64)
	p := a.OffsetToPointer(alloc.Offset)
	if p == nil {
		t.Fatal("OffsetToPointer returned nil")
	}
	if got := a.PointerToOffset(p); got != alloc.Offset {
		t.Errorf("PointerToOffset = %d, want %d", got, alloc.Offset)
	}
	if a.OffsetToPointer(1<<20+1) != nil {
		t.Error("OffsetToPointer accepted out-of-range offset")
	}
}

func TestCloseBehaviour(t *testing.T) {
	a := newTestAllocator(t, 1<<20)

	alloc := a.Allocate(1024)
	if !alloc.Valid() {
		t.Fatal("allocation failed")
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Post-close calls return invalid results, never panic.
	if a.Allocate(64).Valid() {
		t.Error("Allocate succeeded after Close")
	}
	a.Free(alloc)
	if a.Bytes(alloc) != nil {
		t.Error("Bytes returned memory after Close")
	}
	if st := a.Stats(); st.IsInitialized {
		t.Error("Stats reports initialized after Close")
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestManyAllocFreeCycles(t *testing.T) {
	a := newTestAllocator(t, 4<<20)

	live := make([]Allocation, 0, 64)
	for round := 0; round < 50; round++ {
		for i := 0; i < 8; i++ {
			alloc := a.Allocate(uint64(512 * (i + 1)))
			if alloc.Valid() {
				live = append(live, alloc)
			}
		}
		// Free every other allocation to fragment the heap.
		kept := live[:0]
		for i, alloc := range live {
			if i%2 == 0 {
				a.Free(alloc)
			} else {
				kept = append(kept, alloc)
			}
		}
		live = kept
		checkAccounting(t, a)
	}
	for _, alloc := range live {
		a.Free(alloc)
	}
	checkAccounting(t, a)
	if st := a.Stats(); st.Used != 0 {
		t.Errorf("Used = %d after freeing all, want 0", st.Used)
	}
}
