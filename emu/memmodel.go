package emu

// Memory hierarchy model: per-engine L1 scratchpads and a shared L2, each LRU-tracked with
// hit/miss counters. The staged copies exist for accounting and eviction behavior only; the
// matmul kernels keep reading the arena directly, so the model can never corrupt results.

// blockKey identifies a staged block by its origin buffer and byte offset.
type blockKey struct {
	handle uint64
	offset uint64
}

// memBlock tracks one resident block in a tier.
type memBlock struct {
	handle      uint64
	offset      uint64
	size        uint64
	localOffset uint64 // offset within the tier's storage
	lastAccess  uint64 // monotonic counter for LRU
	dirty       bool
}

// memTier is a bounded block store with bump allocation; eviction walks the LRU list instead
// of maintaining a free list.
type memTier struct {
	capacity uint64
	used     uint64
	storage  []byte
	blocks   map[blockKey]*memBlock
}

func newMemTier(capacity uint64) memTier {
	return memTier{
		capacity: capacity,
		storage:  make([]byte, capacity),
		blocks:   make(map[blockKey]*memBlock),
	}
}

func (t *memTier) canFit(size uint64) bool { return t.used+size <= t.capacity }

// evictLRU removes least-recently-used blocks until size fits (or the tier is empty).
func (t *memTier) evictLRU(size uint64) {
	for len(t.blocks) > 0 && !t.canFit(size) {
		var lruKey blockKey
		var lru *memBlock
		for key, block := range t.blocks {
			if lru == nil || block.lastAccess < lru.lastAccess {
				lruKey, lru = key, block
			}
		}
		t.used -= lru.size
		delete(t.blocks, lruKey)
	}
}

// alloc bump-allocates within the tier storage.
func (t *memTier) alloc(size uint64) uint64 {
	offset := t.used
	t.used += size
	return offset
}

func (t *memTier) clear() {
	t.used = 0
	clear(t.blocks)
}

// Hierarchy models the two on-chip cache levels in front of external DDR (the shared arena).
type Hierarchy struct {
	numEngines int
	l1Size     uint64
	l2Size     uint64

	l1 []memTier
	l2 memTier

	accessCounter uint64

	l1Hits          uint64
	l1Misses        uint64
	l2Hits          uint64
	l2Misses        uint64
	totalBytesMoved uint64
}

// NewHierarchy builds the model: one L1 tier per engine plus the shared L2.
func NewHierarchy(numEngines int, l1SizePerEngine, l2Size uint64) *Hierarchy {
	h := &Hierarchy{
		numEngines: numEngines,
		l1Size:     l1SizePerEngine,
		l2Size:     l2Size,
		l1:         make([]memTier, numEngines),
		l2:         newMemTier(l2Size),
	}
	for i := range h.l1 {
		h.l1[i] = newMemTier(l1SizePerEngine)
	}
	return h
}

// NumEngines returns the number of modeled engines.
func (h *Hierarchy) NumEngines() int { return h.numEngines }

// L1Size returns the per-engine L1 capacity.
func (h *Hierarchy) L1Size() uint64 { return h.l1Size }

// L2Size returns the shared L2 capacity.
func (h *Hierarchy) L2Size() uint64 { return h.l2Size }

// StageToL2 brings a block into L2 from DDR. On a hit it bumps the access time and returns the
// resident copy; on a miss it evicts LRU blocks as needed, copies ddr into L2 storage, and
// records the block. ddr must hold exactly the block's bytes.
func (h *Hierarchy) StageToL2(handle, offset uint64, ddr []byte) []byte {
	key := blockKey{handle, offset}
	size := uint64(len(ddr))

	if block, found := h.l2.blocks[key]; found {
		h.l2Hits++
		h.accessCounter++
		block.lastAccess = h.accessCounter
		return h.l2.storage[block.localOffset : block.localOffset+block.size]
	}

	h.l2Misses++
	if !h.l2.canFit(size) {
		h.l2.evictLRU(size)
	}
	localOffset := h.l2.alloc(size)
	copy(h.l2.storage[localOffset:localOffset+size], ddr)
	h.totalBytesMoved += size

	h.accessCounter++
	h.l2.blocks[key] = &memBlock{
		handle:      handle,
		offset:      offset,
		size:        size,
		localOffset: localOffset,
		lastAccess:  h.accessCounter,
	}
	return h.l2.storage[localOffset : localOffset+size]
}

// StageToL1 promotes a block from L2 into an engine's L1. The block must already be resident
// in L2; staging an absent block returns nil.
func (h *Hierarchy) StageToL1(engine int, handle, offset, size uint64) []byte {
	if engine < 0 || engine >= h.numEngines {
		return nil
	}
	l1 := &h.l1[engine]
	key := blockKey{handle, offset}

	if block, found := l1.blocks[key]; found {
		h.l1Hits++
		h.accessCounter++
		block.lastAccess = h.accessCounter
		return l1.storage[block.localOffset : block.localOffset+block.size]
	}

	h.l1Misses++
	l2Block, found := h.l2.blocks[key]
	if !found {
		return nil
	}

	if !l1.canFit(size) {
		l1.evictLRU(size)
	}
	localOffset := l1.alloc(size)
	copy(l1.storage[localOffset:localOffset+size],
		h.l2.storage[l2Block.localOffset:l2Block.localOffset+size])
	h.totalBytesMoved += size

	h.accessCounter++
	l1.blocks[key] = &memBlock{
		handle:      handle,
		offset:      offset,
		size:        size,
		localOffset: localOffset,
		lastAccess:  h.accessCounter,
	}
	return l1.storage[localOffset : localOffset+size]
}

// MarkDirty flags an L1 block as modified.
func (h *Hierarchy) MarkDirty(engine int, handle, offset uint64) {
	if engine < 0 || engine >= h.numEngines {
		return
	}
	if block, found := h.l1[engine].blocks[blockKey{handle, offset}]; found {
		block.dirty = true
	}
}

// WritebackL1ToL2 copies a dirty L1 block down to its L2 twin and transfers the dirty bit.
func (h *Hierarchy) WritebackL1ToL2(engine int, handle, offset uint64) {
	if engine < 0 || engine >= h.numEngines {
		return
	}
	key := blockKey{handle, offset}
	l1Block, found := h.l1[engine].blocks[key]
	if !found || !l1Block.dirty {
		return
	}
	l2Block, found := h.l2.blocks[key]
	if !found {
		return
	}
	copy(h.l2.storage[l2Block.localOffset:l2Block.localOffset+l1Block.size],
		h.l1[engine].storage[l1Block.localOffset:l1Block.localOffset+l1Block.size])
	h.totalBytesMoved += l1Block.size
	l1Block.dirty = false
	l2Block.dirty = true
}

// WritebackL2ToDDR copies a dirty L2 block back into its DDR bytes and clears the dirty bit.
func (h *Hierarchy) WritebackL2ToDDR(handle, offset uint64, ddr []byte) {
	l2Block, found := h.l2.blocks[blockKey{handle, offset}]
	if !found || !l2Block.dirty {
		return
	}
	copy(ddr, h.l2.storage[l2Block.localOffset:l2Block.localOffset+l2Block.size])
	h.totalBytesMoved += l2Block.size
	l2Block.dirty = false
}

// FlushAll writes every dirty block back to DDR. The resolve callback maps a block back to its
// DDR bytes; it may return nil for buffers that no longer exist.
func (h *Hierarchy) FlushAll(resolve func(handle, offset, size uint64) []byte) {
	for engine := range h.l1 {
		for key, block := range h.l1[engine].blocks {
			if block.dirty {
				h.WritebackL1ToL2(engine, key.handle, key.offset)
			}
		}
	}
	for key, block := range h.l2.blocks {
		if !block.dirty {
			continue
		}
		if ddr := resolve(key.handle, key.offset, block.size); ddr != nil {
			h.WritebackL2ToDDR(key.handle, key.offset, ddr)
		}
	}
}

// Reset clears all tiers and zeroes every counter. The server calls this at the start of each
// tiled matmul so hit/miss statistics are per-kernel.
func (h *Hierarchy) Reset() {
	for i := range h.l1 {
		h.l1[i].clear()
	}
	h.l2.clear()
	h.accessCounter = 0
	h.l1Hits = 0
	h.l1Misses = 0
	h.l2Hits = 0
	h.l2Misses = 0
	h.totalBytesMoved = 0
}

// L1Hits returns the L1 hit count since the last reset.
func (h *Hierarchy) L1Hits() uint64 { return h.l1Hits }

// L1Misses returns the L1 miss count since the last reset.
func (h *Hierarchy) L1Misses() uint64 { return h.l1Misses }

// L2Hits returns the L2 hit count since the last reset.
func (h *Hierarchy) L2Hits() uint64 { return h.l2Hits }

// L2Misses returns the L2 miss count since the last reset.
func (h *Hierarchy) L2Misses() uint64 { return h.l2Misses }

// TotalBytesMoved returns the bytes copied between tiers since the last reset.
func (h *Hierarchy) TotalBytesMoved() uint64 { return h.totalBytesMoved }
