// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package chunkengine implements the small-allocation path: fixed-size
// chunk pages carved into power-of-linear-log-class
// slots, tracked by a per-page bitmap, with optional canary bytes and
// junk-fill poisoning. It is a direct generalization of the reference
// allocator's omalloc_make_chunks/alloc_chunk_info/find_chunknum family
// (see DESIGN.md), adapted to hold its own ChunkInfo metadata as
// ordinary Go-managed values rather than bump-allocated from a
// dedicated metadata arena, since Go already gives every allocator
// instance its own GC-managed heap for bookkeeping.
package chunkengine

import (
	"errors"
	"fmt"
	"math/bits"
	"os"
	"unsafe"

	"github.com/JonathanDLee24/gomalloc/internal/gmconst"
	"github.com/JonathanDLee24/gomalloc/internal/pagecache"
	"github.com/JonathanDLee24/gomalloc/internal/pageprovider"
	"github.com/JonathanDLee24/gomalloc/internal/prng"
	"github.com/JonathanDLee24/gomalloc/internal/regiondir"
)

// ErrDoubleFree is returned by Free when the address's slot is already
// marked free; the pool escalates this to a fatal abort rather than
// returning it to the caller (the other half of double-free detection
// lives in the pool's delayed-free ring).
var ErrDoubleFree = errors.New("chunkengine: double free")

// ErrNotFound names an address that is not a live chunk allocation in
// this engine's region directory. No function in this package returns
// it: Free takes a directory entry its caller has already looked up.
var ErrNotFound = errors.New("chunkengine: address not found")

// ChunkInfo is the metadata for one chunk page: which slots are free,
// what each occupied slot was actually asked to hold (needed for canary
// placement and accurate stats, since many requested sizes share one
// bucket), and this page's per-page canary byte.
type ChunkInfo struct {
	bucket    int
	page      uintptr
	allocSize int
	numChunks int
	free      int
	bitmap    []uint64 // bit set = slot free
	requested []uint32
	canary    byte
	list      int
	pos       int
}

// Engine owns one pool's chunk pages across every bucket.
type Engine struct {
	provider     *pageprovider.Provider
	cache        *pagecache.Cache
	dir          *regiondir.Directory
	rng          *prng.Source
	pageSize     int
	minSize      int
	canaries     bool
	junkLevel    int
	cacheEnabled bool
	lists        [][gmconst.ChunkLists][]*ChunkInfo
}

// New builds an Engine for buckets+1 buckets. Bucket 0 serves
// zero-length requests from their own chunk pages, mapped with no
// access rights at all so any dereference of a malloc(0) result faults
// immediately.
func New(p *pageprovider.Provider, cache *pagecache.Cache, dir *regiondir.Directory, rng *prng.Source, layout gmconst.Layout, canaries bool, junkLevel int, cacheEnabled bool) *Engine {
	return &Engine{
		provider:     p,
		cache:        cache,
		dir:          dir,
		rng:          rng,
		pageSize:     layout.PageSize,
		minSize:      gmconst.MinSize,
		canaries:     canaries,
		junkLevel:    junkLevel,
		cacheEnabled: cacheEnabled,
		lists:        make([][gmconst.ChunkLists][]*ChunkInfo, layout.Buckets+2),
	}
}

// Bucket returns the chunk bucket a size-byte request would use, for
// callers (the pool dispatcher) deciding between this engine and the
// large-allocation path.
func (e *Engine) Bucket(size int) int {
	return BucketOf(size, e.minSize, e.cacheEnabled)
}

// Allocate returns a fresh chunk of exactly the bucket's class size for
// a size-byte request, along with that class size. A zero-byte request
// lands on a PROT_NONE page: the returned address is real and distinct
// across calls, but touching it faults.
func (e *Engine) Allocate(size int) (uintptr, int, error) {
	bucket := e.Bucket(size)
	ci, err := e.pageFor(bucket)
	if err != nil {
		return 0, 0, err
	}
	slot := ci.takeFreeSlot(e.rng)
	addr := ci.page + uintptr(slot*ci.allocSize)
	ci.requested[slot] = uint32(size)
	if bucket != 0 {
		if e.junkLevel > 0 {
			junkFillRange(addr, ci.allocSize, gmconst.JunkAfterAlloc, e.junkLevel)
		}
		if e.canaries {
			fillCanary(addr, size, ci.allocSize, ci.canary)
		}
	}
	e.relist(bucket, ci)
	return addr, ci.allocSize, nil
}

// Free releases the chunk at addr. It is the caller's job (the pool) to
// have already confirmed via the region directory that addr is chunk-
// engine territory; Free re-derives the owning ChunkInfo from the same
// lookup so the bucket/slot arithmetic lives in one place.
func (e *Engine) Free(dirEntry regiondir.Entry, addr uintptr) error {
	ci := (*ChunkInfo)(unsafe.Pointer(uintptr(dirEntry.Size)))
	slot := int((addr - ci.page) / uintptr(ci.allocSize))
	word, bit := slot/64, uint(slot%64)
	if ci.bitmap[word]&(1<<bit) != 0 {
		return ErrDoubleFree
	}
	if ci.bucket != 0 {
		if e.canaries {
			validateCanary(addr, ci.requested[slot], ci.allocSize, ci.canary)
		}
		if e.junkLevel > 0 {
			junkFillRange(addr, ci.allocSize, gmconst.JunkBeforeFree, e.junkLevel)
		}
	}
	ci.bitmap[word] |= 1 << bit
	ci.requested[slot] = 0
	ci.free++
	bucket := ci.bucket
	if ci.free == ci.numChunks {
		e.removeFromList(bucket, ci)
		e.dir.Delete(ci.page)
		if bucket == 0 {
			e.provider.Unmap(ci.page, 1)
		} else {
			e.cache.Release(ci.page, 1, 0)
		}
		return nil
	}
	e.relist(bucket, ci)
	return nil
}

// AllocateBucket is like Allocate but forces a specific bucket, used by
// aligned_alloc/posix_memalign to pick a bucket whose stride is a
// multiple of the requested alignment instead of the smallest bucket
// that merely fits size.
func (e *Engine) AllocateBucket(bucket int, requested int) (uintptr, int, error) {
	ci, err := e.pageFor(bucket)
	if err != nil {
		return 0, 0, err
	}
	slot := ci.takeFreeSlot(e.rng)
	addr := ci.page + uintptr(slot*ci.allocSize)
	ci.requested[slot] = uint32(requested)
	if bucket != 0 {
		if e.junkLevel > 0 {
			junkFillRange(addr, ci.allocSize, gmconst.JunkAfterAlloc, e.junkLevel)
		}
		if e.canaries {
			fillCanary(addr, requested, ci.allocSize, ci.canary)
		}
	}
	e.relist(bucket, ci)
	return addr, ci.allocSize, nil
}

// SetRequestedSize updates the bookkeeping for the originally-requested
// size without moving or resizing the underlying slot, used by realloc
// when a new size maps to the same bucket as the old one.
func (e *Engine) SetRequestedSize(dirEntry regiondir.Entry, addr uintptr, size int) {
	ci := (*ChunkInfo)(unsafe.Pointer(uintptr(dirEntry.Size)))
	slot := int((addr - ci.page) / uintptr(ci.allocSize))
	ci.requested[slot] = uint32(size)
}

// RequestedSize returns the size originally asked for at addr, used by
// realloc to decide whether a bucket change is actually needed.
func (e *Engine) RequestedSize(dirEntry regiondir.Entry, addr uintptr) int {
	ci := (*ChunkInfo)(unsafe.Pointer(uintptr(dirEntry.Size)))
	slot := int((addr - ci.page) / uintptr(ci.allocSize))
	return int(ci.requested[slot])
}

// AllocSize returns the bucket's class size for an existing chunk at
// addr, the usable capacity realloc-in-place can grow into for free.
func (e *Engine) AllocSize(dirEntry regiondir.Entry) int {
	ci := (*ChunkInfo)(unsafe.Pointer(uintptr(dirEntry.Size)))
	return ci.allocSize
}

func (ci *ChunkInfo) takeFreeSlot(rng *prng.Source) int {
	start := int(rng.Uniform(uint32(len(ci.bitmap))))
	for i := 0; i < len(ci.bitmap); i++ {
		w := (start + i) % len(ci.bitmap)
		if ci.bitmap[w] == 0 {
			continue
		}
		bit := bits.TrailingZeros64(ci.bitmap[w])
		ci.bitmap[w] &^= 1 << uint(bit)
		ci.free--
		return w*64 + bit
	}
	panic("chunkengine: takeFreeSlot called on a full page")
}

func (ci *ChunkInfo) listIndex() int {
	if ci.numChunks == 0 {
		return 0
	}
	idx := ci.free * gmconst.ChunkLists / ci.numChunks
	if idx >= gmconst.ChunkLists {
		idx = gmconst.ChunkLists - 1
	}
	return idx
}

// pageFor returns a ChunkInfo for bucket with at least one free slot,
// preferring the fullest nonempty list first so chunk pages tend toward
// either full or empty rather than uniformly half-used: keeping pages
// maximally full or maximally empty makes the empty ones reclaimable
// sooner.
func (e *Engine) pageFor(bucket int) (*ChunkInfo, error) {
	for listIdx := 0; listIdx < gmconst.ChunkLists; listIdx++ {
		pages := e.lists[bucket][listIdx]
		if len(pages) == 0 {
			continue
		}
		i := int(e.rng.Uniform(uint32(len(pages))))
		return pages[i], nil
	}
	return e.newPage(bucket)
}

func (e *Engine) newPage(bucket int) (*ChunkInfo, error) {
	allocSize := gmconst.B2Alloc(bucket)
	var addr uintptr
	var err error
	if bucket == 0 {
		addr, err = e.provider.MapNone(1, 0)
	} else {
		addr, err = e.cache.Acquire(1, false)
	}
	if err != nil {
		return nil, err
	}
	numChunks := e.pageSize / allocSize
	words := (numChunks + 63) / 64
	ci := &ChunkInfo{
		bucket:    bucket,
		page:      addr,
		allocSize: allocSize,
		numChunks: numChunks,
		free:      numChunks,
		bitmap:    make([]uint64, words),
		requested: make([]uint32, numChunks),
		canary:    byte(e.rng.U32()),
	}
	for i := 0; i < numChunks; i++ {
		ci.bitmap[i/64] |= 1 << uint(i%64)
	}
	if err := e.dir.Insert(ci.page, regiondir.Kind(bucket+1), uintptr(unsafe.Pointer(ci)), 0); err != nil {
		if bucket == 0 {
			e.provider.Unmap(addr, 1)
		} else {
			e.cache.Release(addr, 1, 0)
		}
		return nil, err
	}
	e.relist(bucket, ci)
	return ci, nil
}

func (e *Engine) relist(bucket int, ci *ChunkInfo) {
	e.removeFromList(bucket, ci)
	idx := ci.listIndex()
	ci.list = idx
	ci.pos = len(e.lists[bucket][idx])
	e.lists[bucket][idx] = append(e.lists[bucket][idx], ci)
}

func (e *Engine) removeFromList(bucket int, ci *ChunkInfo) {
	list := e.lists[bucket][ci.list]
	if ci.pos >= len(list) || list[ci.pos] != ci {
		return // never inserted yet
	}
	last := len(list) - 1
	list[ci.pos] = list[last]
	list[ci.pos].pos = ci.pos
	e.lists[bucket][ci.list] = list[:last]
}

func mem(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

func junkFillRange(addr uintptr, allocSize int, pattern byte, junkLevel int) {
	buf := mem(addr, allocSize)
	if junkLevel >= 2 {
		for i := range buf {
			buf[i] = pattern
		}
		return
	}
	n := gmconst.ChunkCheckLength
	if n > len(buf) {
		n = len(buf)
	}
	for i := 0; i < n; i++ {
		buf[i] = pattern
	}
}

func fillCanary(addr uintptr, requested, allocSize int, canary byte) {
	if requested >= allocSize {
		return
	}
	checkSz := allocSize - requested
	if checkSz > gmconst.ChunkCheckLength {
		checkSz = gmconst.ChunkCheckLength
	}
	buf := mem(addr+uintptr(requested), checkSz)
	for i := range buf {
		buf[i] = canary
	}
}

func validateCanary(addr uintptr, requested, allocSize int, canary byte) {
	if requested >= allocSize {
		return
	}
	checkSz := allocSize - requested
	if checkSz > gmconst.ChunkCheckLength {
		checkSz = gmconst.ChunkCheckLength
	}
	buf := mem(addr+uintptr(requested), checkSz)
	for i, b := range buf {
		if b != canary {
			fatalCanary(requested + i)
		}
	}
}

// fatalCanary reports chunk canary corruption (a write past the
// requested size) and aborts the process; like a failed region-
// directory lookup, there is no safe way to return an error here
// without risking the caller treating corrupted heap state as valid.
func fatalCanary(offset int) {
	fmt.Fprintf(os.Stderr, "gomalloc: chunk canary corrupted at offset %d\n", offset)
	os.Exit(2)
}
