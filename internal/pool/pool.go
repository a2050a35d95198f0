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

// Package pool implements one allocation pool: a chunk engine, a
// large-allocation engine, and a page cache sharing one region
// directory, all behind a single mutex, plus the process-canary pair,
// recursion trap, and delayed-free quarantine ring that make the
// allocator tolerant of heap corruption attempts rather than merely
// correct under well-behaved callers. Grounded on the reference
// allocator's dir_info/PROLOGUE/EPILOGUE/ofree (see DESIGN.md).
package pool

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"unsafe"

	"github.com/JonathanDLee24/gomalloc/internal/chunkengine"
	"github.com/JonathanDLee24/gomalloc/internal/gmconst"
	"github.com/JonathanDLee24/gomalloc/internal/largealloc"
	"github.com/JonathanDLee24/gomalloc/internal/mallopts"
	"github.com/JonathanDLee24/gomalloc/internal/pagecache"
	"github.com/JonathanDLee24/gomalloc/internal/pageprovider"
	"github.com/JonathanDLee24/gomalloc/internal/prng"
	"github.com/JonathanDLee24/gomalloc/internal/regiondir"
)

var (
	// ErrInvalidAlignment is returned by AlignedAlloc for a non-power-
	// of-two alignment.
	ErrInvalidAlignment = errors.New("pool: alignment must be a power of two")
	// ErrUnsupportedAlignment is returned when alignment is so large
	// that even the over-allocate-and-trim path would overflow address
	// arithmetic.
	ErrUnsupportedAlignment = errors.New("pool: alignment too large to satisfy")
)

// Pool is one shard of the allocator. The zero value is not usable;
// build one with New.
type Pool struct {
	mu       sync.Mutex
	id       int
	provider *pageprovider.Provider
	dir      *regiondir.Directory
	cache    *pagecache.Cache
	chunks   *chunkengine.Engine
	large    *largealloc.Engine
	rng      *prng.Source
	opts     mallopts.Options
	layout   gmconst.Layout

	canary1, canary2 uint64
	active           int
	delayed          [gmconst.DelayMask + 1]uintptr

	inserts, deletes, cheapReallocTries uint64
}

// Stats is a read-only snapshot of one pool's lifetime bookkeeping
// counters, the condensed replacement for the reference allocator's
// malloc_dump/dump_leaks machinery: the dump path is an optional
// observer here too, so this is a snapshot struct rather than a
// signal-driven dump.
type Stats struct {
	Inserts           uint64
	Deletes           uint64
	CheapReallocTries uint64
}

// Stats returns a snapshot of this pool's counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Inserts: p.inserts, Deletes: p.deletes, CheapReallocTries: p.cheapReallocTries}
}

// recursionHook, when set by SetRecursionHookForTest, runs on every
// pool's enter() prologue after the canary check. It exists so tests
// can force the recursion trap deterministically instead of racing two
// real goroutines against the mutex.
var recursionHook func()

// SetRecursionHookForTest installs a hook invoked on every enter() call
// across all pools, letting a test simulate a reentrant call into the
// allocator from within the allocator itself. Pass nil to clear it.
func SetRecursionHookForTest(hook func()) {
	recursionHook = hook
}

// New builds pool number id. concealed pools get no big-cache capacity
// and request FlagConceal mappings from the page provider, keeping
// their contents out of core dumps.
func New(id int, p *pageprovider.Provider, opts mallopts.Options, processCanary uint64, concealed bool) *Pool {
	layout := gmconst.NewLayout(p.PageSize())
	rng := prng.New()

	var flags pageprovider.Flags
	bigCapacity := gmconst.MaxBigCacheEntries
	if concealed {
		flags = pageprovider.FlagConceal
		bigCapacity = 0
	}
	cache := pagecache.New(p, rng, flags, opts.CacheMax, bigCapacity, opts.JunkLevel, opts.FreeUnmap)
	dir := regiondir.New(layout.PageBits, seed64(rng), seed64(rng))

	pl := &Pool{
		id:       id,
		provider: p,
		dir:      dir,
		cache:    cache,
		rng:      rng,
		opts:     opts,
		layout:   layout,
	}
	pl.canary1 = processCanary ^ uint64(uintptr(unsafe.Pointer(pl)))
	pl.canary2 = ^pl.canary1

	canaryByte := byte(rng.U32())
	pl.chunks = chunkengine.New(p, cache, dir, rng, layout, opts.ChunkCanaries, opts.JunkLevel, opts.CacheMax != 0)
	pl.large = largealloc.New(cache, p, dir, layout.PageSize, opts.Guard, opts.JunkLevel, opts.ChunkCanaries, canaryByte)
	return pl
}

func (p *Pool) checkCanary() {
	if p.canary1 != ^p.canary2 {
		p.fatal("heap corruption detected: pool canary mismatch")
	}
}

func (p *Pool) fatal(msg string) {
	fmt.Fprintf(os.Stderr, "gomalloc: %s\n", msg)
	os.Exit(2)
}

// enter implements the PROLOGUE half of every public entry point: verify
// the canary pair, trip the recursion trap, and return the matching
// exit function. A pool whose allocator-internal code itself tries to
// allocate (a bug, since every internal allocation here is plain Go
// memory) aborts instead of deadlocking or corrupting state.
func (p *Pool) enter() func() {
	p.mu.Lock()
	p.checkCanary()
	if recursionHook != nil {
		recursionHook()
	}
	if p.active != 0 {
		p.fatal("recursive call into pool from within the allocator")
	}
	p.active++
	return func() {
		p.active--
		p.mu.Unlock()
	}
}

// Malloc allocates size bytes, optionally zero-filled, and returns the
// address and its usable size: the chunk's class size for a chunk
// allocation, the requested size for a large one.
func (p *Pool) Malloc(size int, zeroFill bool) (uintptr, int, error) {
	exit := p.enter()
	defer exit()
	return p.allocateLocked(size, zeroFill)
}

func (p *Pool) allocateLocked(size int, zeroFill bool) (uintptr, int, error) {
	if size > p.layout.MaxChunk {
		addr, allocSize, err := p.large.Allocate(size, zeroFill)
		if err == nil {
			p.inserts++
		}
		return addr, allocSize, err
	}
	addr, allocSize, err := p.chunks.Allocate(size)
	if err != nil {
		return 0, 0, err
	}
	p.inserts++
	if zeroFill {
		zeroRange(addr, size)
	}
	return addr, allocSize, nil
}

// Free releases addr through the delayed-free quarantine ring: the
// newly-freed pointer takes a random ring slot and whatever pointer
// previously held that slot is actually released now. This bounds how
// quickly a freed chunk can be reused without bounding it to zero,
// matching the reference allocator's delayed-free mechanism rather than
// attempting the much more expensive "never reuse freed memory"
// guarantee.
func (p *Pool) Free(addr uintptr) error {
	exit := p.enter()
	defer exit()
	return p.freeLocked(addr)
}

func (p *Pool) freeLocked(addr uintptr) error {
	if addr == 0 {
		return nil
	}
	if p.opts.FreeCheck {
		for _, d := range p.delayed {
			if d == addr {
				p.fatal("double free")
			}
		}
	}
	idx := int(p.rng.Uniform(gmconst.DelayMask + 1))
	evict := p.delayed[idx]
	p.delayed[idx] = addr
	if evict == 0 {
		return nil
	}
	return p.reallyFree(evict)
}

// Owns reports whether addr was allocated from this pool, letting a
// pool-sharding dispatcher route Free/Realloc calls to the pool that
// actually owns the pointer regardless of which pool the calling
// goroutine would otherwise prefer (see the poolset package).
func (p *Pool) Owns(addr uintptr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.dir.Find(addr)
	return ok
}

func (p *Pool) reallyFree(addr uintptr) error {
	entry, ok := p.dir.Find(addr)
	if !ok {
		p.fatal("free: invalid pointer (not owned by this pool)")
	}
	if entry.Kind == regiondir.KindLarge {
		err := p.large.Free(entry, addr)
		if err == nil {
			p.deletes++
		}
		return err
	}
	err := p.chunks.Free(entry, addr)
	if errors.Is(err, chunkengine.ErrDoubleFree) {
		p.fatal("double free")
	}
	if err == nil {
		p.deletes++
	}
	return err
}

// Freezero releases addr after zeroing its first n bytes, bypassing the
// quarantine ring for the zeroing step but not for the actual release:
// the caller's sensitive data is wiped immediately even though
// reclamation is still delayed.
func (p *Pool) Freezero(addr uintptr, n int) error {
	exit := p.enter()
	defer exit()
	if addr != 0 && n > 0 {
		zeroRange(addr, n)
	}
	return p.freeLocked(addr)
}

// Realloc resizes the allocation at addr to newSize, reusing it in place
// when the new size maps to the same size class and copying to a fresh
// allocation otherwise.
func (p *Pool) Realloc(addr uintptr, newSize int) (uintptr, int, error) {
	exit := p.enter()
	defer exit()
	if addr == 0 {
		return p.allocateLocked(newSize, false)
	}
	if newSize == 0 {
		if err := p.freeLocked(addr); err != nil {
			return 0, 0, err
		}
		return 0, 0, nil
	}
	entry, ok := p.dir.Find(addr)
	if !ok {
		p.fatal("realloc: invalid pointer")
	}

	if entry.Kind == regiondir.KindLarge {
		return p.reallocLarge(entry, addr, newSize)
	}
	return p.reallocChunk(entry, addr, newSize)
}

func (p *Pool) reallocChunk(entry regiondir.Entry, addr uintptr, newSize int) (uintptr, int, error) {
	curBucket := int(entry.Kind) - 1
	oldReq := p.chunks.RequestedSize(entry, addr)
	if newSize <= p.layout.MaxChunk {
		newBucket := p.chunks.Bucket(newSize)
		p.cheapReallocTries++
		if !p.opts.AlwaysRealloc && newBucket == curBucket {
			p.chunks.SetRequestedSize(entry, addr, newSize)
			return addr, p.chunks.AllocSize(entry), nil
		}
	}
	newAddr, newAllocSize, err := p.allocateLocked(newSize, false)
	if err != nil {
		return 0, 0, err
	}
	copyLen := oldReq
	if newSize < copyLen {
		copyLen = newSize
	}
	copyRange(newAddr, addr, copyLen)
	if err := p.freeLocked(addr); err != nil {
		return 0, 0, err
	}
	return newAddr, newAllocSize, nil
}

func (p *Pool) reallocLarge(entry regiondir.Entry, addr uintptr, newSize int) (uintptr, int, error) {
	oldReq := p.large.RequestedSize(entry)
	oldClass := p.large.ClassSize(entry)
	room := oldClass - int(addr-entry.Page)
	newClass := gmconst.PageRound(newSize, p.layout.PageSize)
	p.cheapReallocTries++
	if !p.opts.AlwaysRealloc && newSize > p.layout.MaxChunk && newSize <= room && newClass == gmconst.PageRound(oldClass, p.layout.PageSize) {
		p.large.UpdateRequestedSize(addr, newSize)
		return addr, room, nil
	}
	if !p.opts.AlwaysRealloc && newSize > oldClass {
		if grownClass, ok := p.large.TryGrowInPlace(entry, addr, newSize); ok {
			return addr, grownClass, nil
		}
	}
	newAddr, newAllocSize, err := p.allocateLocked(newSize, false)
	if err != nil {
		return 0, 0, err
	}
	copyLen := oldReq
	if newSize < copyLen {
		copyLen = newSize
	}
	copyRange(newAddr, addr, copyLen)
	if err := p.freeLocked(addr); err != nil {
		return 0, 0, err
	}
	return newAddr, newAllocSize, nil
}

// Recallocarray resizes a nmemb*size array allocation, zeroing any newly
// added tail bytes, and fails closed on multiplication overflow instead
// of silently truncating.
func (p *Pool) Recallocarray(addr uintptr, oldNmemb, oldSize, newNmemb, newSize int) (uintptr, error) {
	newTotal, ok := mulOverflows(newNmemb, newSize)
	if !ok {
		return 0, ErrTooLarge
	}
	exit := p.enter()
	defer exit()

	if addr == 0 {
		a, _, err := p.allocateLocked(newTotal, true)
		return a, err
	}
	oldTotal := oldNmemb * oldSize
	if _, ok := p.dir.Find(addr); !ok {
		p.fatal("recallocarray: invalid pointer")
	}
	newAddr, _, err := p.allocateLocked(newTotal, false)
	if err != nil {
		return 0, err
	}
	copyLen := oldTotal
	if newTotal < copyLen {
		copyLen = newTotal
	}
	copyRange(newAddr, addr, copyLen)
	if newTotal > copyLen {
		zeroRange(newAddr+uintptr(copyLen), newTotal-copyLen)
	}
	if err := p.freeLocked(addr); err != nil {
		return 0, err
	}
	return newAddr, nil
}

// ErrTooLarge is returned by Recallocarray when nmemb*size overflows.
var ErrTooLarge = errors.New("pool: array size overflows")

func mulOverflows(nmemb, size int) (int, bool) {
	if nmemb == 0 || size == 0 {
		return 0, true
	}
	total := nmemb * size
	if total/nmemb != size {
		return 0, false
	}
	return total, true
}

// AlignedAlloc returns a size-byte allocation whose address is a
// multiple of alignment. Alignments up to the host page size reuse the
// chunk or large-allocation path's natural alignment; alignments beyond
// it fall back to mapping size+alignment pages and trimming the
// unaligned head and tail, the only way to guarantee an aligned
// subrange from anonymous mmap.
func (p *Pool) AlignedAlloc(alignment, size int) (uintptr, int, error) {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return 0, 0, ErrInvalidAlignment
	}
	if alignment < gmconst.MinSize {
		alignment = gmconst.MinSize
	}
	exit := p.enter()
	defer exit()

	if size <= p.layout.MaxChunk && alignment <= p.layout.MaxChunk {
		mult := alignment / gmconst.MinSize
		if mult == 0 {
			mult = 1
		}
		bucket := (size + gmconst.MinSize - 1) / gmconst.MinSize
		if bucket == 0 {
			bucket = mult
		}
		if rem := bucket % mult; rem != 0 {
			bucket += mult - rem
		}
		return p.chunks.AllocateBucket(bucket, size)
	}
	if alignment <= p.layout.PageSize {
		return p.large.AllocateAligned(size, false)
	}
	if size >= math.MaxInt-alignment-p.layout.PageSize {
		return 0, 0, ErrUnsupportedAlignment
	}
	return p.large.AllocateOveraligned(alignment, size, false)
}

func zeroRange(addr uintptr, n int) {
	if n <= 0 {
		return
	}
	buf := unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
	for i := range buf {
		buf[i] = 0
	}
}

func copyRange(dst, src uintptr, n int) {
	if n <= 0 {
		return
	}
	d := unsafe.Slice((*byte)(unsafe.Pointer(dst)), n)
	s := unsafe.Slice((*byte)(unsafe.Pointer(src)), n)
	copy(d, s)
}

func seed64(rng *prng.Source) uint64 {
	return uint64(rng.U32())<<32 | uint64(rng.U32())
}
