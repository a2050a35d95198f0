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

// Package gomalloc is a hardened general-purpose allocator in the style
// of OpenBSD's malloc(3): size-classed small allocations, page-backed
// large allocations with optional guard pages, randomized layout, and a
// delayed-free quarantine ring, all sharded across a fixed pool set so
// concurrent goroutines don't contend on one lock. See DESIGN.md for how
// each internal package maps onto the reference allocator.
package gomalloc

import (
	"runtime"
	"unsafe"

	"github.com/JonathanDLee24/gomalloc/internal/leakreport"
	"github.com/JonathanDLee24/gomalloc/internal/mallopts"
	"github.com/JonathanDLee24/gomalloc/internal/pageprovider"
	"github.com/JonathanDLee24/gomalloc/internal/pool"
	"github.com/JonathanDLee24/gomalloc/internal/poolset"
	"github.com/JonathanDLee24/gomalloc/internal/prng"
)

// Re-exported sentinel errors so callers can use errors.Is against this
// package directly instead of reaching into internal/pool.
var (
	ErrInvalidAlignment     = pool.ErrInvalidAlignment
	ErrUnsupportedAlignment = pool.ErrUnsupportedAlignment
	ErrTooLarge             = pool.ErrTooLarge
)

// leakReportCapacity bounds how many distinct caller addresses a
// Stats-enabled Allocator will track, so the diagnostic sink can't grow
// without bound under a pathological caller-address cardinality.
const leakReportCapacity = 4096

// Allocator is one independent instance of the allocator, with its own
// pool set and canary seed. Most programs use the package-level
// functions, which share one process-wide Allocator; construct one
// directly to isolate allocations (e.g. per test) or to run with
// different Options than the process default.
type Allocator struct {
	ps    *poolset.PoolSet
	leaks *leakreport.Sink
}

// New builds an Allocator configured by opts. opts is copied onto an
// immutable page before any pool is built, so the resolved tunables
// every pool constructs itself from can't be corrupted by a stray write
// elsewhere in the process.
func New(opts mallopts.Options) *Allocator {
	p := pageprovider.New()
	if frozen, err := mallopts.Freeze(p, opts); err != nil {
		mallopts.Logger.Printf("gomalloc: warning: failed to protect options page: %v", err)
	} else {
		opts = frozen.Get()
	}

	seed := prng.New()
	processCanary := uint64(seed.U32())<<32 | uint64(seed.U32())

	a := &Allocator{ps: poolset.New(p, opts, processCanary)}
	if opts.StatsDump {
		a.leaks = leakreport.New(leakReportCapacity)
	}
	return a
}

func toBytes(addr uintptr, size, allocSize int) []byte {
	if addr == 0 {
		return nil
	}
	if allocSize < size {
		allocSize = size
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), allocSize)[:size]
}

// fromBytes recovers the allocation address backing b. A zero-length
// slice still carries its underlying pointer via unsafe.SliceData, so
// Free/Realloc work correctly on a zero-size allocation's slice.
func fromBytes(b []byte) uintptr {
	if len(b) == 0 {
		if cap(b) == 0 {
			return 0
		}
		return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

func (a *Allocator) recordCaller(size int) {
	if a.leaks == nil {
		return
	}
	pc, _, _, ok := runtime.Caller(2)
	if !ok {
		return
	}
	a.leaks.Record(uintptr(pc), size)
}

// Malloc returns a size-byte allocation.
func (a *Allocator) Malloc(size int) ([]byte, error) {
	addr, allocSize, err := a.ps.Malloc(size, false)
	if err != nil {
		return nil, err
	}
	a.recordCaller(size)
	return toBytes(addr, size, allocSize), nil
}

// MallocConceal is Malloc served from the pool reserved for sensitive
// allocations the page provider maps with its conceal flag (kept out of
// core dumps where the host OS supports it).
func (a *Allocator) MallocConceal(size int) ([]byte, error) {
	addr, allocSize, err := a.ps.MallocConceal(size, false)
	if err != nil {
		return nil, err
	}
	a.recordCaller(size)
	return toBytes(addr, size, allocSize), nil
}

// Calloc returns a zero-filled nmemb*size allocation, failing closed on
// multiplication overflow rather than truncating.
func (a *Allocator) Calloc(nmemb, size int) ([]byte, error) {
	addr, err := a.ps.Recallocarray(0, 0, 0, nmemb, size)
	if err != nil {
		return nil, err
	}
	total := nmemb * size
	a.recordCaller(total)
	return toBytes(addr, total, total), nil
}

// CallocConceal is Calloc served from the concealed pool.
func (a *Allocator) CallocConceal(nmemb, size int) ([]byte, error) {
	addr, err := a.ps.Concealed().Recallocarray(0, 0, 0, nmemb, size)
	if err != nil {
		return nil, err
	}
	total := nmemb * size
	a.recordCaller(total)
	return toBytes(addr, total, total), nil
}

// Free releases b. b must be a slice returned by this Allocator (or a
// re-slice of one that still shares its start), or nil.
func (a *Allocator) Free(b []byte) error {
	return a.ps.Free(fromBytes(b))
}

// Freezero zeroes b's contents before releasing it, for data that must
// not linger in freed memory even though reclamation is still delayed
// by the quarantine ring.
func (a *Allocator) Freezero(b []byte) error {
	return a.ps.Freezero(fromBytes(b), len(b))
}

// Realloc resizes b to newSize, preserving its content up to
// min(len(b), newSize). newSize == 0 frees b and returns nil.
func (a *Allocator) Realloc(b []byte, newSize int) ([]byte, error) {
	newAddr, allocSize, err := a.ps.Realloc(fromBytes(b), newSize)
	if err != nil {
		return nil, err
	}
	return toBytes(newAddr, newSize, allocSize), nil
}

// Recallocarray resizes an oldNmemb*oldSize array allocation to
// newNmemb*newSize, zeroing any newly added tail bytes.
func (a *Allocator) Recallocarray(b []byte, oldNmemb, oldSize, newNmemb, newSize int) ([]byte, error) {
	newAddr, err := a.ps.Recallocarray(fromBytes(b), oldNmemb, oldSize, newNmemb, newSize)
	if err != nil {
		return nil, err
	}
	total := newNmemb * newSize
	return toBytes(newAddr, total, total), nil
}

// AlignedAlloc returns a size-byte allocation whose address is a
// multiple of alignment, which must be a power of two.
func (a *Allocator) AlignedAlloc(alignment, size int) ([]byte, error) {
	addr, allocSize, err := a.ps.AlignedAlloc(alignment, size)
	if err != nil {
		return nil, err
	}
	return toBytes(addr, size, allocSize), nil
}

// PosixMemalign is AlignedAlloc with POSIX's extra requirement that
// alignment be a multiple of sizeof(void*) (here, a native pointer).
func (a *Allocator) PosixMemalign(alignment, size int) ([]byte, error) {
	if alignment%int(unsafe.Sizeof(uintptr(0))) != 0 {
		return nil, ErrInvalidAlignment
	}
	return a.AlignedAlloc(alignment, size)
}

// Stats returns a lifetime snapshot of this Allocator's allocation
// bookkeeping counters, summed across every pool.
func (a *Allocator) Stats() pool.Stats {
	return a.ps.Stats()
}

// LeakReport dumps the current caller-address aggregation as
// newline-delimited records, or returns (nil, false) if this Allocator
// wasn't built with mallopts.Options.StatsDump set. compress requests
// zstd compression of the result.
func (a *Allocator) LeakReport(compress bool) ([]byte, bool, error) {
	if a.leaks == nil {
		return nil, false, nil
	}
	out, err := a.leaks.Dump(compress)
	return out, true, err
}

// def is the process-wide default Allocator backing the package-level
// functions, configured the same way the reference allocator configures
// itself at process startup: compiled-in defaults, then
// GOMALLOC_OPTIONS, then a link-time override.
var def = New(mallopts.Load())

// Malloc allocates from the process-wide default Allocator.
func Malloc(size int) ([]byte, error) { return def.Malloc(size) }

// MallocConceal allocates from the process-wide default Allocator's
// concealed pool.
func MallocConceal(size int) ([]byte, error) { return def.MallocConceal(size) }

// Calloc allocates from the process-wide default Allocator.
func Calloc(nmemb, size int) ([]byte, error) { return def.Calloc(nmemb, size) }

// CallocConceal allocates from the process-wide default Allocator's
// concealed pool.
func CallocConceal(nmemb, size int) ([]byte, error) { return def.CallocConceal(nmemb, size) }

// Free releases b via the process-wide default Allocator.
func Free(b []byte) error { return def.Free(b) }

// Freezero releases b via the process-wide default Allocator after
// zeroing its contents.
func Freezero(b []byte) error { return def.Freezero(b) }

// Realloc resizes b via the process-wide default Allocator.
func Realloc(b []byte, newSize int) ([]byte, error) { return def.Realloc(b, newSize) }

// Recallocarray resizes an array allocation via the process-wide
// default Allocator.
func Recallocarray(b []byte, oldNmemb, oldSize, newNmemb, newSize int) ([]byte, error) {
	return def.Recallocarray(b, oldNmemb, oldSize, newNmemb, newSize)
}

// AlignedAlloc allocates from the process-wide default Allocator.
func AlignedAlloc(alignment, size int) ([]byte, error) { return def.AlignedAlloc(alignment, size) }

// PosixMemalign allocates from the process-wide default Allocator.
func PosixMemalign(alignment, size int) ([]byte, error) { return def.PosixMemalign(alignment, size) }

// Stats returns the process-wide default Allocator's counters.
func Stats() pool.Stats { return def.Stats() }
