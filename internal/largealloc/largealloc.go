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

// Package largealloc implements the allocator's large-allocation path:
// requests bigger than a bucket's MaxChunk go straight to whole pages,
// optionally followed by a guard page and, for requests under one page,
// shifted so their tail abuts that guard page instead of sitting in the
// middle of unused slack. Grounded directly on omalloc()'s
// MALLOC_MAXCHUNK branch and the MALLOC_MOVE/MALLOC_MOVE_COND macros in
// the reference allocator (see DESIGN.md).
package largealloc

import (
	"errors"
	"math"

	"github.com/JonathanDLee24/gomalloc/internal/gmconst"
	"github.com/JonathanDLee24/gomalloc/internal/pagecache"
	"github.com/JonathanDLee24/gomalloc/internal/pageprovider"
	"github.com/JonathanDLee24/gomalloc/internal/regiondir"
)

// ErrTooLarge is returned when size, plus guard and rounding overhead,
// would overflow.
var ErrTooLarge = errors.New("largealloc: requested size would overflow")

// Engine serves one pool's large allocations.
type Engine struct {
	cache     *pagecache.Cache
	provider  *pageprovider.Provider
	dir       *regiondir.Directory
	pageSize  int
	guardSize int
	junkLevel int
	canaries  bool
	canary    byte
}

// New builds an Engine. guard enables a trailing PROT_NONE page after
// every large allocation. canary is the byte written into the slack
// past each large allocation's requested size; the pool draws it once
// at random. The chunk engine does not use it: it draws a separate
// canary byte for each chunk page.
func New(cache *pagecache.Cache, p *pageprovider.Provider, dir *regiondir.Directory, pageSize int, guard bool, junkLevel int, canaries bool, canary byte) *Engine {
	g := 0
	if guard {
		g = pageSize
	}
	return &Engine{cache: cache, provider: p, dir: dir, pageSize: pageSize, guardSize: g, junkLevel: junkLevel, canaries: canaries, canary: canary}
}

// moveCond reports whether a userSize-byte large allocation qualifies
// for the move-to-end shift: only single-page requests benefit, since
// the shift exists to place their tail against the following guard
// page rather than leaving it stranded in leftover slack.
func moveCond(userSize, pageSize int) bool {
	return userSize < pageSize
}

// moveShift returns the byte offset into the first page that places
// base+shift+userSize at or near the page boundary, rounded down to a
// multiple of MinSize so the shifted address still satisfies the
// allocator's universal minimum-alignment guarantee.
func moveShift(userSize, pageSize int) int {
	rem := userSize % pageSize
	if rem == 0 {
		return 0
	}
	shift := pageSize - rem
	return shift &^ (gmconst.MinSize - 1)
}

// Allocate reserves userSize bytes (plus guard and rounding overhead)
// and returns the user-visible address and userSize as the allocation's
// size; the page-rounded capacity behind it is reported by ClassSize.
func (e *Engine) Allocate(userSize int, zeroFill bool) (uintptr, int, error) {
	if userSize <= 0 {
		userSize = 1
	}
	if userSize >= math.MaxInt-e.guardSize-e.pageSize {
		return 0, 0, ErrTooLarge
	}
	sz := userSize + e.guardSize
	psz := gmconst.PageRound(sz, e.pageSize)
	nPages := psz / e.pageSize

	base, err := e.cache.Acquire(nPages, false)
	if err != nil {
		return 0, 0, err
	}
	if err := e.dir.Insert(base, regiondir.KindLarge, uintptr(sz), 0); err != nil {
		e.cache.Release(base, nPages, 0)
		return 0, 0, err
	}
	if e.guardSize > 0 {
		e.provider.Protect(base+uintptr(psz-e.guardSize), 1, pageprovider.ProtNone)
	}

	addr := base
	payloadLen := psz - e.guardSize
	if moveCond(userSize, e.pageSize) {
		addr = base + uintptr(moveShift(userSize, e.pageSize))
	}

	switch {
	case e.junkLevel >= 2:
		junkFillRange(base, payloadLen, gmconst.JunkAfterAlloc)
	case e.canaries:
		fillCanary(addr, userSize, payloadLen-int(addr-base), e.canary)
	}
	if zeroFill {
		zeroRange(addr, userSize)
	}
	return addr, userSize, nil
}

// AllocateAligned is like Allocate but never applies the move-to-end
// shift, since that shift would break any alignment guarantee stronger
// than the host page size that the caller is relying on the page
// provider's natural alignment to provide.
func (e *Engine) AllocateAligned(userSize int, zeroFill bool) (uintptr, int, error) {
	if userSize <= 0 {
		userSize = 1
	}
	if userSize >= math.MaxInt-e.guardSize-e.pageSize {
		return 0, 0, ErrTooLarge
	}
	sz := userSize + e.guardSize
	psz := gmconst.PageRound(sz, e.pageSize)
	nPages := psz / e.pageSize

	base, err := e.cache.Acquire(nPages, false)
	if err != nil {
		return 0, 0, err
	}
	if err := e.dir.Insert(base, regiondir.KindLarge, uintptr(sz), 0); err != nil {
		e.cache.Release(base, nPages, 0)
		return 0, 0, err
	}
	if e.guardSize > 0 {
		e.provider.Protect(base+uintptr(psz-e.guardSize), 1, pageprovider.ProtNone)
	}
	payloadLen := psz - e.guardSize
	switch {
	case e.junkLevel >= 2:
		junkFillRange(base, payloadLen, gmconst.JunkAfterAlloc)
	case e.canaries:
		fillCanary(base, userSize, payloadLen, e.canary)
	}
	if zeroFill {
		zeroRange(base, userSize)
	}
	return base, userSize, nil
}

// TryGrowInPlace attempts to satisfy a realloc to newSize by claiming
// the pages immediately following addr's existing mapping via
// MapFixedNoReplace, leaving addr itself untouched. It only applies
// when addr sits at the very start of its mapping: growing behind a
// move-shifted allocation could never keep the shifted tail abutting
// the guard page, so reallocLarge falls back to the copy path whenever
// ok is false.
func (e *Engine) TryGrowInPlace(dirEntry regiondir.Entry, addr uintptr, newSize int) (newClassSize int, ok bool) {
	base := dirEntry.Page
	if addr != base {
		return 0, false
	}
	oldSz := int(dirEntry.Size)
	oldPages := gmconst.PageRound(oldSz, e.pageSize) / e.pageSize
	newSz := newSize + e.guardSize
	newPages := gmconst.PageRound(newSz, e.pageSize) / e.pageSize
	if newPages <= oldPages {
		return 0, false
	}
	extraPages := newPages - oldPages
	hint := base + uintptr(oldPages*e.pageSize)
	if e.guardSize > 0 {
		e.provider.Protect(hint-uintptr(e.guardSize), 1, pageprovider.ProtRW)
	}
	if _, err := e.provider.MapFixedNoReplace(hint, extraPages, 0); err != nil {
		if e.guardSize > 0 {
			e.provider.Protect(hint-uintptr(e.guardSize), 1, pageprovider.ProtNone)
		}
		return 0, false
	}
	newClassBytes := newPages * e.pageSize
	if e.guardSize > 0 {
		e.provider.Protect(base+uintptr(newClassBytes-e.guardSize), 1, pageprovider.ProtNone)
	}
	e.dir.Update(base, uintptr(newSz))
	payloadStart := oldSz - e.guardSize
	payloadEnd := newClassBytes - e.guardSize
	if e.junkLevel >= 2 && payloadEnd > payloadStart {
		junkFillRange(base+uintptr(payloadStart), payloadEnd-payloadStart, gmconst.JunkAfterAlloc)
	}
	return payloadEnd, true
}

// AllocateOveraligned serves alignments larger than the host page size:
// map size+alignment pages, then unmap the unaligned head and tail
// slack around whichever page-aligned subrange of that mapping happens
// to satisfy alignment, and register only that trimmed subrange in the
// directory. This is the only way to guarantee an aligned region out of
// anonymous mmap, which makes no alignment promises beyond the page
// size.
func (e *Engine) AllocateOveraligned(alignment, userSize int, zeroFill bool) (uintptr, int, error) {
	if userSize <= 0 {
		userSize = 1
	}
	payload := userSize + e.guardSize
	need := gmconst.PageRound(payload, e.pageSize)
	total := need + alignment
	if total <= 0 || total < need {
		return 0, 0, ErrTooLarge
	}
	totalPages := total / e.pageSize
	base, err := e.provider.MapRW(totalPages, 0)
	if err != nil {
		return 0, 0, err
	}
	aligned := (base + uintptr(alignment) - 1) &^ uintptr(alignment-1)
	needPages := need / e.pageSize
	headPages := int(aligned-base) / e.pageSize
	tailStart := aligned + uintptr(needPages*e.pageSize)
	tailPages := totalPages - headPages - needPages

	if headPages > 0 {
		e.provider.Unmap(base, headPages)
	}
	if tailPages > 0 {
		e.provider.Unmap(tailStart, tailPages)
	}
	if err := e.dir.Insert(aligned, regiondir.KindLarge, uintptr(payload), 0); err != nil {
		e.provider.Unmap(aligned, needPages)
		return 0, 0, err
	}
	if e.guardSize > 0 {
		e.provider.Protect(aligned+uintptr(need-e.guardSize), 1, pageprovider.ProtNone)
	}
	payloadLen := need - e.guardSize
	switch {
	case e.junkLevel >= 2:
		junkFillRange(aligned, payloadLen, gmconst.JunkAfterAlloc)
	case e.canaries:
		fillCanary(aligned, userSize, payloadLen, e.canary)
	}
	if zeroFill {
		zeroRange(aligned, userSize)
	}
	return aligned, userSize, nil
}

// UpdateRequestedSize rewrites the region directory's recorded size for
// an in-place realloc that doesn't change the page-rounded class size.
func (e *Engine) UpdateRequestedSize(addr uintptr, newSize int) {
	e.dir.Update(addr, uintptr(newSize+e.guardSize))
}

// Free releases a large allocation. dirEntry must come from a prior
// Find on addr (the caller's region-directory lookup).
func (e *Engine) Free(dirEntry regiondir.Entry, _ uintptr) error {
	base := dirEntry.Page
	sz := int(dirEntry.Size)
	psz := gmconst.PageRound(sz, e.pageSize)
	nPages := psz / e.pageSize
	payloadLen := psz - e.guardSize

	if e.guardSize > 0 {
		e.provider.Protect(base+uintptr(psz-e.guardSize), 1, pageprovider.ProtRW)
	}
	if e.junkLevel > 0 {
		junkFillRange(base, payloadLen, gmconst.JunkBeforeFree)
	}
	e.dir.Delete(base)
	e.cache.Release(base, nPages, 0)
	return nil
}

// RequestedSize returns the original user size recorded for addr.
func (e *Engine) RequestedSize(dirEntry regiondir.Entry) int {
	return int(dirEntry.Size) - e.guardSize
}

// ClassSize returns the page-rounded usable capacity (excluding the
// guard page) backing dirEntry, the size realloc can grow into without
// remapping, measured from dirEntry.Page; an address shifted past Page
// by the move-to-end layout has that much less room.
func (e *Engine) ClassSize(dirEntry regiondir.Entry) int {
	sz := int(dirEntry.Size)
	return gmconst.PageRound(sz, e.pageSize) - e.guardSize
}
