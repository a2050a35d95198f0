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

// Package pagecache implements the allocator's two-tier page cache: a
// small cache of fixed-capacity per-run-length slots for runs of 1..32
// pages, and a shared "big" cache for runs of 33..512 pages. Both are
// generalizations of the reference allocator's map()/unmap() cache
// maintenance (see DESIGN.md), and both draw their randomized
// eviction/admission index from a prng.Source.
package pagecache

import (
	"golang.org/x/exp/constraints"

	"github.com/JonathanDLee24/gomalloc/internal/gmconst"
	"github.com/JonathanDLee24/gomalloc/internal/pageprovider"
	"github.com/JonathanDLee24/gomalloc/internal/prng"
)

// atLeast returns the larger of v and floor. Shared shape with
// regiondir's load-factor flooring; kept as a private copy in each
// package rather than factored into a third micro-package, since
// golang.org/x/exp/constraints is the dependency being exercised, not a
// home-grown generics helper library.
func atLeast[T constraints.Integer](v, floor T) T {
	if v < floor {
		return floor
	}
	return v
}

const (
	smallSlots  = gmconst.MaxSmallCachePages
	bigSlots    = gmconst.MaxBigCacheEntries
	maxSmallRun = smallSlots
	maxBigRun   = bigSlots
)

// taggedPage packs a page-run base address with a "fresh" bit: a page
// that has never held user data since it was mapped doesn't need its
// junk pattern validated on reuse.
type taggedPage struct {
	addr  uintptr
	fresh bool
}

type smallSlot struct {
	pages []taggedPage
	max   int
}

type bigEntry struct {
	addr  uintptr
	pages int
}

// Cache is one pool's page cache. It is not safe for concurrent use;
// callers hold the owning pool's lock.
type Cache struct {
	provider  *pageprovider.Provider
	rng       *prng.Source
	flags     pageprovider.Flags
	junkLevel int
	freeUnmap bool

	small [smallSlots]smallSlot
	big   []bigEntry
	used  int // pages currently resident in the big cache
}

// New builds a Cache with per-slot capacities scaled by defaultMax, the
// way omalloc_init scales d->smallcache[j].max = def_maxcache >> (j/8).
// bigCapacity is the number of big-cache slots (0 disables it, as for
// the concealed pool).
func New(p *pageprovider.Provider, rng *prng.Source, flags pageprovider.Flags, defaultMax, bigCapacity, junkLevel int, freeUnmap bool) *Cache {
	c := &Cache{provider: p, rng: rng, flags: flags, junkLevel: junkLevel, freeUnmap: freeUnmap}
	for k := 0; k < smallSlots; k++ {
		c.small[k].max = defaultMax >> (k / 8)
	}
	if bigCapacity > 0 {
		c.big = make([]bigEntry, bigCapacity)
	}
	return c
}

// Acquire returns nPages of memory, from the cache if available and
// freshly mapped otherwise, optionally zero-filled.
func (c *Cache) Acquire(nPages int, zeroFill bool) (uintptr, error) {
	switch {
	case nPages >= 1 && nPages <= maxSmallRun:
		if addr, ok := c.acquireSmall(nPages, zeroFill); ok {
			return addr, nil
		}
	case len(c.big) > 0 && nPages > maxSmallRun && nPages <= maxBigRun:
		if addr, ok := c.acquireBig(nPages, zeroFill); ok {
			return addr, nil
		}
	}
	return c.provider.MapRW(nPages, c.flags)
}

func (c *Cache) acquireSmall(nPages int, zeroFill bool) (uintptr, bool) {
	slot := &c.small[nPages-1]
	if slot.max == 0 {
		return 0, false
	}
	if len(slot.pages) == 0 {
		if nPages == 1 && slot.max > 1 {
			return c.bootstrapSingle(slot, zeroFill), true
		}
		return 0, false
	}
	i := int(c.rng.Uniform(uint32(len(slot.pages))))
	tp := slot.pages[i]
	slot.pages[i] = slot.pages[len(slot.pages)-1]
	slot.pages = slot.pages[:len(slot.pages)-1]
	c.reclaim(tp, nPages, zeroFill)
	return tp.addr, true
}

// bootstrapSingle implements the "n_pages==1 bulk map" path: a single
// mmap of max pages puts max-1 of them in the slot as fresh, unused
// pages and returns the last one, amortizing the mmap call across the
// slot's lifetime.
func (c *Cache) bootstrapSingle(slot *smallSlot, zeroFill bool) uintptr {
	n := slot.max - 1
	base, err := c.provider.MapRW(n+1, c.flags)
	if err != nil {
		// fall back to a single fresh page; the bulk optimization is
		// best-effort, not load-bearing for correctness.
		single, err2 := c.provider.MapRW(1, c.flags)
		if err2 != nil {
			return 0
		}
		return single
	}
	pageSize := uintptr(c.provider.PageSize())
	for i := 0; i < n; i++ {
		slot.pages = append(slot.pages, taggedPage{addr: base + uintptr(i)*pageSize, fresh: true})
	}
	if c.freeUnmap {
		c.provider.Protect(base, n, pageprovider.ProtNone)
	}
	last := base + uintptr(n)*pageSize
	if zeroFill {
		// freshly mapped anonymous memory is already zeroed by the OS
	}
	return last
}

func (c *Cache) reclaim(tp taggedPage, nPages int, zeroFill bool) {
	if c.freeUnmap {
		c.provider.Protect(tp.addr, nPages, pageprovider.ProtRW)
		if !tp.fresh && !zeroFill {
			junkFill(c.rawMem(tp.addr, nPages), gmconst.JunkBeforeFree, c.junkLevel, gmconst.ChunkCheckLength)
		}
	} else if !tp.fresh {
		validateJunk(c.rawMem(tp.addr, nPages), gmconst.JunkBeforeFree, c.junkLevel, gmconst.ChunkCheckLength)
	}
	if zeroFill {
		zero(c.rawMem(tp.addr, nPages))
	}
}

func (c *Cache) acquireBig(nPages int, zeroFill bool) (uintptr, bool) {
	if c.used < nPages {
		return 0, false
	}
	base := int(c.rng.Uniform(uint32(len(c.big))))
	for j := 0; j < len(c.big); j++ {
		i := (base + j) & (len(c.big) - 1)
		if c.big[i].pages == nPages {
			addr := c.big[i].addr
			c.used -= nPages
			c.big[i] = bigEntry{}
			c.reclaim(taggedPage{addr: addr}, nPages, zeroFill)
			return addr, true
		}
	}
	return 0, false
}

// Release returns a page run to the cache, or unmaps it when no cache
// tier takes runs of that length; to make room, the tier may evict and
// unmap a randomly chosen resident run. zeroPrefix leading bytes are
// zeroed first (the freezero/recallocarray contract).
func (c *Cache) Release(addr uintptr, nPages, zeroPrefix int) {
	if zeroPrefix > 0 {
		mem := c.rawMem(addr, nPages)
		for i := 0; i < zeroPrefix && i < len(mem); i++ {
			mem[i] = 0
		}
	}
	switch {
	case len(c.big) > 0 && nPages > maxSmallRun && nPages <= maxBigRun:
		c.releaseBig(addr, nPages)
	case nPages >= 1 && nPages <= maxSmallRun && c.small[nPages-1].max > 0:
		c.releaseSmall(addr, nPages)
	default:
		c.provider.Unmap(addr, nPages)
	}
}

func (c *Cache) releaseSmall(addr uintptr, nPages int) {
	slot := &c.small[nPages-1]
	if len(slot.pages) >= slot.max {
		i := int(c.rng.Uniform(uint32(len(slot.pages))))
		evict := slot.pages[i]
		slot.pages[i] = slot.pages[len(slot.pages)-1]
		slot.pages = slot.pages[:len(slot.pages)-1]
		c.provider.Unmap(evict.addr, nPages)
	}
	c.retire(addr, nPages)
	slot.pages = append(slot.pages, taggedPage{addr: addr})
}

func (c *Cache) releaseBig(addr uintptr, nPages int) {
	base := int(c.rng.Uniform(uint32(len(c.big))))
	limit := atLeast(len(c.big)/4, 1)
	fill := len(c.big) * maxBigRun / 4
	idx := -1
	for j := 0; j < limit; j++ {
		i := (base + j) & (len(c.big) - 1)
		empty := c.big[i].pages == 0
		if c.used < fill {
			if empty {
				idx = i
				break
			}
		} else if !empty {
			idx = i
			break
		}
	}
	if idx == -1 {
		idx = base
	}
	if c.big[idx].pages != 0 {
		c.used -= c.big[idx].pages
		c.provider.Unmap(c.big[idx].addr, c.big[idx].pages)
	}
	c.retire(addr, nPages)
	c.big[idx] = bigEntry{addr: addr, pages: nPages}
	c.used += nPages
}

// retire marks a page run as no longer holding live user data: either
// protect(none) it (freeunmap) or junk-fill it, per the Insert contract.
func (c *Cache) retire(addr uintptr, nPages int) {
	if c.freeUnmap {
		c.provider.Protect(addr, nPages, pageprovider.ProtNone)
		return
	}
	junkFill(c.rawMem(addr, nPages), gmconst.JunkBeforeFree, c.junkLevel, gmconst.ChunkCheckLength)
}

func (c *Cache) rawMem(addr uintptr, nPages int) []byte {
	return mem(addr, nPages*c.provider.PageSize())
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
