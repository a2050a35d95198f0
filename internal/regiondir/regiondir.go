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

// Package regiondir implements the allocator's region directory: an
// open-addressed hash table mapping page-aligned user addresses to
// per-region metadata. Collisions resolve by backward linear probing;
// deletion uses Knuth's Algorithm R (TAOCP vol. 3 §6.4)
// to preserve probe-chain reachability without tombstones, transcribed
// directly from the reference allocator's insert/find/delete (see
// DESIGN.md).
//
// The hash mix itself is upgraded from the reference allocator's plain
// multiplicative shift to a per-pool-seeded SipHash-2-4, the same keyed
// hash family the teacher reaches for whenever it hashes untrusted
// table keys (vm/siphash_generic.go, vm/interphash.go).
package regiondir

import (
	"errors"

	"github.com/dchest/siphash"
	"golang.org/x/exp/constraints"
)

// atLeast returns the larger of v and floor, used for the directory's
// load-factor math (growth-size flooring) the same way the cache
// package uses it for eviction-batch sizing.
func atLeast[T constraints.Integer](v, floor T) T {
	if v < floor {
		return floor
	}
	return v
}

// Kind distinguishes a large, page-direct region from a chunk-engine
// page. Kind 0 is "large"; kind b (1 <= b <= Buckets+1) is "chunk page
// of bucket b-1".
type Kind uint32

const KindLarge Kind = 0

// Entry is one occupied directory slot.
type Entry struct {
	Page   uintptr // page-aligned base address
	Kind   Kind
	Size   uintptr // large: byte size including guard; chunk: ChunkInfo pointer
	Caller uintptr // optional caller return address, for leak reporting
}

type slot struct {
	Entry
	occupied bool
}

// ErrGrowFailed reports a directory that could not be grown. The table
// lives in Go-managed memory, so Insert never returns it.
var ErrGrowFailed = errors.New("regiondir: failed to grow directory")

// Directory is an open-addressed table keyed by page address. The zero
// value is ready to use once PageBits is set via New.
type Directory struct {
	pageBits uint
	slots    []slot
	total    int // len(slots); always a power of two, 0 initially
	free     int // slots available before the next grow
	k0, k1   uint64
}

// New returns an empty Directory. pageBits is the log2 of the host page
// size, used to strip the page offset out of lookup keys. seed0/seed1
// key the SipHash mix so an attacker who can influence allocation
// addresses cannot predict (or force collisions in) probe chains; each
// pool draws both seeds from its own PRNG. The directory's
// own backing storage is ordinary Go-managed memory rather
// than a page-provider mapping: unlike the reference allocator, this
// module has no risk of directory growth re-entering itself through the
// general-purpose allocator, so there is nothing to avoid by hand-mapping
// it (see DESIGN.md).
func New(pageBits uint, seed0, seed1 uint64) *Directory {
	return &Directory{pageBits: pageBits, k0: seed0, k1: seed1}
}

func (d *Directory) pageOf(addr uintptr) uintptr {
	return addr &^ ((uintptr(1) << d.pageBits) - 1)
}

func (d *Directory) hash(page uintptr) uint64 {
	pageNum := uint64(page >> d.pageBits)
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(pageNum >> (8 * i))
	}
	return siphash.Hash(d.k0, d.k1, buf[:])
}

// ensureRoom doubles (or initializes) the table and rehashes every live entry
// into it. Mirrors omalloc_grow exactly, including the "free below 25%"
// trigger.
func (d *Directory) ensureRoom() error {
	if d.total != 0 && d.free*4 >= d.total {
		return nil
	}
	newTotal := atLeast(d.total*2, 512)
	newSlots := make([]slot, newTotal)
	mask := uintptr(newTotal - 1)
	for i := range d.slots {
		e := d.slots[i]
		if !e.occupied {
			continue
		}
		idx := uintptr(d.hash(e.Page)) & mask
		for newSlots[idx].occupied {
			idx = (idx - 1) & mask
		}
		newSlots[idx] = e
	}
	d.slots = newSlots
	d.free += newTotal - d.total
	d.total = newTotal
	return nil
}

// Insert records a new region. key must be a page-aligned address not
// already present; size and caller are stored verbatim and returned by
// Find.
func (d *Directory) Insert(key uintptr, kind Kind, size uintptr, caller uintptr) error {
	if err := d.ensureRoom(); err != nil {
		return err
	}
	mask := uintptr(d.total - 1)
	idx := uintptr(d.hash(key)) & mask
	for d.slots[idx].occupied {
		idx = (idx - 1) & mask
	}
	d.slots[idx] = slot{Entry: Entry{Page: key, Kind: kind, Size: size, Caller: caller}, occupied: true}
	d.free--
	return nil
}

// Find returns the region owning the page containing addr, or false if
// no pool-visible region covers it.
func (d *Directory) Find(addr uintptr) (Entry, bool) {
	if d.total == 0 {
		return Entry{}, false
	}
	page := d.pageOf(addr)
	mask := uintptr(d.total - 1)
	idx := uintptr(d.hash(page)) & mask
	for {
		s := &d.slots[idx]
		if !s.occupied {
			return Entry{}, false
		}
		if s.Page == page {
			return s.Entry, true
		}
		idx = (idx - 1) & mask
	}
}

// Delete removes the region at addr's page. It is infallible: calling it
// for an address not present is a programmer error (every caller first
// calls Find) and panics rather than silently doing nothing, since a
// silent no-op here would desynchronize the directory from the pool's
// other bookkeeping.
func (d *Directory) Delete(addr uintptr) {
	page := d.pageOf(addr)
	mask := uintptr(d.total - 1)
	i := uintptr(d.hash(page)) & mask
	for {
		if !d.slots[i].occupied {
			panic("regiondir: delete of absent key")
		}
		if d.slots[i].Page == page {
			break
		}
		i = (i - 1) & mask
	}
	d.free++

	// Algorithm R (Knuth, TAOCP vol. 3 §6.4): backward-shift deletion
	// for an open-addressed table probed by decrementing index.
	for {
		d.slots[i] = slot{}
		j := i
		for {
			i = (i - 1) & mask
			if !d.slots[i].occupied {
				return
			}
			r := uintptr(d.hash(d.slots[i].Page)) & mask
			if (i <= r && r < j) || (r < j && j < i) || (j < i && i <= r) {
				continue
			}
			d.slots[j] = d.slots[i]
			break
		}
	}
}

// Update rewrites the stored Size for an existing entry in place,
// without touching its probe position. Used by realloc's in-place-growth
// path, where the underlying memory didn't move but its recorded extent
// did.
func (d *Directory) Update(addr uintptr, size uintptr) {
	page := d.pageOf(addr)
	mask := uintptr(d.total - 1)
	idx := uintptr(d.hash(page)) & mask
	for {
		if !d.slots[idx].occupied {
			panic("regiondir: update of absent key")
		}
		if d.slots[idx].Page == page {
			d.slots[idx].Size = size
			return
		}
		idx = (idx - 1) & mask
	}
}

// Len returns the number of live entries, for tests and stats.
func (d *Directory) Len() int {
	n := 0
	for i := range d.slots {
		if d.slots[i].occupied {
			n++
		}
	}
	return n
}

// Total returns the current table size (always 0 or a power of two).
func (d *Directory) Total() int { return d.total }
