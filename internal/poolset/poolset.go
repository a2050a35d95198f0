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

// Package poolset implements the allocator's pool dispatcher: a fixed,
// power-of-two array of pools, with pool 0 reserved for
// concealed allocations and every other pool chosen by a hash of the
// calling goroutine's identity. Cross-pool frees and reallocs are
// resolved by scanning every pool's region directory for ownership,
// generalizing the reference allocator's findpool() (see DESIGN.md).
package poolset

import (
	"bytes"
	"fmt"
	"os"
	"runtime"
	"strconv"

	"github.com/JonathanDLee24/gomalloc/internal/mallopts"
	"github.com/JonathanDLee24/gomalloc/internal/pageprovider"
	"github.com/JonathanDLee24/gomalloc/internal/pool"
)

// PoolSet owns every pool instance for one process.
type PoolSet struct {
	pools []*pool.Pool
	mask  uint32
}

// New builds a PoolSet sized to the next power of two at or above
// opts.PoolCount, with at least 2 pools (pool 0 concealed, pool 1
// regular) so the two categories never collide even at minimum size.
func New(p *pageprovider.Provider, opts mallopts.Options, processCanary uint64) *PoolSet {
	n := nextPow2(opts.PoolCount)
	if n < 2 {
		n = 2
	}
	ps := &PoolSet{pools: make([]*pool.Pool, n), mask: uint32(n - 1)}
	for i := range ps.pools {
		ps.pools[i] = pool.New(i, p, opts, processCanary, i == 0)
	}
	return ps
}

func nextPow2(n int) int {
	if n < 1 {
		n = 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Default returns the pool this goroutine prefers for fresh
// allocations: a hash of its goroutine id, excluding pool 0 (reserved
// for MallocConceal/CallocConceal).
func (ps *PoolSet) Default() *pool.Pool {
	idx := uint32(goroutineID()) & ps.mask
	if idx == 0 {
		idx = 1
	}
	return ps.pools[idx]
}

// Concealed returns the pool backing MallocConceal/CallocConceal.
func (ps *PoolSet) Concealed() *pool.Pool {
	return ps.pools[0]
}

// Stats sums every pool's lifetime counters into one snapshot.
func (ps *PoolSet) Stats() pool.Stats {
	var total pool.Stats
	for _, p := range ps.pools {
		s := p.Stats()
		total.Inserts += s.Inserts
		total.Deletes += s.Deletes
		total.CheapReallocTries += s.CheapReallocTries
	}
	return total
}

// findOwner scans every pool for the one whose region directory
// recognizes addr. This is O(pool count), acceptable since frees and
// reallocs of a pointer allocated on another goroutine's pool are the
// exception rather than the rule.
func (ps *PoolSet) findOwner(addr uintptr) (*pool.Pool, bool) {
	if preferred := ps.Default(); preferred.Owns(addr) {
		return preferred, true
	}
	for _, p := range ps.pools {
		if p.Owns(addr) {
			return p, true
		}
	}
	return nil, false
}

func fatal(msg string) {
	fmt.Fprintf(os.Stderr, "gomalloc: %s\n", msg)
	os.Exit(2)
}

// Malloc allocates from the calling goroutine's preferred pool.
func (ps *PoolSet) Malloc(size int, zeroFill bool) (uintptr, int, error) {
	return ps.Default().Malloc(size, zeroFill)
}

// MallocConceal allocates from the concealed pool.
func (ps *PoolSet) MallocConceal(size int, zeroFill bool) (uintptr, int, error) {
	return ps.Concealed().Malloc(size, zeroFill)
}

// Free releases addr via whichever pool owns it.
func (ps *PoolSet) Free(addr uintptr) error {
	if addr == 0 {
		return nil
	}
	owner, ok := ps.findOwner(addr)
	if !ok {
		fatal("free: invalid pointer (owned by no pool)")
	}
	return owner.Free(addr)
}

// Freezero zeroes and releases addr via whichever pool owns it.
func (ps *PoolSet) Freezero(addr uintptr, n int) error {
	if addr == 0 {
		return nil
	}
	owner, ok := ps.findOwner(addr)
	if !ok {
		fatal("freezero: invalid pointer (owned by no pool)")
	}
	return owner.Freezero(addr, n)
}

// Realloc resizes addr via whichever pool owns it, or allocates fresh
// from the calling goroutine's preferred pool if addr is nil.
func (ps *PoolSet) Realloc(addr uintptr, newSize int) (uintptr, int, error) {
	if addr == 0 {
		return ps.Default().Realloc(0, newSize)
	}
	owner, ok := ps.findOwner(addr)
	if !ok {
		fatal("realloc: invalid pointer (owned by no pool)")
	}
	return owner.Realloc(addr, newSize)
}

// Recallocarray resizes an array allocation via whichever pool owns it.
func (ps *PoolSet) Recallocarray(addr uintptr, oldNmemb, oldSize, newNmemb, newSize int) (uintptr, error) {
	if addr == 0 {
		return ps.Default().Recallocarray(0, 0, 0, newNmemb, newSize)
	}
	owner, ok := ps.findOwner(addr)
	if !ok {
		fatal("recallocarray: invalid pointer (owned by no pool)")
	}
	return owner.Recallocarray(addr, oldNmemb, oldSize, newNmemb, newSize)
}

// AlignedAlloc allocates from the calling goroutine's preferred pool.
func (ps *PoolSet) AlignedAlloc(alignment, size int) (uintptr, int, error) {
	return ps.Default().AlignedAlloc(alignment, size)
}

// AlignedAllocConceal is AlignedAlloc served from the concealed pool,
// backing a conceal-aware posix_memalign.
func (ps *PoolSet) AlignedAllocConceal(alignment, size int) (uintptr, int, error) {
	return ps.Concealed().AlignedAlloc(alignment, size)
}

// goroutineID recovers the runtime's internal goroutine id by parsing
// the header line of runtime.Stack. The id isn't part of any exported
// API; this is the same technique widely used across the ecosystem
// (net/http/pprof-adjacent debugging tools, goroutine-local-storage
// shims) to approximate the C library's pthread_self(), since Go
// deliberately doesn't expose a goroutine identity API of its own.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	sp := bytes.IndexByte(b, ' ')
	if sp < 0 {
		return 0
	}
	id, err := strconv.ParseUint(string(b[:sp]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
