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

package chunkengine

import (
	"testing"

	"github.com/JonathanDLee24/gomalloc/internal/gmconst"
	"github.com/JonathanDLee24/gomalloc/internal/pagecache"
	"github.com/JonathanDLee24/gomalloc/internal/pageprovider"
	"github.com/JonathanDLee24/gomalloc/internal/prng"
	"github.com/JonathanDLee24/gomalloc/internal/regiondir"
)

func newTestEngine(t *testing.T, canaries bool, junkLevel int) *Engine {
	t.Helper()
	p := pageprovider.New()
	layout := gmconst.NewLayout(p.PageSize())
	rng := prng.NewFromSeed([32]byte{9})
	cache := pagecache.New(p, rng, 0, 8, 0, junkLevel, false)
	dir := regiondir.New(layout.PageBits, 11, 12)
	return New(p, cache, dir, rng, layout, canaries, junkLevel, true)
}

func TestBucketOfZeroAndSmall(t *testing.T) {
	if b := BucketOf(0, gmconst.MinSize, true); b != 0 {
		t.Fatalf("BucketOf(0)=%d want 0", b)
	}
	if b := BucketOf(1, gmconst.MinSize, true); b != 1 {
		t.Fatalf("BucketOf(1)=%d want 1", b)
	}
	if b := BucketOf(gmconst.MinSize, gmconst.MinSize, true); b != 1 {
		t.Fatalf("BucketOf(MinSize)=%d want 1", b)
	}
}

func TestAllocateReturnsDistinctSlotsInOnePage(t *testing.T) {
	e := newTestEngine(t, false, 0)
	seen := map[uintptr]bool{}
	for i := 0; i < 10; i++ {
		addr, allocSize, err := e.Allocate(32)
		if err != nil {
			t.Fatal(err)
		}
		if allocSize < 32 {
			t.Fatalf("allocSize %d smaller than requested 32", allocSize)
		}
		if seen[addr] {
			t.Fatalf("address %x returned twice", addr)
		}
		seen[addr] = true
	}
}

func TestAllocateFreeRoundtrip(t *testing.T) {
	e := newTestEngine(t, false, 0)
	addr, _, err := e.Allocate(64)
	if err != nil {
		t.Fatal(err)
	}
	entry, ok := e.dir.Find(addr)
	if !ok {
		t.Fatal("allocated address not in region directory")
	}
	if err := e.Free(entry, addr); err != nil {
		t.Fatal(err)
	}
}

func TestDoubleFreeDetected(t *testing.T) {
	e := newTestEngine(t, false, 0)
	// a second live chunk on the same page keeps the page registered
	// after the first chunk is freed, so the second free reaches the
	// bitmap check instead of finding the page released.
	if _, _, err := e.Allocate(64); err != nil {
		t.Fatal(err)
	}
	addr, _, err := e.Allocate(64)
	if err != nil {
		t.Fatal(err)
	}
	entry, _ := e.dir.Find(addr)
	if err := e.Free(entry, addr); err != nil {
		t.Fatal(err)
	}
	entry2, ok := e.dir.Find(addr)
	if !ok {
		t.Fatal("page deregistered while another chunk on it is still live")
	}
	if err := e.Free(entry2, addr); err != ErrDoubleFree {
		t.Fatalf("second free returned %v, want ErrDoubleFree", err)
	}
}

func TestCanaryCheckPassesOnCleanFree(t *testing.T) {
	e := newTestEngine(t, true, 0)
	addr, allocSize, err := e.Allocate(10)
	if err != nil {
		t.Fatal(err)
	}
	if allocSize <= 10 {
		t.Skip("bucket has no slack past the requested size to canary-check")
	}
	entry, _ := e.dir.Find(addr)
	if err := e.Free(entry, addr); err != nil {
		t.Fatal(err)
	}
}

func TestManySlotsExhaustPageAndAllocateNewOne(t *testing.T) {
	e := newTestEngine(t, false, 0)
	const size = 1024
	var addrs []uintptr
	pages := map[uintptr]bool{}
	for i := 0; i < 40; i++ {
		addr, _, err := e.Allocate(size)
		if err != nil {
			t.Fatal(err)
		}
		addrs = append(addrs, addr)
		pages[addr&^uintptr(e.pageSize-1)] = true
	}
	if len(pages) < 2 {
		t.Fatalf("expected allocations to span multiple chunk pages, got %d", len(pages))
	}
	for _, a := range addrs {
		if entry, ok := e.dir.Find(a); ok {
			e.Free(entry, a)
		}
	}
}
