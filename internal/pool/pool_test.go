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

package pool

import (
	"testing"
	"unsafe"

	"github.com/JonathanDLee24/gomalloc/internal/mallopts"
	"github.com/JonathanDLee24/gomalloc/internal/pageprovider"
)

func unsafeBytes(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	p := pageprovider.New()
	opts := mallopts.Default()
	return New(0, p, opts, 0xdeadbeefcafebabe, false)
}

func TestMallocFreeRoundtrip(t *testing.T) {
	pl := newTestPool(t)
	addr, allocSize, err := pl.Malloc(48, false)
	if err != nil {
		t.Fatal(err)
	}
	if addr == 0 || allocSize < 48 {
		t.Fatalf("addr=%x allocSize=%d", addr, allocSize)
	}
	if err := pl.Free(addr); err != nil {
		t.Fatal(err)
	}
}

func TestMallocZeroFill(t *testing.T) {
	pl := newTestPool(t)
	addr, _, err := pl.Malloc(128, true)
	if err != nil {
		t.Fatal(err)
	}
	buf := unsafeBytes(addr, 128)
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d not zero: %#x", i, b)
		}
	}
}

func TestLargeAllocationPath(t *testing.T) {
	pl := newTestPool(t)
	size := pl.layout.MaxChunk + 1000
	addr, allocSize, err := pl.Malloc(size, false)
	if err != nil {
		t.Fatal(err)
	}
	if allocSize < size {
		t.Fatalf("allocSize %d smaller than requested %d", allocSize, size)
	}
	if err := pl.Free(addr); err != nil {
		t.Fatal(err)
	}
}

func TestReallocGrowsAndPreservesData(t *testing.T) {
	pl := newTestPool(t)
	addr, _, err := pl.Malloc(32, false)
	if err != nil {
		t.Fatal(err)
	}
	buf := unsafeBytes(addr, 32)
	for i := range buf {
		buf[i] = byte(i)
	}
	newAddr, newSize, err := pl.Realloc(addr, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if newSize < 4096 {
		t.Fatalf("newSize=%d want >=4096", newSize)
	}
	newBuf := unsafeBytes(newAddr, 32)
	for i, b := range newBuf {
		if b != byte(i) {
			t.Fatalf("byte %d = %d, want %d", i, b, i)
		}
	}
}

func TestReallocToZeroFrees(t *testing.T) {
	pl := newTestPool(t)
	addr, _, err := pl.Malloc(32, false)
	if err != nil {
		t.Fatal(err)
	}
	newAddr, _, err := pl.Realloc(addr, 0)
	if err != nil {
		t.Fatal(err)
	}
	if newAddr != 0 {
		t.Fatalf("realloc to zero returned non-nil addr %x", newAddr)
	}
}

func TestFreezeroClearsBuffer(t *testing.T) {
	pl := newTestPool(t)
	addr, _, err := pl.Malloc(64, false)
	if err != nil {
		t.Fatal(err)
	}
	buf := unsafeBytes(addr, 64)
	for i := range buf {
		buf[i] = 0xff
	}
	if err := pl.Freezero(addr, 64); err != nil {
		t.Fatal(err)
	}
	// the first free in a fresh pool lands in an empty delayed-free ring
	// slot, so the chunk stays mapped and its bytes can be read back.
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d not cleared: %#x", i, b)
		}
	}
}

func TestRecallocarrayZeroesGrowth(t *testing.T) {
	pl := newTestPool(t)
	addr, err := pl.Recallocarray(0, 0, 0, 4, 8)
	if err != nil {
		t.Fatal(err)
	}
	grown, err := pl.Recallocarray(addr, 4, 8, 8, 8)
	if err != nil {
		t.Fatal(err)
	}
	buf := unsafeBytes(grown, 64)
	for i := 32; i < 64; i++ {
		if buf[i] != 0 {
			t.Fatalf("byte %d in grown region not zero: %#x", i, buf[i])
		}
	}
}

func TestRecallocarrayOverflowRejected(t *testing.T) {
	pl := newTestPool(t)
	_, err := pl.Recallocarray(0, 0, 0, 1<<40, 1<<40)
	if err != ErrTooLarge {
		t.Fatalf("got %v, want ErrTooLarge", err)
	}
}

func TestAlignedAllocRespectsAlignment(t *testing.T) {
	pl := newTestPool(t)
	for _, align := range []int{16, 32, 64, 128} {
		addr, _, err := pl.AlignedAlloc(align, 24)
		if err != nil {
			t.Fatalf("align %d: %v", align, err)
		}
		if addr%uintptr(align) != 0 {
			t.Fatalf("align %d: addr %x not aligned", align, addr)
		}
	}
}

func TestAlignedAllocRejectsNonPowerOfTwo(t *testing.T) {
	pl := newTestPool(t)
	if _, _, err := pl.AlignedAlloc(24, 16); err != ErrInvalidAlignment {
		t.Fatalf("got %v, want ErrInvalidAlignment", err)
	}
}

func TestDelayedFreeRingDefersReclamation(t *testing.T) {
	pl := newTestPool(t)
	addr, _, err := pl.Malloc(32, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := pl.Free(addr); err != nil {
		t.Fatal(err)
	}
	// the address should still resolve in the region directory while it
	// sits in the quarantine ring, since actual release only happens when
	// this ring slot is evicted by a later free.
	if _, ok := pl.dir.Find(addr); !ok {
		t.Fatal("freed pointer was reclaimed immediately instead of quarantined")
	}
}
