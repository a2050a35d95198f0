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

package pagecache

import (
	"testing"

	"github.com/JonathanDLee24/gomalloc/internal/pageprovider"
	"github.com/JonathanDLee24/gomalloc/internal/prng"
)

func newTestCache(t *testing.T, bigCapacity int, freeUnmap bool) *Cache {
	t.Helper()
	p := pageprovider.New()
	rng := prng.NewFromSeed([32]byte{1, 2, 3})
	return New(p, rng, 0, 8, bigCapacity, 1, freeUnmap)
}

func TestAcquireReleaseSingleRoundtrip(t *testing.T) {
	c := newTestCache(t, 0, false)
	addr, err := c.Acquire(1, false)
	if err != nil {
		t.Fatal(err)
	}
	if addr == 0 {
		t.Fatal("got nil address")
	}
	buf := mem(addr, c.provider.PageSize())
	buf[0] = 0x42
	c.Release(addr, 1, 0)

	addr2, err := c.Acquire(1, false)
	if err != nil {
		t.Fatal(err)
	}
	if addr2 != addr {
		t.Skip("cache returned a different page; allocator is free to do this, nothing more to assert")
	}
}

func TestAcquireZeroFillClearsCachedData(t *testing.T) {
	c := newTestCache(t, 0, false)
	addr, err := c.Acquire(1, false)
	if err != nil {
		t.Fatal(err)
	}
	buf := mem(addr, c.provider.PageSize())
	for i := range buf {
		buf[i] = 0xAA
	}
	c.Release(addr, 1, 0)

	addr2, err := c.Acquire(1, true)
	if err != nil {
		t.Fatal(err)
	}
	buf2 := mem(addr2, c.provider.PageSize())
	for i, b := range buf2 {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %#x", i, b)
			break
		}
	}
}

func TestReleaseBeyondCapacityUnmapsInsteadOfGrowing(t *testing.T) {
	c := newTestCache(t, 0, false)
	c.small[0].max = 2
	addrs := make([]uintptr, 0, 4)
	for i := 0; i < 4; i++ {
		a, err := c.Acquire(1, false)
		if err != nil {
			t.Fatal(err)
		}
		addrs = append(addrs, a)
	}
	for _, a := range addrs {
		c.Release(a, 1, 0)
	}
	if len(c.small[0].pages) > c.small[0].max {
		t.Fatalf("small cache slot grew past its configured max: %d > %d", len(c.small[0].pages), c.small[0].max)
	}
}

func TestBigCacheRoundtrip(t *testing.T) {
	c := newTestCache(t, 64, false)
	const runLen = 40
	addr, err := c.Acquire(runLen, false)
	if err != nil {
		t.Fatal(err)
	}
	c.Release(addr, runLen, 0)
	if c.used != runLen {
		t.Fatalf("used=%d want %d", c.used, runLen)
	}
	addr2, err := c.Acquire(runLen, false)
	if err != nil {
		t.Fatal(err)
	}
	if addr2 == 0 {
		t.Fatal("got nil address from big cache")
	}
	if c.used != 0 {
		t.Fatalf("used=%d want 0 after re-acquiring the only entry", c.used)
	}
}

func TestZeroPrefixOnReleaseClearsLeadingBytes(t *testing.T) {
	c := newTestCache(t, 0, false)
	addr, err := c.Acquire(1, false)
	if err != nil {
		t.Fatal(err)
	}
	buf := mem(addr, c.provider.PageSize())
	for i := range buf {
		buf[i] = 0xAA
	}
	c.Release(addr, 1, 16)
	for i := 0; i < 16; i++ {
		if buf[i] != 0 {
			t.Fatalf("zeroPrefix byte %d not cleared: %#x", i, buf[i])
		}
	}
}
