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

package regiondir

import (
	"math/rand"
	"testing"
)

const testPageBits = 12 // 4096-byte pages

func page(n uintptr) uintptr { return n << testPageBits }

func TestInsertFindDelete(t *testing.T) {
	d := New(testPageBits, 1, 2)
	if err := d.Insert(page(3), KindLarge, 4096, 0); err != nil {
		t.Fatal(err)
	}
	e, ok := d.Find(page(3))
	if !ok || e.Page != page(3) || e.Size != 4096 {
		t.Fatalf("find after insert: %+v, %v", e, ok)
	}
	d.Delete(page(3))
	if _, ok := d.Find(page(3)); ok {
		t.Fatal("entry survived delete")
	}
}

func TestFindAbsent(t *testing.T) {
	d := New(testPageBits, 1, 2)
	if _, ok := d.Find(page(9)); ok {
		t.Fatal("found entry in empty directory")
	}
}

func TestGrowthDoublesAndRehashesEverything(t *testing.T) {
	d := New(testPageBits, 5, 6)
	const n = 2000
	for i := 0; i < n; i++ {
		if err := d.Insert(page(uintptr(i)), Kind(i%3), uintptr(i), 0); err != nil {
			t.Fatal(err)
		}
	}
	if d.Len() != n {
		t.Fatalf("len=%d want %d", d.Len(), n)
	}
	total := d.Total()
	if total&(total-1) != 0 {
		t.Fatalf("total %d not a power of two", total)
	}
	for i := 0; i < n; i++ {
		e, ok := d.Find(page(uintptr(i)))
		if !ok || e.Size != uintptr(i) {
			t.Fatalf("lost entry %d after growth", i)
		}
	}
}

// Exercises Algorithm R: insert a cluster that collides, delete from the
// middle, and confirm every surviving key is still reachable by probing
// (this is the property Algorithm R exists to preserve without
// tombstones).
func TestDeleteMaintainsProbeChains(t *testing.T) {
	d := New(testPageBits, 42, 43)
	keys := make([]uintptr, 0, 300)
	for i := 0; i < 300; i++ {
		k := page(uintptr(i))
		keys = append(keys, k)
		if err := d.Insert(k, KindLarge, uintptr(i), 0); err != nil {
			t.Fatal(err)
		}
	}
	rng := rand.New(rand.NewSource(1))
	rng.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })

	deleted := map[uintptr]bool{}
	for i := 0; i < 150; i++ {
		d.Delete(keys[i])
		deleted[keys[i]] = true
	}
	for _, k := range keys {
		_, ok := d.Find(k)
		if deleted[k] && ok {
			t.Fatalf("key %x found after delete", k)
		}
		if !deleted[k] && !ok {
			t.Fatalf("key %x lost after unrelated deletes", k)
		}
	}
}

func TestKindTagSurvivesRoundtrip(t *testing.T) {
	d := New(testPageBits, 1, 1)
	for b := 1; b <= 8; b++ {
		k := page(uintptr(b) + 1000)
		if err := d.Insert(k, Kind(b), uintptr(b*100), 0); err != nil {
			t.Fatal(err)
		}
	}
	for b := 1; b <= 8; b++ {
		k := page(uintptr(b) + 1000)
		e, ok := d.Find(k)
		if !ok || e.Kind != Kind(b) {
			t.Fatalf("bucket %d: got kind %v", b, e.Kind)
		}
	}
}
