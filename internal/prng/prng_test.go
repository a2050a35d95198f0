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

package prng

import (
	"math"
	"testing"
)

// compute the Z-statistic for K trials of N with a-priori probability of
// 0.5, approximated through the normal distribution.
func binomialZ(k, n float64) float64 {
	return (k - (n * 0.5)) / math.Sqrt(n*0.5*0.5)
}

func TestSourceBitDispersion(t *testing.T) {
	var seed [32]byte
	for i := range seed {
		seed[i] = byte(i * 7)
	}
	s := NewFromSeed(seed)

	const trials = 1 << 14
	var bittab [32]int64
	for i := 0; i < trials; i++ {
		w := s.U32()
		for b := 0; b < 32; b++ {
			if w&(1<<b) != 0 {
				bittab[b]++
			}
		}
	}

	min, max := int64(trials), int64(0)
	for _, c := range bittab {
		if c < min {
			min = c
		}
		if c > max {
			max = c
		}
	}
	zmin := binomialZ(float64(min), float64(trials))
	zmax := binomialZ(float64(max), float64(trials))
	if zmin < -4.5 || zmax > 4.5 {
		t.Fatalf("(zmin=%g, zmax=%g) out of safe range", zmin, zmax)
	}
}

func TestSourceUniformBounded(t *testing.T) {
	s := New()
	for i := 0; i < 10000; i++ {
		v := s.Uniform(17)
		if v >= 17 {
			t.Fatalf("Uniform(17) returned %d", v)
		}
	}
	if s.Uniform(0) != 0 {
		t.Fatal("Uniform(0) must return 0")
	}
}

func TestSourceDeterministicFromSeed(t *testing.T) {
	var seed [32]byte
	seed[0] = 1
	a := NewFromSeed(seed)
	b := NewFromSeed(seed)
	for i := 0; i < 100; i++ {
		if a.U32() != b.U32() {
			t.Fatalf("same seed produced divergent streams at %d", i)
		}
	}
}

func TestSourceFillCoversBuffer(t *testing.T) {
	s := New()
	buf := make([]byte, 257)
	s.Fill(buf)
	var allZero = true
	for _, b := range buf {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Fatal("Fill produced an all-zero buffer")
	}
}
