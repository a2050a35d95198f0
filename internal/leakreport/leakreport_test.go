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

package leakreport

import (
	"bytes"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func TestRecordAggregatesByCaller(t *testing.T) {
	s := New(0)
	s.Record(0x1000, 16)
	s.Record(0x1000, 32)
	s.Record(0x2000, 8)

	snap := s.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("got %d entries, want 2", len(snap))
	}
	var e1000 Entry
	for _, e := range snap {
		if e.CallerAddr == 0x1000 {
			e1000 = e
		}
	}
	if e1000.Count != 2 || e1000.SumBytes != 48 {
		t.Fatalf("caller 0x1000: count=%d sum=%d", e1000.Count, e1000.SumBytes)
	}
	if e1000.AvgBytes() != 24 {
		t.Fatalf("avg = %v, want 24", e1000.AvgBytes())
	}
}

func TestCapacityBoundsDistinctCallers(t *testing.T) {
	s := New(1)
	s.Record(0x1, 1)
	s.Record(0x2, 1)
	if len(s.Snapshot()) != 1 {
		t.Fatalf("capacity of 1 not enforced: %d entries", len(s.Snapshot()))
	}
}

func TestDumpIncludesRunID(t *testing.T) {
	s := New(0)
	s.Record(0x42, 64)
	out, err := s.Dump(false)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), s.RunID()) {
		t.Fatalf("dump missing run id %q: %s", s.RunID(), out)
	}
}

func TestDumpCompressedRoundtripsThroughZstd(t *testing.T) {
	s := New(0)
	s.Record(0x42, 64)
	plain, err := s.Dump(false)
	if err != nil {
		t.Fatal(err)
	}
	compressed, err := s.Dump(true)
	if err != nil {
		t.Fatal(err)
	}
	if len(compressed) == 0 {
		t.Fatal("compressed dump is empty")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	decoded, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decoded, plain) {
		t.Fatalf("decompressed dump %q differs from plain dump %q", decoded, plain)
	}
}

func TestTwoSinksHaveDistinctRunIDs(t *testing.T) {
	a := New(0)
	b := New(0)
	if a.RunID() == b.RunID() {
		t.Fatal("two independent sinks share a run id")
	}
}
