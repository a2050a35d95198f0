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

// Package leakreport implements the allocator's optional observability
// sink: a buffered, per-caller aggregation of recorded allocations
// (frees are not subtracted), tagged
// with a per-process run id so traces from concurrent test runs don't
// interleave, and dumpable as a plain or zstd-compressed report. This
// has no bearing on allocator correctness; it is purely an observer,
// and this module keeps it that way by never being consulted from the
// allocation/free path.
package leakreport

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// Entry aggregates every allocation attributed to one caller address.
type Entry struct {
	CallerAddr   uintptr
	Count        int
	SumBytes     int64
	ImageBase    uintptr
	RelativeAddr uintptr
}

// AvgBytes is SumBytes/Count, or 0 for an empty entry.
func (e Entry) AvgBytes() float64 {
	if e.Count == 0 {
		return 0
	}
	return float64(e.SumBytes) / float64(e.Count)
}

// Sink accumulates Entry records keyed by caller address, bounded by a
// fixed capacity of distinct callers so a pathological caller-address
// cardinality can't turn a diagnostic feature into a memory leak of its
// own.
type Sink struct {
	mu       sync.Mutex
	runID    uuid.UUID
	byCaller map[uintptr]*Entry
	capacity int
}

// New builds a Sink that tracks at most capacity distinct caller
// addresses; capacity <= 0 means unbounded.
func New(capacity int) *Sink {
	return &Sink{runID: uuid.New(), byCaller: make(map[uintptr]*Entry), capacity: capacity}
}

// RunID is this sink's process-lifetime identifier.
func (s *Sink) RunID() string {
	return s.runID.String()
}

// Record attributes a size-byte allocation to callerAddr.
func (s *Sink) Record(callerAddr uintptr, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byCaller[callerAddr]
	if !ok {
		if s.capacity > 0 && len(s.byCaller) >= s.capacity {
			return
		}
		base, rel := resolve(callerAddr)
		e = &Entry{CallerAddr: callerAddr, ImageBase: base, RelativeAddr: rel}
		s.byCaller[callerAddr] = e
	}
	e.Count++
	e.SumBytes += int64(size)
}

// Snapshot returns every tracked entry as of now.
func (s *Sink) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.byCaller))
	for _, e := range s.byCaller {
		out = append(out, *e)
	}
	return out
}

// Dump renders the current snapshot as newline-delimited records
// ("runID caller count sumBytes avgBytes imageBase relativeAddr"),
// optionally zstd-compressed for the verbose-dump (-V) path.
func (s *Sink) Dump(compress bool) ([]byte, error) {
	var buf bytes.Buffer
	runID := s.RunID()
	for _, e := range s.Snapshot() {
		fmt.Fprintf(&buf, "%s %#x %d %d %.2f %#x %#x\n",
			runID, e.CallerAddr, e.Count, e.SumBytes, e.AvgBytes(), e.ImageBase, e.RelativeAddr)
	}
	if !compress {
		return buf.Bytes(), nil
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("leakreport: building zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(buf.Bytes(), nil), nil
}

var (
	imageBaseOnce sync.Once
	imageBaseAddr uintptr
)

// resolve turns a caller address into (image base, address relative to
// that base), so a report stays meaningful across ASLR-randomized runs
// of the same binary.
func resolve(addr uintptr) (uintptr, uintptr) {
	base := imageBase()
	if base == 0 || addr < base {
		return 0, 0
	}
	return base, addr - base
}

// imageBase is a best-effort lookup of the process's own load address
// via the first line of /proc/self/maps. It returns 0 wherever that
// isn't available (non-Linux, a sandboxed process without /proc).
func imageBase() uintptr {
	imageBaseOnce.Do(func() {
		data, err := os.ReadFile("/proc/self/maps")
		if err != nil {
			return
		}
		firstLine, _, _ := strings.Cut(string(data), "\n")
		rangeField, _, _ := strings.Cut(firstLine, " ")
		startHex, _, ok := strings.Cut(rangeField, "-")
		if !ok {
			return
		}
		v, err := strconv.ParseUint(startHex, 16, 64)
		if err != nil {
			return
		}
		imageBaseAddr = uintptr(v)
	})
	return imageBaseAddr
}
