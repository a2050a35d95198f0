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

package largealloc

import (
	"unsafe"

	"github.com/JonathanDLee24/gomalloc/internal/gmconst"
)

func mem(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

func junkFillRange(addr uintptr, n int, pattern byte) {
	buf := mem(addr, n)
	for i := range buf {
		buf[i] = pattern
	}
}

func zeroRange(addr uintptr, n int) {
	buf := mem(addr, n)
	for i := range buf {
		buf[i] = 0
	}
}

// fillCanary stamps the trailing, unused portion of a large allocation's
// last page, capped to ChunkCheckLength exactly as the chunk engine's
// canary does; both paths share one canary convention.
func fillCanary(addr uintptr, requested, room int, canary byte) {
	if requested >= room {
		return
	}
	checkSz := room - requested
	if checkSz > gmconst.ChunkCheckLength {
		checkSz = gmconst.ChunkCheckLength
	}
	buf := mem(addr+uintptr(requested), checkSz)
	for i := range buf {
		buf[i] = canary
	}
}
