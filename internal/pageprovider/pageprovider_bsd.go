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

//go:build darwin || freebsd || netbsd || openbsd

package pageprovider

// MAP_FIXED_NOREPLACE has no equivalent in the BSD mmap(2) family, and
// plain MAP_FIXED would replace whatever is already mapped at the hint.
// No fixed flag is passed instead: the hint is advisory, and
// MapFixedNoReplace unmaps the result and reports failure whenever the
// kernel places the mapping anywhere else.
const mapFixedNoReplace = 0

func concealUnix(buf []byte, flags Flags) {}

func immutableHint(addr uintptr, n int) {}
