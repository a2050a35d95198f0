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

//go:build linux || darwin || freebsd || netbsd || openbsd

package pageprovider

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MapRW reserves and commits nPages of fresh, zeroed, read-write anonymous
// memory.
func (p *Provider) MapRW(nPages int, flags Flags) (uintptr, error) {
	mflags := unix.MAP_PRIVATE | unix.MAP_ANON
	buf, err := unix.Mmap(-1, 0, p.bytes(nPages), unix.PROT_READ|unix.PROT_WRITE, mflags)
	if err != nil {
		return 0, fmt.Errorf("%w: mmap rw: %v", ErrMap, err)
	}
	concealUnix(buf, flags)
	return uintptr(unsafe.Pointer(&buf[0])), nil
}

// MapNone reserves nPages with no access rights at all, suitable as a
// standalone guard region or the bucket-0 zero-size page.
func (p *Provider) MapNone(nPages int, flags Flags) (uintptr, error) {
	mflags := unix.MAP_PRIVATE | unix.MAP_ANON
	buf, err := unix.Mmap(-1, 0, p.bytes(nPages), unix.PROT_NONE, mflags)
	if err != nil {
		return 0, fmt.Errorf("%w: mmap none: %v", ErrMap, err)
	}
	concealUnix(buf, flags)
	return uintptr(unsafe.Pointer(&buf[0])), nil
}

// MapFixedNoReplace attempts to extend an existing mapping by placing a
// new one immediately at hint without clobbering anything already
// there, the cheap path for growing a large allocation in place. The
// x/sys/unix wrapper for Mmap never exposes an address hint, so this
// drops to the raw syscall the way the runtime's own sysReserve does.
func (p *Provider) MapFixedNoReplace(hint uintptr, nPages int, flags Flags) (uintptr, error) {
	mflags := uintptr(unix.MAP_PRIVATE | unix.MAP_ANON | mapFixedNoReplace)
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP, hint, uintptr(p.bytes(nPages)),
		uintptr(unix.PROT_READ|unix.PROT_WRITE), mflags, ^uintptr(0), 0)
	if errno != 0 {
		return 0, fmt.Errorf("%w: mmap fixed-noreplace: %v", ErrMap, errno)
	}
	if addr != hint {
		_, _, _ = unix.Syscall(unix.SYS_MUNMAP, addr, uintptr(p.bytes(nPages)), 0)
		return 0, fmt.Errorf("%w: mmap fixed-noreplace: address already in use", ErrMap)
	}
	return addr, nil
}

// Protect changes the access rights of an existing mapping.
func (p *Provider) Protect(addr uintptr, nPages int, prot Protection) error {
	buf := unsafe.Slice((*byte)(unsafe.Pointer(addr)), p.bytes(nPages))
	var uprot int
	switch prot {
	case ProtNone:
		uprot = unix.PROT_NONE
	case ProtRead:
		uprot = unix.PROT_READ
	case ProtRW:
		uprot = unix.PROT_READ | unix.PROT_WRITE
	}
	if err := unix.Mprotect(buf, uprot); err != nil {
		return fmt.Errorf("%w: mprotect: %v", ErrMap, err)
	}
	return nil
}

// Immutable marks a mapping read-only and then calls immutableHint,
// which does nothing on any supported host, so a later Protect call can
// still change the mapping's rights. It is used for the process's
// options page once every tunable has been resolved at startup.
func (p *Provider) Immutable(addr uintptr, nPages int) error {
	if err := p.Protect(addr, nPages, ProtRead); err != nil {
		return err
	}
	immutableHint(addr, p.bytes(nPages))
	return nil
}

// Unmap releases a mapping back to the kernel.
func (p *Provider) Unmap(addr uintptr, nPages int) error {
	buf := unsafe.Slice((*byte)(unsafe.Pointer(addr)), p.bytes(nPages))
	if err := unix.Munmap(buf); err != nil {
		return fmt.Errorf("%w: munmap: %v", ErrMap, err)
	}
	return nil
}

// Hint tells the kernel that the referenced pages' contents can be
// discarded the next time memory is under pressure, without unmapping
// them (used when a run is retired to the page cache under junk-fill).
func (p *Provider) Hint(addr uintptr, nPages int) {
	buf := unsafe.Slice((*byte)(unsafe.Pointer(addr)), p.bytes(nPages))
	_ = unix.Madvise(buf, unix.MADV_FREE)
}
