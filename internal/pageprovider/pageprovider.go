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

// Package pageprovider wraps the host memory-mapping primitives used by
// the allocator: page-granular reserve/commit with anonymous mappings,
// protection changes, and an "immutable" marking used for the read-only
// options page.
package pageprovider

import (
	"errors"
	"os"
)

// ErrMap is returned (wrapped) when a map/protect/unmap call fails at the
// OS level. Callers never assume success; every Provider method returns
// an explicit error instead of panicking on OS failure.
var ErrMap = errors.New("pageprovider: operation failed")

// Protection describes the access rights requested for a mapping.
type Protection int

const (
	ProtNone Protection = iota
	ProtRW
	ProtRead
)

// Flags carries per-pool mapping flags, e.g. whether pages should be
// excluded from core dumps (the "concealed" pool).
type Flags uint32

const (
	// FlagConceal requests that mapped pages not be included in core
	// dumps or inherited across exec, where the host supports it.
	FlagConceal Flags = 1 << iota
)

// Provider is a thin façade over the OS mapping primitives. It carries no
// state beyond the page size; all methods are safe for concurrent use
// because the underlying syscalls are.
type Provider struct {
	pageSize int
}

// New returns a Provider sized to the host's page granularity.
func New() *Provider {
	return &Provider{pageSize: os.Getpagesize()}
}

// PageSize returns the host page size in bytes.
func (p *Provider) PageSize() int { return p.pageSize }

func (p *Provider) bytes(nPages int) int {
	return nPages * p.pageSize
}
