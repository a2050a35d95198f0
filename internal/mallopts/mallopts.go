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

// Package mallopts parses the allocator's single-character option
// string from, in priority order, a compiled-in default, an optional
// compiled-in YAML document, the GOMALLOC_OPTIONS environment variable,
// and an optional link-time override, mirroring the priority chain used
// for CACHEDIR-style settings in cmd/snellerd/run_daemon.go (flag
// default, then environment override) generalized to a longer chain.
package mallopts

import (
	"log"
	"os"
	"unsafe"

	"sigs.k8s.io/yaml"

	"github.com/JonathanDLee24/gomalloc/internal/pageprovider"
)

// buildOptions, when non-empty, is applied last, after the compiled-in
// default, the YAML document and the environment, so its flags override
// all of them. It exists to be set via
// -ldflags at link time, the Go analogue of the teacher's weak-alias
// malloc_options string.
var buildOptions string

// yamlDoc mirrors Options' tunable fields for decoding an optional
// gomalloc.yaml compiled-in default-options document, the structured
// alternative to the single-character option string for embedders who
// bake defaults in at build time rather than via GOMALLOC_OPTIONS.
type yamlDoc struct {
	Pools         *int  `json:"pools"`
	CacheMaxPages *int  `json:"cacheMaxPages"`
	ChunkCanaries *bool `json:"chunkCanaries"`
	Guard         *bool `json:"guard"`
	JunkLevel     *int  `json:"junkLevel"`
	FreeUnmap     *bool `json:"freeUnmap"`
	AbortOnOOM    *bool `json:"abortOnOOM"`
}

// applyYAML decodes doc (gomalloc.yaml content) on top of base, leaving
// fields the document omits untouched.
func applyYAML(base Options, doc []byte) (Options, error) {
	var d yamlDoc
	if err := yaml.Unmarshal(doc, &d); err != nil {
		return base, err
	}
	o := base
	if d.Pools != nil {
		o.PoolCount = *d.Pools
	}
	if d.CacheMaxPages != nil {
		o.CacheMax = *d.CacheMaxPages
	}
	if d.ChunkCanaries != nil {
		o.ChunkCanaries = *d.ChunkCanaries
	}
	if d.Guard != nil {
		o.Guard = *d.Guard
	}
	if d.JunkLevel != nil {
		o.JunkLevel = *d.JunkLevel
	}
	if d.FreeUnmap != nil {
		o.FreeUnmap = *d.FreeUnmap
	}
	if d.AbortOnOOM != nil {
		o.AbortOnOOM = *d.AbortOnOOM
	}
	return o, nil
}

// Options is the parsed, immutable-after-init snapshot every pool keeps.
type Options struct {
	PoolCount       int
	CacheMax        int // baseline small-cache slot capacity, in pages
	ChunkCanaries   bool
	StatsDump       bool
	FreeCheck       bool // walk the delayed-free ring on every free
	Guard           bool // trailing guard page on large allocations
	JunkLevel       int  // 0 = off, 1 = striped, 2 = full
	AlwaysRealloc   bool // never reuse in place
	FreeUnmap       bool // protect(none) freed pages instead of junk-filling
	AbortOnOOM      bool // "xmalloc" mode
	VerboseDump     bool
}

// Default returns the allocator's compiled-in defaults, matching
// OpenBSD's omalloc_init: 8 pools, junk level 1, the default cache size,
// no canaries, no guard pages.
func Default() Options {
	return Options{
		PoolCount: 8,
		CacheMax:  64,
		JunkLevel: 1,
	}
}

// Logger receives warnings about unrecognized option characters. It
// defaults to the standard logger, matching the plain log.Logger usage
// throughout the teacher's cmd/snellerd package.
var Logger = log.Default()

// Parse applies opts's flag characters, in order, on top of base and
// returns the result. Unknown characters are warned about via Logger
// and otherwise ignored rather than treated as fatal, matching the
// reference allocator's tolerant handling of an unrecognized option
// letter.
func Parse(base Options, opts string) Options {
	o := base
	for _, c := range opts {
		switch c {
		case 'S':
			o = applyAll(o, "CFGJ")
			o.CacheMax = 0
		case 's':
			o = applyAll(o, "cfgj")
			o.CacheMax = Default().CacheMax
		default:
			o = apply(o, c)
		}
	}
	return o
}

func applyAll(o Options, flags string) Options {
	for _, c := range flags {
		o = apply(o, c)
	}
	return o
}

func apply(o Options, c rune) Options {
	switch c {
	case '+':
		o.PoolCount <<= 1
		if o.PoolCount > 128 {
			o.PoolCount = 128
		}
	case '-':
		o.PoolCount >>= 1
		if o.PoolCount < 2 {
			o.PoolCount = 2
		}
	case '>':
		o.CacheMax <<= 1
		if o.CacheMax > 256 {
			o.CacheMax = 256
		}
	case '<':
		o.CacheMax >>= 1
	case 'C':
		o.ChunkCanaries = true
	case 'c':
		o.ChunkCanaries = false
	case 'D':
		o.StatsDump = true
	case 'd':
		o.StatsDump = false
	case 'F':
		o.FreeCheck = true
	case 'f':
		o.FreeCheck = false
	case 'G':
		o.Guard = true
	case 'g':
		o.Guard = false
	case 'J':
		if o.JunkLevel < 2 {
			o.JunkLevel++
		}
	case 'j':
		if o.JunkLevel > 0 {
			o.JunkLevel--
		}
	case 'R':
		o.AlwaysRealloc = true
	case 'r':
		o.AlwaysRealloc = false
	case 'U':
		o.FreeUnmap = true
	case 'u':
		o.FreeUnmap = false
	case 'X':
		o.AbortOnOOM = true
	case 'x':
		o.AbortOnOOM = false
	case 'V':
		o.VerboseDump = true
	case 'v':
		o.VerboseDump = false
	default:
		Logger.Printf("gomalloc: warning: unknown option character %q", c)
	}
	return o
}

// buildConfigYAML, like buildOptions, is meant to be set via -ldflags: a
// compiled-in gomalloc.yaml document applied before the flag-character
// overrides, so an embedder can bake in a structured default profile
// and still let GOMALLOC_OPTIONS tweak it at runtime.
var buildConfigYAML string

// Load resolves the final Options for process startup: compiled-in
// default, then an optional compiled-in YAML document, then
// GOMALLOC_OPTIONS (skipped under a setuid/setgid process, mirroring
// issetugid() in the original), then the link-time flag-character
// override.
func Load() Options {
	o := Default()
	if buildConfigYAML != "" {
		decoded, err := applyYAML(o, []byte(buildConfigYAML))
		if err != nil {
			Logger.Printf("gomalloc: warning: invalid compiled-in config: %v", err)
		} else {
			o = decoded
		}
	}
	if os.Getuid() == os.Geteuid() && os.Getgid() == os.Getegid() {
		if env, ok := os.LookupEnv("GOMALLOC_OPTIONS"); ok {
			o = Parse(o, env)
		}
	}
	if buildOptions != "" {
		o = Parse(o, buildOptions)
	}
	return o
}

// Frozen holds the process's resolved Options on a dedicated page made
// immutable once every tunable has been applied, so a heap corruption
// bug elsewhere in the process can't silently flip, say, AbortOnOOM.
type Frozen struct {
	ptr *Options
}

// Freeze copies o onto a fresh page owned by p and marks that page
// immutable (Provider.Immutable), which degrades to a plain read-only
// mapping on hosts without a tamper-resistant mapping primitive. The
// returned Frozen is the only supported way to read the options back;
// o itself should not be reused afterward.
func Freeze(p *pageprovider.Provider, o Options) (*Frozen, error) {
	addr, err := p.MapRW(1, pageprovider.Flags(0))
	if err != nil {
		return nil, err
	}
	optr := (*Options)(unsafe.Pointer(addr))
	*optr = o
	if err := p.Immutable(addr, 1); err != nil {
		return nil, err
	}
	return &Frozen{ptr: optr}, nil
}

// Get returns the frozen Options value.
func (f *Frozen) Get() Options {
	return *f.ptr
}
