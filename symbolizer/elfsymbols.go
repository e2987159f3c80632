// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package symbolizer // import "go.opentelemetry.io/fpwalk/symbolizer"

import (
	"debug/elf"
	"errors"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ianlancetaylor/demangle"

	"go.opentelemetry.io/fpwalk/internal/log"
	"go.opentelemetry.io/fpwalk/libpf"
)

// Opener opens the ELF file of an image.
type Opener interface {
	OpenELF(path string) (*elf.File, error)
}

// FileOpener opens images from the file system, optionally below Root (e.g.
// an extracted sysroot of the machine a coredump was taken on).
type FileOpener struct {
	Root string
}

func (o FileOpener) OpenELF(path string) (*elf.File, error) {
	if o.Root != "" {
		path = filepath.Join(o.Root, path)
	}
	return elf.Open(path)
}

type symbol struct {
	name  string
	value uint64
	size  uint64
}

// symbolTable holds the function symbols of one image sorted by address,
// plus the PT_LOAD headers needed to map file offsets to symbol values.
type symbolTable struct {
	symbols []symbol
	loads   []elf.ProgHeader
}

// tableEntry is the symbol table of one image, loaded on first use.
type tableEntry struct {
	once sync.Once
	tab  *symbolTable
}

// ELFSymbols enriches KnownImage classifications of an underlying classifier
// with the enclosing function symbol, read from the image's .symtab or
// .dynsym. Symbol tables are loaded once per image; loading one image does
// not block lookups in others.
type ELFSymbols struct {
	next   AddressClassifier
	opener Opener

	mu     sync.Mutex
	tables map[string]*tableEntry
}

var (
	_ AddressClassifier       = (*ELFSymbols)(nil)
	_ ReturnAddressClassifier = (*ELFSymbols)(nil)
)

// NewELFSymbols wraps next. A nil opener reads images from the file system.
func NewELFSymbols(next AddressClassifier, opener Opener) *ELFSymbols {
	if opener == nil {
		opener = FileOpener{}
	}
	return &ELFSymbols{
		next:   next,
		opener: opener,
		tables: make(map[string]*tableEntry),
	}
}

func (s *ELFSymbols) Classify(addr libpf.Address) Classification {
	return s.symbolize(s.next.Classify(addr), false)
}

func (s *ELFSymbols) ClassifyReturnAddress(ret libpf.Address) Classification {
	return s.symbolize(ClassifyReturnAddress(s.next, ret), true)
}

func (s *ELFSymbols) symbolize(c Classification, ret bool) Classification {
	if c.Kind != KnownImage || c.Symbol != "" {
		return c
	}
	tab := s.table(c.Image)
	if tab == nil {
		return c
	}
	lookup := tab.lookup
	if ret {
		lookup = tab.lookupReturn
	}
	if sym, off, ok := lookup(c.Offset); ok {
		c.Symbol = sym.name
		c.SymbolOffset = off
	}
	return c
}

// table returns the symbol table for path. A nil table is kept for images
// that can not be read, so failures are only logged once.
func (s *ELFSymbols) table(path string) *symbolTable {
	s.mu.Lock()
	e, ok := s.tables[path]
	if !ok {
		e = &tableEntry{}
		s.tables[path] = e
	}
	s.mu.Unlock()

	e.once.Do(func() {
		tab, err := s.load(path)
		if err != nil {
			log.Warnf("Failed to load symbols of %s: %v", path, err)
		}
		e.tab = tab
	})
	return e.tab
}

func (s *ELFSymbols) load(path string) (*symbolTable, error) {
	ef, err := s.opener.OpenELF(path)
	if err != nil {
		return nil, err
	}
	defer ef.Close()
	return newSymbolTable(ef)
}

func newSymbolTable(ef *elf.File) (*symbolTable, error) {
	tab := &symbolTable{}
	for _, p := range ef.Progs {
		if p.Type == elf.PT_LOAD {
			tab.loads = append(tab.loads, p.ProgHeader)
		}
	}

	syms, err := ef.Symbols()
	if errors.Is(err, elf.ErrNoSymbols) || len(syms) == 0 {
		syms, err = ef.DynamicSymbols()
	}
	if err != nil {
		return nil, err
	}
	for _, sym := range syms {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Value == 0 {
			continue
		}
		tab.symbols = append(tab.symbols, symbol{
			name:  symbolName(sym.Name),
			value: sym.Value,
			size:  sym.Size,
		})
	}
	sort.Slice(tab.symbols, func(i, j int) bool {
		return tab.symbols[i].value < tab.symbols[j].value
	})
	return tab, nil
}

// vaddr converts a file offset to the virtual address symbols use.
func (tab *symbolTable) vaddr(fileOffset uint64) (uint64, bool) {
	for i := range tab.loads {
		p := &tab.loads[i]
		if fileOffset >= p.Off && fileOffset < p.Off+p.Filesz {
			return fileOffset - p.Off + p.Vaddr, true
		}
	}
	return 0, false
}

func (tab *symbolTable) lookup(fileOffset uint64) (symbol, uint64, bool) {
	va, ok := tab.vaddr(fileOffset)
	if !ok {
		return symbol{}, 0, false
	}
	idx := sort.Search(len(tab.symbols), func(i int) bool {
		return tab.symbols[i].value > va
	}) - 1
	if idx < 0 {
		return symbol{}, 0, false
	}
	sym := tab.symbols[idx]
	// Symbols without a size (e.g. from hand written assembly) extend to the
	// next symbol.
	if sym.size != 0 && va >= sym.value+sym.size {
		return symbol{}, 0, false
	}
	return sym, va - sym.value, true
}

// lookupReturn looks up the symbol of the call instruction preceding the
// return address at fileOffset. The returned offset is that of the return
// address.
func (tab *symbolTable) lookupReturn(fileOffset uint64) (symbol, uint64, bool) {
	if fileOffset == 0 {
		return symbol{}, 0, false
	}
	sym, off, ok := tab.lookup(fileOffset - 1)
	return sym, off + 1, ok
}

// symbolName demangles C++ and Rust symbol names, leaving others untouched.
func symbolName(raw string) string {
	return demangle.Filter(raw)
}
