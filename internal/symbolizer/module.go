package symbolizer

import (
	"debug/dwarf"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/ianlancetaylor/demangle"
)

// Symbols without a size extend at most this far past their start when they are the last symbol.
const maxUnsizedSymbol = 4096

type cuRange struct {
	low, high uint64
	entry     *dwarf.Entry
}

type subprogram struct {
	low, high uint64
	name      string
}

// Module is one ELF image added to a Target. All lookups inside a module
// work on file addresses; the Target translates with the module's slide.
type Module struct {
	path    string
	machine elf.Machine

	hasText    bool
	textAddr   uint64
	textOffset uint64

	// file address span of the loadable segments
	low, high uint64

	symbols []elf.Symbol

	dw       *dwarf.Data
	cuRanges []cuRange
	lines    map[dwarf.Offset][]dwarf.LineEntry
	subs     map[dwarf.Offset][]subprogram

	slide  uint64
	loaded bool
}

func OpenModule(path string) (*Module, error) {
	slog.Debug("Loading module", "path", path)
	ef, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %v: %w", path, err)
	}
	defer ef.Close()

	m := newModule(path, ef.Machine)
	if text := ef.Section(".text"); text != nil {
		m.hasText = true
		m.textAddr = text.Addr
		m.textOffset = text.Offset
	}
	m.low, m.high = loadSpan(ef)
	m.setSymbols(readSymbols(ef))

	dw, err := ef.DWARF()
	if err != nil {
		slog.Debug("DWARF data not available", "path", path, "error", err)
		return m, nil
	}
	m.dw = dw
	if err := m.indexCompileUnits(); err != nil {
		slog.Warn("Failed to index DWARF compile units", "path", path, "error", err)
		m.dw = nil
		m.cuRanges = nil
	}
	return m, nil
}

func newModule(path string, machine elf.Machine) *Module {
	return &Module{
		path:    path,
		machine: machine,
		lines:   make(map[dwarf.Offset][]dwarf.LineEntry),
		subs:    make(map[dwarf.Offset][]subprogram),
	}
}

// TextSection reports the file address and file offset of .text.
func (m *Module) TextSection() (addr, offset uint64, err error) {
	if !m.hasText {
		return 0, 0, fmt.Errorf("%v has no .text section", m.path)
	}
	return m.textAddr, m.textOffset, nil
}

func (m *Module) contains(fileAddr uint64) bool {
	return m.high > m.low && fileAddr >= m.low && fileAddr < m.high
}

// lookup finds the symbol covering fileAddr and returns its demangled name and file address.
// ELF symbol tables are consulted first, DWARF subprograms cover stripped symbol tables.
func (m *Module) lookup(fileAddr uint64) (string, uint64, bool) {
	if s, ok := m.findSymbol(fileAddr); ok {
		return demangleName(s.Name), s.Value, true
	}
	if sub, ok := m.findSubprogram(fileAddr); ok {
		return demangleName(sub.name), sub.low, true
	}
	return "", 0, false
}

func (m *Module) setSymbols(symbols []elf.Symbol) {
	sort.Slice(symbols, func(i, j int) bool {
		if symbols[i].Value != symbols[j].Value {
			return symbols[i].Value < symbols[j].Value
		}
		// functions sort last so a search lands on them
		ti := elf.ST_TYPE(symbols[i].Info)
		tj := elf.ST_TYPE(symbols[j].Info)
		if ti != tj {
			return ti != elf.STT_FUNC && tj == elf.STT_FUNC
		}
		return symbols[i].Name > symbols[j].Name
	})
	m.symbols = symbols
}

func (m *Module) findSymbol(fileAddr uint64) (elf.Symbol, bool) {
	idx := sort.Search(len(m.symbols), func(i int) bool {
		return m.symbols[i].Value > fileAddr
	})
	if idx == 0 {
		return elf.Symbol{}, false
	}
	s := m.symbols[idx-1]
	limit := s.Value + s.Size
	if s.Size == 0 {
		if idx < len(m.symbols) {
			limit = m.symbols[idx].Value
		} else {
			limit = s.Value + maxUnsizedSymbol
		}
	}
	if fileAddr >= s.Value && fileAddr < limit {
		return s, true
	}
	return elf.Symbol{}, false
}

func readSymbols(ef *elf.File) []elf.Symbol {
	var all []elf.Symbol
	if st, err := ef.Symbols(); err == nil {
		all = append(all, st...)
	}
	if st, err := ef.DynamicSymbols(); err == nil {
		all = append(all, st...)
	}
	syms := make([]elf.Symbol, 0, len(all))
	for _, s := range all {
		if s.Value == 0 || s.Name == "" || s.Section == elf.SHN_UNDEF {
			continue
		}
		switch elf.ST_TYPE(s.Info) {
		case elf.STT_FUNC, elf.STT_NOTYPE, elf.STT_GNU_IFUNC:
			syms = append(syms, s)
		}
	}
	return syms
}

func loadSpan(ef *elf.File) (low, high uint64) {
	first := true
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if first || prog.Vaddr < low {
			low = prog.Vaddr
		}
		if end := prog.Vaddr + prog.Memsz; first || end > high {
			high = end
		}
		first = false
	}
	if !first {
		return low, high
	}
	// relocatable objects have no program headers
	for _, sec := range ef.Sections {
		if sec.Flags&elf.SHF_ALLOC == 0 || sec.Size == 0 {
			continue
		}
		if first || sec.Addr < low {
			low = sec.Addr
		}
		if end := sec.Addr + sec.Size; first || end > high {
			high = end
		}
		first = false
	}
	return low, high
}

func demangleName(name string) string {
	if d, err := demangle.ToString(name, demangle.NoClones); err == nil {
		return d
	}
	return name
}

func (m *Module) indexCompileUnits() error {
	r := m.dw.Reader()
	for {
		entry, err := r.Next()
		if err != nil {
			return err
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		ranges, err := m.dw.Ranges(entry)
		if err != nil {
			r.SkipChildren()
			continue
		}
		for _, rng := range ranges {
			m.cuRanges = append(m.cuRanges, cuRange{low: rng[0], high: rng[1], entry: entry})
		}
		r.SkipChildren()
	}
	sort.Slice(m.cuRanges, func(i, j int) bool {
		return m.cuRanges[i].low < m.cuRanges[j].low
	})
	return nil
}

func (m *Module) findCU(fileAddr uint64) *dwarf.Entry {
	idx := sort.Search(len(m.cuRanges), func(i int) bool {
		return m.cuRanges[i].high > fileAddr
	})
	if idx < len(m.cuRanges) && m.cuRanges[idx].low <= fileAddr {
		return m.cuRanges[idx].entry
	}
	return nil
}

// lineFor returns the source file and line of fileAddr from the DWARF line table.
func (m *Module) lineFor(fileAddr uint64) (string, int, bool) {
	if m.dw == nil {
		return "", 0, false
	}
	cu := m.findCU(fileAddr)
	if cu == nil {
		return "", 0, false
	}
	entries, err := m.lineEntries(cu)
	if err != nil {
		slog.Debug("Failed to read line table", "path", m.path, "error", err)
		return "", 0, false
	}
	idx := sort.Search(len(entries), func(i int) bool {
		return entries[i].Address > fileAddr
	})
	if idx == 0 {
		return "", 0, false
	}
	e := entries[idx-1]
	if e.EndSequence || e.File == nil || e.Line == 0 {
		return "", 0, false
	}
	return e.File.Name, e.Line, true
}

func (m *Module) lineEntries(cu *dwarf.Entry) ([]dwarf.LineEntry, error) {
	if entries, ok := m.lines[cu.Offset]; ok {
		return entries, nil
	}
	lr, err := m.dw.LineReader(cu)
	if err != nil {
		return nil, err
	}
	if lr == nil {
		return nil, errors.New("no line table")
	}
	var entries []dwarf.LineEntry
	var entry dwarf.LineEntry
	for {
		if err := lr.Next(&entry); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Address < entries[j].Address
	})
	m.lines[cu.Offset] = entries
	return entries, nil
}

func (m *Module) findSubprogram(fileAddr uint64) (subprogram, bool) {
	if m.dw == nil {
		return subprogram{}, false
	}
	cu := m.findCU(fileAddr)
	if cu == nil {
		return subprogram{}, false
	}
	subs, ok := m.subs[cu.Offset]
	if !ok {
		var err error
		subs, err = m.parseSubprograms(cu)
		if err != nil {
			slog.Debug("Failed to read subprograms", "path", m.path, "error", err)
			return subprogram{}, false
		}
		m.subs[cu.Offset] = subs
	}
	idx := sort.Search(len(subs), func(i int) bool {
		return subs[i].high > fileAddr
	})
	if idx < len(subs) && subs[idx].low <= fileAddr {
		return subs[idx], true
	}
	return subprogram{}, false
}

func (m *Module) parseSubprograms(cu *dwarf.Entry) ([]subprogram, error) {
	var subs []subprogram
	r := m.dw.Reader()
	r.Seek(cu.Offset)
	if _, err := r.Next(); err != nil {
		return nil, err
	}
	for {
		entry, err := r.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil || entry.Tag == 0 {
			break
		}
		if entry.Tag == dwarf.TagSubprogram {
			if name := m.entryName(entry); name != "" {
				if ranges, err := m.dw.Ranges(entry); err == nil {
					for _, rng := range ranges {
						subs = append(subs, subprogram{low: rng[0], high: rng[1], name: name})
					}
				}
			}
		}
		if entry.Children {
			r.SkipChildren()
		}
	}
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].low < subs[j].low
	})
	return subs, nil
}

// entryName prefers the linkage name and follows one level of
// DW_AT_abstract_origin or DW_AT_specification.
func (m *Module) entryName(e *dwarf.Entry) string {
	for _, attr := range []dwarf.Attr{dwarf.AttrLinkageName, dwarf.AttrName} {
		if s, ok := e.Val(attr).(string); ok && s != "" {
			return s
		}
	}
	for _, attr := range []dwarf.Attr{dwarf.AttrAbstractOrigin, dwarf.AttrSpecification} {
		off, ok := e.Val(attr).(dwarf.Offset)
		if !ok {
			continue
		}
		r := m.dw.Reader()
		r.Seek(off)
		origin, err := r.Next()
		if err != nil || origin == nil {
			continue
		}
		for _, a := range []dwarf.Attr{dwarf.AttrLinkageName, dwarf.AttrName} {
			if s, ok := origin.Val(a).(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
