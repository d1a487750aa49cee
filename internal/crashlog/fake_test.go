package crashlog

import (
	"errors"

	"github.com/VladMinzatu/crashsym/internal/symbolizer"
)

type fakeSymbol struct {
	start, end uint64
	module     string
	name       string
	file       string
	line       int
}

type fakeTarget struct {
	modules   []string
	added     map[string]int
	loadAddrs map[string]uint64
	text      map[string][2]uint64
	symbols   []fakeSymbol
	lookups   []uint64
}

func newFakeTarget(binary string, symbols ...fakeSymbol) *fakeTarget {
	return &fakeTarget{
		modules:   []string{binary},
		added:     map[string]int{},
		loadAddrs: map[string]uint64{},
		text:      map[string][2]uint64{},
		symbols:   symbols,
	}
}

func (t *fakeTarget) ModulePaths() []string { return t.modules }

func (t *fakeTarget) AddModule(path string) error {
	t.added[path]++
	for _, m := range t.modules {
		if m == path {
			return nil
		}
	}
	if path == "/missing.so" {
		return errors.New("no such file")
	}
	t.modules = append(t.modules, path)
	return nil
}

func (t *fakeTarget) TextSection(path string) (uint64, uint64, error) {
	if text, ok := t.text[path]; ok {
		return text[0], text[1], nil
	}
	return 0x1000, 0x1000, nil
}

func (t *fakeTarget) SetModuleLoadAddress(path string, addr uint64) error {
	t.loadAddrs[path] = addr
	return nil
}

func (t *fakeTarget) ResolveLoadAddress(addr uint64) (*symbolizer.SymbolContext, error) {
	t.lookups = append(t.lookups, addr)
	for _, s := range t.symbols {
		if addr >= s.start && addr < s.end {
			ctx := &symbolizer.SymbolContext{Module: s.module, Address: addr, File: s.file, Line: s.line}
			if s.name != "" {
				ctx.Name = s.name
				ctx.Start = s.start
			}
			return ctx, nil
		}
	}
	return nil, symbolizer.ErrNoModule
}

type fakeFactory struct {
	target  *fakeTarget
	created int
	err     error
}

func (f *fakeFactory) create(binaryPath string) (DebugTarget, error) {
	f.created++
	if f.err != nil {
		return nil, f.err
	}
	return f.target, nil
}
