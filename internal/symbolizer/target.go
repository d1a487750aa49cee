package symbolizer

import (
	"debug/elf"
	"fmt"
	"log/slog"
)

type ModuleOpener func(path string) (*Module, error)

// Debugger creates targets. It has no state of its own beyond how it opens
// modules and how it learns the host architecture.
type Debugger struct {
	open        ModuleOpener
	hostMachine func() (string, error)
}

func NewDebugger() *Debugger {
	return &Debugger{open: OpenModule, hostMachine: HostMachine}
}

// CheckBinary makes sure path is a readable ELF image and warns when it was
// built for another architecture than the host.
func (d *Debugger) CheckBinary(path string) (elf.Machine, error) {
	ef, err := elf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read binary %v: %w", path, err)
	}
	defer ef.Close()

	host, err := d.hostMachine()
	if err != nil {
		slog.Warn("Failed to determine host architecture", "error", err)
		return ef.Machine, nil
	}
	if !MachineMatches(ef.Machine, host) {
		slog.Warn("Binary architecture differs from host", "binary", ef.Machine.String(), "host", host)
	}
	return ef.Machine, nil
}

// CreateTarget builds a target for the executable at path. The executable is
// its first module, added but not yet given a load address.
func (d *Debugger) CreateTarget(path string) (*Target, error) {
	exe, err := d.open(path)
	if err != nil {
		return nil, err
	}
	slog.Debug("Created target", "path", path, "arch", exe.machine.String())
	return &Target{
		machine: exe.machine,
		modules: []*Module{exe},
		open:    d.open,
	}, nil
}

// Target is a set of modules with their load addresses, all of one architecture.
type Target struct {
	machine elf.Machine
	modules []*Module
	open    ModuleOpener
}

// ModulePaths lists the target's modules in the order they were added, executable first.
func (t *Target) ModulePaths() []string {
	paths := make([]string, 0, len(t.modules))
	for _, m := range t.modules {
		paths = append(paths, m.path)
	}
	return paths
}

func (t *Target) Module(path string) (*Module, bool) {
	for _, m := range t.modules {
		if m.path == path {
			return m, true
		}
	}
	return nil, false
}

// AddModule opens and adds the image at path. Adding a path twice is a no-op.
func (t *Target) AddModule(path string) error {
	if _, ok := t.Module(path); ok {
		return nil
	}
	m, err := t.open(path)
	if err != nil {
		return err
	}
	if m.machine != t.machine {
		return fmt.Errorf("%v is %v, target is %v", path, m.machine, t.machine)
	}
	t.modules = append(t.modules, m)
	return nil
}

func (t *Target) TextSection(path string) (addr, offset uint64, err error) {
	m, ok := t.Module(path)
	if !ok {
		return 0, 0, fmt.Errorf("%v: %w", path, ErrNoModuleForPath)
	}
	return m.TextSection()
}

// SetModuleLoadAddress places the module so that file address A is found at load address A+addr.
func (t *Target) SetModuleLoadAddress(path string, addr uint64) error {
	m, ok := t.Module(path)
	if !ok {
		return fmt.Errorf("%v: %w", path, ErrNoModuleForPath)
	}
	m.slide = addr
	m.loaded = true
	slog.Debug("Set module load address", "path", path, "slide", fmt.Sprintf("0x%x", addr))
	return nil
}

// ResolveLoadAddress maps addr to the module containing it and the symbol and
// source line covering it. Modules without a load address are searched with
// their file addresses, after every loaded module.
func (t *Target) ResolveLoadAddress(addr uint64) (*SymbolContext, error) {
	for _, loaded := range []bool{true, false} {
		for _, m := range t.modules {
			if m.loaded != loaded || addr < m.slide {
				continue
			}
			fileAddr := addr - m.slide
			if !m.contains(fileAddr) {
				continue
			}
			return m.symbolContext(addr, fileAddr), nil
		}
	}
	return nil, fmt.Errorf("0x%x: %w", addr, ErrNoModule)
}

func (m *Module) symbolContext(addr, fileAddr uint64) *SymbolContext {
	ctx := &SymbolContext{Module: m.path, Address: addr}
	if name, start, ok := m.lookup(fileAddr); ok {
		ctx.Name = name
		ctx.Start = start + m.slide
	}
	if file, line, ok := m.lineFor(fileAddr); ok {
		ctx.File = file
		ctx.Line = line
	}
	return ctx
}
