package crashlog

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/VladMinzatu/crashsym/internal/ldd"
	"github.com/VladMinzatu/crashsym/internal/symbolizer"
)

// DebugTarget is the debug-information backend the session drives.
// *symbolizer.Target implements it.
type DebugTarget interface {
	ModulePaths() []string
	AddModule(path string) error
	TextSection(path string) (addr, offset uint64, err error)
	SetModuleLoadAddress(path string, addr uint64) error
	ResolveLoadAddress(addr uint64) (*symbolizer.SymbolContext, error)
}

type TargetFactory func(binaryPath string) (DebugTarget, error)

// MemoryMap maps a module path to the address its image was loaded at.
type MemoryMap map[string]uint64

func (m MemoryMap) paths() []string {
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// BaseMismatchError means one log places a module at two load addresses.
type BaseMismatchError struct {
	Module string
	Old    uint64
	New    uint64
}

func (e *BaseMismatchError) Error() string {
	return fmt.Sprintf("base address mismatch for %s: old 0x%x, new 0x%x", e.Module, e.Old, e.New)
}

type Stats struct {
	Blocks      int
	Bases       int
	Resolved    int
	Passthrough int
}

// Session owns everything that must stay consistent across the stack blocks
// of one log: the known module bases and the single debug target.
type Session struct {
	binaryPath string
	libs       ldd.Libraries
	newTarget  TargetFactory

	target DebugTarget
	known  MemoryMap
	traces []Trace
	stats  Stats
}

func NewSession(binaryPath string, libs ldd.Libraries, newTarget TargetFactory) *Session {
	if libs == nil {
		libs = ldd.Libraries{}
	}
	return &Session{
		binaryPath: binaryPath,
		libs:       libs,
		newTarget:  newTarget,
		known:      make(MemoryMap),
	}
}

func (s *Session) Stats() Stats { return s.stats }

func (s *Session) Traces() []Trace { return s.traces }

// KnownBases returns a copy of every module base seen so far.
func (s *Session) KnownBases() MemoryMap {
	bases := make(MemoryMap, len(s.known))
	for p, b := range s.known {
		bases[p] = b
	}
	return bases
}

// InferBases parses a block. The returned map holds only the modules whose
// base was first seen in this block. A *BaseMismatchError is the only error.
func (s *Session) InferBases(block []string) (MemoryMap, []Frame, error) {
	memoryMap := make(MemoryMap)
	frames := make([]Frame, 0, len(block))
	for i, raw := range block {
		f := ParseFrame(raw, i, s.binaryPath, s.libs)
		if f.Kind == FrameBase {
			if f.Path == "" {
				f.Kind = FrameUnparsed
				f.Err = fmt.Errorf("unknown module %q", f.Module)
			} else if err := s.recordBase(memoryMap, f.Path, f.Base); err != nil {
				return nil, nil, err
			}
		}
		frames = append(frames, f)
	}
	return memoryMap, frames, nil
}

func (s *Session) recordBase(memoryMap MemoryMap, path string, base uint64) error {
	for _, m := range []MemoryMap{memoryMap, s.known} {
		if old, ok := m[path]; ok {
			if old != base {
				return &BaseMismatchError{Module: path, Old: old, New: base}
			}
			return nil
		}
	}
	slog.Debug("Inferred module base", "path", path, "base", fmt.Sprintf("0x%x", base))
	memoryMap[path] = base
	s.known[path] = base
	return nil
}

// EnsureLoaded creates the target on first use and gives every module of
// memoryMap its load address. The first block places modules relative to
// their .text slide; later blocks set the base directly and only add the
// modules the target does not hold yet.
func (s *Session) EnsureLoaded(memoryMap MemoryMap) error {
	if s.target == nil {
		target, err := s.newTarget(s.binaryPath)
		if err != nil {
			return fmt.Errorf("failed to create debug target for %v: %w", s.binaryPath, err)
		}
		s.target = target
		for _, path := range memoryMap.paths() {
			if err := s.target.AddModule(path); err != nil {
				slog.Warn("Failed to add module", "path", path, "error", err)
				continue
			}
			addr, offset, err := s.target.TextSection(path)
			if err != nil {
				slog.Warn("Failed to read text section", "path", path, "error", err)
				continue
			}
			s.setLoadAddress(path, memoryMap[path]-(addr-offset))
		}
		return nil
	}
	present := make(map[string]bool)
	for _, path := range s.target.ModulePaths() {
		present[path] = true
	}
	for _, path := range memoryMap.paths() {
		if present[path] {
			slog.Debug("Module already in target", "path", path)
		} else if err := s.target.AddModule(path); err != nil {
			slog.Warn("Failed to add module", "path", path, "error", err)
			continue
		}
		s.setLoadAddress(path, memoryMap[path])
	}
	return nil
}

func (s *Session) setLoadAddress(path string, addr uint64) {
	if err := s.target.SetModuleLoadAddress(path, addr); err != nil {
		slog.Warn("Failed to set module load address", "path", path, "error", err)
	}
}

// ProcessBlock resolves one stack-trace block. Base frames produce no result;
// every other frame produces exactly one, in order. Only a base address
// mismatch or a target that cannot be created fail the block.
func (s *Session) ProcessBlock(block []string) ([]FrameResult, error) {
	if len(block) == 0 {
		return nil, nil
	}
	s.stats.Blocks++
	memoryMap, frames, err := s.InferBases(block)
	if err != nil {
		return nil, err
	}
	if len(memoryMap) > 0 || hasResolvable(frames) {
		if err := s.EnsureLoaded(memoryMap); err != nil {
			return nil, err
		}
	}

	results := make([]FrameResult, 0, len(frames))
	var trace Trace
	for _, f := range frames {
		switch f.Kind {
		case FrameBase:
			s.stats.Bases++
			continue
		case FrameResolvable:
			r := s.ResolveFrame(f)
			results = append(results, r)
			if r.Resolved() {
				trace.Frames = append(trace.Frames, r.resolvedFrame())
			}
		default:
			results = append(results, FrameResult{Frame: f, Text: f.Raw, Err: f.Err})
		}
	}
	for _, r := range results {
		if r.Resolved() {
			s.stats.Resolved++
		} else {
			s.stats.Passthrough++
			slog.Debug("Passing frame through", "line", r.Frame.Raw, "error", r.Err)
		}
	}
	if len(trace.Frames) > 0 {
		s.traces = append(s.traces, trace)
	}
	return results, nil
}

func hasResolvable(frames []Frame) bool {
	for _, f := range frames {
		if f.Kind == FrameResolvable {
			return true
		}
	}
	return false
}

var errNoTarget = errors.New("no debug target")
