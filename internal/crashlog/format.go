package crashlog

import (
	"fmt"
	"path/filepath"

	"github.com/VladMinzatu/crashsym/internal/symbolizer"
)

// FrameResult is the outcome of symbolicating one frame. Text is always
// printable: the formatted frame, or the raw line when Err is set.
type FrameResult struct {
	Frame   Frame
	Text    string
	Context *symbolizer.SymbolContext
	Err     error
}

func (r FrameResult) Resolved() bool { return r.Err == nil && r.Context != nil }

func (r FrameResult) resolvedFrame() ResolvedFrame {
	return ResolvedFrame{
		Index:   r.Frame.Index,
		Module:  r.Frame.Module,
		Path:    r.Context.Module,
		Address: r.Frame.Address,
		Symbol:  r.Context.Name,
		Offset:  r.Frame.Address - r.Context.Start,
		File:    r.Context.File,
		Line:    r.Context.Line,
	}
}

// ResolvedFrame is a symbolicated frame, kept for structured exports.
type ResolvedFrame struct {
	Index   int
	Module  string
	Path    string
	Address uint64
	Symbol  string
	Offset  uint64
	File    string
	Line    int
}

// Trace holds the resolved frames of one stack block, innermost first.
type Trace struct {
	Frames []ResolvedFrame
}

// FormatFrame renders a resolved frame:
//
//	<index> <module> 0x<address>    <symbol> + <offset> [at <file>:<line>]
func FormatFrame(ctx *symbolizer.SymbolContext, address uint64, index int, module string) string {
	line := fmt.Sprintf("%-4d %-20s 0x%016x    %s + %d", index, module, address, ctx.Name, address-ctx.Start)
	if ctx.HasLine() {
		line += fmt.Sprintf(" at %s:%d", filepath.Base(ctx.File), ctx.Line)
	}
	return line
}

// Format symbolicates address and renders it with FormatFrame.
func (s *Session) Format(address uint64, index int, module string) (string, error) {
	ctx, err := s.resolve(address)
	if err != nil {
		return "", err
	}
	return FormatFrame(ctx, address, index, module), nil
}

// ResolveFrame symbolicates a resolvable frame, falling back to its raw text.
func (s *Session) ResolveFrame(f Frame) FrameResult {
	if f.Kind != FrameResolvable {
		return FrameResult{Frame: f, Text: f.Raw, Err: fmt.Errorf("%v frame is not resolvable", f.Kind)}
	}
	ctx, err := s.resolve(f.Address)
	if err != nil {
		return FrameResult{Frame: f, Text: f.Raw, Err: err}
	}
	return FrameResult{Frame: f, Text: FormatFrame(ctx, f.Address, f.Index, f.Module), Context: ctx}
}

// resolve looks up address-1: a return address points past the call, and
// the call itself is what belongs to the frame.
func (s *Session) resolve(address uint64) (*symbolizer.SymbolContext, error) {
	if s.target == nil {
		return nil, errNoTarget
	}
	if address == 0 {
		return nil, fmt.Errorf("0x0: %w", symbolizer.ErrNoModule)
	}
	ctx, err := s.target.ResolveLoadAddress(address - 1)
	if err != nil {
		return nil, err
	}
	if !ctx.HasSymbol() {
		return nil, fmt.Errorf("0x%x in %v: %w", address, ctx.Module, symbolizer.ErrInvalidSymbol)
	}
	return ctx, nil
}
