package crashlog

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/VladMinzatu/crashsym/internal/ldd"
)

const (
	// StackTraceMarker opens a stack-trace block.
	StackTraceMarker = "Current stack trace:"

	unavailableSymbol = "<unavailable>"
)

type FrameKind int

const (
	// FrameUnparsed frames are printed as they were read.
	FrameUnparsed FrameKind = iota
	// FrameBase frames only reveal the load base of their module.
	FrameBase
	// FrameResolvable frames carry an absolute address to symbolicate.
	FrameResolvable
)

func (k FrameKind) String() string {
	switch k {
	case FrameBase:
		return "base"
	case FrameResolvable:
		return "resolvable"
	}
	return "unparsed"
}

// Frame is one line of a stack-trace block:
//
//	<index> <module> <hex-address> <symbol or <unavailable>> ... <decimal-offset>
type Frame struct {
	Raw    string
	Index  int
	Module string
	// Path is the module's file, empty when the short name is unknown.
	Path    string
	Kind    FrameKind
	Base    uint64
	Address uint64
	Err     error
}

// ParseFrame tokenizes raw. Parse failures are recorded in Frame.Err and
// leave the frame FrameUnparsed.
func ParseFrame(raw string, index int, binaryPath string, libs ldd.Libraries) Frame {
	f := Frame{Raw: raw, Index: index}
	tokens := strings.Fields(raw)
	if len(tokens) < 4 {
		f.Err = fmt.Errorf("expected at least 4 fields, got %d", len(tokens))
		return f
	}
	f.Module = tokens[1]
	f.Path = modulePath(f.Module, binaryPath, libs)

	addr, err := parseHex(tokens[2])
	if err != nil {
		f.Err = fmt.Errorf("invalid address %q: %w", tokens[2], err)
		return f
	}
	offset, err := strconv.ParseUint(tokens[len(tokens)-1], 10, 64)
	if err != nil {
		f.Err = fmt.Errorf("invalid offset %q: %w", tokens[len(tokens)-1], err)
		return f
	}

	if strings.Contains(tokens[3], unavailableSymbol) {
		if offset > addr {
			f.Err = fmt.Errorf("offset %d is past address 0x%x", offset, addr)
			return f
		}
		f.Kind = FrameBase
		f.Base = addr - offset
		return f
	}
	f.Kind = FrameResolvable
	f.Address = addr + offset
	return f
}

// modulePath resolves a short module name. A name contained in the binary's
// path is taken to be the binary itself, which misfires when the binary's
// path happens to contain a library's name.
func modulePath(name, binaryPath string, libs ldd.Libraries) string {
	if path, ok := libs.Lookup(name); ok {
		return path
	}
	if strings.Contains(binaryPath, name) {
		slog.Debug("Matched module to binary by name", "module", name, "binary", binaryPath)
		return binaryPath
	}
	return ""
}

func parseHex(s string) (uint64, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	return strconv.ParseUint(s, 16, 64)
}
