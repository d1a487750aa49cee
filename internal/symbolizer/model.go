package symbolizer

import "errors"

var (
	// ErrNoModule is returned when a load address falls outside every module of a target.
	ErrNoModule = errors.New("address not in any loaded module")
	// ErrInvalidSymbol is returned when no symbol covers an address.
	ErrInvalidSymbol = errors.New("no symbol for address")
	// ErrNoModuleForPath is returned when a path was never added to the target.
	ErrNoModuleForPath = errors.New("module not added to target")
)

// SymbolContext is what a load address resolves to inside a Target.
// Name and Start are zero when the address is inside a module but no symbol covers it.
type SymbolContext struct {
	Module  string
	Address uint64
	Name    string
	Start   uint64 // load address of the symbol's first byte
	File    string
	Line    int
}

func (c *SymbolContext) HasSymbol() bool {
	return c != nil && c.Name != ""
}

func (c *SymbolContext) HasLine() bool {
	return c != nil && c.File != "" && c.Line > 0
}
