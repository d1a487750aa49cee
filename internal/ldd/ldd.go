// Package ldd maps the short library names printed in crash logs to the
// files the dynamic linker would load for a binary.
package ldd

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
)

const DefaultCommand = "ldd"

// Libraries maps a library short name, and the basename it resolves to after
// following symlinks, to the library's path.
type Libraries map[string]string

func (l Libraries) Lookup(name string) (string, bool) {
	path, ok := l[name]
	return path, ok
}

type Runner func(name string, args ...string) ([]byte, error)

type Resolver struct {
	command  string
	run      Runner
	realpath func(path string) (string, error)
}

func NewResolver(command string) *Resolver {
	if command == "" {
		command = DefaultCommand
	}
	return &Resolver{command: command, run: runCombined, realpath: filepath.EvalSymlinks}
}

// Resolve lists the dependencies of binary. A missing command or a non-zero exit is an error.
func (r *Resolver) Resolve(binary string) (Libraries, error) {
	out, err := r.run(r.command, binary)
	if err != nil {
		return nil, err
	}
	libs := Parse(out, r.realpath)
	slog.Debug("Resolved dynamic libraries", "binary", binary, "entries", len(libs))
	return libs, nil
}

// Parse reads lines such as
//
//	libswiftCore.so => /usr/lib/swift/linux/libswiftCore.so (0x00007f1234000000)
//	/lib64/ld-linux-x86-64.so.2 (0x00007f1234500000)
//
// The second-to-last token is the library path. Lines with fewer than two
// tokens, or whose path token is not absolute (vdso, "not found"), are skipped.
func Parse(out []byte, realpath func(string) (string, error)) Libraries {
	libs := make(Libraries)
	s := bufio.NewScanner(bytes.NewReader(out))
	for s.Scan() {
		tokens := strings.Fields(s.Text())
		if len(tokens) < 2 {
			continue
		}
		name := tokens[0]
		path := tokens[len(tokens)-2]
		if !filepath.IsAbs(path) {
			continue
		}
		libs[name] = path
		real, err := realpath(path)
		if err != nil {
			slog.Debug("Failed to resolve library symlinks", "path", path, "error", err)
			continue
		}
		libs[filepath.Base(real)] = path
	}
	return libs
}

func runCombined(name string, args ...string) ([]byte, error) {
	output := new(bytes.Buffer)
	cmd := exec.Command(name, args...)
	cmd.Stdout = output
	cmd.Stderr = output
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("failed to run %v %v: %w\n%s", name, strings.Join(args, " "), err, output.Bytes())
	}
	return output.Bytes(), nil
}
