package exporter

import (
	"bufio"
	"os"
	"strings"
	"testing"

	"github.com/VladMinzatu/crashsym/internal/crashlog"
)

func TestBuildFoldedStacks_AggregationAndOrder(t *testing.T) {
	trace := crashlog.Trace{Frames: []crashlog.ResolvedFrame{swiftFoo(), appMain()}}
	agg := BuildFoldedStacks([]crashlog.Trace{trace, trace, {}})
	if len(agg) != 1 {
		t.Fatalf("expected 1 aggregated entry, got %d", len(agg))
	}
	if got := agg["main;swift_foo"]; got != 2 {
		t.Fatalf("unexpected folded stacks %v (want main;swift_foo 2)", agg)
	}
}

func TestBuildFoldedStacks_Escaping(t *testing.T) {
	trace := crashlog.Trace{Frames: []crashlog.ResolvedFrame{
		{Symbol: "Leaf;Name"},
		{Symbol: "Root\nName"},
		{Symbol: "  "},
	}}
	agg := BuildFoldedStacks([]crashlog.Trace{trace})
	if got := agg["<unknown>;Root Name;Leaf_Name"]; got != 1 {
		t.Fatalf("unexpected folded stacks %v", agg)
	}
}

func TestWriteFoldedStacksToFile(t *testing.T) {
	agg := map[string]uint64{
		"root;leaf": 10,
		"r;l":       5,
		"a;b":       5,
	}
	tmp := t.TempDir() + "/folded.txt"
	if err := WriteFoldedStacksToFile(agg, tmp); err != nil {
		t.Fatalf("WriteFoldedStacksToFile failed: %v", err)
	}
	f, err := os.Open(tmp)
	if err != nil {
		t.Fatalf("open tmp file: %v", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	want := []string{"root;leaf 10", "a;b 5", "r;l 5"}
	if strings.Join(lines, "\n") != strings.Join(want, "\n") {
		t.Fatalf("got lines %q; want %q", lines, want)
	}
}

func TestEscapeFoldedName(t *testing.T) {
	tests := map[string]string{
		"swift_foo":           "swift_foo",
		"a;b":                 "a_b",
		"line\r\nbreak":       "line break",
		"carriage\rreturn":    "carriage return",
		" \n ":                "<unknown>",
		"foo::bar(int, char)": "foo::bar(int, char)",
	}
	for in, want := range tests {
		if got := escapeFoldedName(in); got != want {
			t.Errorf("escapeFoldedName(%q) = %q; want %q", in, got, want)
		}
	}
}

func TestWriteFoldedStacksToFile_MissingDirectory(t *testing.T) {
	if err := WriteFoldedStacksToFile(map[string]uint64{"a": 1}, t.TempDir()+"/missing/folded.txt"); err == nil {
		t.Fatalf("expected error writing into a missing directory")
	}
}
