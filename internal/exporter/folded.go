package exporter

import (
	"bufio"
	"cmp"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/VladMinzatu/crashsym/internal/crashlog"
)

// BuildFoldedStacks counts identical stacks in the "root;...;leaf" format flamegraph tools read.
func BuildFoldedStacks(traces []crashlog.Trace) map[string]uint64 {
	agg := make(map[string]uint64)
	for _, trace := range traces {
		if len(trace.Frames) == 0 {
			continue
		}
		names := make([]string, 0, len(trace.Frames))
		for i := len(trace.Frames) - 1; i >= 0; i-- { // reverse order because flamegraphs expect root->leaf order
			names = append(names, escapeFoldedName(trace.Frames[i].Symbol))
		}
		agg[strings.Join(names, ";")]++
	}
	return agg
}

// frames are joined with ';' and each stack is one line
var foldedEscaper = strings.NewReplacer(";", "_", "\r\n", " ", "\n", " ", "\r", " ")

func escapeFoldedName(name string) string {
	name = strings.TrimSpace(foldedEscaper.Replace(name))
	if name == "" {
		return "<unknown>"
	}
	return name
}

// WriteFoldedStacksToFile writes one "stack count" line per stack, most frequent first.
func WriteFoldedStacksToFile(agg map[string]uint64, filename string) (err error) {
	stacks := make([]string, 0, len(agg))
	for stack := range agg {
		stacks = append(stacks, stack)
	}
	slices.SortFunc(stacks, func(a, b string) int {
		if c := cmp.Compare(agg[b], agg[a]); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})

	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	w := bufio.NewWriter(f)
	for _, stack := range stacks {
		w.WriteString(stack)
		w.WriteByte(' ')
		w.WriteString(strconv.FormatUint(agg[stack], 10))
		w.WriteByte('\n')
	}
	return w.Flush()
}
