package exporter

import (
	"os"
	"sort"

	"github.com/VladMinzatu/crashsym/internal/crashlog"
	"github.com/google/pprof/profile"
)

// BuildPprofProfile turns each stack block into one sample of value 1.
// bases gives every module's load base, used for the profile's mappings.
func BuildPprofProfile(traces []crashlog.Trace, bases crashlog.MemoryMap) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "stacks", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "stacks", Unit: "count"},
		Period:     1,
	}

	paths := make([]string, 0, len(bases))
	for path := range bases {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	mappings := map[string]*profile.Mapping{}
	for _, path := range paths {
		m := &profile.Mapping{
			ID:           uint64(len(p.Mapping) + 1),
			Start:        bases[path],
			File:         path,
			HasFunctions: true,
		}
		mappings[path] = m
		p.Mapping = append(p.Mapping, m)
	}

	type funcKey struct{ name, file string }
	funcs := map[funcKey]*profile.Function{}
	locs := map[uint64]*profile.Location{}

	addFunction := func(name, file string) *profile.Function {
		key := funcKey{name, file}
		if f, ok := funcs[key]; ok {
			return f
		}
		fn := &profile.Function{
			ID:         uint64(len(p.Function) + 1),
			Name:       name,
			SystemName: name,
			Filename:   file,
		}
		funcs[key] = fn
		p.Function = append(p.Function, fn)
		return fn
	}

	addLocation := func(f crashlog.ResolvedFrame) *profile.Location {
		if loc, ok := locs[f.Address]; ok {
			return loc
		}
		loc := &profile.Location{
			ID:      uint64(len(p.Location) + 1),
			Address: f.Address,
			Mapping: mappings[f.Path],
			Line:    []profile.Line{{Function: addFunction(f.Symbol, f.File), Line: int64(f.Line)}},
		}
		locs[f.Address] = loc
		p.Location = append(p.Location, loc)
		return loc
	}

	for _, trace := range traces {
		if len(trace.Frames) == 0 {
			continue
		}
		// pprof expects the leaf first, which is how stack blocks are printed
		sampleLocs := make([]*profile.Location, 0, len(trace.Frames))
		for _, f := range trace.Frames {
			sampleLocs = append(sampleLocs, addLocation(f))
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Value:    []int64{1},
			Location: sampleLocs,
		})
	}
	return p
}

// WritePprofProfile writes p gzip-compressed to filename.
func WritePprofProfile(p *profile.Profile, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := p.Write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
