package exporter

import (
	"os"

	"github.com/VladMinzatu/crashsym/internal/crashlog"
	collectorpb "go.opentelemetry.io/proto/otlp/collector/profiles/v1development"
	v1 "go.opentelemetry.io/proto/otlp/common/v1"
	profilespb "go.opentelemetry.io/proto/otlp/profiles/v1development"
	resourceV1 "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/protobuf/proto"
)

const scopeName = "crashsym"

type NowFunc func() uint64 // produces unix nsec

// BuildOtlpProfile builds one OTLP profile holding a sample per stack block.
// Index 0 of every dictionary table is the empty entry OTLP reserves.
func BuildOtlpProfile(traces []crashlog.Trace, bases crashlog.MemoryMap, now NowFunc) *profilespb.ProfilesData {
	stringTable := []string{""}
	mappingTable := []*profilespb.Mapping{{}}
	locationTable := []*profilespb.Location{{}}
	functionTable := []*profilespb.Function{{}}
	stackTable := []*profilespb.Stack{{}}

	sampleType := &profilespb.ValueType{
		TypeStrindex: strIndex(&stringTable, "stacks"),
		UnitStrindex: strIndex(&stringTable, "count"),
	}

	mappingIdx := map[string]int32{}
	mappingFor := func(path string) int32 {
		if path == "" {
			return 0
		}
		if idx, ok := mappingIdx[path]; ok {
			return idx
		}
		mappingTable = append(mappingTable, &profilespb.Mapping{
			MemoryStart:      bases[path],
			FilenameStrindex: strIndex(&stringTable, path),
		})
		idx := int32(len(mappingTable) - 1)
		mappingIdx[path] = idx
		return idx
	}

	funcIdx := map[[2]string]int32{}
	functionFor := func(name, file string) int32 {
		key := [2]string{name, file}
		if idx, ok := funcIdx[key]; ok {
			return idx
		}
		nameIdx := strIndex(&stringTable, name)
		functionTable = append(functionTable, &profilespb.Function{
			NameStrindex:       nameIdx,
			SystemNameStrindex: nameIdx,
			FilenameStrindex:   strIndex(&stringTable, file),
		})
		idx := int32(len(functionTable) - 1)
		funcIdx[key] = idx
		return idx
	}

	buildStack := func(frames []crashlog.ResolvedFrame) int32 {
		locIndices := make([]int32, 0, len(frames))
		for _, f := range frames {
			loc := &profilespb.Location{
				Address:      f.Address,
				MappingIndex: mappingFor(f.Path),
				Lines: []*profilespb.Line{
					{
						FunctionIndex: functionFor(f.Symbol, f.File),
						Line:          int64(f.Line),
					},
				},
			}
			locationTable = append(locationTable, loc)
			locIndices = append(locIndices, int32(len(locationTable)-1))
		}
		stackTable = append(stackTable, &profilespb.Stack{LocationIndices: locIndices})
		return int32(len(stackTable) - 1)
	}

	samples := make([]*profilespb.Sample, 0, len(traces))
	for _, trace := range traces {
		if len(trace.Frames) == 0 {
			continue
		}
		samples = append(samples, &profilespb.Sample{
			StackIndex: buildStack(trace.Frames),
			Values:     []int64{1},
		})
	}

	profile := &profilespb.Profile{
		TimeUnixNano: now(),
		SampleType:   sampleType,
		Samples:      samples,
	}

	resourceProfiles := &profilespb.ResourceProfiles{
		Resource: &resourceV1.Resource{},
		ScopeProfiles: []*profilespb.ScopeProfiles{
			{
				Scope: &v1.InstrumentationScope{
					Name:    scopeName,
					Version: "v1",
				},
				Profiles: []*profilespb.Profile{profile},
			},
		},
	}

	return &profilespb.ProfilesData{
		ResourceProfiles: []*profilespb.ResourceProfiles{resourceProfiles},
		Dictionary: &profilespb.ProfilesDictionary{
			MappingTable:  mappingTable,
			LocationTable: locationTable,
			FunctionTable: functionTable,
			StackTable:    stackTable,
			StringTable:   stringTable,
		},
	}
}

// ExportRequest wraps data in the request an OTLP collector accepts.
func ExportRequest(data *profilespb.ProfilesData) *collectorpb.ExportProfilesServiceRequest {
	return &collectorpb.ExportProfilesServiceRequest{
		ResourceProfiles: data.ResourceProfiles,
		Dictionary:       data.Dictionary,
	}
}

// WriteOtlpRequest writes data as a binary ExportProfilesServiceRequest.
func WriteOtlpRequest(data *profilespb.ProfilesData, filename string) error {
	b, err := proto.Marshal(ExportRequest(data))
	if err != nil {
		return err
	}
	return os.WriteFile(filename, b, 0o644)
}

func strIndex(table *[]string, s string) int32 {
	for i, v := range *table {
		if v == s {
			return int32(i)
		}
	}
	*table = append(*table, s)
	return int32(len(*table) - 1)
}
