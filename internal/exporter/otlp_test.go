package exporter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/VladMinzatu/crashsym/internal/crashlog"
	collectorpb "go.opentelemetry.io/proto/otlp/collector/profiles/v1development"
	v1 "go.opentelemetry.io/proto/otlp/common/v1"
	profilespb "go.opentelemetry.io/proto/otlp/profiles/v1development"
	resourceV1 "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/protobuf/proto"
)

func mustMarshal(t *testing.T, m proto.Message) []byte {
	t.Helper()
	b, err := proto.Marshal(m)
	if err != nil {
		t.Fatalf("failed to marshal proto: %v", err)
	}
	return b
}

func TestBuildOtlpProfile_Basic(t *testing.T) {
	nowValue := uint64(9999999999)
	traces := []crashlog.Trace{
		{Frames: []crashlog.ResolvedFrame{swiftFoo(), appMain()}},
		{},
	}

	got := BuildOtlpProfile(traces, testBases, func() uint64 { return nowValue })

	expectedDict := &profilespb.ProfilesDictionary{
		StringTable: []string{"", "stacks", "count", swiftCore, "swift_foo", "Foo.swift", appBinary, "main"},
		MappingTable: []*profilespb.Mapping{
			{},
			{MemoryStart: 0x100, FilenameStrindex: 3},
			{MemoryStart: 0x1000, FilenameStrindex: 6},
		},
		FunctionTable: []*profilespb.Function{
			{},
			{NameStrindex: 4, SystemNameStrindex: 4, FilenameStrindex: 5},
			{NameStrindex: 7, SystemNameStrindex: 7, FilenameStrindex: 0},
		},
		LocationTable: []*profilespb.Location{
			{},
			{Address: 0x200, MappingIndex: 1, Lines: []*profilespb.Line{{FunctionIndex: 1, Line: 7}}},
			{Address: 0x1040, MappingIndex: 2, Lines: []*profilespb.Line{{FunctionIndex: 2, Line: 0}}},
		},
		StackTable: []*profilespb.Stack{
			{},
			{LocationIndices: []int32{1, 2}},
		},
	}

	expectedProfile := &profilespb.Profile{
		TimeUnixNano: nowValue,
		SampleType:   &profilespb.ValueType{TypeStrindex: 1, UnitStrindex: 2},
		Samples:      []*profilespb.Sample{{StackIndex: 1, Values: []int64{1}}},
	}

	expected := &profilespb.ProfilesData{
		ResourceProfiles: []*profilespb.ResourceProfiles{
			{
				Resource: &resourceV1.Resource{},
				ScopeProfiles: []*profilespb.ScopeProfiles{
					{
						Scope:    &v1.InstrumentationScope{Name: "crashsym", Version: "v1"},
						Profiles: []*profilespb.Profile{expectedProfile},
					},
				},
			},
		},
		Dictionary: expectedDict,
	}

	if !proto.Equal(got, expected) {
		gotB := mustMarshal(t, got)
		wantB := mustMarshal(t, expected)
		t.Fatalf("ProfilesData proto mismatch\nGOT (len %d): %x\nWANT (len %d): %x", len(gotB), gotB, len(wantB), wantB)
	}
}

func TestWriteOtlpRequest(t *testing.T) {
	data := BuildOtlpProfile([]crashlog.Trace{{Frames: []crashlog.ResolvedFrame{appMain()}}}, testBases, func() uint64 { return 1 })
	filename := filepath.Join(t.TempDir(), "crash.otlp")
	if err := WriteOtlpRequest(data, filename); err != nil {
		t.Fatalf("WriteOtlpRequest: %v", err)
	}
	b, err := os.ReadFile(filename)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var req collectorpb.ExportProfilesServiceRequest
	if err := proto.Unmarshal(b, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !proto.Equal(&req, ExportRequest(data)) {
		t.Fatalf("written request differs from the built one")
	}
	if len(req.ResourceProfiles) != 1 || req.Dictionary == nil {
		t.Fatalf("unexpected request %v", &req)
	}
}
