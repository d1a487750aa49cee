package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/VladMinzatu/crashsym/internal/crashlog"
	"github.com/VladMinzatu/crashsym/internal/exporter"
	"github.com/VladMinzatu/crashsym/internal/ldd"
	"github.com/VladMinzatu/crashsym/internal/symbolizer"
	"github.com/spf13/pflag"
)

type options struct {
	binary  string
	log     string
	verbose bool
	ldd     string
	pprof   string
	otlp    string
	folded  string
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		os.Exit(2)
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(opts, os.Stdout); err != nil {
		var mismatch *crashlog.BaseMismatchError
		if errors.As(err, &mismatch) {
			slog.Error("Inconsistent load addresses in log", "module", mismatch.Module,
				"old", fmt.Sprintf("0x%x", mismatch.Old), "new", fmt.Sprintf("0x%x", mismatch.New))
		} else {
			slog.Error("Symbolication failed", "error", err)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("usage: crashsym [flags] BINARY [LOG|-]")

func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("crashsym", pflag.ContinueOnError)
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "log debug diagnostics to stderr")
	fs.StringVar(&opts.ldd, "ldd", ldd.DefaultCommand, "dependency-listing command run against BINARY")
	fs.StringVar(&opts.pprof, "pprof", "", "write the resolved stacks as a gzipped pprof profile to `FILE`")
	fs.StringVar(&opts.otlp, "otlp", "", "write the resolved stacks as an OTLP profiles export request to `FILE`")
	fs.StringVar(&opts.folded, "folded", "", "write the resolved stacks as folded stacks to `FILE`")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "%v\n\n", errUsage)
		fmt.Fprintf(os.Stderr, "Symbolicates the stack traces in a crash log of BINARY and echoes the log to stdout.\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	rest := fs.Args()
	if len(rest) < 1 || len(rest) > 2 {
		fs.Usage()
		return opts, errUsage
	}
	opts.binary = rest[0]
	opts.log = "-"
	if len(rest) == 2 {
		opts.log = rest[1]
	}
	return opts, nil
}

func run(opts options, stdout io.Writer) error {
	dbg := symbolizer.NewDebugger()
	if _, err := dbg.CheckBinary(opts.binary); err != nil {
		return err
	}

	libs, err := ldd.NewResolver(opts.ldd).Resolve(opts.binary)
	if err != nil {
		return err
	}

	input, closeInput, err := openLog(opts.log)
	if err != nil {
		return err
	}
	defer closeInput()

	session := crashlog.NewSession(opts.binary, libs, func(path string) (crashlog.DebugTarget, error) {
		target, err := dbg.CreateTarget(path)
		if err != nil {
			return nil, err
		}
		return target, nil
	})
	if err := crashlog.NewDriver(session, stdout).Run(input); err != nil {
		return err
	}
	return export(opts, session)
}

func openLog(name string) (io.Reader, func(), error) {
	if name == "" || name == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log: %w", err)
	}
	return f, func() { f.Close() }, nil
}

func export(opts options, session *crashlog.Session) error {
	traces := session.Traces()
	bases := session.KnownBases()

	if opts.pprof != "" {
		if err := exporter.WritePprofProfile(exporter.BuildPprofProfile(traces, bases), opts.pprof); err != nil {
			return fmt.Errorf("failed to write pprof profile: %w", err)
		}
		slog.Info("Wrote pprof profile", "path", opts.pprof, "traces", len(traces))
	}
	if opts.otlp != "" {
		now := func() uint64 { return uint64(time.Now().UnixNano()) }
		if err := exporter.WriteOtlpRequest(exporter.BuildOtlpProfile(traces, bases, now), opts.otlp); err != nil {
			return fmt.Errorf("failed to write otlp profile: %w", err)
		}
		slog.Info("Wrote OTLP profile", "path", opts.otlp, "traces", len(traces))
	}
	if opts.folded != "" {
		if err := exporter.WriteFoldedStacksToFile(exporter.BuildFoldedStacks(traces), opts.folded); err != nil {
			return fmt.Errorf("failed to write folded stacks: %w", err)
		}
		slog.Info("Wrote folded stacks", "path", opts.folded, "traces", len(traces))
	}
	return nil
}
