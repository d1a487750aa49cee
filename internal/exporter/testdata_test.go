package exporter

import "github.com/VladMinzatu/crashsym/internal/crashlog"

const (
	swiftCore = "/usr/lib/swift/linux/libswiftCore.so"
	appBinary = "/bin/app"
)

var testBases = crashlog.MemoryMap{
	swiftCore: 0x100,
	appBinary: 0x1000,
}

func swiftFoo() crashlog.ResolvedFrame {
	return crashlog.ResolvedFrame{Index: 1, Module: "libswiftCore.so", Path: swiftCore, Address: 0x200, Symbol: "swift_foo", Offset: 0x80, File: "Foo.swift", Line: 7}
}

func appMain() crashlog.ResolvedFrame {
	return crashlog.ResolvedFrame{Index: 2, Module: "app", Path: appBinary, Address: 0x1040, Symbol: "main", Offset: 0x40}
}
