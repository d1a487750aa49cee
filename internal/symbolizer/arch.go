package symbolizer

import (
	"debug/elf"
	"strings"

	"golang.org/x/sys/unix"
)

// HostMachine returns the machine field of uname(2), e.g. "x86_64".
func HostMachine() (string, error) {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return "", err
	}
	return unix.ByteSliceToString(u.Machine[:]), nil
}

// MachineMatches reports whether a uname machine string can run code for m.
// Unknown machines are assumed to match.
func MachineMatches(m elf.Machine, host string) bool {
	switch m {
	case elf.EM_X86_64:
		return host == "x86_64" || host == "amd64"
	case elf.EM_386:
		return host == "x86_64" || (len(host) == 4 && host[0] == 'i' && strings.HasSuffix(host, "86"))
	case elf.EM_AARCH64:
		return host == "aarch64" || host == "arm64"
	case elf.EM_ARM:
		return strings.HasPrefix(host, "arm") || host == "aarch64"
	case elf.EM_PPC64:
		return strings.HasPrefix(host, "ppc64")
	case elf.EM_S390:
		return strings.HasPrefix(host, "s390")
	case elf.EM_RISCV:
		return strings.HasPrefix(host, "riscv")
	}
	return true
}
