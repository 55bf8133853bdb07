package toolchain

import (
	"debug/elf"
	"runtime"

	"musltc/internal/failure"
)

// Arch is a supported target architecture.
type Arch string

const (
	ArchX86_64  Arch = "x86_64"
	ArchAArch64 Arch = "aarch64"
)

// archInfo is one row of the architecture table. The names are historical and
// irregular, so they are listed rather than derived.
type archInfo struct {
	triple     string
	cpu        string // target CPU tag the orchestrator matches on
	platform   string // @platforms//cpu constraint name
	download   string // spelling used in release download URLs
	loader     string
	elfMachine elf.Machine
}

var archTable = map[Arch]archInfo{
	ArchX86_64: {
		triple:     "x86_64-linux-musl",
		cpu:        "k8",
		platform:   "x86_64",
		download:   "amd64",
		loader:     "ld-musl-x86_64.so.1",
		elfMachine: elf.EM_X86_64,
	},
	ArchAArch64: {
		triple:     "aarch64-linux-musl",
		cpu:        "aarch64",
		platform:   "arm64",
		download:   "arm64",
		loader:     "ld-musl-aarch64.so.1",
		elfMachine: elf.EM_AARCH64,
	},
}

// SupportedArches lists the accepted architecture names in a stable order.
func SupportedArches() []Arch {
	return []Arch{ArchX86_64, ArchAArch64}
}

// ParseArch validates an architecture tag.
func ParseArch(s string) (Arch, error) {
	a := Arch(s)
	if _, ok := archTable[a]; !ok {
		return "", failure.Configf("unsupported architecture %q (supported: x86_64, aarch64)", s)
	}
	return a, nil
}

func (a Arch) info() archInfo { return archTable[a] }

// Triple is the musl target triple, e.g. x86_64-linux-musl.
func (a Arch) Triple() string { return a.info().triple }

// CPU is the orchestrator's target CPU tag.
func (a Arch) CPU() string { return a.info().cpu }

// PlatformCPU is the CPU constraint value used in toolchain registration.
func (a Arch) PlatformCPU() string { return a.info().platform }

// DownloadName is the spelling used in third-party download URLs.
func (a Arch) DownloadName() string { return a.info().download }

// LoaderName is the dynamic loader's file name.
func (a Arch) LoaderName() string { return a.info().loader }

// LoaderPath is where dynamically linked binaries expect the loader at run time.
func (a Arch) LoaderPath() string { return "/lib/" + a.info().loader }

// ELFMachine is the e_machine value of binaries built for the arch.
func (a Arch) ELFMachine() elf.Machine { return a.info().elfMachine }

// OS is a host operating system able to run the bootstrap.
type OS string

const (
	OSLinux  OS = "linux"
	OSDarwin OS = "darwin"
)

// MuslName is the host spelling used in artifact names.
func (o OS) MuslName() string {
	switch o {
	case OSDarwin:
		return "apple-darwin"
	default:
		return "unknown-linux-gnu"
	}
}

// PlatformName is the @platforms//os constraint value.
func (o OS) PlatformName() string {
	switch o {
	case OSDarwin:
		return "osx"
	default:
		return "linux"
	}
}

// Platform is a host (OS, arch) pair.
type Platform struct {
	OS   OS
	Arch Arch
}

// HostPlatform describes the machine the process runs on.
func HostPlatform() (Platform, error) {
	return platformFor(runtime.GOOS, runtime.GOARCH)
}

func platformFor(goos, goarch string) (Platform, error) {
	var p Platform
	switch goos {
	case "linux":
		p.OS = OSLinux
	case "darwin":
		p.OS = OSDarwin
	default:
		return p, failure.Configf("unsupported host OS %q", goos)
	}
	switch goarch {
	case "amd64":
		p.Arch = ArchX86_64
	case "arm64":
		p.Arch = ArchAArch64
	default:
		return p, failure.Configf("unsupported host architecture %q", goarch)
	}
	return p, nil
}

// String renders the platform as <arch>-<os>, as used in artifact names.
func (p Platform) String() string {
	return string(p.Arch) + "-" + p.OS.MuslName()
}
