package bootstrap

import (
	"debug/elf"
	"debug/macho"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"
)

// BinaryInfo holds the properties validation asserts on.
type BinaryInfo struct {
	Format     string // "elf" or "mach-o"
	Executable bool
	Static     bool
	Stripped   bool
}

// Inspector reads BinaryInfo from a built file.
type Inspector interface {
	Inspect(path string) (BinaryInfo, error)
}

// ELFInspector inspects Linux binaries.
type ELFInspector struct{}

func (ELFInspector) Inspect(path string) (BinaryInfo, error) {
	st, err := os.Stat(path)
	if err != nil {
		return BinaryInfo{}, err
	}
	f, err := elf.Open(path)
	if err != nil {
		return BinaryInfo{}, fmt.Errorf("not an ELF file: %w", err)
	}
	defer f.Close()

	info := BinaryInfo{
		Format:     formatELF,
		Executable: st.Mode()&0o111 != 0 && (f.Type == elf.ET_EXEC || f.Type == elf.ET_DYN),
		Static:     true,
		Stripped:   true,
	}
	for _, p := range f.Progs {
		if p.Type == elf.PT_INTERP {
			info.Static = false
		}
	}
	if libs, err := f.ImportedLibraries(); err == nil && len(libs) > 0 {
		info.Static = false
	}
	for _, s := range f.Sections {
		if s.Name == ".symtab" || strings.HasPrefix(s.Name, ".debug") || strings.HasPrefix(s.Name, ".zdebug") {
			info.Stripped = false
		}
	}
	return info, nil
}

// MachOInspector inspects macOS binaries. Static is informational only:
// macOS has no fully static executables.
type MachOInspector struct{}

// nStab masks the symbol-table types that carry debug information.
const nStab = 0xe0

func (MachOInspector) Inspect(path string) (BinaryInfo, error) {
	st, err := os.Stat(path)
	if err != nil {
		return BinaryInfo{}, err
	}
	f, err := macho.Open(path)
	if err != nil {
		return BinaryInfo{}, fmt.Errorf("not a Mach-O file: %w", err)
	}
	defer f.Close()

	info := BinaryInfo{
		Format:     formatMachO,
		Executable: st.Mode()&0o111 != 0 && f.Type == macho.TypeExec,
		Stripped:   true,
	}
	libs, _ := f.ImportedLibraries()
	info.Static = len(libs) == 0
	for _, s := range f.Sections {
		if s.Seg == "__DWARF" {
			info.Stripped = false
		}
	}
	if f.Symtab != nil {
		for _, sym := range f.Symtab.Syms {
			if sym.Type&nStab != 0 {
				info.Stripped = false
				break
			}
		}
	}
	return info, nil
}

// Object formats recognised by their leading magic.
const (
	formatELF   = "elf"
	formatMachO = "mach-o"
)

// magicFormat reports the object format of path from its first four bytes,
// or "" for anything else.
func magicFormat(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return ""
	}
	if string(magic[:]) == elf.ELFMAG {
		return formatELF
	}
	for _, m := range []uint32{binary.BigEndian.Uint32(magic[:]), binary.LittleEndian.Uint32(magic[:])} {
		switch m {
		case macho.Magic32, macho.Magic64, macho.MagicFat:
			return formatMachO
		}
	}
	return ""
}

// isELF reports whether path starts with the ELF magic.
func isELF(path string) bool { return magicFormat(path) == formatELF }
