package bootstrap

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"musltc/internal/archive"
	"musltc/internal/release"
	"musltc/internal/toolchain"
)

// Files written into the bundle root next to the installed toolchain.
const (
	DefinitionFile = "cc_toolchain_config.bzl"
	ManifestFile   = "BUILD.bazel"
)

// stripTree strips every executable object below root. ELF files for the build
// machine of a Linux host go through the host strip, other ELF files through
// the freshly built target strip. On Darwin no ELF file belongs to the host:
// they all go to the target strip, and Mach-O binaries to the host strip.
func stripTree(ctx context.Context, ws *Workspace, r Runner, root string, host toolchain.Platform, hostStrip, targetStrip string) error {
	type job struct{ path, tool string }
	var jobs []job
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Mode()&0o111 == 0 {
			return nil
		}
		switch magicFormat(path) {
		case formatELF:
			tool, err := elfStrip(path, host, hostStrip, targetStrip)
			if err != nil {
				return err
			}
			jobs = append(jobs, job{path, tool})
		case formatMachO:
			if host.OS == toolchain.OSDarwin {
				jobs = append(jobs, job{path, hostStrip})
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("find strippable files: %w", err)
	}

	for _, j := range jobs {
		if err := stripFile(ctx, ws, r, j.tool, j.path); err != nil {
			return err
		}
	}
	return nil
}

func elfStrip(path string, host toolchain.Platform, hostStrip, targetStrip string) (string, error) {
	if host.OS != toolchain.OSLinux {
		return targetStrip, nil
	}
	f, err := elf.Open(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	defer f.Close()
	if f.Machine == host.Arch.ELFMachine() {
		return hostStrip, nil
	}
	return targetStrip, nil
}

// stripFile strips one file, restoring its permissions afterwards.
func stripFile(ctx context.Context, ws *Workspace, r Runner, tool, path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	perm := st.Mode().Perm()
	if err := os.Chmod(path, perm|0o200); err != nil {
		return fmt.Errorf("make %s writable: %w", path, err)
	}
	defer os.Chmod(path, perm)

	return ws.run(ctx, r, Command{
		Stage: StatePackage.String(),
		Dir:   filepath.Dir(path),
		Name:  tool,
		Args:  []string{path},
	})
}

// rewriteLoader points the dynamic loader at libc.so by a relative path so the
// bundle works wherever it is unpacked.
func rewriteLoader(root string, arch toolchain.Arch) error {
	link := filepath.Join(root, arch.Triple(), "lib", arch.LoaderName())
	if err := os.Remove(link); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove loader link: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return err
	}
	if err := os.Symlink("libc.so", link); err != nil {
		return fmt.Errorf("link loader: %w", err)
	}
	return nil
}

func writeFile(path string, render func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := render(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// Result describes a completed run.
type Result struct {
	RunID    string
	Artifact string // path of the bundle
	Sum      archive.Sum
}

func (p *Pipeline) pack(ctx context.Context, ws *Workspace) (Result, error) {
	out := ws.Output()
	triple := p.job.Target.Triple()

	targetStrip := filepath.Join(out, "bin", triple+"-strip")
	if err := stripTree(ctx, ws, p.deps.Runner, out, p.job.Host, p.opts.HostStrip, targetStrip); err != nil {
		return Result{}, err
	}
	if err := rewriteLoader(out, p.job.Target); err != nil {
		return Result{}, err
	}

	art := p.Artifact()
	if err := writeFile(filepath.Join(out, DefinitionFile), func(w io.Writer) error {
		return p.desc.WriteStarlark(w, art.RepoName())
	}); err != nil {
		return Result{}, err
	}
	if err := writeFile(filepath.Join(out, ManifestFile), func(w io.Writer) error {
		return p.desc.WriteManifest(w, art.RepoName())
	}); err != nil {
		return Result{}, err
	}

	dst := filepath.Join(p.opts.OutputDir, art.FileName())
	sum, err := archive.Create(dst, out, p.opts.Format)
	if err != nil {
		return Result{}, err
	}
	return Result{RunID: ws.RunID, Artifact: dst, Sum: sum}, nil
}

// Artifact names the bundle this pipeline produces.
func (p *Pipeline) Artifact() release.Artifact {
	return release.Artifact{
		MuslVersion: p.job.Pins.Versions.Musl,
		Host:        p.job.Host,
		Target:      p.job.Target,
		Format:      p.opts.Format,
	}
}
