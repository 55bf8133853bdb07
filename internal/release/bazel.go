package release

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"musltc/internal/archive"
	"musltc/internal/failure"
	"musltc/internal/toolchain"
)

// Entry is a built artifact together with the digest of its archive.
type Entry struct {
	Artifact
	SHA256 string
}

// ParseFileName recovers the artifact from a bundle file name.
func ParseFileName(name string) (Artifact, error) {
	bad := func(why string) (Artifact, error) {
		return Artifact{}, failure.Configf("%s is not a toolchain bundle name: %s", name, why)
	}
	var a Artifact
	base := filepath.Base(name)
	switch {
	case strings.HasSuffix(base, archive.Gzip.Extension()):
		a.Format = archive.Gzip
	case strings.HasSuffix(base, archive.Zstd.Extension()):
		a.Format = archive.Zstd
	default:
		return bad("unknown extension")
	}
	rest, ok := strings.CutPrefix(strings.TrimSuffix(base, a.Format.Extension()), "musl-")
	if !ok {
		return bad("missing musl- prefix")
	}
	version, rest, ok := strings.Cut(rest, "-platform-")
	if !ok {
		return bad("missing platform")
	}
	platform, triple, ok := strings.Cut(rest, "-target-")
	if !ok {
		return bad("missing target")
	}
	hostArch, hostOS, _ := strings.Cut(platform, "-")

	var err error
	if a.Host.Arch, err = toolchain.ParseArch(hostArch); err != nil {
		return bad(err.Error())
	}
	switch hostOS {
	case toolchain.OSLinux.MuslName():
		a.Host.OS = toolchain.OSLinux
	case toolchain.OSDarwin.MuslName():
		a.Host.OS = toolchain.OSDarwin
	default:
		return bad("unknown host os " + hostOS)
	}
	targetArch, _, _ := strings.Cut(triple, "-")
	if a.Target, err = toolchain.ParseArch(targetArch); err != nil {
		return bad(err.Error())
	}
	if a.Target.Triple() != triple {
		return bad("unknown target " + triple)
	}
	a.MuslVersion = version
	return a, nil
}

// EntryFromFile parses the name of the bundle at path and digests it.
func EntryFromFile(path string) (Entry, error) {
	a, err := ParseFileName(path)
	if err != nil {
		return Entry{}, err
	}
	sum, err := sha256File(path)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Artifact: a, SHA256: sum}, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DownloadURL is where a released file is fetched from.
func DownloadURL(baseURL, version, file string) string {
	return strings.TrimRight(baseURL, "/") + "/" + version + "/" + file
}

var toolchainTemplate = template.Must(template.New("toolchain").Parse(`toolchain(
    name = "{{.Name}}",
    exec_compatible_with = [
        "@platforms//cpu:{{.HostCPU}}",
        "@platforms//os:{{.HostOS}}",
    ],
    target_compatible_with = [
        "@platforms//cpu:{{.TargetCPU}}",
        "@platforms//os:linux",
    ],
    toolchain = "@{{.Repo}}//:musl_toolchain",
    toolchain_type = "@bazel_tools//tools/cpp:toolchain_type",
)
`))

// WriteToolchain renders the toolchain() registration named name for a,
// pointing at the bundle fetched as repo.
func WriteToolchain(w io.Writer, name, repo string, a Artifact) error {
	return toolchainTemplate.Execute(w, map[string]string{
		"Name":      name,
		"Repo":      repo,
		"HostCPU":   a.Host.Arch.PlatformCPU(),
		"HostOS":    a.Host.OS.PlatformName(),
		"TargetCPU": a.Target.PlatformCPU(),
	})
}

// WriteBuild renders one registration per entry, named after its repository.
func WriteBuild(w io.Writer, entries []Entry) error {
	for i, e := range entries {
		if i > 0 {
			if _, err := io.WriteString(w, "\n"); err != nil {
				return err
			}
		}
		if err := WriteToolchain(w, e.RepoName(), e.RepoName(), e.Artifact); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseRepo is the repository name users fetch the release archive as.
const ReleaseRepo = "musl_toolchains"

// WriteToolchainsBzl renders the registration macro.
func WriteToolchainsBzl(w io.Writer) error {
	_, err := fmt.Fprintf(w, "def register_musl_toolchains():\n    native.register_toolchains(\"@%s//:all\")\n", ReleaseRepo)
	return err
}

// WriteRepositoriesBzl renders the macro declaring every bundle as an
// http_archive pinned by sha256.
func WriteRepositoriesBzl(w io.Writer, baseURL, version string, entries []Entry) error {
	var b strings.Builder
	b.WriteString(`load("@bazel_tools//tools/build_defs/repo:http.bzl", "http_archive")` + "\n\n")
	b.WriteString("def load_musl_toolchains():\n")
	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "    http_archive(\n")
		fmt.Fprintf(&b, "        name = %q,\n", e.RepoName())
		fmt.Fprintf(&b, "        sha256 = %q,\n", e.SHA256)
		fmt.Fprintf(&b, "        url = %q,\n", DownloadURL(baseURL, version, e.FileName()))
		fmt.Fprintf(&b, "    )\n")
	}
	if len(entries) == 0 {
		b.WriteString("    pass\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}
