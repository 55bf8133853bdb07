package release

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"musltc/internal/archive"
	"musltc/internal/failure"
)

//go:embed notes.txt.tmpl
var defaultNotes string

// Release is one published version.
type Release struct {
	Version string // tag, e.g. v0.1.0
	BaseURL string
	Entries []Entry
}

// ArchiveName is the file name of the release archive.
func (r Release) ArchiveName() string { return "musl_toolchain-" + r.Version + archive.Gzip.Extension() }

// Files written into the release archive.
var releaseFiles = []string{"BUILD.bazel", "repositories.bzl", "toolchains.bzl"}

// Output is what WriteArchive produced.
type Output struct {
	Archive string
	URL     string
	Sum     archive.Sum
}

// WriteArchive renders the registration files and packs them
// deterministically into dir/ArchiveName.
func (r Release) WriteArchive(dir string) (Output, error) {
	if r.Version == "" {
		return Output{}, failure.Configf("release version is required")
	}
	if len(r.Entries) == 0 {
		return Output{}, failure.Configf("a release needs at least one toolchain bundle")
	}
	seen := make(map[string]bool)
	for _, e := range r.Entries {
		if seen[e.RepoName()] {
			return Output{}, failure.Configf("bundle %s listed twice", e.FileName())
		}
		seen[e.RepoName()] = true
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Output{}, err
	}
	staging, err := os.MkdirTemp(dir, ".release-*")
	if err != nil {
		return Output{}, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	writers := map[string]func(io.Writer) error{
		"BUILD.bazel":      func(w io.Writer) error { return WriteBuild(w, r.Entries) },
		"repositories.bzl": func(w io.Writer) error { return WriteRepositoriesBzl(w, r.BaseURL, r.Version, r.Entries) },
		"toolchains.bzl":   WriteToolchainsBzl,
	}
	for _, name := range releaseFiles {
		f, err := os.Create(filepath.Join(staging, name))
		if err != nil {
			return Output{}, err
		}
		if err := writers[name](f); err != nil {
			f.Close()
			return Output{}, fmt.Errorf("write %s: %w", name, err)
		}
		if err := f.Close(); err != nil {
			return Output{}, err
		}
	}

	dst := filepath.Join(dir, r.ArchiveName())
	sum, err := archive.Create(dst, staging, archive.Gzip, releaseFiles...)
	if err != nil {
		return Output{}, err
	}
	return Output{Archive: dst, URL: DownloadURL(r.BaseURL, r.Version, r.ArchiveName()), Sum: sum}, nil
}

// Notes fills {sha256} and {url} in tmpl. An empty tmpl uses the built-in
// notes.
func Notes(tmpl string, out Output) string {
	if tmpl == "" {
		tmpl = defaultNotes
	}
	return strings.NewReplacer("{sha256}", out.Sum.SHA256, "{url}", out.URL).Replace(tmpl)
}
