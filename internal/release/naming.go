// Package release assembles what is published alongside the per-platform
// toolchain bundles: registration files, the release archive and notes, the CI
// workflows that produce them and the upload to object storage.
package release

import (
	"strings"

	"musltc/internal/archive"
	"musltc/internal/toolchain"
)

// Artifact is one toolchain bundle: a musl version built on Host for Target.
type Artifact struct {
	MuslVersion string
	Host        toolchain.Platform
	Target      toolchain.Arch
	Format      archive.Format
}

func (a Artifact) format() archive.Format {
	if a.Format == "" {
		return archive.Gzip
	}
	return a.Format
}

// FileName is the archive name,
// musl-<ver>-platform-<host arch>-<host os>-target-<triple>.tar.gz.
func (a Artifact) FileName() string {
	return "musl-" + a.MuslVersion + "-platform-" + a.Host.String() + "-target-" + a.Target.Triple() + a.format().Extension()
}

// RepoName is the external repository name the bundle is fetched under: the
// file name without its extension, dots replaced.
func (a Artifact) RepoName() string {
	return strings.ReplaceAll(strings.TrimSuffix(a.FileName(), a.format().Extension()), ".", "_")
}

// JobName is the CI job that builds the artifact.
func (a Artifact) JobName() string {
	return a.Host.OS.MuslName() + "-" + string(a.Host.Arch) + "-" + string(a.Target)
}
