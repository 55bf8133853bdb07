package release

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"musltc/internal/toolchain"
)

func keys(n *yaml.Node) []string {
	var out []string
	for i := 0; i < len(n.Content); i += 2 {
		out = append(out, n.Content[i].Value)
	}
	return out
}

func lookup(n *yaml.Node, key string) *yaml.Node {
	for i := 0; i < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

func decodeWorkflow(t *testing.T, path string) *yaml.Node {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(data), generatedHeader))

	var doc yaml.Node
	require.NoError(t, yaml.Unmarshal(data, &doc))
	require.Len(t, doc.Content, 1)
	return doc.Content[0]
}

func TestWriteWorkflows(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".github", "workflows")
	m := DefaultMatrix("v0.1.0", "https://example.com/dl", "1.2.3")
	written, err := WriteWorkflows(dir, m)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "build.yaml"), filepath.Join(dir, "release.yaml")}, written)

	build := decodeWorkflow(t, written[0])
	assert.Equal(t, []string{"name", "on", "jobs"}, keys(build))
	on := lookup(build, "on")
	assert.Equal(t, []string{"pull_request", "workflow_dispatch"}, keys(on))
	assert.Equal(t, "!!null", lookup(on, "pull_request").Tag)

	assert.Equal(t, []string{
		"unknown-linux-gnu-x86_64-x86_64",
		"unknown-linux-gnu-x86_64-x86_64-test-build",
		"apple-darwin-x86_64-x86_64",
		"apple-darwin-x86_64-x86_64-test-build",
		"test-x86_64",
	}, keys(lookup(build, "jobs")))

	linux := lookup(lookup(build, "jobs"), "unknown-linux-gnu-x86_64-x86_64")
	assert.Equal(t, []string{"runs-on", "container", "steps"}, keys(linux))
	assert.Equal(t, "centos:centos8", lookup(linux, "container").Value)
	darwin := lookup(lookup(build, "jobs"), "apple-darwin-x86_64-x86_64")
	assert.Equal(t, "macos-11", lookup(darwin, "runs-on").Value)

	var runs []string
	for _, step := range lookup(linux, "steps").Content {
		if r := lookup(step, "run"); r != nil {
			runs = append(runs, r.Value)
		}
	}
	assert.Contains(t, runs, "go run ./cmd/musltc x86_64")

	rel := decodeWorkflow(t, written[1])
	jobs := lookup(rel, "jobs")
	release := lookup(jobs, "release")
	require.NotNil(t, release)
	var needs []string
	for _, n := range lookup(release, "needs").Content {
		needs = append(needs, n.Value)
	}
	assert.Equal(t, []string{"unknown-linux-gnu-x86_64-x86_64", "apple-darwin-x86_64-x86_64", "test-x86_64"}, needs)
}

func TestWorkflowMultilineIsLiteral(t *testing.T) {
	n, err := DefaultMatrix("v1", "https://example.com", "1.2.3").BuildWorkflow()
	require.NoError(t, err)
	var b strings.Builder
	require.NoError(t, EncodeWorkflow(&b, n))
	assert.Contains(t, b.String(), "run: |\n")
	assert.Contains(t, b.String(), "http_archive(")
}

func TestWorkflowUnknownRunner(t *testing.T) {
	m := DefaultMatrix("v1", "https://example.com", "1.2.3")
	m.Hosts = append(m.Hosts, toolchain.Platform{OS: toolchain.OSLinux, Arch: toolchain.ArchAArch64})
	_, err := m.BuildWorkflow()
	assert.ErrorContains(t, err, "no CI runner")
}

func TestMatrixArtifacts(t *testing.T) {
	m := DefaultMatrix("v1", "https://example.com", "1.2.3")
	m.Targets = append(m.Targets, toolchain.ArchAArch64)
	var names []string
	for _, a := range m.Artifacts() {
		names = append(names, a.JobName())
	}
	assert.Equal(t, []string{
		"unknown-linux-gnu-x86_64-x86_64",
		"apple-darwin-x86_64-x86_64",
		"unknown-linux-gnu-x86_64-aarch64",
		"apple-darwin-x86_64-aarch64",
	}, names)
}
