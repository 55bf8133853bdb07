package release

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"musltc/internal/toolchain"
)

const generatedHeader = "# This file was generated by running `musltc workflow` - it should not be manually modified\n\n"

// field is one key of an ordered mapping. Workflows are written in insertion
// order, never sorted, and without anchors.
type field struct {
	key string
	val any
}

type object []field

// with returns o extended by more, as a new mapping.
func (o object) with(more ...field) object {
	out := make(object, 0, len(o)+len(more))
	return append(append(out, o...), more...)
}

func toNode(v any) *yaml.Node {
	switch v := v.(type) {
	case *yaml.Node:
		return v
	case object:
		n := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for _, f := range v {
			n.Content = append(n.Content, toNode(f.key), toNode(f.val))
		}
		return n
	case []object:
		n := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, item := range v {
			n.Content = append(n.Content, toNode(item))
		}
		return n
	case []string:
		n := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, item := range v {
			n.Content = append(n.Content, toNode(item))
		}
		return n
	case string:
		n := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
		if strings.Contains(v, "\n") {
			n.Style = yaml.LiteralStyle
		}
		return n
	case bool:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(v)}
	case nil:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
	}
	panic(fmt.Sprintf("release: cannot encode %T in a workflow", v))
}

type hostRunner struct {
	props object
	setup []object
}

var darwinSetup = []object{{{"run", "brew install wget md5sha1sum gnu-tar"}}}

var runners = map[toolchain.Platform]hostRunner{
	{OS: toolchain.OSLinux, Arch: toolchain.ArchX86_64}: {
		props: object{{"runs-on", "ubuntu-latest"}, {"container", "centos:centos8"}},
		setup: []object{
			{{"run", "sed -i 's|mirrorlist|#mirrorlist|g' /etc/yum.repos.d/CentOS-*"}},
			{{"run", "sed -i 's|#baseurl=http://mirror.centos.org|baseurl=http://vault.centos.org|g' /etc/yum.repos.d/CentOS-*"}},
			{{"run", "yum install -y bzip2 git make patch wget"}},
			{{"run", `dnf group install -y "Development Tools"`}},
			{{"run", "ln -s /usr/bin/tar /usr/bin/gnutar"}},
		},
	},
	{OS: toolchain.OSDarwin, Arch: toolchain.ArchX86_64}: {
		props: object{{"runs-on", "macos-11"}},
		setup: darwinSetup,
	},
	{OS: toolchain.OSDarwin, Arch: toolchain.ArchAArch64}: {
		props: object{{"runs-on", "macos-13-xlarge"}},
		setup: darwinSetup,
	},
}

var (
	checkout = object{{"name", "Checkout repo"}, {"uses", "actions/checkout@v3"}}
	setupGo  = object{
		{"name", "Set up Go"},
		{"uses", "actions/setup-go@v5"},
		{"with", object{{"go-version-file", "go.mod"}}},
	}
)

func upload(name, path string) object {
	return object{
		{"name", "Upload " + name},
		{"uses", "actions/upload-artifact@v3"},
		{"with", object{{"name", name}, {"path", path}, {"if-no-files-found", "error"}}},
	}
}

func download(name string) object {
	return object{
		{"name", "Download " + name},
		{"uses", "actions/download-artifact@v3"},
		{"with", object{{"name", name}, {"path", "."}}},
	}
}

func installBazel(p toolchain.Platform) object {
	if p.OS == toolchain.OSDarwin {
		return object{{"name", "Skipping downloading bazelisk - already installed"}, {"run", "bazel --version"}}
	}
	goos := "linux"
	return object{
		{"name", "Download bazelisk as bazel"},
		{"run", fmt.Sprintf("curl --fail -L -o /usr/local/bin/bazel https://github.com/bazelbuild/bazelisk/releases/download/v1.18.0/bazelisk-%s-%s && chmod 0755 /usr/local/bin/bazel", goos, p.Arch.DownloadName())},
	}
}

func sha256Command(o toolchain.OS) string {
	if o == toolchain.OSDarwin {
		return "shasum -a 256"
	}
	return "sha256sum"
}

func heredoc(path, content string) string {
	return fmt.Sprintf("cat >%s <<EOF\n%s\nEOF\n", path, content)
}

// Matrix is what CI builds: every target on every host.
type Matrix struct {
	Version string // release tag
	BaseURL string
	Musl    string // musl version in bundle names
	Hosts   []toolchain.Platform
	Targets []toolchain.Arch
}

// DefaultMatrix builds x86_64 toolchains on Linux and Intel macOS hosts,
// the runners that can be used free of charge.
func DefaultMatrix(version, baseURL, musl string) Matrix {
	return Matrix{
		Version: version,
		BaseURL: baseURL,
		Musl:    musl,
		Hosts: []toolchain.Platform{
			{OS: toolchain.OSLinux, Arch: toolchain.ArchX86_64},
			{OS: toolchain.OSDarwin, Arch: toolchain.ArchX86_64},
		},
		Targets: []toolchain.Arch{toolchain.ArchX86_64},
	}
}

// Artifacts lists every bundle the matrix produces, target-major.
func (m Matrix) Artifacts() []Artifact {
	var out []Artifact
	for _, target := range m.Targets {
		for _, host := range m.Hosts {
			out = append(out, Artifact{MuslVersion: m.Musl, Host: host, Target: target})
		}
	}
	return out
}

func testBinaryName(a Artifact) string {
	return "test-binary-platform-" + a.Host.String() + "-target-" + a.Target.Triple()
}

// jobs builds the PR workflow jobs plus the names the release job needs.
func (m Matrix) jobs() (jobs object, builds, tests []string, err error) {
	linux := runners[toolchain.Platform{OS: toolchain.OSLinux, Arch: toolchain.ArchX86_64}]
	for _, target := range m.Targets {
		var testBuilds []Artifact
		for _, host := range m.Hosts {
			r, ok := runners[host]
			if !ok {
				return nil, nil, nil, fmt.Errorf("no CI runner for host %s", host)
			}
			a := Artifact{MuslVersion: m.Musl, Host: host, Target: target}
			file := a.FileName()

			steps := append([]object{checkout}, r.setup...)
			steps = append(steps, setupGo,
				object{{"name", "Build musl"}, {"run", "go run ./cmd/musltc " + string(target)}},
				upload(file, filepath.Join("output", file)),
			)
			jobs = append(jobs, field{a.JobName(), r.props.with(field{"steps", steps})})
			builds = append(builds, a.JobName())

			var config strings.Builder
			if err := WriteToolchain(&config, "musl_toolchain", "musl_toolchain", a); err != nil {
				return nil, nil, nil, err
			}
			fmt.Fprintf(&config, "\nplatform(\n    name = \"platform\",\n    constraint_values = [\n        \"@platforms//cpu:%s\",\n        \"@platforms//os:linux\",\n    ],\n)\n", target.PlatformCPU())

			workspace := fmt.Sprintf(`load("@bazel_tools//tools/build_defs/repo:http.bzl", "http_archive")

http_archive(
    name = "musl_toolchain",
    sha256 = "$(%s %s | awk '{print $1}')",
    url = "file://$(pwd)/%s",
)
`, sha256Command(host.OS), file, file)

			testBin := testBinaryName(a)
			jobs = append(jobs, field{a.JobName() + "-test-build", r.props.with(
				field{"needs", []string{a.JobName()}},
				field{"steps", []object{
					checkout,
					download(file),
					installBazel(host),
					{{"name", "Generate builder workspace file"}, {"run", heredoc("test-workspaces/builder/WORKSPACE.bazel", workspace)}},
					{{"name", "Generate builder workspace config BUILD.bazel file"}, {"run", "mkdir -p test-workspaces/builder/config && " + heredoc("test-workspaces/builder/config/BUILD.bazel", config.String())}},
					{{"name", "Build test binary with musl"}, {"run", "cd test-workspaces/builder && BAZEL_DO_NOT_DETECT_CPP_TOOLCHAIN=1 bazel build //:binary --platforms=//config:platform --extra_toolchains=//config:musl_toolchain --incompatible_enable_cc_toolchain_resolution"}},
					{{"name", "Move test binary"}, {"run", "mkdir output && cp test-workspaces/builder/bazel-bin/binary output/" + testBin}},
					upload(testBin, filepath.Join("output", testBin)),
				}},
			)})
			testBuilds = append(testBuilds, a)
		}

		var needs []string
		steps := []object{checkout}
		tester := `load("@bazel_tools//tools/build_defs/repo:http.bzl", "http_file")` + "\n"
		for _, a := range testBuilds {
			bin := testBinaryName(a)
			needs = append(needs, a.JobName()+"-test-build")
			steps = append(steps, download(bin))
			tester += fmt.Sprintf(`
http_file(
    name = "built_binary_%s",
    executable = True,
    sha256 = "$(sha256sum %s | awk '{print $1}')",
    url = "file://$(pwd)/%s",
)
`, a.Host.String(), bin, bin)
		}
		steps = append(steps,
			installBazel(toolchain.Platform{OS: toolchain.OSLinux, Arch: toolchain.ArchX86_64}),
			object{{"name", "Generate tester workspace file"}, {"run", heredoc("test-workspaces/tester/WORKSPACE.bazel", tester)}},
			object{{"run", "cd test-workspaces/tester && CC=/bin/false bazel test ... --test_output=all"}},
		)
		name := "test-" + string(target)
		jobs = append(jobs, field{name, linux.props.with(field{"needs", needs}, field{"steps", steps})})
		tests = append(tests, name)
	}
	return jobs, builds, tests, nil
}

const notesFile = "release-notes.txt"

func uploadReleaseAsset(file string) object {
	return object{
		{"name", "Upload " + file},
		{"uses", "actions/upload-release-asset@v1"},
		{"env", object{{"GITHUB_TOKEN", "${{ secrets.GITHUB_TOKEN }}"}}},
		{"with", object{
			{"upload_url", "${{ steps.create_release.outputs.upload_url }}"},
			{"asset_name", file},
			{"asset_path", file},
			{"asset_content_type", "application/gzip"},
		}},
	}
}

// BuildWorkflow is the pull-request workflow.
func (m Matrix) BuildWorkflow() (*yaml.Node, error) {
	jobs, _, _, err := m.jobs()
	if err != nil {
		return nil, err
	}
	return toNode(object{
		{"name", "PR"},
		{"on", object{{"pull_request", nil}, {"workflow_dispatch", nil}}},
		{"jobs", jobs},
	}), nil
}

// ReleaseWorkflow is the build workflow plus a job publishing the release.
func (m Matrix) ReleaseWorkflow() (*yaml.Node, error) {
	jobs, builds, tests, err := m.jobs()
	if err != nil {
		return nil, err
	}
	rel := Release{Version: m.Version, BaseURL: m.BaseURL}
	var files []string
	steps := []object{checkout, setupGo, {{"run", "sudo ln -s /usr/bin/tar /usr/bin/gnutar"}}}
	for _, a := range m.Artifacts() {
		files = append(files, a.FileName())
		steps = append(steps, download(a.FileName()))
	}
	steps = append(steps,
		object{
			{"name", "Generate release archive and notes"},
			{"run", fmt.Sprintf("go run ./cmd/musltc release --version %s --notes %s --dir . %s", m.Version, notesFile, strings.Join(files, " "))},
		},
		object{
			{"id", "create_release"},
			{"name", "Create release"},
			{"uses", "softprops/action-gh-release@v1"},
			{"env", object{{"GITHUB_TOKEN", "${{ secrets.GITHUB_TOKEN }}"}}},
			{"with", object{
				{"generate_release_notes", true},
				{"tag_name", m.Version},
				{"body_path", notesFile},
				{"target_commitish", "${{ github.base_ref }}"},
			}},
		},
		uploadReleaseAsset(rel.ArchiveName()),
	)
	for _, f := range files {
		steps = append(steps, uploadReleaseAsset(f))
	}
	jobs = append(jobs, field{"release", object{
		{"runs-on", "ubuntu-latest"},
		{"needs", append(builds, tests...)},
		{"steps", steps},
	}})
	return toNode(object{
		{"name", "Release"},
		{"on", object{{"workflow_dispatch", nil}}},
		{"jobs", jobs},
	}), nil
}

// EncodeWorkflow writes the generated-file header and the workflow.
func EncodeWorkflow(w io.Writer, n *yaml.Node) error {
	if _, err := io.WriteString(w, generatedHeader); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(n); err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}
	return enc.Close()
}

// WriteWorkflows writes build.yaml and release.yaml into dir, normally
// .github/workflows.
func WriteWorkflows(dir string, m Matrix) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	var written []string
	for _, wf := range []struct {
		file  string
		build func() (*yaml.Node, error)
	}{
		{"build.yaml", m.BuildWorkflow},
		{"release.yaml", m.ReleaseWorkflow},
	} {
		n, err := wf.build()
		if err != nil {
			return written, err
		}
		path := filepath.Join(dir, wf.file)
		f, err := os.Create(path)
		if err != nil {
			return written, err
		}
		if err := EncodeWorkflow(f, n); err != nil {
			f.Close()
			return written, err
		}
		if err := f.Close(); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}
