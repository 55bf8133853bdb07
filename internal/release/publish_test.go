package release

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"musltc/internal/config"
	"musltc/internal/failure"
)

type storedObject struct {
	body        string
	contentType string
	sha256      string
}

// fakeS3 serves path-style HEAD and PUT requests for one bucket.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]storedObject
	puts    int
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := strings.CutPrefix(r.URL.Path, "/releases/")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodHead:
		obj, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", obj.contentType)
		w.Header().Set("X-Amz-Meta-Sha256", obj.sha256)
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = storedObject{
			body:        string(body),
			contentType: r.Header.Get("Content-Type"),
			sha256:      r.Header.Get("X-Amz-Meta-Sha256"),
		}
		f.puts++
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestPublisher(t *testing.T) (*Publisher, *fakeS3) {
	t.Helper()
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(t.TempDir(), "none"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(t.TempDir(), "none"))

	fake := &fakeS3{objects: make(map[string]storedObject)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	p, err := NewPublisher(context.Background(), config.S3{
		Endpoint:        srv.URL,
		Bucket:          "releases",
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
	}, false, zerolog.Nop())
	require.NoError(t, err)
	return p, fake
}

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestPublishUploadsOnce(t *testing.T) {
	p, fake := newTestPublisher(t)
	file := writeTemp(t, "musl_toolchain-v1.tar.gz", "archive bytes")

	n, err := p.PublishRelease(context.Background(), "v1", []string{file})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	obj := fake.objects["v1/musl_toolchain-v1.tar.gz"]
	assert.Equal(t, "archive bytes", obj.body)
	assert.Equal(t, "application/gzip", obj.contentType)
	sum, err := sha256File(file)
	require.NoError(t, err)
	assert.Equal(t, sum, obj.sha256)

	n, err = p.PublishRelease(context.Background(), "v1", []string{file})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, fake.puts)
}

func TestPublishRefusesToOverwrite(t *testing.T) {
	p, fake := newTestPublisher(t)
	fake.objects["v1/notes.txt"] = storedObject{body: "old", sha256: "0000"}

	_, err := p.PublishRelease(context.Background(), "v1", []string{writeTemp(t, "notes.txt", "new")})
	assert.True(t, failure.Is(err, failure.Validation), "got %v", err)
	assert.Zero(t, fake.puts)
	assert.Equal(t, "old", fake.objects["v1/notes.txt"].body)
}

func TestPublishNeedsCredentials(t *testing.T) {
	_, err := NewPublisher(context.Background(), config.S3{Bucket: "b"}, false, zerolog.Nop())
	assert.True(t, failure.Is(err, failure.Configuration))
}

func TestPublishNeedsVersion(t *testing.T) {
	p, _ := newTestPublisher(t)
	_, err := p.PublishRelease(context.Background(), "", nil)
	assert.True(t, failure.Is(err, failure.Usage))
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/zstd", contentType("a.tar.zst"))
	assert.Equal(t, "application/yaml", contentType("build.yaml"))
	assert.Equal(t, "application/octet-stream", contentType("blob"))
}
