package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"musltc/internal/failure"
)

func commitFile(t *testing.T, repo *git.Repository, dir, name, content string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(name)
	require.NoError(t, err)
	hash, err := wt.Commit("update "+name, &git.CommitOptions{
		Author: &object.Signature{Name: "musltc", Email: "musltc@example.invalid", When: time.Unix(1700000000, 0)},
	})
	require.NoError(t, err)
	return hash.String()
}

func TestCheckoutPinnedRevision(t *testing.T) {
	src := t.TempDir()
	repo, err := git.PlainInit(src, false)
	require.NoError(t, err)
	pinned := commitFile(t, repo, src, "Makefile", "v1\n")
	commitFile(t, repo, src, "Makefile", "v2\n")

	dst := filepath.Join(t.TempDir(), "upstream")
	got, err := newTestDownloader(t, 0).Checkout(context.Background(), src, pinned, dst, nil)
	require.NoError(t, err)
	assert.Equal(t, pinned, got)

	data, err := os.ReadFile(filepath.Join(dst, "Makefile"))
	require.NoError(t, err)
	assert.Equal(t, "v1\n", string(data))
}

func TestCheckoutUnknownRevision(t *testing.T) {
	src := t.TempDir()
	repo, err := git.PlainInit(src, false)
	require.NoError(t, err)
	commitFile(t, repo, src, "README", "hi\n")

	_, err = newTestDownloader(t, 0).Checkout(context.Background(), src, "no-such-tag", filepath.Join(t.TempDir(), "u"), nil)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.Configuration))
}

func TestCheckoutRetriesUnavailableRemote(t *testing.T) {
	h, hits := flaky(100, http.StatusServiceUnavailable, "")
	srv := httptest.NewServer(h)
	defer srv.Close()

	d := newTestDownloader(t, 2)
	var retries int
	d.OnRetry = func() { retries++ }

	dst := filepath.Join(t.TempDir(), "upstream")
	_, err := d.Checkout(context.Background(), srv.URL+"/musl-cross-make.git", "HEAD", dst, nil)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.TransientNetwork), err.Error())
	assert.Contains(t, err.Error(), "giving up after 3 attempt(s)")
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, 2, retries)

	_, statErr := os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr), "partial clone left behind")
}

func TestCheckoutMissingRemoteIsNotRetried(t *testing.T) {
	h, hits := flaky(100, http.StatusNotFound, "")
	srv := httptest.NewServer(h)
	defer srv.Close()

	_, err := newTestDownloader(t, 3).Checkout(context.Background(), srv.URL+"/gone.git", "HEAD", filepath.Join(t.TempDir(), "u"), nil)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.Configuration), err.Error())
	assert.Equal(t, int32(1), hits.Load())
}
