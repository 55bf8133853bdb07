// Package fetch retrieves the pinned upstream tree and the source tarballs it
// builds from.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"musltc/internal/failure"
)

// Checkout clones url into dir and checks out revision, which may be a commit
// hash, tag or branch. It returns the resolved commit hash. A failed clone is
// retried with the downloader's retry count and wait, starting each attempt
// from an empty dir.
func (d *Downloader) Checkout(ctx context.Context, url, revision, dir string, progress io.Writer) (string, error) {
	repo, err := d.clone(ctx, url, dir, progress)
	if err != nil {
		return "", err
	}

	hash, err := repo.ResolveRevision(plumbing.Revision(revision))
	if err != nil {
		return "", &failure.Error{
			Kind:     failure.Configuration,
			Stage:    "source-fetch",
			Op:       "resolve pinned revision",
			Expected: "a revision present in " + url,
			Actual:   revision,
			Err:      err,
		}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: *hash, Force: true}); err != nil {
		return "", fmt.Errorf("checkout %s: %w", hash, err)
	}
	return hash.String(), nil
}

func (d *Downloader) clone(ctx context.Context, url, dir string, progress io.Writer) (*git.Repository, error) {
	var err error
	attempts := 0
	for attempts <= d.retries {
		if attempts > 0 {
			d.log.Warn().Err(err).Str("url", url).Int("attempt", attempts).Msg("retrying clone")
			if d.OnRetry != nil {
				d.OnRetry()
			}
			select {
			case <-time.After(d.wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		attempts++

		var repo *git.Repository
		repo, err = git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
			URL:      url,
			Progress: progress,
		})
		if err == nil {
			return repo, nil
		}
		if rerr := os.RemoveAll(dir); rerr != nil {
			return nil, fmt.Errorf("remove partial clone: %w", rerr)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if permanentCloneError(err) {
			return nil, &failure.Error{Kind: failure.Configuration, Stage: "source-fetch", Op: "clone " + url, Err: err}
		}
	}
	return nil, &failure.Error{
		Kind:  failure.TransientNetwork,
		Stage: "source-fetch",
		Op:    "clone " + url,
		Err:   fmt.Errorf("giving up after %d attempt(s): %w", attempts, err),
	}
}

func permanentCloneError(err error) bool {
	return errors.Is(err, transport.ErrRepositoryNotFound) ||
		errors.Is(err, transport.ErrAuthenticationRequired) ||
		errors.Is(err, transport.ErrAuthorizationFailed) ||
		errors.Is(err, transport.ErrEmptyRemoteRepository)
}
