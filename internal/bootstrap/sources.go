package bootstrap

import (
	"context"
	"io"

	"musltc/internal/config"
	"musltc/internal/fetch"
)

// NetSources fetches the upstream tree with git and the tarballs through the
// retrying, caching downloader. Clones share the downloader's retry policy.
type NetSources struct {
	Downloader *fetch.Downloader
	Progress   io.Writer // clone progress; nil for none
}

func (s NetSources) Checkout(ctx context.Context, url, revision, dir string) (string, error) {
	return s.Downloader.Checkout(ctx, url, revision, dir, s.Progress)
}

func (s NetSources) Prefetch(ctx context.Context, upstreamDir string, sources []config.Source) error {
	return s.Downloader.Prefetch(ctx, upstreamDir, sources)
}
