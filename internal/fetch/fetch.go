package fetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"musltc/internal/config"
)

// Prefetch downloads every pinned source through the cache, verifies it
// against the upstream hashes and links it into upstreamDir/sources, where the
// upstream build looks before downloading anything itself.
func (d *Downloader) Prefetch(ctx context.Context, upstreamDir string, sources []config.Source) error {
	srcDir := filepath.Join(upstreamDir, "sources")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		return fmt.Errorf("create sources dir: %w", err)
	}

	for _, s := range sources {
		if err := ctx.Err(); err != nil {
			return err
		}
		cached, err := d.Fetch(ctx, s.URL)
		if err != nil {
			return err
		}

		want, pinned, err := UpstreamSHA1(upstreamDir, s.File)
		if err != nil {
			return err
		}
		if pinned {
			if err := VerifySHA1(cached, want); err != nil {
				// A corrupt cache entry must not survive into the next run.
				if eerr := d.Evict(s.URL); eerr != nil {
					d.log.Warn().Err(eerr).Str("url", s.URL).Msg("could not evict corrupt cache entry")
				}
				return err
			}
		} else {
			d.log.Warn().Str("file", s.File).Msg("no upstream checksum; using unverified source")
		}

		dst := filepath.Join(srcDir, s.File)
		_ = os.Remove(dst)
		if err := os.Symlink(cached, dst); err != nil {
			return fmt.Errorf("link %s into sources: %w", s.File, err)
		}
	}
	return nil
}
