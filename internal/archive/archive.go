// Package archive writes byte-reproducible tarballs: the same input tree
// always yields the same archive bytes, whoever builds it and whenever.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"golang.org/x/sys/unix"
	"lukechampine.com/blake3"
)

// Format is the compression wrapper around the tar stream.
type Format string

const (
	Gzip Format = "gz"
	Zstd Format = "zst"
)

// Extension is the file suffix for archives of this format.
func (f Format) Extension() string { return ".tar." + string(f) }

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case Gzip, Zstd:
		return Format(s), nil
	}
	return "", fmt.Errorf("unknown archive format %q", s)
}

// pgzip block layout is part of the output bytes, so it is fixed rather than
// derived from the machine.
const (
	gzipBlockSize = 1 << 20
	gzipBlocks    = 8
)

var epoch = time.Unix(0, 0)

// Sum identifies a written archive.
type Sum struct {
	SHA256 string // what http_archive pins
	BLAKE3 string
	Size   int64
}

// Create writes the archive of root to dst. When paths is empty the whole tree
// is archived; otherwise only the named entries (relative to root), each
// recursively. The file appears at dst only once it is complete.
func Create(dst, root string, format Format, paths ...string) (Sum, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Sum{}, fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return Sum{}, fmt.Errorf("create temp archive: %w", err)
	}
	defer os.Remove(tmp.Name())

	sh := sha256.New()
	bh := blake3.New(32, nil)
	cw := &countingWriter{w: io.MultiWriter(tmp, sh, bh)}
	if err := Write(cw, root, format, paths...); err != nil {
		tmp.Close()
		return Sum{}, err
	}
	if err := tmp.Close(); err != nil {
		return Sum{}, fmt.Errorf("close archive: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return Sum{}, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return Sum{}, fmt.Errorf("move archive into place: %w", err)
	}
	return Sum{
		SHA256: hex.EncodeToString(sh.Sum(nil)),
		BLAKE3: hex.EncodeToString(bh.Sum(nil)),
		Size:   cw.n,
	}, nil
}

// Write streams the archive of root to w.
func Write(w io.Writer, root string, format Format, paths ...string) error {
	var (
		zw  io.WriteCloser
		err error
	)
	switch format {
	case Gzip:
		gw, gerr := pgzip.NewWriterLevel(w, gzip.BestCompression)
		if gerr != nil {
			return gerr
		}
		if gerr := gw.SetConcurrency(gzipBlockSize, gzipBlocks); gerr != nil {
			return gerr
		}
		// Header left zero: no name, no mtime.
		zw = gw
	case Zstd:
		zw, err = zstd.NewWriter(w,
			zstd.WithEncoderConcurrency(1),
			zstd.WithEncoderLevel(zstd.SpeedBestCompression),
		)
		if err != nil {
			return fmt.Errorf("create zstd writer: %w", err)
		}
	default:
		return fmt.Errorf("unknown archive format %q", format)
	}

	tw := tar.NewWriter(zw)
	a := &archiver{tw: tw, root: root, links: make(map[inode]string)}

	if len(paths) == 0 {
		err = a.walk(root, true)
	} else {
		sorted := slices.Clone(paths)
		slices.Sort(sorted)
		for _, p := range sorted {
			if err = a.walk(filepath.Join(root, p), false); err != nil {
				break
			}
		}
	}
	if err != nil {
		return fmt.Errorf("archive %s: %w", root, err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("finish tar stream: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish compression: %w", err)
	}
	return nil
}

type inode struct {
	dev uint64
	ino uint64
}

type archiver struct {
	tw    *tar.Writer
	root  string
	links map[inode]string
}

// walk adds start and everything below it. WalkDir visits entries in lexical
// order, which fixes the entry order of the archive.
func (a *archiver) walk(start string, skipRoot bool) error {
	return filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if skipRoot && path == start {
			return nil
		}
		rel, err := filepath.Rel(a.root, path)
		if err != nil {
			return err
		}
		return a.add(path, filepath.ToSlash(rel))
	})
}

func (a *archiver) add(path, name string) error {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return fmt.Errorf("lstat %s: %w", path, err)
	}

	hdr := &tar.Header{
		Name:    name,
		ModTime: epoch,
		Uid:     0,
		Gid:     0,
		Uname:   "",
		Gname:   "",
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		hdr.Typeflag = tar.TypeDir
		hdr.Name = strings.TrimSuffix(name, "/") + "/"
		hdr.Mode = 0o755
		return a.tw.WriteHeader(hdr)

	case unix.S_IFLNK:
		target, err := os.Readlink(path)
		if err != nil {
			return fmt.Errorf("readlink %s: %w", path, err)
		}
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = target
		hdr.Mode = 0o777
		return a.tw.WriteHeader(hdr)

	case unix.S_IFREG:
		hdr.Mode = 0o644
		if st.Mode&0o111 != 0 {
			hdr.Mode = 0o755
		}
		if st.Nlink > 1 {
			key := inode{dev: uint64(st.Dev), ino: uint64(st.Ino)}
			if first, ok := a.links[key]; ok {
				hdr.Typeflag = tar.TypeLink
				hdr.Linkname = first
				return a.tw.WriteHeader(hdr)
			}
			a.links[key] = name
		}
		hdr.Typeflag = tar.TypeReg
		hdr.Size = st.Size
		if err := a.tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.CopyN(a.tw, f, st.Size); err != nil {
			return fmt.Errorf("copy %s: %w", path, err)
		}
		return nil

	default:
		return fmt.Errorf("%s: unsupported file type", path)
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
