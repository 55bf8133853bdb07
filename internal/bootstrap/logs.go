package bootstrap

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ulikunitz/xz"
)

// compressXZ writes an xz copy of srcPath to destPath.
func compressXZ(srcPath, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(destPath)
	if err != nil {
		return err
	}
	xzWriter, err := xz.NewWriter(dst)
	if err != nil {
		dst.Close()
		return err
	}
	if _, err := io.Copy(xzWriter, src); err != nil {
		xzWriter.Close()
		dst.Close()
		return err
	}
	if err := xzWriter.Close(); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// saveLogs compresses every stage log in logDir into destDir as
// <prefix>-<stage>.log.xz so they outlive the workspace. It returns the
// written paths in stage name order.
func saveLogs(logDir, destDir, prefix string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(logDir, "*.log"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	var saved []string
	for _, m := range matches {
		stage := strings.TrimSuffix(filepath.Base(m), ".log")
		dest := filepath.Join(destDir, prefix+"-"+stage+".log.xz")
		if err := compressXZ(m, dest); err != nil {
			return saved, fmt.Errorf("save %s log: %w", stage, err)
		}
		saved = append(saved, dest)
	}
	return saved, nil
}
