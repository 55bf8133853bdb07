package fetch

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"musltc/internal/failure"
)

// UpstreamSHA1 reads the expected digest for file from the upstream tree's
// hashes/ directory. ok is false when upstream does not pin the file.
func UpstreamSHA1(upstreamDir, file string) (sum string, ok bool, err error) {
	data, err := os.ReadFile(filepath.Join(upstreamDir, "hashes", file+".sha1"))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 || len(fields[0]) != sha1.Size*2 {
		return "", false, fmt.Errorf("malformed hash file for %s", file)
	}
	return strings.ToLower(fields[0]), true, nil
}

// VerifySHA1 checks path against want.
func VerifySHA1(path, want string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash %s: %w", path, err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != want {
		return &failure.Error{
			Kind:     failure.Validation,
			Stage:    "source-fetch",
			Op:       "checksum " + filepath.Base(path),
			Expected: "sha1 " + want,
			Actual:   "sha1 " + got,
		}
	}
	return nil
}
