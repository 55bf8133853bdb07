// Package config loads musltc settings from a KEY=VALUE file overridden by the
// environment, plus the pinned upstream sources.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"musltc/internal/failure"
)

// DefaultPath is read when MUSLTC_CONFIG is not set.
const DefaultPath = "/etc/musltc.conf"

// Environment variables with these prefixes override file values.
var envPrefixes = []string{"MUSLTC_", "S3_", "R2_"}

// Config is the raw key/value view.
type Config struct {
	Values map[string]string
}

// Load reads path if it exists and merges environment overrides. A missing
// file is not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	file, err := os.Open(path)
	switch {
	case err == nil:
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			key, val, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			cfg.Values[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(val), `"'`)
		}
		if err := scanner.Err(); err != nil {
			return cfg, fmt.Errorf("read %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("open %s: %w", path, err)
	}

	mergeEnvOverrides(cfg, os.Environ())
	return cfg, nil
}

func mergeEnvOverrides(cfg *Config, environ []string) {
	for _, env := range environ {
		key, val, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		for _, p := range envPrefixes {
			if strings.HasPrefix(key, p) {
				cfg.Values[key] = val
				break
			}
		}
	}
}

// S3 holds publishing credentials for an S3-compatible bucket.
type S3 struct {
	Endpoint        string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
}

// Settings is the typed configuration.
type Settings struct {
	WorkDir       string
	Output        string
	CacheDir      string
	Jobs          int
	Debug         bool
	Retries       int
	RetryWait     time.Duration
	PinsPath      string
	OverlayPath   string
	MetricsFile   string
	ArchiveFormat string
	Version       string
	ReleaseURL    string
	KeepWorkDir   bool
	S3            S3
}

// DefaultReleaseURL is where release artifacts are downloaded from.
const DefaultReleaseURL = "https://github.com/bazel-contrib/musl-toolchain/releases/download"

// Settings resolves the typed view, applying defaults.
func (c *Config) Settings() (Settings, error) {
	v := c.Values
	s := Settings{
		WorkDir:       v["MUSLTC_WORKDIR"],
		Output:        v["MUSLTC_OUTPUT"],
		CacheDir:      v["MUSLTC_CACHE_DIR"],
		Debug:         v["MUSLTC_DEBUG"] == "1",
		PinsPath:      v["MUSLTC_PINS"],
		OverlayPath:   v["MUSLTC_OVERLAY"],
		MetricsFile:   v["MUSLTC_METRICS_FILE"],
		ArchiveFormat: v["MUSLTC_ARCHIVE_FORMAT"],
		Version:       v["MUSLTC_VERSION"],
		ReleaseURL:    strings.TrimRight(v["MUSLTC_RELEASE_URL"], "/"),
		KeepWorkDir:   v["MUSLTC_KEEP_WORKDIR"] == "1",
		S3: S3{
			Endpoint:        v["S3_ENDPOINT"],
			Bucket:          v["S3_BUCKET"],
			AccessKeyID:     v["S3_ACCESS_KEY_ID"],
			SecretAccessKey: v["S3_SECRET_ACCESS_KEY"],
			Region:          v["S3_REGION"],
		},
	}

	if s.WorkDir == "" {
		s.WorkDir = os.TempDir()
	}
	if s.Output == "" {
		s.Output = "output"
	}
	if s.CacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			base = os.TempDir()
		}
		s.CacheDir = filepath.Join(base, "musltc")
	}
	if s.Version == "" {
		s.Version = "v0.1.0"
	}
	if s.ReleaseURL == "" {
		s.ReleaseURL = DefaultReleaseURL
	}

	var err error
	if s.Jobs, err = intValue(v, "MUSLTC_JOBS", runtime.NumCPU()); err != nil {
		return s, err
	}
	if s.Retries, err = intValue(v, "MUSLTC_RETRIES", 5); err != nil {
		return s, err
	}
	s.RetryWait = 10 * time.Second
	if raw := v["MUSLTC_RETRY_WAIT"]; raw != "" {
		if s.RetryWait, err = time.ParseDuration(raw); err != nil {
			return s, failure.Configf("MUSLTC_RETRY_WAIT: %v", err)
		}
	}

	switch s.ArchiveFormat {
	case "":
		s.ArchiveFormat = "gz"
	case "gz", "zst":
	default:
		return s, failure.Configf("MUSLTC_ARCHIVE_FORMAT must be gz or zst, got %q", s.ArchiveFormat)
	}

	// Cloudflare R2 accounts can be given the way the mirror upload expects.
	if s.S3.Endpoint == "" && v["R2_ACCOUNT_ID"] != "" {
		s.S3.Endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", v["R2_ACCOUNT_ID"])
		if s.S3.Bucket == "" {
			s.S3.Bucket = v["R2_BUCKET_NAME"]
		}
		if s.S3.AccessKeyID == "" {
			s.S3.AccessKeyID = v["R2_ACCESS_KEY_ID"]
		}
		if s.S3.SecretAccessKey == "" {
			s.S3.SecretAccessKey = v["R2_SECRET_ACCESS_KEY"]
		}
	}
	if s.S3.Region == "" {
		s.S3.Region = "auto"
	}
	return s, nil
}

func intValue(v map[string]string, key string, def int) (int, error) {
	raw := v[key]
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, failure.Configf("%s must be a non-negative integer, got %q", key, raw)
	}
	return n, nil
}
