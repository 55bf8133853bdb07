package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteTextfile(t *testing.T) {
	c := New("aarch64")
	c.ObserveStage("validate", 1500*time.Millisecond)
	c.StageFailures.WithLabelValues("package", "validation failure").Inc()
	c.ArtifactBytes.Set(42)

	path := filepath.Join(t.TempDir(), "musltc.prom")
	require.NoError(t, c.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `musltc_stage_duration_seconds{arch="aarch64",stage="validate"} 1.5`)
	assert.Contains(t, out, `musltc_stage_failures_total{arch="aarch64",kind="validation failure",stage="package"} 1`)
	assert.Contains(t, out, `musltc_artifact_bytes{arch="aarch64"} 42`)
}
