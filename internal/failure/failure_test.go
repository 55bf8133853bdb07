package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessageCarriesContext(t *testing.T) {
	err := &Error{
		Kind:     Validation,
		Stage:    "validate",
		Op:       "bin/x86_64-linux-musl-gcc",
		Expected: "statically linked",
		Actual:   "dynamically linked",
	}
	assert.Equal(t,
		"validation failure [validate]: bin/x86_64-linux-musl-gcc (expected statically linked, got dynamically linked)",
		err.Error())
}

func TestIsSeesThroughWrapping(t *testing.T) {
	inner := &Error{Kind: Subprocess, Stage: "stage1-bootstrap-compiler", Err: errors.New("exit status 2")}
	wrapped := fmt.Errorf("build failed: %w", inner)

	require.True(t, Is(wrapped, Subprocess))
	require.False(t, Is(wrapped, Validation))
	assert.Equal(t, Subprocess, KindOf(wrapped))
	assert.Equal(t, Kind(0), KindOf(errors.New("plain")))
}

func TestConfigf(t *testing.T) {
	err := Configf("unsupported architecture %q", "mips")
	assert.True(t, Is(err, Configuration))
	assert.Contains(t, err.Error(), `"mips"`)
}
