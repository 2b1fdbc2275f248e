package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithinDir(t *testing.T) {
	tmp := t.TempDir()
	safe := filepath.Join(tmp, "safe")
	outside := filepath.Join(tmp, "outside")
	require.NoError(t, os.MkdirAll(safe, 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(safe, "link")))

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"direct child", filepath.Join(safe, "regions.json"), false},
		{"missing subdirectory", filepath.Join(safe, "a", "b", "layout.png"), false},
		{"dir itself", safe, false},
		{"dot dot", filepath.Join(safe, "..", "regions.json"), true},
		{"sibling", filepath.Join(outside, "regions.json"), true},
		{"through symlink", filepath.Join(safe, "link", "regions.json"), true},
		{"new file through symlink", filepath.Join(safe, "link", "new", "x.png"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := WithinDir(tt.path, safe)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrOutsideDir)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWithinAnyDir(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()

	assert.NoError(t, WithinAnyDir(filepath.Join(b, "out.json"), a, b))
	assert.ErrorIs(t, WithinAnyDir("/etc/passwd", a, b), ErrOutsideDir)
	assert.Error(t, WithinAnyDir(filepath.Join(a, "out.json")))
}

func TestValidateOutputPath(t *testing.T) {
	assert.NoError(t, ValidateOutputPath(filepath.Join(t.TempDir(), "layout.png")))
	assert.NoError(t, ValidateOutputPath("layout.png"))
	assert.ErrorIs(t, ValidateOutputPath("/etc/scan/regions.json"), ErrOutsideDir)
}
