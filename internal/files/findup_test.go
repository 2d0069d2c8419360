package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "target.yaml"), nil, 0o644))
	// directories with the same name don't count
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b", "target.yaml"), 0o755))

	found, err := FindUp("target.yaml", nested)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", "target.yaml"), found)

	found, err = FindUp("missing-procbridge-file.yaml", nested)
	require.NoError(t, err)
	assert.Empty(t, found)

	_, err = FindUp("target.yaml", filepath.Join(root, "nope"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
