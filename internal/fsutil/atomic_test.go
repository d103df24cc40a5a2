package fsutil

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Name  string   `toml:"name" yaml:"name"`
	Items []string `toml:"items" yaml:"items"`
}

func TestWriteReadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "doc.toml")
	require.NoError(t, WriteTOML(path, doc{Name: "a", Items: []string{"x", "y"}}))

	var got doc
	require.NoError(t, ReadTOML(path, &got))
	assert.Equal(t, "a", got.Name)
	assert.Equal(t, []string{"x", "y"}, got.Items)
}

func TestWriteReadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.yaml")
	require.NoError(t, WriteYAML(path, doc{Name: "b"}))

	var got doc
	require.NoError(t, ReadYAML(path, &got))
	assert.Equal(t, "b", got.Name)
}

func TestWriteAtomicFailureLeavesOriginal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.toml")
	require.NoError(t, os.WriteFile(path, []byte("name = \"keep\"\n"), 0644))

	err := WriteAtomic(path, func(io.Writer) error { return errors.New("boom") })
	require.Error(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "name = \"keep\"\n", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must be cleaned up")
}
