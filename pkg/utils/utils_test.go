package utils

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToInt64(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   any
		want int64
		ok   bool
	}{
		{json.Number("12"), 12, true},
		{json.Number("12.0"), 12, true},
		{json.Number("12.5"), 0, false},
		{" 7 ", 7, true},
		{"seven", 0, false},
		{3.0, 3, true},
		{int32(-4), -4, true},
		{true, 0, false},
		{nil, 0, false},
	}
	for _, tt := range tests {
		got, ok := ToInt64(tt.in)
		require.Equal(t, tt.ok, ok, "%v", tt.in)
		require.Equal(t, tt.want, got, "%v", tt.in)
	}
}

func TestToFloat64(t *testing.T) {
	t.Parallel()

	f, ok := ToFloat64(json.Number("2.5"))
	require.True(t, ok)
	require.Equal(t, 2.5, f)

	f, ok = ToFloat64(uint8(3))
	require.True(t, ok)
	require.Equal(t, 3.0, f)

	_, ok = ToFloat64(map[string]any{})
	require.False(t, ok)
}

func TestOutputManager(t *testing.T) {
	t.Parallel()

	om := NewOutputManager(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, om.EnsureOutputDirExists())

	dir, err := om.CreateRunDir("run-1")
	require.NoError(t, err)
	require.DirExists(t, dir)

	left, err := om.LeftoverFiles("run-1")
	require.NoError(t, err)
	require.Empty(t, left)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.tsv"), []byte("x"), 0o644))
	left, err = om.LeftoverFiles("run-1")
	require.NoError(t, err)
	require.Equal(t, []string{"a.tsv"}, left)

	require.NoError(t, om.RemoveRunDir("run-1"))
	require.NoDirExists(t, dir)
	left, err = om.LeftoverFiles("run-1")
	require.NoError(t, err)
	require.Nil(t, left)

	dir, err = om.CreateRunDir("../escape")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(om.BaseOutputDir, "escape"), dir)
}
