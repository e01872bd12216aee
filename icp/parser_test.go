package icp

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestParseCloud_Points(t *testing.T) {
	input := `# grid corner
0 0 0

1 2 3
  -4.5	5e-1 6
`
	pc, err := ParseCloud(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []r3.Vec{{}, {X: 1, Y: 2, Z: 3}, {X: -4.5, Y: 0.5, Z: 6}}, pc.Points)
	assert.False(t, pc.HasNormals())
}

func TestParseCloud_NormalsAreNormalised(t *testing.T) {
	pc, err := ParseCloud(strings.NewReader("0 0 0 0 0 2\n1 1 1 3 4 0\n"))
	require.NoError(t, err)
	require.True(t, pc.HasNormals())
	assert.Equal(t, r3.Vec{Z: 1}, pc.Normals[0])
	assert.InDelta(t, 0.6, pc.Normals[1].X, 1e-12)
	assert.InDelta(t, 0.8, pc.Normals[1].Y, 1e-12)
}

func TestParseCloud_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
		line  int
	}{
		{"two columns", "1 2\n", 1},
		{"four columns", "0 0 0\n1 2 3 4\n", 2},
		{"mixed widths", "0 0 0 0 0 1\n1 2 3\n", 2},
		{"non numeric", "0 0 0\n1 x 3\n", 2},
		{"nan token", "NaN 0 0\n", 1},
		{"inf token", "0 +Inf 0\n", 1},
		{"zero normal", "0 0 0 0 0 0\n", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCloud(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedInput), "got %v", err)

			var pe *ParseError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.line, pe.Line)
		})
	}
}

func TestParseCloud_Empty(t *testing.T) {
	for _, input := range []string{"", "\n\n", "# only a comment\n"} {
		_, err := ParseCloud(strings.NewReader(input))
		assert.ErrorIs(t, err, ErrEmptyPointCloud)
	}
}

func TestParseCloudFile(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "bad.xyz")
	require.NoError(t, os.WriteFile(path, []byte("0 0 0\n1 1\n"), 0644))
	_, err := ParseCloudFile(path)
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, path, pe.Path)
	assert.Contains(t, err.Error(), path+":2")

	_, err = ParseCloudFile(filepath.Join(dir, "missing.xyz"))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrMalformedInput))
}

func TestWriteCloud_ReadsBack(t *testing.T) {
	pts := Grid(2, 2, 2, 0.5)
	pc := NewPointCloud(pts, CubeNormals(pts))

	var buf bytes.Buffer
	require.NoError(t, WriteCloud(&buf, pc))
	assert.Equal(t, 8, strings.Count(buf.String(), "\n"))

	back, err := ParseCloud(&buf)
	require.NoError(t, err)
	assert.Equal(t, pc.Points, back.Points)
	assert.Equal(t, pc.Normals, back.Normals)
}
