package main

import (
	"bytes"
	"errors"
	"flag"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockApp struct {
	opts   AppOptions
	called map[string]bool
	err    error
}

func newMockApp() *mockApp {
	return &mockApp{called: make(map[string]bool)}
}

func (m *mockApp) ApplyOptions(opts AppOptions) { m.opts = opts }
func (m *mockApp) RunOnce() error               { m.called["RunOnce"] = true; return m.err }
func (m *mockApp) RunService() error            { m.called["RunService"] = true; return m.err }

func TestRun_Flags(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedCalled string
		verifyOpts     func(*testing.T, AppOptions)
	}{
		{
			name:           "Defaults",
			args:           nil,
			expectedCalled: "RunOnce",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.Equal(t, "config.yaml", opts.ConfigFile)
				assert.Equal(t, "closed_form", opts.Algorithm)
				assert.Equal(t, 100, opts.MaxIterations)
				assert.Empty(t, opts.Set)
			},
		},
		{
			name:           "Algorithm",
			args:           []string{"--algorithm", "point_to_plane_lsq", "--spatial-index", "--max-iterations", "20"},
			expectedCalled: "RunOnce",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.Equal(t, "point_to_plane_lsq", opts.Algorithm)
				assert.True(t, opts.SpatialIndex)
				assert.Equal(t, 20, opts.MaxIterations)
				assert.True(t, opts.Set["algorithm"])
				assert.True(t, opts.Set["spatial-index"])
				assert.False(t, opts.Set["seed"])
			},
		},
		{
			name:           "Output",
			args:           []string{"--output-dir", "/tmp/out", "--format", "both", "--source", "bunny.xyz", "--seed", "7"},
			expectedCalled: "RunOnce",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.Equal(t, "/tmp/out", opts.OutputDir)
				assert.Equal(t, "both", opts.Format)
				assert.Equal(t, "bunny.xyz", opts.SourceFile)
				assert.Equal(t, int64(7), opts.Seed)
			},
		},
		{
			name:           "MqttMode",
			args:           []string{"--mqtt", "--http-port", "9090"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.True(t, opts.MqttMode)
				assert.Equal(t, 9090, opts.HttpPort)
			},
		},
		{
			name:           "HttpMode",
			args:           []string{"--http", "--history", "runs.db", "--quiet"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.True(t, opts.HttpMode)
				assert.Equal(t, "runs.db", opts.HistoryPath)
				assert.True(t, opts.Quiet)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newMockApp()
			var out bytes.Buffer
			require.NoError(t, run(tt.args, &out, app))
			assert.True(t, app.called[tt.expectedCalled], "expected %s to be called", tt.expectedCalled)
			assert.Len(t, app.called, 1)
			tt.verifyOpts(t, app.opts)
		})
	}
}

func TestRun_Help(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{"--help"}, &out, app)
	assert.True(t, errors.Is(err, flag.ErrHelp))
	assert.Contains(t, out.String(), "Usage of tudoalign")
	assert.Empty(t, app.called)
}

func TestRun_BadFlag(t *testing.T) {
	var out bytes.Buffer
	err := run([]string{"--max-iterations", "many"}, &out, newMockApp())
	assert.Error(t, err)
}

func TestRun_PropagatesError(t *testing.T) {
	app := newMockApp()
	app.err = errors.New("boom")
	var out bytes.Buffer
	assert.EqualError(t, run(nil, &out, app), "boom")
	assert.True(t, strings.HasPrefix(out.String(), "tudoalign version: "+Version))
}
