//go:build linux && amd64

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSample(t *testing.T) {
	config := filepath.Join(t.TempDir(), "reactor.yaml")
	require.NoError(t, os.WriteFile(config, []byte("opt_level: less\npasses: [cfg-simplification, instcombine]\n"), 0o644))

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"run", "--config", config, "--times", "2"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "greeted 2 times, reported [10 10]\n", out.String())
}

func TestRejectsUnknownPass(t *testing.T) {
	g := &globalFlags{passes: []string{"unroll"}}
	_, err := g.options()
	require.Error(t, err)
}
