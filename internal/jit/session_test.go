package jit

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/reactor/internal/codegen"
	"github.com/tinyrange/reactor/internal/ir/opt"
)

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions([]byte("opt_level: aggressive\npasses: [sroa, cfg-simplification, early-cse]\n"))
	require.NoError(t, err)
	assert.Equal(t, codegen.LevelAggressive, opts.OptLevel)
	assert.Equal(t, opt.SROA|opt.CFGSimplification|opt.EarlyCSE, opts.Passes)
	assert.Equal(t, []string{"cfg-simplification", "sroa", "early-cse"}, opts.Passes.Names())
}

func TestParseOptionsDefaults(t *testing.T) {
	opts, err := ParseOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultOptions(), opts)

	opts, err = ParseOptions([]byte("passes: []\n"))
	require.NoError(t, err)
	assert.Equal(t, opt.Flags(0), opts.Passes)
	assert.Equal(t, codegen.LevelDefault, opts.OptLevel)
}

func TestParseOptionsRejects(t *testing.T) {
	for name, doc := range map[string]string{
		"level":  "opt_level: O3\n",
		"pass":   "passes: [loop-unroll]\n",
		"syntax": "passes: {\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseOptions([]byte(doc))
			require.Error(t, err)
			assert.True(t, strings.HasPrefix(err.Error(), "parse options"), err.Error())
		})
	}
}

func TestLoadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reactor.yaml")
	require.NoError(t, os.WriteFile(path, []byte("opt_level: none\n"), 0o644))

	opts, err := LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, codegen.LevelNone, opts.OptLevel)

	_, err = LoadOptions(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestTargetMachineBuilder(t *testing.T) {
	tmb := TargetMachineBuilder{Triple: "x86_64-unknown-linux-gnu", Features: []string{"+sse2", "+avx"}}
	assert.Equal(t, "x86_64", tmb.Arch())
	assert.Equal(t, "+sse2,+avx", tmb.FeatureString())
}

func TestDefaultLayout(t *testing.T) {
	assert.Equal(t, "e-m:e-p:64:64-i64:64-f80:128-n8:16:32:64-S128", defaultLayout("x86_64-unknown-linux-gnu").String())
	assert.Equal(t, byte('o'), defaultLayout("aarch64-apple-darwin").Mangling)

	darwin := &Session{layout: defaultLayout("x86_64-apple-darwin")}
	assert.Equal(t, "_main", darwin.Mangle("main"))
	assert.Equal(t, "main", darwin.Demangle("_main"))

	linux := &Session{layout: defaultLayout("x86_64-unknown-linux-gnu")}
	assert.Equal(t, "main", linux.Mangle("main"))
	assert.Equal(t, "_main", linux.Demangle("_main"))
}

func TestHostTriple(t *testing.T) {
	triple, err := HostTriple()
	if runtime.GOOS != "linux" || runtime.GOARCH != "amd64" {
		t.Skip("triple checked on linux/amd64 only")
	}
	require.NoError(t, err)
	assert.Equal(t, "x86_64-unknown-linux-gnu", triple)

	name, features := hostCPU()
	assert.True(t, strings.HasPrefix(name, "x86-64"), name)
	assert.Contains(t, features, "+sse2")
}
