package runner

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeExecutable(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0755))
}

func TestResolvePrefersPrimary(t *testing.T) {
	dir := t.TempDir()
	primary := filepath.Join(dir, "primary", "speedtest")
	fallback := filepath.Join(dir, "fallback", "speedtest")
	writeExecutable(t, primary)
	writeExecutable(t, fallback)

	path, found := Resolver{Primary: primary, Fallbacks: []string{fallback}}.Resolve()
	assert.True(t, found)
	assert.Equal(t, primary, path)
}

func TestResolveFallbacksInOrder(t *testing.T) {
	dir := t.TempDir()
	second := filepath.Join(dir, "second", "speedtest")
	third := filepath.Join(dir, "third", "speedtest")
	writeExecutable(t, second)
	writeExecutable(t, third)

	// Directories do not count as a match.
	first := filepath.Join(dir, "first")
	require.NoError(t, os.MkdirAll(first, 0755))

	path, found := Resolver{
		Primary:   filepath.Join(dir, "missing"),
		Fallbacks: []string{first, second, third},
	}.Resolve()
	assert.True(t, found)
	assert.Equal(t, second, path)
}

func TestResolveSearchPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("PATH lookup of a shell script")
	}

	dir := t.TempDir()
	writeExecutable(t, filepath.Join(dir, "speedtest-under-test"))
	t.Setenv("PATH", dir)

	path, found := Resolver{
		Primary:   filepath.Join(dir, "missing"),
		Fallbacks: []string{filepath.Join(dir, "also-missing")},
		Command:   "speedtest-under-test",
	}.Resolve()
	assert.True(t, found)
	assert.Equal(t, filepath.Join(dir, "speedtest-under-test"), path)
}

func TestResolveNothingFoundReturnsPrimary(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PATH", dir)

	primary := filepath.Join(dir, "ookla-speedtest-gui", "speedtest")
	path, found := Resolver{
		Primary:   primary,
		Fallbacks: []string{filepath.Join(dir, "nope")},
		Command:   "speedtest-that-does-not-exist",
	}.Resolve()
	assert.False(t, found)
	assert.Equal(t, primary, path)
}
