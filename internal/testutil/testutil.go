// Package testutil provides shared test utilities and fixtures.
//
// This package centralises common test helpers to reduce code duplication
// across test files and improve test maintainability.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/lumenlab/flimgo/internal/flim"
	"github.com/lumenlab/flimgo/internal/synth"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// WriteSynthetic writes a deterministic synthetic container with count
// frames into the test's temp dir and returns its path.
func WriteSynthetic(t *testing.T, count int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "synthetic.flim")
	g := synth.NewSyntheticGenerator(1)
	g.Width, g.Height = 64, 64
	AssertNoError(t, g.WriteContainer(path, count, true))
	return path
}

// OpenSynthetic writes and opens a synthetic container, closing it when the
// test ends.
func OpenSynthetic(t *testing.T, count int) *flim.Container {
	t.Helper()
	c, err := flim.Open(WriteSynthetic(t, count), nil)
	AssertNoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}
