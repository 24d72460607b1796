package pmatomic

import (
	"path/filepath"
	"testing"
)

// newPool opens a fresh pool in a temp dir and tears it down with the test.
func newPool(t testing.TB, opts ...Option) *Pool {
	t.Helper()

	pl, err := Open(filepath.Join(t.TempDir(), "pool.pm"), opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pl.Close() })
	return pl
}
