// Package testutil provides scratch-space helpers for the examples.
package testutil

import (
	"fmt"
	"os"
)

// ScratchDir creates a temporary directory for an example run and returns
// it with a cleanup func that removes it. Cleanup errors are ignored.
//
// Usage:
//
//	dir, cleanup, err := testutil.ScratchDir("round-trip")
//	if err != nil {
//		return err
//	}
//	defer cleanup()
func ScratchDir(name string) (string, func(), error) {
	dir, err := os.MkdirTemp("", "zanj-"+name+"-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}
