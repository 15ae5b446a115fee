package zanj

import (
	"io"
	"os"
)

// closer returns a function that closes c, discarding the error.
// Use with defer for read-only files and archive handles.
func closer(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// removeStaged drops a temp file or staging directory left by a failed
// publish. The publish error is what the caller reports, so this one is
// dropped.
func removeStaged(path string) {
	_ = os.RemoveAll(path)
}
