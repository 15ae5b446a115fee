package zanj

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// writeFileAtomic writes a file by filling a temp file in the destination
// directory, syncing it, and renaming it over path. A failure at any step
// leaves path untouched.
func writeFileAtomic(path string, fill func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ioErr("mkdir", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".zanj-tmp-*")
	if err != nil {
		return ioErr("create temp file", dir, err)
	}
	tmpName := tmp.Name()
	fail := func(err error) error {
		_ = tmp.Close()
		removeStaged(tmpName)
		return err
	}

	bw := bufio.NewWriter(tmp)
	if err := fill(bw); err != nil {
		return fail(err)
	}
	if err := bw.Flush(); err != nil {
		return fail(ioErr("write", tmpName, err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(ioErr("sync", tmpName, err))
	}
	if err := tmp.Chmod(0o644); err != nil {
		return fail(ioErr("chmod", tmpName, err))
	}
	if err := tmp.Close(); err != nil {
		removeStaged(tmpName)
		return ioErr("close", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		removeStaged(tmpName)
		return ioErr("rename", path, err)
	}
	return nil
}

// replaceDirAtomic builds a directory in a sibling staging directory and
// swaps it into place at dst. An existing dst is moved aside first and
// removed once the swap succeeds; if the swap fails it is restored.
//
// Only an empty directory or an existing container is replaced; any other
// directory fails with ErrPathExists and is left untouched.
//
// The staging directory is created fresh, so fill never writes through a
// pre-existing symlink. Renames and RemoveAll act on links themselves and
// never follow them.
func replaceDirAtomic(dst string, fill func(stage string) error) error {
	parent := filepath.Dir(dst)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return ioErr("mkdir", parent, err)
	}
	if err := checkReplaceable(dst); err != nil {
		return err
	}

	stage, err := os.MkdirTemp(parent, ".zanj-stage-*")
	if err != nil {
		return ioErr("create staging dir", parent, err)
	}
	if err := os.Chmod(stage, 0o755); err != nil {
		removeStaged(stage)
		return ioErr("chmod", stage, err)
	}
	if err := fill(stage); err != nil {
		removeStaged(stage)
		return err
	}

	backup := stage + ".old"
	hadOld := false
	if _, err := os.Lstat(dst); err == nil {
		if err := os.Rename(dst, backup); err != nil {
			removeStaged(stage)
			return ioErr("move aside", dst, err)
		}
		hadOld = true
	}
	if err := os.Rename(stage, dst); err != nil {
		if hadOld {
			_ = os.Rename(backup, dst)
		}
		removeStaged(stage)
		return ioErr("rename", dst, err)
	}
	if hadOld {
		if err := os.RemoveAll(backup); err != nil {
			return ioErr("remove old", backup, err)
		}
	}
	return nil
}

// checkReplaceable reports whether dst may be swapped out: it must be
// missing, an empty directory, or a directory holding a root document.
func checkReplaceable(dst string) error {
	info, err := os.Lstat(dst)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return ioErr("stat", dst, err)
	}
	if !info.IsDir() {
		return ioErr("replace", dst, fmt.Errorf("destination exists and is not a directory"))
	}

	root, err := os.Lstat(filepath.Join(dst, RootPath))
	if err == nil && root.Mode().IsRegular() {
		return nil
	}
	entries, err := os.ReadDir(dst)
	if err != nil {
		return ioErr("read dir", dst, err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("zanj: %w: %s is not empty and holds no container", ErrPathExists, dst)
	}
	return nil
}
