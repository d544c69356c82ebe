// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package atomicfile provides crash-safe whole-file writes: write to a
// temporary name in the same directory, fsync, rename into place, then
// fsync the parent directory so the rename survives a power loss.
//
// Readers of a path written through this package never observe a
// partial or truncated file — the rename is the only operation that
// makes new content visible, and renames within one filesystem are
// atomic.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// Write atomically replaces the file at path with data. The file is
// created with mode perm if it does not exist.
func Write(path string, data []byte, perm os.FileMode) error {
	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary file: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming file into place: %w", err)
	}

	syncParent(path)
	return nil
}

// syncParent fsyncs the parent directory of path so a subsequent crash
// cannot lose the rename even if the directory entry hasn't been
// flushed yet. Best effort: failures here are not reported because the
// file content itself is already durable.
func syncParent(path string) {
	parent, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer parent.Close()
	parent.Sync()
}

// Rename moves src to dst, then fsyncs dst's parent directory for
// rename durability. Used for spool state transitions, where both src
// and dst live in sibling directories on the same filesystem.
func Rename(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", src, dst, err)
	}
	syncParent(dst)
	return nil
}
