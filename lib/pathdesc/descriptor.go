// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pathdesc

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Kind distinguishes a single-file artifact from a directory bundle.
type Kind string

const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
)

// Descriptor is the normalised identity of one artifact. Identity is
// Path: two Descriptors referring to the same artifact always compare
// equal on Path regardless of how each was constructed.
type Descriptor struct {
	Path   string
	Vendor Vendor
	Kind   Kind
}

// New canonicalises path (absolute, cleaned) and stats it to determine
// whether it is a file or a directory bundle.
func New(path string, vendor Vendor) (Descriptor, error) {
	absolute, err := filepath.Abs(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("resolving absolute path for %s: %w", path, err)
	}
	absolute = filepath.Clean(absolute)

	info, err := os.Stat(absolute)
	if err != nil {
		return Descriptor{}, fmt.Errorf("stat %s: %w", absolute, err)
	}

	kind := KindFile
	if info.IsDir() {
		kind = KindDirectory
	}

	return Descriptor{Path: absolute, Vendor: vendor, Kind: kind}, nil
}

// Signature is the (size, mtime) pair used to detect that an artifact
// has stopped changing. For a directory-kind artifact, Size is the sum
// of file sizes in the tree and ModTime is the maximum mtime observed.
type Signature struct {
	Size    int64
	ModTime time.Time
}

// Equal reports whether two signatures are identical. Used by the
// finalization state machine to decide whether an artifact changed
// between stability ticks.
func (s Signature) Equal(other Signature) bool {
	return s.Size == other.Size && s.ModTime.Equal(other.ModTime)
}

// Stat computes the current signature of the artifact at d.Path. For a
// file, this is a direct stat; for a sciex .wiff file, the size and
// mtime of its .wiff.scan sidecar (when present) are folded in, so a
// change to either file changes the signature. For a directory bundle, the tree is
// walked (one level deep suffices for bruker/agilent; waters artifacts
// are two levels deep) and the signature is the sum of all file sizes
// plus the maximum mtime encountered.
func Stat(d Descriptor) (Signature, error) {
	if d.Kind == KindFile {
		info, err := os.Stat(d.Path)
		if err != nil {
			return Signature{}, fmt.Errorf("stat %s: %w", d.Path, err)
		}
		sig := Signature{Size: info.Size(), ModTime: info.ModTime()}
		if d.Vendor == Sciex {
			if scan, err := os.Stat(d.Path + ".scan"); err == nil {
				sig.Size += scan.Size()
				if scan.ModTime().After(sig.ModTime) {
					sig.ModTime = scan.ModTime()
				}
			}
		}
		return sig, nil
	}

	var total int64
	var newest time.Time

	depth := 1
	if d.Vendor == Waters {
		depth = 2
	}

	err := walkDepth(d.Path, depth, func(info os.FileInfo) {
		if info.IsDir() {
			return
		}
		total += info.Size()
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	})
	if err != nil {
		return Signature{}, fmt.Errorf("walking %s: %w", d.Path, err)
	}

	return Signature{Size: total, ModTime: newest}, nil
}

// walkDepth visits every entry under root up to maxDepth levels
// (root itself is depth 0), calling visit for each.
func walkDepth(root string, maxDepth int, visit func(os.FileInfo)) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		visit(info)
		if entry.IsDir() && maxDepth > 1 {
			if err := walkDepth(filepath.Join(root, entry.Name()), maxDepth-1, visit); err != nil {
				return err
			}
		}
	}
	return nil
}
