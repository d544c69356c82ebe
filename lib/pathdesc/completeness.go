// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pathdesc

import (
	"os"
	"path/filepath"
)

// Complete reports whether d satisfies its vendor's "the instrument has
// stopped writing" predicate. This is checked in addition to (not
// instead of) the signature-stability window: Stabilizing only
// transitions to Ready once both hold.
func Complete(d Descriptor) (bool, error) {
	switch d.Vendor {
	case Thermo:
		return completeThermo(d)
	case Bruker:
		return completeBruker(d)
	case Sciex:
		return completeSciex(d)
	case Waters:
		return completeWaters(d)
	case Agilent:
		return completeAgilent(d)
	default:
		return false, nil
	}
}

// completeThermo requires a non-sharing open to succeed: Thermo's
// acquisition software holds an exclusive lock on the .raw file while
// writing. On POSIX filesystems there is no mandatory-locking
// equivalent to Windows' sharing violation, so a plain open that
// succeeds is treated as the portable analogue: if the file can be
// opened without error, it is considered available. A permission
// error reports not-yet-complete; any other open error is returned.
func completeThermo(d Descriptor) (bool, error) {
	f, err := os.Open(d.Path)
	if err != nil {
		if os.IsPermission(err) {
			return false, nil
		}
		return false, err
	}
	f.Close()
	return true, nil
}

func completeBruker(d Descriptor) (bool, error) {
	tdf := filepath.Join(d.Path, "analysis.tdf")
	if !exists(tdf) {
		return false, nil
	}
	if exists(filepath.Join(d.Path, "analysis.tdf-journal")) {
		return false, nil
	}
	if exists(filepath.Join(d.Path, "analysis.tdf-lock")) {
		return false, nil
	}
	return true, nil
}

// completeSciex requires both the .wiff file and its .wiff.scan
// sidecar to be present. Stability of both is enforced by the caller
// comparing signatures across ticks; this only checks presence.
func completeSciex(d Descriptor) (bool, error) {
	if d.Kind != KindFile {
		return false, nil
	}
	scanSidecar := d.Path + ".scan"
	return exists(scanSidecar), nil
}

func completeWaters(d Descriptor) (bool, error) {
	if !exists(filepath.Join(d.Path, "_FUNC001.DAT")) {
		return false, nil
	}
	if exists(filepath.Join(d.Path, "_LOCK_")) {
		return false, nil
	}
	return true, nil
}

func completeAgilent(d Descriptor) (bool, error) {
	acqData := filepath.Join(d.Path, "AcqData")
	entries, err := os.ReadDir(acqData)
	if err != nil {
		return false, nil
	}
	return len(entries) > 0, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
