// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pathdesc normalises a filesystem artifact (a single raw file
// or a vendor directory bundle) into a stable identity plus the
// size/mtime signature used by the finalization state machine to
// detect when the artifact has stopped changing.
//
// Identity is the canonical absolute path string. Two Descriptors
// referring to the same artifact always compare equal on Path even if
// constructed from different relative inputs.
package pathdesc
