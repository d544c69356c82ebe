// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package watcher emits discovery events for new artifacts. Events are
// drawn from two sources merged without deduplication: native
// filesystem notifications via fsnotify, and a periodic directory
// scan. Downstream consumers (the finalization state machine) are
// responsible for deduplicating repeated events for the same path.
//
// Scans are authoritative: a watch path's scan always re-lists every
// matching artifact currently on disk, which is what makes network
// filesystems (where fsnotify is unreliable) safe to watch — the scan
// alone is sufficient even if every fsnotify event is silently
// dropped.
package watcher
