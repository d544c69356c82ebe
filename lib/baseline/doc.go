// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package baseline caches per-instrument reference runs and computes
// comparison metrics against them. The supervisor records an
// instrument's baseline locally from each of its successful SSC0 runs;
// the cache is held in memory only, so a restart discards it.
package baseline
