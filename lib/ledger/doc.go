// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ledger is the persistent record of artifacts that exited
// the pipeline in error: stabilization timeouts, extraction failures,
// schema mismatches, and exhausted uploads. The Ledger owns its file
// on a single goroutine; every external interaction goes through
// channel-delivered commands, matching the Finalization State
// Machine's actor discipline.
package ledger
