// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package finalize implements the per-artifact finalization state
// machine: Detected -> Stabilizing -> Ready -> Processing -> Done or
// Failed. The Machine owns its artifact map on a single goroutine;
// every external interaction goes through channel-delivered commands,
// so no other goroutine ever touches the map directly.
package finalize
