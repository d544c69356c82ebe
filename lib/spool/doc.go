// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package spool is the crash-safe on-disk queue between the
// Orchestrator and the Uploader. Envelopes move between four sibling
// directories (pending, uploading, failed, completed) by atomic
// rename; no envelope is ever observable mid-transition.
package spool
