// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package upload drains the spool's pending/ directory to the remote
// ingest endpoint over HTTPS with mutual TLS, retrying transient
// failures with exponential backoff and jitter, and moving exhausted
// or non-retriable envelopes to the Failed Ledger.
package upload
