// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package report parses the extractor's CSV output into run-level and
// per-target metric records. Columns are resolved by header name
// against a declared synonym list, never by position, since different
// extractor versions and locales rename columns freely.
package report
