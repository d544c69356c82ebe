// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor wires the Watcher, Finalization State Machine,
// Extraction Orchestrator, Report Normaliser, Baseline Tracker, Spool,
// Uploader, and Failed Ledger into one running agent, and serves the
// agentctl control operations over a Unix domain socket. It owns
// cooperative shutdown: stop the Watcher, cancel in-flight extraction,
// let in-flight upload finish or roll back, then return.
package supervisor
