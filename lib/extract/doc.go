// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package extract runs the vendor extraction tool (Skyline's
// SkylineCmd) against one stabilized artifact and captures its CSV
// report. At most one extraction runs at a time; the Orchestrator
// serializes calls FIFO by virtue of being invoked from a single
// caller goroutine (the Supervisor's processing loop).
package extract
