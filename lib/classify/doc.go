// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package classify parses an artifact filename into control-type,
// well-position, plate, date, and instrument tokens. Classify is a
// pure, total function: it never errors, and repeated calls on the
// same filename return an identical record.
package classify
