// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipcproto defines the newline-delimited JSON message types
// for the agentctl<->agentd Unix socket protocol. Both cmd/agentctl
// and cmd/agentd import this package so the wire types are defined
// once rather than mirrored.
package ipcproto
