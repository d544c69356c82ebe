// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides TOML configuration loading for the agent.
//
// Configuration is loaded from a single file specified by either the
// MDQC_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks and no automatic file
// search. This ensures deterministic, auditable configuration with no
// hidden overrides.
//
// Key exports:
//
//   - [Config] -- master struct with Agent, Cloud, Skyline, Watcher,
//     Spool, and Instruments groups
//   - [Default] -- returns a Config with every tunable default applied
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends on no other agent package: it populates a
// plain in-memory record that the cmd/ layer hands to the core
// components, matching spec's treatment of configuration loading as
// an ambient, cmd-only concern.
package config
