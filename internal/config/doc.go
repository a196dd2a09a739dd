// SPDX-License-Identifier: MPL-2.0

// Package config handles plugkit configuration using Viper with CUE as the
// file format.
//
// Configuration is loaded from <user config>/plugkit/config.cue, or from the
// current directory, validated against the embedded #Config schema and
// merged over the defaults. PLUGKIT_* environment variables override file
// values (PLUGKIT_CACHE_DIR, PLUGKIT_LOG_LEVEL, ...).
package config
