// SPDX-License-Identifier: MPL-2.0

// Package testutil provides fixture builders for module archives and small
// helpers that fail the test on error.
package testutil
