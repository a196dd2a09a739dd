// SPDX-License-Identifier: MPL-2.0

// Package issue provides actionable error handling with user-friendly messages.
//
// ActionableError carries the failed operation, the resource involved and
// remediation hints. Issue is a catalog entry of Markdown guidance rendered
// with glamour, looked up by Id when the CLI reports a failure.
package issue
