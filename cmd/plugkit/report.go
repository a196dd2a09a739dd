// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"

	"github.com/plugkit/plugkit/internal/issue"
)

// reportFailure prints err with its suggestions and, in verbose mode, the
// catalog guide of its issue. The returned ExitError carries no message so
// the error is not printed twice.
func (a *App) reportFailure(err error, verbose bool) error {
	fmt.Fprintln(a.stderr, ErrorStyle.Render("Error: ")+formatErrorForDisplay(err, verbose))

	var ae *issue.ActionableError
	if verbose && errors.As(err, &ae) && ae.Issue != 0 {
		if guide := issue.Get(ae.Issue); guide != nil {
			if rendered, rerr := guide.Render("dark"); rerr == nil {
				fmt.Fprint(a.stderr, rendered)
			}
		}
	}
	return &ExitError{Code: 1, Err: err, Reported: true}
}

// formatErrorForDisplay formats an error for user display. ActionableErrors
// use their Format method; verbose mode shows the full error chain.
func formatErrorForDisplay(err error, verbose bool) string {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return ae.Format(verbose)
	}
	return err.Error()
}

// moduleFailures reports each module failure on stderr and maps them to
// exit code 2. No errors report nothing.
func (a *App) moduleFailures(errs []error, verbose bool) error {
	if len(errs) == 0 {
		return nil
	}
	for _, e := range errs {
		fmt.Fprintln(a.stderr, WarningStyle.Render("! ")+formatErrorForDisplay(classify(e, "load module", ""), verbose))
	}
	return &ExitError{Code: 2, Err: errors.Join(errs...), Reported: true}
}
