// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestActionableError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *ActionableError
		want string
	}{
		{
			name: "operation only",
			err:  &ActionableError{Operation: "load configuration"},
			want: "failed to load configuration",
		},
		{
			name: "operation with resource",
			err:  &ActionableError{Operation: "import archive", Resource: "theme.plugin"},
			want: "failed to import archive: theme.plugin",
		},
		{
			name: "operation with cause",
			err:  &ActionableError{Operation: "start module", Cause: errors.New("non-zero result 3")},
			want: "failed to start module: non-zero result 3",
		},
		{
			name: "full context",
			err: &ActionableError{
				Operation: "start module",
				Resource:  "com.example.app",
				Cause:     errors.New("entry class missing"),
			},
			want: "failed to start module: com.example.app: entry class missing",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestActionableError_ErrorsIs(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("locked")
	err := NewErrorContext().
		WithOperation("prepare cache").
		Wrap(fmt.Errorf("lock: %w", sentinel)).
		BuildError()
	if !errors.Is(err, sentinel) {
		t.Error("errors.Is() does not reach the cause")
	}
	var ae *ActionableError
	if !errors.As(err, &ae) || ae.Operation != "prepare cache" {
		t.Errorf("errors.As() = %v", ae)
	}
}

func TestActionableError_Format(t *testing.T) {
	t.Parallel()

	inner := errors.New("permission denied")
	err := &ActionableError{
		Operation:   "prepare cache",
		Resource:    "/var/cache/plugkit",
		Suggestions: []string{"Check cache_dir", "Remove the stale lock"},
		Cause:       fmt.Errorf("lock: %w", inner),
	}

	plain := err.Format(false)
	for _, want := range []string{"failed to prepare cache", "• Check cache_dir", "• Remove the stale lock"} {
		if !strings.Contains(plain, want) {
			t.Errorf("Format(false) missing %q:\n%s", want, plain)
		}
	}
	if strings.Contains(plain, "Error chain") {
		t.Error("Format(false) includes the error chain")
	}

	verbose := err.Format(true)
	for _, want := range []string{"Error chain:", "1. lock: permission denied", "2. permission denied"} {
		if !strings.Contains(verbose, want) {
			t.Errorf("Format(true) missing %q:\n%s", want, verbose)
		}
	}
}

func TestErrorContext_Build(t *testing.T) {
	t.Parallel()

	if NewErrorContext().WithResource("x").Build() != nil {
		t.Error("Build() without operation returned an error")
	}
	if NewErrorContext().BuildError() != nil {
		t.Error("BuildError() without operation returned non-nil")
	}

	cause := errors.New("boom")
	ae := NewErrorContext().
		WithOperation("check module").
		WithResource("com.example.app").
		WithSuggestion("one").
		WithSuggestions("two", "three").
		WithIssue(MissingDependencyId).
		Wrap(cause).
		Build()
	if ae.Operation != "check module" || ae.Resource != "com.example.app" || ae.Cause != cause {
		t.Errorf("Build() = %+v", ae)
	}
	if len(ae.Suggestions) != 3 || !ae.HasSuggestions() {
		t.Errorf("Suggestions = %v", ae.Suggestions)
	}
	if ae.Issue != MissingDependencyId {
		t.Errorf("Issue = %d", ae.Issue)
	}
}

func TestWrapWithContext(t *testing.T) {
	t.Parallel()

	if WrapWithContext(nil, "op", "res") != nil {
		t.Error("WrapWithContext(nil) returned non-nil")
	}
	err := WrapWithContext(errors.New("gone"), "read archive", "a.plugin")
	if got := err.Error(); got != "failed to read archive: a.plugin: gone" {
		t.Errorf("Error() = %q", got)
	}
	if err.HasSuggestions() {
		t.Error("HasSuggestions() = true")
	}
}
