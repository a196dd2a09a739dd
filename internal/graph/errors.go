// SPDX-License-Identifier: MPL-2.0

package graph

import (
	"errors"
	"fmt"

	"github.com/plugkit/plugkit/pkg/module"
)

// Check failure kinds.
const (
	// MissingDependency reports a required dependency absent from the set.
	MissingDependency CheckErrorKind = iota + 1
	// KindMismatch reports an overlay depending on a regular module or the
	// other way round.
	KindMismatch
	// CheckDependencyFailed reports a failed dependency.
	CheckDependencyFailed
	// NotImported reports a module that is not in the Imported state.
	NotImported
)

// Start failure kinds.
const (
	// NotChecked reports a start before check.
	NotChecked StartErrorKind = iota + 1
	// AlreadyFailed reports a start of a module that failed before.
	AlreadyFailed
	// EntryClassMissing reports an entry class the chain cannot load.
	EntryClassMissing
	// Instantiate reports a fault while creating the entry instance.
	Instantiate
	// NonZeroResult reports a Start call returning a non-zero code.
	NonZeroResult
	// ModuleFault reports a panic inside module code.
	ModuleFault
	// StartDependencyFailed reports a dependency that failed to start.
	StartDependencyFailed
	// OverlayFailed reports an overlay that failed to start.
	OverlayFailed
	// Cache reports a cache directory or code cache failure.
	Cache
)

var (
	// ErrMissingDependency is the sentinel for MissingDependency.
	ErrMissingDependency = errors.New("missing dependency")
	// ErrKindMismatch is the sentinel for KindMismatch.
	ErrKindMismatch = errors.New("dependency kind mismatch")
	// ErrDependencyFailed is the sentinel for failed dependencies, in both
	// check and start.
	ErrDependencyFailed = errors.New("dependency failed")
	// ErrNotImported is the sentinel for NotImported.
	ErrNotImported = errors.New("module not imported")

	// ErrNotChecked is the sentinel for NotChecked.
	ErrNotChecked = errors.New("module not checked")
	// ErrFailed is the sentinel for AlreadyFailed.
	ErrFailed = errors.New("module failed")
	// ErrEntryClassMissing is the sentinel for EntryClassMissing.
	ErrEntryClassMissing = errors.New("entry class missing")
	// ErrInstantiate is the sentinel for Instantiate.
	ErrInstantiate = errors.New("instantiation failed")
	// ErrNonZeroResult is the sentinel for NonZeroResult.
	ErrNonZeroResult = errors.New("start returned non-zero")
	// ErrModuleFault is the sentinel for ModuleFault.
	ErrModuleFault = errors.New("module fault")
	// ErrOverlayFailed is the sentinel for OverlayFailed.
	ErrOverlayFailed = errors.New("overlay failed")
	// ErrCache is the sentinel for Cache.
	ErrCache = errors.New("cache failure")

	// ErrUnknownModule is returned for packages not in the graph.
	ErrUnknownModule = errors.New("unknown module")
	// ErrPackageRenamed is returned by Update when the new archive carries
	// another package.
	ErrPackageRenamed = errors.New("package name changed")
	// ErrStillStarted is returned by Update when the old module runs.
	ErrStillStarted = errors.New("old module still started")
	// ErrReplaced is recorded on a module Update replaced.
	ErrReplaced = errors.New("module replaced")
)

type (
	// CheckErrorKind classifies check failures.
	CheckErrorKind int

	// CheckError describes why a module could not be checked.
	CheckError struct {
		Package    module.PackageName
		Kind       CheckErrorKind
		Dependency module.PackageName
		Err        error
	}

	// StartErrorKind classifies start failures.
	StartErrorKind int

	// StartError describes why a module could not be started.
	StartError struct {
		Package module.PackageName
		Kind    StartErrorKind
		// Dependency names the dependency or overlay for the propagated
		// kinds.
		Dependency module.PackageName
		// Code is the result of a NonZeroResult start.
		Code int
		Err  error
	}

	// StopError reports a fault while stopping a module. The module is
	// stopped regardless.
	StopError struct {
		Package module.PackageName
		Err     error
	}
)

// String returns the kind's name.
func (k CheckErrorKind) String() string {
	switch k {
	case MissingDependency:
		return "missing dependency"
	case KindMismatch:
		return "kind mismatch"
	case CheckDependencyFailed:
		return "dependency failed"
	case NotImported:
		return "not imported"
	default:
		return fmt.Sprintf("CheckErrorKind(%d)", int(k))
	}
}

// Error implements the error interface.
func (e *CheckError) Error() string {
	msg := fmt.Sprintf("check %s: %s", e.Package, e.Kind)
	if e.Dependency != "" {
		msg += " " + e.Dependency.String()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *CheckError) Unwrap() []error {
	var sentinel error
	switch e.Kind {
	case MissingDependency:
		sentinel = ErrMissingDependency
	case KindMismatch:
		sentinel = ErrKindMismatch
	case CheckDependencyFailed:
		sentinel = ErrDependencyFailed
	case NotImported:
		sentinel = ErrNotImported
	}
	return []error{sentinel, e.Err}
}

// String returns the kind's name.
func (k StartErrorKind) String() string {
	switch k {
	case NotChecked:
		return "not checked"
	case AlreadyFailed:
		return "failed before"
	case EntryClassMissing:
		return "entry class missing"
	case Instantiate:
		return "instantiation failed"
	case NonZeroResult:
		return "non-zero result"
	case ModuleFault:
		return "module fault"
	case StartDependencyFailed:
		return "dependency failed"
	case OverlayFailed:
		return "overlay failed"
	case Cache:
		return "cache failure"
	default:
		return fmt.Sprintf("StartErrorKind(%d)", int(k))
	}
}

// Error implements the error interface.
func (e *StartError) Error() string {
	msg := fmt.Sprintf("start %s: %s", e.Package, e.Kind)
	switch {
	case e.Kind == NonZeroResult:
		msg += fmt.Sprintf(" %d", e.Code)
	case e.Dependency != "":
		msg += " " + e.Dependency.String()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *StartError) Unwrap() []error {
	var sentinel error
	switch e.Kind {
	case NotChecked:
		sentinel = ErrNotChecked
	case AlreadyFailed:
		sentinel = ErrFailed
	case EntryClassMissing:
		sentinel = ErrEntryClassMissing
	case Instantiate:
		sentinel = ErrInstantiate
	case NonZeroResult:
		sentinel = ErrNonZeroResult
	case ModuleFault:
		sentinel = ErrModuleFault
	case StartDependencyFailed:
		sentinel = ErrDependencyFailed
	case OverlayFailed:
		sentinel = ErrOverlayFailed
	case Cache:
		sentinel = ErrCache
	}
	return []error{sentinel, e.Err}
}

// Error implements the error interface.
func (e *StopError) Error() string {
	return fmt.Sprintf("stop %s: %v", e.Package, e.Err)
}

// Unwrap returns the cause.
func (e *StopError) Unwrap() error { return e.Err }

// faultError converts a recovered panic value into an error.
func faultError(v any) error {
	if err, ok := v.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", v)
}
