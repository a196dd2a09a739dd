// SPDX-License-Identifier: MPL-2.0

// Package loadfilter evaluates the configured load filter expression against
// module descriptors.
//
// The expression language is expr (github.com/expr-lang/expr). The
// expression must evaluate to a boolean; the environment is Env.
package loadfilter

import (
	"errors"
	"fmt"
	"slices"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/plugkit/plugkit/pkg/module"
)

// ErrInvalidExpression is returned when the filter does not compile.
var ErrInvalidExpression = errors.New("invalid load filter")

type (
	// Env is the evaluation environment of a filter.
	Env struct {
		Package   string   `expr:"package"`
		Name      string   `expr:"name"`
		Version   string   `expr:"version"`
		Templates []string `expr:"templates"`
		Depends   []string `expr:"depends"`
		Overlay   bool     `expr:"overlay"`
		Plain     bool     `expr:"plain"`
		Host      bool     `expr:"host"`
	}

	// Filter is a compiled load filter. The zero value and nil accept
	// everything.
	Filter struct {
		source  string
		program *vm.Program
	}

	// InvalidExpressionError describes a filter that failed to compile.
	InvalidExpressionError struct {
		Source string
		Err    error
	}
)

func (e *InvalidExpressionError) Error() string {
	return fmt.Sprintf("load filter %q: %v", e.Source, e.Err)
}

func (e *InvalidExpressionError) Unwrap() []error { return []error{ErrInvalidExpression, e.Err} }

// Compile compiles source. An empty source yields a filter that accepts
// every module.
func Compile(source string) (*Filter, error) {
	if source == "" {
		return &Filter{}, nil
	}
	program, err := expr.Compile(source, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, &InvalidExpressionError{Source: source, Err: err}
	}
	return &Filter{source: source, program: program}, nil
}

// Source returns the filter expression.
func (f *Filter) Source() string {
	if f == nil {
		return ""
	}
	return f.source
}

// Match reports whether d passes the filter.
func (f *Filter) Match(d *module.Descriptor, host bool) (bool, error) {
	if f == nil || f.program == nil {
		return true, nil
	}
	out, err := expr.Run(f.program, EnvOf(d, host))
	if err != nil {
		return false, fmt.Errorf("evaluate load filter for %s: %w", d.Package, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

// EnvOf builds the environment for d.
func EnvOf(d *module.Descriptor, host bool) Env {
	env := Env{
		Package: d.Package.String(),
		Name:    d.Name,
		Version: d.Version,
		Overlay: d.IsOverlay(),
		Plain:   d.Plain,
		Host:    host,
	}
	for _, t := range d.Templates {
		env.Templates = append(env.Templates, string(t))
	}
	for _, dep := range d.Depends {
		env.Depends = append(env.Depends, dep.Name.String())
	}
	slices.Sort(env.Depends)
	return env
}
