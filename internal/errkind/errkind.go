// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package errkind classifies the fatal failures of a training run.
//
// Errors are still created and wrapped with github.com/pkg/errors, and carry their stack traces.
// A Kind is attached on top, so callers can test for it with the standard errors.Is:
//
//	if errors.Is(err, errkind.Load) { ... }
package errkind

import (
	"fmt"
	"io"

	stderrors "errors"

	"github.com/pkg/errors"
)

// Kind of failure. It implements error, so it can be used as the target of errors.Is.
type Kind string

const (
	// Config is a missing or invalid command-line argument or environment variable.
	Config Kind = "config error"

	// Data is a malformed batch or dataset file.
	Data Kind = "data error"

	// Load is a missing checkpoint or a checkpoint that doesn't match the model.
	Load Kind = "load error"

	// IO is a failure to create or write a file or directory.
	IO Kind = "io error"
)

// Error implements error.
func (k Kind) Error() string { return string(k) }

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }

// Unwrap exposes both the kind and the wrapped error to errors.Is and errors.As.
func (e *kindError) Unwrap() []error { return []error{e.kind, e.err} }

// Cause implements github.com/pkg/errors causer.
func (e *kindError) Cause() error { return e.err }

// Format prints the stack trace of the wrapped error with "%+v".
func (e *kindError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		_, _ = fmt.Fprintf(s, "%s: %+v", e.kind, e.err)
		return
	}
	_, _ = io.WriteString(s, e.Error())
}

// New returns an error of the given kind with the message. It records the stack trace.
func New(kind Kind, message string) error {
	return &kindError{kind: kind, err: errors.New(message)}
}

// Errorf returns an error of the given kind, formatted as fmt.Sprintf. It records the stack trace.
func Errorf(kind Kind, format string, args ...any) error {
	return &kindError{kind: kind, err: errors.Errorf(format, args...)}
}

// Wrapf annotates err with the formatted message and the kind.
// It returns nil if err is nil.
func Wrapf(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: errors.Wrapf(err, format, args...)}
}

// Of returns the kind of the first classified error in the chain.
func Of(err error) (Kind, bool) {
	var ke *kindError
	if stderrors.As(err, &ke) {
		return ke.kind, true
	}
	return "", false
}
