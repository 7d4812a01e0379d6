// Package ingesterr defines the error taxonomy reported by the GWAS ingest
// pipeline.  Each class maps onto a grailbio/base/errors kind so that generic
// callers can still use errors.Is(kind, err).
package ingesterr

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// Code classifies an ingest failure.
type Code int

const (
	// Unexpected is anything not anticipated by the pipeline.
	Unexpected Code = iota
	// UnsupportedFormat means the input encoding was not recognized.
	UnsupportedFormat
	// TooManyBadLines means the parser skipped more lines than allowed.
	TooManyBadLines
	// ValidationFailed means a content rule (sort order, chromosome whitelist,
	// empty file, mimetype, MAF derivation) was violated.
	ValidationFailed
	// NoTopHit means no record with a usable p-value exists.
	NoTopHit
)

var codeNames = [...]string{
	Unexpected:        "UnexpectedError",
	UnsupportedFormat: "UnsupportedFormat",
	TooManyBadLines:   "TooManyBadLines",
	ValidationFailed:  "ValidationFailed",
	NoTopHit:          "NoTopHit",
}

func (c Code) String() string {
	if c < 0 || int(c) >= len(codeNames) {
		return fmt.Sprintf("Code(%d)", int(c))
	}
	return codeNames[c]
}

func (c Code) kind() errors.Kind {
	switch c {
	case UnsupportedFormat:
		return errors.NotSupported
	case TooManyBadLines:
		return errors.Integrity
	case ValidationFailed:
		return errors.Invalid
	case NoTopHit:
		return errors.NotExist
	}
	return errors.Other
}

// Error is a classified ingest error.  Msg is meant to be shown to users.
type Error struct {
	Code Code
	Msg  string
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Msg == "" {
		return fmt.Sprintf("%v: %v", e.Code, e.Err)
	}
	return e.Msg
}

// Cause returns the underlying error, for pkg/errors compatibility.
func (e *Error) Cause() error { return e.Err }

// E constructs a classified error.  The message is formatted with
// fmt.Sprintf(format, args...).
func E(code Code, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	return &Error{Code: code, Msg: msg, Err: errors.E(code.kind(), msg)}
}

type causer interface {
	Cause() error
}

// find returns the first *Error in err's chain of causes.
func find(err error) *Error {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e
		}
		c, ok := err.(causer)
		if !ok {
			return nil
		}
		err = c.Cause()
	}
	return nil
}

// CodeOf returns the classification of err, looking through pkg/errors
// wrapping.  Errors that did not originate from this package are
// Unexpected.
func CodeOf(err error) Code {
	if e := find(err); e != nil {
		return e.Code
	}
	return Unexpected
}

// Is reports whether err carries the given code.
func Is(code Code, err error) bool {
	return err != nil && CodeOf(err) == code
}

// Wrap converts any error into a classified one.  Already classified errors
// are unwrapped to their *Error; anything else becomes an Unexpected error with a
// generic message, keeping the original as the cause.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	if e := find(err); e != nil {
		return e
	}
	return &Error{
		Code: Unexpected,
		Msg:  "An unexpected error has occurred",
		Err:  errors.E(errors.Other, err),
	}
}
