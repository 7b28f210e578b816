package policy

import (
	"errors"
	"fmt"
)

var (
	ErrIO               = errors.New("policy io error")
	ErrParse            = errors.New("policy parse error")
	ErrSignatureInvalid = errors.New("policy signature invalid")
)

// Error reports why a policy file was rejected. Kind is one of ErrIO,
// ErrParse or ErrSignatureInvalid, so callers can use errors.Is.
type Error struct {
	Kind error
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s", e.Kind, e.Path)
	}
	return fmt.Sprintf("%v: %s: %v", e.Kind, e.Path, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, path string, err error) *Error {
	return &Error{Kind: kind, Path: path, Err: err}
}
