// Package apperr defines the error kinds shared by the sync and analysis stages.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how callers are expected to react to it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindAuth means a token could not be obtained; fatal to any remote call.
	KindAuth
	// KindRemoteCall means an HTTP or network failure after retries.
	KindRemoteCall
	// KindMalformedResponse means the grading service returned unparseable content.
	KindMalformedResponse
	// KindPersistence means a store operation failed.
	KindPersistence
	// KindNotFound means the requested row does not exist or has nothing to analyze.
	KindNotFound
	// KindValidation means caller-supplied input was rejected.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRemoteCall:
		return "remote_call"
	case KindMalformedResponse:
		return "malformed_response"
	case KindPersistence:
		return "persistence"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is checks.
var (
	ErrAuth              = &Error{Kind: KindAuth}
	ErrRemoteCall        = &Error{Kind: KindRemoteCall}
	ErrMalformedResponse = &Error{Kind: KindMalformedResponse}
	ErrPersistence       = &Error{Kind: KindPersistence}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrValidation        = &Error{Kind: KindValidation}
)

// Error carries a Kind, the operation that failed and the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Op != "":
		return e.Op + ": " + e.Kind.String() + " error"
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String() + " error"
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so apperr.ErrAuth matches every
// auth failure regardless of Op or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// E builds an *Error. A nil err still yields an error so callers can report
// kind-only conditions such as a missing row.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Auth wraps err as an authentication failure.
func Auth(op string, err error) error { return E(KindAuth, op, err) }

// Remote wraps err as a remote call failure.
func Remote(op string, err error) error { return E(KindRemoteCall, op, err) }

// Malformed wraps err as a malformed response.
func Malformed(op string, err error) error { return E(KindMalformedResponse, op, err) }

// Persistence wraps err as a store failure.
func Persistence(op string, err error) error { return E(KindPersistence, op, err) }

// NotFound reports a missing row.
func NotFound(op string, err error) error { return E(KindNotFound, op, err) }

// Validation reports rejected input.
func Validation(op string, err error) error { return E(KindValidation, op, err) }

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
