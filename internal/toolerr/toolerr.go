// Package toolerr defines the error kinds surfaced by the fetch-install-activate
// pipeline. Components wrap their failures in an *Error so callers can branch on
// the kind with errors.Is while the original cause stays in the chain.
package toolerr

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// Kind identifies a specific, actionable failure.
type Kind string

const (
	KindUnknown          Kind = ""
	KindInvalidSpecifier Kind = "invalid-specifier"
	KindNotFound         Kind = "not-found"
	KindIndexUnavailable Kind = "index-unavailable"
	KindNetworkError     Kind = "network-error"
	KindChecksumMismatch Kind = "checksum-mismatch"
	KindInterrupted      Kind = "interrupted"
	KindArchiveCorrupt   Kind = "archive-corrupt"
	KindLayoutUnexpected Kind = "layout-unexpected"
	KindDiskFull         Kind = "disk-full"
	KindPermissionDenied Kind = "permission-denied"
	KindNotInstalled     Kind = "not-installed"
	KindNoActiveVersion  Kind = "no-active-version"
)

// Category groups kinds by the pipeline stage that produces them.
type Category string

const (
	CategoryUnknown    Category = ""
	CategoryResolution Category = "resolution"
	CategoryTransfer   Category = "transfer"
	CategoryInstall    Category = "install"
	CategoryActivation Category = "activation"
)

// Category returns the taxonomy group of the kind.
func (k Kind) Category() Category {
	switch k {
	case KindInvalidSpecifier, KindNotFound, KindIndexUnavailable:
		return CategoryResolution
	case KindNetworkError, KindChecksumMismatch, KindInterrupted:
		return CategoryTransfer
	case KindArchiveCorrupt, KindLayoutUnexpected, KindDiskFull, KindPermissionDenied:
		return CategoryInstall
	case KindNotInstalled, KindNoActiveVersion:
		return CategoryActivation
	default:
		return CategoryUnknown
	}
}

// Error is a classified pipeline failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors of the same kind, so
// errors.Is(err, toolerr.ErrNotFound) holds for any NotFound failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrInvalidSpecifier = &Error{Kind: KindInvalidSpecifier}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrIndexUnavailable = &Error{Kind: KindIndexUnavailable}
	ErrNetwork          = &Error{Kind: KindNetworkError}
	ErrChecksumMismatch = &Error{Kind: KindChecksumMismatch}
	ErrInterrupted      = &Error{Kind: KindInterrupted}
	ErrArchiveCorrupt   = &Error{Kind: KindArchiveCorrupt}
	ErrLayoutUnexpected = &Error{Kind: KindLayoutUnexpected}
	ErrDiskFull         = &Error{Kind: KindDiskFull}
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied}
	ErrNotInstalled     = &Error{Kind: KindNotInstalled}
	ErrNoActiveVersion  = &Error{Kind: KindNoActiveVersion}
)

// New wraps err with a kind and the failing operation.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted cause.
func Newf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// FromFS classifies a filesystem error. Out-of-space and permission failures
// get their own kinds; anything else falls back to the provided kind.
func FromFS(fallback Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, syscall.ENOSPC):
		return New(KindDiskFull, op, err)
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM), errors.Is(err, syscall.EROFS):
		return New(KindPermissionDenied, op, err)
	default:
		return New(fallback, op, err)
	}
}
