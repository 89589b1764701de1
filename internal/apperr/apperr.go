// Package apperr defines the error taxonomy shared by every gateway component
// and the single mapping from an error kind to its HTTP status and slug.
package apperr

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"syscall"
)

// Kind enumerates the failure classes surfaced to API callers.
type Kind int

// Error kinds. Internal is the zero value so an unclassified error never
// masquerades as a client error.
const (
	Internal Kind = iota
	BadRequest
	Unauthorized
	Forbidden
	NotFound
	PayloadTooLarge
	Unprocessable
	Unavailable
	InsufficientStorage
)

var kindInfo = map[Kind]struct {
	status int
	slug   string
}{
	Internal:            {http.StatusInternalServerError, "internal_error"},
	BadRequest:          {http.StatusBadRequest, "bad_request"},
	Unauthorized:        {http.StatusUnauthorized, "unauthorized"},
	Forbidden:           {http.StatusForbidden, "forbidden"},
	NotFound:            {http.StatusNotFound, "not_found"},
	PayloadTooLarge:     {http.StatusRequestEntityTooLarge, "payload_too_large"},
	Unprocessable:       {http.StatusUnprocessableEntity, "unprocessable_entity"},
	Unavailable:         {http.StatusServiceUnavailable, "service_unavailable"},
	InsufficientStorage: {http.StatusInsufficientStorage, "insufficient_storage"},
}

// Status returns the HTTP status code for the kind.
func (k Kind) Status() int {
	if info, ok := kindInfo[k]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// Slug returns the stable machine-readable error identifier for the kind.
func (k Kind) Slug() string {
	if info, ok := kindInfo[k]; ok {
		return info.slug
	}
	return "internal_error"
}

func (k Kind) String() string {
	return k.Slug()
}

// Error carries a Kind, a caller-facing message, and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind.Slug(), e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind.Slug(), e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an Error without an underlying cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf builds an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

// KindOf reports the kind of err, or Internal when err carries none.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// FromFS classifies a filesystem error. msg is the caller-facing text; the
// raw error is kept as the cause for logging only. A path running through a
// regular file (ENOTDIR) is reported as not found.
func FromFS(err error, msg string) *Error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOTDIR):
		return Wrap(NotFound, msg, err)
	case errors.Is(err, fs.ErrPermission):
		return Wrap(Forbidden, msg, err)
	case errors.Is(err, syscall.ENOSPC):
		return Wrap(InsufficientStorage, msg, err)
	case errors.Is(err, syscall.ENOTEMPTY), errors.Is(err, fs.ErrExist):
		return Wrap(BadRequest, msg, err)
	default:
		return Wrap(Internal, msg, err)
	}
}
