package apperr

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindStatusAndSlug(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind   Kind
		status int
		slug   string
	}{
		{BadRequest, http.StatusBadRequest, "bad_request"},
		{Unauthorized, http.StatusUnauthorized, "unauthorized"},
		{Forbidden, http.StatusForbidden, "forbidden"},
		{NotFound, http.StatusNotFound, "not_found"},
		{PayloadTooLarge, http.StatusRequestEntityTooLarge, "payload_too_large"},
		{Unprocessable, http.StatusUnprocessableEntity, "unprocessable_entity"},
		{Unavailable, http.StatusServiceUnavailable, "service_unavailable"},
		{InsufficientStorage, http.StatusInsufficientStorage, "insufficient_storage"},
		{Internal, http.StatusInternalServerError, "internal_error"},
		{Kind(99), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, tt.kind.Status(), tt.slug)
		assert.Equal(t, tt.slug, tt.kind.Slug())
	}
}

func TestKindOfUnwrapsWrappedErrors(t *testing.T) {
	t.Parallel()

	base := New(NotFound, "job not found")
	wrapped := fmt.Errorf("lookup: %w", base)

	assert.Equal(t, NotFound, KindOf(wrapped))
	assert.True(t, Is(wrapped, NotFound))
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
	assert.False(t, Is(nil, Internal))
}

func TestErrorMessageIncludesCause(t *testing.T) {
	t.Parallel()

	err := Wrap(Unavailable, "backend query failed", errors.New("squeue: timeout"))
	assert.Contains(t, err.Error(), "service_unavailable")
	assert.Contains(t, err.Error(), "squeue: timeout")
	assert.ErrorContains(t, errors.Unwrap(err), "squeue")
}

func TestFromFS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"missing", &fs.PathError{Op: "open", Path: "/x", Err: syscall.ENOENT}, NotFound},
		{"through a file", &fs.PathError{Op: "stat", Path: "/x/f.txt/child", Err: syscall.ENOTDIR}, NotFound},
		{"permission", &fs.PathError{Op: "open", Path: "/x", Err: syscall.EACCES}, Forbidden},
		{"device full", &fs.PathError{Op: "write", Path: "/x", Err: syscall.ENOSPC}, InsufficientStorage},
		{"not empty", &fs.PathError{Op: "remove", Path: "/x", Err: syscall.ENOTEMPTY}, BadRequest},
		{"exists", os.ErrExist, BadRequest},
		{"other", errors.New("weird"), Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := FromFS(tt.err, "file operation failed")
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Kind)
		})
	}
	assert.Nil(t, FromFS(nil, "unused"))
}
