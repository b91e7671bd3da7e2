package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeMapsSentinels(t *testing.T) {
	cases := map[error]string{
		ErrInvalidArgument:    "invalid_argument",
		ErrNotAuthorized:      "not_authorized",
		ErrNotFound:           "not_found",
		ErrConflict:           "conflict",
		ErrRuntimeUnavailable: "runtime_unavailable",
		ErrExecTimeout:        "exec_timeout",
		ErrInstallFailed:      "install_failed",
		ErrBadPath:            "bad_path",
		ErrIO:                 "io_error",
		ErrInvalidCredentials: "invalid_credentials",
		ErrInternal:           "internal",
	}
	for err, want := range cases {
		assert.Equal(t, want, Code(err), "%v", err)
	}
}

func TestCodeSeesThroughWrapping(t *testing.T) {
	err := fmt.Errorf("sandbox %s: %w", "abc", ErrNotFound)
	assert.Equal(t, "not_found", Code(err))

	err = fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", ErrExecTimeout))
	assert.Equal(t, "exec_timeout", Code(err))
}

func TestCodeUnknownErrorIsInternal(t *testing.T) {
	assert.Equal(t, "internal", Code(errors.New("unclassified")))
}
