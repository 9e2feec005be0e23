package share

import (
	"errors"
	"fmt"
)

var (
	ErrValidation      = errors.New("invalid request")
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("invalid owner token")
	ErrConflict        = errors.New("stream already bound or finished")
	ErrTransferAborted = errors.New("transfer aborted")
	ErrInternalIO      = errors.New("internal i/o error")

	// ErrWaitTimeout is a TransferAborted raised when no uploader bound the
	// stream in time.
	ErrWaitTimeout = fmt.Errorf("waiting for uploader timed out: %w", ErrTransferAborted)

	// ErrBusy is returned when an idle-only teardown finds active streams.
	ErrBusy = errors.New("share has active streams")

	// ErrIDExhausted is returned when every generated id collided.
	ErrIDExhausted = fmt.Errorf("could not allocate a unique id: %w", ErrInternalIO)

	errSinkClosed   = errors.New("sink closed")
	errSourceClosed = errors.New("source closed")
)
