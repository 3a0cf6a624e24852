package mailer

import (
	"context"
	"errors"
)

var (
	// ErrCancelled is returned by operations interrupted by the user.
	// It matches context.Canceled with errors.Is.
	ErrCancelled = cancelledError{}

	ErrURLInvalid    = errors.New("invalid url")
	ErrFolderInvalid = errors.New("invalid folder")
	ErrNotFound      = errors.New("message not found")
	ErrConnect       = errors.New("unable to connect")
	ErrNoTransport   = errors.New("no transport available")
	ErrNotSupported  = errors.New("operation not supported")
)

type cancelledError struct{}

func (cancelledError) Error() string { return "operation cancelled" }

func (cancelledError) Is(target error) bool {
	return target == context.Canceled
}

// IsCancelled reports whether err is caused by cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled)
}

// CheckCancel returns ErrCancelled when ctx is done.
func CheckCancel(ctx context.Context) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	return nil
}
