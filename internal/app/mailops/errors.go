package mailops

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hickar/sendrecv/internal/app/mailer"
)

// ErrFilterFolderInvalid marks failures caused by a folder location
// referenced from a filter rule.
var ErrFilterFolderInvalid = errors.New("filter folder location is invalid")

// FilterError is a filtering failure the user could fix by editing
// filter rules.
type FilterError struct {
	// Op is what failed, e.g. "filter selected messages".
	Op  string
	Err error
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("Failed to %s. One reason can be that folder location set in "+
		"one or more filters is invalid. Please check your filters.\nOriginal error was: %v", e.Op, e.Err)
}

func (e *FilterError) Unwrap() []error {
	return []error{ErrFilterFolderInvalid, e.Err}
}

// rewriteFilterError turns invalid url and folder errors into FilterError.
// Cancellation is reported as mailer.ErrCancelled.
func rewriteFilterError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case mailer.IsCancelled(err):
		return mailer.ErrCancelled
	case errors.Is(err, mailer.ErrURLInvalid), errors.Is(err, mailer.ErrFolderInvalid):
		return &FilterError{Op: op, Err: err}
	default:
		return err
	}
}

// BatchError summarizes failures of a send pass.
type BatchError struct {
	Failed int
	Total  int
	Errs   []error
}

// Summary is a one line description of the failure.
func (e *BatchError) Summary() string {
	if e.Total == 1 {
		return "Failed to send a message"
	}
	return fmt.Sprintf("Failed to send %d of %d messages", e.Failed, e.Total)
}

func (e *BatchError) Error() string {
	details := make([]string, 0, len(e.Errs)+1)
	details = append(details, e.Summary())
	for _, err := range e.Errs {
		details = append(details, err.Error())
	}
	return strings.Join(details, "\n\n")
}

func (e *BatchError) Unwrap() []error { return e.Errs }

// Warning collects non-fatal problems of an otherwise successful operation,
// such as a copy filed into a fallback folder.
type Warning struct {
	Errs []error
}

func (w *Warning) Error() string {
	msgs := make([]string, 0, len(w.Errs))
	for _, err := range w.Errs {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "\n\n")
}

func (w *Warning) Unwrap() []error { return w.Errs }

// IsWarning reports whether err carries only warnings.
func IsWarning(err error) bool {
	var w *Warning
	return errors.As(err, &w) && !errors.As(err, new(*BatchError))
}
