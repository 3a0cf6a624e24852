package sendrecv

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/hickar/sendrecv/internal/app/mailer"
	"github.com/hickar/sendrecv/internal/app/mailops"
)

// State of a send/receive task.
type State int

const (
	StateActive State = iota
	StateCancelled
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCancelled:
		return "cancelled"
	case StateComplete:
		return "complete"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "active":
		*s = StateActive
	case "cancelled":
		*s = StateCancelled
	case "complete":
		*s = StateComplete
	default:
		return fmt.Errorf("unknown task state %q", text)
	}
	return nil
}

// Status is a progress report of one send/receive task.
type Status struct {
	Source  string `json:"source"` // service uid, or SendKey for the outbox
	Kind    string `json:"kind"`
	Service string `json:"service"` // location of the service doing the work
	What    string `json:"what"`
	Percent int    `json:"percent"`
	State   State  `json:"state"`
	// Terminal is set on the last report of a task.
	Terminal bool   `json:"terminal"`
	Error    string `json:"error,omitempty"`
}

// Presenter displays progress. Methods are called from several
// goroutines, but never while Coordinator holds its locks.
type Presenter interface {
	TaskUpdated(st Status)
	// SessionClosed is called once the last task of a session is over.
	SessionClosed()
}

type nopPresenter struct{}

func (nopPresenter) TaskUpdated(Status) {}
func (nopPresenter) SessionClosed()     {}

// LogPresenter logs outcome of every task.
type LogPresenter struct {
	Logger *slog.Logger
}

func (p LogPresenter) TaskUpdated(st Status) {
	if !st.Terminal {
		return
	}

	attrs := []any{slog.String("source", st.Source), slog.String("kind", st.Kind)}
	if st.Error != "" {
		p.Logger.Error(st.What, attrs...)
		return
	}
	p.Logger.Info(st.What, attrs...)
}

func (p LogPresenter) SessionClosed() {
	p.Logger.Debug("send/receive finished")
}

type multiPresenter []Presenter

// MultiPresenter passes progress to every presenter in order.
func MultiPresenter(presenters ...Presenter) Presenter {
	return multiPresenter(presenters)
}

func (m multiPresenter) TaskUpdated(st Status) {
	for _, p := range m {
		p.TaskUpdated(st)
	}
}

func (m multiPresenter) SessionClosed() {
	for _, p := range m {
		p.SessionClosed()
	}
}

// terminalText is the single message shown when task is over.
func terminalText(state State, err error) string {
	if state == StateCancelled || mailer.IsCancelled(err) {
		return "Canceled."
	}
	if err == nil || mailops.IsWarning(err) {
		return "Complete."
	}

	var batch *mailops.BatchError
	if errors.As(err, &batch) {
		return batch.Summary()
	}
	return err.Error()
}
