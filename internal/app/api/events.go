package api

import (
	"context"
	"slices"
	"sync"

	"github.com/hickar/sendrecv/internal/app/accounts"
	"github.com/hickar/sendrecv/internal/app/mailer"
	"github.com/hickar/sendrecv/internal/app/sendrecv"
)

const (
	EventStatus        = "status"
	EventSessionClosed = "session-closed"
	EventNewMail       = "new-mail"
	// EventFolderChanged tells local folder content changed.
	EventFolderChanged = "folder-changed"
)

type Event struct {
	Type   string
	Status *sendrecv.Status
	// Text of new mail notification.
	Text string
	// Folder URI and UIDs of changed messages.
	Folder string
	UIDs   []string
}

// Events is a sendrecv.Presenter and notify.Sink fanning progress and
// notifications out to subscribers. Slow subscribers lose events.
type Events struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	buffer int
}

func NewEvents(buffer int) *Events {
	if buffer <= 0 {
		buffer = 32
	}
	return &Events{subs: make(map[chan Event]struct{}), buffer: buffer}
}

// Subscribe returns channel of events and func ending subscription.
func (e *Events) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, e.buffer)

	e.mu.Lock()
	e.subs[ch] = struct{}{}
	e.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, ch)
			e.mu.Unlock()
			close(ch)
		})
	}
}

func (e *Events) TaskUpdated(st sendrecv.Status) {
	e.publish(Event{Type: EventStatus, Status: &st})
}

func (e *Events) SessionClosed() {
	e.publish(Event{Type: EventSessionClosed})
}

func (e *Events) NewMail(_ context.Context, text string) {
	e.publish(Event{Type: EventNewMail, Text: text})
}

// FolderChanged is a mailer.ChangeFunc.
func (e *Events) FolderChanged(folder mailer.Folder, changed []string) {
	uri := folder.FullName()
	if store := folder.Store(); store != nil {
		uri = accounts.FolderURI(store.UID(), folder.FullName())
	}
	e.publish(Event{Type: EventFolderChanged, Folder: uri, UIDs: slices.Clone(changed)})
}

func (e *Events) publish(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
