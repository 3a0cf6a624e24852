// Package mailertest provides in-memory implementations of mailer
// interfaces for tests.
package mailertest

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/hickar/sendrecv/internal/app/mailer"
)

type entry struct {
	msg   *mailer.Message
	flags mailer.Flags
}

// Folder is an in-memory mailer.Folder.
type Folder struct {
	mu      sync.Mutex
	name    string
	store   *Store
	uids    []string
	entries map[string]*entry
	next    int
	frozen  int
	changed []string

	// OnChange is called after last Thaw with changed UIDs.
	OnChange mailer.ChangeFunc

	// Failure injection.
	AppendErr  error
	SyncErr    error
	MessageErr map[string]error
	// BeforeMessage is called before every Message lookup.
	BeforeMessage func(ctx context.Context, uid string) error

	Syncs     int
	Expunges  int
	Refreshes int
	Freezes   int
	Thaws     int
}

// NewFolder creates detached folder.
func NewFolder(name string) *Folder {
	return &Folder{
		name:       name,
		entries:    make(map[string]*entry),
		MessageErr: make(map[string]error),
	}
}

// Add stores raw message and returns its UID.
func (f *Folder) Add(raw string, flags mailer.Flags) string {
	msg, err := mailer.ParseMessage([]byte(raw))
	if err != nil {
		panic(fmt.Sprintf("mailertest: parse message: %v", err))
	}

	uid, _ := f.Append(context.Background(), msg, flags)
	return uid
}

// Live returns UIDs of messages not flagged deleted.
func (f *Folder) Live() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var uids []string
	for _, uid := range f.uids {
		if !f.entries[uid].flags.Has(mailer.FlagDeleted) {
			uids = append(uids, uid)
		}
	}
	return uids
}

// Flags returns flags of message uid.
func (f *Folder) Flags(uid string) mailer.Flags {
	f.mu.Lock()
	defer f.mu.Unlock()

	if e, ok := f.entries[uid]; ok {
		return e.flags
	}
	return 0
}

// Subjects returns subjects of all stored messages in order.
func (f *Folder) Subjects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	subjects := make([]string, 0, len(f.uids))
	for _, uid := range f.uids {
		subjects = append(subjects, f.entries[uid].msg.Subject())
	}
	return subjects
}

// Frozen reports whether folder is currently frozen.
func (f *Folder) Frozen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frozen > 0
}

func (f *Folder) FullName() string { return f.name }

func (f *Folder) Description() string {
	if f.store != nil {
		return fmt.Sprintf("'%s' on %s", f.name, f.store.DisplayName())
	}
	return "'" + f.name + "'"
}

func (f *Folder) Store() mailer.Store {
	if f.store == nil {
		return nil
	}
	return f.store
}

func (f *Folder) UIDs(ctx context.Context) ([]string, error) {
	if err := mailer.CheckCancel(ctx); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.uids), nil
}

func (f *Folder) MessageInfo(_ context.Context, uid string) (*mailer.MessageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[uid]
	if !ok {
		return nil, fmt.Errorf("%s: %w", uid, mailer.ErrNotFound)
	}
	return e.msg.Info(uid, e.flags), nil
}

func (f *Folder) Message(ctx context.Context, uid string) (*mailer.Message, error) {
	if f.BeforeMessage != nil {
		if err := f.BeforeMessage(ctx, uid); err != nil {
			return nil, err
		}
	}
	if err := mailer.CheckCancel(ctx); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.MessageErr[uid]; err != nil {
		return nil, err
	}
	e, ok := f.entries[uid]
	if !ok {
		return nil, fmt.Errorf("%s: %w", uid, mailer.ErrNotFound)
	}
	return e.msg.Clone(), nil
}

func (f *Folder) Append(_ context.Context, msg *mailer.Message, flags mailer.Flags) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.AppendErr != nil {
		return "", f.AppendErr
	}

	f.next++
	uid := strconv.Itoa(f.next)
	f.uids = append(f.uids, uid)
	f.entries[uid] = &entry{msg: msg.Clone(), flags: flags}
	f.noteChange(uid)
	return uid, nil
}

func (f *Folder) SetFlags(_ context.Context, uid string, mask, set mailer.Flags) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[uid]
	if !ok {
		return fmt.Errorf("%s: %w", uid, mailer.ErrNotFound)
	}
	e.flags = e.flags.Apply(mask, set)
	f.noteChange(uid)
	return nil
}

func (f *Folder) MessageCount(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uids), nil
}

func (f *Folder) Synchronize(ctx context.Context, expunge bool) error {
	if err := mailer.CheckCancel(ctx); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.SyncErr != nil {
		return f.SyncErr
	}
	f.Syncs++
	if !expunge {
		return nil
	}

	f.Expunges++
	kept := f.uids[:0]
	for _, uid := range f.uids {
		if f.entries[uid].flags.Has(mailer.FlagDeleted) {
			delete(f.entries, uid)
			continue
		}
		kept = append(kept, uid)
	}
	f.uids = kept
	return nil
}

func (f *Folder) RefreshInfo(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Refreshes++
	return nil
}

func (f *Folder) Freeze() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frozen++
	f.Freezes++
}

func (f *Folder) Thaw() {
	f.mu.Lock()
	f.Thaws++
	if f.frozen == 0 {
		f.mu.Unlock()
		return
	}
	f.frozen--
	if f.frozen > 0 || len(f.changed) == 0 {
		f.mu.Unlock()
		return
	}
	changed := f.changed
	f.changed = nil
	cb := f.OnChange
	f.mu.Unlock()

	if cb != nil {
		cb(f, changed)
	}
}

// noteChange must be called with mu held.
func (f *Folder) noteChange(uid string) {
	if f.frozen > 0 {
		f.changed = append(f.changed, uid)
		return
	}
	if cb := f.OnChange; cb != nil {
		// Callback could call back into folder.
		f.mu.Unlock()
		cb(f, []string{uid})
		f.mu.Lock()
	}
}
