package localstore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/emersion/go-maildir"

	"github.com/hickar/sendrecv/internal/app/mailer"
)

var flagMap = []struct {
	local mailer.Flags
	md    maildir.Flag
}{
	{mailer.FlagSeen, maildir.FlagSeen},
	{mailer.FlagAnswered, maildir.FlagReplied},
	{mailer.FlagFlagged, maildir.FlagFlagged},
	{mailer.FlagDeleted, maildir.FlagTrashed},
	{mailer.FlagDraft, maildir.FlagDraft},
	{mailer.FlagForwarded, maildir.FlagPassed},
}

func toMaildirFlags(f mailer.Flags) []maildir.Flag {
	var flags []maildir.Flag
	for _, m := range flagMap {
		if f.Has(m.local) {
			flags = append(flags, m.md)
		}
	}
	return flags
}

func fromMaildirFlags(flags []maildir.Flag) mailer.Flags {
	var f mailer.Flags
	for _, fl := range flags {
		for _, m := range flagMap {
			if m.md == fl {
				f |= m.local
			}
		}
	}
	return f
}

// Folder is a single Maildir directory. Junk flag has no Maildir
// counterpart and is not persisted.
type Folder struct {
	name  string
	dir   maildir.Dir
	store *Store

	mu      sync.Mutex
	frozen  int
	changed []string
}

func (f *Folder) FullName() string { return f.name }

func (f *Folder) Description() string {
	return fmt.Sprintf("'%s' on %s", f.name, f.store.DisplayName())
}

func (f *Folder) Store() mailer.Store { return f.store }

type listed struct {
	msg   *maildir.Message
	mtime time.Time
}

func (f *Folder) list() ([]listed, error) {
	// Unseen moves freshly delivered messages from new/ to cur/.
	if _, err := f.dir.Unseen(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", f.Description(), err)
	}

	msgs, err := f.dir.Messages()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", f.Description(), err)
	}

	out := make([]listed, 0, len(msgs))
	for _, m := range msgs {
		st, err := os.Stat(m.Filename())
		if err != nil {
			// Renamed or removed concurrently.
			continue
		}
		out = append(out, listed{msg: m, mtime: st.ModTime()})
	}

	slices.SortFunc(out, func(a, b listed) int {
		if c := a.mtime.Compare(b.mtime); c != 0 {
			return c
		}
		return cmp.Compare(a.msg.Key(), b.msg.Key())
	})
	return out, nil
}

func (f *Folder) UIDs(ctx context.Context) ([]string, error) {
	if err := mailer.CheckCancel(ctx); err != nil {
		return nil, err
	}

	msgs, err := f.list()
	if err != nil {
		return nil, err
	}

	uids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		uids = append(uids, m.msg.Key())
	}
	return uids, nil
}

func (f *Folder) lookup(uid string) (*maildir.Message, error) {
	m, err := f.dir.MessageByKey(uid)
	if err != nil {
		var keyErr *maildir.KeyError
		if errors.As(err, &keyErr) || errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s in %s: %w", uid, f.Description(), mailer.ErrNotFound)
		}
		return nil, err
	}
	return m, nil
}

func (f *Folder) read(uid string) (*mailer.Message, *maildir.Message, error) {
	m, err := f.lookup(uid)
	if err != nil {
		return nil, nil, err
	}

	r, err := m.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("open message %s: %w", uid, err)
	}
	defer r.Close()

	msg, err := mailer.ReadMessage(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read message %s: %w", uid, err)
	}
	return msg, m, nil
}

func (f *Folder) MessageInfo(ctx context.Context, uid string) (*mailer.MessageInfo, error) {
	if err := mailer.CheckCancel(ctx); err != nil {
		return nil, err
	}

	msg, m, err := f.read(uid)
	if err != nil {
		return nil, err
	}
	return msg.Info(uid, fromMaildirFlags(m.Flags())), nil
}

func (f *Folder) Message(ctx context.Context, uid string) (*mailer.Message, error) {
	if err := mailer.CheckCancel(ctx); err != nil {
		return nil, err
	}

	msg, _, err := f.read(uid)
	return msg, err
}

func (f *Folder) Append(ctx context.Context, msg *mailer.Message, flags mailer.Flags) (string, error) {
	if err := mailer.CheckCancel(ctx); err != nil {
		return "", err
	}

	m, w, err := f.dir.Create(toMaildirFlags(flags))
	if err != nil {
		return "", fmt.Errorf("append to %s: %w", f.Description(), err)
	}
	if _, err = msg.WriteTo(w); err != nil {
		w.Close()
		_ = m.Remove()
		return "", fmt.Errorf("append to %s: %w", f.Description(), err)
	}
	if err = w.Close(); err != nil {
		return "", fmt.Errorf("append to %s: %w", f.Description(), err)
	}

	stamp := f.store.nextStamp()
	if err = os.Chtimes(m.Filename(), stamp, stamp); err != nil {
		f.store.logger.WarnContext(ctx, "unable to set message time", slog.String("file", m.Filename()), slog.Any("err", err))
	}

	f.noteChange(m.Key())
	return m.Key(), nil
}

func (f *Folder) SetFlags(ctx context.Context, uid string, mask, set mailer.Flags) error {
	if err := mailer.CheckCancel(ctx); err != nil {
		return err
	}

	m, err := f.lookup(uid)
	if err != nil {
		return err
	}

	current := fromMaildirFlags(m.Flags())
	updated := current.Apply(mask, set)
	if updated == current {
		return nil
	}
	if err = m.SetFlags(toMaildirFlags(updated)); err != nil {
		return fmt.Errorf("set flags of %s: %w", uid, err)
	}

	f.noteChange(uid)
	return nil
}

func (f *Folder) MessageCount(context.Context) (int, error) {
	msgs, err := f.list()
	if err != nil {
		return 0, err
	}
	return len(msgs), nil
}

// Synchronize removes messages flagged deleted when expunge is set.
// Maildir writes are durable on return, so there is nothing else to flush.
func (f *Folder) Synchronize(ctx context.Context, expunge bool) error {
	if err := mailer.CheckCancel(ctx); err != nil {
		return err
	}
	if !expunge {
		return nil
	}

	msgs, err := f.list()
	if err != nil {
		return err
	}

	var errs []error
	for _, m := range msgs {
		if !fromMaildirFlags(m.msg.Flags()).Has(mailer.FlagDeleted) {
			continue
		}
		key := m.msg.Key()
		if err = m.msg.Remove(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("expunge %s: %w", key, err))
			continue
		}
		f.noteChange(key)
	}
	return errors.Join(errs...)
}

func (f *Folder) RefreshInfo(ctx context.Context) error {
	if err := mailer.CheckCancel(ctx); err != nil {
		return err
	}
	_, err := f.list()
	return err
}

func (f *Folder) counts() (total, unread int) {
	msgs, err := f.list()
	if err != nil {
		return 0, 0
	}
	for _, m := range msgs {
		if !fromMaildirFlags(m.msg.Flags()).Has(mailer.FlagSeen) {
			unread++
		}
	}
	return len(msgs), unread
}

func (f *Folder) Freeze() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frozen++
}

func (f *Folder) Thaw() {
	f.mu.Lock()
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
	f.mu.Unlock()

	if cb := f.store.changeFunc(); cb != nil {
		cb(f, changed)
	}
}

func (f *Folder) noteChange(uid string) {
	f.mu.Lock()
	if f.frozen > 0 {
		f.changed = append(f.changed, uid)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	if cb := f.store.changeFunc(); cb != nil {
		cb(f, []string{uid})
	}
}
