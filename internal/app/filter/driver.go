package filter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/emersion/go-mbox"
	"go.uber.org/multierr"

	"github.com/hickar/sendrecv/internal/app/mailer"
)

// StatusKind tells what filter status report is about.
type StatusKind int

const (
	StatusNone StatusKind = iota
	StatusStart
	StatusEnd
	StatusAction
	StatusProgress
)

// StatusFunc receives progress of filtering.
type StatusFunc func(kind StatusKind, percent int, desc string)

// NotifyFunc is called for messages matched by rules with notify action.
type NotifyFunc func(ctx context.Context, msg *mailer.Message)

// FolderResolver opens folder by URI.
type FolderResolver func(ctx context.Context, uri string) (mailer.Folder, error)

// UIDSaver records successfully processed identifiers.
type UIDSaver interface {
	Save(uid string)
}

// Driver applies rules to messages. It is not safe for concurrent use
// by multiple filtering passes; each pass gets its own driver.
//
// Destination folders resolved while filtering are frozen until Close.
type Driver struct {
	rules         []Rule
	resolve       FolderResolver
	defaultFolder mailer.Folder
	status        StatusFunc
	notify        NotifyFunc
	logger        *slog.Logger

	mu      sync.Mutex
	folders map[string]mailer.Folder
	order   []string
	closed  bool
}

// NewDriver creates driver using rules of given source.
func NewDriver(rules []Rule, source Source, resolve FolderResolver, log *slog.Logger) *Driver {
	d := &Driver{
		resolve: resolve,
		logger:  log,
		folders: make(map[string]mailer.Folder),
		status:  func(StatusKind, int, string) {},
	}

	for _, r := range rules {
		if r.Source == source {
			d.rules = append(d.rules, r)
		}
	}

	return d
}

// SetDefaultFolder sets folder receiving messages no rule has moved,
// copied or deleted.
func (d *Driver) SetDefaultFolder(f mailer.Folder) { d.defaultFolder = f }

func (d *Driver) SetStatusFunc(fn StatusFunc) {
	if fn == nil {
		fn = func(StatusKind, int, string) {}
	}
	d.status = fn
}

func (d *Driver) SetNotifyFunc(fn NotifyFunc) { d.notify = fn }

// RemoveRule drops rule by name and reports whether there was one.
func (d *Driver) RemoveRule(name string) bool {
	n := len(d.rules)
	d.rules = slices.DeleteFunc(d.rules, func(r Rule) bool { return r.Name == name })
	return len(d.rules) != n
}

// Rules returns names of active rules.
func (d *Driver) Rules() []string {
	names := make([]string, 0, len(d.rules))
	for _, r := range d.rules {
		names = append(names, r.Name)
	}
	return names
}

// Result tells what happened to a filtered message.
type Result struct {
	Deleted bool // moved away or deleted by a rule
	Copied  bool // copied somewhere by a rule
	Filed   bool // appended to default folder
	Flags   mailer.Flags
}

// FilterMessage applies rules to msg. When source is set, flag changes and
// deletion are applied to message uid in source folder.
func (d *Driver) FilterMessage(ctx context.Context, msg *mailer.Message, info *mailer.MessageInfo, source mailer.Folder, uid string) (Result, error) {
	if d.isClosed() {
		return Result{}, errors.New("filter driver is closed")
	}

	c := newCandidate(msg, info)
	res := Result{Flags: c.flags}

	var setFlags, unsetFlags mailer.Flags

rules:
	for _, rule := range d.rules {
		if !c.match(rule.Criteria) {
			continue
		}
		d.logger.DebugContext(ctx, "filter rule matched", slog.String("rule", rule.Name))

		for _, a := range rule.Actions {
			switch a.Kind {
			case ActionMove, ActionCopy:
				d.status(StatusAction, 0, fmt.Sprintf("%s to %s", a.Kind, a.Folder))
				if err := d.appendTo(ctx, a.Folder, msg, res.Flags.Apply(unsetFlags, 0)|setFlags); err != nil {
					return res, fmt.Errorf("rule %q: %w", rule.Name, err)
				}
				if a.Kind == ActionMove {
					res.Deleted = true
				} else {
					res.Copied = true
				}

			case ActionSetFlags:
				setFlags |= a.Flags
				unsetFlags &^= a.Flags

			case ActionUnsetFlags:
				unsetFlags |= a.Flags
				setFlags &^= a.Flags

			case ActionDelete:
				res.Deleted = true

			case ActionNotify:
				if d.notify != nil {
					d.notify(ctx, msg)
				}

			case ActionStop:
				break rules
			}
		}
	}

	res.Flags = res.Flags.Apply(unsetFlags, 0) | setFlags

	if !res.Deleted && !res.Copied && d.defaultFolder != nil {
		if _, err := d.defaultFolder.Append(ctx, msg, res.Flags&^mailer.FlagDeleted); err != nil {
			return res, fmt.Errorf("append to %s: %w", d.defaultFolder.Description(), err)
		}
		res.Filed = true
	}

	if source != nil && uid != "" {
		mask, set := setFlags|unsetFlags, setFlags
		if res.Deleted {
			mask |= mailer.FlagDeleted | mailer.FlagSeen
			set |= mailer.FlagDeleted | mailer.FlagSeen
		}
		if mask != 0 {
			if err := source.SetFlags(ctx, uid, mask, set); err != nil {
				return res, fmt.Errorf("set flags on %s: %w", source.Description(), err)
			}
		}
	}

	return res, nil
}

// FilterFolder filters messages uids of folder. Failure of a single
// message does not stop the pass: all failures are returned combined.
// Identifiers of successfully filtered messages are saved into cache.
func (d *Driver) FilterFolder(ctx context.Context, folder mailer.Folder, uids []string, cache UIDSaver) error {
	var errs error

	total := len(uids)
	for i, uid := range uids {
		if err := mailer.CheckCancel(ctx); err != nil {
			return err
		}

		pc := i * 100 / total
		d.status(StatusStart, pc, fmt.Sprintf("Getting message %d of %d", i+1, total))

		err := d.filterUID(ctx, folder, uid)
		switch {
		case err == nil:
			if cache != nil {
				cache.Save(uid)
			}
		case mailer.IsCancelled(err):
			return err
		default:
			errs = multierr.Append(errs, fmt.Errorf("message %s: %w", uid, err))
		}

		d.status(StatusEnd, (i+1)*100/total, "Complete")
	}

	return errs
}

func (d *Driver) filterUID(ctx context.Context, folder mailer.Folder, uid string) error {
	info, err := folder.MessageInfo(ctx, uid)
	if err != nil {
		return err
	}
	if info.Flags.Has(mailer.FlagDeleted) {
		return nil
	}

	msg, err := folder.Message(ctx, uid)
	if err != nil {
		return err
	}

	_, err = d.FilterMessage(ctx, msg, info, folder, uid)
	return err
}

// FilterMbox filters every message of mbox file at path. Messages left
// unfiltered, because they failed or filtering was cancelled, are written
// to rest in mbox format when rest is not nil.
func (d *Driver) FilterMbox(ctx context.Context, path string, rest io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat mbox: %w", err)
	}

	keep := newLeftover(rest)
	cr := &countingReader{r: f}
	mr := mbox.NewReader(cr)

	var errs, cancelErr error
	for n := 1; ; n++ {
		r, err := mr.NextMessage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("read mbox: %w", err))
			break
		}

		raw, err := io.ReadAll(r)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("read mbox: %w", err))
			break
		}

		if cancelErr == nil {
			cancelErr = mailer.CheckCancel(ctx)
		}
		if cancelErr != nil {
			errs = multierr.Append(errs, keep.add(raw))
			continue
		}

		pc := 0
		if st.Size() > 0 {
			pc = int(cr.n * 100 / st.Size())
		}
		d.status(StatusStart, pc, fmt.Sprintf("Getting message %d (%d%%)", n, pc))

		err = d.filterRaw(ctx, raw)
		switch {
		case err == nil:
		case mailer.IsCancelled(err):
			cancelErr = err
			errs = multierr.Append(errs, keep.add(raw))
		default:
			errs = multierr.Append(errs, fmt.Errorf("message %d: %w", n, err))
			errs = multierr.Append(errs, keep.add(raw))
		}
		d.status(StatusEnd, pc, "Complete")
	}

	errs = multierr.Append(errs, keep.close())
	if cancelErr != nil {
		// Cancellation takes precedence over per-message failures.
		return cancelErr
	}
	return errs
}

func (d *Driver) filterRaw(ctx context.Context, raw []byte) error {
	msg, err := mailer.ParseMessage(raw)
	if err != nil {
		return err
	}

	_, err = d.FilterMessage(ctx, msg, nil, nil, "")
	return err
}

// leftover collects raw messages into mbox stream.
type leftover struct {
	w *mbox.Writer
}

func newLeftover(w io.Writer) *leftover {
	if w == nil {
		return &leftover{}
	}
	return &leftover{w: mbox.NewWriter(w)}
}

func (l *leftover) add(raw []byte) error {
	if l.w == nil {
		return nil
	}

	w, err := l.w.CreateMessage("MAILER-DAEMON", time.Now())
	if err != nil {
		return fmt.Errorf("keep unfiltered message: %w", err)
	}
	if _, err = w.Write(raw); err != nil {
		return fmt.Errorf("keep unfiltered message: %w", err)
	}
	return nil
}

func (l *leftover) close() error {
	if l.w == nil {
		return nil
	}
	if err := l.w.Close(); err != nil {
		return fmt.Errorf("keep unfiltered message: %w", err)
	}
	return nil
}

// Close flushes every folder touched by rules. Subsequent filtering
// fails. Close is idempotent.
func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	folders := make([]mailer.Folder, 0, len(d.order))
	for _, uri := range d.order {
		folders = append(folders, d.folders[uri])
	}
	d.mu.Unlock()

	var errs error
	for _, f := range folders {
		f.Thaw()
		if err := f.Synchronize(ctx, false); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("sync %s: %w", f.Description(), err))
		}
	}

	return errs
}

func (d *Driver) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Driver) appendTo(ctx context.Context, uri string, msg *mailer.Message, flags mailer.Flags) error {
	folder, err := d.folder(ctx, uri)
	if err != nil {
		return err
	}

	if _, err = folder.Append(ctx, msg, flags&^mailer.FlagDeleted); err != nil {
		return fmt.Errorf("append to %s: %w", folder.Description(), err)
	}
	return nil
}

func (d *Driver) folder(ctx context.Context, uri string) (mailer.Folder, error) {
	d.mu.Lock()
	f, ok := d.folders[uri]
	d.mu.Unlock()
	if ok {
		return f, nil
	}

	if d.resolve == nil {
		return nil, fmt.Errorf("%s: %w", uri, mailer.ErrFolderInvalid)
	}
	f, err := d.resolve(ctx, uri)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.folders[uri]; ok {
		return existing, nil
	}
	f.Freeze()
	d.folders[uri] = f
	d.order = append(d.order, uri)
	return f, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
