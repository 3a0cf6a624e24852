package mailops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/hickar/sendrecv/internal/app/filter"
	"github.com/hickar/sendrecv/internal/app/mailer"
)

// DefaultMailer is the X-Mailer value stamped on outgoing mail.
const DefaultMailer = "sendrecv"

// TransportFunc finds transport by service uid.
type TransportFunc func(uid string) (mailer.Transport, error)

// FoldersFunc opens outbox and local Sent folder. Sent may be nil.
type FoldersFunc func(ctx context.Context) (queue, sent mailer.Folder, err error)

type SendOptions struct {
	// Queue is the outbox.
	Queue mailer.Folder
	// Sent is the local Sent folder, the fallback of every Fcc.
	Sent mailer.Folder
	// Open resolves Queue and Sent on Exec when Queue is not set.
	Open      FoldersFunc
	Transport mailer.Transport
	// Driver applies outgoing rules. Optional.
	Driver *filter.Driver
	// Resolve opens Fcc, post-to, draft and source folders.
	Resolve filter.FolderResolver
	// Transports resolves per message transport overrides. Optional.
	Transports TransportFunc
	Status     filter.StatusFunc
	Mailer     string
	// Sender is used for messages without From.
	Sender string
}

// SendQueueTask sends every queued message not flagged deleted.
type SendQueueTask struct {
	opts   SendOptions
	logger *slog.Logger

	OnDone func(err error)
}

func NewSendQueueTask(opts SendOptions, log *slog.Logger) *SendQueueTask {
	if opts.Mailer == "" {
		opts.Mailer = DefaultMailer
	}
	if opts.Status == nil {
		opts.Status = func(filter.StatusKind, int, string) {}
	}

	return &SendQueueTask{
		opts:   opts,
		logger: log.With(slog.String("module", "mailops")),
	}
}

func (t *SendQueueTask) Describe() string { return "Sending message" }

func (t *SendQueueTask) Exec(ctx context.Context) error {
	defer t.closeDriver(ctx)

	if t.opts.Queue == nil {
		if t.opts.Open == nil {
			return fmt.Errorf("send queue: %w", mailer.ErrFolderInvalid)
		}
		queue, sent, err := t.opts.Open(ctx)
		if err != nil {
			return err
		}
		t.opts.Queue, t.opts.Sent = queue, sent
	}

	uids, err := t.pending(ctx)
	if err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}

	var (
		failed    []error
		warnings  []error
		cancelled bool
		i         int
	)

	total := len(uids)
	for ; i < total; i++ {
		t.opts.Status(filter.StatusStart, i*100/total, fmt.Sprintf("Sending message %d of %d", i+1, total))

		warns, err := t.sendMessage(ctx, uids[i])
		warnings = append(warnings, warns...)
		t.opts.Status(filter.StatusProgress, (i+1)*100/total, "")
		if err == nil {
			continue
		}
		if mailer.IsCancelled(err) {
			cancelled = true
			break
		}
		failed = append(failed, err)
	}

	batch := &BatchError{Failed: len(failed), Total: total, Errs: append(failed, warnings...)}
	if cancelled {
		// Messages not attempted count as failed.
		batch.Failed += total - i
	}

	switch {
	case cancelled:
		t.opts.Status(filter.StatusEnd, 100, "Canceled.")
	case batch.Failed > 0:
		t.opts.Status(filter.StatusEnd, 100, batch.Summary())
	default:
		t.opts.Status(filter.StatusEnd, 100, "Complete.")
	}

	t.closeDriver(ctx)

	bg := context.WithoutCancel(ctx)
	if !cancelled && batch.Failed == 0 {
		if err = t.opts.Queue.Synchronize(bg, true); err != nil {
			t.logger.WarnContext(ctx, "unable to expunge queue", slog.Any("err", err))
		}
	}
	if t.opts.Sent != nil {
		if err = t.opts.Sent.Synchronize(bg, false); err != nil {
			t.logger.WarnContext(ctx, "unable to sync sent folder", slog.Any("err", err))
		}
	}

	switch {
	case cancelled:
		return mailer.ErrCancelled
	case batch.Failed > 0:
		return batch
	case len(warnings) > 0:
		return &Warning{Errs: warnings}
	}
	return nil
}

// pending lists queued messages not flagged deleted, in queue order.
func (t *SendQueueTask) pending(ctx context.Context) ([]string, error) {
	uids, err := t.opts.Queue.UIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", t.opts.Queue.Description(), err)
	}

	out := make([]string, 0, len(uids))
	for _, uid := range uids {
		info, err := t.opts.Queue.MessageInfo(ctx, uid)
		if err != nil {
			t.logger.WarnContext(ctx, "skipping queued message", slog.String("uid", uid), slog.Any("err", err))
			continue
		}
		if !info.Flags.Has(mailer.FlagDeleted) {
			out = append(out, uid)
		}
	}
	return out, nil
}

// sendMessage transmits and files one queued message. Once the message
// is handed to the transport the remaining steps ignore cancellation,
// so a transmitted message is always marked sent.
func (t *SendQueueTask) sendMessage(ctx context.Context, uid string) (warnings []error, err error) {
	msg, err := t.opts.Queue.Message(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("load queued message %s: %w", uid, err)
	}
	msg.Header.Set(mailer.HeaderMailer, t.opts.Mailer)

	// Transport header is one of the bookkeeping ones.
	transport, err := t.transportFor(ctx, msg)
	if err != nil {
		return nil, err
	}
	bookkeeping := msg.RemoveHeaders(mailer.HeaderPrefix)
	t.opts.Status(filter.StatusAction, 0, transport.UID())

	from, recipients, err := t.envelope(msg)
	if err != nil {
		return nil, fmt.Errorf("message %q: %w", msg.Subject(), err)
	}

	if len(recipients) > 0 {
		if err = mailer.CheckCancel(ctx); err != nil {
			return nil, err
		}
		if err = transport.Connect(ctx); err != nil {
			return nil, err
		}
		if err = transport.SendTo(ctx, msg, from, recipients); err != nil {
			if mailer.IsCancelled(err) {
				return nil, mailer.ErrCancelled
			}
			return nil, fmt.Errorf("send message %q: %w", msg.Subject(), err)
		}
	}

	ctx = context.WithoutCancel(ctx)

	t.postTo(ctx, msg, bookkeeping)
	msg.RestoreHeaders(bookkeeping)

	if t.opts.Driver != nil {
		if _, ferr := t.opts.Driver.FilterMessage(ctx, msg, msg.Info("", mailer.FlagSeen), nil, ""); ferr != nil {
			warnings = append(warnings, outgoingFilterWarning(ferr))
		}
	}

	if !transport.Provider().DisableSentFolder {
		warnings = append(warnings, t.fileCopy(ctx, msg, bookkeeping)...)
	}

	t.handleDraft(ctx, bookkeeping)
	t.handleSource(ctx, bookkeeping)

	if err = t.opts.Queue.SetFlags(ctx, uid, mailer.FlagDeleted|mailer.FlagSeen, mailer.FlagDeleted|mailer.FlagSeen); err != nil {
		return warnings, fmt.Errorf("mark message %q sent: %w", msg.Subject(), err)
	}
	// Flushed right away: a crash before this point sends message again.
	if err = t.opts.Queue.Synchronize(ctx, false); err != nil {
		t.logger.WarnContext(ctx, "unable to sync queue", slog.Any("err", err))
	}

	return warnings, nil
}

func (t *SendQueueTask) transportFor(ctx context.Context, msg *mailer.Message) (mailer.Transport, error) {
	if id := strings.TrimSpace(msg.Header.Get(mailer.HeaderTransport)); id != "" && t.opts.Transports != nil {
		tr, err := t.opts.Transports(id)
		if err == nil {
			return tr, nil
		}
		t.logger.WarnContext(ctx, "unknown message transport, using default",
			slog.String("transport", id), slog.Any("err", err))
	}

	if t.opts.Transport == nil {
		return nil, mailer.ErrNoTransport
	}
	return t.opts.Transport, nil
}

var (
	normalRecipients = []string{"To", "Cc", "Bcc"}
	resentRecipients = []string{mailer.HeaderResentTo, mailer.HeaderResentCc, mailer.HeaderResentBcc}
)

// envelope returns sender and recipients of msg. Resent headers, when
// present, replace regular ones.
func (t *SendQueueTask) envelope(msg *mailer.Message) (*mail.Address, []*mail.Address, error) {
	fromKey, rcptKeys := "From", normalRecipients
	if msg.Header.Has(mailer.HeaderResentFrom) {
		fromKey, rcptKeys = mailer.HeaderResentFrom, resentRecipients
	}

	senders, err := msg.Header.AddressList(fromKey)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", fromKey, err)
	}
	var from *mail.Address
	if len(senders) > 0 {
		from = senders[0]
	} else if t.opts.Sender != "" {
		if from, err = mail.ParseAddress(t.opts.Sender); err != nil {
			return nil, nil, fmt.Errorf("parse sender: %w", err)
		}
	}

	var recipients []*mail.Address
	for _, key := range rcptKeys {
		list, err := msg.Header.AddressList(key)
		if err != nil {
			return nil, nil, fmt.Errorf("parse %s: %w", key, err)
		}
		recipients = append(recipients, list...)
	}

	return from, recipients, nil
}

// postTo files msg into folders named by post-to headers. Failures are
// only logged.
func (t *SendQueueTask) postTo(ctx context.Context, msg *mailer.Message, bookkeeping []mailer.HeaderField) {
	if t.opts.Resolve == nil {
		return
	}

	for _, uri := range mailer.FindAll(bookkeeping, mailer.HeaderPostTo) {
		uri = strings.TrimSpace(uri)
		folder, err := t.opts.Resolve(ctx, uri)
		if err != nil {
			t.logger.WarnContext(ctx, "unable to open post-to folder", slog.String("folder", uri), slog.Any("err", err))
			continue
		}
		if _, err = folder.Append(ctx, msg, mailer.FlagSeen); err != nil {
			t.logger.WarnContext(ctx, "unable to post message", slog.String("folder", uri), slog.Any("err", err))
		}
	}
}

// fileCopy appends msg to its Fcc folder, falling back to local Sent.
// Failures are returned as warnings.
func (t *SendQueueTask) fileCopy(ctx context.Context, msg *mailer.Message, bookkeeping []mailer.HeaderField) []error {
	var (
		warnings []error
		target   mailer.Folder
	)

	if uri, ok := mailer.Find(bookkeeping, mailer.HeaderFcc); ok && strings.TrimSpace(uri) != "" && t.opts.Resolve != nil {
		uri = strings.TrimSpace(uri)
		folder, err := t.opts.Resolve(ctx, uri)
		if err != nil {
			warnings = append(warnings, fmt.Errorf("failed to open %s: %w\nAppending to local 'Sent' folder instead", uri, err))
		} else {
			target = folder
		}
	}

	if target != nil && target != t.opts.Sent {
		_, err := target.Append(ctx, msg, mailer.FlagSeen)
		if err == nil {
			if err = target.Synchronize(ctx, false); err != nil {
				t.logger.WarnContext(ctx, "unable to sync fcc folder", slog.Any("err", err))
			}
			return warnings
		}
		warnings = append(warnings, fmt.Errorf("failed to append to %s: %w\nAppending to local 'Sent' folder instead",
			target.Description(), err))
	}

	if t.opts.Sent == nil {
		return append(warnings, errors.New("failed to append to local 'Sent' folder: no such folder"))
	}
	if _, err := t.opts.Sent.Append(ctx, msg, mailer.FlagSeen); err != nil {
		warnings = append(warnings, fmt.Errorf("failed to append to local 'Sent' folder: %w", err))
	}
	return warnings
}

// handleDraft marks draft the message was composed from deleted.
func (t *SendQueueTask) handleDraft(ctx context.Context, bookkeeping []mailer.HeaderField) {
	uri, ok := mailer.Find(bookkeeping, mailer.HeaderDraftFolder)
	if !ok {
		return
	}
	uid, ok := mailer.Find(bookkeeping, mailer.HeaderDraftMessage)
	if !ok {
		return
	}

	if err := t.setFlags(ctx, uri, uid, mailer.FlagDeleted|mailer.FlagSeen); err != nil {
		t.logger.WarnContext(ctx, "failed to handle draft headers", slog.Any("err", err))
	}
}

// handleSource marks message being replied to or forwarded.
func (t *SendQueueTask) handleSource(ctx context.Context, bookkeeping []mailer.HeaderField) {
	uri, ok := mailer.Find(bookkeeping, mailer.HeaderSourceFolder)
	if !ok {
		return
	}
	uid, ok := mailer.Find(bookkeeping, mailer.HeaderSourceMessage)
	if !ok {
		return
	}
	names, _ := mailer.Find(bookkeeping, mailer.HeaderSourceFlags)

	var flags mailer.Flags
	for _, name := range strings.Fields(names) {
		f, err := mailer.ParseFlag(name)
		if err != nil {
			continue
		}
		flags |= f
	}
	if flags == 0 {
		return
	}

	if err := t.setFlags(ctx, uri, uid, flags); err != nil {
		t.logger.WarnContext(ctx, "failed to handle source headers", slog.Any("err", err))
	}
}

func (t *SendQueueTask) setFlags(ctx context.Context, uri, uid string, flags mailer.Flags) error {
	if t.opts.Resolve == nil {
		return mailer.ErrNotSupported
	}

	folder, err := t.opts.Resolve(ctx, strings.TrimSpace(uri))
	if err != nil {
		return err
	}
	if err = folder.SetFlags(ctx, strings.TrimSpace(uid), flags, flags); err != nil {
		return err
	}
	return folder.Synchronize(ctx, false)
}

func (t *SendQueueTask) closeDriver(ctx context.Context) {
	if t.opts.Driver == nil {
		return
	}
	if err := t.opts.Driver.Close(context.WithoutCancel(ctx)); err != nil {
		t.logger.WarnContext(ctx, "unable to flush filtered folders", slog.Any("err", err))
	}
}

func (t *SendQueueTask) Done(err error) {
	if t.OnDone != nil {
		t.OnDone(err)
	}
}

func (t *SendQueueTask) Free() {}

func outgoingFilterWarning(err error) error {
	if errors.Is(err, mailer.ErrURLInvalid) || errors.Is(err, mailer.ErrFolderInvalid) {
		return &FilterError{Op: "apply outgoing filters", Err: err}
	}
	return fmt.Errorf("failed to apply outgoing filters: %w", err)
}
