// Package mailops implements tasks moving mail between stores, folders
// and transports. Every task satisfies taskq.Task.
package mailops

import (
	"context"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/hickar/sendrecv/internal/app/filter"
	"github.com/hickar/sendrecv/internal/app/mailer"
)

// pass is a single run of filter driver over a folder.
type pass struct {
	folder      mailer.Folder
	uids        []string // nil means every message
	destination mailer.Folder
	deleteAfter bool
	driver      *filter.Driver
	cache       filter.UIDSaver
}

// run filters messages and closes the driver before returning. The
// source folder is synchronized unless cache is attached: cached runs
// synchronize once the cache is committed.
func (p pass) run(ctx context.Context) (err error) {
	defer func() {
		err = multierr.Append(err, p.driver.Close(context.WithoutCancel(ctx)))
	}()

	if p.folder == nil {
		return nil
	}
	count, err := p.folder.MessageCount(ctx)
	if err != nil || count == 0 {
		return err
	}

	if p.destination != nil {
		p.destination.Freeze()
		defer p.destination.Thaw()
		p.driver.SetDefaultFolder(p.destination)
	}
	p.folder.Freeze()
	defer p.folder.Thaw()

	uids := p.uids
	if uids == nil {
		if uids, err = p.folder.UIDs(ctx); err != nil {
			return err
		}
	}

	if err = p.driver.FilterFolder(ctx, p.folder, uids, p.cache); err != nil {
		return err
	}

	if p.deleteAfter {
		for _, uid := range uids {
			err = multierr.Append(err, p.folder.SetFlags(ctx, uid,
				mailer.FlagDeleted|mailer.FlagSeen, mailer.FlagDeleted|mailer.FlagSeen))
		}
		if err != nil {
			return err
		}
	}

	if p.cache == nil {
		return p.folder.Synchronize(ctx, false)
	}
	return nil
}

// FilterTask runs filter rules over messages of a folder.
type FilterTask struct {
	folder mailer.Folder
	uids   []string
	driver *filter.Driver
	logger *slog.Logger

	OnDone func(err error)
}

// NewFilterFolderTask filters uids of folder, or every message when uids
// is nil. Without notify, the new mail notification rule is dropped.
func NewFilterFolderTask(folder mailer.Folder, uids []string, driver *filter.Driver, notify bool, log *slog.Logger) *FilterTask {
	if !notify {
		driver.RemoveRule(filter.NotificationRule)
	}

	return &FilterTask{
		folder: folder,
		uids:   uids,
		driver: driver,
		logger: log.With(slog.String("module", "mailops")),
	}
}

func (t *FilterTask) Describe() string { return "Filtering Selected Messages" }

func (t *FilterTask) Exec(ctx context.Context) error {
	p := pass{folder: t.folder, uids: t.uids, driver: t.driver}
	return rewriteFilterError("filter selected messages", p.run(ctx))
}

func (t *FilterTask) Done(err error) {
	if err != nil && !mailer.IsCancelled(err) {
		t.logger.Warn("filtering failed", slog.String("folder", t.folder.Description()), slog.Any("err", err))
	}
	if t.OnDone != nil {
		t.OnDone(err)
	}
}

// Free closes driver in case Exec never ran.
func (t *FilterTask) Free() {
	ctx := context.Background()
	if err := t.driver.Close(ctx); err != nil {
		t.logger.WarnContext(ctx, "unable to flush filtered folders",
			slog.String("folder", t.folder.Description()), slog.Any("err", err))
	}
}
