package mailops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"

	"go.uber.org/multierr"

	"github.com/hickar/sendrecv/internal/app/config"
	"github.com/hickar/sendrecv/internal/app/filter"
	"github.com/hickar/sendrecv/internal/app/mailer"
	"github.com/hickar/sendrecv/internal/app/uidcache"
)

// Movemailer is a local delivery spool able to hand off its content.
type Movemailer interface {
	Movemail(dir string) (string, error)
}

type FetchOptions struct {
	// Destination receives messages no rule has filed elsewhere.
	Destination mailer.Folder
	Driver      *filter.Driver
	// Cache makes fetch incremental. Without it every message of the
	// inbox is filtered.
	Cache        *uidcache.Cache
	KeepOnServer bool
	Order        config.FetchOrder
	// SpoolDir holds files moved out of local delivery spools.
	SpoolDir string
}

// FetchMailTask downloads mail of a store or local delivery spool into
// local folders.
type FetchMailTask struct {
	store  mailer.Service
	opts   FetchOptions
	logger *slog.Logger

	OnDone func(err error)
}

func NewFetchMailTask(store mailer.Service, opts FetchOptions, log *slog.Logger) *FetchMailTask {
	if opts.SpoolDir == "" {
		opts.SpoolDir = os.TempDir()
	}
	if opts.Order == "" {
		opts.Order = config.FetchNewestFirst
	}

	return &FetchMailTask{
		store: store,
		opts:  opts,
		logger: log.With(
			slog.String("module", "mailops"),
			slog.String("source", store.UID()),
		),
	}
}

func (t *FetchMailTask) Describe() string {
	return fmt.Sprintf("Fetching mail from '%s'", t.store.DisplayName())
}

func (t *FetchMailTask) Exec(ctx context.Context) error {
	defer t.closeDriver(ctx)

	var err error
	if t.store.Provider().IsLocalDelivery {
		err = t.fetchSpool(ctx)
	} else {
		err = t.fetchStore(ctx)
	}

	return rewriteFilterError("filter new messages", err)
}

func (t *FetchMailTask) fetchSpool(ctx context.Context) error {
	mover, ok := t.store.(Movemailer)
	if !ok {
		return fmt.Errorf("%s: movemail: %w", t.store.DisplayName(), mailer.ErrNotSupported)
	}

	if err := os.MkdirAll(t.opts.SpoolDir, 0o700); err != nil {
		return fmt.Errorf("%s: %w", t.store.DisplayName(), err)
	}

	// Mail left unfiltered by previous fetch goes first.
	var files []string
	pending := t.pendingPath()
	if st, err := os.Stat(pending); err == nil && st.Size() > 0 {
		files = append(files, pending)
	}

	moved, err := mover.Movemail(t.opts.SpoolDir)
	if err != nil && len(files) == 0 {
		return fmt.Errorf("%s: %w", t.store.DisplayName(), err)
	}
	if err != nil {
		t.logger.WarnContext(ctx, "unable to move spool mail", slog.Any("err", err))
	}
	if moved != "" {
		files = append(files, moved)
	}
	if len(files) == 0 {
		return nil
	}

	rest, err := os.CreateTemp(t.opts.SpoolDir, "unfiltered-*")
	if err != nil {
		return fmt.Errorf("%s: %w", t.store.DisplayName(), err)
	}

	t.opts.Destination.Freeze()
	t.opts.Driver.SetDefaultFolder(t.opts.Destination)
	var ferr error
	for _, path := range files {
		ferr = multierr.Append(ferr, t.opts.Driver.FilterMbox(ctx, path, rest))
	}
	t.opts.Destination.Thaw()
	ferr = multierr.Append(ferr, t.opts.Driver.Close(context.WithoutCancel(ctx)))
	if mailer.IsCancelled(ferr) {
		ferr = mailer.ErrCancelled
	}

	if err = t.keepUnfiltered(ctx, rest, pending); err != nil {
		// Source files stay in place, nothing is lost.
		t.logger.ErrorContext(ctx, "unable to keep unfiltered spool mail",
			slog.Any("err", err), slog.Any("files", files))
		return multierr.Append(ferr, err)
	}
	if moved != "" {
		if err = os.Remove(moved); err != nil {
			t.logger.WarnContext(ctx, "unable to remove movemail file", slog.Any("err", err))
		}
	}
	return ferr
}

// pendingPath returns location of mail moved out of spool but not yet
// filtered.
func (t *FetchMailTask) pendingPath() string {
	return filepath.Join(t.opts.SpoolDir, "movemail-"+url.PathEscape(t.store.UID())+".mbox")
}

// keepUnfiltered makes rest the pending file of the source, or drops it
// together with the old pending file when everything was filtered.
func (t *FetchMailTask) keepUnfiltered(ctx context.Context, rest *os.File, pending string) error {
	if err := rest.Sync(); err != nil {
		rest.Close()
		return fmt.Errorf("sync unfiltered mail: %w", err)
	}
	st, err := rest.Stat()
	if err != nil {
		rest.Close()
		return fmt.Errorf("stat unfiltered mail: %w", err)
	}
	if err = rest.Close(); err != nil {
		return fmt.Errorf("close unfiltered mail: %w", err)
	}

	if st.Size() > 0 {
		t.logger.WarnContext(ctx, "spool mail left unfiltered", slog.String("path", pending))
		if err = os.Rename(rest.Name(), pending); err != nil {
			return fmt.Errorf("keep unfiltered mail: %w", err)
		}
		return nil
	}

	if err = os.Remove(rest.Name()); err != nil {
		t.logger.WarnContext(ctx, "unable to remove unfiltered mail file", slog.Any("err", err))
	}
	if err = os.Remove(pending); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove filtered mail: %w", err)
	}
	return nil
}

func (t *FetchMailTask) fetchStore(ctx context.Context) error {
	store, ok := t.store.(mailer.Store)
	if !ok {
		return fmt.Errorf("%s: fetch: %w", t.store.DisplayName(), mailer.ErrNotSupported)
	}

	// Connection is not kept between checks.
	defer func() {
		if err := store.Disconnect(context.WithoutCancel(ctx), true); err != nil {
			t.logger.WarnContext(ctx, "unable to disconnect", slog.Any("err", err))
		}
	}()

	if err := store.Connect(ctx); err != nil {
		return err
	}
	inbox, err := store.Inbox(ctx)
	if err != nil {
		return err
	}

	p := pass{folder: inbox, destination: t.opts.Destination, driver: t.opts.Driver}
	cache := t.opts.Cache
	if cache == nil {
		p.deleteAfter = !t.opts.KeepOnServer
		return p.run(ctx)
	}

	listed, err := inbox.UIDs(ctx)
	if err != nil {
		return err
	}
	fresh := cache.NewUIDs(listed)
	if t.opts.Order == config.FetchNewestFirst {
		slices.Reverse(fresh)
	}

	if len(fresh) > 0 {
		p.uids, p.cache = fresh, cache
		err = p.run(ctx)
	}

	// Marks of delivered messages are kept even when the pass failed
	// or was cancelled, so next fetch resumes after them.
	cache.Expire(listed)
	if cerr := cache.Commit(); cerr != nil {
		t.logger.WarnContext(ctx, "unable to save uid cache",
			slog.Int("pending", cache.Pending()), slog.Any("err", cerr))
	}
	if err != nil {
		return err
	}

	if !t.opts.KeepOnServer {
		for _, uid := range listed {
			if !cache.Has(uid) {
				continue
			}
			err = multierr.Append(err, inbox.SetFlags(ctx, uid,
				mailer.FlagDeleted|mailer.FlagSeen, mailer.FlagDeleted|mailer.FlagSeen))
		}
	}
	if !t.opts.KeepOnServer || len(fresh) > 0 {
		err = multierr.Append(err, inbox.Synchronize(ctx, !t.opts.KeepOnServer))
	}
	return err
}

func (t *FetchMailTask) closeDriver(ctx context.Context) {
	if err := t.opts.Driver.Close(context.WithoutCancel(ctx)); err != nil {
		t.logger.WarnContext(ctx, "unable to flush filtered folders", slog.Any("err", err))
	}
}

func (t *FetchMailTask) Done(err error) {
	if t.OnDone != nil {
		t.OnDone(err)
	}
}

func (t *FetchMailTask) Free() {}
