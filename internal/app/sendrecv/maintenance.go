package sendrecv

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hickar/sendrecv/internal/app/accounts"
	"github.com/hickar/sendrecv/internal/app/mailer"
	"github.com/hickar/sendrecv/internal/app/mailops"
	"github.com/hickar/sendrecv/internal/app/taskq"
)

// Maintenance runs folder and store operations outside of send/receive
// sessions. Operations on the same folder or store are serialized with
// session flushes through runner ordering keys.
type Maintenance struct {
	registry *accounts.Registry
	runner   *taskq.Runner
	logger   *slog.Logger
}

func NewMaintenance(registry *accounts.Registry, runner *taskq.Runner, log *slog.Logger) *Maintenance {
	return &Maintenance{
		registry: registry,
		runner:   runner,
		logger:   log.With(slog.String("module", "maintenance")),
	}
}

// SyncFolder stores folder uri, optionally expunging deleted messages
// and flagging junk deleted first.
func (m *Maintenance) SyncFolder(ctx context.Context, uri string, expunge, purgeJunk bool) error {
	folder, err := m.registry.ResolveFolder(ctx, uri)
	if err != nil {
		return err
	}
	return m.run(ctx, mailops.FolderKey(folder), &mailops.SyncFolderTask{
		Folder:    folder,
		Expunge:   expunge,
		PurgeJunk: purgeJunk,
	})
}

// SyncStore stores every folder of store uid.
func (m *Maintenance) SyncStore(ctx context.Context, uid string, expunge bool) error {
	store, err := m.store(uid)
	if err != nil {
		return err
	}
	return m.run(ctx, mailops.StoreKey(store), &mailops.SyncStoreTask{Store: store, Expunge: expunge})
}

// EmptyTrash expunges every message of store trash folder.
func (m *Maintenance) EmptyTrash(ctx context.Context, uid string) error {
	store, err := m.store(uid)
	if err != nil {
		return err
	}
	return m.run(ctx, mailops.StoreKey(store), &mailops.EmptyTrashTask{Store: store})
}

// Transfer copies or, with move, moves messages uids between folders.
func (m *Maintenance) Transfer(ctx context.Context, from, to string, uids []string, move bool) error {
	src, err := m.registry.ResolveFolder(ctx, from)
	if err != nil {
		return err
	}
	dst, err := m.registry.ResolveFolder(ctx, to)
	if err != nil {
		return err
	}
	if len(uids) == 0 {
		if uids, err = src.UIDs(ctx); err != nil {
			return err
		}
	}
	return m.run(ctx, mailops.FolderKey(src), &mailops.TransferMessagesTask{
		Source:      src,
		UIDs:        uids,
		Destination: dst,
		Move:        move,
	})
}

// Tasks describes tasks submitted and not finished yet.
func (m *Maintenance) Tasks() []string { return m.runner.Active() }

func (m *Maintenance) store(uid string) (mailer.Store, error) {
	svc, ok := m.registry.Service(uid)
	if !ok {
		return nil, fmt.Errorf("store %q: %w", uid, mailer.ErrNotFound)
	}
	store, ok := svc.(mailer.Store)
	if !ok {
		return nil, fmt.Errorf("%s has no folders: %w", uid, mailer.ErrFolderInvalid)
	}
	return store, nil
}

// run submits task under key and waits for it. Task is cancelled with ctx.
func (m *Maintenance) run(ctx context.Context, key string, task taskq.Task) error {
	h := m.runner.Ordered(ctx, key, task)
	err := h.Wait(ctx)
	if err != nil && !mailer.IsCancelled(err) {
		m.logger.WarnContext(ctx, "maintenance task failed",
			slog.String("task", h.Describe()), slog.Any("err", err))
	}
	return err
}
