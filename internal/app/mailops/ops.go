package mailops

import (
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/hickar/sendrecv/internal/app/mailer"
)

// ProgressFunc receives percent done and optional description.
type ProgressFunc func(percent int, desc string)

// Folder level operations. They are submitted as ordered tasks keyed by
// FolderKey or StoreKey, so operations on the same folder never overlap.

// FolderKey is ordering key of operations on folder.
func FolderKey(folder mailer.Folder) string {
	if s := folder.Store(); s != nil {
		return "folder:" + s.UID() + "/" + folder.FullName()
	}
	return "folder:" + folder.FullName()
}

// StoreKey is ordering key of operations on the whole store.
func StoreKey(store mailer.Store) string {
	return "store:" + store.UID()
}

// SyncFolderTask synchronizes folder, optionally purging junk first.
type SyncFolderTask struct {
	Folder    mailer.Folder
	Expunge   bool
	PurgeJunk bool
	OnDone    func(err error)
}

func (t *SyncFolderTask) Describe() string {
	return fmt.Sprintf("Storing folder %s", t.Folder.Description())
}

func (t *SyncFolderTask) Exec(ctx context.Context) error {
	if t.PurgeJunk {
		if err := purgeJunk(ctx, t.Folder); err != nil {
			return err
		}
	}
	return t.Folder.Synchronize(ctx, t.Expunge)
}

// purgeJunk flags every junk message of folder deleted.
func purgeJunk(ctx context.Context, folder mailer.Folder) error {
	uids, err := folder.UIDs(ctx)
	if err != nil {
		return err
	}

	folder.Freeze()
	defer folder.Thaw()

	for _, uid := range uids {
		if err = mailer.CheckCancel(ctx); err != nil {
			return err
		}
		info, err := folder.MessageInfo(ctx, uid)
		if err != nil {
			return err
		}
		if info.Flags.Has(mailer.FlagJunk) {
			if err = folder.SetFlags(ctx, uid, mailer.FlagDeleted, mailer.FlagDeleted); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *SyncFolderTask) Done(err error) {
	if t.OnDone != nil {
		t.OnDone(err)
	}
}

func (t *SyncFolderTask) Free() {}

// SyncStoreTask synchronizes every folder of store.
type SyncStoreTask struct {
	Store   mailer.Store
	Expunge bool
	OnDone  func(err error)
}

func (t *SyncStoreTask) Describe() string {
	if t.Expunge {
		return fmt.Sprintf("Expunging and storing account '%s'", t.Store.DisplayName())
	}
	return fmt.Sprintf("Storing account '%s'", t.Store.DisplayName())
}

func (t *SyncStoreTask) Exec(ctx context.Context) error {
	return t.Store.Synchronize(ctx, t.Expunge)
}

func (t *SyncStoreTask) Done(err error) {
	if t.OnDone != nil {
		t.OnDone(err)
	}
}

func (t *SyncStoreTask) Free() {}

// TransferMessagesTask copies or moves messages between folders.
type TransferMessagesTask struct {
	Source      mailer.Folder
	UIDs        []string
	Destination mailer.Folder
	// Move marks originals deleted and seen.
	Move     bool
	Progress ProgressFunc
	OnDone   func(err error)
}

func (t *TransferMessagesTask) Describe() string {
	if t.Move {
		return fmt.Sprintf("Moving messages to %s", t.Destination.Description())
	}
	return fmt.Sprintf("Copying messages to %s", t.Destination.Description())
}

func (t *TransferMessagesTask) Exec(ctx context.Context) error {
	t.Source.Freeze()
	defer t.Source.Thaw()
	t.Destination.Freeze()
	defer t.Destination.Thaw()

	var errs error
	for i, uid := range t.UIDs {
		if err := mailer.CheckCancel(ctx); err != nil {
			return err
		}

		err := t.transfer(ctx, uid)
		if mailer.IsCancelled(err) {
			return mailer.ErrCancelled
		}
		errs = multierr.Append(errs, err)

		if t.Progress != nil {
			t.Progress((i+1)*100/len(t.UIDs), "")
		}
	}

	errs = multierr.Append(errs, t.Destination.Synchronize(ctx, false))
	if t.Move {
		errs = multierr.Append(errs, t.Source.Synchronize(ctx, false))
	}
	return errs
}

func (t *TransferMessagesTask) transfer(ctx context.Context, uid string) error {
	info, err := t.Source.MessageInfo(ctx, uid)
	if err != nil {
		return fmt.Errorf("message %s: %w", uid, err)
	}
	msg, err := t.Source.Message(ctx, uid)
	if err != nil {
		return fmt.Errorf("message %s: %w", uid, err)
	}

	if _, err = t.Destination.Append(ctx, msg, info.Flags&^mailer.FlagDeleted); err != nil {
		return fmt.Errorf("append to %s: %w", t.Destination.Description(), err)
	}
	if t.Move {
		if err = t.Source.SetFlags(ctx, uid, mailer.FlagDeleted|mailer.FlagSeen, mailer.FlagDeleted|mailer.FlagSeen); err != nil {
			return fmt.Errorf("message %s: %w", uid, err)
		}
	}
	return nil
}

func (t *TransferMessagesTask) Done(err error) {
	if t.OnDone != nil {
		t.OnDone(err)
	}
}

func (t *TransferMessagesTask) Free() {}

// EmptyTrashTask deletes every message of the store trash folder.
type EmptyTrashTask struct {
	Store  mailer.Store
	OnDone func(err error)
}

func (t *EmptyTrashTask) Describe() string {
	return fmt.Sprintf("Emptying trash in '%s'", t.Store.DisplayName())
}

func (t *EmptyTrashTask) Exec(ctx context.Context) error {
	trash, err := t.Store.TrashFolder(ctx)
	if err != nil {
		return err
	}
	uids, err := trash.UIDs(ctx)
	if err != nil {
		return err
	}

	trash.Freeze()
	for _, uid := range uids {
		if err = mailer.CheckCancel(ctx); err != nil {
			break
		}
		if err = trash.SetFlags(ctx, uid, mailer.FlagDeleted, mailer.FlagDeleted); err != nil {
			break
		}
	}
	trash.Thaw()
	if err != nil {
		return err
	}

	return trash.Synchronize(ctx, true)
}

func (t *EmptyTrashTask) Done(err error) {
	if t.OnDone != nil {
		t.OnDone(err)
	}
}

func (t *EmptyTrashTask) Free() {}

// RefreshStoreTask refreshes every folder of a synchronized store which
// the store allows to refresh.
type RefreshStoreTask struct {
	store    mailer.Store
	tree     []*mailer.FolderInfo
	progress ProgressFunc
	logger   *slog.Logger

	OnDone func(err error)
}

func NewRefreshStoreTask(store mailer.Store, progress ProgressFunc, log *slog.Logger) *RefreshStoreTask {
	if progress == nil {
		progress = func(int, string) {}
	}
	return &RefreshStoreTask{
		store:    store,
		progress: progress,
		logger:   log.With(slog.String("module", "mailops"), slog.String("source", store.UID())),
	}
}

// WithTree makes task refresh folders of already listed tree instead of
// connecting and listing them itself.
func (t *RefreshStoreTask) WithTree(tree []*mailer.FolderInfo) *RefreshStoreTask {
	t.tree = tree
	return t
}

func (t *RefreshStoreTask) Describe() string { return "Checking for new mail" }

func (t *RefreshStoreTask) Exec(ctx context.Context) error {
	tree := t.tree
	if tree == nil {
		var err error
		if tree, err = ListFolders(ctx, t.store); err != nil {
			return err
		}
	}
	names := RefreshableFolders(t.store, tree)

	t.progress(0, "Updating...")
	for i, name := range names {
		if err := mailer.CheckCancel(ctx); err != nil {
			return err
		}

		folder, err := t.store.Folder(ctx, name)
		if err != nil {
			t.logger.WarnContext(ctx, "failed to refresh folder", slog.String("folder", name), slog.Any("err", err))
			continue
		}
		if err = folder.Synchronize(ctx, false); err == nil {
			err = folder.RefreshInfo(ctx)
		}
		if mailer.IsCancelled(err) {
			return mailer.ErrCancelled
		}
		if err != nil {
			t.logger.WarnContext(ctx, "failed to refresh folder", slog.String("folder", name), slog.Any("err", err))
		}

		t.progress((i+1)*100/len(names), "")
	}
	return nil
}

func (t *RefreshStoreTask) Done(err error) {
	if t.OnDone != nil {
		t.OnDone(err)
	}
}

func (t *RefreshStoreTask) Free() {}

// ListFolders connects store and returns its folder tree.
func ListFolders(ctx context.Context, store mailer.Store) ([]*mailer.FolderInfo, error) {
	if err := store.Connect(ctx); err != nil {
		return nil, err
	}
	tree, err := store.FolderInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("list folders of %s: %w", store.DisplayName(), err)
	}
	return tree, nil
}

// RefreshableFolders walks folder tree collecting names of selectable
// folders the store allows to refresh. Children of a folder are visited
// even when the folder itself is skipped.
func RefreshableFolders(store mailer.Store, tree []*mailer.FolderInfo) []string {
	var names []string
	for _, root := range tree {
		root.Walk(func(fi *mailer.FolderInfo) {
			if store.CanRefreshFolder(fi) && fi.Selectable() {
				names = append(names, fi.FullName)
			}
		})
	}
	return names
}
