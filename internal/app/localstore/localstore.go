// Package localstore keeps local mail folders (Inbox, Outbox, Sent, ...)
// as Maildir directories.
package localstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-maildir"

	"github.com/hickar/sendrecv/internal/app/mailer"
)

// UID of local store, used as host of local folder URIs.
const UID = "local"

// Standard folder names.
const (
	Inbox  = "Inbox"
	Outbox = "Outbox"
	Sent   = "Sent"
	Drafts = "Drafts"
	Trash  = "Trash"
	Junk   = "Junk"
)

var standardFolders = map[string]mailer.FolderFlags{
	Inbox:  mailer.FolderTypeInbox,
	Outbox: mailer.FolderTypeOutbox,
	Sent:   mailer.FolderTypeSent,
	Drafts: mailer.FolderTypeDrafts,
	Trash:  mailer.FolderTypeTrash,
	Junk:   mailer.FolderTypeJunk,
}

// Store is mailer.Store over a tree of Maildir directories rooted at a
// single directory.
type Store struct {
	uid    string
	name   string
	root   string
	url    *url.URL
	logger *slog.Logger

	mu       sync.Mutex
	folders  map[string]*Folder
	onChange mailer.ChangeFunc
	stamp    time.Time
}

// Open initializes standard local folders under root.
func Open(root string, log *slog.Logger) (*Store, error) {
	return OpenAccount(UID, "On This Computer", root, log)
}

// OpenAccount opens Maildir tree of a configured account.
func OpenAccount(uid, name, root string, log *slog.Logger) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve mail root: %w", err)
	}
	if name == "" {
		name = abs
	}

	s := &Store{
		uid:     uid,
		name:    name,
		root:    abs,
		url:     &url.URL{Scheme: "maildir", Path: filepath.ToSlash(abs)},
		logger:  log.With(slog.String("module", "localstore"), slog.String("store", uid)),
		folders: make(map[string]*Folder),
	}

	for folder := range standardFolders {
		if _, err = s.Create(folder); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// SetChangeFunc sets callback notified about changed messages.
func (s *Store) SetChangeFunc(fn mailer.ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

func (s *Store) changeFunc() mailer.ChangeFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onChange
}

func (s *Store) UID() string { return s.uid }

func (s *Store) DisplayName() string { return s.name }

func (s *Store) URL() *url.URL { return s.url }

// Root returns directory holding all folders.
func (s *Store) Root() string { return s.root }

func (s *Store) Provider() mailer.Provider {
	return mailer.Provider{Protocol: "maildir", IsStorage: true}
}

func (s *Store) Connect(context.Context) error { return nil }

func (s *Store) Disconnect(context.Context, bool) error { return nil }

// Create makes folder name unless it already exists.
func (s *Store) Create(name string) (*Folder, error) {
	name = strings.Trim(name, "/")
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}

	if err = os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("create folder %s: %w", name, err)
	}
	dir := maildir.Dir(path)
	if _, err = os.Stat(filepath.Join(path, "cur")); errors.Is(err, fs.ErrNotExist) {
		if err = dir.Init(); err != nil {
			return nil, fmt.Errorf("init maildir %s: %w", name, err)
		}
	}

	return s.folder(name, dir), nil
}

func (s *Store) Folder(_ context.Context, name string) (mailer.Folder, error) {
	name = strings.Trim(name, "/")
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}

	if _, err = os.Stat(filepath.Join(path, "cur")); err != nil {
		return nil, fmt.Errorf("folder %q on %s: %w", name, s.DisplayName(), mailer.ErrFolderInvalid)
	}

	return s.folder(name, maildir.Dir(path)), nil
}

func (s *Store) Inbox(ctx context.Context) (mailer.Folder, error) {
	return s.Folder(ctx, Inbox)
}

func (s *Store) TrashFolder(ctx context.Context) (mailer.Folder, error) {
	return s.Folder(ctx, Trash)
}

func (s *Store) JunkFolder(ctx context.Context) (mailer.Folder, error) {
	return s.Folder(ctx, Junk)
}

func (s *Store) FolderInfo(ctx context.Context) ([]*mailer.FolderInfo, error) {
	var names []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || path == s.root {
			return nil
		}
		switch d.Name() {
		case "cur", "new", "tmp":
			return fs.SkipDir
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list local folders: %w", err)
	}
	slices.Sort(names)

	nodes := make(map[string]*mailer.FolderInfo, len(names))
	var roots []*mailer.FolderInfo
	for _, name := range names {
		fi := &mailer.FolderInfo{
			FullName:    name,
			DisplayName: name[strings.LastIndex(name, "/")+1:],
			Flags:       standardFolders[name],
		}

		if _, err = os.Stat(filepath.Join(s.root, filepath.FromSlash(name), "cur")); err != nil {
			fi.Flags |= mailer.FolderNoSelect
		} else if f, err := s.Folder(ctx, name); err == nil {
			fi.Total, fi.Unread = f.(*Folder).counts()
		}

		nodes[name] = fi
		if i := strings.LastIndex(name, "/"); i > 0 {
			if parent, ok := nodes[name[:i]]; ok {
				parent.Children = append(parent.Children, fi)
				continue
			}
		}
		roots = append(roots, fi)
	}

	return roots, nil
}

// CanRefreshFolder reports true for every folder: local folders are cheap to
// rescan.
func (s *Store) CanRefreshFolder(*mailer.FolderInfo) bool { return true }

func (s *Store) Synchronize(ctx context.Context, expunge bool) error {
	s.mu.Lock()
	folders := make([]*Folder, 0, len(s.folders))
	for _, f := range s.folders {
		folders = append(folders, f)
	}
	s.mu.Unlock()

	var errs []error
	for _, f := range folders {
		if err := f.Synchronize(ctx, expunge); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) folder(name string, dir maildir.Dir) *Folder {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.folders[name]; ok {
		return f
	}
	f := &Folder{name: name, dir: dir, store: s}
	s.folders[name] = f
	return f
}

// nextStamp returns strictly increasing modification time for appended
// messages, so that folder order survives coarse filesystem clocks.
func (s *Store) nextStamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if !now.After(s.stamp) {
		now = s.stamp.Add(time.Microsecond)
	}
	s.stamp = now
	return now
}

func (s *Store) path(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty folder name: %w", mailer.ErrFolderInvalid)
	}
	for _, part := range strings.Split(name, "/") {
		switch part {
		case "", ".", "..", "cur", "new", "tmp":
			return "", fmt.Errorf("folder name %q: %w", name, mailer.ErrFolderInvalid)
		}
	}
	return filepath.Join(s.root, filepath.FromSlash(name)), nil
}
