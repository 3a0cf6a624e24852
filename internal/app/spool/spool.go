// Package spool is a local delivery mailbox: an mbox file appended to by
// the system MDA and drained by fetch.
package spool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/emersion/go-mbox"

	"github.com/hickar/sendrecv/internal/app/mailer"
)

// Service is a mailer.Service backed by mbox spool file.
type Service struct {
	uid  string
	name string
	url  *url.URL

	mu sync.Mutex
}

// New creates spool service for mbox:///path URL.
func New(uid, name string, u *url.URL) (*Service, error) {
	if u.Scheme != "mbox" || u.Path == "" {
		return nil, fmt.Errorf("spool url %q: %w", u.Redacted(), mailer.ErrURLInvalid)
	}
	if name == "" {
		name = u.Path
	}
	return &Service{uid: uid, name: name, url: u}, nil
}

func (s *Service) UID() string { return s.uid }

func (s *Service) DisplayName() string { return s.name }

func (s *Service) URL() *url.URL { return s.url }

// Path returns location of the spool file.
func (s *Service) Path() string { return filepath.FromSlash(s.url.Path) }

func (s *Service) Provider() mailer.Provider {
	return mailer.Provider{Protocol: "mbox", IsLocalDelivery: true}
}

// Connect only checks that spool directory is reachable.
func (s *Service) Connect(context.Context) error {
	if _, err := os.Stat(filepath.Dir(s.Path())); err != nil {
		return fmt.Errorf("%w: %s: %w", mailer.ErrConnect, s.name, err)
	}
	return nil
}

func (s *Service) Disconnect(context.Context, bool) error { return nil }

// Deliver appends msg to the spool as the MDA would.
func (s *Service) Deliver(msg *mailer.Message, from string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.Path(), os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("open spool: %w", err)
	}
	defer f.Close()

	mw := mbox.NewWriter(f)
	w, err := mw.CreateMessage(from, at)
	if err != nil {
		return fmt.Errorf("write spool: %w", err)
	}
	if _, err = msg.WriteTo(w); err != nil {
		return fmt.Errorf("write spool: %w", err)
	}
	if err = mw.Close(); err != nil {
		return fmt.Errorf("write spool: %w", err)
	}
	return f.Close()
}

// Movemail moves spool content into a new private file in dir and
// leaves spool empty. It returns empty path when spool holds no mail.
func (s *Service) Movemail(dir string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Movemail(s.Path(), dir)
}

// Movemail moves mbox file src into a new private file in dir and
// leaves src empty. It returns empty path when src holds no mail.
func Movemail(src, dir string) (string, error) {
	st, err := os.Stat(src)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("stat spool: %w", err)
	}
	if st.Size() == 0 {
		return "", nil
	}

	dst, err := os.CreateTemp(dir, "movemail-*")
	if err != nil {
		return "", fmt.Errorf("create movemail file: %w", err)
	}
	dstPath := dst.Name()
	dst.Close()

	err = os.Rename(src, dstPath)
	if err == nil {
		return dstPath, recreate(src, st.Mode())
	}

	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		os.Remove(dstPath)
		return "", fmt.Errorf("move spool: %w", err)
	}

	// Different filesystems: copy then truncate.
	if err = copyTruncate(src, dstPath); err != nil {
		os.Remove(dstPath)
		return "", err
	}
	return dstPath, nil
}

func recreate(path string, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode.Perm())
	if errors.Is(err, os.ErrExist) {
		// MDA was faster.
		return nil
	}
	if err != nil {
		return fmt.Errorf("recreate spool: %w", err)
	}
	return f.Close()
}

func copyTruncate(src, dstPath string) error {
	in, err := os.OpenFile(src, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open spool: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open movemail file: %w", err)
	}
	if _, err = io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy spool: %w", err)
	}
	if err = out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("sync movemail file: %w", err)
	}
	if err = out.Close(); err != nil {
		return fmt.Errorf("close movemail file: %w", err)
	}

	if err = in.Truncate(0); err != nil {
		return fmt.Errorf("truncate spool: %w", err)
	}
	return nil
}
