package mailertest

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/emersion/go-message/mail"

	"github.com/hickar/sendrecv/internal/app/mailer"
)

// Store is an in-memory mailer.Store.
type Store struct {
	mu       sync.Mutex
	uid      string
	url      *url.URL
	provider mailer.Provider
	folders  map[string]*Folder
	order    []string

	// NoRefresh lists folders CanRefreshFolder rejects.
	NoRefresh map[string]bool
	// NoSelect lists folders reported with FolderNoSelect flag.
	NoSelect map[string]bool

	ConnectErr error
	// FolderErr is returned by Folder for any name listed.
	FolderErr map[string]error

	Connects    int
	Disconnects int
	Syncs       int
	Expunges    int
}

// NewStore creates store identified by uid. rawURL must be parseable.
func NewStore(uid, rawURL string, provider mailer.Provider) *Store {
	u, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("mailertest: parse url: %v", err))
	}

	return &Store{
		uid:       uid,
		url:       u,
		provider:  provider,
		folders:   make(map[string]*Folder),
		NoRefresh: make(map[string]bool),
		NoSelect:  make(map[string]bool),
		FolderErr: make(map[string]error),
	}
}

// AddFolder creates folder name if missing and returns it.
func (s *Store) AddFolder(name string) *Folder {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.folders[name]; ok {
		return f
	}
	f := NewFolder(name)
	f.store = s
	s.folders[name] = f
	s.order = append(s.order, name)
	return f
}

func (s *Store) UID() string { return s.uid }
func (s *Store) DisplayName() string { return s.url.Redacted() }
func (s *Store) URL() *url.URL { return s.url }
func (s *Store) Provider() mailer.Provider { return s.provider }

func (s *Store) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Connects++
	return s.ConnectErr
}

func (s *Store) Disconnect(context.Context, bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Disconnects++
	return nil
}

func (s *Store) Folder(_ context.Context, name string) (mailer.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.FolderErr[name]; err != nil {
		return nil, err
	}
	f, ok := s.folders[name]
	if !ok {
		return nil, fmt.Errorf("folder %q: %w", name, mailer.ErrFolderInvalid)
	}
	return f, nil
}

func (s *Store) Inbox(ctx context.Context) (mailer.Folder, error) {
	return s.Folder(ctx, "INBOX")
}

func (s *Store) TrashFolder(ctx context.Context) (mailer.Folder, error) {
	return s.Folder(ctx, "Trash")
}

func (s *Store) JunkFolder(ctx context.Context) (mailer.Folder, error) {
	return s.Folder(ctx, "Junk")
}

// FolderInfo builds tree from folder names using "/" as separator.
func (s *Store) FolderInfo(context.Context) ([]*mailer.FolderInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes := make(map[string]*mailer.FolderInfo)
	var roots []*mailer.FolderInfo
	for _, name := range s.order {
		fi := &mailer.FolderInfo{FullName: name, DisplayName: name[strings.LastIndex(name, "/")+1:]}
		if s.NoSelect[name] {
			fi.Flags |= mailer.FolderNoSelect
		}
		nodes[name] = fi

		parent, ok := nodes[name[:max(strings.LastIndex(name, "/"), 0)]]
		if ok && parent != fi {
			parent.Children = append(parent.Children, fi)
			continue
		}
		roots = append(roots, fi)
	}
	return roots, nil
}

func (s *Store) CanRefreshFolder(info *mailer.FolderInfo) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.NoRefresh[info.FullName]
}

func (s *Store) Synchronize(ctx context.Context, expunge bool) error {
	if err := mailer.CheckCancel(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Syncs++
	if expunge {
		s.Expunges++
	}
	return nil
}

// Sent is a message accepted by Transport.
type Sent struct {
	From       string
	Recipients []string
	Message    *mailer.Message
}

// Transport is an in-memory mailer.Transport.
type Transport struct {
	mu       sync.Mutex
	uid      string
	url      *url.URL
	provider mailer.Provider
	sent     []Sent
	attempts int

	// SendErr, when set, decides result of every SendTo call.
	SendErr func(attempt int, msg *mailer.Message) error
}

// NewTransport creates transport identified by uid.
func NewTransport(uid, rawURL string) *Transport {
	u, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("mailertest: parse url: %v", err))
	}
	return &Transport{uid: uid, url: u, provider: mailer.Provider{Protocol: u.Scheme}}
}

// SetProvider replaces provider capabilities.
func (t *Transport) SetProvider(p mailer.Provider) { t.provider = p }

// Sent returns accepted messages.
func (t *Transport) Sent() []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Sent(nil), t.sent...)
}

// Attempts returns number of SendTo calls.
func (t *Transport) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

func (t *Transport) UID() string { return t.uid }
func (t *Transport) DisplayName() string { return t.url.Redacted() }
func (t *Transport) URL() *url.URL { return t.url }
func (t *Transport) Provider() mailer.Provider { return t.provider }
func (t *Transport) Connect(context.Context) error { return nil }
func (t *Transport) Disconnect(context.Context, bool) error { return nil }

func (t *Transport) SendTo(ctx context.Context, msg *mailer.Message, from *mail.Address, recipients []*mail.Address) error {
	if err := mailer.CheckCancel(ctx); err != nil {
		return err
	}

	t.mu.Lock()
	t.attempts++
	attempt := t.attempts
	fail := t.SendErr
	t.mu.Unlock()

	if fail != nil {
		if err := fail(attempt, msg); err != nil {
			return err
		}
	}

	rcpts := make([]string, 0, len(recipients))
	for _, r := range recipients {
		rcpts = append(rcpts, r.Address)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	var sender string
	if from != nil {
		sender = from.Address
	}
	t.sent = append(t.sent, Sent{From: sender, Recipients: rcpts, Message: msg.Clone()})
	return nil
}
