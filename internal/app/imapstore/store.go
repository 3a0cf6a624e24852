// Package imapstore implements mailer.Store over IMAP.
package imapstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-sasl"

	"github.com/hickar/sendrecv/internal/app/mailer"
)

// Security is connection protection mode.
type Security int

const (
	SecurityTLS Security = iota
	SecurityStartTLS
	SecurityNone
)

type ImapDialer interface {
	Dial(address string, security Security, options *imapclient.Options) (*imapclient.Client, error)
}

type ImapDialerFunc func(string, Security, *imapclient.Options) (*imapclient.Client, error)

func (f ImapDialerFunc) Dial(address string, security Security, options *imapclient.Options) (*imapclient.Client, error) {
	return f(address, security, options)
}

// DefaultDialer dials with imapclient according to security mode.
var DefaultDialer = ImapDialerFunc(func(address string, security Security, options *imapclient.Options) (*imapclient.Client, error) {
	switch security {
	case SecurityStartTLS:
		return imapclient.DialStartTLS(address, options)
	case SecurityNone:
		return imapclient.DialInsecure(address, options)
	default:
		return imapclient.DialTLS(address, options)
	}
})

// Settings are connection parameters decoded from store URL.
type Settings struct {
	Address  string
	Security Security
	Username string
	Password string
	// Pull marks download-style access: messages are fetched from INBOX
	// into local folders instead of being synchronized in place.
	Pull bool
	// CheckAll enables refresh of every folder on receive, not only INBOX.
	CheckAll bool
}

// ParseURL decodes imap[s][+pull]://user[:password]@host[:port][?check_all=true].
// Password falls back to password argument.
func ParseURL(u *url.URL, password string) (Settings, error) {
	var s Settings

	scheme, pull := strings.CutSuffix(u.Scheme, "+pull")
	s.Pull = pull

	defaultPort := "993"
	switch scheme {
	case "imaps":
		s.Security = SecurityTLS
	case "imap":
		s.Security = SecurityStartTLS
		defaultPort = "143"
		if u.Query().Get("tls") == "none" {
			s.Security = SecurityNone
		}
	default:
		return s, fmt.Errorf("unsupported scheme %q: %w", u.Scheme, mailer.ErrURLInvalid)
	}

	if u.Hostname() == "" {
		return s, fmt.Errorf("missing host in %q: %w", u.Redacted(), mailer.ErrURLInvalid)
	}
	port := u.Port()
	if port == "" {
		port = defaultPort
	}
	s.Address = net.JoinHostPort(u.Hostname(), port)

	if u.User != nil {
		s.Username = u.User.Username()
		if p, ok := u.User.Password(); ok {
			password = p
		}
	}
	s.Password = password
	s.CheckAll = u.Query().Get("check_all") == "true"

	return s, nil
}

// Store is an IMAP account. A single connection is shared by all folders
// and guarded by a mutex: IMAP keeps one selected mailbox per connection.
type Store struct {
	uid      string
	name     string
	url      *url.URL
	settings Settings
	dialer   ImapDialer
	logger   *slog.Logger

	mu       sync.Mutex
	client   *imapclient.Client
	selected string
	folders  map[string]*Folder
}

func New(uid, name string, u *url.URL, password string, dialer ImapDialer, log *slog.Logger) (*Store, error) {
	settings, err := ParseURL(u, password)
	if err != nil {
		return nil, err
	}
	if dialer == nil {
		dialer = DefaultDialer
	}
	if name == "" {
		name = settings.Username + "@" + u.Hostname()
	}

	return &Store{
		uid:      uid,
		name:     name,
		url:      u,
		settings: settings,
		dialer:   dialer,
		logger:   log.With(slog.String("module", "imapstore"), slog.String("account", uid)),
		folders:  make(map[string]*Folder),
	}, nil
}

func (s *Store) UID() string { return s.uid }

func (s *Store) DisplayName() string { return s.name }

func (s *Store) URL() *url.URL { return s.url }

func (s *Store) Provider() mailer.Provider {
	return mailer.Provider{Protocol: "imap", IsStorage: !s.settings.Pull}
}

func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.connLocked(ctx)
	return err
}

// connLocked returns live connection, dialing and authenticating when
// needed. Must be called with mu held.
func (s *Store) connLocked(ctx context.Context) (*imapclient.Client, error) {
	if err := mailer.CheckCancel(ctx); err != nil {
		return nil, err
	}
	if s.client != nil {
		return s.client, nil
	}

	client, err := s.dialer.Dial(s.settings.Address, s.settings.Security, &imapclient.Options{
		WordDecoder: &mime.WordDecoder{CharsetReader: charset.Reader},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", mailer.ErrConnect, s.settings.Address, err)
	}

	if err = s.authenticate(client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %s: %w", mailer.ErrConnect, s.name, err)
	}

	s.logger.DebugContext(ctx, "connected", slog.String("address", s.settings.Address))
	s.client = client
	s.selected = ""
	return client, nil
}

func (s *Store) authenticate(client *imapclient.Client) error {
	caps, err := client.Capability().Wait()
	if err != nil {
		return fmt.Errorf("get capabilities: %w", err)
	}

	if caps.Has(imap.AuthCap(sasl.Plain)) {
		if err = client.Authenticate(sasl.NewPlainClient("", s.settings.Username, s.settings.Password)); err != nil {
			return fmt.Errorf("authenticate: %w", err)
		}
		return nil
	}

	if err = client.Login(s.settings.Username, s.settings.Password).Wait(); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return nil
}

// selectLocked selects mailbox name on the connection. Must be called
// with mu held.
func (s *Store) selectLocked(ctx context.Context, name string) (*imapclient.Client, error) {
	client, err := s.connLocked(ctx)
	if err != nil {
		return nil, err
	}
	if s.selected == name {
		return client, nil
	}

	if _, err = client.Select(name, nil).Wait(); err != nil {
		s.dropOnNetErr(err)
		return nil, fmt.Errorf("select %q: %w", name, err)
	}
	s.selected = name
	return client, nil
}

// dropOnNetErr forgets connection broken by network error so that next
// operation redials. Must be called with mu held.
func (s *Store) dropOnNetErr(err error) {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return
	}
	if s.client != nil {
		_ = s.client.Close()
	}
	s.client = nil
	s.selected = ""
}

func (s *Store) Disconnect(ctx context.Context, clean bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	client := s.client
	s.client = nil
	s.selected = ""

	if clean {
		if err := client.Logout().Wait(); err != nil {
			s.logger.DebugContext(ctx, "logout failed", slog.Any("err", err))
		}
	}
	return client.Close()
}

func (s *Store) Folder(ctx context.Context, name string) (mailer.Folder, error) {
	if strings.EqualFold(name, "INBOX") {
		name = "INBOX"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.folders[name]; ok {
		return f, nil
	}

	client, err := s.connLocked(ctx)
	if err != nil {
		return nil, err
	}
	if _, err = client.Status(name, &imap.StatusOptions{NumMessages: true}).Wait(); err != nil {
		s.dropOnNetErr(err)
		return nil, fmt.Errorf("folder %q on %s: %w: %w", name, s.name, mailer.ErrFolderInvalid, err)
	}

	f := &Folder{name: name, store: s}
	s.folders[name] = f
	return f, nil
}

func (s *Store) Inbox(ctx context.Context) (mailer.Folder, error) {
	return s.Folder(ctx, "INBOX")
}

func (s *Store) TrashFolder(ctx context.Context) (mailer.Folder, error) {
	return s.specialFolder(ctx, imap.MailboxAttrTrash)
}

func (s *Store) JunkFolder(ctx context.Context) (mailer.Folder, error) {
	return s.specialFolder(ctx, imap.MailboxAttrJunk)
}

func (s *Store) specialFolder(ctx context.Context, attr imap.MailboxAttr) (mailer.Folder, error) {
	list, err := s.list(ctx)
	if err != nil {
		return nil, err
	}
	for _, mbox := range list {
		for _, a := range mbox.Attrs {
			if a == attr {
				return s.Folder(ctx, mbox.Mailbox)
			}
		}
	}
	return nil, fmt.Errorf("no %s folder on %s: %w", attr, s.name, mailer.ErrFolderInvalid)
}

func (s *Store) list(ctx context.Context) ([]*imap.ListData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, err := s.connLocked(ctx)
	if err != nil {
		return nil, err
	}
	list, err := client.List("", "*", nil).Collect()
	if err != nil {
		s.dropOnNetErr(err)
		return nil, fmt.Errorf("list folders: %w", err)
	}
	return list, nil
}

func (s *Store) FolderInfo(ctx context.Context) ([]*mailer.FolderInfo, error) {
	list, err := s.list(ctx)
	if err != nil {
		return nil, err
	}
	return folderTree(list), nil
}

// CanRefreshFolder limits store-level refresh to INBOX unless check_all
// is set in store URL.
func (s *Store) CanRefreshFolder(info *mailer.FolderInfo) bool {
	if info.Flags&mailer.FolderVirtual != 0 {
		return false
	}
	return s.settings.CheckAll || info.Flags&mailer.FolderTypeInbox != 0
}

func (s *Store) Synchronize(ctx context.Context, expunge bool) error {
	s.mu.Lock()
	folders := make([]*Folder, 0, len(s.folders))
	for _, f := range s.folders {
		folders = append(folders, f)
	}
	s.mu.Unlock()

	for _, f := range folders {
		if err := f.Synchronize(ctx, expunge); err != nil {
			return err
		}
	}
	return nil
}

var folderAttrs = map[imap.MailboxAttr]mailer.FolderFlags{
	imap.MailboxAttrNoSelect:    mailer.FolderNoSelect,
	imap.MailboxAttrNonExistent: mailer.FolderNoSelect,
	imap.MailboxAttrNoInferiors: mailer.FolderNoInferiors,
	imap.MailboxAttrTrash:       mailer.FolderTypeTrash,
	imap.MailboxAttrJunk:        mailer.FolderTypeJunk,
	imap.MailboxAttrSent:        mailer.FolderTypeSent,
	imap.MailboxAttrDrafts:      mailer.FolderTypeDrafts,
	imap.MailboxAttrAll:         mailer.FolderVirtual,
}

// folderTree builds folder hierarchy from flat LIST response.
func folderTree(list []*imap.ListData) []*mailer.FolderInfo {
	nodes := make(map[string]*mailer.FolderInfo, len(list))
	infos := make([]*mailer.FolderInfo, 0, len(list))

	for _, mbox := range list {
		fi := &mailer.FolderInfo{FullName: mbox.Mailbox, DisplayName: mbox.Mailbox}
		if mbox.Delim != 0 {
			if i := strings.LastIndexByte(mbox.Mailbox, byte(mbox.Delim)); i >= 0 {
				fi.DisplayName = mbox.Mailbox[i+1:]
			}
		}
		if strings.EqualFold(mbox.Mailbox, "INBOX") {
			fi.Flags |= mailer.FolderTypeInbox
		}
		for _, a := range mbox.Attrs {
			fi.Flags |= folderAttrs[a]
		}
		nodes[mbox.Mailbox] = fi
		infos = append(infos, fi)
	}

	var roots []*mailer.FolderInfo
	for i, mbox := range list {
		fi := infos[i]
		if mbox.Delim != 0 {
			if j := strings.LastIndexByte(mbox.Mailbox, byte(mbox.Delim)); j > 0 {
				if parent, ok := nodes[mbox.Mailbox[:j]]; ok {
					parent.Children = append(parent.Children, fi)
					continue
				}
			}
		}
		roots = append(roots, fi)
	}
	return roots
}
