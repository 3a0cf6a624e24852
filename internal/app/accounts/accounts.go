// Package accounts resolves configured accounts into mail services and
// classifies them for send/receive.
package accounts

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hickar/sendrecv/internal/app/config"
	"github.com/hickar/sendrecv/internal/app/localstore"
	"github.com/hickar/sendrecv/internal/app/mailer"
)

// Kind is capability class of a mail source.
type Kind int

const (
	KindInvalid Kind = iota
	// KindDownload sources are pulled into local inbox.
	KindDownload
	// KindSync sources keep mail on the server and refresh folders in place.
	KindSync
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindDownload:
		return "download"
	case KindSync:
		return "sync"
	case KindTransport:
		return "transport"
	default:
		return "invalid"
	}
}

// TransportSuffix is appended to account id to form transport service uid.
const TransportSuffix = "/transport"

// Classify tells how service takes part in send/receive. Local delivery
// spools are always downloaded regardless of other capabilities.
func Classify(svc mailer.Service) Kind {
	if svc == nil {
		return KindInvalid
	}
	if svc.Provider().IsLocalDelivery {
		return KindDownload
	}

	switch s := svc.(type) {
	case mailer.Store:
		if s.Provider().IsStorage {
			return KindSync
		}
		return KindDownload
	case mailer.Transport:
		return KindTransport
	default:
		return KindInvalid
	}
}

// Account is a configured account with its services.
type Account struct {
	ID           string
	Name         string
	Enabled      bool
	KeepOnServer bool
	AutoCheck    bool
	Interval     time.Duration
	Sender       string

	// Store is a mailer.Store or a local delivery service. Nil when
	// account has no incoming side.
	Store     mailer.Service
	Transport mailer.Transport

	config config.Account
}

// Source is one send/receive endpoint.
type Source struct {
	ID           string
	Kind         Kind
	Service      mailer.Service
	KeepOnServer bool
}

// Sources returns endpoints of account: incoming first, then transport.
func (a *Account) Sources() []Source {
	var out []Source
	if a.Store != nil {
		out = append(out, Source{ID: a.Store.UID(), Kind: Classify(a.Store), Service: a.Store, KeepOnServer: a.KeepOnServer})
	}
	if a.Transport != nil {
		out = append(out, Source{ID: a.Transport.UID(), Kind: KindTransport, Service: a.Transport})
	}
	return out
}

// Summary describes account for listings.
type Summary struct {
	ID          string          `json:"id"`
	Name        string          `json:"name,omitempty"`
	Enabled     bool            `json:"enabled"`
	Sources     []SourceSummary `json:"sources"`
	CheckPeriod string          `json:"check_period,omitempty"`
}

type SourceSummary struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	Location     string `json:"location"`
	KeepOnServer bool   `json:"keep_on_server,omitempty"`
}

func (a *Account) Summary() Summary {
	sum := Summary{ID: a.ID, Name: a.Name, Enabled: a.Enabled, Sources: []SourceSummary{}}
	for _, src := range a.Sources() {
		sum.Sources = append(sum.Sources, SourceSummary{
			ID:           src.ID,
			Kind:         src.Kind.String(),
			Location:     PrettyURL(src.Service),
			KeepOnServer: src.KeepOnServer,
		})
	}
	return sum
}

// Factory builds services of account.
type Factory func(acc config.Account) (store mailer.Service, transport mailer.Transport, err error)

// Registry keeps accounts and local folders. It is safe for concurrent use.
type Registry struct {
	local   *localstore.Store
	factory Factory
	logger  *slog.Logger

	mu               sync.RWMutex
	accounts         map[string]*Account
	order            []string
	defaultTransport string
}

func NewRegistry(local *localstore.Store, factory Factory, log *slog.Logger) *Registry {
	return &Registry{
		local:    local,
		factory:  factory,
		logger:   log.With(slog.String("module", "accounts")),
		accounts: make(map[string]*Account),
	}
}

// Load adds every configured account. Accounts failing to build are
// logged and registered without services, so they classify as invalid.
func (r *Registry) Load(cfg config.Config) {
	r.mu.Lock()
	r.defaultTransport = cfg.DefaultTransport
	r.mu.Unlock()

	for _, acc := range cfg.Accounts {
		if _, err := r.Put(acc); err != nil {
			r.logger.Error("unable to set up account", slog.String("account", acc.ID), slog.Any("err", err))
		}
	}
}

// Put adds or replaces account. It returns registered account, which is
// present even when building services failed.
func (r *Registry) Put(cfg config.Account) (*Account, error) {
	acc := &Account{
		ID:           cfg.ID,
		Name:         cfg.Name,
		Enabled:      cfg.IsEnabled(),
		KeepOnServer: cfg.KeepOnServer,
		AutoCheck:    cfg.AutoCheck,
		Interval:     cfg.AutoCheckInterval,
		Sender:       cfg.Sender,
		config:       cfg,
	}
	if acc.AutoCheck && acc.Interval < config.MinAutoCheckInterval {
		acc.Interval = config.MinAutoCheckInterval
	}

	var err error
	if r.factory != nil {
		acc.Store, acc.Transport, err = r.factory(cfg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[acc.ID]; !ok {
		r.order = append(r.order, acc.ID)
	}
	r.accounts[acc.ID] = acc
	return acc, err
}

// Changes lists account ids affected by Sync.
type Changes struct {
	Added   []string `json:"added"`
	Updated []string `json:"updated"`
	Removed []string `json:"removed"`
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Sync makes registry follow cfg: new accounts are added, changed ones
// rebuilt and those missing from cfg removed. Accounts failing to build
// are registered without services, as with Load.
func (r *Registry) Sync(cfg config.Config) Changes {
	r.mu.Lock()
	r.defaultTransport = cfg.DefaultTransport
	r.mu.Unlock()

	var ch Changes
	seen := make(map[string]bool, len(cfg.Accounts))
	for _, acc := range cfg.Accounts {
		seen[acc.ID] = true

		old, ok := r.Account(acc.ID)
		if ok && reflect.DeepEqual(old.config, acc) {
			continue
		}
		if _, err := r.Put(acc); err != nil {
			r.logger.Error("unable to set up account", slog.String("account", acc.ID), slog.Any("err", err))
		}
		if ok {
			ch.Updated = append(ch.Updated, acc.ID)
		} else {
			ch.Added = append(ch.Added, acc.ID)
		}
	}

	for _, acc := range r.Accounts() {
		if !seen[acc.ID] && r.Remove(acc.ID) {
			ch.Removed = append(ch.Removed, acc.ID)
		}
	}
	return ch
}

// Remove drops account and reports whether it existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.accounts[id]; !ok {
		return false
	}
	delete(r.accounts, id)
	r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
	return true
}

func (r *Registry) Account(id string) (*Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acc, ok := r.accounts[id]
	return acc, ok
}

// Accounts returns all accounts in configuration order.
func (r *Registry) Accounts() []*Account {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Account, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.accounts[id])
	}
	return out
}

// Enabled returns enabled accounts in configuration order.
func (r *Registry) Enabled() []*Account {
	return slices.DeleteFunc(r.Accounts(), func(a *Account) bool { return !a.Enabled })
}

// Service finds incoming or outgoing service by uid.
func (r *Registry) Service(uid string) (mailer.Service, bool) {
	if uid == localstore.UID {
		return r.local, true
	}
	for _, acc := range r.Accounts() {
		if acc.Store != nil && acc.Store.UID() == uid {
			return acc.Store, true
		}
		if acc.Transport != nil && acc.Transport.UID() == uid {
			return acc.Transport, true
		}
	}
	return nil, false
}

// Transport returns transport by service uid or account id.
func (r *Registry) Transport(uid string) (mailer.Transport, error) {
	id := strings.TrimSuffix(uid, TransportSuffix)
	if acc, ok := r.Account(id); ok && acc.Transport != nil {
		return acc.Transport, nil
	}
	if svc, ok := r.Service(uid); ok {
		if t, ok := svc.(mailer.Transport); ok {
			return t, nil
		}
	}
	return nil, fmt.Errorf("transport %q: %w", uid, mailer.ErrNoTransport)
}

// DefaultTransport returns transport flushing the outbox: configured one,
// else the first enabled account having transport.
func (r *Registry) DefaultTransport() (mailer.Transport, error) {
	r.mu.RLock()
	id := r.defaultTransport
	r.mu.RUnlock()

	if id != "" {
		if acc, ok := r.Account(id); ok && acc.Enabled && acc.Transport != nil {
			return acc.Transport, nil
		}
	}
	for _, acc := range r.Enabled() {
		if acc.Transport != nil {
			return acc.Transport, nil
		}
	}
	return nil, mailer.ErrNoTransport
}

// Local returns store of local folders.
func (r *Registry) Local() *localstore.Store { return r.local }

// LocalFolder opens standard local folder such as localstore.Outbox.
func (r *Registry) LocalFolder(ctx context.Context, name string) (mailer.Folder, error) {
	return r.local.Folder(ctx, name)
}

// FolderURI builds folder://store/name URI.
func FolderURI(storeUID, name string) string {
	return (&url.URL{Scheme: "folder", Host: storeUID, Path: "/" + name}).String()
}

// ParseFolderURI splits folder://store/name URI.
func ParseFolderURI(uri string) (storeUID, name string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("folder uri %q: %w", uri, mailer.ErrURLInvalid)
	}
	if u.Scheme != "folder" || u.Host == "" {
		return "", "", fmt.Errorf("folder uri %q: %w", uri, mailer.ErrURLInvalid)
	}
	name = strings.Trim(u.Path, "/")
	if name == "" {
		return "", "", fmt.Errorf("folder uri %q: no folder name: %w", uri, mailer.ErrURLInvalid)
	}
	return u.Host, name, nil
}

// ResolveFolder opens folder addressed by folder URI.
func (r *Registry) ResolveFolder(ctx context.Context, uri string) (mailer.Folder, error) {
	storeUID, name, err := ParseFolderURI(uri)
	if err != nil {
		return nil, err
	}

	svc, ok := r.Service(storeUID)
	if !ok {
		return nil, fmt.Errorf("folder uri %q: unknown store %q: %w", uri, storeUID, mailer.ErrURLInvalid)
	}
	store, ok := svc.(mailer.Store)
	if !ok {
		return nil, fmt.Errorf("folder uri %q: %s has no folders: %w", uri, storeUID, mailer.ErrFolderInvalid)
	}
	return store.Folder(ctx, name)
}

// PrettyURL formats service location for task labels, without password.
func PrettyURL(svc mailer.Service) string {
	u := svc.URL()
	if u == nil {
		return svc.DisplayName()
	}

	if svc.Provider().IsLocalDelivery || u.Host == "" {
		return fmt.Sprintf("%s: %s", u.Scheme, u.Path)
	}

	host := u.Host
	if u.User != nil && u.User.Username() != "" {
		host = u.User.Username() + "@" + host
	}
	return fmt.Sprintf("%s: %s", u.Scheme, host)
}
