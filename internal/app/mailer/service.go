package mailer

import (
	"context"
	"net/url"

	"github.com/emersion/go-message/mail"
)

// Provider describes capabilities of a service implementation.
type Provider struct {
	Protocol string

	// IsStorage marks stores keeping mail on the server and
	// synchronizing folders in place instead of downloading them.
	IsStorage bool

	// IsLocalDelivery marks local mbox spools filled by MDA.
	IsLocalDelivery bool

	// DisableSentFolder marks transports which file sent messages
	// on the server side, so no Fcc copy should be made.
	DisableSentFolder bool
}

// Service is an account-bound endpoint: either Store or Transport.
type Service interface {
	UID() string
	DisplayName() string
	URL() *url.URL
	Provider() Provider
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context, clean bool) error
}

// Store exposes folders of a mail source. All methods may block
// and are called from worker goroutines.
type Store interface {
	Service

	Folder(ctx context.Context, name string) (Folder, error)
	Inbox(ctx context.Context) (Folder, error)
	TrashFolder(ctx context.Context) (Folder, error)
	JunkFolder(ctx context.Context) (Folder, error)

	// FolderInfo returns current folder tree.
	FolderInfo(ctx context.Context) ([]*FolderInfo, error)
	// CanRefreshFolder reports whether folder metadata should be
	// refreshed during store-level receive.
	CanRefreshFolder(info *FolderInfo) bool

	Synchronize(ctx context.Context, expunge bool) error
}

// Transport sends messages to recipients.
type Transport interface {
	Service

	SendTo(ctx context.Context, msg *Message, from *mail.Address, recipients []*mail.Address) error
}

// Folder is an indexed collection of messages with flags.
type Folder interface {
	FullName() string
	// Description is human readable folder label used in messages
	// shown to the user.
	Description() string
	Store() Store

	// UIDs returns identifiers of all messages in folder in
	// the order they were stored.
	UIDs(ctx context.Context) ([]string, error)
	MessageInfo(ctx context.Context, uid string) (*MessageInfo, error)
	Message(ctx context.Context, uid string) (*Message, error)
	Append(ctx context.Context, msg *Message, flags Flags) (string, error)
	SetFlags(ctx context.Context, uid string, mask, set Flags) error
	MessageCount(ctx context.Context) (int, error)

	// Synchronize flushes pending changes. With expunge set
	// messages flagged deleted are removed.
	Synchronize(ctx context.Context, expunge bool) error
	RefreshInfo(ctx context.Context) error

	// Freeze and Thaw bracket batched changes. Change notifications
	// raised while frozen are emitted once on the last Thaw.
	Freeze()
	Thaw()
}

// FolderFlags describes folder tree entry.
type FolderFlags uint32

const (
	FolderNoSelect FolderFlags = 1 << iota
	FolderNoInferiors
	FolderVirtual
	FolderTypeInbox
	FolderTypeTrash
	FolderTypeJunk
	FolderTypeSent
	FolderTypeOutbox
	FolderTypeDrafts
)

// FolderInfo is a node of store folder tree.
type FolderInfo struct {
	FullName    string
	DisplayName string
	Flags       FolderFlags
	Unread      int
	Total       int
	Children    []*FolderInfo
}

// Selectable reports whether messages could be stored in the folder.
func (fi *FolderInfo) Selectable() bool {
	return fi.Flags&FolderNoSelect == 0
}

// Walk visits fi and all its descendants depth-first.
func (fi *FolderInfo) Walk(fn func(*FolderInfo)) {
	fn(fi)
	for _, c := range fi.Children {
		c.Walk(fn)
	}
}

// ChangeFunc is notified after frozen folder has been thawed
// with identifiers of messages changed in between.
type ChangeFunc func(folder Folder, changed []string)
