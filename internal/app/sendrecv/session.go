package sendrecv

import (
	"context"
	"sync"
	"time"

	"github.com/hickar/sendrecv/internal/app/accounts"
	"github.com/hickar/sendrecv/internal/app/filter"
	"github.com/hickar/sendrecv/internal/app/mailer"
	"github.com/hickar/sendrecv/internal/pkg/kvstore"
	"github.com/hickar/sendrecv/internal/pkg/scheduler"
)

// Folders touched by filters are let through to the presenter every
// folderRefresh, backing off by folderBackoff with every refresh.
const (
	folderRefresh = 10 * time.Second
	folderBackoff = 5 * time.Second
	inboxRefresh  = 20 * time.Second
)

// taskInfo tracks one active source of a session.
type taskInfo struct {
	id           string
	kind         accounts.Kind
	keepOnServer bool
	sender       string
	ctx          context.Context
	cancel       context.CancelFunc

	// Guarded by Coordinator.mu.
	state State
	again int

	// Guarded by Session.statusMu.
	service mailer.Service
	what    string
	percent int
	dirty   bool
}

type folderInfo struct {
	uri    string
	folder mailer.Folder
	update time.Time
	count  int // times let through, to slow down as we go
}

// Session is the state of one send/receive run. It lives while any of
// its tasks is active.
type Session struct {
	// Guarded by Coordinator.mu.
	active    map[string]*taskInfo
	cancelled bool

	closed chan struct{}
	pump   scheduler.Scheduler

	statusMu sync.Mutex

	resolve filter.FolderResolver
	now     func() time.Time

	mu          sync.Mutex // guards freshness of folders and inbox
	folders     *kvstore.KVStore[string, *folderInfo]
	inbox       mailer.Folder
	inboxUpdate time.Time
}

func newSession(resolve filter.FolderResolver, inbox mailer.Folder, now func() time.Time) *Session {
	s := &Session{
		active:      make(map[string]*taskInfo),
		closed:      make(chan struct{}),
		resolve:     resolve,
		now:         now,
		folders:     kvstore.New[string, *folderInfo](),
		inbox:       inbox,
		inboxUpdate: now(),
	}
	if inbox != nil {
		inbox.Freeze()
	}
	return s
}

// Folder resolves folder URI for filters and send hooks. Folders are
// kept frozen until the session is over.
func (s *Session) Folder(ctx context.Context, uri string) (mailer.Folder, error) {
	if fi, ok := s.folders.Get(uri); ok {
		return fi.folder, nil
	}

	folder, err := s.resolve(ctx, uri)
	if err != nil {
		return nil, err
	}

	// Same folder could have been resolved meanwhile by another task;
	// first one wins.
	fi, loaded := s.folders.GetOrSet(uri, func() *folderInfo {
		return &folderInfo{uri: uri, folder: folder, update: s.now()}
	})
	if !loaded {
		folder.Freeze()
	}
	return fi.folder, nil
}

// touch lets pending changes of touched folders through now and then.
func (s *Session) touch() {
	now := s.now()
	var refresh []mailer.Folder

	s.mu.Lock()
	s.folders.Range(func(_ string, fi *folderInfo) bool {
		if now.After(fi.update.Add(folderRefresh + time.Duration(fi.count)*folderBackoff)) {
			fi.update = now
			fi.count++
			refresh = append(refresh, fi.folder)
		}
		return true
	})
	if s.inbox != nil && now.After(s.inboxUpdate.Add(inboxRefresh)) {
		s.inboxUpdate = now
		refresh = append(refresh, s.inbox)
	}
	s.mu.Unlock()

	for _, f := range refresh {
		f.Thaw()
		f.Freeze()
	}
}

// release thaws every folder held by session and returns them.
func (s *Session) release() []mailer.Folder {
	folders := make([]mailer.Folder, 0, s.folders.Len()+1)
	for _, fi := range s.folders.Values() {
		folders = append(folders, fi.folder)
	}
	if s.inbox != nil {
		folders = append(folders, s.inbox)
	}

	for _, f := range folders {
		f.Thaw()
	}
	return folders
}

func (s *Session) setStatus(info *taskInfo, what string, percent int) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	info.what = what
	info.percent = percent
	info.dirty = true
}

func (s *Session) setPercent(info *taskInfo, percent int) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	info.percent = percent
	info.dirty = true
}

func (s *Session) setService(info *taskInfo, svc mailer.Service) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	info.service = svc
	info.dirty = true
}

// snapshot returns status of info. Dirty mark is cleared when clear is set.
func (s *Session) snapshot(info *taskInfo, state State, clear bool) (Status, bool) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	dirty := info.dirty
	if clear {
		info.dirty = false
	}
	return Status{
		Source:  info.id,
		Kind:    info.kind.String(),
		Service: accounts.PrettyURL(info.service),
		What:    info.what,
		Percent: info.percent,
		State:   state,
	}, dirty
}
