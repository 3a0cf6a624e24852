// Package sendrecv coordinates send/receive sessions: it classifies
// enabled accounts, starts a fetch, refresh or send task for each of them
// and reports their progress to a Presenter.
package sendrecv

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hickar/sendrecv/internal/app/accounts"
	"github.com/hickar/sendrecv/internal/app/config"
	"github.com/hickar/sendrecv/internal/app/filter"
	"github.com/hickar/sendrecv/internal/app/localstore"
	"github.com/hickar/sendrecv/internal/app/mailer"
	"github.com/hickar/sendrecv/internal/app/mailops"
	"github.com/hickar/sendrecv/internal/app/taskq"
	"github.com/hickar/sendrecv/internal/app/uidcache"
	"github.com/hickar/sendrecv/internal/pkg/logger"
	"github.com/hickar/sendrecv/internal/pkg/scheduler"
)

// SendKey identifies the outbox send task among active sources.
const SendKey = "send-task:"

type Options struct {
	Registry *accounts.Registry
	Runner   *taskq.Runner
	// UIDs enables incremental fetch. Optional.
	UIDs      *uidcache.DB
	Rules     []filter.Rule
	Presenter Presenter
	// Notify is called for messages matched by notification rules.
	Notify filter.NotifyFunc

	FetchOrder     config.FetchOrder
	SpoolDir       string
	StatusInterval time.Duration
	// TaskTimeout bounds every task. Zero means no limit.
	TaskTimeout time.Duration
	Mailer      string
}

// Coordinator owns at most one send/receive session at a time.
type Coordinator struct {
	opts      Options
	presenter Presenter
	logger    *slog.Logger
	now       func() time.Time

	base   context.Context
	stop   context.CancelFunc
	online atomic.Bool

	mu      sync.Mutex
	session *Session
}

func New(opts Options, log *slog.Logger) *Coordinator {
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 250 * time.Millisecond
	}
	if opts.FetchOrder == "" {
		opts.FetchOrder = config.FetchNewestFirst
	}

	c := &Coordinator{
		opts:      opts,
		presenter: opts.Presenter,
		logger:    log.With(slog.String("module", "sendrecv")),
		now:       time.Now,
	}
	if c.presenter == nil {
		c.presenter = nopPresenter{}
	}
	c.base, c.stop = context.WithCancel(context.Background())
	c.online.Store(true)

	return c
}

// SetOnline switches network state. Nothing is started while offline.
func (c *Coordinator) SetOnline(online bool) { c.online.Store(online) }

func (c *Coordinator) Online() bool { return c.online.Load() }

// SendReceive starts receiving from every enabled account not being
// received from already and, when allowSend is set, flushes the outbox.
// It returns sources started.
func (c *Coordinator) SendReceive(allowSend bool) []string {
	if !c.Online() {
		return nil
	}

	var transport mailer.Transport
	if allowSend {
		transport = c.sendTransport()
	}

	inbox := c.localInbox()
	c.mu.Lock()
	s := c.setupLocked(inbox)

	var started []*taskInfo
	for _, acc := range c.opts.Registry.Enabled() {
		if acc.Store == nil {
			continue
		}
		if info := c.receiveInfoLocked(s, acc.Store, acc); info != nil {
			started = append(started, info)
		}
	}
	if transport != nil {
		if _, ok := s.active[SendKey]; !ok {
			started = append(started, c.sendInfoLocked(s, transport))
		}
	}

	idle := c.dropIfIdleLocked(s)
	c.mu.Unlock()

	if idle {
		c.teardown(s)
		return nil
	}

	ids := make([]string, 0, len(started))
	for _, info := range started {
		ids = append(ids, info.id)
		c.start(s, info)
	}
	return ids
}

// Receive is SendReceive without sending.
func (c *Coordinator) Receive() []string { return c.SendReceive(false) }

// ReceiveService starts receiving from single incoming service. It
// reports whether a task was started.
func (c *Coordinator) ReceiveService(uid string) bool {
	if !c.Online() {
		return false
	}

	svc, ok := c.opts.Registry.Service(uid)
	if !ok {
		return false
	}
	switch accounts.Classify(svc) {
	case accounts.KindInvalid, accounts.KindTransport:
		return false
	}

	var owner *accounts.Account
	for _, acc := range c.opts.Registry.Accounts() {
		if acc.Store != nil && acc.Store.UID() == uid {
			owner = acc
			break
		}
	}

	inbox := c.localInbox()
	c.mu.Lock()
	if s := c.session; s != nil {
		if _, ok := s.active[uid]; ok {
			c.mu.Unlock()
			return false
		}
	}
	s := c.setupLocked(inbox)
	info := c.receiveInfoLocked(s, svc, owner)
	c.mu.Unlock()

	c.start(s, info)
	return true
}

// Send flushes the outbox through the default transport. A request made
// while the outbox is being sent makes it send once more afterwards.
func (c *Coordinator) Send() bool {
	if !c.Online() {
		return false
	}
	if c.againIfSending() {
		return true
	}

	transport := c.sendTransport()
	if transport == nil {
		return false
	}

	inbox := c.localInbox()
	c.mu.Lock()
	s := c.setupLocked(inbox)
	if info, ok := s.active[SendKey]; ok {
		info.again++
		c.mu.Unlock()
		return true
	}
	info := c.sendInfoLocked(s, transport)
	c.mu.Unlock()

	c.start(s, info)
	return true
}

func (c *Coordinator) againIfSending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return false
	}
	info, ok := c.session.active[SendKey]
	if ok {
		info.again++
	}
	return ok
}

// sendTransport returns default transport, or nil when there is none.
// Whether outbox has anything to send is up to the send task.
func (c *Coordinator) sendTransport() mailer.Transport {
	transport, err := c.opts.Registry.DefaultTransport()
	if err != nil || accounts.Classify(transport) != accounts.KindTransport {
		return nil
	}
	return transport
}

// Cancel cancels active task of source. It reports whether there was one.
func (c *Coordinator) Cancel(source string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.session
	if s == nil {
		return false
	}
	info, ok := s.active[source]
	if !ok {
		return false
	}
	c.cancelLocked(s, info)
	return true
}

// CancelAll cancels every active task. It has effect once per session.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.session
	if s == nil || s.cancelled {
		return
	}
	s.cancelled = true
	for _, info := range s.active {
		c.cancelLocked(s, info)
	}
}

func (c *Coordinator) cancelLocked(s *Session, info *taskInfo) {
	if info.state != StateActive {
		return
	}
	info.cancel()
	info.state = StateCancelled

	s.statusMu.Lock()
	info.what = "Canceling..."
	info.dirty = true
	s.statusMu.Unlock()
}

// Status returns progress of every active task, ordered by source.
func (c *Coordinator) Status() []Status {
	c.mu.Lock()
	s := c.session
	if s == nil {
		c.mu.Unlock()
		return nil
	}
	out := make([]Status, 0, len(s.active))
	for _, info := range s.active {
		st, _ := s.snapshot(info, info.state, false)
		out = append(out, st)
	}
	c.mu.Unlock()

	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.Source, b.Source) })
	return out
}

// Wait blocks until current session, if any, is over.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	select {
	case <-s.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels running session and waits for it to be over.
func (c *Coordinator) Close(ctx context.Context) error {
	c.SetOnline(false)
	c.CancelAll()
	err := c.Wait(ctx)
	c.stop()
	return err
}

// localInbox opens the local Inbox, the destination of fetched mail.
func (c *Coordinator) localInbox() mailer.Folder {
	inbox, err := c.opts.Registry.LocalFolder(c.base, localstore.Inbox)
	if err != nil {
		c.logger.Error("unable to open local inbox", slog.Any("err", err))
		return nil
	}
	return inbox
}

// setupLocked returns current session or starts one delivering into
// inbox.
func (c *Coordinator) setupLocked(inbox mailer.Folder) *Session {
	if c.session != nil {
		return c.session
	}

	s := newSession(c.opts.Registry.ResolveFolder, inbox, c.now)
	c.session = s

	err := s.pump.ScheduleWithCtx(c.base, scheduler.Settings{
		Interval: c.opts.StatusInterval,
		Callback: func() { c.pushStatus(s) },
	})
	if err != nil {
		c.logger.Error("unable to start status updates", slog.Any("err", err))
	}

	c.logger.Debug("send/receive session started")
	return s
}

// dropIfIdleLocked detaches session having no active task. Caller has
// to tear it down after releasing the lock.
func (c *Coordinator) dropIfIdleLocked(s *Session) bool {
	if len(s.active) > 0 || c.session != s {
		return false
	}
	c.session = nil
	return true
}

func (c *Coordinator) newInfoLocked(s *Session, id string, kind accounts.Kind, svc mailer.Service) *taskInfo {
	parent := logger.WithAttrs(c.base, slog.String("source", id))

	info := &taskInfo{
		id:      id,
		kind:    kind,
		service: svc,
		state:   StateActive,
		what:    "Waiting...",
	}
	if kind == accounts.KindSync {
		info.what = "Updating..."
	}
	if c.opts.TaskTimeout > 0 {
		info.ctx, info.cancel = context.WithTimeout(parent, c.opts.TaskTimeout)
	} else {
		info.ctx, info.cancel = context.WithCancel(parent)
	}

	s.active[id] = info
	return info
}

func (c *Coordinator) receiveInfoLocked(s *Session, svc mailer.Service, acc *accounts.Account) *taskInfo {
	uid := svc.UID()
	if _, ok := s.active[uid]; ok {
		return nil
	}

	kind := accounts.Classify(svc)
	if kind == accounts.KindInvalid || kind == accounts.KindTransport {
		return nil
	}

	info := c.newInfoLocked(s, uid, kind, svc)
	if acc != nil {
		info.keepOnServer = acc.KeepOnServer
	}
	return info
}

func (c *Coordinator) sendInfoLocked(s *Session, transport mailer.Transport) *taskInfo {
	info := c.newInfoLocked(s, SendKey, accounts.KindTransport, transport)
	for _, acc := range c.opts.Registry.Accounts() {
		if acc.Transport == transport {
			info.sender = acc.Sender
			break
		}
	}
	return info
}

func (c *Coordinator) start(s *Session, info *taskInfo) {
	switch info.kind {
	case accounts.KindDownload:
		c.startFetch(s, info)
	case accounts.KindSync:
		c.startRefresh(s, info)
	case accounts.KindTransport:
		c.startSend(s, info)
	}
}

func (c *Coordinator) newDriver(s *Session, info *taskInfo, source filter.Source) *filter.Driver {
	d := filter.NewDriver(c.opts.Rules, source, s.Folder, c.logger)
	d.SetStatusFunc(c.statusFunc(s, info))
	d.SetNotifyFunc(c.opts.Notify)
	c.logger.DebugContext(info.ctx, "filtering mail",
		slog.String("source", info.id), slog.Any("rules", d.Rules()))
	return d
}

func (c *Coordinator) startFetch(s *Session, info *taskInfo) {
	var cache *uidcache.Cache
	if c.opts.UIDs != nil {
		var err error
		if cache, err = c.opts.UIDs.Cache(info.id); err != nil {
			// Fetch goes on filtering everything.
			c.logger.WarnContext(info.ctx, "uid cache unavailable", slog.Any("err", err))
			cache = nil
		}
	}

	if s.inbox == nil {
		c.opts.Runner.Unordered(info.ctx, &taskq.Func{
			Label:  "Fetching mail",
			Run:    func(context.Context) error { return fmt.Errorf("local inbox: %w", mailer.ErrFolderInvalid) },
			OnDone: func(err error) { c.done(s, info, err) },
		})
		return
	}

	task := mailops.NewFetchMailTask(info.service, mailops.FetchOptions{
		Destination:  s.inbox,
		Driver:       c.newDriver(s, info, filter.SourceIncoming),
		Cache:        cache,
		KeepOnServer: info.keepOnServer,
		Order:        c.opts.FetchOrder,
		SpoolDir:     c.opts.SpoolDir,
	}, c.logger)
	task.OnDone = func(err error) { c.done(s, info, err) }

	c.opts.Runner.Unordered(info.ctx, task)
}

// startRefresh lists folders of synchronized store, then refreshes them
// in a sub-task cancelled together with the source.
func (c *Coordinator) startRefresh(s *Session, info *taskInfo) {
	store, ok := info.service.(mailer.Store)
	if !ok {
		c.done(s, info, fmt.Errorf("%s: %w", info.id, mailer.ErrNotSupported))
		return
	}

	var tree []*mailer.FolderInfo
	c.opts.Runner.Unordered(info.ctx, &taskq.Func{
		Label: fmt.Sprintf("Updating folders of '%s'", accounts.PrettyURL(store)),
		Run: func(ctx context.Context) (err error) {
			tree, err = mailops.ListFolders(ctx, store)
			return err
		},
		OnDone: func(err error) {
			if err != nil {
				c.done(s, info, err)
				return
			}

			refresh := mailops.NewRefreshStoreTask(store, c.progressFunc(s, info), c.logger).WithTree(tree)
			refresh.OnDone = func(err error) { c.done(s, info, err) }
			c.opts.Runner.Unordered(info.ctx, refresh)
		},
	})
}

func (c *Coordinator) startSend(s *Session, info *taskInfo) {
	transport, _ := info.service.(mailer.Transport)
	task := mailops.NewSendQueueTask(mailops.SendOptions{
		Open:       c.sendFolders,
		Transport:  transport,
		Driver:     c.newDriver(s, info, filter.SourceOutgoing),
		Resolve:    s.Folder,
		Transports: c.opts.Registry.Transport,
		Status:     c.statusFunc(s, info),
		Mailer:     c.opts.Mailer,
		Sender:     info.sender,
	}, c.logger)
	task.OnDone = func(err error) { c.done(s, info, err) }

	c.opts.Runner.Ordered(info.ctx, SendKey, task)
}

// sendFolders opens outbox and local Sent folder for send task.
func (c *Coordinator) sendFolders(ctx context.Context) (mailer.Folder, mailer.Folder, error) {
	outbox, err := c.opts.Registry.LocalFolder(ctx, localstore.Outbox)
	if err != nil {
		return nil, nil, err
	}
	sent, err := c.opts.Registry.LocalFolder(ctx, localstore.Sent)
	if err != nil {
		c.logger.WarnContext(ctx, "local sent folder unavailable", slog.Any("err", err))
		sent = nil
	}
	return outbox, sent, nil
}

// statusFunc receives filter and send progress of info.
func (c *Coordinator) statusFunc(s *Session, info *taskInfo) filter.StatusFunc {
	return func(kind filter.StatusKind, percent int, desc string) {
		s.touch()

		switch kind {
		case filter.StatusStart, filter.StatusEnd:
			s.setStatus(info, desc, percent)
		case filter.StatusProgress:
			s.setPercent(info, percent)
		case filter.StatusAction:
			// Send task reports transport of every message.
			if svc, ok := c.opts.Registry.Service(desc); ok {
				if t, ok := svc.(mailer.Transport); ok {
					s.setService(info, t)
				}
			}
		}
	}
}

func (c *Coordinator) progressFunc(s *Session, info *taskInfo) mailops.ProgressFunc {
	return func(percent int, desc string) {
		c.mu.Lock()
		cancelled := info.state == StateCancelled
		c.mu.Unlock()
		if cancelled {
			return
		}

		if desc != "" {
			s.setStatus(info, desc, percent)
			return
		}
		s.setPercent(info, percent)
	}
}

// done runs when task of info is over, on the runner dispatcher.
func (c *Coordinator) done(s *Session, info *taskInfo, err error) {
	c.mu.Lock()
	if info.kind == accounts.KindTransport && info.state == StateActive && info.again > 0 {
		info.again = 0
		c.mu.Unlock()

		c.logger.DebugContext(info.ctx, "sending queued mail again")
		c.startSend(s, info)
		return
	}

	text := terminalText(info.state, err)
	info.state = StateComplete
	delete(s.active, info.id)
	idle := c.dropIfIdleLocked(s)
	c.mu.Unlock()

	ctx := info.ctx
	info.cancel()

	switch {
	case err == nil:
		c.logger.InfoContext(ctx, "send/receive task complete")
	case mailer.IsCancelled(err):
		c.logger.InfoContext(ctx, "send/receive task cancelled")
	case mailops.IsWarning(err):
		c.logger.WarnContext(ctx, "send/receive task complete with warnings", slog.Any("err", err))
	default:
		c.logger.ErrorContext(ctx, "send/receive task failed", slog.Any("err", err))
	}

	st, _ := s.snapshot(info, StateComplete, true)
	st.What = text
	st.Percent = 100
	st.Terminal = true
	if err != nil && !mailer.IsCancelled(err) {
		st.Error = err.Error()
	}
	c.presenter.TaskUpdated(st)

	if idle {
		c.teardown(s)
	}
}

// pushStatus reports tasks changed since last push.
func (c *Coordinator) pushStatus(s *Session) {
	c.mu.Lock()
	var changed []Status
	for _, info := range s.active {
		if st, dirty := s.snapshot(info, info.state, true); dirty {
			changed = append(changed, st)
		}
	}
	c.mu.Unlock()

	for _, st := range changed {
		c.presenter.TaskUpdated(st)
	}
}

// teardown flushes folders touched during session s.
func (c *Coordinator) teardown(s *Session) {
	s.pump.Stop()

	for _, f := range s.release() {
		folder := f
		c.opts.Runner.Ordered(c.base, mailops.FolderKey(folder), &mailops.SyncFolderTask{
			Folder: folder,
			OnDone: func(err error) {
				if err != nil {
					c.logger.Warn("unable to sync folder", slog.String("folder", folder.Description()), slog.Any("err", err))
				}
			},
		})
	}

	c.logger.Debug("send/receive session closed")
	c.presenter.SessionClosed()
	close(s.closed)
}
