package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hickar/sendrecv/internal/app/accounts"
	"github.com/hickar/sendrecv/internal/app/localstore"
	"github.com/hickar/sendrecv/internal/app/mailer"
	"github.com/hickar/sendrecv/internal/app/mailer/mailertest"
	"github.com/hickar/sendrecv/internal/app/sendrecv"
	"github.com/hickar/sendrecv/internal/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeController struct {
	mu        sync.Mutex
	online    bool
	started   []string
	receive   map[string]bool
	send      bool
	allowSend []bool
	cancelled []string
	cancelAll int
	status    []sendrecv.Status
}

func newController() *fakeController {
	return &fakeController{online: true, receive: make(map[string]bool)}
}

func (f *fakeController) SendReceive(allowSend bool) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowSend = append(f.allowSend, allowSend)
	return f.started
}

func (f *fakeController) ReceiveService(uid string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receive[uid]
}

func (f *fakeController) Send() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.send
}

func (f *fakeController) Cancel(source string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, st := range f.status {
		if st.Source == source {
			f.cancelled = append(f.cancelled, source)
			return true
		}
	}
	return false
}

func (f *fakeController) CancelAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelAll++
}

func (f *fakeController) Status() []sendrecv.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeController) Online() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeController) SetOnline(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = online
}

func serve(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestEndpoints(t *testing.T) {
	active := []sendrecv.Status{{Source: "work", Kind: "download", What: "Getting message 1 of 3", State: sendrecv.StateActive}}

	tests := []struct {
		name     string
		setup    func(*fakeController)
		method   string
		path     string
		body     string
		wantCode int
		wantBody string
	}{
		{
			name:     "Health",
			method:   http.MethodGet,
			path:     "/health",
			wantCode: http.StatusOK,
			wantBody: `{"status":"ok"}`,
		},
		{
			name:     "Send and receive",
			setup:    func(f *fakeController) { f.started = []string{"work", sendrecv.SendKey} },
			method:   http.MethodPost,
			path:     "/v1/sendrecv",
			wantCode: http.StatusAccepted,
			wantBody: `{"started":["work","send-task:"]}`,
		},
		{
			name:     "Receive with nothing to do",
			method:   http.MethodPost,
			path:     "/v1/receive",
			wantCode: http.StatusAccepted,
			wantBody: `{"started":[]}`,
		},
		{
			name:     "Offline",
			setup:    func(f *fakeController) { f.online = false },
			method:   http.MethodPost,
			path:     "/v1/sendrecv",
			wantCode: http.StatusConflict,
			wantBody: `{"error":"offline"}`,
		},
		{
			name:     "Receive service",
			setup:    func(f *fakeController) { f.receive["work"] = true },
			method:   http.MethodPost,
			path:     "/v1/receive/work",
			wantCode: http.StatusAccepted,
			wantBody: `{"started":["work"]}`,
		},
		{
			name:     "Receive service rejected",
			method:   http.MethodPost,
			path:     "/v1/receive/home",
			wantCode: http.StatusConflict,
			wantBody: `{"error":"receive not started","service":"home"}`,
		},
		{
			name:     "Send",
			setup:    func(f *fakeController) { f.send = true },
			method:   http.MethodPost,
			path:     "/v1/send",
			wantCode: http.StatusAccepted,
			wantBody: `{"status":"sending"}`,
		},
		{
			name:     "Send without transport",
			method:   http.MethodPost,
			path:     "/v1/send",
			wantCode: http.StatusConflict,
			wantBody: `{"error":"no transport"}`,
		},
		{
			name:     "Cancel one",
			setup:    func(f *fakeController) { f.status = active },
			method:   http.MethodPost,
			path:     "/v1/cancel",
			body:     `{"source":"work"}`,
			wantCode: http.StatusAccepted,
			wantBody: `{"source":"work","status":"canceling"}`,
		},
		{
			name:     "Cancel unknown",
			method:   http.MethodPost,
			path:     "/v1/cancel",
			body:     `{"source":"home"}`,
			wantCode: http.StatusNotFound,
			wantBody: `{"error":"no active task","source":"home"}`,
		},
		{
			name:     "Cancel all",
			method:   http.MethodPost,
			path:     "/v1/cancel",
			wantCode: http.StatusAccepted,
			wantBody: `{"status":"canceling"}`,
		},
		{
			name:     "Cancel malformed",
			method:   http.MethodPost,
			path:     "/v1/cancel",
			body:     `{"source":`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "Status",
			setup:    func(f *fakeController) { f.status = active },
			method:   http.MethodGet,
			path:     "/v1/status",
			wantCode: http.StatusOK,
			wantBody: `[{"source":"work","kind":"download","service":"","what":"Getting message 1 of 3","percent":0,"state":"active","terminal":false}]`,
		},
		{
			name:     "Status when idle",
			method:   http.MethodGet,
			path:     "/v1/status",
			wantCode: http.StatusOK,
			wantBody: `[]`,
		},
		{
			name:     "Go offline",
			method:   http.MethodPut,
			path:     "/v1/online",
			body:     `{"online":false}`,
			wantCode: http.StatusOK,
			wantBody: `{"online":false}`,
		},
		{
			name:     "Online state required",
			method:   http.MethodPut,
			path:     "/v1/online",
			body:     `{}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "Online state",
			method:   http.MethodGet,
			path:     "/v1/online",
			wantCode: http.StatusOK,
			wantBody: `{"online":true}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := newController()
			if tt.setup != nil {
				tt.setup(ctrl)
			}
			router := NewRouter(ctrl, NewEvents(0), "", logger.Discard())

			rec := serve(t, router, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, rec.Body.String())
			}
		})
	}
}

func TestSendReceiveFlags(t *testing.T) {
	ctrl := newController()
	router := NewRouter(ctrl, nil, "", logger.Discard())

	serve(t, router, http.MethodPost, "/v1/sendrecv", "")
	serve(t, router, http.MethodPost, "/v1/receive", "")
	serve(t, router, http.MethodPost, "/v1/cancel", "")

	assert.Equal(t, []bool{true, false}, ctrl.allowSend)
	assert.Equal(t, 1, ctrl.cancelAll)

	// Stream is not served without events.
	rec := serve(t, router, http.MethodGet, "/v1/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIKey(t *testing.T) {
	router := NewRouter(newController(), nil, "secret", logger.Discard())

	tests := []struct {
		name     string
		header   []string
		wantCode int
	}{
		{name: "Missing", wantCode: http.StatusUnauthorized},
		{name: "Invalid", header: []string{APIKeyHeader, "guess"}, wantCode: http.StatusUnauthorized},
		{name: "Valid", header: []string{APIKeyHeader, " secret "}, wantCode: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, router, http.MethodGet, "/v1/status", "", tt.header...)
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}

	// Health check needs no key.
	assert.Equal(t, http.StatusOK, serve(t, router, http.MethodGet, "/health", "").Code)
}

func TestEventsFanOut(t *testing.T) {
	events := NewEvents(1)
	first, unsubscribeFirst := events.Subscribe()
	second, unsubscribeSecond := events.Subscribe()
	defer unsubscribeSecond()

	events.TaskUpdated(sendrecv.Status{Source: "work"})
	// Buffer is full, event is dropped.
	events.SessionClosed()

	for _, ch := range []<-chan Event{first, second} {
		ev := <-ch
		assert.Equal(t, EventStatus, ev.Type)
		require.NotNil(t, ev.Status)
		assert.Equal(t, "work", ev.Status.Source)
		assert.Empty(t, ch)
	}

	unsubscribeFirst()
	unsubscribeFirst()
	_, ok := <-first
	assert.False(t, ok)

	events.SessionClosed()
	assert.Equal(t, EventSessionClosed, (<-second).Type)
}

func TestStream(t *testing.T) {
	ctrl := newController()
	ctrl.status = []sendrecv.Status{{Source: "work", State: sendrecv.StateActive}}
	events := NewEvents(0)

	srv := httptest.NewServer(NewRouter(ctrl, events, "", logger.Discard()))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	next := func(event string) string {
		t.Helper()
		for {
			line, err := r.ReadString('\n')
			require.NoError(t, err)
			if strings.TrimSpace(line) != "event:"+event {
				continue
			}
			data, err := r.ReadString('\n')
			require.NoError(t, err)
			return strings.TrimPrefix(strings.TrimSpace(data), "data:")
		}
	}

	var hello []sendrecv.Status
	require.NoError(t, json.Unmarshal([]byte(next("hello")), &hello))
	require.Len(t, hello, 1)
	assert.Equal(t, "work", hello[0].Source)

	events.TaskUpdated(sendrecv.Status{Source: "work", What: "Complete.", Terminal: true, State: sendrecv.StateComplete})
	var st map[string]any
	require.NoError(t, json.Unmarshal([]byte(next(EventStatus)), &st))
	assert.Equal(t, "Complete.", st["what"])
	assert.Equal(t, "complete", st["state"])
	assert.Equal(t, true, st["terminal"])

	events.NewMail(context.Background(), "New mail\nSubject: Hello")
	var note map[string]string
	require.NoError(t, json.Unmarshal([]byte(next(EventNewMail)), &note))
	assert.Equal(t, "New mail\nSubject: Hello", note["text"])

	store := mailertest.NewStore("local", "maildir:///var/mail", mailer.Provider{})
	events.FolderChanged(store.AddFolder("Inbox"), []string{"1", "2"})
	var changed struct {
		Folder string   `json:"folder"`
		UIDs   []string `json:"uids"`
	}
	require.NoError(t, json.Unmarshal([]byte(next(EventFolderChanged)), &changed))
	assert.Equal(t, "folder://local/Inbox", changed.Folder)
	assert.Equal(t, []string{"1", "2"}, changed.UIDs)

	events.SessionClosed()
	assert.Equal(t, "{}", next(EventSessionClosed))
}

func TestEventsFolderChangedFromLocalStore(t *testing.T) {
	local, err := localstore.Open(t.TempDir(), logger.Discard())
	require.NoError(t, err)

	events := NewEvents(4)
	ch, unsubscribe := events.Subscribe()
	defer unsubscribe()
	local.SetChangeFunc(events.FolderChanged)

	ctx := context.Background()
	inbox, err := local.Folder(ctx, localstore.Inbox)
	require.NoError(t, err)
	msg, err := mailer.ParseMessage([]byte("Subject: hello\r\n\r\nbody\r\n"))
	require.NoError(t, err)
	uid, err := inbox.Append(ctx, msg, 0)
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, EventFolderChanged, ev.Type)
		assert.Equal(t, accounts.FolderURI(localstore.UID, localstore.Inbox), ev.Folder)
		assert.Contains(t, ev.UIDs, uid)
	case <-time.After(5 * time.Second):
		t.Fatal("folder change was not published")
	}
}
