package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hickar/sendrecv/internal/app/accounts"
	"github.com/hickar/sendrecv/internal/app/mailer"
	"github.com/hickar/sendrecv/internal/pkg/logger"
)

type fakeAccounts struct {
	reloads   int
	reloadErr error
}

func (f *fakeAccounts) Accounts() []accounts.Summary {
	return []accounts.Summary{{
		ID:          "work",
		Enabled:     true,
		Sources:     []accounts.SourceSummary{{ID: "work", Kind: "download", Location: "pop3s: me@pop.example.com"}},
		CheckPeriod: "5m0s",
	}}
}

func (f *fakeAccounts) Reload() (accounts.Changes, error) {
	f.reloads++
	if f.reloadErr != nil {
		return accounts.Changes{}, f.reloadErr
	}
	return accounts.Changes{Added: []string{"home"}}, nil
}

type fakeMaintainer struct {
	calls []string
	err   error
	tasks []string
}

func (f *fakeMaintainer) SyncFolder(_ context.Context, uri string, expunge, purgeJunk bool) error {
	f.calls = append(f.calls, fmt.Sprintf("sync-folder %s %t %t", uri, expunge, purgeJunk))
	return f.err
}

func (f *fakeMaintainer) SyncStore(_ context.Context, uid string, expunge bool) error {
	f.calls = append(f.calls, fmt.Sprintf("sync-store %s %t", uid, expunge))
	return f.err
}

func (f *fakeMaintainer) EmptyTrash(_ context.Context, uid string) error {
	f.calls = append(f.calls, "empty-trash "+uid)
	return f.err
}

func (f *fakeMaintainer) Transfer(_ context.Context, from, to string, uids []string, move bool) error {
	f.calls = append(f.calls, fmt.Sprintf("transfer %s %s %v %t", from, to, uids, move))
	return f.err
}

func (f *fakeMaintainer) Tasks() []string { return f.tasks }

func TestAccountEndpoints(t *testing.T) {
	accs := &fakeAccounts{}
	router := NewRouter(newController(), nil, "", logger.Discard(), WithAccounts(accs))

	rec := serve(t, router, http.MethodGet, "/v1/accounts", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"id":"work","enabled":true,"check_period":"5m0s",
		"sources":[{"id":"work","kind":"download","location":"pop3s: me@pop.example.com"}]}]`, rec.Body.String())

	rec = serve(t, router, http.MethodPost, "/v1/accounts/reload", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"added":["home"],"updated":null,"removed":null}`, rec.Body.String())

	accs.reloadErr = errors.New("bad yaml")
	rec = serve(t, router, http.MethodPost, "/v1/accounts/reload", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.JSONEq(t, `{"error":"bad yaml"}`, rec.Body.String())
	assert.Equal(t, 2, accs.reloads)

	// Maintenance routes are not served without maintainer.
	assert.Equal(t, http.StatusNotFound, serve(t, router, http.MethodGet, "/v1/tasks", "").Code)
}

func TestMaintenanceEndpoints(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		method   string
		path     string
		body     string
		wantCode int
		wantBody string
		wantCall string
	}{
		{
			name:     "Tasks",
			method:   http.MethodGet,
			path:     "/v1/tasks",
			wantCode: http.StatusOK,
			wantBody: `{"tasks":[]}`,
		},
		{
			name:     "Expunge folder",
			method:   http.MethodPost,
			path:     "/v1/folders/sync",
			body:     `{"folder":"folder://work/INBOX","expunge":true,"purge_junk":true}`,
			wantCode: http.StatusOK,
			wantBody: `{"status":"done","folder":"folder://work/INBOX"}`,
			wantCall: "sync-folder folder://work/INBOX true true",
		},
		{
			name:     "Folder missing",
			method:   http.MethodPost,
			path:     "/v1/folders/sync",
			body:     `{}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "Sync store",
			method:   http.MethodPost,
			path:     "/v1/stores/work/sync",
			wantCode: http.StatusOK,
			wantBody: `{"status":"done","store":"work"}`,
			wantCall: "sync-store work false",
		},
		{
			name:     "Empty trash",
			method:   http.MethodPost,
			path:     "/v1/stores/work/empty-trash",
			wantCode: http.StatusOK,
			wantCall: "empty-trash work",
		},
		{
			name:     "Unknown store",
			err:      fmt.Errorf("store %q: %w", "nope", mailer.ErrNotFound),
			method:   http.MethodPost,
			path:     "/v1/stores/nope/empty-trash",
			wantCode: http.StatusNotFound,
			wantCall: "empty-trash nope",
		},
		{
			name:     "Transfer",
			method:   http.MethodPost,
			path:     "/v1/transfer",
			body:     `{"from":"folder://work/INBOX","to":"folder://local/Inbox","uids":["1"],"move":true}`,
			wantCode: http.StatusOK,
			wantCall: "transfer folder://work/INBOX folder://local/Inbox [1] true",
		},
		{
			name:     "Transfer bad uri",
			err:      mailer.ErrURLInvalid,
			method:   http.MethodPost,
			path:     "/v1/transfer",
			body:     `{"from":"inbox","to":"folder://local/Inbox"}`,
			wantCode: http.StatusBadRequest,
			wantCall: "transfer inbox folder://local/Inbox [] false",
		},
		{
			name:     "Task failure",
			err:      errors.New("connection reset"),
			method:   http.MethodPost,
			path:     "/v1/stores/work/sync",
			body:     `{"expunge":true}`,
			wantCode: http.StatusInternalServerError,
			wantBody: `{"error":"connection reset"}`,
			wantCall: "sync-store work true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &fakeMaintainer{err: tt.err}
			router := NewRouter(newController(), nil, "", logger.Discard(), WithMaintenance(m))

			rec := serve(t, router, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, rec.Body.String())
			}
			if tt.wantCall != "" {
				assert.Equal(t, []string{tt.wantCall}, m.calls)
			} else {
				assert.Empty(t, m.calls)
			}
		})
	}
}
