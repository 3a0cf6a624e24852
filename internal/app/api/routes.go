// Package api exposes send/receive control and progress over HTTP.
package api

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/hickar/sendrecv/internal/app/accounts"
	"github.com/hickar/sendrecv/internal/app/sendrecv"
)

// APIKeyHeader carries the key checked when API key is configured.
const APIKeyHeader = "X-API-Key"

// Controller drives send/receive sessions.
type Controller interface {
	SendReceive(allowSend bool) []string
	ReceiveService(uid string) bool
	Send() bool
	Cancel(source string) bool
	CancelAll()
	Status() []sendrecv.Status
	Online() bool
	SetOnline(online bool)
}

// AccountManager lists accounts and re-reads them from configuration.
type AccountManager interface {
	Accounts() []accounts.Summary
	Reload() (accounts.Changes, error)
}

// Maintainer runs folder and store operations.
type Maintainer interface {
	SyncFolder(ctx context.Context, uri string, expunge, purgeJunk bool) error
	SyncStore(ctx context.Context, uid string, expunge bool) error
	EmptyTrash(ctx context.Context, uid string) error
	Transfer(ctx context.Context, from, to string, uids []string, move bool) error
	Tasks() []string
}

type routes struct {
	accounts    AccountManager
	maintenance Maintainer
}

// Option enables optional endpoint groups.
type Option func(*routes)

func WithAccounts(m AccountManager) Option {
	return func(r *routes) { r.accounts = m }
}

func WithMaintenance(m Maintainer) Option {
	return func(r *routes) { r.maintenance = m }
}

// NewRouter builds engine serving every endpoint.
func NewRouter(ctrl Controller, events *Events, apiKey string, log *slog.Logger, opts ...Option) *gin.Engine {
	r := gin.New()
	RegisterRoutes(r, ctrl, events, apiKey, log.With(slog.String("module", "api")), opts...)
	return r
}

// RegisterRoutes sets up API endpoints on r.
func RegisterRoutes(r *gin.Engine, ctrl Controller, events *Events, apiKey string, log *slog.Logger, opts ...Option) {
	var extra routes
	for _, opt := range opts {
		opt(&extra)
	}

	r.Use(gin.Recovery())
	r.Use(RequestLogger(log))

	r.GET("/health", HealthCheck)

	v1 := r.Group("/v1")
	if apiKey != "" {
		v1.Use(APIKeyMiddleware(APIKeyHeader, apiKey))
	}
	{
		v1.POST("/sendrecv", SendReceive(ctrl, true))
		v1.POST("/receive", SendReceive(ctrl, false))
		v1.POST("/receive/:service", ReceiveService(ctrl))
		v1.POST("/send", Send(ctrl))
		v1.POST("/cancel", Cancel(ctrl))
		v1.GET("/status", Status(ctrl))
		v1.GET("/online", Online(ctrl))
		v1.PUT("/online", SetOnline(ctrl))
		if events != nil {
			v1.GET("/events", Stream(ctrl, events))
		}
		if m := extra.accounts; m != nil {
			v1.GET("/accounts", ListAccounts(m))
			v1.POST("/accounts/reload", ReloadAccounts(m))
		}
		if m := extra.maintenance; m != nil {
			v1.GET("/tasks", Tasks(m))
			v1.POST("/folders/sync", SyncFolder(m))
			v1.POST("/stores/:store/sync", SyncStore(m))
			v1.POST("/stores/:store/empty-trash", EmptyTrash(m))
			v1.POST("/transfer", Transfer(m))
		}
	}
}
