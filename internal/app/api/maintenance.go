package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hickar/sendrecv/internal/app/mailer"
)

func ListAccounts(m AccountManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, m.Accounts())
	}
}

// ReloadAccounts re-reads configuration and reports accounts changed.
func ReloadAccounts(m AccountManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		changes, err := m.Reload()
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, changes)
	}
}

func Tasks(m Maintainer) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"tasks": nonNil(m.Tasks())})
	}
}

type syncFolderRequest struct {
	Folder    string `json:"folder" binding:"required"`
	Expunge   bool   `json:"expunge"`
	PurgeJunk bool   `json:"purge_junk"`
}

func SyncFolder(m Maintainer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req syncFolderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := m.SyncFolder(c.Request.Context(), req.Folder, req.Expunge, req.PurgeJunk); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "done", "folder": req.Folder})
	}
}

type syncStoreRequest struct {
	Expunge bool `json:"expunge"`
}

func SyncStore(m Maintainer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req syncStoreRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		uid := c.Param("store")
		if err := m.SyncStore(c.Request.Context(), uid, req.Expunge); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "done", "store": uid})
	}
}

func EmptyTrash(m Maintainer) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := c.Param("store")
		if err := m.EmptyTrash(c.Request.Context(), uid); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "done", "store": uid})
	}
}

type transferRequest struct {
	From string `json:"from" binding:"required"`
	To   string `json:"to" binding:"required"`
	// UIDs to transfer. Empty means every message of source.
	UIDs []string `json:"uids"`
	Move bool     `json:"move"`
}

func Transfer(m Maintainer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req transferRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := m.Transfer(c.Request.Context(), req.From, req.To, req.UIDs, req.Move); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "done"})
	}
}

func abortWithError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, mailer.ErrURLInvalid):
		code = http.StatusBadRequest
	case errors.Is(err, mailer.ErrNotFound), errors.Is(err, mailer.ErrFolderInvalid):
		code = http.StatusNotFound
	case mailer.IsCancelled(err):
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
