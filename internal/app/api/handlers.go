package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthCheck provides a simple health check endpoint
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// SendReceive starts receiving from every enabled account and, with
// allowSend, flushes the outbox.
func SendReceive(ctrl Controller, allowSend bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ctrl.Online() {
			c.JSON(http.StatusConflict, gin.H{"error": "offline"})
			return
		}

		started := ctrl.SendReceive(allowSend)
		if started == nil {
			started = []string{}
		}
		c.JSON(http.StatusAccepted, gin.H{"started": started})
	}
}

func ReceiveService(ctrl Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := c.Param("service")
		if !ctrl.ReceiveService(uid) {
			c.JSON(http.StatusConflict, gin.H{"error": "receive not started", "service": uid})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"started": []string{uid}})
	}
}

func Send(ctrl Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ctrl.Send() {
			c.JSON(http.StatusConflict, gin.H{"error": "no transport"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "sending"})
	}
}

type cancelRequest struct {
	// Source of task to cancel. Empty cancels all of them.
	Source string `json:"source"`
}

func Cancel(ctrl Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req cancelRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if req.Source == "" {
			ctrl.CancelAll()
			c.JSON(http.StatusAccepted, gin.H{"status": "canceling"})
			return
		}
		if !ctrl.Cancel(req.Source) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active task", "source": req.Source})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "canceling", "source": req.Source})
	}
}

// Status returns progress of every active task.
func Status(ctrl Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := ctrl.Status()
		if status == nil {
			c.JSON(http.StatusOK, []any{})
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

type onlineRequest struct {
	Online *bool `json:"online" binding:"required"`
}

func Online(ctrl Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"online": ctrl.Online()})
	}
}

func SetOnline(ctrl Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req onlineRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctrl.SetOnline(*req.Online)
		c.JSON(http.StatusOK, gin.H{"online": ctrl.Online()})
	}
}

// Stream pushes progress as server-sent events. The first event carries
// status of tasks active at the time of connection.
func Stream(ctrl Controller, events *Events) gin.HandlerFunc {
	return func(c *gin.Context) {
		ch, unsubscribe := events.Subscribe()
		defer unsubscribe()

		c.Header("Cache-Control", "no-cache")
		c.Header("X-Accel-Buffering", "no")

		status := ctrl.Status()
		if status == nil {
			c.SSEvent("hello", []any{})
		} else {
			c.SSEvent("hello", status)
		}
		c.Writer.Flush()

		c.Stream(func(io.Writer) bool {
			select {
			case ev, ok := <-ch:
				if !ok {
					return false
				}
				switch {
				case ev.Status != nil:
					c.SSEvent(ev.Type, ev.Status)
				case ev.Type == EventFolderChanged:
					c.SSEvent(ev.Type, gin.H{"folder": ev.Folder, "uids": nonNil(ev.UIDs)})
				case ev.Text != "":
					c.SSEvent(ev.Type, gin.H{"text": ev.Text})
				default:
					c.SSEvent(ev.Type, gin.H{})
				}
				return true
			case <-c.Request.Context().Done():
				return false
			}
		})
	}
}
