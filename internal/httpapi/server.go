// Package httpapi is the daemon's HTTP surface: the authenticated push wake
// webhook plus read-only views of the current call and call history.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dense-identity/callsession/internal/call"
	"github.com/dense-identity/callsession/internal/coordinator"
	"github.com/dense-identity/callsession/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const maxPushBody = 16 << 10

// Waker is the part of the coordinator the router drives.
type Waker interface {
	ReceivePush(ctx context.Context, payload []byte) (call.Snapshot, error)
	CurrentSnapshot() call.Snapshot
}

type Options struct {
	Calls   Waker
	History store.HistoryReader
	Auth    *PushAuth
	// HistoryLimit caps GET /v1/history; zero means 100.
	HistoryLimit int
	Log          *logrus.Entry
}

// NewRouter wires every route onto a fresh gin engine.
func NewRouter(opts Options) *gin.Engine {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 100
	}
	h := handlers{opts: opts}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(opts.Log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	{
		v1.POST("/push", RequirePushToken(opts.Auth), h.push)
		v1.GET("/call", h.current)
		v1.GET("/history", h.history)
	}
	return r
}

type handlers struct {
	opts Options
}

func (h handlers) push(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPushBody+1))
	if err != nil || len(body) > maxPushBody {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	snap, err := h.opts.Calls.ReceivePush(c.Request.Context(), body)
	if err != nil {
		status := pushStatus(err)
		if h.opts.Log != nil {
			h.opts.Log.WithError(err).WithField("status", status).Warn("push refused")
		}
		c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, snap)
}

func (h handlers) current(c *gin.Context) {
	c.JSON(http.StatusOK, h.opts.Calls.CurrentSnapshot())
}

func (h handlers) history(c *gin.Context) {
	if h.opts.History == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": "history not available"})
		return
	}
	limit := h.opts.HistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, limit)
	}

	recs, err := h.opts.History.History(c.Request.Context(), limit)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history lookup failed"})
		return
	}
	if recs == nil {
		recs = []call.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"calls": recs})
}

func pushStatus(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrInvalidPush):
		return http.StatusBadRequest
	case errors.Is(err, call.ErrTransactionRejected):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func requestLogger(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		begin := time.Now()
		c.Next()
		if log == nil {
			return
		}
		log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"elapsed": time.Since(begin),
		}).Debug("http request")
	}
}
