package routers

import (
	"context"
	"net/http"
	"time"

	"github.com/EasyDarwin/EasyCapture/capture"
	"github.com/EasyDarwin/EasyCapture/log"
	"github.com/EasyDarwin/EasyCapture/models"
	"github.com/EasyDarwin/EasyCapture/utils"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
)

var (
	BuildVersion  = "v1.0.0"
	BuildDateTime = ""
)

// InternalTokenHeader carries the pre-shared token when http.internal_token is set.
const InternalTokenHeader = "X-Internal-Token"

type StreamRegistry interface {
	Start(key capture.Key, p capture.StartParams) (*capture.Recorder, error)
	Stop(key capture.Key) bool
	Update(key capture.Key, p capture.UpdateParams) (*capture.UpdateResult, error)
	List() []models.Stream
}

type SegmentStore interface {
	List(ctx context.Context, status models.SegmentStatus, limit int) ([]models.Segment, error)
	Counts(ctx context.Context) (map[models.SegmentStatus]int64, error)
}

type APIHandler struct {
	Registry    StreamRegistry
	Outbox      SegmentStore
	CaptureRoot string
	Token       string
}

var Router *gin.Engine

func Init(h *APIHandler) (err error) {
	if !utils.Conf().GetBool("debug") {
		gin.SetMode(gin.ReleaseMode)
	}
	Router = NewRouter(h, utils.Conf().GetBool("http.pprof"))
	return
}

func NewRouter(h *APIHandler, withPprof bool) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), accessLog())
	if withPprof {
		pprof.Register(r)
	}

	r.GET("/healthz", h.Healthz)

	api := r.Group("/api/v1", h.authorize)
	{
		api.GET("/streams", h.Streams)
		api.POST("/streams/start", h.StreamStart)
		api.POST("/streams/stop", h.StreamStop)
		api.PATCH("/streams/update", h.StreamUpdate)

		api.GET("/segments", h.Segments)
		api.GET("/segments/stats", h.SegmentStats)
	}
	return r
}

func (h *APIHandler) authorize(c *gin.Context) {
	if h.Token == "" {
		return
	}
	if c.GetHeader(InternalTokenHeader) != h.Token {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "unauthorized"})
	}
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"client":  c.ClientIP(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("http request")
		} else {
			entry.Debug("http request")
		}
	}
}
