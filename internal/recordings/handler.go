package recordings

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-webinar/recording-ingester/internal/intake"
	"github.com/aura-webinar/recording-ingester/internal/ledger"
	"github.com/aura-webinar/recording-ingester/internal/middleware"
	"github.com/aura-webinar/recording-ingester/pkg/logging"
	"github.com/aura-webinar/recording-ingester/pkg/queue"
	"github.com/aura-webinar/recording-ingester/pkg/response"
	"github.com/aura-webinar/recording-ingester/pkg/storage"
)

const (
	historyLimit     = 100
	deadLetterLimit  = 20
	maxDeadLetterTop = 500
)

// StatusReader reads the status ledger.
type StatusReader interface {
	Read(ctx context.Context, recordingID string) *ledger.Record
	History(ctx context.Context, recordingID string, limit int) ([]ledger.Event, error)
}

// QueueInspector reports on a stage queue.
type QueueInspector interface {
	Stats(ctx context.Context) (queue.Stats, error)
	DeadLetters(ctx context.Context, limit int) ([]queue.DeadLetter, error)
}

// Handler handles the operator endpoints.
type Handler struct {
	intake Submitter
	ledger StatusReader
	queues map[string]QueueInspector
	logger *zap.Logger
}

// NewHandler creates an operator handler. queues is keyed by queue name.
func NewHandler(svc Submitter, l StatusReader, queues map[string]QueueInspector, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{intake: svc, ledger: l, queues: queues, logger: logger}
}

// IngestRequest is the body of POST /recordings/ingest.
type IngestRequest struct {
	RecordingID string     `json:"recording_id" binding:"required"`
	SeriesID    string     `json:"series_id" binding:"required"`
	Topic       string     `json:"topic"`
	StartTime   *time.Time `json:"start_time"`
}

// Ingest handles POST /recordings/ingest: an operator re-submits a recording on demand.
func (h *Handler) Ingest(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	ev := intake.Event{
		RecordingID: strings.TrimSpace(req.RecordingID),
		SeriesID:    strings.TrimSpace(req.SeriesID),
		Topic:       req.Topic,
		Source:      queue.SourceOnDemand,
	}
	if req.StartTime != nil {
		ev.StartTime = *req.StartTime
	}
	log := logging.FromContext(c.Request.Context(), h.logger)
	res, err := h.intake.Submit(c.Request.Context(), ev)
	if errors.Is(err, intake.ErrInvalidEvent) {
		response.BadRequest(c, err.Error())
		return
	}
	if err != nil {
		log.Error("on-demand submit failed", zap.String("recording_id", ev.RecordingID), zap.Error(err))
		response.Internal(c, "failed to submit recording")
		return
	}
	log.Info("on-demand ingest requested",
		zap.String("recording_id", ev.RecordingID),
		zap.String("operator", c.GetString(middleware.ContextOperator)),
		zap.String("outcome", string(res.Outcome)),
	)
	if res.Outcome == intake.Accepted {
		response.Accepted(c, res)
		return
	}
	response.OK(c, res)
}

// StatusView is the body of GET /recordings/:id/status.
type StatusView struct {
	Record  *ledger.Record `json:"record"`
	History []ledger.Event `json:"history"`
}

// Status handles GET /recordings/:id/status. Recording ids may contain "/", so callers
// path-escape them; the router must be configured with UseRawPath.
func (h *Handler) Status(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		response.BadRequest(c, "recording id required")
		return
	}
	ctx := c.Request.Context()
	rec := h.ledger.Read(ctx, id)
	history, err := h.ledger.History(ctx, id, historyLimit)
	if err != nil {
		logging.FromContext(ctx, h.logger).Warn("read status history failed", zap.String("recording_id", id), zap.Error(err))
		history = nil
	}
	if rec == nil && len(history) == 0 {
		response.NotFound(c, "no status for recording")
		return
	}
	response.OK(c, StatusView{Record: rec, History: history})
}

// QueueView is the body of GET /queues/:name.
type QueueView struct {
	Stats       queue.Stats        `json:"stats"`
	DeadLetters []queue.DeadLetter `json:"dead_letters"`
}

// Queue handles GET /queues/:name?dead_letters=N.
func (h *Handler) Queue(c *gin.Context) {
	q, ok := h.queues[c.Param("name")]
	if !ok {
		response.NotFound(c, "unknown queue")
		return
	}
	limit := deadLetterLimit
	if v := c.Query("dead_letters"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			response.BadRequest(c, "dead_letters must be a non-negative integer")
			return
		}
		limit = min(n, maxDeadLetterTop)
	}
	ctx := c.Request.Context()
	stats, err := q.Stats(ctx)
	if err != nil {
		logging.FromContext(ctx, h.logger).Error("queue stats failed", zap.Error(err))
		response.ServiceUnavailable(c, "queue unavailable")
		return
	}
	view := QueueView{Stats: stats, DeadLetters: []queue.DeadLetter{}}
	if limit > 0 {
		dead, err := q.DeadLetters(ctx, limit)
		if err != nil {
			logging.FromContext(ctx, h.logger).Error("list dead letters failed", zap.Error(err))
			response.ServiceUnavailable(c, "queue unavailable")
			return
		}
		view.DeadLetters = dead
	}
	response.OK(c, view)
}

// ObjectOpener reads stored objects.
type ObjectOpener interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// Media serves stored recordings at GET /media/*key for the local storage backend, whose
// media references point here.
func Media(store ObjectOpener) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimPrefix(c.Param("key"), "/")
		rc, err := store.Open(c.Request.Context(), key)
		if errors.Is(err, storage.ErrObjectNotFound) {
			response.NotFound(c, "object not found")
			return
		}
		if err != nil {
			response.BadRequest(c, "invalid object key")
			return
		}
		defer rc.Close()
		c.DataFromReader(http.StatusOK, -1, storage.ContentTypeMP4, rc, nil)
	}
}

// MediaPrefix is the path prefix Media is mounted under.
const MediaPrefix = "/media/"

// StreamMedia lifts the server write timeout for requests under MediaPrefix so a long
// recording can be pulled in full. It wraps the router itself, where the connection's
// own ResponseWriter is still reachable.
func StreamMedia(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, MediaPrefix) {
			_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
		}
		next.ServeHTTP(w, r)
	})
}
