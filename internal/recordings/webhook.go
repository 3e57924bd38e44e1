// Package recordings exposes the recording webhook and the operator API over HTTP.
package recordings

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/aura-webinar/recording-ingester/internal/intake"
	"github.com/aura-webinar/recording-ingester/internal/source"
	"github.com/aura-webinar/recording-ingester/pkg/logging"
	"github.com/aura-webinar/recording-ingester/pkg/queue"
	"github.com/aura-webinar/recording-ingester/pkg/response"
)

// Webhook event names.
const (
	EventRecordingCompleted = "recording.completed"
	EventURLValidation      = "endpoint.url_validation"
)

const (
	maxWebhookBody   = 1 << 20
	webhookSchemaURL = "https://aura-webinar.dev/schemas/recording_webhook.json"
)

//go:embed schema/recording_webhook.json
var webhookSchema []byte

// Submitter hands recording events to the pipeline.
type Submitter interface {
	Submit(ctx context.Context, ev intake.Event) (intake.Result, error)
}

type webhookEvent struct {
	Event   string          `json:"event"`
	EventTS int64           `json:"event_ts"`
	Payload json.RawMessage `json:"payload"`
}

type recordingPayload struct {
	AccountID string         `json:"account_id"`
	Object    source.Meeting `json:"object"`
}

type validationPayload struct {
	PlainToken string `json:"plainToken"`
}

// WebhookHandler handles recording webhooks from the recording provider.
type WebhookHandler struct {
	intake   Submitter
	verifier *Verifier
	schema   *jsonschema.Schema
	logger   *zap.Logger
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(svc Submitter, verifier *Verifier, logger *zap.Logger) (*WebhookHandler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	schema, err := compileWebhookSchema()
	if err != nil {
		return nil, err
	}
	return &WebhookHandler{intake: svc, verifier: verifier, schema: schema, logger: logger}, nil
}

func compileWebhookSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(webhookSchema))
	if err != nil {
		return nil, fmt.Errorf("parse webhook schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(webhookSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add webhook schema: %w", err)
	}
	schema, err := c.Compile(webhookSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile webhook schema: %w", err)
	}
	return schema, nil
}

// RecordingCompleted handles POST /webhooks/recording-completed. Unsigned requests are
// rejected before the body is parsed.
func (h *WebhookHandler) RecordingCompleted(c *gin.Context) {
	ctx := c.Request.Context()
	log := logging.FromContext(ctx, h.logger)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		response.BadRequest(c, "could not read body")
		return
	}
	if len(body) > maxWebhookBody {
		response.Fail(c, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	if err := h.verifier.Verify(c.GetHeader(HeaderTimestamp), c.GetHeader(HeaderSignature), body); err != nil {
		log.Warn("webhook rejected", zap.Error(err), zap.String("client_ip", c.ClientIP()))
		response.Unauthorized(c, "invalid signature")
		return
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		response.BadRequest(c, "invalid JSON")
		return
	}
	if err := h.schema.Validate(doc); err != nil {
		log.Warn("webhook payload does not match schema", zap.Error(err))
		response.BadRequest(c, "invalid webhook payload")
		return
	}
	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		response.BadRequest(c, "invalid webhook payload")
		return
	}

	switch ev.Event {
	case EventURLValidation:
		h.urlValidation(c, ev)
	case EventRecordingCompleted:
		h.recordingCompleted(c, ev)
	default:
		log.Debug("ignoring webhook event", zap.String("event", ev.Event))
		response.OK(c, gin.H{"event": ev.Event, "ignored": true})
	}
}

// urlValidation answers the provider's endpoint challenge. The provider reads the
// top-level fields, so the reply is not wrapped in the response envelope.
func (h *WebhookHandler) urlValidation(c *gin.Context, ev webhookEvent) {
	var p validationPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		response.BadRequest(c, "invalid validation payload")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"plainToken":     p.PlainToken,
		"encryptedToken": h.verifier.EncryptToken(p.PlainToken),
	})
}

func (h *WebhookHandler) recordingCompleted(c *gin.Context, ev webhookEvent) {
	var p recordingPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		response.BadRequest(c, "invalid recording payload")
		return
	}
	rec := p.Object.Recording()
	res, err := h.intake.Submit(c.Request.Context(), intake.Event{
		RecordingID: rec.ID,
		SeriesID:    rec.SeriesID,
		HostID:      rec.HostID,
		Topic:       rec.Topic,
		StartTime:   rec.StartTime,
		Duration:    rec.Duration,
		Source:      queue.SourceWebhook,
	})
	if errors.Is(err, intake.ErrInvalidEvent) {
		response.BadRequest(c, err.Error())
		return
	}
	if err != nil {
		logging.FromContext(c.Request.Context(), h.logger).Error("submit recording failed",
			zap.String("recording_id", rec.ID), zap.Error(err))
		response.Internal(c, "failed to accept recording")
		return
	}
	response.OK(c, res)
}
