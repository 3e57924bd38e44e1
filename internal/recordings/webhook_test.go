package recordings

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-webinar/recording-ingester/internal/auth"
	"github.com/aura-webinar/recording-ingester/internal/intake"
	"github.com/aura-webinar/recording-ingester/internal/ledger"
	"github.com/aura-webinar/recording-ingester/pkg/queue"
)

const webhookSecret = "whsec"

var now = time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSubmitter struct {
	mu     sync.Mutex
	events []intake.Event
	err    error
}

func (f *fakeSubmitter) Submit(_ context.Context, ev intake.Event) (intake.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return intake.Result{}, f.err
	}
	if err := ev.Validate(); err != nil {
		return intake.Result{}, err
	}
	f.events = append(f.events, ev)
	return intake.Result{Outcome: intake.Accepted, JobID: "job-1"}, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakeDownloads struct {
	mu   sync.Mutex
	jobs int
}

func (f *fakeDownloads) EnqueueDownload(context.Context, queue.DownloadPayload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs++
	return "job-" + strconv.Itoa(f.jobs), nil
}

func newVerifier() *Verifier {
	v := NewVerifier(webhookSecret, 5*time.Minute)
	v.now = func() time.Time { return now }
	return v
}

func newWebhookRouter(t *testing.T, sub Submitter) *gin.Engine {
	t.Helper()
	wh, err := NewWebhookHandler(sub, newVerifier(), zap.NewNop())
	require.NoError(t, err)
	h := NewHandler(sub, ledger.New(ledger.NewMemoryStore(), zap.NewNop()), nil, zap.NewNop())
	r := gin.New()
	RegisterRoutes(r, wh, h, auth.NewJWTService("jwt-secret", 1))
	return r
}

func signed(body string, ts time.Time) *http.Request {
	stamp := strconv.FormatInt(ts.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/recording-completed", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, stamp)
	req.Header.Set(HeaderSignature, newVerifier().Sign(stamp, []byte(body)))
	return req
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

const completedBody = `{
  "event": "recording.completed",
  "event_ts": 1709564400000,
  "payload": {
    "account_id": "acct",
    "object": {
      "uuid": "ab/c==",
      "id": 123456,
      "host_id": "host-1",
      "topic": "Calculus I",
      "start_time": "2024-03-04T10:00:00Z",
      "duration": 31,
      "recording_files": [
        {
          "id": "f1",
          "file_type": "MP4",
          "download_url": "https://files.test/f1",
          "file_size": 2048,
          "status": "completed",
          "recording_start": "2024-03-04T10:00:00Z",
          "recording_end": "2024-03-04T10:30:00Z"
        }
      ]
    }
  }
}`

func TestWebhookRejectsUnsignedRequests(t *testing.T) {
	sub := &fakeSubmitter{}
	r := newWebhookRouter(t, sub)

	unsigned := httptest.NewRequest(http.MethodPost, "/webhooks/recording-completed", strings.NewReader(completedBody))

	wrongSecret := signed(completedBody, now)
	stamp := strconv.FormatInt(now.Unix(), 10)
	wrongSecret.Header.Set(HeaderSignature, NewVerifier("other", 0).Sign(stamp, []byte(completedBody)))

	stale := signed(completedBody, now.Add(-10*time.Minute))

	tampered := signed(completedBody, now)
	tampered.Body = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Replace(completedBody, "123456", "999999", 1))).Body

	for name, req := range map[string]*http.Request{
		"unsigned":     unsigned,
		"wrong secret": wrongSecret,
		"stale":        stale,
		"tampered":     tampered,
	} {
		t.Run(name, func(t *testing.T) {
			w := serve(r, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
	assert.Zero(t, sub.count())
}

func TestWebhookAnswersURLValidation(t *testing.T) {
	r := newWebhookRouter(t, &fakeSubmitter{})
	w := serve(r, signed(`{"event":"endpoint.url_validation","payload":{"plainToken":"qgg8vlvZRS6UYooatFL8Aw"}}`, now))
	require.Equal(t, http.StatusOK, w.Code)

	var got map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write([]byte("qgg8vlvZRS6UYooatFL8Aw"))
	assert.Equal(t, "qgg8vlvZRS6UYooatFL8Aw", got["plainToken"])
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), got["encryptedToken"])
}

func TestWebhookSubmitsCompletedRecording(t *testing.T) {
	sub := &fakeSubmitter{}
	r := newWebhookRouter(t, sub)

	w := serve(r, signed(completedBody, now))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.Equal(t, 1, sub.count())
	ev := sub.events[0]
	assert.Equal(t, "ab/c==", ev.RecordingID)
	assert.Equal(t, "123456", ev.SeriesID)
	assert.Equal(t, "host-1", ev.HostID)
	assert.Equal(t, "Calculus I", ev.Topic)
	assert.Equal(t, 30*time.Minute, ev.Duration)
	assert.Equal(t, queue.SourceWebhook, ev.Source)
	assert.True(t, ev.StartTime.Equal(time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)))
}

func TestWebhookRejectsInvalidPayloads(t *testing.T) {
	sub := &fakeSubmitter{}
	r := newWebhookRouter(t, sub)

	for name, body := range map[string]string{
		"not json":          `{"event":`,
		"missing payload":   `{"event":"recording.completed"}`,
		"missing object":    `{"event":"recording.completed","payload":{}}`,
		"missing uuid":      `{"event":"recording.completed","payload":{"object":{"id":1}}}`,
		"non numeric id":    `{"event":"recording.completed","payload":{"object":{"uuid":"u1","id":"math"}}}`,
		"validation no tok": `{"event":"endpoint.url_validation","payload":{}}`,
	} {
		t.Run(name, func(t *testing.T) {
			w := serve(r, signed(body, now))
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
	assert.Zero(t, sub.count())
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	sub := &fakeSubmitter{}
	w := serve(newWebhookRouter(t, sub), signed(`{"event":"meeting.started","payload":{"object":{}}}`, now))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, sub.count())
}

func TestWebhookSubmitFailureAsksForRedelivery(t *testing.T) {
	w := serve(newWebhookRouter(t, &fakeSubmitter{err: errors.New("redis down")}), signed(completedBody, now))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestWebhookDeliveredTwiceEnqueuesOnce(t *testing.T) {
	store := ledger.NewMemoryStore()
	downloads := &fakeDownloads{}
	svc := intake.NewService(ledger.New(store, zap.NewNop()), downloads, nil, zap.NewNop())
	r := newWebhookRouter(t, svc)

	require.Equal(t, http.StatusOK, serve(r, signed(completedBody, now)).Code)
	require.Equal(t, http.StatusOK, serve(r, signed(completedBody, now.Add(time.Second))).Code)

	assert.Equal(t, 1, downloads.jobs)
	assert.Equal(t, []ledger.Status{ledger.StatusReceived, ledger.StatusSentToDownload}, store.Statuses("ab/c=="))
}

func TestVerifierWithoutSecretRejects(t *testing.T) {
	v := NewVerifier("", 0)
	err := v.Verify("1", v.Sign("1", nil), nil)
	assert.ErrorIs(t, err, intake.ErrUnauthorized)
}
