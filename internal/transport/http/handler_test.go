package httptransport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"clipservice/internal/admission"
	"clipservice/internal/artifact"
	"clipservice/internal/entity"
	"clipservice/internal/metrics"
	"clipservice/internal/repository/postgresql"
	httptransport "clipservice/internal/transport/http"
)

type fakeStore struct {
	jobs    map[uuid.UUID]*entity.Job
	active  int64
	created []entity.NewJob
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[uuid.UUID]*entity.Job{}}
}

func (s *fakeStore) Create(ctx context.Context, n entity.NewJob, capacity int64) (uuid.UUID, error) {
	if s.active >= capacity {
		return uuid.Nil, postgresql.ErrCapacity
	}
	s.created = append(s.created, n)
	id := uuid.New()
	s.jobs[id] = &entity.Job{
		ID:        id,
		URL:       n.URL,
		Platform:  n.Platform,
		Start:     n.Start,
		End:       n.End,
		Quality:   n.Quality,
		ClientID:  n.ClientID,
		Status:    entity.StatusQueued,
		CreatedAt: time.Now(),
	}
	return id, nil
}

func (s *fakeStore) SetError(ctx context.Context, id uuid.UUID, kind entity.ErrorKind, msg string) error {
	return nil
}

func (s *fakeStore) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, postgresql.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

type fakeQueue struct {
	ids []string
}

func (q *fakeQueue) Enqueue(ctx context.Context, jobID string) error {
	q.ids = append(q.ids, jobID)
	return nil
}

type testServer struct {
	store     *fakeStore
	queue     *fakeQueue
	artifacts *artifact.Manager
	srv       *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := newFakeStore()
	queue := &fakeQueue{}

	artifacts, err := artifact.NewManager(t.TempDir(), 15*time.Minute, zerolog.Nop())
	if err != nil {
		t.Fatalf("artifact manager: %v", err)
	}

	limiter := admission.NewClientLimiter(100, 100)
	admitter := admission.NewController(store, queue, limiter, 300, 100, metrics.New(), zerolog.Nop())
	h := httptransport.NewHandler(admitter, store, artifacts, zerolog.Nop())

	m := metrics.New()
	srv := httptest.NewServer(httptransport.Routes(h, m.Handler(), rate.NewLimiter(rate.Limit(1000), 1000), zerolog.Nop()))
	t.Cleanup(srv.Close)

	return &testServer{store: store, queue: queue, artifacts: artifacts, srv: srv}
}

func (ts *testServer) postJob(t *testing.T, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.srv.URL+"/jobs", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /jobs: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

const validBody = `{"url":"https://www.youtube.com/watch?v=abc","start":10,"end":40,"qualityLabel":"720p","rightsConfirmed":true,"clientId":"alice"}`

func TestCreateJob_Created(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.postJob(t, validBody)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if _, err := uuid.Parse(body["jobId"]); err != nil {
		t.Fatalf("expected a uuid jobId, got %q", body["jobId"])
	}
	if len(ts.queue.ids) != 1 {
		t.Fatalf("expected one enqueued job, got %d", len(ts.queue.ids))
	}
}

func TestCreateJob_DurationExceeded(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.postJob(t, `{"url":"https://www.youtube.com/watch?v=abc","start":0,"end":9999,"qualityLabel":"720p","rightsConfirmed":true,"clientId":"alice"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["errorKind"] != string(entity.KindDurationExceeded) {
		t.Fatalf("expected DurationExceeded, got %v", body["errorKind"])
	}
	if len(ts.queue.ids) != 0 {
		t.Fatal("rejected submission must not enqueue anything")
	}
}

func TestCreateJob_UnsupportedPlatform(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.postJob(t, `{"url":"https://example.com/v/1","start":0,"end":10,"qualityLabel":"720p","rightsConfirmed":true,"clientId":"alice"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["errorKind"] != string(entity.KindUnsupportedPlatform) {
		t.Fatalf("expected UnsupportedPlatform, got %v", body["errorKind"])
	}
}

func TestCreateJob_RateLimited(t *testing.T) {
	ts := newTestServer(t)
	// Replace the default limiter with a tiny one: two requests per minute.
	store := ts.store
	limiter := admission.NewClientLimiter(2, 100)
	admitter := admission.NewController(store, ts.queue, limiter, 300, 100, metrics.New(), zerolog.Nop())
	artifacts, _ := artifact.NewManager(t.TempDir(), time.Minute, zerolog.Nop())
	h := httptransport.NewHandler(admitter, store, artifacts, zerolog.Nop())
	srv := httptest.NewServer(httptransport.Routes(h, metrics.New().Handler(), rate.NewLimiter(rate.Limit(1000), 1000), zerolog.Nop()))
	defer srv.Close()

	for i := 0; i < 2; i++ {
		resp, err := http.Post(srv.URL+"/jobs", "application/json", bytes.NewBufferString(validBody))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("request %d: expected 201, got %d", i, resp.StatusCode)
		}
	}

	resp, err := http.Post(srv.URL+"/jobs", "application/json", bytes.NewBufferString(validBody))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("expected a Retry-After header on 429")
	}
	body := decode[map[string]any](t, resp)
	if body["errorKind"] != string(entity.KindRateLimited) {
		t.Fatalf("expected RateLimited, got %v", body["errorKind"])
	}
	if _, ok := body["retryAfter"]; !ok {
		t.Fatal("expected retryAfter in the rejection body")
	}
}

func TestCreateJob_QueueFull(t *testing.T) {
	ts := newTestServer(t)
	ts.store.active = 100

	resp := ts.postJob(t, validBody)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("expected a Retry-After header on 503")
	}
	resp.Body.Close()
}

func TestGetJob_Views(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.postJob(t, validBody)
	created := decode[map[string]string](t, resp)
	id := uuid.MustParse(created["jobId"])

	// Queued: no progress, no errors, no download link.
	got, err := http.Get(ts.srv.URL + "/jobs/" + id.String())
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	view := decode[map[string]any](t, got)
	if view["status"] != string(entity.StatusQueued) {
		t.Fatalf("expected queued, got %v", view["status"])
	}
	for _, absent := range []string{"progress", "errorKind", "downloadUrl"} {
		if _, ok := view[absent]; ok {
			t.Fatalf("queued view must not contain %q", absent)
		}
	}

	// Done: progress and a download link derived from the handle.
	handle := "h-123.mp4"
	job := ts.store.jobs[id]
	job.Status = entity.StatusDone
	job.Progress = 100
	job.Handle = &handle

	got, err = http.Get(ts.srv.URL + "/jobs/" + id.String())
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	view = decode[map[string]any](t, got)
	if view["downloadUrl"] != "/download/"+handle {
		t.Fatalf("expected download url, got %v", view["downloadUrl"])
	}
	if view["progress"] != float64(100) {
		t.Fatalf("expected progress 100, got %v", view["progress"])
	}
}

func TestGetJob_ErrorView(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.postJob(t, validBody)
	created := decode[map[string]string](t, resp)
	id := uuid.MustParse(created["jobId"])

	kind := entity.KindFetchError
	msg := "video unavailable"
	job := ts.store.jobs[id]
	job.Status = entity.StatusError
	job.ErrorKind = &kind
	job.ErrorMessage = &msg

	got, err := http.Get(ts.srv.URL + "/jobs/" + id.String())
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	view := decode[map[string]any](t, got)
	if view["errorKind"] != string(kind) || view["errorMessage"] != msg {
		t.Fatalf("unexpected error view: %v", view)
	}
	if _, ok := view["progress"]; ok {
		t.Fatal("error view must not report progress")
	}
}

func TestGetJob_NotFound(t *testing.T) {
	ts := newTestServer(t)

	got, err := http.Get(ts.srv.URL + "/jobs/" + uuid.NewString())
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if got.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", got.StatusCode)
	}
	body := decode[map[string]any](t, got)
	if body["errorKind"] != string(entity.KindNotFound) {
		t.Fatalf("expected NotFound kind, got %v", body["errorKind"])
	}
}

func TestCreateJob_MalformedBody(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.postJob(t, `{"url": `)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["errorKind"] != string(entity.KindBadRequest) {
		t.Fatalf("expected BadRequest kind, got %v", body["errorKind"])
	}
}

func TestGetJob_InvalidID(t *testing.T) {
	ts := newTestServer(t)

	got, err := http.Get(ts.srv.URL + "/jobs/not-a-uuid")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if got.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", got.StatusCode)
	}
	body := decode[map[string]any](t, got)
	if body["errorKind"] != string(entity.KindBadRequest) {
		t.Fatalf("expected BadRequest kind, got %v", body["errorKind"])
	}
}

func TestDownload_SingleUse(t *testing.T) {
	ts := newTestServer(t)

	src := filepath.Join(t.TempDir(), "clip.mp4")
	payload := []byte("clip-bytes")
	if err := os.WriteFile(src, payload, 0o644); err != nil {
		t.Fatalf("write clip: %v", err)
	}
	handle, err := ts.artifacts.Store(context.Background(), uuid.NewString(), src)
	if err != nil {
		t.Fatalf("store artifact: %v", err)
	}

	got, err := http.Get(ts.srv.URL + "/download/" + handle)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if got.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", got.StatusCode)
	}
	if ct := got.Header.Get("Content-Type"); ct != "video/mp4" {
		t.Fatalf("expected video/mp4, got %q", ct)
	}
	if cl := got.Header.Get("Content-Length"); cl != fmt.Sprintf("%d", len(payload)) {
		t.Fatalf("unexpected content length %q", cl)
	}
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(got.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	got.Body.Close()
	if !bytes.Equal(buf.Bytes(), payload) {
		t.Fatal("downloaded bytes differ from stored clip")
	}

	// The handle is spent: a second request finds nothing.
	again, err := http.Get(ts.srv.URL + "/download/" + handle)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer again.Body.Close()
	if again.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on reuse, got %d", again.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	got, err := http.Get(ts.srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer got.Body.Close()
	if got.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", got.StatusCode)
	}
}
