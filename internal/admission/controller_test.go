package admission_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"clipservice/internal/admission"
	"clipservice/internal/entity"
	"clipservice/internal/metrics"
	"clipservice/internal/repository/postgresql"
)

// ---- fakes ----

type fakeStore struct {
	mu           sync.Mutex
	createCalled int
	lastJob      entity.NewJob
	createID     uuid.UUID
	active       int64

	countActive bool // track active count from creates
}

func (s *fakeStore) Create(ctx context.Context, n entity.NewJob, capacity int64) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active >= capacity {
		return uuid.Nil, postgresql.ErrCapacity
	}
	s.createCalled++
	s.lastJob = n
	if s.countActive {
		s.active++
	}
	if s.createID == uuid.Nil {
		return uuid.New(), nil
	}
	return s.createID, nil
}

func (s *fakeStore) SetError(ctx context.Context, id uuid.UUID, kind entity.ErrorKind, msg string) error {
	return nil
}

type fakeQueue struct {
	mu          sync.Mutex
	enqueuedIDs []string
	enqueueErr  error
}

func (q *fakeQueue) Enqueue(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.enqueuedIDs = append(q.enqueuedIDs, jobID)
	return nil
}

// ---- helpers ----

const maxClip = 300.0

func newController(store *fakeStore, queue *fakeQueue, capacity int, perMinute, perHour int) *admission.Controller {
	limiter := admission.NewClientLimiter(perMinute, perHour)
	return admission.NewController(store, queue, limiter, maxClip, capacity, metrics.New(), zerolog.Nop())
}

func validRequest(clientID string) admission.Request {
	return admission.Request{
		URL:             "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		Start:           2,
		End:             7,
		Quality:         "720p",
		RightsConfirmed: true,
		ClientID:        clientID,
	}
}

func rejectionKind(t *testing.T, err error) entity.ErrorKind {
	t.Helper()
	var rejection *admission.Error
	if !errors.As(err, &rejection) {
		t.Fatalf("expected admission.Error, got %v", err)
	}
	return rejection.Kind
}

// ---- tests ----

func TestAdmit_Success(t *testing.T) {
	id := uuid.MustParse("33333333-3333-3333-3333-333333333333")
	store := &fakeStore{createID: id}
	queue := &fakeQueue{}
	c := newController(store, queue, 10, 100, 100)

	got, err := c.Admit(context.Background(), validRequest("alice"))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if got != id {
		t.Fatalf("expected id %s, got %s", id, got)
	}
	if store.createCalled != 1 {
		t.Fatalf("expected 1 create, got %d", store.createCalled)
	}
	if len(queue.enqueuedIDs) != 1 || queue.enqueuedIDs[0] != id.String() {
		t.Fatalf("expected enqueue of %s, got %#v", id, queue.enqueuedIDs)
	}
	if store.lastJob.Platform != "youtube" {
		t.Fatalf("expected derived platform youtube, got %s", store.lastJob.Platform)
	}
}

func TestAdmit_DurationProperty(t *testing.T) {
	// For any random (start, end) pair, admission succeeds iff
	// 0 <= start < end and end-start <= maxClip.
	rng := rand.New(rand.NewSource(42))
	store := &fakeStore{}
	queue := &fakeQueue{}
	c := newController(store, queue, 1_000_000, 1_000_000, 1_000_000)

	for i := 0; i < 500; i++ {
		start := rng.Float64()*800 - 100
		end := rng.Float64()*800 - 100

		req := validRequest(fmt.Sprintf("client-%d", i))
		req.Start, req.End = start, end

		_, err := c.Admit(context.Background(), req)
		valid := start >= 0 && end > start
		withinBudget := end-start <= maxClip

		switch {
		case !valid:
			if rejectionKind(t, err) != entity.KindInvalidRange {
				t.Fatalf("start=%v end=%v: expected InvalidRange, got %v", start, end, err)
			}
		case !withinBudget:
			if rejectionKind(t, err) != entity.KindDurationExceeded {
				t.Fatalf("start=%v end=%v: expected DurationExceeded, got %v", start, end, err)
			}
		default:
			if err != nil {
				t.Fatalf("start=%v end=%v: expected admitted, got %v", start, end, err)
			}
		}
	}
}

func TestAdmit_UnsupportedPlatform(t *testing.T) {
	store := &fakeStore{}
	c := newController(store, &fakeQueue{}, 10, 100, 100)

	req := validRequest("alice")
	req.URL = "https://example.com/video/1"

	_, err := c.Admit(context.Background(), req)
	if rejectionKind(t, err) != entity.KindUnsupportedPlatform {
		t.Fatalf("expected UnsupportedPlatform, got %v", err)
	}
	if store.createCalled != 0 {
		t.Fatal("rejection must not create a job")
	}
}

func TestAdmit_RightsNotConfirmed(t *testing.T) {
	c := newController(&fakeStore{}, &fakeQueue{}, 10, 100, 100)

	req := validRequest("alice")
	req.RightsConfirmed = false

	_, err := c.Admit(context.Background(), req)
	if rejectionKind(t, err) != entity.KindRightsNotConfirmed {
		t.Fatalf("expected RightsNotConfirmed, got %v", err)
	}
}

func TestAdmit_RateLimitBoundary(t *testing.T) {
	// First K creations succeed, the (K+1)-th is RateLimited with a retry
	// hint; a different client is unaffected.
	const k = 3
	store := &fakeStore{}
	queue := &fakeQueue{}
	c := newController(store, queue, 1000, 1000, k)

	for i := 0; i < k; i++ {
		if _, err := c.Admit(context.Background(), validRequest("alice")); err != nil {
			t.Fatalf("creation %d: expected admitted, got %v", i+1, err)
		}
	}

	_, err := c.Admit(context.Background(), validRequest("alice"))
	var rejection *admission.Error
	if !errors.As(err, &rejection) || rejection.Kind != entity.KindRateLimited {
		t.Fatalf("expected RateLimited, got %v", err)
	}
	if rejection.RetryAfter <= 0 {
		t.Fatalf("expected a retry-after hint, got %v", rejection.RetryAfter)
	}
	if store.createCalled != k {
		t.Fatalf("expected %d creates, got %d", k, store.createCalled)
	}

	if _, err := c.Admit(context.Background(), validRequest("bob")); err != nil {
		t.Fatalf("other client: expected admitted, got %v", err)
	}
}

func TestAdmit_ConcurrentRateBoundary(t *testing.T) {
	// K=1 under simultaneous submissions: exactly one wins no matter how the
	// goroutines interleave, everyone else gets RateLimited.
	const attempts = 20
	store := &fakeStore{}
	c := newController(store, &fakeQueue{}, 1000, 1000, 1)

	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Admit(context.Background(), validRequest("alice"))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	admitted, limited := 0, 0
	for err := range results {
		switch {
		case err == nil:
			admitted++
		case rejectionKind(t, err) == entity.KindRateLimited:
			limited++
		default:
			t.Fatalf("unexpected rejection: %v", err)
		}
	}
	if admitted != 1 {
		t.Fatalf("limit is 1 but %d simultaneous submissions were admitted", admitted)
	}
	if limited != attempts-1 {
		t.Fatalf("expected %d RateLimited, got %d", attempts-1, limited)
	}
	if store.createCalled != 1 {
		t.Fatalf("expected 1 create, got %d", store.createCalled)
	}
}

func TestAdmit_QueueFullBoundary(t *testing.T) {
	// With capacity N and N active jobs, the (N+1)-th submission is rejected.
	const n = 5
	store := &fakeStore{countActive: true}
	queue := &fakeQueue{}
	c := newController(store, queue, n, 1000, 1000)

	for i := 0; i < n; i++ {
		if _, err := c.Admit(context.Background(), validRequest(fmt.Sprintf("c%d", i))); err != nil {
			t.Fatalf("submission %d: expected admitted, got %v", i+1, err)
		}
	}

	_, err := c.Admit(context.Background(), validRequest("late"))
	if rejectionKind(t, err) != entity.KindQueueFull {
		t.Fatalf("expected QueueFull, got %v", err)
	}
	if store.createCalled != n {
		t.Fatalf("expected %d creates, got %d", n, store.createCalled)
	}
	if len(queue.enqueuedIDs) != n {
		t.Fatalf("expected %d enqueues, got %d", n, len(queue.enqueuedIDs))
	}
}

func TestAdmit_ConcurrentCapacityBoundary(t *testing.T) {
	// N slots under simultaneous submissions from distinct clients: exactly N
	// jobs are created, the rest are QueueFull.
	const (
		capacity = 5
		attempts = 20
	)
	store := &fakeStore{countActive: true}
	c := newController(store, &fakeQueue{}, capacity, 1000, 1000)

	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := c.Admit(context.Background(), validRequest(fmt.Sprintf("client-%d", n)))
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	admitted, full := 0, 0
	for err := range results {
		switch {
		case err == nil:
			admitted++
		case rejectionKind(t, err) == entity.KindQueueFull:
			full++
		default:
			t.Fatalf("unexpected rejection: %v", err)
		}
	}
	if admitted != capacity {
		t.Fatalf("capacity is %d but %d concurrent submissions were admitted", capacity, admitted)
	}
	if full != attempts-capacity {
		t.Fatalf("expected %d QueueFull, got %d", attempts-capacity, full)
	}
}

func TestAdmit_RejectionConsumesNoRateSlot(t *testing.T) {
	// A capacity rejection must not eat into the client's rate budget.
	store := &fakeStore{active: 100}
	c := newController(store, &fakeQueue{}, 1, 1000, 1)

	if _, err := c.Admit(context.Background(), validRequest("alice")); rejectionKind(t, err) != entity.KindQueueFull {
		t.Fatal("expected QueueFull while at capacity")
	}

	store.active = 0
	if _, err := c.Admit(context.Background(), validRequest("alice")); err != nil {
		t.Fatalf("expected admitted once capacity freed, got %v", err)
	}
}
