package admission

import (
	"sync"
	"time"
)

// slidingWindow counts events per client over a rolling window. Counters are
// ephemeral: timestamps outside the window are pruned on every access and
// nothing is persisted. The window carries no lock of its own; ClientLimiter
// serializes access to both windows together.
type slidingWindow struct {
	window time.Duration
	limit  int
	hits   map[string][]time.Time
	now    func() time.Time
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	return &slidingWindow{
		window: window,
		limit:  limit,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// check reports whether the client is under its limit. When it is not, the
// returned duration is how long until the oldest counted hit rolls out of the
// window. check never consumes a slot.
func (w *slidingWindow) check(clientID string) (bool, time.Duration) {
	now := w.now()
	recent := w.prune(clientID, now)
	if len(recent) < w.limit {
		return true, 0
	}
	retryAfter := recent[0].Add(w.window).Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return false, retryAfter
}

// record consumes a slot for the client.
func (w *slidingWindow) record(clientID string) {
	now := w.now()
	w.hits[clientID] = append(w.prune(clientID, now), now)
}

// release drops the newest hit, undoing the matching record.
func (w *slidingWindow) release(clientID string) {
	all := w.hits[clientID]
	if len(all) == 0 {
		return
	}
	all = all[:len(all)-1]
	if len(all) == 0 {
		delete(w.hits, clientID)
	} else {
		w.hits[clientID] = all
	}
}

func (w *slidingWindow) prune(clientID string, now time.Time) []time.Time {
	all := w.hits[clientID]
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(all) && !all[i].After(cutoff) {
		i++
	}
	recent := all[i:]
	if len(recent) == 0 {
		delete(w.hits, clientID)
	} else if i > 0 {
		w.hits[clientID] = recent
	}
	return recent
}

// ClientLimiter enforces the two per-client limits: submissions per minute
// and job creations per hour. One mutex covers both windows so a reservation
// is a single compare-and-consume: concurrent submissions from the same
// client can never all pass the check before any of them counts.
type ClientLimiter struct {
	mu        sync.Mutex
	requests  *slidingWindow
	creations *slidingWindow
}

func NewClientLimiter(requestsPerMinute, jobsPerHour int) *ClientLimiter {
	return &ClientLimiter{
		requests:  newSlidingWindow(requestsPerMinute, time.Minute),
		creations: newSlidingWindow(jobsPerHour, time.Hour),
	}
}

// Reserve atomically checks both windows and, when both have room, consumes
// one slot from each. A false result carries the longer of the two retry
// hints and consumes nothing.
func (l *ClientLimiter) Reserve(clientID string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	okReq, afterReq := l.requests.check(clientID)
	okCre, afterCre := l.creations.check(clientID)
	if okReq && okCre {
		l.requests.record(clientID)
		l.creations.record(clientID)
		return true, 0
	}
	after := afterReq
	if afterCre > after {
		after = afterCre
	}
	return false, after
}

// Release returns a reservation taken by Reserve. Called when admission fails
// after the rate check, so a rejection still leaves no trace in the windows.
func (l *ClientLimiter) Release(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests.release(clientID)
	l.creations.release(clientID)
}
