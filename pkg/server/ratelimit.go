package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// slidingWindow admits at most max requests per window for each client.
// Exact timestamps are kept per client so a burst at the end of one window
// cannot be doubled at the start of the next. A token bucket in front of
// each window absorbs pathological burst scans without touching the
// timestamp slice.
type slidingWindow struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	clients map[string]*clientWindow

	// now is swapped in tests.
	now func() time.Time
}

type clientWindow struct {
	hits  []time.Time
	guard *rate.Limiter
	seen  time.Time
}

func newSlidingWindow(window time.Duration, max int) *slidingWindow {
	return &slidingWindow{
		window:  window,
		max:     max,
		clients: make(map[string]*clientWindow),
		now:     time.Now,
	}
}

// Allow records one request for the client and reports whether it fits the
// window.
func (s *slidingWindow) Allow(client string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cw, ok := s.clients[client]
	if !ok {
		// Guard refills at the window rate and tolerates a full window
		// burst; it only exists to cap work done on hot clients.
		cw = &clientWindow{
			guard: rate.NewLimiter(rate.Every(s.window/time.Duration(s.max)), s.max),
		}
		s.clients[client] = cw
	}
	cw.seen = now

	if !cw.guard.AllowN(now, 1) {
		return false
	}

	cutoff := now.Add(-s.window)
	kept := cw.hits[:0]
	for _, t := range cw.hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cw.hits = kept

	if len(cw.hits) >= s.max {
		return false
	}
	cw.hits = append(cw.hits, now)
	return true
}

// Sweep drops clients idle for more than two windows. Called periodically
// so the map does not grow with one entry per IP ever seen.
func (s *slidingWindow) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-2 * s.window)
	for client, cw := range s.clients {
		if cw.seen.Before(cutoff) {
			delete(s.clients, client)
		}
	}
}
