package store

import (
	"encoding/json"
	"sync"
)

// watchers tracks live subscriptions.
type watchers struct {
	logger Logger

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

func newWatchers(logger Logger) *watchers {
	return &watchers{
		logger: logger,
		subs:   make(map[*subscription]struct{}),
	}
}

func (w *watchers) add(path string, fn Listener) *subscription {
	sub := &subscription{path: path, fn: fn, logger: w.logger, done: make(chan struct{})}
	sub.cond = sync.NewCond(&sub.mu)

	w.mu.Lock()
	w.subs[sub] = struct{}{}
	w.mu.Unlock()

	go sub.run()
	return sub
}

func (w *watchers) remove(sub *subscription) {
	w.mu.Lock()
	delete(w.subs, sub)
	w.mu.Unlock()
	// A listener may cancel its own subscription, so do not wait here.
	sub.close(false)
}

func (w *watchers) matching(changed string) []*subscription {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []*subscription
	for sub := range w.subs {
		if affects(sub.path, changed) {
			out = append(out, sub)
		}
	}
	return out
}

func (w *watchers) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subs)
}

func (w *watchers) closeAll() {
	w.mu.Lock()
	subs := w.subs
	w.subs = make(map[*subscription]struct{})
	w.mu.Unlock()

	for sub := range subs {
		sub.close(true)
	}
}

// subscription delivers queued values to its listener on its own goroutine.
// The queue is unbounded so that push never blocks a committing writer.
type subscription struct {
	path   string
	fn     Listener
	logger Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []json.RawMessage
	closed bool
	done   chan struct{}
}

func (s *subscription) push(value json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, value)
	s.cond.Signal()
}

// close stops delivery. With wait set it also blocks until an in-progress
// listener call returns.
func (s *subscription) close(wait bool) {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.queue = nil
		s.cond.Broadcast()
	}
	s.mu.Unlock()
	if wait {
		<-s.done
	}
}

func (s *subscription) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		value := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(value)
	}
}

func (s *subscription) deliver(value json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscription listener panicked", "path", s.path, "panic", r)
		}
	}()
	s.fn(value)
}
