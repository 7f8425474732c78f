package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/nerrad567/headcount/internal/occupancy"
)

// Result classifies how a toggle request ended.
type Result string

// Toggle results. Only ResultFailed comes with an error.
const (
	// ResultBusy: this session already had a toggle in flight.
	ResultBusy Result = "busy"
	// ResultContended: another process holds the device lock.
	ResultContended Result = "contended"
	// ResultRejected: the device is already in the requested state.
	ResultRejected Result = "rejected"
	// ResultNotCommitted: the counter update gave up under contention.
	ResultNotCommitted Result = "not_committed"
	// ResultCommitted: counter, history and status were all written.
	ResultCommitted Result = "committed"
	// ResultFailed: a store operation failed.
	ResultFailed Result = "failed"
)

// Outcome is what a toggle request reports back to the caller.
type Outcome struct {
	Result Result `json:"result"`

	// Status is the device status as this session last saw it.
	Status Status `json:"status"`

	// Count is the counter value the mutation produced. Set only when
	// Result is ResultCommitted.
	Count int `json:"count"`

	// Notice is the message to show the user, if any.
	Notice string `json:"notice,omitempty"`
}

// Session runs toggles for one device within this process. It holds the
// in-flight guard and the last status it observed.
type Session struct {
	id       string
	registry *Registry
	ledger   *occupancy.Ledger
	logger   Logger

	mu       sync.Mutex
	inFlight bool
	status   Status
	synced   bool
}

// NewSession creates a session for device id. The cached status starts as
// out until Sync or a toggle reads the record.
func NewSession(id string, registry *Registry, ledger *occupancy.Ledger) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	return &Session{
		id:       id,
		registry: registry,
		ledger:   ledger,
		logger:   noopLogger{},
		status:   StatusOut,
	}, nil
}

// SetLogger sets the logger for the session.
func (s *Session) SetLogger(logger Logger) {
	s.logger = logger
}

// ID returns the device ID.
func (s *Session) ID() string {
	return s.id
}

// Status returns the cached status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Busy reports whether a toggle is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Sync loads the authoritative status into the cache.
func (s *Session) Sync(ctx context.Context) (Status, error) {
	status, err := s.registry.Status(ctx, s.id)
	if err != nil {
		return s.Status(), err
	}
	s.setStatus(status)
	return status, nil
}

// Toggle requests the transition implied by the cached status: enter when
// out, exit when in. A session that has never read the record reads it
// first.
func (s *Session) Toggle(ctx context.Context) (Outcome, error) {
	if !s.isSynced() {
		if _, err := s.Sync(ctx); err != nil {
			return s.fail(Next(s.Status()), err)
		}
	}
	return s.Request(ctx, Next(s.Status()))
}

// Request runs the toggle protocol for an explicit direction.
//
// Busy, contended, rejected and not-committed outcomes are not errors. A
// store failure yields ResultFailed with a generic notice and the error.
// The lock is released on every path once acquired.
func (s *Session) Request(ctx context.Context, dir Direction) (Outcome, error) {
	if dir != Enter && dir != Exit {
		return Outcome{Result: ResultFailed, Status: s.Status(), Notice: dir.failedNotice()},
			fmt.Errorf("%w: %q", ErrInvalidDirection, dir)
	}
	if !s.begin() {
		return Outcome{Result: ResultBusy, Status: s.Status()}, nil
	}
	defer s.end()

	acquired, err := s.registry.AcquireLock(ctx, s.id)
	if err != nil {
		return s.fail(dir, err)
	}
	if !acquired {
		s.logger.Debug("device lock held elsewhere", "device_id", s.id)
		return Outcome{Result: ResultContended, Status: s.Status()}, nil
	}
	defer s.release(ctx)

	status, err := s.registry.Status(ctx, s.id)
	if err != nil {
		return s.fail(dir, err)
	}
	s.setStatus(status)

	if status == dir.Target() {
		s.logger.Info("toggle rejected", "device_id", s.id, "direction", dir, "status", status)
		return Outcome{Result: ResultRejected, Status: status, Notice: dir.rejectedNotice()}, nil
	}

	var m occupancy.Mutation
	if dir == Enter {
		m, err = s.ledger.Increment(ctx)
	} else {
		m, err = s.ledger.Decrement(ctx)
	}
	if err != nil {
		return s.fail(dir, err)
	}
	if !m.Committed {
		return Outcome{Result: ResultNotCommitted, Status: status}, nil
	}

	// The counter has moved. A failure from here on is not rolled back.
	if _, err := s.ledger.AppendHistory(ctx, dir.Action(), m.Count, s.id); err != nil {
		return s.fail(dir, fmt.Errorf("counter at %d without history: %w", m.Count, err))
	}
	target := dir.Target()
	if err := s.registry.SetStatus(ctx, s.id, target); err != nil {
		return s.fail(dir, err)
	}
	s.setStatus(target)

	s.logger.Info("toggle committed", "device_id", s.id, "direction", dir, "count", m.Count)
	return Outcome{Result: ResultCommitted, Status: target, Count: m.Count}, nil
}

func (s *Session) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight {
		return false
	}
	s.inFlight = true
	return true
}

func (s *Session) end() {
	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()
}

// setStatus caches a status read from, or written to, the record.
func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.synced = true
	s.mu.Unlock()
}

func (s *Session) isSynced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synced
}

// release clears the device lock. It outlives ctx so a cancelled request
// cannot leave the device locked.
func (s *Session) release(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := s.registry.ReleaseLock(ctx, s.id); err != nil {
		s.logger.Error("releasing device lock failed", "device_id", s.id, "error", err)
	}
}

func (s *Session) fail(dir Direction, err error) (Outcome, error) {
	s.logger.Error("toggle failed", "device_id", s.id, "direction", dir, "error", err)
	return Outcome{Result: ResultFailed, Status: s.Status(), Notice: dir.failedNotice()},
		fmt.Errorf("toggling device %s: %w", s.id, err)
}

// Sessions holds one Session per device ID for this process.
type Sessions struct {
	registry *Registry
	ledger   *occupancy.Ledger
	logger   Logger

	mu   sync.Mutex
	byID map[string]*Session
}

// NewSessions creates an empty session table.
func NewSessions(registry *Registry, ledger *occupancy.Ledger) *Sessions {
	return &Sessions{
		registry: registry,
		ledger:   ledger,
		logger:   noopLogger{},
		byID:     make(map[string]*Session),
	}
}

// SetLogger sets the logger handed to sessions created from now on.
func (ss *Sessions) SetLogger(logger Logger) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.logger = logger
}

// Get returns the session for id, creating it on first use.
func (ss *Sessions) Get(id string) (*Session, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if s, ok := ss.byID[id]; ok {
		return s, nil
	}
	s, err := NewSession(id, ss.registry, ss.ledger)
	if err != nil {
		return nil, err
	}
	s.SetLogger(ss.logger)
	ss.byID[id] = s
	return s, nil
}

// Len returns the number of sessions created so far.
func (ss *Sessions) Len() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.byID)
}
