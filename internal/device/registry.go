package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"

	"github.com/nerrad567/headcount/internal/store"
)

// Logger defines the logging interface used by the device package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry reads and writes device records in the store.
//
// All public methods are thread-safe; every mutation is a single store
// operation on devices/<id>.
type Registry struct {
	store  store.Store
	clock  quartz.Clock
	logger Logger
}

// NewRegistry creates a registry over s.
func NewRegistry(s store.Store) *Registry {
	return &Registry{
		store:  s,
		clock:  quartz.NewReal(),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetClock replaces the clock used for firstSeen/lastSeen.
func (r *Registry) SetClock(clock quartz.Clock) {
	r.clock = clock
}

// Register records a page load for id.
//
// The first call creates the record with status out and one visit. Later
// calls bump lastSeen and visits and leave status and lock alone. The
// update is conditional, so concurrent page loads never lose a visit.
func (r *Registry) Register(ctx context.Context, id, userAgent string) (*Device, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	now := r.clock.Now().UTC()
	res, err := r.store.ConditionalUpdate(ctx, Path(id), func(current json.RawMessage) (any, error) {
		fields := make(map[string]any)
		if current != nil {
			if err := json.Unmarshal(current, &fields); err != nil || fields == nil {
				r.logger.Warn("replacing unreadable device record", "device_id", id)
				fields = make(map[string]any)
			}
		}

		if len(fields) == 0 || fields["firstSeen"] == nil {
			fields["id"] = id
			fields["firstSeen"] = now
			if _, ok := fields["status"]; !ok {
				fields["status"] = StatusOut
			}
		}
		visits, _ := fields["visits"].(float64)
		fields["visits"] = int(max(visits, 0)) + 1
		fields["lastSeen"] = now
		if userAgent != "" {
			fields["userAgent"] = userAgent
		}
		return fields, nil
	})
	if err != nil {
		return nil, fmt.Errorf("registering device %s: %w", id, err)
	}

	d, err := decodeDevice(id, res.Value)
	if err != nil {
		return nil, fmt.Errorf("decoding device %s: %w", id, err)
	}
	if d.Visits == 1 {
		r.logger.Info("device registered", "device_id", id)
	}
	return d, nil
}

// Get returns the record for id, or ErrDeviceNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*Device, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	raw, err := r.store.Read(ctx, Path(id))
	if err != nil {
		return nil, fmt.Errorf("reading device %s: %w", id, err)
	}
	if raw == nil {
		return nil, ErrDeviceNotFound
	}
	d, err := decodeDevice(id, raw)
	if err != nil {
		return nil, fmt.Errorf("decoding device %s: %w", id, err)
	}
	return d, nil
}

// Status returns the authoritative status of id. Unknown devices are out.
func (r *Registry) Status(ctx context.Context, id string) (Status, error) {
	d, err := r.Get(ctx, id)
	if errors.Is(err, ErrDeviceNotFound) {
		return StatusOut, nil
	}
	if err != nil {
		return StatusOut, err
	}
	return d.Status, nil
}

// SubscribeStatus calls fn with the status of id now and after every change
// to its record.
func (r *Registry) SubscribeStatus(id string, fn func(Status)) (func(), error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	return r.store.Subscribe(Path(id), func(raw json.RawMessage) {
		status := StatusOut
		if raw != nil {
			if d, err := decodeDevice(id, raw); err == nil {
				status = d.Status
			}
		}
		fn(status)
	})
}

// AcquireLock sets the lock on id if nobody holds it.
//
// Returns false with a nil error when the lock is already held or the
// conditional update gave up under contention.
func (r *Registry) AcquireLock(ctx context.Context, id string) (bool, error) {
	res, err := r.store.ConditionalUpdate(ctx, Path(id), func(current json.RawMessage) (any, error) {
		fields := make(map[string]json.RawMessage)
		if current != nil {
			if err := json.Unmarshal(current, &fields); err != nil || fields == nil {
				fields = make(map[string]json.RawMessage)
			}
		}
		if truthy(fields["lock"]) {
			return nil, store.ErrAbort
		}
		fields["lock"] = json.RawMessage("true")
		return fields, nil
	})
	if errors.Is(err, store.ErrContention) {
		r.logger.Debug("lock acquisition gave up", "device_id", id)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("locking device %s: %w", id, err)
	}
	return res.Committed, nil
}

// ReleaseLock clears the lock on id.
func (r *Registry) ReleaseLock(ctx context.Context, id string) error {
	if err := r.store.Merge(ctx, Path(id), map[string]any{"lock": nil}); err != nil {
		return fmt.Errorf("unlocking device %s: %w", id, err)
	}
	return nil
}

// SetStatus records the status of id.
func (r *Registry) SetStatus(ctx context.Context, id string, status Status) error {
	if err := r.store.Merge(ctx, Path(id), map[string]any{"status": status}); err != nil {
		return fmt.Errorf("setting status of device %s: %w", id, err)
	}
	return nil
}

// releaseTimeout bounds lock release once the request context is detached.
const releaseTimeout = 5 * time.Second
