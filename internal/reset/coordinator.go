// Package reset zeroes the occupancy counter once per calendar day.
//
// Every process runs its own Coordinator against the shared store; there is
// no central scheduler and no lock. Two processes that both see a stale
// marker will both reset, which writes 0 twice and the same date twice.
package reset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"

	"github.com/nerrad567/headcount/internal/occupancy"
	"github.com/nerrad567/headcount/internal/store"
)

// DateLayout is the format of the shared last-reset marker.
const DateLayout = "2006-01-02"

// DefaultInterval is how often Run looks at the clock.
const DefaultInterval = time.Second

// Logger is the logging surface the coordinator needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Coordinator performs the daily reset check.
type Coordinator struct {
	store    store.Store
	ledger   *occupancy.Ledger
	loc      *time.Location
	clock    quartz.Clock
	interval time.Duration
	logger   Logger
	onReset  func(date string)

	resets atomic.Int64
}

// NewCoordinator creates a coordinator. Dates are computed in loc.
func NewCoordinator(s store.Store, ledger *occupancy.Ledger, loc *time.Location) *Coordinator {
	if loc == nil {
		loc = time.Local
	}
	return &Coordinator{
		store:    s,
		ledger:   ledger,
		loc:      loc,
		clock:    quartz.NewReal(),
		interval: DefaultInterval,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the coordinator.
func (c *Coordinator) SetLogger(logger Logger) {
	c.logger = logger
}

// SetClock replaces the clock. Tests pass a quartz mock.
func (c *Coordinator) SetClock(clock quartz.Clock) {
	c.clock = clock
}

// SetInterval sets the tick interval used by Run. Non-positive values are ignored.
func (c *Coordinator) SetInterval(d time.Duration) {
	if d > 0 {
		c.interval = d
	}
}

// OnReset registers fn to run after every reset this coordinator performs.
func (c *Coordinator) OnReset(fn func(date string)) {
	c.onReset = fn
}

// Resets returns how many resets this coordinator has performed.
func (c *Coordinator) Resets() int64 {
	return c.resets.Load()
}

// Today returns the local calendar date.
func (c *Coordinator) Today() string {
	return c.clock.Now().In(c.loc).Format(DateLayout)
}

// CheckAndReset zeroes the counter if the marker is not today's date, then
// records today's date. Returns true when it reset.
//
// Read, reset and marker write are three separate operations.
func (c *Coordinator) CheckAndReset(ctx context.Context) (bool, error) {
	today := c.Today()

	raw, err := c.store.Read(ctx, occupancy.ResetMarkerPath)
	if err != nil {
		return false, fmt.Errorf("reading reset marker: %w", err)
	}
	var marker string
	if raw != nil {
		if err := json.Unmarshal(raw, &marker); err != nil {
			c.logger.Warn("reset marker is not a date string", "value", string(raw))
		}
	}
	if marker == today {
		return false, nil
	}

	if err := c.ledger.ResetCounter(ctx); err != nil {
		return false, err
	}
	if err := c.store.Write(ctx, occupancy.ResetMarkerPath, today); err != nil {
		return true, fmt.Errorf("writing reset marker: %w", err)
	}

	c.resets.Add(1)
	c.logger.Info("daily reset performed", "date", today, "previous", marker)
	if c.onReset != nil {
		c.onReset(today)
	}
	return true, nil
}

// Run checks once, then on every tick where the local date differs from
// the previous tick's. It returns when ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	if _, err := c.CheckAndReset(ctx); err != nil {
		c.logger.Error("daily reset check failed", "error", err)
	}

	prev := c.Today()
	w := c.clock.TickerFunc(ctx, c.interval, func() error {
		today := c.Today()
		if today == prev {
			return nil
		}
		c.logger.Debug("date changed", "from", prev, "to", today)
		prev = today
		if _, err := c.CheckAndReset(ctx); err != nil {
			c.logger.Error("daily reset check failed", "error", err)
		}
		return nil
	}, "reset")

	err := w.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
