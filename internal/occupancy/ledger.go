package occupancy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/coder/quartz"

	"github.com/nerrad567/headcount/internal/store"
)

// Logger is the logging surface the ledger needs.
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

// PointWriter receives occupancy telemetry. The InfluxDB client satisfies it.
type PointWriter interface {
	WritePoint(measurement string, tags map[string]string, fields map[string]any)
}

// Measurement is the telemetry measurement name for ledger points.
const Measurement = "occupancy"

// Ledger owns the shared counter and the history log.
//
// Thread Safety:
//   - All methods are safe for concurrent use; coordination happens in the store.
type Ledger struct {
	store  store.Store
	loc    *time.Location
	clock  quartz.Clock
	points PointWriter
	logger Logger
}

// NewLedger creates a ledger over s. loc decides how history times are rendered.
func NewLedger(s store.Store, loc *time.Location) *Ledger {
	if loc == nil {
		loc = time.Local
	}
	return &Ledger{
		store:  s,
		loc:    loc,
		clock:  quartz.NewReal(),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the ledger.
func (l *Ledger) SetLogger(logger Logger) {
	l.logger = logger
}

// SetClock replaces the clock used to stamp history entries.
func (l *Ledger) SetClock(clock quartz.Clock) {
	l.clock = clock
}

// SetPointWriter enables telemetry for committed mutations and resets.
func (l *Ledger) SetPointWriter(w PointWriter) {
	l.points = w
}

// Increment adds one to the counter.
//
// A conditional update that gives up under contention is reported as an
// uncommitted Mutation, not an error.
func (l *Ledger) Increment(ctx context.Context) (Mutation, error) {
	return l.mutate(ctx, 1, Entered)
}

// Decrement subtracts one from the counter, never going below zero.
// At zero it still commits, with Count == Previous == 0.
func (l *Ledger) Decrement(ctx context.Context) (Mutation, error) {
	return l.mutate(ctx, -1, Exited)
}

func (l *Ledger) mutate(ctx context.Context, delta int, action Action) (Mutation, error) {
	var previous int
	res, err := l.store.ConditionalUpdate(ctx, CounterPath, func(current json.RawMessage) (any, error) {
		previous = DecodeCount(current)
		return max(previous+delta, 0), nil
	})
	if errors.Is(err, store.ErrContention) {
		l.logger.Warn("counter update not committed", "action", action, "error", err)
		return Mutation{}, nil
	}
	if err != nil {
		return Mutation{}, fmt.Errorf("updating counter: %w", err)
	}
	if !res.Committed {
		return Mutation{}, nil
	}

	m := Mutation{Committed: true, Count: DecodeCount(res.Value), Previous: previous}
	l.writePoint(strings.ToLower(string(action)), m.Count)
	l.logger.Debug("counter committed", "action", action, "previous", m.Previous, "count", m.Count)
	return m, nil
}

// AppendHistory records one committed toggle under a fresh ordered key.
//
// Parameters:
//   - action: Entered or Exited
//   - count: the counter value the mutation produced
//   - deviceID: the device that toggled
//
// Returns:
//   - HistoryEntry: the stored entry, Key included
//   - error: ErrInvalidAction, or the store failure
func (l *Ledger) AppendHistory(ctx context.Context, action Action, count int, deviceID string) (HistoryEntry, error) {
	if action != Entered && action != Exited {
		return HistoryEntry{}, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}

	now := l.clock.Now()
	entry := HistoryEntry{
		Action:   action,
		Count:    count,
		Time:     now.In(l.loc).Format(TimeLayout),
		DeviceID: deviceID,
		TS:       now.UnixMilli(),
	}

	key, err := l.store.AppendUnique(ctx, HistoryPath, entry)
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("appending history: %w", err)
	}
	entry.Key = key
	return entry, nil
}

// Count returns the current counter value.
func (l *Ledger) Count(ctx context.Context) (int, error) {
	raw, err := l.store.Read(ctx, CounterPath)
	if err != nil {
		return 0, fmt.Errorf("reading counter: %w", err)
	}
	return DecodeCount(raw), nil
}

// History returns entries newest first. limit <= 0 returns everything.
func (l *Ledger) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	raw, err := l.store.Read(ctx, HistoryPath)
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	entries := l.decodeHistory(raw)
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// ResetCounter sets the counter to zero unconditionally. History is untouched.
func (l *Ledger) ResetCounter(ctx context.Context) error {
	if err := l.store.Write(ctx, CounterPath, 0); err != nil {
		return fmt.Errorf("resetting counter: %w", err)
	}
	l.writePoint("reset", 0)
	return nil
}

// SubscribeCount calls fn with the current count and then after every change.
func (l *Ledger) SubscribeCount(fn func(count int)) (func(), error) {
	return l.store.Subscribe(CounterPath, func(raw json.RawMessage) {
		fn(DecodeCount(raw))
	})
}

// SubscribeHistory calls fn with the full history, newest first, now and after every append.
func (l *Ledger) SubscribeHistory(fn func(entries []HistoryEntry)) (func(), error) {
	return l.store.Subscribe(HistoryPath, func(raw json.RawMessage) {
		fn(l.decodeHistory(raw))
	})
}

// decodeHistory turns the history object into sorted entries. Entries that
// fail to decode are skipped so one bad record cannot hide the rest.
func (l *Ledger) decodeHistory(raw json.RawMessage) []HistoryEntry {
	if raw == nil {
		return []HistoryEntry{}
	}
	var byKey map[string]json.RawMessage
	if err := json.Unmarshal(raw, &byKey); err != nil {
		l.logger.Warn("history is not an object", "error", err)
		return []HistoryEntry{}
	}

	entries := make([]HistoryEntry, 0, len(byKey))
	for key, value := range byKey {
		var e HistoryEntry
		if err := json.Unmarshal(value, &e); err != nil {
			l.logger.Warn("skipping malformed history entry", "key", key, "error", err)
			continue
		}
		e.Key = key
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].TS != entries[j].TS {
			return entries[i].TS > entries[j].TS
		}
		return entries[i].Key > entries[j].Key
	})
	return entries
}

func (l *Ledger) writePoint(action string, count int) {
	if l.points == nil {
		return
	}
	l.points.WritePoint(Measurement,
		map[string]string{"action": action},
		map[string]any{"count": count},
	)
}
