package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Store is the contract the occupancy core consumes.
type Store interface {
	// Read returns the value at path, or nil when absent. A path without a
	// value of its own but with direct children reads as a JSON object
	// keyed by child name.
	Read(ctx context.Context, path string) (json.RawMessage, error)

	// Write overwrites the value at path. A nil value deletes it.
	Write(ctx context.Context, path string, value any) error

	// Merge sets fields on the JSON object at path, leaving other fields
	// alone. A nil field value removes that field.
	Merge(ctx context.Context, path string, fields map[string]any) error

	// ConditionalUpdate atomically replaces the value at path with fn's
	// result. fn is re-run against the latest value whenever a concurrent
	// writer gets in first. Returning ErrAbort from fn leaves the value
	// untouched and yields an uncommitted Result.
	ConditionalUpdate(ctx context.Context, path string, fn UpdateFunc) (Result, error)

	// AppendUnique writes value under a freshly generated child key of path
	// and returns the key. Keys sort in generation order and are never reused.
	AppendUnique(ctx context.Context, path string, value any) (string, error)

	// Subscribe calls fn with the current value at path, then with the new
	// value after every committed change at, above or below path. Calls for
	// one subscription are sequential and in commit order. The returned
	// func ends the subscription.
	Subscribe(path string, fn Listener) (cancel func(), err error)
}

// UpdateFunc computes the next value from the current one (nil when absent).
type UpdateFunc func(current json.RawMessage) (next any, err error)

// Listener receives values pushed by a subscription.
type Listener func(value json.RawMessage)

// Result reports the outcome of a conditional update.
//
// Committed means the function saw a consistent value and its result was
// stored. It does not mean the value changed.
type Result struct {
	Committed bool
	Value     json.RawMessage
}

// Logger is the logging surface the store needs.
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

// Options configures a store backend.
type Options struct {
	// NodeID seeds the child key generator. Processes sharing one database
	// should use distinct values (0-1023).
	NodeID int64

	// MaxRetries is the conditional update retry ceiling. Zero means 25.
	MaxRetries int

	Logger Logger
}

const defaultMaxRetries = 25

// Join builds a path from segments, dropping empty ones.
func Join(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		s = strings.Trim(s, "/")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "/")
}

// ValidatePath rejects empty paths and paths with empty segments.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			return fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return nil
}

// affects reports whether a change at changed is visible to a subscriber of sub.
func affects(sub, changed string) bool {
	return sub == changed ||
		strings.HasPrefix(changed, sub+"/") ||
		strings.HasPrefix(sub, changed+"/")
}

// childName returns the direct child segment of parent in path, if any.
func childName(parent, path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, parent+"/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

// encode marshals a caller value. nil and JSON null both mean "absent".
func encode(value any) (json.RawMessage, error) {
	if value == nil {
		return nil, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encoding value: %w", err)
	}
	if string(raw) == "null" {
		return nil, nil
	}
	return raw, nil
}

// engine is the storage primitive behind a tree. Versions start at 1 for a
// new path and grow on every write; 0 means the path was never written.
// Deleted paths keep their row (nil value) so versions never repeat.
type engine interface {
	get(ctx context.Context, path string) (value json.RawMessage, version int64, err error)
	children(ctx context.Context, parent string) (map[string]json.RawMessage, error)

	// put stores value only if the current version equals expect.
	put(ctx context.Context, path string, value json.RawMessage, expect int64) (bool, error)
}

// tree implements Store over an engine. Commits and subscription snapshots
// are serialised on mu so listeners observe commits in order.
type tree struct {
	eng        engine
	keys       *keyGenerator
	maxRetries int
	logger     Logger

	mu       sync.Mutex
	watchers *watchers
	onCommit []func(path string)
	closed   bool
}

func newTree(eng engine, opts Options) (*tree, error) {
	keys, err := newKeyGenerator(opts.NodeID)
	if err != nil {
		return nil, err
	}
	t := &tree{
		eng:        eng,
		keys:       keys,
		maxRetries: opts.MaxRetries,
		logger:     opts.Logger,
	}
	if t.maxRetries <= 0 {
		t.maxRetries = defaultMaxRetries
	}
	if t.logger == nil {
		t.logger = noopLogger{}
	}
	t.watchers = newWatchers(t.logger)
	return t, nil
}

// OnCommit registers fn to be called with the path of every local commit,
// after the commit is visible. Used by Fanout.
func (t *tree) OnCommit(fn func(path string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCommit = append(t.onCommit, fn)
}

// Read implements Store.
func (t *tree) Read(ctx context.Context, path string) (json.RawMessage, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	return t.read(ctx, path)
}

func (t *tree) read(ctx context.Context, path string) (json.RawMessage, error) {
	value, _, err := t.eng.get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if value != nil {
		return value, nil
	}

	kids, err := t.eng.children(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", path, err)
	}
	if len(kids) == 0 {
		return nil, nil
	}
	obj, err := json.Marshal(kids)
	if err != nil {
		return nil, fmt.Errorf("assembling %s: %w", path, err)
	}
	return obj, nil
}

// Write implements Store.
func (t *tree) Write(ctx context.Context, path string, value any) error {
	raw, err := encode(value)
	if err != nil {
		return err
	}
	_, err = t.ConditionalUpdate(ctx, path, func(json.RawMessage) (any, error) {
		return raw, nil
	})
	return err
}

// Merge implements Store.
func (t *tree) Merge(ctx context.Context, path string, fields map[string]any) error {
	patch := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		raw, err := encode(v)
		if err != nil {
			return fmt.Errorf("field %s: %w", k, err)
		}
		patch[k] = raw
	}

	_, err := t.ConditionalUpdate(ctx, path, func(current json.RawMessage) (any, error) {
		obj := make(map[string]json.RawMessage)
		if current != nil {
			// A non-object value is replaced by the merged object.
			_ = json.Unmarshal(current, &obj) //nolint:errcheck // Non-objects start empty
			if obj == nil {
				obj = make(map[string]json.RawMessage)
			}
		}
		for k, raw := range patch {
			if raw == nil {
				delete(obj, k)
				continue
			}
			obj[k] = raw
		}
		if len(obj) == 0 {
			return nil, nil
		}
		return obj, nil
	})
	return err
}

// ConditionalUpdate implements Store.
func (t *tree) ConditionalUpdate(ctx context.Context, path string, fn UpdateFunc) (Result, error) {
	if err := ValidatePath(path); err != nil {
		return Result{}, err
	}

	var res Result
	attempts := 0
	op := func() error {
		attempts++
		current, version, err := t.eng.get(ctx, path)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("reading %s: %w", path, err))
		}

		nextAny, err := fn(current)
		if errors.Is(err, ErrAbort) {
			res = Result{Committed: false, Value: current}
			return nil
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		next, err := encode(nextAny)
		if err != nil {
			return backoff.Permanent(err)
		}

		ok, err := t.commit(ctx, path, next, version)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errConflict
		}
		res = Result{Committed: true, Value: next}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(newRetryBackOff(), uint64(t.maxRetries)), ctx))
	if errors.Is(err, errConflict) {
		t.logger.Warn("conditional update gave up", "path", path, "attempts", attempts)
		return Result{}, fmt.Errorf("%w: %s after %d attempts", ErrContention, path, attempts)
	}
	if err != nil {
		return Result{}, err
	}
	if attempts > 1 {
		t.logger.Debug("conditional update retried", "path", path, "attempts", attempts)
	}
	return res, nil
}

// AppendUnique implements Store.
func (t *tree) AppendUnique(ctx context.Context, path string, value any) (string, error) {
	if err := ValidatePath(path); err != nil {
		return "", err
	}
	raw, err := encode(value)
	if err != nil {
		return "", err
	}
	if raw == nil {
		return "", fmt.Errorf("appending to %s: value is empty", path)
	}

	// Insert-if-absent: a key collision from a misconfigured shared node ID
	// gets a fresh key instead of overwriting.
	const maxKeyAttempts = 3
	for range maxKeyAttempts {
		key := t.keys.Next()
		ok, err := t.commit(ctx, path+"/"+key, raw, 0)
		if err != nil {
			return "", err
		}
		if ok {
			return key, nil
		}
		t.logger.Warn("append key collision", "path", path, "key", key)
	}
	return "", fmt.Errorf("appending to %s: %w", path, ErrContention)
}

// Subscribe implements Store.
func (t *tree) Subscribe(path string, fn Listener) (func(), error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}

	current, err := t.read(context.Background(), path)
	if err != nil {
		return nil, err
	}
	sub := t.watchers.add(path, fn)
	sub.push(current)

	return func() { t.watchers.remove(sub) }, nil
}

// Refresh re-reads path and delivers it to matching subscribers. Fanout
// calls it for changes committed by other processes.
func (t *tree) Refresh(ctx context.Context, path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notifyLocked(ctx, path)
}

// Close ends every subscription. Reads and writes keep working; new
// subscriptions are refused.
func (t *tree) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.watchers.closeAll()
	return nil
}

// commit performs one compare-and-swap and, on success, snapshots the new
// state for every affected subscriber before releasing mu.
func (t *tree) commit(ctx context.Context, path string, value json.RawMessage, expect int64) (bool, error) {
	t.mu.Lock()
	ok, err := t.eng.put(ctx, path, value, expect)
	if err != nil {
		t.mu.Unlock()
		return false, fmt.Errorf("writing %s: %w", path, err)
	}
	if !ok {
		t.mu.Unlock()
		return false, nil
	}
	if err := t.notifyLocked(ctx, path); err != nil {
		t.logger.Error("snapshot for subscribers failed", "path", path, "error", err)
	}
	hooks := t.onCommit
	t.mu.Unlock()

	for _, hook := range hooks {
		hook(path)
	}
	return true, nil
}

func (t *tree) notifyLocked(ctx context.Context, changed string) error {
	var firstErr error
	for _, sub := range t.watchers.matching(changed) {
		value, err := t.read(ctx, sub.path)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sub.push(value)
	}
	return firstErr
}

// newRetryBackOff paces conditional update retries. The retry count, not
// elapsed time, bounds the loop.
func newRetryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
