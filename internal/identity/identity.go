// Package identity produces and persists the stable per-device identifier.
//
// A device gets a random UUID the first time it is seen. The identifier is
// stored by a Source (a browser cookie for HTTP clients, a file for the
// simulator) and cached by a Provider so repeated look-ups return the same
// value.
package identity

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/headcount/internal/device"
)

// newRandomUUID is replaced in tests to exercise the fallback.
var newRandomUUID = uuid.NewRandom

// Generate returns a new device identifier. A v4 UUID is preferred; if the
// system random source fails, the fallback is "dev-" followed by a
// pseudo-random and a millisecond timestamp component, both base 36.
func Generate() string {
	if id, err := newRandomUUID(); err == nil {
		return id.String()
	}
	return fallbackID(time.Now())
}

func fallbackID(now time.Time) string {
	return "dev-" + strconv.FormatUint(rand.Uint64(), 36) + strconv.FormatInt(now.UnixMilli(), 36)
}

// Source loads and stores a device identifier.
type Source interface {
	// Load returns the stored identifier, or "" when there is none.
	Load() (string, error)
	Save(id string) error
}

// Provider resolves the device identifier once and caches it.
type Provider struct {
	src Source

	mu     sync.Mutex
	id     string
	issued bool
}

// NewProvider creates a provider backed by src.
func NewProvider(src Source) *Provider {
	return &Provider{src: src}
}

// ID returns the cached identifier, loading it from the source on first
// use. A missing or unusable stored value is replaced by a fresh one, which
// is saved before it is cached.
func (p *Provider) ID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.id != "" {
		return p.id, nil
	}

	id, err := p.src.Load()
	if err != nil {
		return "", fmt.Errorf("loading device id: %w", err)
	}
	if device.ValidateID(id) != nil {
		id = Generate()
		if err := p.src.Save(id); err != nil {
			return "", fmt.Errorf("saving device id: %w", err)
		}
		p.issued = true
	}
	p.id = id
	return id, nil
}

// Issued reports whether ID generated the identifier rather than loading it.
func (p *Provider) Issued() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.issued
}
