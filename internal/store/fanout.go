package store

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Broker is the messaging surface Fanout needs. main adapts the MQTT client to it.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte) error) error
}

// Refresher is a store whose local commits can be observed and whose
// subscribers can be fed changes made elsewhere.
type Refresher interface {
	OnCommit(fn func(path string))
	Refresh(ctx context.Context, path string) error
}

// changeEnvelope announces one committed path.
type changeEnvelope struct {
	Origin string `cbor:"1,keyasint"`
	Path   string `cbor:"2,keyasint"`
	At     int64  `cbor:"3,keyasint"`
}

const refreshTimeout = 5 * time.Second

// Fanout relays committed paths between processes that share a database so
// each process can push the other's writes to its own subscribers.
//
// Announcements carry only the path. Receivers re-read the value, so a lost
// or reordered message delays a live update but never corrupts state.
type Fanout struct {
	broker Broker
	topic  string
	qos    byte
	origin string
	target Refresher
	logger Logger
}

// NewFanout creates a fan-out for target on topic. Call Start to wire it up.
func NewFanout(broker Broker, topic string, qos byte, target Refresher) *Fanout {
	return &Fanout{
		broker: broker,
		topic:  topic,
		qos:    qos,
		origin: uuid.NewString(),
		target: target,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the fan-out.
func (f *Fanout) SetLogger(logger Logger) {
	f.logger = logger
}

// Origin returns the identifier this process stamps on its announcements.
func (f *Fanout) Origin() string {
	return f.origin
}

// Start subscribes to the change topic and begins announcing local commits.
func (f *Fanout) Start() error {
	if err := f.broker.Subscribe(f.topic, f.qos, f.handle); err != nil {
		return fmt.Errorf("subscribing to %s: %w", f.topic, err)
	}
	f.target.OnCommit(f.announce)
	return nil
}

func (f *Fanout) announce(path string) {
	payload, err := cbor.Marshal(changeEnvelope{
		Origin: f.origin,
		Path:   path,
		At:     time.Now().UnixMilli(),
	})
	if err != nil {
		f.logger.Error("encoding change envelope", "path", path, "error", err)
		return
	}
	if err := f.broker.Publish(f.topic, payload, f.qos, false); err != nil {
		// Other processes miss a live update; their next read is still correct.
		f.logger.Warn("announcing change failed", "path", path, "error", err)
	}
}

func (f *Fanout) handle(_ string, payload []byte) error {
	var env changeEnvelope
	if err := cbor.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decoding change envelope: %w", err)
	}
	if env.Origin == f.origin {
		return nil
	}
	if err := ValidatePath(env.Path); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	if err := f.target.Refresh(ctx, env.Path); err != nil {
		return fmt.Errorf("refreshing %s: %w", env.Path, err)
	}
	f.logger.Debug("applied remote change", "path", env.Path, "origin", env.Origin)
	return nil
}
