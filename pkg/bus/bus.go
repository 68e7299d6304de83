package bus

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"

	"github.com/nats-io/nats.go"
)

// Rollout lifecycle subjects. Downstream consumers (dashboards, ticketing
// hooks) key durable consumers off these.
const (
	RolloutStartedSubject  = "patchwave.rollouts.started"
	RolloutFinishedSubject = "patchwave.rollouts.finished"
	StageDeployedSubject   = "patchwave.stages.deployed"
)

// Bus wraps a NATS JetStream connection used to publish rollout lifecycle
// events.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New creates a Bus connected to the provided NATS endpoint.
func New(url string, opts ...nats.Option) (*Bus, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &Bus{conn: nc, js: js}, nil
}

// NewFromEnv connects using NATS_URL. A missing NATS_URL returns a nil Bus
// with no error; event publishing is optional everywhere it is used.
func NewFromEnv() (*Bus, error) {
	url := strings.TrimSpace(os.Getenv("NATS_URL"))
	if url == "" {
		return nil, nil
	}
	return New(url)
}

// Close shuts down the underlying NATS connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Publish encodes v as JSON and publishes it to the given subject.
func (b *Bus) Publish(ctx context.Context, subj string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	_, err = b.js.Publish(subj, data, nats.Context(ctx))
	return err
}
