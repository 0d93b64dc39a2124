package delivery

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/austindbirch/harbor_mail/internal/outbox"
)

const DLQType = "delivery.failed_terminal"

type DeadLetter struct {
	Type       string   `json:"type"`    // "delivery.failed_terminal"
	Version    string   `json:"version"` // schema version
	At         string   `json:"at"`      // RFC3339 time the task was parked
	Reason     string   `json:"reason"`  // permanent | max_attempts
	Attempt    int      `json:"attempt"` // attempts consumed
	StatusCode int      `json:"status_code,omitempty"`
	LastError  string   `json:"last_error,omitempty"`
	Task       Snapshot `json:"task"`
}

func NewDeadLetter(t outbox.Task, statusCode int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:       DLQType,
		Version:    "v1",
		At:         time.Now().Format(time.RFC3339Nano),
		Reason:     reason,
		Attempt:    t.Attempt,
		StatusCode: statusCode,
		LastError:  lastErr,
		Task:       snapshotOf(t),
	}
}

// Publisher is satisfied by *nsq.Producer.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// DeadLetters announces failed-terminal tasks on an NSQ topic. The outbox row
// stays the source of truth; publishing is best effort.
type DeadLetters struct {
	producer Publisher
	topic    string
}

func NewDeadLetters(p Publisher, topic string) *DeadLetters {
	return &DeadLetters{producer: p, topic: topic}
}

func (d *DeadLetters) Publish(dl DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := d.producer.Publish(d.topic, b); err != nil {
		return fmt.Errorf("publish dead letter to %s: %w", d.topic, err)
	}
	return nil
}

func (d *DeadLetters) Topic() string { return d.topic }
