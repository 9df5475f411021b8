package bus

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// envelope is the JSON document written to the bus. The original topic is
// kept inside the payload because NATS subjects use dot-separated tokens.
type envelope struct {
	Topic       string    `json:"topic"`
	Priority    string    `json:"priority,omitempty"`
	Source      string    `json:"source,omitempty"`
	PublishedAt time.Time `json:"publishedAt"`
	Payload     any       `json:"payload"`
}

// NATSPublisher publishes events to a NATS server.
type NATSPublisher struct {
	conn *nats.Conn
}

func NewNATSPublisher(url string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{conn: conn}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, topic string, payload any, opts Options) error {
	data, err := json.Marshal(envelope{
		Topic:       topic,
		Priority:    opts.Priority,
		Source:      opts.Source,
		PublishedAt: time.Now().UTC(),
		Payload:     payload,
	})
	if err != nil {
		return err
	}
	return p.conn.Publish(subjectFor(topic), data)
}

func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Drain()
		p.conn.Close()
	}
}

// subjectFor maps a topic like "alert:firing" onto the NATS subject
// "alert.firing".
func subjectFor(topic string) string {
	return strings.ReplaceAll(topic, ":", ".")
}
