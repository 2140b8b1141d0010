// internal/eventbus/nats.go
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSMirror republishes every bus event to a NATS subject so external
// consumers (exporters, audit sinks) can follow along. Mirroring is
// best-effort; failures are logged by the bus and never block delivery.
type NATSMirror struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSMirror connects to NATS and returns a mirror publishing under
// "<prefix>.<event type>".
func NewNATSMirror(url, prefix string) (*NATSMirror, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	if prefix == "" {
		prefix = "alexandria.events"
	}
	return &NATSMirror{conn: conn, prefix: prefix}, nil
}

// Publish implements Mirror.
func (m *NATSMirror) Publish(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return m.conn.Publish(m.prefix+"."+ev.Type, data)
}

// Close drains the connection.
func (m *NATSMirror) Close() {
	m.conn.Close()
}
