// Package messagebus bridges the in-process event bus onto NATS so other
// processes (dashboards, remote supervisors) can follow a mayor instance
// without holding an HTTP connection to it.
package messagebus

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/beadworks/mayor/internal/eventbus"
)

// Bridge mirrors local events to NATS subjects <prefix>.<event-type>,
// with ':' in event types mapped to '.' (task:moved -> prefix.task.moved).
type Bridge struct {
	conn   *nats.Conn
	prefix string
	unsub  func()
}

// Connect dials NATS and starts mirroring events from bus.
func Connect(url, subjectPrefix string, bus *eventbus.Bus) (*Bridge, error) {
	conn, err := nats.Connect(url,
		nats.Name("mayor"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("[MessageBus] disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[MessageBus] reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	b := &Bridge{conn: conn, prefix: subjectPrefix}
	b.unsub = bus.Subscribe("", b.forward)
	log.Printf("[MessageBus] bridging events to %s.>", subjectPrefix)
	return b, nil
}

// Subject maps an event type to its NATS subject.
func (b *Bridge) Subject(eventType string) string {
	return b.prefix + "." + strings.ReplaceAll(eventType, ":", ".")
}

func (b *Bridge) forward(ev eventbus.Event) {
	if ev.Type == eventbus.EventKeepAlive {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[MessageBus] marshal event %s: %v", ev.Type, err)
		return
	}
	if err := b.conn.Publish(b.Subject(ev.Type), payload); err != nil {
		log.Printf("[MessageBus] publish %s: %v", ev.Type, err)
	}
}

// Close detaches from the local bus and drains the NATS connection.
func (b *Bridge) Close() {
	if b.unsub != nil {
		b.unsub()
	}
	if b.conn != nil {
		b.conn.Drain()
	}
}
