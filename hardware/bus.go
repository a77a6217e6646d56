package hardware

import (
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/mesolab/mesovr/errors"
)

// NATS subjects for hardware bus traffic. The microcontroller gateway
// process bridges these subjects to the physical serial link.
const (
	SubjectCommands = "hw.commands"
	SubjectReports  = "hw.reports"
)

// NATSBus carries hardware messages over NATS: outbound commands are
// published to hw.commands and inbound device reports are consumed from
// hw.reports and dispatched to the controller.
type NATSBus struct {
	nc  *nats.Conn
	sub *nats.Subscription
}

// NewNATSBus creates a bus over an established NATS connection.
func NewNATSBus(nc *nats.Conn) *NATSBus {
	return &NATSBus{nc: nc}
}

// Send implements Bus.
func (b *NATSBus) Send(msg Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := b.nc.Publish(SubjectCommands, data); err != nil {
		return errors.Wrap(err, "hardware", "Send", "publishing command")
	}
	return nil
}

// Attach subscribes to device reports and feeds them to the controller. Call
// Detach before closing the connection.
func (b *NATSBus) Attach(c *Controller) error {
	sub, err := b.nc.Subscribe(SubjectReports, func(m *nats.Msg) {
		msg, err := DecodeMessage(m.Data)
		if err != nil {
			return
		}
		_ = c.Dispatch(msg)
	})
	if err != nil {
		return errors.Wrap(err, "hardware", "Attach", "subscribing to reports")
	}
	b.sub = sub
	return nil
}

// Detach stops consuming device reports.
func (b *NATSBus) Detach() error {
	if b.sub == nil {
		return nil
	}
	err := b.sub.Unsubscribe()
	b.sub = nil
	if err != nil {
		return errors.Wrap(err, "hardware", "Detach", "unsubscribing from reports")
	}
	return nil
}

// MemoryBus is an in-process bus used by tests and simulated sessions: sent
// messages are recorded and optionally handled by a device model.
type MemoryBus struct {
	// Handler, when set, models the device side and may generate report
	// messages in response to commands.
	Handler func(Message)

	mu   sync.Mutex
	sent []Message
}

// NewMemoryBus creates an in-process loopback bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Send implements Bus.
func (b *MemoryBus) Send(msg Message) error {
	b.mu.Lock()
	b.sent = append(b.sent, msg)
	handler := b.Handler
	b.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
	return nil
}

// Sent returns a copy of every message sent so far.
func (b *MemoryBus) Sent() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.sent))
	copy(out, b.sent)
	return out
}
