package renderer

import (
	"sync"

	"github.com/mesolab/mesovr/component"
)

// Loopback is an in-process transport used by tests and simulated sessions:
// published messages are delivered to an optional renderer-side model, and
// Inject plays the renderer's role for inbound topics.
type Loopback struct {
	mu        sync.Mutex
	handlers  map[string]func([]byte)
	onPublish func(topic string, payload []byte)
}

// NewLoopback creates an in-process transport.
func NewLoopback() *Loopback {
	return &Loopback{handlers: make(map[string]func([]byte))}
}

// OnPublish installs the renderer-side model that observes every outbound
// message.
func (l *Loopback) OnPublish(fn func(topic string, payload []byte)) {
	l.mu.Lock()
	l.onPublish = fn
	l.mu.Unlock()
}

// Inject delivers a message as if the renderer published it.
func (l *Loopback) Inject(topic string, payload []byte) {
	l.mu.Lock()
	handler := l.handlers[topic]
	l.mu.Unlock()
	if handler != nil {
		handler(payload)
	}
}

// Publish implements transport.
func (l *Loopback) Publish(topic string, payload []byte) error {
	l.mu.Lock()
	fn := l.onPublish
	l.mu.Unlock()
	if fn != nil {
		fn(topic, payload)
	}
	return nil
}

// Subscribe implements transport.
func (l *Loopback) Subscribe(topic string, handler func([]byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[topic] = handler
	return nil
}

// Close implements transport.
func (l *Loopback) Close() {}

// ConnectLoopback builds a Client over an in-process transport.
func ConnectLoopback(l *Loopback, logger *component.Logger, opts ...Option) (*Client, error) {
	return newClient(l, logger, opts...)
}
