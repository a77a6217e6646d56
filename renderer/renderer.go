// Package renderer is the messaging channel to the external VR task
// renderer. Outbound traffic carries motion deltas and render/guidance
// toggles; inbound traffic carries termination notices and on-demand
// cue-sequence responses. Transport is MQTT pub/sub over named topics.
package renderer

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/mesolab/mesovr/component"
	"github.com/mesolab/mesovr/errors"
	"github.com/mesolab/mesovr/pkg/retry"
)

// Topics exchanged with the renderer.
const (
	TopicMotion      = "mesovr/treadmill/motion"
	TopicGuidance    = "mesovr/task/guidance"
	TopicRenderState = "mesovr/task/render"
	TopicCueRequest  = "mesovr/task/cues/request"
	TopicCueResponse = "mesovr/task/cues/response"
	TopicTerminated  = "mesovr/task/terminated"
)

// DefaultCueTimeout bounds one cue-sequence request round-trip.
const DefaultCueTimeout = 20 * time.Second

// DefaultCueRetries bounds automatic cue-request retries before the fault is
// escalated to the operator.
const DefaultCueRetries = 3

// EventKind identifies one inbound renderer notification.
type EventKind int

const (
	// EventTerminated is the renderer announcing session termination
	// (crash or manual stop).
	EventTerminated EventKind = iota + 1
)

// Event is one inbound renderer notification.
type Event struct {
	Kind EventKind
}

// transport abstracts the pub/sub layer so the channel logic can run against
// an in-process loopback in tests.
type transport interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler func(payload []byte)) error
	Close()
}

// pahoTransport is the production transport over an MQTT broker.
type pahoTransport struct {
	client mqtt.Client
}

func (t *pahoTransport) Publish(topic string, payload []byte) error {
	token := t.client.Publish(topic, 1, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return errors.Wrap(err, "renderer", "Publish", "publishing to "+topic)
	}
	return nil
}

func (t *pahoTransport) Subscribe(topic string, handler func(payload []byte)) error {
	token := t.client.Subscribe(topic, 1, func(_ mqtt.Client, m mqtt.Message) {
		handler(m.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return errors.Wrap(err, "renderer", "Subscribe", "subscribing to "+topic)
	}
	return nil
}

func (t *pahoTransport) Close() {
	t.client.Disconnect(250)
}

// Client is the renderer channel used by the runtime state machine.
type Client struct {
	tr      transport
	logger  *component.Logger
	timeout time.Duration
	retries int

	mu        sync.Mutex
	events    []Event
	cueWaiter chan []uint8
}

// Option configures a Client.
type Option func(*Client)

// WithCueTimeout overrides the per-attempt cue-request timeout.
func WithCueTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithCueRetries overrides the automatic cue-request retry bound.
func WithCueRetries(n int) Option {
	return func(c *Client) { c.retries = n }
}

// Connect dials the MQTT broker and subscribes to the renderer's outbound
// topics.
func Connect(brokerURL, clientID string, logger *component.Logger, opts ...Option) (*Client, error) {
	mqttOpts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(mqttOpts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, errors.Wrap(err, "renderer", "Connect", "connecting to broker")
	}
	return newClient(&pahoTransport{client: client}, logger, opts...)
}

func newClient(tr transport, logger *component.Logger, opts ...Option) (*Client, error) {
	c := &Client{
		tr:      tr,
		logger:  logger,
		timeout: DefaultCueTimeout,
		retries: DefaultCueRetries,
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := tr.Subscribe(TopicTerminated, c.onTerminated); err != nil {
		return nil, err
	}
	if err := tr.Subscribe(TopicCueResponse, c.onCueResponse); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) onTerminated([]byte) {
	c.mu.Lock()
	c.events = append(c.events, Event{Kind: EventTerminated})
	c.mu.Unlock()
	if c.logger != nil {
		c.logger.Warn("Renderer announced session termination")
	}
}

func (c *Client) onCueResponse(payload []byte) {
	var cues []uint8
	if err := msgpack.Unmarshal(payload, &cues); err != nil {
		if c.logger != nil {
			c.logger.Error("Discarding malformed cue-sequence response", err)
		}
		return
	}
	c.mu.Lock()
	waiter := c.cueWaiter
	c.cueWaiter = nil
	c.mu.Unlock()
	if waiter != nil {
		waiter <- cues
	}
}

// Drain returns at most one pending renderer event. The runtime cycle calls
// this exactly once per pass.
func (c *Client) Drain() (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return Event{}, false
	}
	ev := c.events[0]
	c.events = c.events[1:]
	return ev, true
}

// PublishMotion reports a treadmill motion delta in centimeters.
func (c *Client) PublishMotion(deltaCm float64) error {
	payload, err := msgpack.Marshal(deltaCm)
	if err != nil {
		return errors.Wrap(err, "renderer", "PublishMotion", "encoding motion delta")
	}
	return c.tr.Publish(TopicMotion, payload)
}

// SetGuidance toggles guided-reward mode in the task.
func (c *Client) SetGuidance(on bool) error {
	return c.publishBool(TopicGuidance, on)
}

// SetRenderState toggles the task's visual rendering (screens content).
func (c *Client) SetRenderState(on bool) error {
	return c.publishBool(TopicRenderState, on)
}

func (c *Client) publishBool(topic string, on bool) error {
	payload, err := msgpack.Marshal(on)
	if err != nil {
		return errors.Wrap(err, "renderer", "publishBool", "encoding toggle")
	}
	return c.tr.Publish(topic, payload)
}

// RequestCueSequence asks the renderer for the full cue sequence of the
// current task. Each attempt is bounded by the configured timeout; after the
// retry bound is exhausted the timeout is returned as a recoverable fault
// requiring operator acknowledgment.
func (c *Client) RequestCueSequence(ctx context.Context) ([]uint8, error) {
	attempt := 0
	// The per-attempt timeout already paces retries; the backoff between
	// attempts stays nominal.
	cfg := retry.Config{
		MaxAttempts:  c.retries,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1.0,
	}
	cues, err := retry.DoWithResult(ctx, cfg, func() ([]uint8, error) {
		attempt++
		cues, err := c.requestOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, retry.NonRetryable(err)
			}
			if c.logger != nil {
				c.logger.Warn(fmt.Sprintf("Cue sequence request attempt %d/%d timed out", attempt, c.retries))
			}
		}
		return cues, err
	})
	if err == nil {
		return cues, nil
	}
	if ctx.Err() != nil {
		return nil, errors.Wrap(ctx.Err(), "renderer", "RequestCueSequence", "requesting cue sequence")
	}
	return nil, errors.WrapRecoverable(
		fmt.Errorf("no response after %d attempts: %w", c.retries, errors.ErrCueRequestTimeout),
		"renderer", "RequestCueSequence", "requesting cue sequence")
}

func (c *Client) requestOnce(ctx context.Context) ([]uint8, error) {
	waiter := make(chan []uint8, 1)
	c.mu.Lock()
	c.cueWaiter = waiter
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cueWaiter = nil
		c.mu.Unlock()
	}()

	if err := c.tr.Publish(TopicCueRequest, nil); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case cues := <-waiter:
		return cues, nil
	case <-timer.C:
		return nil, errors.ErrCueRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close disconnects from the broker.
func (c *Client) Close() {
	c.tr.Close()
}
