package runtime

import (
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/mesolab/mesovr/component"
	"github.com/mesolab/mesovr/errors"
)

// ControlSubject is the NATS subject keyboard and GUI listeners publish
// operator commands to.
const ControlSubject = "control.runtime"

// ControlMessage is one operator command from a keyboard or GUI listener.
type ControlMessage struct {
	// Command is one of "exit", "reward", "pause", "speed", "duration".
	Command string `json:"command"`
	// Delta applies to the speed and duration threshold modifiers.
	Delta int `json:"delta,omitempty"`
}

// Flags is the fixed set of operator control fields polled once per runtime
// cycle. Exit, reward, and pause-toggle are edge-triggered and reset on
// read; the speed and duration modifiers are level-valued and persist.
type Flags struct {
	mu sync.Mutex

	exit        bool
	reward      bool
	pauseToggle bool
	speedMod    int
	durationMod int

	sub *nats.Subscription
}

// NewFlags creates an empty flag set.
func NewFlags() *Flags { return &Flags{} }

// SetExit requests runtime termination.
func (f *Flags) SetExit() {
	f.mu.Lock()
	f.exit = true
	f.mu.Unlock()
}

// TakeExit reads and clears the exit request.
func (f *Flags) TakeExit() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.exit
	f.exit = false
	return v
}

// SetReward requests a manual reward delivery.
func (f *Flags) SetReward() {
	f.mu.Lock()
	f.reward = true
	f.mu.Unlock()
}

// TakeReward reads and clears the manual reward request.
func (f *Flags) TakeReward() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.reward
	f.reward = false
	return v
}

// SetPauseToggle requests a pause/resume flip.
func (f *Flags) SetPauseToggle() {
	f.mu.Lock()
	f.pauseToggle = true
	f.mu.Unlock()
}

// TakePauseToggle reads and clears the pause/resume request.
func (f *Flags) TakePauseToggle() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.pauseToggle
	f.pauseToggle = false
	return v
}

// AdjustSpeed shifts the running-speed threshold modifier.
func (f *Flags) AdjustSpeed(delta int) {
	f.mu.Lock()
	f.speedMod += delta
	f.mu.Unlock()
}

// SpeedModifier returns the persistent speed threshold modifier.
func (f *Flags) SpeedModifier() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.speedMod
}

// AdjustDuration shifts the running-duration threshold modifier.
func (f *Flags) AdjustDuration(delta int) {
	f.mu.Lock()
	f.durationMod += delta
	f.mu.Unlock()
}

// DurationModifier returns the persistent duration threshold modifier.
func (f *Flags) DurationModifier() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.durationMod
}

// Apply folds one control message into the flag set.
func (f *Flags) Apply(msg ControlMessage) {
	switch msg.Command {
	case "exit":
		f.SetExit()
	case "reward":
		f.SetReward()
	case "pause":
		f.SetPauseToggle()
	case "speed":
		f.AdjustSpeed(msg.Delta)
	case "duration":
		f.AdjustDuration(msg.Delta)
	}
}

// ListenNATS subscribes to operator commands published by out-of-process
// keyboard/GUI listeners. Call StopListening before closing the connection.
func (f *Flags) ListenNATS(nc *nats.Conn, logger *component.Logger) error {
	sub, err := nc.Subscribe(ControlSubject, func(m *nats.Msg) {
		var msg ControlMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			if logger != nil {
				logger.Warn("Discarding malformed control message")
			}
			return
		}
		f.Apply(msg)
	})
	if err != nil {
		return errors.Wrap(err, "runtime", "ListenNATS", "subscribing to control subject")
	}
	f.mu.Lock()
	f.sub = sub
	f.mu.Unlock()
	return nil
}

// StopListening unsubscribes from the control subject.
func (f *Flags) StopListening() error {
	f.mu.Lock()
	sub := f.sub
	f.sub = nil
	f.mu.Unlock()
	if sub == nil {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return errors.Wrap(err, "runtime", "StopListening", "unsubscribing from control subject")
	}
	return nil
}
