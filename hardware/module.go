// Package hardware defines the module contract for every Mesoscope-VR
// peripheral (valve, lick sensor, wheel brake, encoder, torque sensor, VR
// screens, frame-sync TTL) and the Controller hub that owns them.
//
// Modules speak a uniform command/state protocol over a Bus: commands go out
// as addressed messages, device state comes back through ProcessReceivedData.
// The runtime state machine addresses every module polymorphically through
// the Module interface and never talks to a device directly.
package hardware

import (
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/mesolab/mesovr/errors"
)

// Source IDs identify each module in the shared event log and address it on
// the bus.
const (
	SourceController uint8 = 1
	SourceValve      uint8 = 101
	SourceLick       uint8 = 102
	SourceBrake      uint8 = 103
	SourceEncoder    uint8 = 104
	SourceTorque     uint8 = 105
	SourceScreens    uint8 = 106
	SourceFrameSync  uint8 = 107
)

// Command codes shared by all modules. Module-specific codes start at 16.
const (
	CmdEnable  uint8 = 1
	CmdDisable uint8 = 2
)

// Message is one addressed frame on the hardware bus, in either direction.
type Message struct {
	Module uint8  `msgpack:"m"`
	Code   uint8  `msgpack:"c"`
	Data   []byte `msgpack:"d,omitempty"`
}

// Encode serializes a message for bus transport.
func (m Message) Encode() ([]byte, error) {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "hardware", "Encode", "encoding bus message")
	}
	return data, nil
}

// DecodeMessage deserializes a bus frame.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return Message{}, errors.Wrap(err, "hardware", "DecodeMessage", "decoding bus message")
	}
	return m, nil
}

// Bus carries messages to the microcontroller that multiplexes the physical
// devices. Implementations must be safe for concurrent Send.
type Bus interface {
	Send(msg Message) error
}

// Module is the uniform contract every peripheral adapter implements. The
// state machine issues commands through SendCommand and the Controller feeds
// inbound bus traffic to ProcessReceivedData; typed state accessors are
// defined per module.
type Module interface {
	Name() string
	SourceID() uint8
	SendCommand(code uint8, data []byte) error
	ProcessReceivedData(msg Message) error
}

// valueU32 decodes the standard 4-byte little-endian reading payload.
func valueU32(data []byte) (uint32, bool) {
	if len(data) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(data), true
}

// valueI32 decodes the standard 4-byte little-endian signed reading payload.
func valueI32(data []byte) (int32, bool) {
	v, ok := valueU32(data)
	return int32(v), ok
}
