package cache

import (
	"fmt"

	"noteshare/internal/ycrdt"
)

// Message kinds carried over the fan-out channel.
const (
	// KindCRDTUpdate carries a Yjs binary update.
	KindCRDTUpdate = uint8(0)
	// KindAwareness carries an awareness (presence) update.
	KindAwareness = uint8(1)
)

// Message is one fan-out envelope: the kind of payload, the publishing
// instance id, and the raw protocol bytes.
type Message struct {
	Kind    uint8
	Origin  string
	Payload []byte
}

// Encode serializes the message for the wire.
func (m Message) Encode() []byte {
	e := ycrdt.NewEncoder()
	e.WriteUint8(m.Kind)
	e.WriteVarString(m.Origin)
	e.WriteVarUint8Array(m.Payload)
	return e.Bytes()
}

// DecodeMessage parses a wire-encoded fan-out message.
func DecodeMessage(data []byte) (Message, error) {
	d := ycrdt.NewDecoder(data)
	kind, err := d.ReadByte()
	if err != nil {
		return Message{}, fmt.Errorf("failed to decode message kind: %w", err)
	}
	if kind != KindCRDTUpdate && kind != KindAwareness {
		return Message{}, fmt.Errorf("unknown fanout message kind %d", kind)
	}
	origin, err := d.ReadVarString()
	if err != nil {
		return Message{}, fmt.Errorf("failed to decode message origin: %w", err)
	}
	payload, err := d.ReadVarUint8Array()
	if err != nil {
		return Message{}, fmt.Errorf("failed to decode message payload: %w", err)
	}
	return Message{
		Kind:    kind,
		Origin:  origin,
		Payload: append([]byte(nil), payload...),
	}, nil
}
