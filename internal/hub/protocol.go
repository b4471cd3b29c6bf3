// Package hub terminates the per-document collaboration protocol: WebSocket
// sync and awareness framing, live-document replicas, cross-instance fan-out
// and debounced persistence.
package hub

import (
	"fmt"

	"noteshare/internal/ycrdt"
)

// Top-level message types of the binary channel.
const (
	messageSync           = uint64(0)
	messageAwareness      = uint64(1)
	messageAuth           = uint64(2)
	messageQueryAwareness = uint64(3)
)

// Sync subtypes.
const (
	syncStep1  = uint64(0)
	syncStep2  = uint64(1)
	syncUpdate = uint64(2)
)

// Auth payload markers.
const (
	authPermissionDenied  = uint64(0)
	authPermissionGranted = uint64(1)
)

// WebSocket close codes.
const (
	closeNormal        = 1000
	closeServerError   = 1011
	closeProtocolError = 4000
	closeOverloaded    = 4001
)

// Frame is a decoded inbound message.
type Frame struct {
	Type    uint64
	SubType uint64 // valid for sync frames only
	Payload []byte
}

// DecodeFrame parses one binary WebSocket message.
func DecodeFrame(data []byte) (Frame, error) {
	d := ycrdt.NewDecoder(data)
	msgType, err := d.ReadVarUint()
	if err != nil {
		return Frame{}, fmt.Errorf("failed to read message type: %w", err)
	}
	f := Frame{Type: msgType}
	switch msgType {
	case messageSync:
		sub, err := d.ReadVarUint()
		if err != nil {
			return Frame{}, fmt.Errorf("failed to read sync subtype: %w", err)
		}
		if sub != syncStep1 && sub != syncStep2 && sub != syncUpdate {
			return Frame{}, fmt.Errorf("unknown sync subtype %d", sub)
		}
		payload, err := d.ReadVarUint8Array()
		if err != nil {
			return Frame{}, fmt.Errorf("failed to read sync payload: %w", err)
		}
		f.SubType = sub
		f.Payload = payload
	case messageAwareness:
		payload, err := d.ReadVarUint8Array()
		if err != nil {
			return Frame{}, fmt.Errorf("failed to read awareness payload: %w", err)
		}
		f.Payload = payload
	case messageQueryAwareness, messageAuth:
		// No payload to parse on receipt.
	default:
		// Unknown types are tolerated; the caller counts and drops them.
	}
	return f, nil
}

func encodeSync(sub uint64, payload []byte) []byte {
	e := ycrdt.NewEncoder()
	e.WriteVarUint(messageSync)
	e.WriteVarUint(sub)
	e.WriteVarUint8Array(payload)
	return e.Bytes()
}

// encodeSyncStep1 frames "here is my state vector".
func encodeSyncStep1(stateVector []byte) []byte {
	return encodeSync(syncStep1, stateVector)
}

// encodeSyncStep2 frames "here are the updates you were missing".
func encodeSyncStep2(update []byte) []byte {
	return encodeSync(syncStep2, update)
}

// encodeSyncUpdate frames a live incremental update.
func encodeSyncUpdate(update []byte) []byte {
	return encodeSync(syncUpdate, update)
}

// encodeAwareness frames an awareness diff.
func encodeAwareness(payload []byte) []byte {
	e := ycrdt.NewEncoder()
	e.WriteVarUint(messageAwareness)
	e.WriteVarUint8Array(payload)
	return e.Bytes()
}

// encodeQueryAwareness frames a full-roster request.
func encodeQueryAwareness() []byte {
	e := ycrdt.NewEncoder()
	e.WriteVarUint(messageQueryAwareness)
	return e.Bytes()
}

// encodeAuthDenied frames a handshake rejection with a reason.
func encodeAuthDenied(reason string) []byte {
	e := ycrdt.NewEncoder()
	e.WriteVarUint(messageAuth)
	e.WriteVarUint(authPermissionDenied)
	e.WriteVarString(reason)
	return e.Bytes()
}

// encodeAuthGranted frames a successful handshake.
func encodeAuthGranted() []byte {
	e := ycrdt.NewEncoder()
	e.WriteVarUint(messageAuth)
	e.WriteVarUint(authPermissionGranted)
	return e.Bytes()
}
