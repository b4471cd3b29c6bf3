package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noteshare/internal/ycrdt"
)

func TestDecodeSyncFrames(t *testing.T) {
	sv := ycrdt.StateVector{1: 5}.Encode()

	f, err := DecodeFrame(encodeSyncStep1(sv))
	require.NoError(t, err)
	assert.Equal(t, messageSync, f.Type)
	assert.Equal(t, syncStep1, f.SubType)
	assert.Equal(t, sv, f.Payload)

	payload := []byte{0x01, 0x02}
	f, err = DecodeFrame(encodeSyncStep2(payload))
	require.NoError(t, err)
	assert.Equal(t, syncStep2, f.SubType)
	assert.Equal(t, payload, f.Payload)

	f, err = DecodeFrame(encodeSyncUpdate(payload))
	require.NoError(t, err)
	assert.Equal(t, syncUpdate, f.SubType)
}

func TestDecodeAwarenessFrame(t *testing.T) {
	payload := []byte("roster")
	f, err := DecodeFrame(encodeAwareness(payload))
	require.NoError(t, err)
	assert.Equal(t, messageAwareness, f.Type)
	assert.Equal(t, payload, f.Payload)
}

func TestDecodeQueryAwareness(t *testing.T) {
	f, err := DecodeFrame(encodeQueryAwareness())
	require.NoError(t, err)
	assert.Equal(t, messageQueryAwareness, f.Type)
	assert.Nil(t, f.Payload)
}

func TestDecodeAuthFrames(t *testing.T) {
	f, err := DecodeFrame(encodeAuthDenied("nope"))
	require.NoError(t, err)
	assert.Equal(t, messageAuth, f.Type)

	f, err = DecodeFrame(encodeAuthGranted())
	require.NoError(t, err)
	assert.Equal(t, messageAuth, f.Type)
}

func TestDecodeFrameErrors(t *testing.T) {
	_, err := DecodeFrame(nil)
	assert.Error(t, err)

	// Sync frame with a truncated payload.
	_, err = DecodeFrame([]byte{0x00, 0x02, 0x0a, 0x01})
	assert.Error(t, err)

	// Sync frame with an unknown subtype.
	_, err = DecodeFrame([]byte{0x00, 0x07, 0x00})
	assert.Error(t, err)
}

func TestDecodeUnknownTypeTolerated(t *testing.T) {
	f, err := DecodeFrame([]byte{0x2a})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), f.Type)
}
