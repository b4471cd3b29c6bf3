package ycrdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarUintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 0x7f, 0x80, 0x3fff, 0x4000, 1<<32 - 1, 1 << 40, 1<<63 + 5}

	e := NewEncoder()
	for _, v := range values {
		e.WriteVarUint(v)
	}

	d := NewDecoder(e.Bytes())
	for _, want := range values {
		got, err := d.ReadVarUint()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 0, d.Remaining())
}

func TestVarIntRoundTrip(t *testing.T) {
	values := []int64{0, 1, -1, 63, -63, 64, -64, 1 << 20, -(1 << 20), 1<<52 - 1}

	e := NewEncoder()
	for _, v := range values {
		e.WriteVarInt(v)
	}

	d := NewDecoder(e.Bytes())
	for _, want := range values {
		got, err := d.ReadVarInt()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestVarStringRoundTrip(t *testing.T) {
	values := []string{"", "hello", "héllo wörld", "日本語", "emoji 🚀 text"}

	e := NewEncoder()
	for _, v := range values {
		e.WriteVarString(v)
	}

	d := NewDecoder(e.Bytes())
	for _, want := range values {
		got, err := d.ReadVarString()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestAnyRoundTrip(t *testing.T) {
	values := []any{
		nil,
		true,
		false,
		int64(42),
		int64(-7),
		3.5,
		"text",
		[]any{int64(1), "two", nil},
		map[string]any{"name": "peer", "cursor": int64(12)},
		[]byte{0x01, 0x02, 0x03},
	}

	e := NewEncoder()
	for _, v := range values {
		e.WriteAny(v)
	}

	d := NewDecoder(e.Bytes())
	for _, want := range values {
		got, err := d.ReadAny()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestDecoderTruncatedInput(t *testing.T) {
	e := NewEncoder()
	e.WriteVarString("truncate me")
	full := e.Bytes()

	d := NewDecoder(full[:3])
	_, err := d.ReadVarString()
	assert.ErrorIs(t, err, ErrUnexpectedEOF)
}

func TestUTF16Len(t *testing.T) {
	assert.Equal(t, uint64(5), utf16Len("Hello"))
	// Astral-plane characters occupy two UTF-16 code units.
	assert.Equal(t, uint64(2), utf16Len("🚀"))
	assert.Equal(t, uint64(7), utf16Len("ab🚀cd1"))
}

func TestSplitUTF16(t *testing.T) {
	left, right := splitUTF16("Hello", 2)
	assert.Equal(t, "He", left)
	assert.Equal(t, "llo", right)

	left, right = splitUTF16("a🚀b", 3)
	assert.Equal(t, "a🚀", left)
	assert.Equal(t, "b", right)
}
