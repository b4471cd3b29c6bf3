package ycrdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// textInsert builds a single-item update appending text after origin (or at
// the start of the named root when origin is nil), the way a client encodes
// an insertion at the document end.
func textInsert(client, clock uint64, origin *ID, root, text string) []byte {
	return textInsertBetween(client, clock, origin, nil, root, text)
}

// textInsertBetween builds an insertion with both neighbors known, the way a
// client encodes an insertion in the middle of existing content.
func textInsertBetween(client, clock uint64, origin, rightOrigin *ID, root, text string) []byte {
	it := &Item{
		ID:          ID{Client: client, Clock: clock},
		Origin:      origin,
		RightOrigin: rightOrigin,
		Content:     &ContentString{Str: text},
	}
	if origin == nil && rightOrigin == nil {
		it.ParentName = root
	}
	return EncodeUpdate(&Update{
		Structs: map[uint64][]Struct{client: {it}},
		Deletes: make(DeleteSet),
	})
}

// deleteOnly builds an update carrying nothing but a delete range.
func deleteOnly(client, clock, length uint64) []byte {
	ds := make(DeleteSet)
	ds.Add(client, clock, length)
	return EncodeUpdate(&Update{Structs: map[uint64][]Struct{}, Deletes: ds})
}

func TestApplySingleInsert(t *testing.T) {
	doc := NewDoc()
	require.NoError(t, doc.ApplyUpdate(textInsert(1, 0, nil, "content", "Hello")))

	assert.Equal(t, "Hello", doc.Text("content"))
	assert.Equal(t, StateVector{1: 5}, doc.StateVector())
}

func TestApplySequentialInserts(t *testing.T) {
	doc := NewDoc()
	require.NoError(t, doc.ApplyUpdate(textInsert(1, 0, nil, "content", "Hello")))
	require.NoError(t, doc.ApplyUpdate(textInsert(1, 5, &ID{Client: 1, Clock: 4}, "content", " world")))

	assert.Equal(t, "Hello world", doc.Text("content"))
}

func TestApplyIsIdempotent(t *testing.T) {
	doc := NewDoc()
	u := textInsert(1, 0, nil, "content", "Hello")
	require.NoError(t, doc.ApplyUpdate(u))
	require.NoError(t, doc.ApplyUpdate(u))

	assert.Equal(t, "Hello", doc.Text("content"))
	assert.Equal(t, StateVector{1: 5}, doc.StateVector())
}

func TestMidItemInsertSplits(t *testing.T) {
	doc := NewDoc()
	require.NoError(t, doc.ApplyUpdate(textInsert(1, 0, nil, "content", "Hello")))
	// Insert between the "e" (clock 1) and the first "l" (clock 2).
	require.NoError(t, doc.ApplyUpdate(textInsertBetween(2, 0,
		&ID{Client: 1, Clock: 1}, &ID{Client: 1, Clock: 2}, "", "XX")))

	assert.Equal(t, "HeXXllo", doc.Text("content"))
}

func TestConcurrentInsertsConverge(t *testing.T) {
	u1 := textInsert(1, 0, nil, "content", "Hello ")
	u2 := textInsert(2, 0, nil, "content", "World")

	a := NewDoc()
	require.NoError(t, a.ApplyUpdate(u1))
	require.NoError(t, a.ApplyUpdate(u2))

	b := NewDoc()
	require.NoError(t, b.ApplyUpdate(u2))
	require.NoError(t, b.ApplyUpdate(u1))

	assert.Equal(t, a.Text("content"), b.Text("content"))
	// Same-position concurrent inserts order by ascending client id.
	assert.Equal(t, "Hello World", a.Text("content"))
}

func TestConcurrentMidInsertsConverge(t *testing.T) {
	base := textInsert(1, 0, nil, "content", "ac")
	// Both peers insert between "a" and "c" concurrently.
	u2 := textInsertBetween(2, 0, &ID{Client: 1, Clock: 0}, &ID{Client: 1, Clock: 1}, "", "b")
	u3 := textInsertBetween(3, 0, &ID{Client: 1, Clock: 0}, &ID{Client: 1, Clock: 1}, "", "x")

	a := NewDoc()
	for _, u := range [][]byte{base, u2, u3} {
		require.NoError(t, a.ApplyUpdate(u))
	}
	b := NewDoc()
	for _, u := range [][]byte{base, u3, u2} {
		require.NoError(t, b.ApplyUpdate(u))
	}

	assert.Equal(t, a.Text("content"), b.Text("content"))
	assert.Equal(t, "abxc", a.Text("content"))
}

func TestDeleteRange(t *testing.T) {
	doc := NewDoc()
	require.NoError(t, doc.ApplyUpdate(textInsert(1, 0, nil, "content", "Hello")))
	require.NoError(t, doc.ApplyUpdate(deleteOnly(1, 0, 2)))

	assert.Equal(t, "llo", doc.Text("content"))
}

func TestDeleteMidRangeSplits(t *testing.T) {
	doc := NewDoc()
	require.NoError(t, doc.ApplyUpdate(textInsert(1, 0, nil, "content", "Hello")))
	require.NoError(t, doc.ApplyUpdate(deleteOnly(1, 1, 3)))

	assert.Equal(t, "Ho", doc.Text("content"))
}

func TestDeleteSetWireLayout(t *testing.T) {
	// A delete-only update for {client 1, clock 1, len 2}: no struct clients,
	// one delete-set client, one range with the absolute clock and the exact
	// length.
	ds := make(DeleteSet)
	ds.Add(1, 1, 2)
	encoded := EncodeUpdate(&Update{Structs: map[uint64][]Struct{}, Deletes: ds})
	assert.Equal(t, []byte{0x00, 0x01, 0x01, 0x01, 0x01, 0x02}, encoded)

	// The same bytes hand-assembled decode back to the same range.
	doc := NewDoc()
	require.NoError(t, doc.ApplyUpdate(textInsert(1, 0, nil, "content", "Hello")))
	require.NoError(t, doc.ApplyUpdate([]byte{0x00, 0x01, 0x01, 0x01, 0x01, 0x02}))
	assert.Equal(t, "Hlo", doc.Text("content"))
}

func TestDeleteSetMultiRangeDecoding(t *testing.T) {
	doc := NewDoc()
	require.NoError(t, doc.ApplyUpdate(textInsert(1, 0, nil, "content", "abcdefgh")))

	// Two ranges for client 1: [1,2) and [5,7), each with its own absolute
	// clock.
	e := NewEncoder()
	e.WriteVarUint(0) // struct clients
	e.WriteVarUint(1) // delete-set clients
	e.WriteVarUint(1) // client id
	e.WriteVarUint(2) // ranges
	e.WriteVarUint(1)
	e.WriteVarUint(1)
	e.WriteVarUint(5)
	e.WriteVarUint(2)
	require.NoError(t, doc.ApplyUpdate(e.Bytes()))

	assert.Equal(t, "acdeh", doc.Text("content"))
}

func TestSnapshotRoundTrip(t *testing.T) {
	doc := NewDoc()
	require.NoError(t, doc.ApplyUpdate(textInsert(1, 0, nil, "content", "Hello")))
	require.NoError(t, doc.ApplyUpdate(textInsert(2, 0, nil, "content", "!")))
	require.NoError(t, doc.ApplyUpdate(deleteOnly(1, 0, 1)))

	fresh := NewDoc()
	require.NoError(t, fresh.ApplyUpdate(doc.Snapshot()))

	assert.Equal(t, doc.Text("content"), fresh.Text("content"))
	assert.Equal(t, doc.StateVector(), fresh.StateVector())
	assert.Equal(t, "ello!", fresh.Text("content"))
}

func TestDiffAgainstStateVector(t *testing.T) {
	doc := NewDoc()
	require.NoError(t, doc.ApplyUpdate(textInsert(1, 0, nil, "content", "Hello")))
	require.NoError(t, doc.ApplyUpdate(textInsert(2, 0, nil, "content", " hi")))

	// A peer that already has all of client 1 only needs client 2's structs.
	diff := doc.EncodeStateAsUpdate(StateVector{1: 5})
	u, err := DecodeUpdate(diff)
	require.NoError(t, err)
	assert.NotContains(t, u.Structs, uint64(1))
	assert.Contains(t, u.Structs, uint64(2))

	peer := NewDoc()
	require.NoError(t, peer.ApplyUpdate(textInsert(1, 0, nil, "content", "Hello")))
	require.NoError(t, peer.ApplyUpdate(diff))
	assert.Equal(t, doc.Text("content"), peer.Text("content"))
}

func TestDiffSplitsPartialItem(t *testing.T) {
	doc := NewDoc()
	require.NoError(t, doc.ApplyUpdate(textInsert(1, 0, nil, "content", "Hello")))

	// The remote already has the first two clock units of client 1.
	diff := doc.EncodeStateAsUpdate(StateVector{1: 2})

	peer := NewDoc()
	require.NoError(t, peer.ApplyUpdate(textInsert(1, 0, nil, "content", "He")))
	require.NoError(t, peer.ApplyUpdate(diff))
	assert.Equal(t, "Hello", peer.Text("content"))
}

func TestMissingDependencyIsParked(t *testing.T) {
	doc := NewDoc()
	// Continuation arrives before its prefix.
	require.NoError(t, doc.ApplyUpdate(textInsert(1, 5, &ID{Client: 1, Clock: 4}, "", "B")))

	assert.Equal(t, 1, doc.PendingStructs())
	assert.Equal(t, "", doc.Text("content"))

	require.NoError(t, doc.ApplyUpdate(textInsert(1, 0, nil, "content", "Hello")))
	assert.Equal(t, 0, doc.PendingStructs())
	assert.Equal(t, "HelloB", doc.Text("content"))
}

func TestPendingDeleteApplied(t *testing.T) {
	doc := NewDoc()
	require.NoError(t, doc.ApplyUpdate(deleteOnly(1, 0, 5)))
	assert.Equal(t, "", doc.Text("content"))

	require.NoError(t, doc.ApplyUpdate(textInsert(1, 0, nil, "content", "Hello")))
	assert.Equal(t, "", doc.Text("content"))
}

func TestUpdateEncodeDecodeRoundTrip(t *testing.T) {
	origin := ID{Client: 7, Clock: 3}
	rightOrigin := ID{Client: 8, Clock: 1}
	ds := make(DeleteSet)
	ds.Add(7, 0, 2)
	ds.Add(7, 10, 1)
	u := &Update{
		Structs: map[uint64][]Struct{
			5: {
				&Item{
					ID:          ID{Client: 5, Clock: 0},
					Origin:      &origin,
					RightOrigin: &rightOrigin,
					Content:     &ContentString{Str: "abc"},
				},
				&Item{
					ID:         ID{Client: 5, Clock: 3},
					ParentName: "content",
					Content:    &ContentFormat{Key: "bold", Value: "true"},
				},
			},
			9: {
				&GC{ID: ID{Client: 9, Clock: 0}, Length: 4},
			},
		},
		Deletes: ds,
	}

	decoded, err := DecodeUpdate(EncodeUpdate(u))
	require.NoError(t, err)
	assert.Equal(t, u.Deletes, decoded.Deletes)
	require.Len(t, decoded.Structs[5], 2)
	first, ok := decoded.Structs[5][0].(*Item)
	require.True(t, ok)
	assert.Equal(t, &origin, first.Origin)
	assert.Equal(t, &rightOrigin, first.RightOrigin)
	assert.Equal(t, "abc", first.Content.(*ContentString).Str)
	gc, ok := decoded.Structs[9][0].(*GC)
	require.True(t, ok)
	assert.Equal(t, uint64(4), gc.Length)
}

func TestStateVectorEncodeDecode(t *testing.T) {
	sv := StateVector{1: 10, 42: 7}
	decoded, err := DecodeStateVector(sv.Encode())
	require.NoError(t, err)
	assert.Equal(t, sv, decoded)
}

func TestMalformedUpdateRejected(t *testing.T) {
	doc := NewDoc()
	err := doc.ApplyUpdate([]byte{0xff, 0x01, 0x02})
	assert.Error(t, err)
	assert.Equal(t, "", doc.VisibleText())
}

func TestApproxSizeGrows(t *testing.T) {
	doc := NewDoc()
	require.NoError(t, doc.ApplyUpdate(textInsert(1, 0, nil, "content", "0123456789")))
	assert.GreaterOrEqual(t, doc.ApproxSize(), uint64(10))
}

func TestVisibleTextNestedBlocks(t *testing.T) {
	// A fragment root with two paragraph elements, each holding a text run:
	// the shape editors produce for rich-text documents.
	para1 := &Item{
		ID:         ID{Client: 1, Clock: 0},
		ParentName: "default",
		Content:    &ContentType{TypeRef: TypeXmlElement, Name: "paragraph"},
	}
	text1 := &Item{
		ID:       ID{Client: 1, Clock: 1},
		ParentID: &ID{Client: 1, Clock: 0},
		Content:  &ContentString{Str: "first"},
	}
	para2 := &Item{
		ID:      ID{Client: 1, Clock: 6},
		Origin:  &ID{Client: 1, Clock: 0},
		Content: &ContentType{TypeRef: TypeXmlElement, Name: "paragraph"},
	}
	text2 := &Item{
		ID:       ID{Client: 1, Clock: 7},
		ParentID: &ID{Client: 1, Clock: 6},
		Content:  &ContentString{Str: "second"},
	}
	u := EncodeUpdate(&Update{
		Structs: map[uint64][]Struct{1: {para1, text1, para2, text2}},
		Deletes: make(DeleteSet),
	})

	doc := NewDoc()
	require.NoError(t, doc.ApplyUpdate(u))
	assert.Equal(t, "first\nsecond", doc.VisibleText())
}
