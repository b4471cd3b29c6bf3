package ycrdt

import (
	"fmt"
	"sort"
)

// ID addresses a single clock tick of a client's edit stream.
type ID struct {
	Client uint64
	Clock  uint64
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Client, id.Clock)
}

func idEqual(a, b *ID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// StateVector maps a client id to the next clock value expected from it.
type StateVector map[uint64]uint64

// Encode serializes the state vector in the Yjs wire layout.
func (sv StateVector) Encode() []byte {
	e := NewEncoder()
	e.WriteVarUint(uint64(len(sv)))
	clients := make([]uint64, 0, len(sv))
	for c := range sv {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] > clients[j] })
	for _, c := range clients {
		e.WriteVarUint(c)
		e.WriteVarUint(sv[c])
	}
	return e.Bytes()
}

// DecodeStateVector parses a wire-encoded state vector.
func DecodeStateVector(data []byte) (StateVector, error) {
	d := NewDecoder(data)
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	sv := make(StateVector, n)
	for i := uint64(0); i < n; i++ {
		client, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		clock, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		sv[client] = clock
	}
	return sv, nil
}

// Struct is one entry in a client's edit stream: an Item, a GC tombstone or a
// Skip gap.
type Struct interface {
	StructID() ID
	StructLen() uint64
}

// Item is an integrated (or integratable) insertion.
type Item struct {
	ID          ID
	Origin      *ID // id of the last tick of the item this was inserted after
	RightOrigin *ID // id of the item this was inserted before
	ParentName  string
	ParentID    *ID
	ParentSub   string
	Content     Content
	Deleted     bool

	// Runtime links, valid once integrated into a Doc.
	left, right *Item
	list        *itemList
	children    *itemList // populated lazily for ContentType items
	mapChildren map[string]*itemList
}

func (it *Item) StructID() ID      { return it.ID }
func (it *Item) StructLen() uint64 { return it.Content.Len() }

// lastID is the id of the item's final clock tick.
func (it *Item) lastID() ID {
	return ID{Client: it.ID.Client, Clock: it.ID.Clock + it.Content.Len() - 1}
}

func (it *Item) hasParentInfo() bool {
	return it.Origin == nil && it.RightOrigin == nil
}

// GC is a garbage-collected range: the content is gone, only the clock span
// remains.
type GC struct {
	ID     ID
	Length uint64
}

func (g *GC) StructID() ID      { return g.ID }
func (g *GC) StructLen() uint64 { return g.Length }

// Skip marks a gap in a diff update; it is never stored.
type Skip struct {
	ID     ID
	Length uint64
}

func (s *Skip) StructID() ID      { return s.ID }
func (s *Skip) StructLen() uint64 { return s.Length }

// DeleteRange is a half-open deleted clock span [Clock, Clock+Len).
type DeleteRange struct {
	Clock uint64
	Len   uint64
}

// DeleteSet maps client ids to sorted, disjoint deleted ranges.
type DeleteSet map[uint64][]DeleteRange

// Add records a deleted range, merging with an adjacent previous range.
func (ds DeleteSet) Add(client, clock, length uint64) {
	ranges := ds[client]
	if n := len(ranges); n > 0 && ranges[n-1].Clock+ranges[n-1].Len == clock {
		ranges[n-1].Len += length
		return
	}
	ds[client] = append(ranges, DeleteRange{Clock: clock, Len: length})
}

// Update is a decoded Yjs v1 update: per-client struct sequences plus a
// delete set.
type Update struct {
	Structs map[uint64][]Struct
	Deletes DeleteSet
}

// Info byte flags of the v1 struct encoding.
const (
	flagOrigin      = 0x80
	flagRightOrigin = 0x40
	flagParentSub   = 0x20
	contentMask     = 0x1f
)

// DecodeUpdate parses a Yjs v1 binary update.
func DecodeUpdate(data []byte) (*Update, error) {
	d := NewDecoder(data)
	numClients, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	u := &Update{Structs: make(map[uint64][]Struct, numClients), Deletes: make(DeleteSet)}
	for i := uint64(0); i < numClients; i++ {
		numStructs, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		client, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		clock, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		structs := u.Structs[client]
		for j := uint64(0); j < numStructs; j++ {
			s, err := decodeStruct(d, ID{Client: client, Clock: clock})
			if err != nil {
				return nil, err
			}
			clock += s.StructLen()
			structs = append(structs, s)
		}
		u.Structs[client] = structs
	}
	if err := decodeDeleteSet(d, u.Deletes); err != nil {
		return nil, err
	}
	return u, nil
}

func decodeStruct(d *Decoder, id ID) (Struct, error) {
	info, err := d.ReadByte()
	if err != nil {
		return nil, err
	}
	ref := info & contentMask
	switch ref {
	case refGC:
		n, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("ycrdt: zero-length gc struct at %s", id)
		}
		return &GC{ID: id, Length: n}, nil
	case refSkip:
		n, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("ycrdt: zero-length skip struct at %s", id)
		}
		return &Skip{ID: id, Length: n}, nil
	}
	it := &Item{ID: id}
	if info&flagOrigin != 0 {
		origin, err := readID(d)
		if err != nil {
			return nil, err
		}
		it.Origin = &origin
	}
	if info&flagRightOrigin != 0 {
		right, err := readID(d)
		if err != nil {
			return nil, err
		}
		it.RightOrigin = &right
	}
	if it.Origin == nil && it.RightOrigin == nil {
		isRoot, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		if isRoot == 1 {
			if it.ParentName, err = d.ReadVarString(); err != nil {
				return nil, err
			}
		} else {
			pid, err := readID(d)
			if err != nil {
				return nil, err
			}
			it.ParentID = &pid
		}
		if info&flagParentSub != 0 {
			if it.ParentSub, err = d.ReadVarString(); err != nil {
				return nil, err
			}
		}
	}
	content, err := decodeContent(d, ref)
	if err != nil {
		return nil, err
	}
	if content.Len() == 0 {
		return nil, fmt.Errorf("ycrdt: zero-length item at %s", id)
	}
	it.Content = content
	return it, nil
}

func readID(d *Decoder) (ID, error) {
	client, err := d.ReadVarUint()
	if err != nil {
		return ID{}, err
	}
	clock, err := d.ReadVarUint()
	if err != nil {
		return ID{}, err
	}
	return ID{Client: client, Clock: clock}, nil
}

// decodeDeleteSet parses the v1 delete set: absolute clocks and exact
// lengths per range.
func decodeDeleteSet(d *Decoder, ds DeleteSet) error {
	numClients, err := d.ReadVarUint()
	if err != nil {
		return err
	}
	for i := uint64(0); i < numClients; i++ {
		client, err := d.ReadVarUint()
		if err != nil {
			return err
		}
		numRanges, err := d.ReadVarUint()
		if err != nil {
			return err
		}
		for j := uint64(0); j < numRanges; j++ {
			clock, err := d.ReadVarUint()
			if err != nil {
				return err
			}
			length, err := d.ReadVarUint()
			if err != nil {
				return err
			}
			if length == 0 {
				return fmt.Errorf("ycrdt: zero-length delete range for client %d", client)
			}
			ds.Add(client, clock, length)
		}
	}
	return nil
}

// EncodeUpdate serializes an update in the Yjs v1 layout. Struct sequences
// must be contiguous and in clock order per client.
func EncodeUpdate(u *Update) []byte {
	e := NewEncoder()
	clients := make([]uint64, 0, len(u.Structs))
	for c, structs := range u.Structs {
		if len(structs) > 0 {
			clients = append(clients, c)
		}
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] > clients[j] })
	e.WriteVarUint(uint64(len(clients)))
	for _, client := range clients {
		structs := u.Structs[client]
		e.WriteVarUint(uint64(len(structs)))
		e.WriteVarUint(client)
		e.WriteVarUint(structs[0].StructID().Clock)
		for _, s := range structs {
			encodeStruct(e, s)
		}
	}
	encodeDeleteSet(e, u.Deletes)
	return e.Bytes()
}

func encodeStruct(e *Encoder, s Struct) {
	switch v := s.(type) {
	case *GC:
		e.WriteUint8(refGC)
		e.WriteVarUint(v.Length)
	case *Skip:
		e.WriteUint8(refSkip)
		e.WriteVarUint(v.Length)
	case *Item:
		info := v.Content.Ref()
		if v.Origin != nil {
			info |= flagOrigin
		}
		if v.RightOrigin != nil {
			info |= flagRightOrigin
		}
		if v.hasParentInfo() && v.ParentSub != "" {
			info |= flagParentSub
		}
		e.WriteUint8(info)
		if v.Origin != nil {
			e.WriteVarUint(v.Origin.Client)
			e.WriteVarUint(v.Origin.Clock)
		}
		if v.RightOrigin != nil {
			e.WriteVarUint(v.RightOrigin.Client)
			e.WriteVarUint(v.RightOrigin.Clock)
		}
		if v.hasParentInfo() {
			if v.ParentID != nil {
				e.WriteVarUint(0)
				e.WriteVarUint(v.ParentID.Client)
				e.WriteVarUint(v.ParentID.Clock)
			} else {
				e.WriteVarUint(1)
				e.WriteVarString(v.ParentName)
			}
			if v.ParentSub != "" {
				e.WriteVarString(v.ParentSub)
			}
		}
		v.Content.encode(e)
	}
}

func encodeDeleteSet(e *Encoder, ds DeleteSet) {
	clients := make([]uint64, 0, len(ds))
	for c, ranges := range ds {
		if len(ranges) > 0 {
			clients = append(clients, c)
		}
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] > clients[j] })
	e.WriteVarUint(uint64(len(clients)))
	for _, client := range clients {
		ranges := ds[client]
		sort.Slice(ranges, func(i, j int) bool { return ranges[i].Clock < ranges[j].Clock })
		e.WriteVarUint(client)
		e.WriteVarUint(uint64(len(ranges)))
		for _, r := range ranges {
			e.WriteVarUint(r.Clock)
			e.WriteVarUint(r.Len)
		}
	}
}
