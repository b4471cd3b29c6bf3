package ycrdt

import (
	"fmt"
	"sort"
	"strings"
)

// itemList is a doubly-linked sequence of sibling items under one parent.
type itemList struct {
	start *Item
	end   *Item
}

// Doc is an in-memory CRDT replica. It integrates remote Yjs updates and can
// re-encode its full state or a diff against a remote state vector.
//
// A Doc is not safe for concurrent use; the owning actor serializes access.
type Doc struct {
	structs map[uint64][]Struct
	state   StateVector
	roots   map[string]*itemList

	pendingStructs map[uint64][]Struct
	pendingDS      DeleteSet

	approxSize uint64
}

// NewDoc creates an empty replica.
func NewDoc() *Doc {
	return &Doc{
		structs:        make(map[uint64][]Struct),
		state:          make(StateVector),
		roots:          make(map[string]*itemList),
		pendingStructs: make(map[uint64][]Struct),
		pendingDS:      make(DeleteSet),
	}
}

// StateVector returns a copy of the replica's current state vector.
func (d *Doc) StateVector() StateVector {
	sv := make(StateVector, len(d.state))
	for c, clock := range d.state {
		sv[c] = clock
	}
	return sv
}

// ApproxSize is a rough byte estimate of the replica's content, used for the
// per-document memory ceiling.
func (d *Doc) ApproxSize() uint64 {
	return d.approxSize
}

// PendingStructs reports how many structs are parked waiting for missing
// dependencies.
func (d *Doc) PendingStructs() int {
	n := 0
	for _, structs := range d.pendingStructs {
		n += len(structs)
	}
	return n
}

// ApplyUpdate decodes and integrates a binary update. Already-known ranges
// are skipped, structs with missing dependencies are parked and retried on
// later applies. Applying the same update twice is a no-op.
func (d *Doc) ApplyUpdate(data []byte) error {
	u, err := DecodeUpdate(data)
	if err != nil {
		return fmt.Errorf("decode update: %w", err)
	}

	// Merge previously parked structs into the work queue so they are
	// retried whenever new state arrives.
	queue := make(map[uint64][]Struct, len(u.Structs)+len(d.pendingStructs))
	for client, structs := range d.pendingStructs {
		queue[client] = structs
	}
	for client, structs := range u.Structs {
		queue[client] = mergeStructQueues(queue[client], structs)
	}
	d.pendingStructs = d.integrateQueue(queue)

	merged := make(DeleteSet, len(u.Deletes)+len(d.pendingDS))
	for client, ranges := range d.pendingDS {
		for _, r := range ranges {
			merged.Add(client, r.Clock, r.Len)
		}
	}
	for client, ranges := range u.Deletes {
		for _, r := range ranges {
			merged.Add(client, r.Clock, r.Len)
		}
	}
	d.pendingDS = d.applyDeleteSet(merged)
	return nil
}

// mergeStructQueues interleaves two clock-ordered struct slices for one
// client, dropping exact-duplicate positions lazily (the clock checks during
// integration discard overlaps).
func mergeStructQueues(a, b []Struct) []Struct {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	out := make([]Struct, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].StructID().Clock <= b[j].StructID().Clock {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// integrateQueue integrates as many structs as dependencies allow, in rounds,
// and returns whatever still cannot be integrated.
func (d *Doc) integrateQueue(queue map[uint64][]Struct) map[uint64][]Struct {
	for {
		progress := false
		for client, structs := range queue {
			rest, ok := d.drainClientQueue(client, structs)
			if len(rest) == 0 {
				delete(queue, client)
			} else {
				queue[client] = rest
			}
			progress = progress || ok
		}
		if !progress {
			return queue
		}
	}
}

// drainClientQueue integrates the head of one client's queue while
// dependencies are satisfied. It reports whether anything was integrated.
func (d *Doc) drainClientQueue(client uint64, structs []Struct) ([]Struct, bool) {
	progress := false
	for len(structs) > 0 {
		s := structs[0]
		if _, isSkip := s.(*Skip); isSkip {
			// A skip marks a deliberate gap; everything after it waits for
			// the missing range to arrive in another update.
			structs = structs[1:]
			if len(structs) == 0 {
				return nil, progress
			}
			return structs, progress
		}
		id := s.StructID()
		state := d.state[client]
		if id.Clock > state {
			return structs, progress
		}
		if id.Clock+s.StructLen() <= state {
			// Entirely known already.
			structs = structs[1:]
			progress = true
			continue
		}
		offset := state - id.Clock
		switch v := s.(type) {
		case *GC:
			d.integrateGC(v, offset)
		case *Item:
			if d.missingDependency(v) {
				return structs, progress
			}
			if err := d.integrateItem(v, offset); err != nil {
				// Unresolvable position (e.g. origin garbage-collected).
				// Drop the struct rather than wedging the whole queue.
				structs = structs[1:]
				progress = true
				continue
			}
		}
		structs = structs[1:]
		progress = true
	}
	return nil, progress
}

// missingDependency reports whether the item references state this replica
// does not have yet.
func (d *Doc) missingDependency(it *Item) bool {
	if it.Origin != nil && it.Origin.Client != it.ID.Client && it.Origin.Clock >= d.state[it.Origin.Client] {
		return true
	}
	if it.RightOrigin != nil && it.RightOrigin.Client != it.ID.Client && it.RightOrigin.Clock >= d.state[it.RightOrigin.Client] {
		return true
	}
	if it.ParentID != nil && it.ParentID.Client != it.ID.Client && it.ParentID.Clock >= d.state[it.ParentID.Client] {
		return true
	}
	return false
}

func (d *Doc) integrateGC(g *GC, offset uint64) {
	if offset > 0 {
		g = &GC{ID: ID{Client: g.ID.Client, Clock: g.ID.Clock + offset}, Length: g.Length - offset}
	}
	d.structs[g.ID.Client] = append(d.structs[g.ID.Client], g)
	d.state[g.ID.Client] = g.ID.Clock + g.Length
}

// integrateItem places an item into its parent list using the Yjs conflict
// resolution order and registers it in the struct store.
func (d *Doc) integrateItem(it *Item, offset uint64) error {
	if offset > 0 {
		_, rightContent := it.Content.Split(offset)
		origin := ID{Client: it.ID.Client, Clock: it.ID.Clock + offset - 1}
		it.Origin = &origin
		it.ID.Clock += offset
		it.Content = rightContent
	}

	var left, right *Item
	var list *itemList
	if it.Origin != nil {
		lo, err := d.getItemCleanEnd(*it.Origin)
		if err != nil {
			return err
		}
		left = lo
		right = lo.right
		list = lo.list
		if it.ParentSub == "" {
			it.ParentSub = lo.ParentSub
		}
	} else if it.RightOrigin != nil {
		ro, err := d.getItemCleanStart(*it.RightOrigin)
		if err != nil {
			return err
		}
		right = ro
		list = ro.list
		if it.ParentSub == "" {
			it.ParentSub = ro.ParentSub
		}
	} else if it.ParentID != nil {
		parent, err := d.findItem(*it.ParentID)
		if err != nil {
			return err
		}
		list = parent.childList(it.ParentSub)
	} else {
		list = d.rootList(it.ParentName, it.ParentSub)
	}
	if list == nil {
		return fmt.Errorf("no parent list for item %s", it.ID)
	}

	// Conflict resolution over concurrently inserted siblings, identical to
	// the reference Item.integrate: same-origin ties order by ascending
	// client id.
	if (left == nil && (right == nil || right.left != nil)) || (left != nil && left.right != right) {
		o := list.start
		if left != nil {
			o = left.right
		}
		conflicting := make(map[*Item]struct{})
		beforeOrigin := make(map[*Item]struct{})
		for o != nil && o != right {
			beforeOrigin[o] = struct{}{}
			conflicting[o] = struct{}{}
			if idEqual(it.Origin, o.Origin) {
				if o.ID.Client < it.ID.Client {
					left = o
					conflicting = make(map[*Item]struct{})
				} else if idEqual(it.RightOrigin, o.RightOrigin) {
					break
				}
			} else if o.Origin != nil {
				oi, err := d.findItem(*o.Origin)
				if err != nil {
					break
				}
				if _, seen := beforeOrigin[oi]; !seen {
					break
				}
				if _, conf := conflicting[oi]; !conf {
					left = o
					conflicting = make(map[*Item]struct{})
				}
			} else {
				break
			}
			o = o.right
		}
	}

	it.left = left
	if left != nil {
		it.right = left.right
		left.right = it
	} else {
		it.right = list.start
		list.start = it
	}
	if it.right != nil {
		it.right.left = it
	} else {
		list.end = it
	}
	it.list = list

	if _, tombstone := it.Content.(*ContentDeleted); tombstone {
		it.Deleted = true
	}

	d.structs[it.ID.Client] = append(d.structs[it.ID.Client], it)
	d.state[it.ID.Client] = it.ID.Clock + it.Content.Len()
	d.approxSize += contentSize(it.Content)
	return nil
}

func contentSize(c Content) uint64 {
	switch v := c.(type) {
	case *ContentString:
		return uint64(len(v.Str))
	case *ContentBinary:
		return uint64(len(v.Data))
	case *ContentJSON:
		var n uint64
		for _, s := range v.Values {
			n += uint64(len(s))
		}
		return n
	case *ContentEmbed:
		return uint64(len(v.JSON))
	default:
		return 8 * c.Len()
	}
}

// childList returns (creating on demand) the list of children under a
// ContentType item, keyed by map sub-key when present.
func (it *Item) childList(sub string) *itemList {
	if sub == "" {
		if it.children == nil {
			it.children = &itemList{}
		}
		return it.children
	}
	if it.mapChildren == nil {
		it.mapChildren = make(map[string]*itemList)
	}
	l, ok := it.mapChildren[sub]
	if !ok {
		l = &itemList{}
		it.mapChildren[sub] = l
	}
	return l
}

func (d *Doc) rootList(name, sub string) *itemList {
	key := name
	if sub != "" {
		key = name + "\x00" + sub
	}
	l, ok := d.roots[key]
	if !ok {
		l = &itemList{}
		d.roots[key] = l
	}
	return l
}

// findIndex locates the struct containing clock in a client's slice.
func findIndex(structs []Struct, clock uint64) (int, bool) {
	i := sort.Search(len(structs), func(i int) bool {
		s := structs[i]
		return s.StructID().Clock+s.StructLen() > clock
	})
	if i >= len(structs) || structs[i].StructID().Clock > clock {
		return 0, false
	}
	return i, true
}

// findItem returns the integrated item whose span contains id.
func (d *Doc) findItem(id ID) (*Item, error) {
	structs := d.structs[id.Client]
	i, ok := findIndex(structs, id.Clock)
	if !ok {
		return nil, fmt.Errorf("no struct at %s", id)
	}
	it, ok := structs[i].(*Item)
	if !ok {
		return nil, fmt.Errorf("struct at %s is garbage-collected", id)
	}
	return it, nil
}

// getItemCleanEnd returns the item ending exactly at id, splitting the
// containing item when id falls inside it.
func (d *Doc) getItemCleanEnd(id ID) (*Item, error) {
	it, err := d.findItem(id)
	if err != nil {
		return nil, err
	}
	if id.Clock != it.ID.Clock+it.Content.Len()-1 {
		d.splitStoredItem(it, id.Clock-it.ID.Clock+1)
	}
	return it, nil
}

// getItemCleanStart returns the item starting exactly at id, splitting the
// containing item when id falls inside it.
func (d *Doc) getItemCleanStart(id ID) (*Item, error) {
	it, err := d.findItem(id)
	if err != nil {
		return nil, err
	}
	if id.Clock == it.ID.Clock {
		return it, nil
	}
	return d.splitStoredItem(it, id.Clock-it.ID.Clock), nil
}

// splitStoredItem splits an integrated item at diff clock units, linking the
// right half after the left in both the sibling list and the struct store.
func (d *Doc) splitStoredItem(it *Item, diff uint64) *Item {
	leftContent, rightContent := it.Content.Split(diff)
	origin := ID{Client: it.ID.Client, Clock: it.ID.Clock + diff - 1}
	right := &Item{
		ID:          ID{Client: it.ID.Client, Clock: it.ID.Clock + diff},
		Origin:      &origin,
		RightOrigin: it.RightOrigin,
		ParentSub:   it.ParentSub,
		Content:     rightContent,
		Deleted:     it.Deleted,
		list:        it.list,
	}
	it.Content = leftContent

	right.left = it
	right.right = it.right
	if it.right != nil {
		it.right.left = right
	} else if it.list != nil {
		it.list.end = right
	}
	it.right = right

	structs := d.structs[it.ID.Client]
	i, _ := findIndex(structs, it.ID.Clock)
	structs = append(structs, nil)
	copy(structs[i+2:], structs[i+1:])
	structs[i+1] = right
	d.structs[it.ID.Client] = structs
	return right
}

// applyDeleteSet marks deleted ranges, splitting boundary items, and returns
// the ranges that reference clocks this replica has not seen yet.
func (d *Doc) applyDeleteSet(ds DeleteSet) DeleteSet {
	remaining := make(DeleteSet)
	for client, ranges := range ds {
		state := d.state[client]
		for _, r := range ranges {
			end := r.Clock + r.Len
			if r.Clock >= state {
				remaining.Add(client, r.Clock, r.Len)
				continue
			}
			if end > state {
				remaining.Add(client, state, end-state)
				end = state
			}
			d.deleteRange(client, r.Clock, end)
		}
	}
	return remaining
}

func (d *Doc) deleteRange(client, from, to uint64) {
	structs := d.structs[client]
	i, ok := findIndex(structs, from)
	if !ok {
		return
	}
	if it, isItem := structs[i].(*Item); isItem && it.ID.Clock < from {
		d.splitStoredItem(it, from-it.ID.Clock)
		structs = d.structs[client]
		i++
	}
	for i < len(structs) {
		s := structs[i]
		clock := s.StructID().Clock
		if clock >= to {
			break
		}
		if it, isItem := s.(*Item); isItem {
			if clock+it.Content.Len() > to {
				d.splitStoredItem(it, to-clock)
				structs = d.structs[client]
			}
			it.Deleted = true
		}
		i++
	}
}

// currentDeleteSet derives the delete set from the struct store.
func (d *Doc) currentDeleteSet() DeleteSet {
	ds := make(DeleteSet)
	for client, structs := range d.structs {
		for _, s := range structs {
			switch v := s.(type) {
			case *GC:
				ds.Add(client, v.ID.Clock, v.Length)
			case *Item:
				if v.Deleted {
					ds.Add(client, v.ID.Clock, v.Content.Len())
				}
			}
		}
	}
	return ds
}

// EncodeStateAsUpdate encodes everything the remote state vector is missing,
// plus the full delete set. A nil or empty state vector yields a complete,
// self-contained snapshot.
func (d *Doc) EncodeStateAsUpdate(remote StateVector) []byte {
	u := &Update{Structs: make(map[uint64][]Struct), Deletes: d.currentDeleteSet()}
	for client, structs := range d.structs {
		from := remote[client]
		if from >= d.state[client] || len(structs) == 0 {
			continue
		}
		i, ok := findIndex(structs, from)
		if !ok {
			continue
		}
		out := make([]Struct, 0, len(structs)-i)
		first := structs[i]
		if clock := first.StructID().Clock; clock < from {
			out = append(out, cloneTail(first, from-clock))
			i++
		}
		out = append(out, structs[i:]...)
		u.Structs[client] = out
	}
	return EncodeUpdate(u)
}

// cloneTail copies the part of a struct starting diff clock units in, without
// mutating the store.
func cloneTail(s Struct, diff uint64) Struct {
	switch v := s.(type) {
	case *GC:
		return &GC{ID: ID{Client: v.ID.Client, Clock: v.ID.Clock + diff}, Length: v.Length - diff}
	case *Item:
		_, rightContent := v.Content.Split(diff)
		origin := ID{Client: v.ID.Client, Clock: v.ID.Clock + diff - 1}
		return &Item{
			ID:          ID{Client: v.ID.Client, Clock: v.ID.Clock + diff},
			Origin:      &origin,
			RightOrigin: v.RightOrigin,
			ParentSub:   v.ParentSub,
			Content:     rightContent,
			Deleted:     v.Deleted,
		}
	}
	return s
}

// Snapshot is shorthand for a full-state encode.
func (d *Doc) Snapshot() []byte {
	return d.EncodeStateAsUpdate(nil)
}

// Text concatenates the visible string content of one root type.
func (d *Doc) Text(name string) string {
	l, ok := d.roots[name]
	if !ok {
		return ""
	}
	var sb strings.Builder
	extractList(l, &sb)
	return sb.String()
}

// VisibleText extracts the visible text of the whole document, walking every
// root type in name order and recursing through nested element types. Block
// children are newline-separated.
func (d *Doc) VisibleText() string {
	names := make([]string, 0, len(d.roots))
	for name := range d.roots {
		names = append(names, name)
	}
	sort.Strings(names)
	var sb strings.Builder
	for _, name := range names {
		extractList(d.roots[name], &sb)
	}
	return sb.String()
}

func extractList(l *itemList, sb *strings.Builder) {
	for it := l.start; it != nil; it = it.right {
		if it.Deleted {
			continue
		}
		switch c := it.Content.(type) {
		case *ContentString:
			sb.WriteString(c.Str)
		case *ContentType:
			isBlock := c.TypeRef == TypeXmlElement || c.TypeRef == TypeXmlFragment
			if isBlock && sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			if it.children != nil {
				extractList(it.children, sb)
			}
		}
	}
}
