package ycrdt

import (
	"fmt"
	"unicode/utf16"
)

// Content reference tags used in the Yjs v1 struct encoding (low five bits of
// the info byte).
const (
	refGC      = 0
	refDeleted = 1
	refJSON    = 2
	refBinary  = 3
	refString  = 4
	refEmbed   = 5
	refFormat  = 6
	refType    = 7
	refAny     = 8
	refDoc     = 9
	refSkip    = 10
)

// Yjs shared type kinds carried by ContentType.
const (
	TypeArray       = 0
	TypeMap         = 1
	TypeText        = 2
	TypeXmlElement  = 3
	TypeXmlFragment = 4
	TypeXmlHook     = 5
	TypeXmlText     = 6
)

// Content is the payload of an item. Length is measured the way Yjs measures
// it: UTF-16 code units for strings, element count for sequences, one for
// everything else.
type Content interface {
	Ref() byte
	Len() uint64
	// Countable reports whether the content occupies visible index positions.
	Countable() bool
	// Splittable reports whether Split may be called with 0 < offset < Len.
	Splittable() bool
	// Split divides the content at offset, returning the left and right parts.
	Split(offset uint64) (Content, Content)
	encode(e *Encoder)
}

// ContentDeleted is a tombstone for content removed before it was ever sent.
type ContentDeleted struct {
	Length uint64
}

func (c *ContentDeleted) Ref() byte        { return refDeleted }
func (c *ContentDeleted) Len() uint64      { return c.Length }
func (c *ContentDeleted) Countable() bool  { return false }
func (c *ContentDeleted) Splittable() bool { return true }
func (c *ContentDeleted) Split(offset uint64) (Content, Content) {
	return &ContentDeleted{Length: offset}, &ContentDeleted{Length: c.Length - offset}
}
func (c *ContentDeleted) encode(e *Encoder) { e.WriteVarUint(c.Length) }

// ContentJSON carries a sequence of JSON-encoded values, kept verbatim.
type ContentJSON struct {
	Values []string
}

func (c *ContentJSON) Ref() byte        { return refJSON }
func (c *ContentJSON) Len() uint64      { return uint64(len(c.Values)) }
func (c *ContentJSON) Countable() bool  { return true }
func (c *ContentJSON) Splittable() bool { return true }
func (c *ContentJSON) Split(offset uint64) (Content, Content) {
	return &ContentJSON{Values: c.Values[:offset]}, &ContentJSON{Values: c.Values[offset:]}
}
func (c *ContentJSON) encode(e *Encoder) {
	e.WriteVarUint(uint64(len(c.Values)))
	for _, v := range c.Values {
		e.WriteVarString(v)
	}
}

// ContentBinary carries one opaque byte blob.
type ContentBinary struct {
	Data []byte
}

func (c *ContentBinary) Ref() byte                               { return refBinary }
func (c *ContentBinary) Len() uint64                             { return 1 }
func (c *ContentBinary) Countable() bool                         { return true }
func (c *ContentBinary) Splittable() bool                        { return false }
func (c *ContentBinary) Split(uint64) (Content, Content)         { return c, nil }
func (c *ContentBinary) encode(e *Encoder)                       { e.WriteVarUint8Array(c.Data) }

// ContentString carries text. Its length is the UTF-16 code unit count, which
// is what the Yjs clock advances by.
type ContentString struct {
	Str string
}

func (c *ContentString) Ref() byte        { return refString }
func (c *ContentString) Len() uint64      { return utf16Len(c.Str) }
func (c *ContentString) Countable() bool  { return true }
func (c *ContentString) Splittable() bool { return true }
func (c *ContentString) Split(offset uint64) (Content, Content) {
	left, right := splitUTF16(c.Str, offset)
	return &ContentString{Str: left}, &ContentString{Str: right}
}
func (c *ContentString) encode(e *Encoder) { e.WriteVarString(c.Str) }

// ContentEmbed carries one embedded JSON value (kept verbatim).
type ContentEmbed struct {
	JSON string
}

func (c *ContentEmbed) Ref() byte                       { return refEmbed }
func (c *ContentEmbed) Len() uint64                     { return 1 }
func (c *ContentEmbed) Countable() bool                 { return true }
func (c *ContentEmbed) Splittable() bool                { return false }
func (c *ContentEmbed) Split(uint64) (Content, Content) { return c, nil }
func (c *ContentEmbed) encode(e *Encoder)               { e.WriteVarString(c.JSON) }

// ContentFormat is a rich-text formatting boundary (bold on/off and the like).
// It occupies a clock tick but no visible index position.
type ContentFormat struct {
	Key   string
	Value string // JSON-encoded
}

func (c *ContentFormat) Ref() byte                       { return refFormat }
func (c *ContentFormat) Len() uint64                     { return 1 }
func (c *ContentFormat) Countable() bool                 { return false }
func (c *ContentFormat) Splittable() bool                { return false }
func (c *ContentFormat) Split(uint64) (Content, Content) { return c, nil }
func (c *ContentFormat) encode(e *Encoder) {
	e.WriteVarString(c.Key)
	e.WriteVarString(c.Value)
}

// ContentType creates a nested shared type (a paragraph element, an embedded
// map, ...). Children of the type are items whose parent is this item's id.
type ContentType struct {
	TypeRef uint64
	// Name is set for XmlElement, Key for XmlHook.
	Name string
	Key  string
}

func (c *ContentType) Ref() byte                       { return refType }
func (c *ContentType) Len() uint64                     { return 1 }
func (c *ContentType) Countable() bool                 { return true }
func (c *ContentType) Splittable() bool                { return false }
func (c *ContentType) Split(uint64) (Content, Content) { return c, nil }
func (c *ContentType) encode(e *Encoder) {
	e.WriteVarUint(c.TypeRef)
	switch c.TypeRef {
	case TypeXmlElement:
		e.WriteVarString(c.Name)
	case TypeXmlHook:
		e.WriteVarString(c.Key)
	}
}

// ContentAny carries a sequence of arbitrary lib0 "any" values.
type ContentAny struct {
	Values []any
}

func (c *ContentAny) Ref() byte        { return refAny }
func (c *ContentAny) Len() uint64      { return uint64(len(c.Values)) }
func (c *ContentAny) Countable() bool  { return true }
func (c *ContentAny) Splittable() bool { return true }
func (c *ContentAny) Split(offset uint64) (Content, Content) {
	return &ContentAny{Values: c.Values[:offset]}, &ContentAny{Values: c.Values[offset:]}
}
func (c *ContentAny) encode(e *Encoder) {
	e.WriteVarUint(uint64(len(c.Values)))
	for _, v := range c.Values {
		e.WriteAny(v)
	}
}

// ContentDoc references a subdocument by guid.
type ContentDoc struct {
	GUID string
	Opts any
}

func (c *ContentDoc) Ref() byte                       { return refDoc }
func (c *ContentDoc) Len() uint64                     { return 1 }
func (c *ContentDoc) Countable() bool                 { return true }
func (c *ContentDoc) Splittable() bool                { return false }
func (c *ContentDoc) Split(uint64) (Content, Content) { return c, nil }
func (c *ContentDoc) encode(e *Encoder) {
	e.WriteVarString(c.GUID)
	e.WriteAny(c.Opts)
}

func decodeContent(d *Decoder, ref byte) (Content, error) {
	switch ref {
	case refDeleted:
		n, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		return &ContentDeleted{Length: n}, nil
	case refJSON:
		n, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		vals := make([]string, 0, n)
		for i := uint64(0); i < n; i++ {
			s, err := d.ReadVarString()
			if err != nil {
				return nil, err
			}
			vals = append(vals, s)
		}
		return &ContentJSON{Values: vals}, nil
	case refBinary:
		b, err := d.ReadVarUint8Array()
		if err != nil {
			return nil, err
		}
		data := make([]byte, len(b))
		copy(data, b)
		return &ContentBinary{Data: data}, nil
	case refString:
		s, err := d.ReadVarString()
		if err != nil {
			return nil, err
		}
		return &ContentString{Str: s}, nil
	case refEmbed:
		s, err := d.ReadVarString()
		if err != nil {
			return nil, err
		}
		return &ContentEmbed{JSON: s}, nil
	case refFormat:
		key, err := d.ReadVarString()
		if err != nil {
			return nil, err
		}
		val, err := d.ReadVarString()
		if err != nil {
			return nil, err
		}
		return &ContentFormat{Key: key, Value: val}, nil
	case refType:
		typeRef, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		ct := &ContentType{TypeRef: typeRef}
		switch typeRef {
		case TypeXmlElement:
			if ct.Name, err = d.ReadVarString(); err != nil {
				return nil, err
			}
		case TypeXmlHook:
			if ct.Key, err = d.ReadVarString(); err != nil {
				return nil, err
			}
		}
		return ct, nil
	case refAny:
		n, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		vals := make([]any, 0, n)
		for i := uint64(0); i < n; i++ {
			v, err := d.ReadAny()
			if err != nil {
				return nil, err
			}
			vals = append(vals, v)
		}
		return &ContentAny{Values: vals}, nil
	case refDoc:
		guid, err := d.ReadVarString()
		if err != nil {
			return nil, err
		}
		opts, err := d.ReadAny()
		if err != nil {
			return nil, err
		}
		return &ContentDoc{GUID: guid, Opts: opts}, nil
	default:
		return nil, fmt.Errorf("ycrdt: unknown content ref %d", ref)
	}
}

func utf16Len(s string) uint64 {
	var n uint64
	for _, r := range s {
		n += uint64(utf16.RuneLen(r))
	}
	return n
}

// splitUTF16 splits s at the given UTF-16 code unit offset. An offset inside a
// surrogate pair rounds up to keep both halves valid UTF-8.
func splitUTF16(s string, offset uint64) (string, string) {
	var units uint64
	for i, r := range s {
		if units >= offset {
			return s[:i], s[i:]
		}
		units += uint64(utf16.RuneLen(r))
	}
	return s, ""
}
