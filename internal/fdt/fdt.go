// Package fdt encodes and decodes flattened device tree blobs (version 17).
package fdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	magic         = 0xd00dfeed
	version       = 17
	lastCompat    = 16
	headerSize    = 0x28
	tokBeginNode  = 0x1
	tokEndNode    = 0x2
	tokProp       = 0x3
	tokNop        = 0x4
	tokEnd        = 0x9
	reserveLength = 16
)

var ErrMalformed = errors.New("fdt: malformed blob")

// Node is one device tree node. Property values are stored encoded.
type Node struct {
	Name     string
	Props    map[string][]byte
	Children []*Node
}

func NewNode(name string) *Node {
	return &Node{Name: name, Props: make(map[string][]byte)}
}

// Child appends and returns a new child node.
func (n *Node) Child(name string) *Node {
	c := NewNode(name)
	n.Children = append(n.Children, c)
	return c
}

// Find returns the direct child called name.
func (n *Node) Find(name string) (*Node, bool) {
	for _, c := range n.Children {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

func (n *Node) Strings(name string, values ...string) *Node {
	var buf bytes.Buffer
	for _, v := range values {
		buf.WriteString(v)
		buf.WriteByte(0)
	}
	n.Props[name] = buf.Bytes()
	return n
}

func (n *Node) U32(name string, values ...uint32) *Node {
	data := make([]byte, 0, 4*len(values))
	for _, v := range values {
		data = binary.BigEndian.AppendUint32(data, v)
	}
	n.Props[name] = data
	return n
}

func (n *Node) U64(name string, values ...uint64) *Node {
	data := make([]byte, 0, 8*len(values))
	for _, v := range values {
		data = binary.BigEndian.AppendUint64(data, v)
	}
	n.Props[name] = data
	return n
}

func (n *Node) Bytes(name string, value []byte) *Node {
	n.Props[name] = append([]byte(nil), value...)
	return n
}

// Flag sets an empty property.
func (n *Node) Flag(name string) *Node {
	n.Props[name] = []byte{}
	return n
}

// String decodes a string property. It returns the first string of a list.
func (n *Node) String(name string) (string, bool) {
	v, ok := n.Props[name]
	if !ok {
		return "", false
	}
	s, _, _ := strings.Cut(string(v), "\x00")
	return s, true
}

// Uint32s decodes a cell list property.
func (n *Node) Uint32s(name string) ([]uint32, bool) {
	v, ok := n.Props[name]
	if !ok || len(v)%4 != 0 {
		return nil, false
	}
	out := make([]uint32, len(v)/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(v[4*i:])
	}
	return out, true
}

type encoder struct {
	structs bytes.Buffer
	strs    bytes.Buffer
	offsets map[string]uint32
}

func (e *encoder) token(t uint32) {
	e.structs.Write(binary.BigEndian.AppendUint32(nil, t))
}

func (e *encoder) pad() {
	for e.structs.Len()%4 != 0 {
		e.structs.WriteByte(0)
	}
}

func (e *encoder) nameOffset(name string) uint32 {
	if off, ok := e.offsets[name]; ok {
		return off
	}
	off := uint32(e.strs.Len())
	e.strs.WriteString(name)
	e.strs.WriteByte(0)
	e.offsets[name] = off
	return off
}

func (e *encoder) node(n *Node) {
	e.token(tokBeginNode)
	e.structs.WriteString(n.Name)
	e.structs.WriteByte(0)
	e.pad()

	names := make([]string, 0, len(n.Props))
	for name := range n.Props {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value := n.Props[name]
		e.token(tokProp)
		e.structs.Write(binary.BigEndian.AppendUint32(nil, uint32(len(value))))
		e.structs.Write(binary.BigEndian.AppendUint32(nil, e.nameOffset(name)))
		e.structs.Write(value)
		e.pad()
	}
	for _, c := range n.Children {
		e.node(c)
	}
	e.token(tokEndNode)
}

// Encode serialises the tree rooted at root. Properties are written in name
// order so equal trees encode to equal blobs.
func Encode(root *Node) []byte {
	e := &encoder{offsets: make(map[string]uint32)}
	e.node(root)
	e.token(tokEnd)

	structs := e.structs.Bytes()
	strs := e.strs.Bytes()
	offReserve := headerSize
	offStruct := offReserve + reserveLength
	offStrings := offStruct + len(structs)
	total := offStrings + len(strs)

	blob := make([]byte, total)
	for i, v := range []uint32{
		magic, uint32(total), uint32(offStruct), uint32(offStrings), uint32(offReserve),
		version, lastCompat, 0, uint32(len(strs)), uint32(len(structs)),
	} {
		binary.BigEndian.PutUint32(blob[4*i:], v)
	}
	copy(blob[offStruct:], structs)
	copy(blob[offStrings:], strs)
	return blob
}

// Decode parses a blob produced by Encode or any version 16+ writer.
func Decode(blob []byte) (*Node, error) {
	if len(blob) < headerSize || binary.BigEndian.Uint32(blob) != magic {
		return nil, ErrMalformed
	}
	h := func(i int) int { return int(binary.BigEndian.Uint32(blob[4*i:])) }
	total, offStruct, offStrings := h(1), h(2), h(3)
	sizeStrings, sizeStruct := h(8), h(9)
	if total > len(blob) || offStruct+sizeStruct > total || offStrings+sizeStrings > total {
		return nil, ErrMalformed
	}
	structs := blob[offStruct : offStruct+sizeStruct]
	strs := blob[offStrings : offStrings+sizeStrings]

	pos := 0
	word := func() (uint32, error) {
		if pos+4 > len(structs) {
			return 0, ErrMalformed
		}
		v := binary.BigEndian.Uint32(structs[pos:])
		pos += 4
		return v, nil
	}
	align := func() { pos = (pos + 3) &^ 3 }

	var root *Node
	var stack []*Node
	for {
		tok, err := word()
		if err != nil {
			return nil, err
		}
		switch tok {
		case tokBeginNode:
			end := bytes.IndexByte(structs[pos:], 0)
			if end < 0 {
				return nil, ErrMalformed
			}
			n := NewNode(string(structs[pos : pos+end]))
			pos += end + 1
			align()
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("%w: second root node", ErrMalformed)
				}
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, n)
			}
			stack = append(stack, n)
		case tokEndNode:
			if len(stack) == 0 {
				return nil, ErrMalformed
			}
			stack = stack[:len(stack)-1]
		case tokProp:
			length, err := word()
			if err != nil {
				return nil, err
			}
			nameOff, err := word()
			if err != nil {
				return nil, err
			}
			if len(stack) == 0 || pos+int(length) > len(structs) || int(nameOff) >= len(strs) {
				return nil, ErrMalformed
			}
			end := bytes.IndexByte(strs[nameOff:], 0)
			if end < 0 {
				return nil, ErrMalformed
			}
			name := string(strs[nameOff : int(nameOff)+end])
			stack[len(stack)-1].Props[name] = append([]byte{}, structs[pos:pos+int(length)]...)
			pos += int(length)
			align()
		case tokNop:
		case tokEnd:
			if root == nil || len(stack) != 0 {
				return nil, ErrMalformed
			}
			return root, nil
		default:
			return nil, fmt.Errorf("%w: token 0x%x", ErrMalformed, tok)
		}
	}
}
