package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	fdtHeaderSize  = 0x28
	fdtVersion     = 17
	fdtLastCompVer = 16
	fdtMagic       = 0xd00dfeed

	fdtBeginNodeToken = 0x1
	fdtEndNodeToken   = 0x2
	fdtPropToken      = 0x3
	fdtNopToken       = 0x4
	fdtEndToken       = 0x9
)

// Build serializes the provided node tree into an FDT blob. Properties are
// emitted in name order so the output is deterministic.
func Build(root Node) ([]byte, error) {
	e := &encoder{stringsOff: make(map[string]uint32)}
	if err := e.node(root); err != nil {
		return nil, err
	}
	return e.finish(), nil
}

type encoder struct {
	structBuf  bytes.Buffer
	strings    bytes.Buffer
	stringsOff map[string]uint32
}

func (e *encoder) node(n Node) error {
	e.token(fdtBeginNodeToken)
	e.structBuf.WriteString(n.Name)
	e.structBuf.WriteByte(0)
	e.pad()

	names := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value, err := encodeProperty(name, n.Properties[name])
		if err != nil {
			return err
		}
		e.property(name, value)
	}

	for _, child := range n.Children {
		if err := e.node(child); err != nil {
			return err
		}
	}

	e.token(fdtEndNodeToken)
	return nil
}

func encodeProperty(name string, prop Property) ([]byte, error) {
	switch prop.DefinedCount() {
	case 0:
		return nil, fmt.Errorf("fdt property %q has no values", name)
	case 1:
	default:
		return nil, fmt.Errorf("fdt property %q has multiple value kinds", name)
	}
	switch prop.Kind() {
	case "strings":
		var buf bytes.Buffer
		for _, v := range prop.Strings {
			buf.WriteString(v)
			buf.WriteByte(0)
		}
		return buf.Bytes(), nil
	case "u32":
		data := make([]byte, 4*len(prop.U32))
		for i, v := range prop.U32 {
			binary.BigEndian.PutUint32(data[4*i:], v)
		}
		return data, nil
	case "u64":
		data := make([]byte, 8*len(prop.U64))
		for i, v := range prop.U64 {
			binary.BigEndian.PutUint64(data[8*i:], v)
		}
		return data, nil
	case "bytes":
		return append([]byte(nil), prop.Bytes...), nil
	case "flag":
		return nil, nil
	default:
		return nil, fmt.Errorf("fdt property %q has unsupported kind %q", name, prop.Kind())
	}
}

func (e *encoder) property(name string, value []byte) {
	e.token(fdtPropToken)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(value)))
	e.structBuf.Write(tmp[:])
	binary.BigEndian.PutUint32(tmp[:], e.stringOffset(name))
	e.structBuf.Write(tmp[:])
	e.structBuf.Write(value)
	e.pad()
}

func (e *encoder) finish() []byte {
	e.token(fdtEndToken)

	structBytes := e.structBuf.Bytes()
	stringsBytes := e.strings.Bytes()

	// Empty memory reservation map: a single zero terminator entry.
	const memReserveSize = 16

	offMemReserve := fdtHeaderSize
	offStruct := offMemReserve + memReserveSize
	offStrings := offStruct + len(structBytes)
	totalSize := offStrings + len(stringsBytes)

	blob := make([]byte, totalSize)
	header := blob[:fdtHeaderSize]
	binary.BigEndian.PutUint32(header[0:4], fdtMagic)
	binary.BigEndian.PutUint32(header[4:8], uint32(totalSize))
	binary.BigEndian.PutUint32(header[8:12], uint32(offStruct))
	binary.BigEndian.PutUint32(header[12:16], uint32(offStrings))
	binary.BigEndian.PutUint32(header[16:20], uint32(offMemReserve))
	binary.BigEndian.PutUint32(header[20:24], fdtVersion)
	binary.BigEndian.PutUint32(header[24:28], fdtLastCompVer)
	binary.BigEndian.PutUint32(header[28:32], 0)
	binary.BigEndian.PutUint32(header[32:36], uint32(len(stringsBytes)))
	binary.BigEndian.PutUint32(header[36:40], uint32(len(structBytes)))

	copy(blob[offStruct:], structBytes)
	copy(blob[offStrings:], stringsBytes)

	return blob
}

func (e *encoder) stringOffset(name string) uint32 {
	if off, ok := e.stringsOff[name]; ok {
		return off
	}
	off := uint32(e.strings.Len())
	e.strings.WriteString(name)
	e.strings.WriteByte(0)
	e.stringsOff[name] = off
	return off
}

func (e *encoder) token(token uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], token)
	e.structBuf.Write(tmp[:])
}

func (e *encoder) pad() {
	for e.structBuf.Len()%4 != 0 {
		e.structBuf.WriteByte(0)
	}
}
