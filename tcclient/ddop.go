// Package tcclient implements the ISO 11783-10 Task Controller client: a working-set
// handshake, Device Description Object Pool (DDOP) transfer, and packed element/DDI
// value-request and set-value relay (spec.md §4.8).
package tcclient

import (
	"encoding/binary"

	"github.com/openisobus/isobus"
)

// Node is one entry of a device description object pool: Device, DeviceElement,
// DeviceProcessData, DeviceProperty, or DeviceValuePresentation (spec.md §3), each
// carrying an object ID unique within the pool and an opaque type-specific body.
type Node struct {
	ID       uint16
	Type     uint8
	Body     []byte
	Children []uint16
}

// Node type tags this package validates structurally; the full DDOP element schema is an
// application-layer concern (out of scope, spec.md §1).
const (
	NodeTypeDevice                 uint8 = 0
	NodeTypeDeviceElement          uint8 = 1
	NodeTypeDeviceProcessData      uint8 = 2
	NodeTypeDeviceProperty         uint8 = 3
	NodeTypeDeviceValuePresentation uint8 = 4
)

// DDOP is an ordered device description object pool as uploaded to a Task Controller.
type DDOP []Node

// Validate enforces the DDOP invariant from spec.md §3: exactly one Device object, and
// every child reference resolves to a node in the pool.
func (d DDOP) Validate() error {
	if len(d) == 0 {
		return isobus.NewError(isobus.KindPoolValidation, "DDOP must not be empty")
	}
	byID := make(map[uint16]Node, len(d))
	for _, n := range d {
		byID[n.ID] = n
	}

	devices := 0
	for _, n := range d {
		if n.Type == NodeTypeDevice {
			devices++
		}
		for _, child := range n.Children {
			if _, ok := byID[child]; !ok {
				return isobus.NewError(isobus.KindPoolValidation, "DDOP references unknown child node")
			}
		}
	}
	if devices != 1 {
		return isobus.NewError(isobus.KindPoolValidation, "DDOP must contain exactly one Device object")
	}
	return nil
}

// Serialize encodes the DDOP with the same length-prefixed scheme as the VT object pool
// (spec.md §4.8): ID(LE16) | type(1) | body-length(LE16) | body | child-count(LE16) |
// children(LE16 each).
func (d DDOP) Serialize() []byte {
	var out []byte
	for _, n := range d {
		var rec [5]byte
		binary.LittleEndian.PutUint16(rec[0:2], n.ID)
		rec[2] = n.Type
		binary.LittleEndian.PutUint16(rec[3:5], uint16(len(n.Body)))
		out = append(out, rec[:]...)
		out = append(out, n.Body...)

		var childCount [2]byte
		binary.LittleEndian.PutUint16(childCount[:], uint16(len(n.Children)))
		out = append(out, childCount[:]...)
		for _, c := range n.Children {
			var cb [2]byte
			binary.LittleEndian.PutUint16(cb[:], c)
			out = append(out, cb[:]...)
		}
	}
	return out
}

// DeserializeDDOP decodes a byte stream produced by DDOP.Serialize.
func DeserializeDDOP(data []byte) (DDOP, error) {
	var ddop DDOP
	for len(data) > 0 {
		if len(data) < 5 {
			return nil, isobus.NewError(isobus.KindInvalidData, "truncated DDOP record header")
		}
		id := binary.LittleEndian.Uint16(data[0:2])
		typ := data[2]
		bodyLen := int(binary.LittleEndian.Uint16(data[3:5]))
		data = data[5:]
		if len(data) < bodyLen+2 {
			return nil, isobus.NewError(isobus.KindInvalidData, "truncated DDOP body")
		}
		body := append([]byte(nil), data[:bodyLen]...)
		data = data[bodyLen:]

		childCount := int(binary.LittleEndian.Uint16(data[0:2]))
		data = data[2:]
		if len(data) < childCount*2 {
			return nil, isobus.NewError(isobus.KindInvalidData, "truncated DDOP children")
		}
		children := make([]uint16, childCount)
		for i := 0; i < childCount; i++ {
			children[i] = binary.LittleEndian.Uint16(data[i*2 : i*2+2])
		}
		data = data[childCount*2:]

		ddop = append(ddop, Node{ID: id, Type: typ, Body: body, Children: children})
	}
	return ddop, nil
}

// packValueFrame encodes a process-data message the way a TC value request, value
// response, or set-value command does: byte0 low nibble carries the command, a 12-bit
// element number is split across byte0's high nibble (its low 4 bits) and byte1 (its high
// 8 bits), and bytes 2-3 carry the DDI (16 bits LE) (spec.md §4.8).
func packValueFrame(command uint8, element uint16, ddi uint16) [4]byte {
	var out [4]byte
	out[0] = command&0x0F | byte(element&0x0F)<<4
	out[1] = byte(element >> 4)
	binary.LittleEndian.PutUint16(out[2:4], ddi)
	return out
}

func valueFrameCommand(b0 byte) uint8 { return b0 & 0x0F }

func unpackElement(b0, b1 byte) uint16 {
	return uint16(b0>>4&0x0F) | uint16(b1)<<4
}
