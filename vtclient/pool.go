// Package vtclient implements the ISO 11783-6 Virtual Terminal client: a working-set
// handshake, object pool upload, runtime command relay, and passive state tracking
// (spec.md §4.7).
package vtclient

import (
	"encoding/binary"

	"github.com/openisobus/isobus"
)

// Object is one node of a VT object pool: an identifier, a VT object type byte, an
// opaque attribute body, and references to child object IDs (spec.md §3).
type Object struct {
	ID       uint16
	Type     uint8
	Body     []byte
	Children []uint16
}

// ObjectType values this package cares about for pool-invariant validation; the full VT
// object type enumeration belongs to the application layer (out of scope, spec.md §1).
const (
	ObjectTypeWorkingSet uint8 = 0
	ObjectTypeDataMask   uint8 = 1
	ObjectTypeAlarmMask  uint8 = 2
)

// Pool is an ordered object pool as uploaded to a VT server.
type Pool []Object

// Validate enforces the pool invariant from spec.md §3: exactly one Working Set object;
// every child reference resolves to an object in the pool; every Working Set has at
// least one DataMask or AlarmMask among its children.
func (p Pool) Validate() error {
	if len(p) == 0 {
		return isobus.NewError(isobus.KindPoolValidation, "object pool must not be empty")
	}
	byID := make(map[uint16]Object, len(p))
	for _, o := range p {
		byID[o.ID] = o
	}

	var workingSets []Object
	for _, o := range p {
		if o.Type == ObjectTypeWorkingSet {
			workingSets = append(workingSets, o)
		}
		for _, child := range o.Children {
			if _, ok := byID[child]; !ok {
				return isobus.WrapError(isobus.KindPoolValidation, "unresolved child reference", unresolvedChildError{parent: o.ID, child: child})
			}
		}
	}
	if len(workingSets) != 1 {
		return isobus.NewError(isobus.KindPoolValidation, "pool must contain exactly one Working Set object")
	}

	ws := workingSets[0]
	hasMask := false
	for _, child := range ws.Children {
		if t := byID[child].Type; t == ObjectTypeDataMask || t == ObjectTypeAlarmMask {
			hasMask = true
			break
		}
	}
	if !hasMask {
		return isobus.NewError(isobus.KindPoolValidation, "Working Set must reference at least one DataMask or AlarmMask")
	}
	return nil
}

type unresolvedChildError struct {
	parent, child uint16
}

func (e unresolvedChildError) Error() string {
	return "object references unknown child"
}

// Serialize encodes the pool as ID(LE16) | type(1) | body-length(LE16) | body |
// child-count(LE16) | children(LE16 each), one record per object in order.
func (p Pool) Serialize() []byte {
	var out []byte
	for _, o := range p {
		var rec [5]byte
		binary.LittleEndian.PutUint16(rec[0:2], o.ID)
		rec[2] = o.Type
		binary.LittleEndian.PutUint16(rec[3:5], uint16(len(o.Body)))
		out = append(out, rec[:]...)
		out = append(out, o.Body...)

		var childCount [2]byte
		binary.LittleEndian.PutUint16(childCount[:], uint16(len(o.Children)))
		out = append(out, childCount[:]...)
		for _, c := range o.Children {
			var cb [2]byte
			binary.LittleEndian.PutUint16(cb[:], c)
			out = append(out, cb[:]...)
		}
	}
	return out
}

// DeserializePool decodes a byte stream produced by Pool.Serialize, for tests and for
// round-tripping a pool read back from storage.
func DeserializePool(data []byte) (Pool, error) {
	var pool Pool
	for len(data) > 0 {
		if len(data) < 5 {
			return nil, isobus.NewError(isobus.KindInvalidData, "truncated object pool record header")
		}
		id := binary.LittleEndian.Uint16(data[0:2])
		typ := data[2]
		bodyLen := int(binary.LittleEndian.Uint16(data[3:5]))
		data = data[5:]
		if len(data) < bodyLen+2 {
			return nil, isobus.NewError(isobus.KindInvalidData, "truncated object pool body")
		}
		body := append([]byte(nil), data[:bodyLen]...)
		data = data[bodyLen:]

		childCount := int(binary.LittleEndian.Uint16(data[0:2]))
		data = data[2:]
		if len(data) < childCount*2 {
			return nil, isobus.NewError(isobus.KindInvalidData, "truncated object pool children")
		}
		children := make([]uint16, childCount)
		for i := 0; i < childCount; i++ {
			children[i] = binary.LittleEndian.Uint16(data[i*2 : i*2+2])
		}
		data = data[childCount*2:]

		pool = append(pool, Object{ID: id, Type: typ, Body: body, Children: children})
	}
	return pool, nil
}
