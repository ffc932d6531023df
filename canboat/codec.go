// Package canboat is a worked example of the network manager's dispatch contract: a
// typed encode/decode pair for one PGN, registered via Manager.Subscribe, showing how an
// application layer turns a reassembled isobus.Message into domain data and back. It is
// not a PGN schema database — that concern is explicitly out of scope for this module.
package canboat

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/openisobus/isobus"
)

// PGNEngineSpeed is SAE J1939 PGN 61444, Electronic Engine Controller 1: engine speed is
// the only field this demo codec cares about.
const PGNEngineSpeed isobus.PGN = 0xF004

// EngineSpeed is the decoded form of PGNEngineSpeed's speed field.
type EngineSpeed struct {
	Source uint8
	RPM    float64
}

// DecodeEngineSpeed extracts engine speed from a reassembled Electronic Engine
// Controller 1 message. Bytes 4-5 are engine speed in 0.125 rpm/bit, little endian.
func DecodeEngineSpeed(msg isobus.Message) (EngineSpeed, error) {
	if msg.PGN != PGNEngineSpeed {
		return EngineSpeed{}, fmt.Errorf("canboat: expected PGN %d, got %d", PGNEngineSpeed, msg.PGN)
	}
	if len(msg.Data) < 6 {
		return EngineSpeed{}, fmt.Errorf("canboat: engine speed message too short: %d bytes", len(msg.Data))
	}
	raw := uint16(msg.Data[4]) | uint16(msg.Data[5])<<8
	return EngineSpeed{Source: msg.Source, RPM: float64(raw) * 0.125}, nil
}

// EncodeEngineSpeed builds the 8 byte payload for an Electronic Engine Controller 1
// message reporting rpm; all fields this demo does not model are padded with 0xFF.
func EncodeEngineSpeed(rpm float64) []byte {
	data := make([]byte, 8)
	for i := range data {
		data[i] = 0xFF
	}
	raw := uint16(rpm / 0.125)
	data[4] = byte(raw)
	data[5] = byte(raw >> 8)
	return data
}

// MarshalCSV renders one message as a CSV line (timestamp,priority,pgn,source,dest,len,hex...).
func MarshalCSV(msg isobus.Message) []byte {
	buf := new(bytes.Buffer)
	buf.WriteString(msg.Timestamp.Format(time.RFC3339Nano))
	buf.WriteByte(',')
	buf.WriteString(strconv.Itoa(int(msg.Priority)))
	buf.WriteByte(',')
	buf.WriteString(strconv.Itoa(int(msg.PGN)))
	buf.WriteByte(',')
	buf.WriteString(strconv.Itoa(int(msg.Source)))
	buf.WriteByte(',')
	buf.WriteString(strconv.Itoa(int(msg.Destination)))
	buf.WriteByte(',')
	buf.WriteString(strconv.Itoa(len(msg.Data)))
	for _, b := range msg.Data {
		fmt.Fprintf(buf, ",%02x", b)
	}
	return buf.Bytes()
}
