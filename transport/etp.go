package transport

import (
	"github.com/openisobus/isobus"
)

// etpMaxPayload is the largest payload ETP can address: 0xFFFFFFFF bytes in principle, but
// spec.md §4.4 bounds it to 117,440,505 bytes (16,777,215 packets, the most a 24 bit
// packet offset can address, of 7 bytes each); we enforce that bound at Send.
const etpMaxPayload = 117440505

// etpMinPayload is one more than TP's MaxPayload: below this, plain TP applies.
const etpMinPayload = MaxPayload + 1

type etpTxSession struct {
	peer         peerKey
	pgn          isobus.PGN
	priority     uint8
	payload      []byte
	totalBytes   int
	groupOffset  int // DPO packet offset of the current group, 0-based
	state        State
	timer        float64
}

type etpRxSession struct {
	peer         peerKey
	pgn          isobus.PGN
	priority     uint8
	buffer       []byte
	totalBytes   int
	groupOffset  int
	lastSeq      uint8 // within-group sequence, 0 means no DT received in this group yet
	windowSize   int
	state        State
	timer        float64
}

// ETP implements the Extended Transport Protocol: DPO-relative sequencing for
// connection-mode payloads too large for TP (1786..117,440,505 bytes).
type ETP struct {
	tx map[peerKey]*etpTxSession
	rx map[peerKey]*etpRxSession
}

// NewETP creates an empty ETP engine.
func NewETP() *ETP {
	return &ETP{tx: make(map[peerKey]*etpTxSession), rx: make(map[peerKey]*etpRxSession)}
}

// Send begins an ETP transfer. destination must not be broadcast; ETP has no BAM analogue.
func (e *ETP) Send(source, destination uint8, priority uint8, pgn isobus.PGN, payload []byte) ([]isobus.Frame, error) {
	if destination == isobus.BroadcastAddress {
		return nil, isobus.NewError(isobus.KindInvalidData, "ETP does not support broadcast")
	}
	if len(payload) < etpMinPayload || len(payload) > etpMaxPayload {
		return nil, isobus.NewError(isobus.KindInvalidData, "ETP payload must be 1786..117440505 bytes")
	}
	key := peerKey{Source: source, Destination: destination}
	if _, exists := e.tx[key]; exists {
		return nil, isobus.NewError(isobus.KindSessionExists, "ETP transmit session already active for peer")
	}
	sess := &etpTxSession{
		peer:       key,
		pgn:        pgn,
		priority:   priority,
		payload:    append([]byte(nil), payload...),
		totalBytes: len(payload),
		state:      StateWaitingForCTS,
		timer:      timeoutETP,
	}
	e.tx[key] = sess
	return []isobus.Frame{e.rtsFrame(sess)}, nil
}

func (e *ETP) rtsFrame(s *etpTxSession) isobus.Frame {
	n := uint32(s.totalBytes)
	data := append([]byte{cmETPRTS, uint8(n), uint8(n >> 8), uint8(n >> 16), uint8(n >> 24)}, pgnBytes3(s.pgn)...)
	id := isobus.Identifier{Priority: s.priority, PGN: isobus.PGNETPConnectionManagement, Source: s.peer.Source, Destination: s.peer.Destination}
	return isobus.NewFrame(id, data)
}

func (e *ETP) ctsFrame(s *etpRxSession, numPackets uint8, nextPacket uint32) isobus.Frame {
	data := append([]byte{cmETPCTS, numPackets, uint8(nextPacket), uint8(nextPacket >> 8), uint8(nextPacket >> 16)}, pgnBytes3(s.pgn)...)
	id := isobus.Identifier{Priority: s.priority, PGN: isobus.PGNETPConnectionManagement, Source: s.peer.Destination, Destination: s.peer.Source}
	return isobus.NewFrame(id, data)
}

func (e *ETP) dpoFrame(s *etpTxSession, numPackets uint8) isobus.Frame {
	offset := uint32(s.groupOffset)
	data := append([]byte{cmETPDPO, numPackets, uint8(offset), uint8(offset >> 8), uint8(offset >> 16)}, pgnBytes3(s.pgn)...)
	id := isobus.Identifier{Priority: s.priority, PGN: isobus.PGNETPConnectionManagement, Source: s.peer.Source, Destination: s.peer.Destination}
	return isobus.NewFrame(id, data)
}

func (e *ETP) eomaFrame(s *etpRxSession) isobus.Frame {
	n := uint32(s.totalBytes)
	data := append([]byte{cmETPEOMA, uint8(n), uint8(n >> 8), uint8(n >> 16), uint8(n >> 24)}, pgnBytes3(s.pgn)...)
	id := isobus.Identifier{Priority: s.priority, PGN: isobus.PGNETPConnectionManagement, Source: s.peer.Destination, Destination: s.peer.Source}
	return isobus.NewFrame(id, data)
}

// HandleFrame processes one inbound ETP.CM or ETP.DT frame.
func (e *ETP) HandleFrame(id isobus.Identifier, data []byte) ([]isobus.Frame, *isobus.Message, error) {
	if len(data) < 8 {
		return nil, nil, isobus.NewError(isobus.KindInvalidData, "short ETP frame")
	}
	switch id.PGN {
	case isobus.PGNETPConnectionManagement:
		return e.handleCM(id, data)
	case isobus.PGNETPDataTransfer:
		return e.handleDT(id, data)
	}
	return nil, nil, nil
}

func (e *ETP) handleCM(id isobus.Identifier, data []byte) ([]isobus.Frame, *isobus.Message, error) {
	switch data[0] {
	case cmETPRTS:
		return e.handleRTS(id, data), nil, nil
	case cmETPCTS:
		return e.handleCTS(id, data), nil, nil
	case cmETPDPO:
		e.handleDPO(id, data)
		return nil, nil, nil
	case cmETPEOMA:
		e.handleEOMA(id)
		return nil, nil, nil
	case cmAbort:
		e.handleAbort(id)
		return nil, nil, nil
	}
	return nil, nil, nil
}

func (e *ETP) handleRTS(id isobus.Identifier, data []byte) []isobus.Frame {
	key := peerKey{Source: id.Source, Destination: id.Destination}
	total := int(data[1]) | int(data[2])<<8 | int(data[3])<<16 | int(data[4])<<24
	pgn := isobus.PGN(uint32(data[5]) | uint32(data[6])<<8 | uint32(data[7])<<16)
	if total > etpMaxPayload {
		return []isobus.Frame{abortFrame(id.Priority, pgn, id.Destination, id.Source, AbortTotalSizeTooBig)}
	}
	sess := &etpRxSession{
		peer:       key,
		pgn:        pgn,
		priority:   id.Priority,
		buffer:     make([]byte, 0, total),
		totalBytes: total,
		state:      StateWaitingForData,
		timer:      timeoutETP,
	}
	e.rx[key] = sess
	remaining := totalPackets(total)
	window := uint8(MaxPacketsPerCTS)
	if int(window) > remaining {
		window = uint8(remaining)
	}
	sess.windowSize = int(window)
	return []isobus.Frame{e.ctsFrame(sess, window, 1)}
}

func (e *ETP) handleCTS(id isobus.Identifier, data []byte) []isobus.Frame {
	key := peerKey{Source: id.Destination, Destination: id.Source}
	sess, ok := e.tx[key]
	if !ok {
		return nil
	}
	numPackets := data[1]
	nextPacket := uint32(data[2]) | uint32(data[3])<<8 | uint32(data[4])<<16
	if numPackets == 0 {
		sess.timer = timeoutETP
		return nil
	}
	sess.groupOffset = int(nextPacket) - 1
	sess.state = StateSendingData
	sess.timer = timeoutETP

	frames := []isobus.Frame{e.dpoFrame(sess, numPackets)}
	frames = append(frames, e.sendGroupFrames(sess, int(numPackets))...)
	return frames
}

// sendGroupFrames emits the data frames for the group just announced by DPO and leaves the
// session waiting for the next CTS.
func (e *ETP) sendGroupFrames(sess *etpTxSession, window int) []isobus.Frame {
	var frames []isobus.Frame
	for seq := 1; seq <= window; seq++ {
		start := (sess.groupOffset + seq - 1) * 7
		if start >= len(sess.payload) {
			break
		}
		end := start + 7
		if end > len(sess.payload) {
			end = len(sess.payload)
		}
		frames = append(frames, dataFrame(sess.priority, sess.peer.Source, sess.peer.Destination, isobus.PGNETPDataTransfer, uint8(seq), sess.payload[start:end]))
	}
	sess.state = StateWaitingForCTS
	sess.timer = timeoutETP
	return frames
}

func (e *ETP) handleDPO(id isobus.Identifier, data []byte) []isobus.Frame {
	key := peerKey{Source: id.Source, Destination: id.Destination}
	sess, ok := e.rx[key]
	if !ok {
		return nil
	}
	numPackets := int(data[1])
	offset := int(data[2]) | int(data[3])<<8 | int(data[4])<<16
	sess.groupOffset = offset
	sess.lastSeq = 0
	sess.windowSize = numPackets
	sess.timer = timeoutETP
	return nil
}

func (e *ETP) handleDT(id isobus.Identifier, data []byte) ([]isobus.Frame, *isobus.Message, error) {
	key := peerKey{Source: id.Source, Destination: id.Destination}
	sess, ok := e.rx[key]
	if !ok {
		return nil, nil, nil
	}
	seq := data[0]
	expected := sess.lastSeq + 1
	if seq != expected {
		delete(e.rx, key)
		return []isobus.Frame{abortFrame(sess.priority, sess.pgn, id.Destination, id.Source, AbortBadSequence)}, nil, nil
	}

	absoluteByte := (sess.groupOffset + int(seq) - 1) * 7
	needed := absoluteByte + 7
	if needed > len(sess.buffer) {
		grown := make([]byte, needed)
		copy(grown, sess.buffer)
		sess.buffer = grown
	}
	remaining := sess.totalBytes - absoluteByte
	n := 7
	if remaining < n {
		n = remaining
	}
	if n > 0 {
		copy(sess.buffer[absoluteByte:absoluteByte+n], data[1:1+n])
	}
	sess.lastSeq = seq
	sess.timer = timeoutETP

	bytesSeen := absoluteByte + n
	if bytesSeen >= sess.totalBytes {
		delete(e.rx, key)
		if len(sess.buffer) > sess.totalBytes {
			sess.buffer = sess.buffer[:sess.totalBytes]
		}
		msg := &isobus.Message{PGN: sess.pgn, Data: sess.buffer, Source: id.Source, Destination: id.Destination, Priority: sess.priority}
		return []isobus.Frame{e.eomaFrame(sess)}, msg, nil
	}

	if int(seq) >= sess.windowSize {
		remainingPkts := totalPackets(sess.totalBytes) - (sess.groupOffset + int(seq))
		window := MaxPacketsPerCTS
		if window > remainingPkts {
			window = remainingPkts
		}
		nextPacket := uint32(sess.groupOffset + int(seq) + 1)
		sess.state = StateWaitingForData
		sess.timer = timeoutETP
		return []isobus.Frame{e.ctsFrame(sess, uint8(window), nextPacket)}, nil, nil
	}
	return nil, nil, nil
}

func (e *ETP) handleEOMA(id isobus.Identifier) {
	delete(e.tx, peerKey{Source: id.Destination, Destination: id.Source})
}

func (e *ETP) handleAbort(id isobus.Identifier) {
	delete(e.tx, peerKey{Source: id.Destination, Destination: id.Source})
	delete(e.rx, peerKey{Source: id.Source, Destination: id.Destination})
}

// Update expires sessions whose ETP timer has run out.
func (e *ETP) Update(elapsedMillis float64) []isobus.Frame {
	var out []isobus.Frame
	for key, s := range e.tx {
		s.timer -= elapsedMillis
		if s.timer <= 0 {
			out = append(out, abortFrame(s.priority, s.pgn, s.peer.Source, s.peer.Destination, AbortTimeout))
			delete(e.tx, key)
		}
	}
	for key, s := range e.rx {
		s.timer -= elapsedMillis
		if s.timer <= 0 {
			out = append(out, abortFrame(s.priority, s.pgn, s.peer.Destination, s.peer.Source, AbortTimeout))
			delete(e.rx, key)
		}
	}
	return out
}
