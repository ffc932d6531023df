package transport

import (
	"sync"

	"github.com/openisobus/isobus"
)

// fastPacketMaxSize is the largest payload Fast Packet can reassemble: frame 0 carries 6
// data bytes, each of the remaining 31 frames carries 7, for 6 + 31*7 = 223 bytes.
const fastPacketMaxSize = 223

// fastPacketTimeoutMillis is how long a partial sequence is kept before being discarded as
// stale (spec.md §4.5).
const fastPacketTimeoutMillis = 750.0

type fastPacketKey struct {
	source   uint8
	pgn      isobus.PGN
	sequence uint8
}

type fastPacketSession struct {
	key                fastPacketKey
	priority           uint8
	length             uint8
	completeFramesMask uint32
	receivedFramesMask uint32
	expectedNext       uint8
	data               [fastPacketMaxSize]byte
	timer              float64
}

func (s *fastPacketSession) reset() {
	s.length = 0
	s.completeFramesMask = 0
	s.receivedFramesMask = 0
	s.expectedNext = 0
	s.timer = fastPacketTimeoutMillis
}

// appendResult distinguishes the three outcomes of folding one frame into a session: the
// sequence is complete, it is still in progress, or the frame arrived out of order and the
// whole session must be discarded (spec.md §4.5).
type appendResult uint8

const (
	appendInProgress appendResult = iota
	appendComplete
	appendDiscard
)

// append folds one Fast Packet frame into the session. A frame_index of 0 (re)starts the
// session even if one was already in progress, matching the wire rule that a first frame
// for an existing key replaces whatever session preceded it.
func (s *fastPacketSession) append(frame isobus.Frame) appendResult {
	data := frame.Bytes()
	frameNr := data[0] & 0b0001_1111

	if frameNr == 0 {
		s.reset()
		s.length = data[1]
		frameCount := uint8(1)
		if s.length > 6 {
			frameCount += (s.length - 6 + 6) / 7
		}
		s.completeFramesMask = ^(uint32(0xFFFFFFFF) << frameCount)
		copy(s.data[:6], data[2:8])
		s.receivedFramesMask = 1
		s.expectedNext = 1
		s.timer = fastPacketTimeoutMillis
		if s.completeFramesMask == s.receivedFramesMask {
			return appendComplete
		}
		return appendInProgress
	}

	if frameNr != s.expectedNext {
		return appendDiscard
	}

	start := 6 + int(frameNr-1)*7
	end := start + 7
	if end > len(s.data) {
		end = len(s.data)
	}
	copy(s.data[start:end], data[1:8])
	s.receivedFramesMask |= uint32(1) << frameNr
	s.expectedNext = (frameNr + 1) % 32
	s.timer = fastPacketTimeoutMillis

	if s.completeFramesMask == s.receivedFramesMask {
		return appendComplete
	}
	return appendInProgress
}

func (s *fastPacketSession) message() *isobus.Message {
	payload := make([]byte, s.length)
	copy(payload, s.data[:s.length])
	return &isobus.Message{PGN: s.key.pgn, Data: payload, Source: s.key.source, Priority: s.priority}
}

// FastPacket reassembles NMEA2000-style Fast Packet sequences: a 3 bit session counter
// (top bits of the first data byte) distinguishes concurrent sequences from the same
// source/PGN, since Fast Packet carries no connection-management handshake of its own
// (spec.md §4.5).
type FastPacket struct {
	pgns       map[isobus.PGN]bool
	inTransfer []*fastPacketSession
	pool       *sync.Pool
	lock       sync.Mutex

	txCounters map[isobus.PGN]uint8
}

// NewFastPacket creates an assembler that treats frames on any of pgns as Fast Packet
// sequences; all other PGNs are reported as already-complete single-frame messages by
// Handle.
func NewFastPacket(pgns []isobus.PGN) *FastPacket {
	pool := &sync.Pool{New: func() any { return &fastPacketSession{} }}
	set := make(map[isobus.PGN]bool, len(pgns))
	for _, pgn := range pgns {
		set[pgn] = true
	}
	return &FastPacket{pgns: set, pool: pool, inTransfer: make([]*fastPacketSession, 0, 4), txCounters: make(map[isobus.PGN]uint8)}
}

// Registered reports whether pgn has been registered as Fast-Packet-eligible.
func (a *FastPacket) Registered(pgn isobus.PGN) bool { return a.pgns[pgn] }

// Send segments payload (9..223 bytes) into a Fast Packet frame sequence from source,
// allocating the next 3 bit session counter for pgn and wrapping it modulo 8.
func (a *FastPacket) Send(source uint8, priority uint8, pgn isobus.PGN, payload []byte) ([]isobus.Frame, error) {
	if len(payload) < 9 || len(payload) > fastPacketMaxSize {
		return nil, isobus.NewError(isobus.KindInvalidData, "Fast Packet payload must be 9..223 bytes")
	}
	a.lock.Lock()
	counter := a.txCounters[pgn]
	a.txCounters[pgn] = (counter + 1) % 8
	a.lock.Unlock()

	id := isobus.Identifier{Priority: priority, PGN: pgn, Source: source, Destination: isobus.BroadcastAddress}

	var first [8]byte
	for i := 2; i < 8; i++ {
		first[i] = 0xFF
	}
	first[0] = counter << 5
	first[1] = byte(len(payload))
	n := copy(first[2:], payload)
	frames := []isobus.Frame{{ID: id, Data: first, Length: uint8(2 + n)}}

	rest := payload[n:]
	frameIdx := uint8(1)
	for len(rest) > 0 {
		var body [8]byte
		for i := 1; i < 8; i++ {
			body[i] = 0xFF
		}
		body[0] = (counter << 5) | (frameIdx & 0b0001_1111)
		m := copy(body[1:], rest)
		frames = append(frames, isobus.Frame{ID: id, Data: body, Length: uint8(1 + m)})
		rest = rest[m:]
		frameIdx++
	}
	return frames, nil
}

// Handle folds one inbound frame into its Fast Packet sequence. It returns the assembled
// Message once the sequence completes, or nil while more frames are still expected.
func (a *FastPacket) Handle(id isobus.Identifier, frame isobus.Frame) *isobus.Message {
	if !a.pgns[id.PGN] {
		return &isobus.Message{PGN: id.PGN, Data: append([]byte(nil), frame.Bytes()...), Source: id.Source, Priority: id.Priority}
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	data := frame.Bytes()
	sequence := data[0] >> 5
	key := fastPacketKey{source: id.Source, pgn: id.PGN, sequence: sequence}

	var sess *fastPacketSession
	idx := -1
	for i, s := range a.inTransfer {
		if s.key == key {
			sess = s
			idx = i
			break
		}
	}
	if sess == nil {
		sess = a.pool.Get().(*fastPacketSession)
		sess.key = key
		sess.priority = id.Priority
		sess.reset()
		a.inTransfer = append(a.inTransfer, sess)
		idx = len(a.inTransfer) - 1
	}

	switch sess.append(frame) {
	case appendComplete:
		msg := sess.message()
		a.removeAt(idx, sess)
		return msg
	case appendDiscard:
		a.removeAt(idx, sess)
		return nil
	default:
		return nil
	}
}

// Update expires any partial sequence that has been silent for fastPacketTimeoutMillis.
func (a *FastPacket) Update(elapsedMillis float64) {
	a.lock.Lock()
	defer a.lock.Unlock()

	i := 0
	for i < len(a.inTransfer) {
		s := a.inTransfer[i]
		s.timer -= elapsedMillis
		if s.timer <= 0 {
			a.removeAt(i, s)
			continue
		}
		i++
	}
}

func (a *FastPacket) removeAt(idx int, s *fastPacketSession) {
	a.inTransfer[idx] = a.inTransfer[len(a.inTransfer)-1]
	a.inTransfer = a.inTransfer[:len(a.inTransfer)-1]
	a.pool.Put(s)
}
