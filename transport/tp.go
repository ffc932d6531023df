package transport

import (
	"github.com/google/uuid"
	"github.com/openisobus/isobus"
	"github.com/sirupsen/logrus"
)

// peerKey identifies a TP session by the (source, destination) pair actually carried on
// the wire. Data Transfer frames carry no PGN, so — like real-world TP stacks — this
// implementation supports at most one concurrent session per direction per peer pair; the
// PGN is attached once an RTS/BAM is accepted and is not itself part of the lookup key.
// This is a strictly tighter guarantee than the invariant in spec.md §3 ("at most one
// session per (src,dst,PGN,port)"), so it satisfies that invariant by construction.
type peerKey struct {
	Source      uint8
	Destination uint8
}

type tpTxSession struct {
	sessionID    string // correlation id for log lines spanning this session's lifetime
	peer         peerKey
	pgn          isobus.PGN
	priority     uint8
	payload      []byte
	totalBytes   int
	totalPkts    int
	nextSeq      uint8 // next sequence number to send (BAM: next to pace out)
	windowEndSeq uint8 // last sequence number of the current CTS window (CM only)
	isBAM        bool
	state        State
	timer        float64 // ms remaining; CM: T3/T4 per state. BAM: inter-frame gap.
}

type tpRxSession struct {
	peer            peerKey
	pgn             isobus.PGN
	priority        uint8
	buffer          []byte
	totalBytes      int
	totalPkts       int
	lastSeq         uint8 // 0 means no DT received yet
	windowRemaining int   // packets still expected before the next CTS (CM only)
	isBAM           bool
	state           State
	timer           float64
	maxPerCTS       uint8
}

// TP implements the J1939/ISOBUS Transport Protocol: BAM broadcast and RTS/CTS
// connection-mode segmentation of 9..1785 byte payloads (spec.md §4.3).
type TP struct {
	tx  map[peerKey]*tpTxSession
	rx  map[peerKey]*tpRxSession
	log *logrus.Entry
}

// NewTP creates an empty TP engine.
func NewTP(log *logrus.Entry) *TP {
	return &TP{
		tx:  make(map[peerKey]*tpTxSession),
		rx:  make(map[peerKey]*tpRxSession),
		log: log,
	}
}

// MaxPayload is the largest payload TP can segment (1785 bytes = 255 packets * 7).
const MaxPayload = 1785

// MinPayload is the smallest payload TP segments; 8 bytes and under is sent unsegmented.
const MinPayload = 9

// Send begins transmitting payload from source to destination. destination ==
// isobus.BroadcastAddress selects BAM; any other destination selects RTS/CTS connection
// mode.
func (t *TP) Send(source, destination uint8, priority uint8, pgn isobus.PGN, payload []byte) ([]isobus.Frame, error) {
	if len(payload) < MinPayload || len(payload) > MaxPayload {
		return nil, isobus.NewError(isobus.KindInvalidData, "TP payload must be 9..1785 bytes")
	}
	key := peerKey{Source: source, Destination: destination}
	if _, exists := t.tx[key]; exists {
		return nil, isobus.NewError(isobus.KindSessionExists, "TP transmit session already active for peer")
	}

	sess := &tpTxSession{
		sessionID:  uuid.NewString(),
		peer:       key,
		pgn:        pgn,
		priority:   priority,
		payload:    append([]byte(nil), payload...),
		totalBytes: len(payload),
		totalPkts:  totalPackets(len(payload)),
	}

	if destination == isobus.BroadcastAddress {
		sess.isBAM = true
		sess.state = StateSendingData
		sess.nextSeq = 1
		sess.timer = bamMinFrameGapMillis
		t.tx[key] = sess
		if t.log != nil {
			t.log.WithFields(logrus.Fields{"session": sess.sessionID, "pgn": pgn, "bytes": len(payload)}).Debug("TP BAM transmit started")
		}
		return []isobus.Frame{t.bamFrame(sess)}, nil
	}

	sess.state = StateWaitingForCTS
	sess.timer = timeoutT3
	t.tx[key] = sess
	if t.log != nil {
		t.log.WithFields(logrus.Fields{"session": sess.sessionID, "pgn": pgn, "bytes": len(payload), "dst": destination}).Debug("TP RTS sent")
	}
	return []isobus.Frame{t.rtsFrame(sess)}, nil
}

func (t *TP) rtsFrame(s *tpTxSession) isobus.Frame {
	lo, hi := size2(s.totalBytes)
	data := append([]byte{cmRTS, lo, hi, uint8(s.totalPkts), MaxPacketsPerCTS}, pgnBytes3(s.pgn)...)
	id := isobus.Identifier{Priority: s.priority, PGN: isobus.PGNTPConnectionManagement, Source: s.peer.Source, Destination: s.peer.Destination}
	return isobus.NewFrame(id, data)
}

func (t *TP) bamFrame(s *tpTxSession) isobus.Frame {
	lo, hi := size2(s.totalBytes)
	data := append([]byte{cmBAM, lo, hi, uint8(s.totalPkts), 0xFF}, pgnBytes3(s.pgn)...)
	id := isobus.Identifier{Priority: s.priority, PGN: isobus.PGNTPConnectionManagement, Source: s.peer.Source, Destination: isobus.BroadcastAddress}
	return isobus.NewFrame(id, data)
}

func (t *TP) ctsFrame(s *tpRxSession, numPackets uint8, nextSeq uint8) isobus.Frame {
	data := append([]byte{cmCTS, numPackets, nextSeq, 0xFF, 0xFF}, pgnBytes3(s.pgn)...)
	id := isobus.Identifier{Priority: s.priority, PGN: isobus.PGNTPConnectionManagement, Source: s.peer.Destination, Destination: s.peer.Source}
	return isobus.NewFrame(id, data)
}

func (t *TP) eomaFrame(s *tpRxSession) isobus.Frame {
	lo, hi := size2(s.totalBytes)
	data := append([]byte{cmEOMA, lo, hi, uint8(s.totalPkts), 0xFF}, pgnBytes3(s.pgn)...)
	id := isobus.Identifier{Priority: s.priority, PGN: isobus.PGNTPConnectionManagement, Source: s.peer.Destination, Destination: s.peer.Source}
	return isobus.NewFrame(id, data)
}

func abortFrame(priority uint8, pgn isobus.PGN, source, destination uint8, reason AbortReason) isobus.Frame {
	data := append([]byte{cmAbort, uint8(reason), 0xFF, 0xFF, 0xFF}, pgnBytes3(pgn)...)
	id := isobus.Identifier{Priority: priority, PGN: isobus.PGNTPConnectionManagement, Source: source, Destination: destination}
	return isobus.NewFrame(id, data)
}

func dataFrame(priority uint8, source, destination uint8, dtPGN isobus.PGN, seq uint8, chunk []byte) isobus.Frame {
	payload := [8]byte{}
	payload[0] = seq
	for i := 1; i < 8; i++ {
		payload[i] = 0xFF
	}
	copy(payload[1:], chunk)
	id := isobus.Identifier{Priority: priority, PGN: dtPGN, Source: source, Destination: destination}
	return isobus.Frame{ID: id, Data: payload, Length: 8}
}

func chunkOf(payload []byte, seq int) []byte {
	start := (seq - 1) * 7
	if start >= len(payload) {
		return nil
	}
	end := start + 7
	if end > len(payload) {
		end = len(payload)
	}
	return payload[start:end]
}

// HandleFrame processes one inbound TP.CM or TP.DT frame. It returns any frames to emit
// in response and, when a receive session completes, the reassembled Message.
func (t *TP) HandleFrame(id isobus.Identifier, data []byte) ([]isobus.Frame, *isobus.Message, error) {
	if len(data) < 8 {
		return nil, nil, isobus.NewError(isobus.KindInvalidData, "short TP frame")
	}
	switch id.PGN {
	case isobus.PGNTPConnectionManagement:
		return t.handleCM(id, data)
	case isobus.PGNTPDataTransfer:
		return t.handleDT(id, data)
	}
	return nil, nil, nil
}

func (t *TP) handleCM(id isobus.Identifier, data []byte) ([]isobus.Frame, *isobus.Message, error) {
	switch data[0] {
	case cmBAM:
		return t.handleBAM(id, data), nil, nil
	case cmRTS:
		return t.handleRTS(id, data), nil, nil
	case cmCTS:
		return t.handleCTS(id, data), nil, nil
	case cmEOMA:
		t.handleEOMA(id)
		return nil, nil, nil
	case cmAbort:
		t.handleAbort(id)
		return nil, nil, nil
	}
	return nil, nil, nil
}

func (t *TP) handleBAM(id isobus.Identifier, data []byte) []isobus.Frame {
	key := peerKey{Source: id.Source, Destination: isobus.BroadcastAddress}
	total := int(data[1]) | int(data[2])<<8
	pgn := isobus.PGN(uint32(data[5]) | uint32(data[6])<<8 | uint32(data[7])<<16)
	t.rx[key] = &tpRxSession{
		peer:       key,
		pgn:        pgn,
		priority:   id.Priority,
		buffer:     make([]byte, 0, total),
		totalBytes: total,
		totalPkts:  int(data[3]),
		isBAM:      true,
		state:      StateReceivingData,
		timer:      timeoutT1,
	}
	return nil
}

func (t *TP) handleRTS(id isobus.Identifier, data []byte) []isobus.Frame {
	key := peerKey{Source: id.Source, Destination: id.Destination}
	if existing, ok := t.rx[key]; ok && existing.state != StateComplete && existing.state != StateAborted {
		return []isobus.Frame{abortFrame(id.Priority, existing.pgn, id.Destination, id.Source, AbortAlreadyInSession)}
	}
	total := int(data[1]) | int(data[2])<<8
	pgn := isobus.PGN(uint32(data[5]) | uint32(data[6])<<8 | uint32(data[7])<<16)
	if total > MaxPayload {
		return []isobus.Frame{abortFrame(id.Priority, pgn, id.Destination, id.Source, AbortTotalSizeTooBig)}
	}
	totalPkts := int(data[3])
	senderMax := data[4]
	window := senderMax
	if window > MaxPacketsPerCTS || window == 0 {
		window = MaxPacketsPerCTS
	}
	if int(window) > totalPkts {
		window = uint8(totalPkts)
	}
	sess := &tpRxSession{
		peer:            key,
		pgn:             pgn,
		priority:        id.Priority,
		buffer:          make([]byte, 0, total),
		totalBytes:      total,
		totalPkts:       totalPkts,
		maxPerCTS:       window,
		windowRemaining: int(window),
		state:           StateWaitingForData,
		timer:           timeoutT2,
	}
	t.rx[key] = sess
	return []isobus.Frame{t.ctsFrame(sess, window, 1)}
}

func (t *TP) handleCTS(id isobus.Identifier, data []byte) []isobus.Frame {
	key := peerKey{Source: id.Destination, Destination: id.Source}
	sess, ok := t.tx[key]
	if !ok {
		return nil
	}
	numPackets := data[1]
	nextSeq := data[2]

	if numPackets == 0 { // hold/keepalive
		sess.timer = timeoutT3
		return nil
	}
	if sess.state == StateSendingData {
		return []isobus.Frame{abortFrame(sess.priority, sess.pgn, sess.peer.Source, sess.peer.Destination, AbortCTSWhileSending)}
	}

	sess.windowEndSeq = nextSeq + numPackets - 1
	sess.state = StateSendingData

	var frames []isobus.Frame
	seq := int(nextSeq)
	for ; seq <= int(sess.windowEndSeq); seq++ {
		chunk := chunkOf(sess.payload, seq)
		if chunk == nil {
			break
		}
		frames = append(frames, dataFrame(sess.priority, sess.peer.Source, sess.peer.Destination, isobus.PGNTPDataTransfer, uint8(seq), chunk))
	}
	sess.nextSeq = uint8(seq)

	if int(sess.nextSeq)-1 >= sess.totalPkts {
		sess.state = StateWaitingForEndOfMsg
	} else {
		sess.state = StateWaitingForCTS
	}
	sess.timer = timeoutT3
	return frames
}

func (t *TP) handleEOMA(id isobus.Identifier) {
	key := peerKey{Source: id.Destination, Destination: id.Source}
	if sess, ok := t.tx[key]; ok && sess.state == StateWaitingForEndOfMsg {
		delete(t.tx, key)
	}
}

func (t *TP) handleAbort(id isobus.Identifier) {
	delete(t.tx, peerKey{Source: id.Destination, Destination: id.Source})
	delete(t.rx, peerKey{Source: id.Source, Destination: id.Destination})
}

func (t *TP) handleDT(id isobus.Identifier, data []byte) ([]isobus.Frame, *isobus.Message, error) {
	key := peerKey{Source: id.Source, Destination: id.Destination}
	sess, ok := t.rx[key]
	if !ok {
		bamKey := peerKey{Source: id.Source, Destination: isobus.BroadcastAddress}
		if bam, ok2 := t.rx[bamKey]; ok2 {
			sess, key, ok = bam, bamKey, true
		}
	}
	if !ok {
		return nil, nil, nil
	}
	seq := data[0]
	expected := sess.lastSeq + 1

	if seq == sess.lastSeq && sess.lastSeq != 0 {
		delete(t.rx, key)
		return []isobus.Frame{abortFrame(sess.priority, sess.pgn, id.Destination, id.Source, AbortDuplicateSequence)}, nil, nil
	}
	if seq != expected {
		delete(t.rx, key)
		return []isobus.Frame{abortFrame(sess.priority, sess.pgn, id.Destination, id.Source, AbortBadSequence)}, nil, nil
	}

	remaining := sess.totalBytes - len(sess.buffer)
	n := 7
	if remaining < n {
		n = remaining
	}
	sess.buffer = append(sess.buffer, data[1:1+n]...)
	sess.lastSeq = seq
	sess.state = StateReceivingData
	sess.timer = timeoutT1
	if !sess.isBAM {
		sess.windowRemaining--
	}

	if len(sess.buffer) >= sess.totalBytes {
		delete(t.rx, key)
		msg := &isobus.Message{PGN: sess.pgn, Data: sess.buffer, Source: id.Source, Destination: id.Destination, Priority: sess.priority}
		if sess.isBAM {
			return nil, msg, nil
		}
		sess.state = StateComplete
		return []isobus.Frame{t.eomaFrame(sess)}, msg, nil
	}

	if !sess.isBAM && sess.windowRemaining <= 0 {
		remainingPkts := sess.totalPkts - int(sess.lastSeq)
		window := int(sess.maxPerCTS)
		if window > remainingPkts {
			window = remainingPkts
		}
		sess.windowRemaining = window
		sess.state = StateWaitingForData
		sess.timer = timeoutT2
		return []isobus.Frame{t.ctsFrame(sess, uint8(window), sess.lastSeq+1)}, nil, nil
	}
	return nil, nil, nil
}

// Update advances all active sessions by elapsedMillis: paces BAM data frames at >=50ms
// intervals and expires T1/T2/T3 timeouts into Abort frames.
func (t *TP) Update(elapsedMillis float64) []isobus.Frame {
	var out []isobus.Frame
	for key, s := range t.tx {
		if s.isBAM {
			frames, done := t.tickBAMTx(s, elapsedMillis)
			out = append(out, frames...)
			if done {
				delete(t.tx, key)
			}
			continue
		}
		s.timer -= elapsedMillis
		if s.timer <= 0 {
			out = append(out, abortFrame(s.priority, s.pgn, s.peer.Source, s.peer.Destination, AbortTimeout))
			delete(t.tx, key)
		}
	}
	for key, s := range t.rx {
		s.timer -= elapsedMillis
		if s.timer <= 0 {
			if !s.isBAM {
				out = append(out, abortFrame(s.priority, s.pgn, s.peer.Destination, s.peer.Source, AbortTimeout))
			}
			delete(t.rx, key)
		}
	}
	return out
}

func (t *TP) tickBAMTx(s *tpTxSession, elapsedMillis float64) ([]isobus.Frame, bool) {
	s.timer -= elapsedMillis
	if s.timer > 0 {
		return nil, false
	}
	seq := int(s.nextSeq)
	chunk := chunkOf(s.payload, seq)
	if chunk == nil {
		return nil, true
	}
	frame := dataFrame(s.priority, s.peer.Source, isobus.BroadcastAddress, isobus.PGNTPDataTransfer, uint8(seq), chunk)
	s.nextSeq++
	s.timer = bamMinFrameGapMillis
	done := seq >= s.totalPkts
	return []isobus.Frame{frame}, done
}
