// Package actisense implements isobus.Link over an Actisense NGT-1 USB-to-CAN gateway,
// using the device's DLE/STX/ETX binary protocol to carry raw frames across a serial port.
package actisense

import (
	"errors"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/openisobus/isobus"
)

/*
	DLE STX <command> <len> [<data> ...] <checksum> DLE ETX

	<command> is a byte from the list below.
	In <data> any DLE characters are double escaped (DLE DLE).
	<len> encodes the unescaped length.
	<checksum> is such that the sum of all unescaped data bytes plus the command
	           byte plus the length adds up to zero, modulo 256.
*/

const (
	stx = 0x02
	etx = 0x03
	dle = 0x10

	cmdN2KMessageReceived = 0x93
	cmdN2KMessageSend     = 0x94
	cmdNGTMessageReceived = 0xA0
	cmdNGTMessageSend     = 0xA1

	maxMessageSize = 256
)

type readState uint8

const (
	waitingStartOfMessage readState = iota
	readingMessageData
	processingEscapeSequence
)

// Device is a serial-attached Actisense NGT-1 gateway, implementing isobus.Link. Frame
// assembly runs one byte at a time across calls to Recv, so Recv never blocks waiting for
// a full message: the port itself should be opened with a short read timeout.
type Device struct {
	port io.ReadWriter
	name string

	sleepFunc func(timeout time.Duration)

	state        readState
	previousByte byte
	message      [maxMessageSize]byte
	messageLen   int

	readBuf [1]byte
}

// NewDevice wraps an already-opened serial port (e.g. github.com/tarm/serial's *Port) as
// an isobus.Link. name is used only for logging.
func NewDevice(port io.ReadWriter, name string) *Device {
	return &Device{
		port:      port,
		name:      name,
		sleepFunc: time.Sleep,
	}
}

// Name identifies this link for logging.
func (d *Device) Name() string { return "actisense:" + d.name }

// CanSend always reports true; backpressure surfaces through Send's error return.
func (d *Device) CanSend() bool { return true }

// CanRecv always reports true; Recv itself is the authoritative check.
func (d *Device) CanRecv() bool { return true }

// Initialize puts the NGT-1 into "receive all" operating mode. Without this the device
// sends nothing.
//
// Reverse engineered from Actisense NMEAreader: it clears the device's PGN transmit
// filter list.
func (d *Device) Initialize() error {
	clearPGNFilter := []byte{
		0x11, // msg byte 1: operating mode
		0x02, // msg byte 2: receive all
		0x00, // msg byte 3
	}
	return d.writeFramed(cmdNGTMessageSend, clearPGNFilter)
}

// Send transmits one frame to the gateway for transmission onto the bus.
func (d *Device) Send(f isobus.Frame) error {
	data := make([]byte, 11+int(f.Length))
	data[0] = f.ID.Priority
	pgn := uint32(f.ID.PGN)
	data[1] = byte(pgn)
	data[2] = byte(pgn >> 8)
	data[3] = byte(pgn >> 16)
	data[4] = f.ID.Destination
	data[5] = f.ID.Source
	// bytes 6-9 are a device timestamp on received messages; unused on send.
	data[10] = f.Length
	copy(data[11:], f.Data[:f.Length])

	return d.writeFramed(cmdN2KMessageSend, data)
}

// Recv advances the frame-assembly state machine by one byte read from the serial port
// and returns a decoded frame once a complete N2K data message has been seen. It returns
// isobus.ErrNoFrame when the port has nothing pending yet, or the current byte completed
// a non-data message (NGT status message, escape garbage).
func (d *Device) Recv() (isobus.Frame, error) {
	n, err := d.port.Read(d.readBuf[:])
	if err != nil {
		if isContinuableErr(err) {
			return isobus.Frame{}, isobus.ErrNoFrame
		}
		return isobus.Frame{}, err
	}
	if n == 0 {
		return isobus.Frame{}, isobus.ErrNoFrame
	}

	currentByte := d.readBuf[0]
	previousByte := d.previousByte
	d.previousByte = currentByte

	switch d.state {
	case waitingStartOfMessage:
		if previousByte == dle && currentByte == stx {
			d.state = readingMessageData
			d.messageLen = 0
		}
	case readingMessageData:
		if currentByte == dle {
			d.state = processingEscapeSequence
			break
		}
		d.appendByte(currentByte)
	case processingEscapeSequence:
		switch currentByte {
		case dle: // doubled DLE escapes a literal DLE data byte
			d.state = readingMessageData
			d.appendByte(currentByte)
		case etx:
			d.state = waitingStartOfMessage
			message := d.message[:d.messageLen]
			d.messageLen = 0
			if len(message) == 0 {
				return isobus.Frame{}, isobus.ErrNoFrame
			}
			if message[0] != cmdN2KMessageReceived {
				return isobus.Frame{}, isobus.ErrNoFrame
			}
			return parseN2KMessage(message)
		default:
			d.state = waitingStartOfMessage
			d.messageLen = 0
		}
	}
	return isobus.Frame{}, isobus.ErrNoFrame
}

func (d *Device) appendByte(b byte) {
	if d.messageLen >= len(d.message) {
		return
	}
	d.message[d.messageLen] = b
	d.messageLen++
}

// Close releases the underlying serial port, if it supports closing.
func (d *Device) Close() error {
	if c, ok := d.port.(io.Closer); ok {
		return c.Close()
	}
	return errors.New("actisense: device does not implement io.Closer")
}

func parseN2KMessage(raw []byte) (isobus.Frame, error) {
	length := len(raw) - 2 // command(@0) + len(@1)
	data := raw[2:]

	const payloadOffset = 11
	if length < payloadOffset {
		return isobus.Frame{}, errors.New("actisense: message too short to be a valid N2K frame")
	}
	l := data[10]
	if length < payloadOffset+int(l) {
		return isobus.Frame{}, errors.New("actisense: message payload shorter than declared length")
	}

	if err := crcCheck(raw); err != nil {
		return isobus.Frame{}, err
	}

	pgn := isobus.PGN(uint32(data[1]) | uint32(data[2])<<8 | uint32(data[3])<<16)
	id := isobus.Identifier{
		Priority:    data[0],
		PGN:         pgn,
		Destination: data[4],
		Source:      data[5],
	}
	payload := data[payloadOffset : payloadOffset+int(l)]
	return isobus.NewFrame(id, payload), nil
}

// crcCheck verifies that the message's checksum byte is correct.
func crcCheck(data []byte) error {
	if crc(data) != 0 {
		return errors.New("actisense: invalid message checksum")
	}
	return nil
}

// crc sums every unescaped byte, including the leading command and length bytes; a
// well-formed message (body plus its trailing checksum byte) sums to zero mod 256.
func crc(data []byte) uint8 {
	var sum uint16
	for _, b := range data {
		sum += uint16(b)
	}
	return uint8(sum)
}

func (d *Device) writeFramed(command byte, data []byte) error {
	body := make([]byte, 0, len(data)+2)
	body = append(body, command, byte(len(data)))
	body = append(body, data...)

	packet := make([]byte, 0, len(body)+5)
	packet = append(packet, dle, stx)
	for _, b := range body {
		packet = append(packet, b)
		if b == dle {
			packet = append(packet, dle)
		}
	}
	checksum := uint8(0 - crc(body))
	packet = append(packet, checksum, dle, etx)

	return d.write(packet)
}

func (d *Device) write(packet []byte) error {
	toWrite := len(packet)
	written := 0
	retries := 0
	const maxRetries = 5
	for written < toWrite {
		n, err := d.port.Write(packet[written:])
		if err != nil {
			if !errors.Is(err, syscall.EAGAIN) {
				return fmt.Errorf("actisense: write failure: %w", err)
			}
			retries++
			if retries > maxRetries {
				return errors.New("actisense: write retry count exceeded")
			}
			d.sleepFunc(50 * time.Millisecond)
			continue
		}
		written += n
	}
	return nil
}

func isContinuableErr(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EINTR)
}

var _ isobus.Link = (*Device)(nil)
