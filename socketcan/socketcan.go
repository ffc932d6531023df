// Package socketcan implements isobus.Link over a Linux SocketCAN raw interface.
package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/openisobus/isobus"
	"golang.org/x/sys/unix"
)

const (
	canRaw = 1

	// canIDMask covers the flag bits 29-31 of the socketCAN ID word; clearing it (&^) leaves
	// the 0-28 bits belonging to the CAN ID
	canIDMask = uint32(0b111) << 29
	// canIDERRFlag is bit 29 in CAN ID and means ERR error message flag (0 = data frame, 1 = error message)
	canIDERRFlag = uint32(1 << 29)
	// canIDRTRFlag is bit 30 in CAN ID and means RTR remote transmission request (1 = rtr frame)
	canIDRTRFlag = uint32(1 << 30)
	// canIDEFFFlag is bit 31 in CAN ID and means EFF extended frame format / IDE identifier extension flag (0 = standard 11 bit, 1 = extended 29 bit)
	canIDEFFFlag = uint32(1 << 31)
)

// Connection is a raw SocketCAN socket bound to one interface, implementing isobus.Link.
type Connection struct {
	ifName   string
	socketFD int
}

// NewConnection opens and binds a raw CAN socket on ifName (e.g. "can0").
func NewConnection(ifName string) (*Connection, error) {
	ifi, err := net.InterfaceByName(ifName)
	if err != nil {
		return nil, fmt.Errorf("bad ifName: %w", err)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, canRaw)
	if err != nil {
		return nil, fmt.Errorf("could not create CAN socket: %w", err)
	}

	addr := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err = unix.Bind(fd, addr); err != nil {
		return nil, fmt.Errorf("could not bind CAN socket: %w", err)
	}

	// Non-blocking so Send/Recv honor the isobus.Link "must not block" contract.
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("could not set socket non-blocking: %w", err)
	}

	return &Connection{ifName: ifName, socketFD: fd}, nil
}

func isContinuableSocketErr(err error) bool {
	return errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR)
}

// Close releases the underlying socket.
func (c *Connection) Close() error {
	return unix.Close(c.socketFD)
}

// Name identifies this link for logging.
func (c *Connection) Name() string { return "socketcan:" + c.ifName }

// CanSend always reports true; SocketCAN's raw socket write buffer backpressure is
// surfaced through Send's error return instead.
func (c *Connection) CanSend() bool { return true }

// CanRecv always reports true; SocketCAN has no separate poll primitive wired here, so
// Recv itself is the authoritative check.
func (c *Connection) CanRecv() bool { return true }

// Send transmits one frame. It returns immediately; the socket is non-blocking.
func (c *Connection) Send(f isobus.Frame) error {
	canFrame := make([]byte, 16)

	canID := isobus.EncodeIdentifier(f.ID.Priority, f.ID.PGN, f.ID.Source, f.ID.Destination) | canIDEFFFlag
	binary.LittleEndian.PutUint32(canFrame[0:4], canID)
	canFrame[4] = f.Length
	copy(canFrame[8:], f.Data[:])

	_, err := unix.Write(c.socketFD, canFrame)
	if err != nil {
		if isContinuableSocketErr(err) {
			return isobus.ErrNoFrame
		}
		return err
	}
	return nil
}

// Recv returns the next frame, or isobus.ErrNoFrame if none is pending.
func (c *Connection) Recv() (isobus.Frame, error) {
	canFrame := make([]byte, 16)
	_, err := unix.Read(c.socketFD, canFrame)
	if err != nil {
		if isContinuableSocketErr(err) {
			return isobus.Frame{}, isobus.ErrNoFrame
		}
		return isobus.Frame{}, err
	}

	canID := binary.LittleEndian.Uint32(canFrame[0:4])
	if canID&canIDRTRFlag != 0 {
		return isobus.Frame{}, isobus.ErrNoFrame
	}
	if canID&canIDERRFlag != 0 {
		return isobus.Frame{}, errors.New("socketcan: received CAN error message frame")
	}

	length := canFrame[4]
	f := isobus.Frame{
		ID:     isobus.DecodeIdentifier(canID &^ canIDMask),
		Length: length,
	}
	for i := range f.Data {
		f.Data[i] = 0xFF
	}
	copy(f.Data[:length], canFrame[8:8+length])
	return f, nil
}

var _ isobus.Link = (*Connection)(nil)
