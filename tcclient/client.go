package tcclient

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/openisobus/isobus"
	"github.com/sirupsen/logrus"
)

// State is the TC client's handshake position (spec.md §4.8).
type State uint8

const (
	StateDisconnected State = iota
	StateWaitForServerStatus
	StateSendWorkingSetMaster
	StateRequestVersion
	StateWaitForVersion
	StateTransferDDOP
	StateWaitForPoolResponse
	StateActivatePool
	StateWaitForActivation
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateWaitForServerStatus:
		return "WaitForServerStatus"
	case StateSendWorkingSetMaster:
		return "SendWorkingSetMaster"
	case StateRequestVersion:
		return "RequestVersion"
	case StateWaitForVersion:
		return "WaitForVersion"
	case StateTransferDDOP:
		return "TransferDDOP"
	case StateWaitForPoolResponse:
		return "WaitForPoolResponse"
	case StateActivatePool:
		return "ActivatePool"
	case StateWaitForActivation:
		return "WaitForActivation"
	case StateConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// Function bytes (byte 0) for TC-to-ECU / ECU-to-TC messages this client drives.
const (
	funcServerStatus       uint8 = 0xFE
	funcWorkingSetMaster   uint8 = 0xFF
	funcVersionRequest     uint8 = 0x10
	funcVersionResponse    uint8 = 0x11
	funcObjectPoolTransfer uint8 = 0x21
	funcObjectPoolResponse uint8 = 0x22
	funcActivatePool       uint8 = 0x23
	funcActivateResponse   uint8 = 0x24

	// Process-data message commands, packed into byte 0's low nibble alongside the
	// element number's low 4 bits in the high nibble (spec.md §4.8).
	cmdRequestValue uint8 = 0x0
	cmdValue        uint8 = 0x1
	cmdSetValue     uint8 = 0x2
)

const defaultHandshakeTimeoutMillis = 6000.0

// ValueCallback answers a value request for (element, ddi) with the current reading.
type ValueCallback func(element uint16, ddi uint16) uint32

// SetValueCallback applies a set-value command for (element, ddi) with the given value.
type SetValueCallback func(element uint16, ddi uint16, value uint32)

// SendFunc is how the client emits frames, delegating PGN-to-transport selection
// (single-frame/TP/ETP) to the network manager per spec.md §4.6.
type SendFunc func(pgn isobus.PGN, data []byte, priority uint8, destination uint8) ([]isobus.Frame, error)

// Client drives one working-set session with a Task Controller server.
type Client struct {
	ourAddress uint8
	ddop       DDOP

	state         State
	tcAddress     uint8
	tcVersion     uint8
	boomsCount    uint8
	sectionsCount uint8
	timer         float64
	timeoutMillis float64

	sessionID string // correlation id for log lines spanning one handshake attempt

	send SendFunc

	OnValue    ValueCallback
	OnSetValue SetValueCallback

	log *logrus.Entry

	OnStateChange func(from, to State)
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithLogger attaches a logrus entry for handshake diagnostics.
func WithLogger(log *logrus.Entry) Option {
	return func(c *Client) { c.log = log }
}

// WithTimeout overrides the default 6000ms handshake wait.
func WithTimeout(millis float64) Option {
	return func(c *Client) { c.timeoutMillis = millis }
}

// New creates a TC client for the internal CF at ourAddress, emitting frames via send.
func New(ourAddress uint8, send SendFunc, opts ...Option) *Client {
	c := &Client{ourAddress: ourAddress, send: send, timeoutMillis: defaultHandshakeTimeoutMillis}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) setState(to State) {
	if c.state == to {
		return
	}
	from := c.state
	c.state = to
	if c.log != nil {
		c.log.WithFields(logrus.Fields{"session": c.sessionID, "from": from.String(), "to": to.String()}).Debug("tc client state transition")
	}
	if c.OnStateChange != nil {
		c.OnStateChange(from, to)
	}
}

// State returns the client's current handshake state.
func (c *Client) State() State { return c.state }

// Connect begins a handshake uploading ddop once the server status is observed. ddop
// must be non-empty and must satisfy DDOP.Validate.
func (c *Client) Connect(ddop DDOP) error {
	if len(ddop) == 0 {
		return isobus.NewError(isobus.KindInvalidData, "TC connect requires a non-empty DDOP")
	}
	if err := ddop.Validate(); err != nil {
		return err
	}
	c.ddop = ddop
	c.timer = c.timeoutMillis
	c.sessionID = uuid.NewString()
	c.setState(StateWaitForServerStatus)
	return nil
}

// Disconnect resets the handshake synchronously.
func (c *Client) Disconnect() {
	c.setState(StateDisconnected)
	c.tcAddress = 0
	c.tcVersion = 0
}

// Update advances the handshake timeout and emits the next handshake frame where the
// current state calls for it without waiting on an inbound frame.
func (c *Client) Update(elapsedMillis float64) ([]isobus.Frame, error) {
	switch c.state {
	case StateSendWorkingSetMaster:
		frames, err := c.send(isobus.PGNECUToTC, []byte{funcWorkingSetMaster, 1, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, 7, c.tcAddress)
		if err != nil {
			return nil, err
		}
		c.timer = c.timeoutMillis
		c.setState(StateRequestVersion)
		return frames, nil
	case StateRequestVersion:
		frames, err := c.send(isobus.PGNECUToTC, []byte{funcVersionRequest, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, 7, c.tcAddress)
		if err != nil {
			return nil, err
		}
		c.timer = c.timeoutMillis
		c.setState(StateWaitForVersion)
		return frames, nil
	case StateTransferDDOP:
		payload := append([]byte{funcObjectPoolTransfer}, c.ddop.Serialize()...)
		frames, err := c.send(isobus.PGNECUToTC, payload, 7, c.tcAddress)
		if err != nil {
			return nil, err
		}
		c.timer = c.timeoutMillis
		c.setState(StateWaitForPoolResponse)
		return frames, nil
	case StateActivatePool:
		frames, err := c.send(isobus.PGNECUToTC, []byte{funcActivatePool, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, 7, c.tcAddress)
		if err != nil {
			return nil, err
		}
		c.timer = c.timeoutMillis
		c.setState(StateWaitForActivation)
		return frames, nil
	case StateWaitForServerStatus, StateWaitForVersion, StateWaitForPoolResponse, StateWaitForActivation:
		c.timer -= elapsedMillis
		if c.timer <= 0 {
			c.setState(StateDisconnected)
		}
		return nil, nil
	default:
		return nil, nil
	}
}

// HandleFrame processes one inbound TC-to-ECU message, matched on its function byte
// (byte 0), and returns any frames produced in response.
func (c *Client) HandleFrame(source uint8, data []byte) ([]isobus.Frame, error) {
	if len(data) < 8 {
		return nil, nil
	}
	switch data[0] {
	case funcServerStatus:
		return c.handleServerStatus(source)
	case funcVersionResponse:
		return c.handleVersionResponse(data)
	case funcObjectPoolResponse:
		return c.handlePoolResponse(data)
	case funcActivateResponse:
		return c.handleActivateResponse(data)
	}
	if c.state == StateConnected {
		switch valueFrameCommand(data[0]) {
		case cmdRequestValue:
			return c.handleValueRequest(data)
		case cmdSetValue:
			return c.handleSetValue(data)
		}
	}
	return nil, nil
}

func (c *Client) handleServerStatus(source uint8) ([]isobus.Frame, error) {
	if c.state != StateWaitForServerStatus {
		return nil, nil
	}
	c.tcAddress = source
	c.timer = c.timeoutMillis
	c.setState(StateSendWorkingSetMaster)
	return nil, nil
}

func (c *Client) handleVersionResponse(data []byte) ([]isobus.Frame, error) {
	if c.state != StateWaitForVersion {
		return nil, nil
	}
	c.tcVersion = data[1]
	c.boomsCount = data[2]
	c.sectionsCount = data[3]
	c.timer = c.timeoutMillis
	c.setState(StateTransferDDOP)
	return nil, nil
}

func (c *Client) handlePoolResponse(data []byte) ([]isobus.Frame, error) {
	if c.state != StateWaitForPoolResponse {
		return nil, nil
	}
	if data[1] != 0 {
		c.setState(StateDisconnected)
		return nil, nil
	}
	c.timer = c.timeoutMillis
	c.setState(StateActivatePool)
	return nil, nil
}

func (c *Client) handleActivateResponse(data []byte) ([]isobus.Frame, error) {
	if c.state != StateWaitForActivation {
		return nil, nil
	}
	if data[1] == 0 {
		c.setState(StateConnected)
	} else {
		c.setState(StateDisconnected)
	}
	return nil, nil
}

func (c *Client) handleValueRequest(data []byte) ([]isobus.Frame, error) {
	if c.OnValue == nil {
		return nil, nil
	}
	element := unpackElement(data[0], data[1])
	ddi := binary.LittleEndian.Uint16(data[2:4])
	value := c.OnValue(element, ddi)

	header := packValueFrame(cmdValue, element, ddi)
	out := make([]byte, 8)
	copy(out[0:4], header[:])
	binary.LittleEndian.PutUint32(out[4:8], value)
	return c.send(isobus.PGNECUToTC, out, 3, c.tcAddress)
}

func (c *Client) handleSetValue(data []byte) ([]isobus.Frame, error) {
	if c.OnSetValue == nil {
		return nil, nil
	}
	element := unpackElement(data[0], data[1])
	ddi := binary.LittleEndian.Uint16(data[2:4])
	value := binary.LittleEndian.Uint32(data[4:8])
	c.OnSetValue(element, ddi, value)
	return nil, nil
}
