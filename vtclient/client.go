package vtclient

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/openisobus/isobus"
	"github.com/sirupsen/logrus"
)

// State is the VT client's handshake position (spec.md §4.7).
type State uint8

const (
	StateDisconnected State = iota
	StateWaitForVTStatus
	StateSendWorkingSetMaster
	StateSendGetMemory
	StateWaitForMemory
	StateUploadPool
	StateWaitForPoolActivate
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateWaitForVTStatus:
		return "WaitForVTStatus"
	case StateSendWorkingSetMaster:
		return "SendWorkingSetMaster"
	case StateSendGetMemory:
		return "SendGetMemory"
	case StateWaitForMemory:
		return "WaitForMemory"
	case StateUploadPool:
		return "UploadPool"
	case StateWaitForPoolActivate:
		return "WaitForPoolActivate"
	case StateConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// Function bytes (byte 0) for VT-to-ECU / ECU-to-VT messages this client drives.
const (
	funcVTStatus          uint8 = 0xFE
	funcWorkingSetMaster   uint8 = 0xFF
	funcGetMemory          uint8 = 0xC0
	funcObjectPoolTransfer uint8 = 0x11
	funcEndOfPool          uint8 = 0xC3

	funcHideShow            uint8 = 0xA0
	funcEnableDisable        uint8 = 0xA1
	funcChangeNumericValue   uint8 = 0xA8
	funcChangeStringValue    uint8 = 0xB3
	funcChangeActiveMask     uint8 = 0xAD
	funcChangeSoftKeyMask    uint8 = 0xAE
	funcChangeAttribute      uint8 = 0xAF
	funcChangeSize           uint8 = 0xB2
	funcChangeChildLocation  uint8 = 0xB6
	funcChangeBackgroundColour uint8 = 0xB4
	funcChangeListItem       uint8 = 0xB7
	funcLockUnlockMask       uint8 = 0xBA
	funcControlAudioSignal   uint8 = 0xBC
	funcExecuteMacro         uint8 = 0xBE
)

const defaultHandshakeTimeoutMillis = 6000.0

// Client drives one working-set session with a VT server.
type Client struct {
	ourAddress uint8
	pool       Pool

	state      State
	vtAddress  uint8
	vtVersion  uint8
	timer      float64
	timeoutMillis float64

	activeMaster uint8
	isActive     bool

	sessionID string // correlation id for log lines spanning one handshake attempt

	send func(pgn isobus.PGN, data []byte, priority uint8, destination uint8) ([]isobus.Frame, error)

	tracker *StateTracker
	log     *logrus.Entry

	OnStateChange  func(from, to State)
	OnActiveChange func(active bool)
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

// WithStateTracker attaches a StateTracker that mirrors every runtime command this
// client successfully sends.
func WithStateTracker(tracker *StateTracker) Option {
	return func(c *Client) { c.tracker = tracker }
}

// SendFunc is how the client emits frames, delegating PGN-to-transport selection
// (single-frame/TP/ETP) to the network manager per spec.md §4.6.
type SendFunc func(pgn isobus.PGN, data []byte, priority uint8, destination uint8) ([]isobus.Frame, error)

// New creates a VT client for the internal CF at ourAddress, emitting frames via send.
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
		c.log.WithFields(logrus.Fields{"session": c.sessionID, "from": from.String(), "to": to.String()}).Debug("vt client state transition")
	}
	if c.OnStateChange != nil {
		c.OnStateChange(from, to)
	}
}

// State returns the client's current handshake state.
func (c *Client) State() State { return c.state }

// IsActive reports whether this working set is the VT's active working-set master.
func (c *Client) IsActive() bool { return c.isActive }

// Connect begins a handshake with pool as the object pool to upload. pool must be
// non-empty and must satisfy Pool.Validate.
func (c *Client) Connect(pool Pool) error {
	if len(pool) == 0 {
		return isobus.NewError(isobus.KindInvalidData, "VT connect requires a non-empty object pool")
	}
	if err := pool.Validate(); err != nil {
		return err
	}
	c.pool = pool
	c.timer = c.timeoutMillis
	c.sessionID = uuid.NewString()
	c.setState(StateWaitForVTStatus)
	return nil
}

// Disconnect resets the handshake synchronously, matching spec.md §5's synchronous
// Disconnect semantics.
func (c *Client) Disconnect() {
	c.setState(StateDisconnected)
	c.vtAddress = 0
	c.vtVersion = 0
	c.isActive = false
}

// Update advances the handshake timeout and, in SendWorkingSetMaster/SendGetMemory, emits
// the next handshake frame on this tick (spec.md §4.7 step 2-3).
func (c *Client) Update(elapsedMillis float64) ([]isobus.Frame, error) {
	switch c.state {
	case StateSendWorkingSetMaster:
		frames, err := c.send(isobus.PGNECUToVT, []byte{funcWorkingSetMaster, 1}, 7, c.vtAddress)
		if err != nil {
			return nil, err
		}
		c.timer = c.timeoutMillis
		c.setState(StateSendGetMemory)
		return frames, nil
	case StateSendGetMemory:
		size := uint32(len(c.pool.Serialize()))
		data := []byte{funcGetMemory, byte(size), byte(size >> 8), byte(size >> 16), byte(size >> 24), 0xFF, 0xFF, 0xFF}
		frames, err := c.send(isobus.PGNECUToVT, data, 7, c.vtAddress)
		if err != nil {
			return nil, err
		}
		c.timer = c.timeoutMillis
		c.setState(StateWaitForMemory)
		return frames, nil
	case StateWaitForVTStatus, StateWaitForMemory, StateWaitForPoolActivate:
		c.timer -= elapsedMillis
		if c.timer <= 0 {
			c.setState(StateDisconnected)
		}
		return nil, nil
	default:
		return nil, nil
	}
}

// HandleFrame processes one inbound VT-to-ECU message, matched on its function byte
// (byte 0), and returns any frames produced in response.
func (c *Client) HandleFrame(source uint8, data []byte) ([]isobus.Frame, error) {
	if len(data) < 8 {
		return nil, nil
	}
	switch data[0] {
	case funcVTStatus:
		return c.handleVTStatus(source, data)
	case funcGetMemory:
		return c.handleGetMemoryResponse(data)
	case funcEndOfPool:
		return c.handleEndOfPool(data)
	}
	return nil, nil
}

func (c *Client) handleVTStatus(source uint8, data []byte) ([]isobus.Frame, error) {
	activeMaster := data[1]
	wasActive := c.isActive
	c.activeMaster = activeMaster
	c.isActive = activeMaster == c.ourAddress
	if c.isActive != wasActive && c.OnActiveChange != nil {
		c.OnActiveChange(c.isActive)
	}

	if c.state != StateWaitForVTStatus {
		return nil, nil
	}
	c.vtAddress = source
	c.vtVersion = data[6]
	c.timer = c.timeoutMillis
	c.setState(StateSendWorkingSetMaster)
	return nil, nil
}

func (c *Client) handleGetMemoryResponse(data []byte) ([]isobus.Frame, error) {
	if c.state != StateWaitForMemory {
		return nil, nil
	}
	if data[1] != 0 {
		c.setState(StateDisconnected)
		return nil, nil
	}
	c.setState(StateUploadPool)

	payload := append([]byte{funcObjectPoolTransfer}, c.pool.Serialize()...)
	frames, err := c.send(isobus.PGNECUToVT, payload, 7, c.vtAddress)
	if err != nil {
		return nil, err
	}
	eop := []byte{funcEndOfPool, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	eopFrames, err := c.send(isobus.PGNECUToVT, eop, 7, c.vtAddress)
	if err != nil {
		return nil, err
	}
	c.timer = c.timeoutMillis
	c.setState(StateWaitForPoolActivate)
	return append(frames, eopFrames...), nil
}

func (c *Client) handleEndOfPool(data []byte) ([]isobus.Frame, error) {
	if c.state != StateWaitForPoolActivate {
		return nil, nil
	}
	if data[1] == 0 {
		c.setState(StateConnected)
	} else {
		c.setState(StateDisconnected)
	}
	return nil, nil
}

// command emits one runtime command frame to the VT address. Connected is required by
// spec.md §4.7; callers not Connected get KindInvalidState.
func (c *Client) command(function uint8, body []byte) ([]isobus.Frame, error) {
	if c.state != StateConnected {
		return nil, isobus.NewError(isobus.KindInvalidState, "VT client is not connected")
	}
	data := make([]byte, 8)
	data[0] = function
	for i := 1; i < 8; i++ {
		data[i] = 0xFF
	}
	copy(data[1:], body)
	if !c.isActive && c.log != nil {
		c.log.Debug("VT command sent while working set is not active")
	}
	return c.send(isobus.PGNECUToVT, data, 3, c.vtAddress)
}

// HideShow toggles object visibility. show: 0 hide, 1 show.
func (c *Client) HideShow(objectID uint16, show uint8) ([]isobus.Frame, error) {
	var body [3]byte
	binary.LittleEndian.PutUint16(body[0:2], objectID)
	body[2] = show
	frames, err := c.command(funcHideShow, body[:])
	if err == nil && c.tracker != nil {
		c.tracker.setHidden(objectID, show == 0)
	}
	return frames, err
}

// EnableDisable toggles input object enable state. enable: 0 disable, 1 enable.
func (c *Client) EnableDisable(objectID uint16, enable uint8) ([]isobus.Frame, error) {
	var body [3]byte
	binary.LittleEndian.PutUint16(body[0:2], objectID)
	body[2] = enable
	return c.command(funcEnableDisable, body[:])
}

// ChangeNumericValue sets an output number object's value (32 bit, LE).
func (c *Client) ChangeNumericValue(objectID uint16, value uint32) ([]isobus.Frame, error) {
	var body [6]byte
	binary.LittleEndian.PutUint16(body[0:2], objectID)
	binary.LittleEndian.PutUint32(body[2:6], value)
	frames, err := c.command(funcChangeNumericValue, body[:])
	if err == nil && c.tracker != nil {
		c.tracker.setNumericValue(objectID, value)
	}
	return frames, err
}

// ChangeStringValue sets an output string object's value, with a 16 bit LE length prefix
// ahead of the string bytes; header and string go to the send function as one payload,
// which selects single-frame/TP/ETP by its length.
func (c *Client) ChangeStringValue(objectID uint16, value string) ([]isobus.Frame, error) {
	var header [4]byte
	binary.LittleEndian.PutUint16(header[0:2], objectID)
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(value)))
	if c.state != StateConnected {
		return nil, isobus.NewError(isobus.KindInvalidState, "VT client is not connected")
	}
	payload := append([]byte{funcChangeStringValue}, header[:]...)
	payload = append(payload, value...)
	frames, err := c.send(isobus.PGNECUToVT, payload, 3, c.vtAddress)
	if err == nil && c.tracker != nil {
		c.tracker.setStringValue(objectID, value)
	}
	return frames, err
}

// ChangeActiveMask switches a working set's visible data/alarm mask.
func (c *Client) ChangeActiveMask(workingSetID, maskID uint16) ([]isobus.Frame, error) {
	var body [4]byte
	binary.LittleEndian.PutUint16(body[0:2], workingSetID)
	binary.LittleEndian.PutUint16(body[2:4], maskID)
	frames, err := c.command(funcChangeActiveMask, body[:])
	if err == nil && c.tracker != nil {
		c.tracker.setActiveMask(workingSetID, maskID)
	}
	return frames, err
}

// ExecuteMacro runs the VT-side macro object identified by macroID.
func (c *Client) ExecuteMacro(macroID uint16) ([]isobus.Frame, error) {
	var body [2]byte
	binary.LittleEndian.PutUint16(body[0:2], macroID)
	return c.command(funcExecuteMacro, body[:])
}
