package vtclient

import "sync"

// StateTracker passively mirrors the VT-side state this client has driven: which mask is
// active per working set, which objects are hidden, and the last numeric/string value sent
// for each object. It never talks to the bus; Client calls into it after a successful send
// so the application can read state back without waiting on a VT round trip.
type StateTracker struct {
	mu            sync.Mutex
	activeMask    map[uint16]uint16
	hidden        map[uint16]bool
	numericValues map[uint16]uint32
	stringValues  map[uint16]string
}

// NewStateTracker returns an empty tracker.
func NewStateTracker() *StateTracker {
	return &StateTracker{
		activeMask:    make(map[uint16]uint16),
		hidden:        make(map[uint16]bool),
		numericValues: make(map[uint16]uint32),
		stringValues:  make(map[uint16]string),
	}
}

func (s *StateTracker) setActiveMask(workingSetID, maskID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeMask[workingSetID] = maskID
}

// ActiveMask returns the mask last set active for workingSetID, if known.
func (s *StateTracker) ActiveMask(workingSetID uint16) (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.activeMask[workingSetID]
	return v, ok
}

func (s *StateTracker) setHidden(objectID uint16, hidden bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hidden[objectID] = hidden
}

// IsHidden reports the last hide/show state sent for objectID; ok is false if this
// tracker has never seen a HideShow command for it.
func (s *StateTracker) IsHidden(objectID uint16) (hidden bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hidden, ok = s.hidden[objectID]
	return
}

func (s *StateTracker) setNumericValue(objectID uint16, value uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.numericValues[objectID] = value
}

// NumericValue returns the last numeric value sent for objectID, if any.
func (s *StateTracker) NumericValue(objectID uint16) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.numericValues[objectID]
	return v, ok
}

func (s *StateTracker) setStringValue(objectID uint16, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stringValues[objectID] = value
}

// StringValue returns the last string value sent for objectID, if any.
func (s *StateTracker) StringValue(objectID uint16) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.stringValues[objectID]
	return v, ok
}
