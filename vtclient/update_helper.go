package vtclient

import "github.com/openisobus/isobus"

// UpdateHelper wraps a Client and StateTracker pair to drop redundant runtime commands
// and to coalesce a burst of changes into one set of frames emitted together.
type UpdateHelper struct {
	client  *Client
	tracker *StateTracker

	batching bool
	queued   []func() ([]isobus.Frame, error)
}

// NewUpdateHelper returns a helper driving client and mirroring state into tracker.
func NewUpdateHelper(client *Client, tracker *StateTracker) *UpdateHelper {
	return &UpdateHelper{client: client, tracker: tracker}
}

// BeginBatch starts queuing commands instead of sending them immediately.
func (u *UpdateHelper) BeginBatch() {
	u.batching = true
	u.queued = nil
}

// EndBatch sends every queued command, in order, and returns every frame produced.
func (u *UpdateHelper) EndBatch() ([]isobus.Frame, error) {
	u.batching = false
	queued := u.queued
	u.queued = nil

	var out []isobus.Frame
	for _, cmd := range queued {
		frames, err := cmd()
		if err != nil {
			return out, err
		}
		out = append(out, frames...)
	}
	return out, nil
}

func (u *UpdateHelper) dispatch(cmd func() ([]isobus.Frame, error)) ([]isobus.Frame, error) {
	if u.batching {
		u.queued = append(u.queued, cmd)
		return nil, nil
	}
	return cmd()
}

// SetNumericValue sends ChangeNumericValue unless the tracker already holds this exact
// value for objectID, in which case it is a no-op.
func (u *UpdateHelper) SetNumericValue(objectID uint16, value uint32) ([]isobus.Frame, error) {
	if current, ok := u.tracker.NumericValue(objectID); ok && current == value {
		return nil, nil
	}
	return u.dispatch(func() ([]isobus.Frame, error) { return u.client.ChangeNumericValue(objectID, value) })
}

// SetStringValue sends ChangeStringValue unless the tracker already holds this exact
// string for objectID.
func (u *UpdateHelper) SetStringValue(objectID uint16, value string) ([]isobus.Frame, error) {
	if current, ok := u.tracker.StringValue(objectID); ok && current == value {
		return nil, nil
	}
	return u.dispatch(func() ([]isobus.Frame, error) { return u.client.ChangeStringValue(objectID, value) })
}

// SetActiveMask sends ChangeActiveMask unless workingSetID already has maskID active.
func (u *UpdateHelper) SetActiveMask(workingSetID, maskID uint16) ([]isobus.Frame, error) {
	if current, ok := u.tracker.ActiveMask(workingSetID); ok && current == maskID {
		return nil, nil
	}
	return u.dispatch(func() ([]isobus.Frame, error) { return u.client.ChangeActiveMask(workingSetID, maskID) })
}

// SetVisible sends HideShow unless the tracker already reflects the requested visibility.
func (u *UpdateHelper) SetVisible(objectID uint16, visible bool) ([]isobus.Frame, error) {
	if hidden, ok := u.tracker.IsHidden(objectID); ok && hidden == !visible {
		return nil, nil
	}
	show := uint8(0)
	if visible {
		show = 1
	}
	return u.dispatch(func() ([]isobus.Frame, error) { return u.client.HideShow(objectID, show) })
}
