package app

import "github.com/dkeye/Beam/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// Policy decides what happens to a recipient whose outbound queue overflowed.
// The oldest queued frame has already been dropped when it is consulted.
type Policy interface {
	OnBackPressure(member core.DeviceSession) BackpressureAction
}

// DropOldestPolicy accepts the loss; delivery is at-most-once anyway.
type DropOldestPolicy struct{}

func (DropOldestPolicy) OnBackPressure(core.DeviceSession) BackpressureAction {
	return DropFrame
}

// KickPolicy disconnects a member that cannot keep up.
type KickPolicy struct{}

func (KickPolicy) OnBackPressure(core.DeviceSession) BackpressureAction {
	return KickMember
}

// PolicyByName maps the relay.backpressure config value to a Policy.
func PolicyByName(name string) Policy {
	if name == "kick" {
		return KickPolicy{}
	}
	return DropOldestPolicy{}
}
