package session

import "sync/atomic"

// PumpState is the phase a directional pump is in.
type PumpState int32

const (
	StateIdle PumpState = iota
	StateReading
	StateDecoding
	StateDispatching
	StateWriting
	StateClosed
)

func (s PumpState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReading:
		return "reading"
	case StateDecoding:
		return "decoding"
	case StateDispatching:
		return "dispatching"
	case StateWriting:
		return "writing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type stateCell struct {
	v atomic.Int32
}

func (c *stateCell) set(s PumpState) {
	c.v.Store(int32(s))
}

func (c *stateCell) get() PumpState {
	return PumpState(c.v.Load())
}
