package grbl

import "sync/atomic"

// NAxis is the number of controlled linear axes.
const NAxis = 3

const (
	XAxis = iota
	YAxis
	ZAxis
)

// AxisMask is a per-axis bitmask (bit 0 -> X, bit 1 -> Y, bit 2 -> Z).
type AxisMask uint8

const (
	XAxisBit AxisMask = 1 << XAxis
	YAxisBit AxisMask = 1 << YAxis
	ZAxisBit AxisMask = 1 << ZAxis

	AllAxesMask = XAxisBit | YAxisBit | ZAxisBit
)

func AxisBit(idx int) AxisMask {
	return 1 << uint(idx)
}

func (m AxisMask) Has(idx int) bool {
	return m&AxisBit(idx) != 0
}

// Count returns the number of axes set in the mask.
func (m AxisMask) Count() int {
	n := 0
	for idx := 0; idx < NAxis; idx++ {
		if m.Has(idx) {
			n++
		}
	}
	return n
}

// Signal bits injected asynchronously (from interrupt context) and
// polled by the homing loop and other normal-context code.
type Signal uint32

const (
	SignalReset Signal = 1 << iota
	SignalSafetyDoor
	SignalCycleComplete
)

// RTSignals is a word of pending realtime signals. Set is safe to call
// from any context; the homing loop polls and selectively clears bits.
type RTSignals struct {
	bits uint32
}

func (s *RTSignals) Set(sig Signal) {
	for {
		old := atomic.LoadUint32(&s.bits)
		if atomic.CompareAndSwapUint32(&s.bits, old, old|uint32(sig)) {
			return
		}
	}
}

func (s *RTSignals) Clear(sig Signal) {
	for {
		old := atomic.LoadUint32(&s.bits)
		if atomic.CompareAndSwapUint32(&s.bits, old, old&^uint32(sig)) {
			return
		}
	}
}

func (s *RTSignals) Get() Signal {
	return Signal(atomic.LoadUint32(&s.bits))
}

// Alarm identifies why the controller entered (or a cycle left the
// machine in) an alarm state.
type Alarm uint8

const (
	AlarmNone Alarm = iota
	AlarmHardLimit
	AlarmSoftLimit
	AlarmAbortCycle
	AlarmHomingFailReset
	AlarmHomingFailDoor
	AlarmFailPulloff
	AlarmHomingFailApproach
)

func (a Alarm) String() string {
	switch a {
	case AlarmNone:
		return "none"
	case AlarmHardLimit:
		return "hard limit triggered"
	case AlarmSoftLimit:
		return "soft limit exceeded"
	case AlarmAbortCycle:
		return "cycle aborted"
	case AlarmHomingFailReset:
		return "reset during homing cycle"
	case AlarmHomingFailDoor:
		return "safety door opened during homing cycle"
	case AlarmFailPulloff:
		return "limit switch still engaged after pull-off"
	case AlarmHomingFailApproach:
		return "limit switch not found during approach"
	}
	return "unknown alarm"
}

// State is the top-level machine execution state.
type State uint8

const (
	StateIdle State = iota
	StateCycle
	StateHoming
	StateAlarm
)

// MachineState is the absolute machine reference: position in steps per
// axis plus which axes currently hold a trusted (homed) position. It is
// owned by the normal execution context; homing is the only writer of
// Position and Homed.
type MachineState struct {
	Position [NAxis]int64 // machine position in steps
	Homed    AxisMask
	State    State
	Alarm    Alarm
}
