package grbl

// Boundary contracts to the hardware and to the motion engine. The core
// never touches registers or the planner directly; drivers and the
// surrounding application supply these.

// TimerPort exposes the free-running spindle capture timer and its
// hardware pulse counter. The timer counts DOWN; the pulse counter
// counts up and wraps at the hardware word size.
type TimerPort interface {
	TimerValue() uint32
	PulseCount() uint32
}

// PWMPort receives spindle PWM compare values from the RPM regulator.
type PWMPort interface {
	SetPWM(value uint32)
}

// MotionPort is the planner/stepper engine as seen by the homing cycle.
// PlanHomingMove plans a single linear move covering all active axes
// and starts executing it; execution continues concurrently (in the
// step interrupt context) while the homing loop polls.
type MotionPort interface {
	PlanHomingMove(target [NAxis]float64, feedRate float64) error

	// Completed reports whether the last planned move has finished
	// executing (ran to its target or had all its axes locked out).
	Completed() bool

	// SetAxisLock restricts step generation to the axes in lock.
	// Clearing a bit freezes that axis mid-move while the others
	// continue.
	SetAxisLock(lock AxisMask)

	// Reset force-kills step generation and discards the segment
	// buffer. Machine position tracking must survive the reset.
	Reset()
}

// LimitsPort reads the debounced limit switch state, one bit per axis,
// triggered = 1.
type LimitsPort interface {
	State() AxisMask
}

// SquaringMode selects which motor of a ganged pair is driven while the
// other is disabled.
type SquaringMode uint8

const (
	SquaringModeBoth SquaringMode = iota
	SquaringModeA
	SquaringModeB
)

// StepperPort controls per-motor enable state for ganged-axis squaring.
// DisableMotors with an empty mask and SquaringModeBoth re-enables
// everything.
type StepperPort interface {
	DisableMotors(axes AxisMask, mode SquaringMode)
}
