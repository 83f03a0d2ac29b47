package grbl

import (
	"grblhal/common/logger"
)

// Ports bundles the driver-side implementations the core is wired to.
// Timer and PWM may be nil on a machine without spindle feedback or
// spindle control; Stepper may be nil without ganged axes.
type Ports struct {
	Timer   TimerPort
	PWM     PWMPort
	Motion  MotionPort
	Limits  LimitsPort
	Stepper StepperPort
}

// Controller owns the realtime core: machine state, pending signals and
// the spindle/homing subsystems, wired together from one settings set.
type Controller struct {
	Settings *Settings
	Machine  MachineState
	Signals  RTSignals

	Encoder *SpindleEncoder
	Spindle *SpindleControl
	Tracker *SpindleTracker
	Homing  *HomingCycle

	motion MotionPort
}

// NewController builds and wires the subsystems.
func NewController(s *Settings, ports Ports) *Controller {
	c := &Controller{
		Settings: s,
		motion:   ports.Motion,
	}

	if ports.Timer != nil {
		c.Encoder = NewSpindleEncoder(ports.Timer, s.Driver.SpindleTimerResolution)
		c.Encoder.Configure(s.Spindle.PPR)
		c.Tracker = NewSpindleTracker(c.Encoder, s)
	}
	if ports.PWM != nil {
		c.Spindle = NewSpindleControl(c.Encoder, ports.PWM, s.Spindle, s.Driver.PWMClockHz)
	}

	c.Homing = NewHomingCycle(s, ports.Motion, ports.Limits, ports.Stepper, &c.Signals, &c.Machine)

	return c
}

// SetSpindlePPR applies a changed encoder resolution at runtime. The
// encoder rebases and the regulator is rebuilt since its closed-loop
// eligibility may have changed.
func (c *Controller) SetSpindlePPR(ppr uint32) {
	if c.Encoder == nil {
		return
	}

	c.Settings.Spindle.PPR = ppr
	c.Encoder.Configure(ppr)
	if c.Spindle != nil {
		c.Spindle.SetState(false, 0)
		c.Spindle.pidEnabled = ppr != 0 && c.Settings.Spindle.PID.PGain != 0
	}
	logger.Infof("spindle: encoder reconfigured, %d ppr", ppr)
}

// OnTick is the millisecond system tick entry point.
func (c *Controller) OnTick() {
	if c.Spindle != nil {
		c.Spindle.OnTick()
	}
}

// OnLimitTrigger handles a hard limit interrupt. During homing the poll
// loop owns the switches; any other time a trigger kills motion and
// latches an alarm, since position can no longer be trusted.
func (c *Controller) OnLimitTrigger(state AxisMask) {
	if c.Machine.State == StateHoming {
		return
	}

	c.motion.Reset()
	c.Machine.State = StateAlarm
	c.Machine.Alarm = AlarmHardLimit
	c.Machine.Homed = 0
	logger.Errorf("limits: hard limit on mask %03b, motion killed", state)
}

// ClearAlarm returns the machine to idle after the operator has
// resolved the cause. Homing state is not restored; a hard limit
// invalidated it.
func (c *Controller) ClearAlarm() {
	if c.Machine.State != StateAlarm {
		return
	}
	c.Machine.State = StateIdle
	c.Machine.Alarm = AlarmNone
}
