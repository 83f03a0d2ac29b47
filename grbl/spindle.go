package grbl

import (
	"grblhal/common/lock"
	"grblhal/common/logger"
	"grblhal/common/utils/maths"
)

// PIDState is the closed-loop regulator phase.
type PIDState uint8

const (
	// PIDStateDisabled: open loop only, the regulator tick is a no-op.
	PIDStateDisabled PIDState = iota
	// PIDStatePending: spindle commanded on, waiting for it to spin up
	// before closing the loop.
	PIDStatePending
	// PIDStateActive: closed loop, PWM trimmed every sample period.
	PIDStateActive
)

const (
	// spindleSettleTicks is the spin-up grace period in regulator
	// ticks before the loop closes regardless of index feedback.
	spindleSettleTicks = 500

	// spindlePIDSampleTicks is the closed-loop sample period in
	// regulator ticks; RPM readings in between are averaged.
	spindlePIDSampleTicks = 5

	// atSpeedTolerance is the relative RPM band treated as at-speed.
	atSpeedTolerance = 1.1
)

// SpindlePWM maps RPM to a PWM compare value. All values are in timer
// counts of a period derived from the configured PWM frequency.
type SpindlePWM struct {
	Period   uint32
	OffValue uint32
	MinValue uint32
	MaxValue uint32

	rpmMin   float64
	rpmMax   float64
	gradient float64
}

// NewSpindlePWM precomputes the RPM to PWM mapping. clockHz is the
// timer input clock driving the PWM generator.
func NewSpindlePWM(cfg SpindleSettings, clockHz float64) SpindlePWM {
	pwm := SpindlePWM{
		rpmMin: cfg.RPMMin,
		rpmMax: cfg.RPMMax,
	}
	pwm.Period = uint32(clockHz / cfg.PWMFreq)
	pwm.OffValue = uint32(float64(pwm.Period) * cfg.PWMOffValue / 100.0)
	pwm.MinValue = uint32(float64(pwm.Period) * cfg.PWMMinValue / 100.0)
	pwm.MaxValue = uint32(float64(pwm.Period) * cfg.PWMMaxValue / 100.0)
	pwm.gradient = float64(pwm.MaxValue-pwm.MinValue) / (cfg.RPMMax - cfg.RPMMin)

	return pwm
}

// Compute returns the compare value for the requested RPM, clamped to
// the configured duty range. Zero RPM selects the off value.
func (pwm SpindlePWM) Compute(rpm float64) uint32 {
	switch {
	case rpm <= 0:
		return pwm.OffValue
	case rpm <= pwm.rpmMin:
		return pwm.MinValue
	case rpm >= pwm.rpmMax:
		return pwm.MaxValue
	}

	value := uint32((rpm-pwm.rpmMin)*pwm.gradient) + pwm.MinValue
	if value > pwm.MaxValue {
		value = pwm.MaxValue
	}

	return value
}

// SpindleControl drives the spindle PWM output, open loop when no
// encoder feedback is available and closed loop (PID trimmed) when it
// is.
//
// OnTick runs in the millisecond interrupt context; SetState and
// UpdateRPM run in normal context. The spin lock serializes the PID
// state and PWM writes between the two.
type SpindleControl struct {
	encoder *SpindleEncoder
	port    PWMPort
	pwm     SpindlePWM

	pid        PID
	pidEnabled bool

	mu lock.SpinLock

	state         PIDState
	programmedRPM float64
	settleCount   uint32
	sampleCount   uint32
	rpmWindow     []float64
}

// NewSpindleControl wires the regulator. encoder may be nil for a
// machine without spindle feedback; closed-loop regulation also
// requires a configured PPR and a non-zero proportional gain.
func NewSpindleControl(encoder *SpindleEncoder, port PWMPort, cfg SpindleSettings, clockHz float64) *SpindleControl {
	sc := &SpindleControl{
		encoder:   encoder,
		port:      port,
		pwm:       NewSpindlePWM(cfg, clockHz),
		rpmWindow: make([]float64, 0, spindlePIDSampleTicks),
	}
	sc.pid.Cfg = cfg.PID
	sc.pidEnabled = encoder != nil && encoder.PPR() != 0 && cfg.PID.PGain != 0

	return sc
}

// PIDEnabled reports whether closed-loop regulation is available.
func (sc *SpindleControl) PIDEnabled() bool {
	return sc.pidEnabled
}

// State returns the regulator phase.
func (sc *SpindleControl) State() PIDState {
	return sc.state
}

// ProgrammedRPM returns the currently commanded speed.
func (sc *SpindleControl) ProgrammedRPM() float64 {
	return sc.programmedRPM
}

// SetState turns the spindle on at the given RPM or off. Turning on
// from standstill arms the regulator; it stays open loop until the
// spindle has settled.
func (sc *SpindleControl) SetState(on bool, rpm float64) {
	sc.mu.Lock()
	defer sc.mu.UnLock()

	if !on {
		sc.programmedRPM = 0
		sc.state = PIDStateDisabled
		sc.pid.Reset()
		// A restart must not divide by a zero previous sample rate on
		// its first closed-loop update.
		sc.pid.sampleRatePrev = 1
		sc.port.SetPWM(sc.pwm.OffValue)
		return
	}

	if sc.pidEnabled && sc.programmedRPM == 0 && rpm > 0 {
		sc.settleCount = 0
		sc.sampleCount = 0
		sc.rpmWindow = sc.rpmWindow[:0]
		sc.state = PIDStatePending
		logger.Debugf("spindle: regulator armed, target %.1f RPM", rpm)
	}

	sc.programmedRPM = rpm
	sc.port.SetPWM(sc.pwm.Compute(rpm))
}

// UpdateRPM re-commands the speed without restarting the regulator. The
// last closed-loop correction carries over so an in-flight override
// does not step the PWM back to the open-loop value.
func (sc *SpindleControl) UpdateRPM(rpm float64) {
	sc.mu.Lock()
	sc.programmedRPM = rpm
	sc.port.SetPWM(sc.pwm.Compute(rpm + sc.pid.LastError()))
	sc.mu.UnLock()
}

// OnTick runs one regulator step. Called at a fixed rate (nominally
// 1 kHz) from the system tick handler.
func (sc *SpindleControl) OnTick() {
	if !sc.mu.TryLock() {
		// Normal context is mid-update; skip this tick rather than
		// stall the interrupt.
		return
	}
	defer sc.mu.UnLock()

	switch sc.state {
	case PIDStateDisabled:

	case PIDStatePending:
		sc.settleCount++
		if sc.settleCount >= spindleSettleTicks || sc.encoder.Data().IndexCount > 2 {
			sc.state = PIDStateActive
			logger.Debugf("spindle: loop closed after %d ticks", sc.settleCount)
		}

	case PIDStateActive:
		sc.rpmWindow = append(sc.rpmWindow, sc.encoder.Data().RPM)
		sc.sampleCount++
		if sc.sampleCount < spindlePIDSampleTicks {
			return
		}
		sc.sampleCount = 0

		rpm := maths.Mean(sc.rpmWindow)
		sc.rpmWindow = sc.rpmWindow[:0]

		err := sc.pid.Compute(sc.programmedRPM, rpm, 1.0)
		sc.port.SetPWM(sc.pwm.Compute(sc.programmedRPM + err))
	}
}

// AtSpeed reports whether the measured RPM is within the tolerance band
// around the programmed RPM. With the spindle commanded off it is true
// once the encoder reports standstill.
func (sc *SpindleControl) AtSpeed() bool {
	if sc.encoder == nil || sc.encoder.PPR() == 0 {
		return true
	}

	rpm := sc.encoder.Data().RPM
	if sc.programmedRPM == 0 {
		return rpm == 0
	}

	return rpm >= sc.programmedRPM/atSpeedTolerance && rpm <= sc.programmedRPM*atSpeedTolerance
}
