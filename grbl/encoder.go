package grbl

import (
	"grblhal/common/lock"
)

// pulsesPerCapture is the hardware capture prescaler: the capture
// interrupt fires once per this many encoder pulses, so one captured
// interval spans this many pulse periods.
const pulsesPerCapture = 4

// encoderIdleTimeout is how long (in seconds) the tracker waits without
// a capture event before declaring the spindle stopped.
const encoderIdleTimeout = 0.25

// SpindleData is a consistent snapshot of the encoder state, taken in
// normal execution context.
type SpindleData struct {
	// RPM is the measured speed, 0 when the spindle is stopped or no
	// capture has arrived yet.
	RPM float64

	// AngularPosition is the absolute spindle angle in revolutions
	// since the last reset, fractional part interpolated from the
	// elapsed time within the current pulse interval.
	AngularPosition float64

	IndexCount uint32
	PulseCount uint32
	ErrorCount uint32
}

// SpindleEncoder tracks spindle speed and angular position from a
// quadrature-less pulse/index encoder. OnPulse and OnIndex run in
// interrupt context; Data and Reset run in normal context and guard the
// shared counters with a spin lock, mirroring the IRQ disable window a
// bare-metal driver would use.
type SpindleEncoder struct {
	timer TimerPort

	ppr             uint32
	timerResolution float64
	pulseDistance   float64
	rpmFactor       float64
	maxIdleTicks    uint32

	mu lock.SpinLock

	pulseCount        uint32
	pulseCounterLast  uint32
	pulseCounterIndex uint32
	timerValueLast    uint32
	pulseLength       uint32
	indexCount        uint32
	errorCount        uint32
}

// NewSpindleEncoder binds the encoder to its capture timer.
// timerResolution is the tick period of the timer in seconds.
func NewSpindleEncoder(timer TimerPort, timerResolution float64) *SpindleEncoder {
	return &SpindleEncoder{
		timer:           timer,
		timerResolution: timerResolution,
	}
}

// Configure sets the pulses-per-revolution and derives the conversion
// factors. A ppr of 0 leaves the encoder unusable; callers gate closed
// loop features on PPR() != 0.
func (e *SpindleEncoder) Configure(ppr uint32) {
	e.ppr = ppr
	if ppr != 0 {
		e.pulseDistance = 1.0 / float64(ppr)
		e.rpmFactor = 60.0 / (e.timerResolution * float64(ppr))
	} else {
		e.pulseDistance = 0
		e.rpmFactor = 0
	}
	e.maxIdleTicks = uint32(encoderIdleTimeout/e.timerResolution) * pulsesPerCapture
	e.Reset()
}

// PPR returns the configured pulses per revolution.
func (e *SpindleEncoder) PPR() uint32 {
	return e.ppr
}

// Reset rebases all counters on the current hardware state. Speed and
// angular position restart from zero; the error count is kept until
// reconfiguration.
func (e *SpindleEncoder) Reset() {
	counter := e.timer.PulseCount()

	e.mu.Lock()
	e.pulseCount = 0
	e.pulseCounterLast = counter
	e.pulseCounterIndex = counter
	e.timerValueLast = e.timer.TimerValue()
	e.pulseLength = 0
	e.indexCount = 0
	e.mu.UnLock()
}

// OnPulse handles the capture interrupt. timerValue is the captured
// count of the down-counting timer at the moment of the interrupt, so
// the interval since the previous capture is last - current and uint32
// wraparound falls out of the subtraction.
func (e *SpindleEncoder) OnPulse(timerValue uint32) {
	counter := e.timer.PulseCount()

	e.mu.Lock()
	e.pulseCount += counter - e.pulseCounterLast
	e.pulseLength = e.timerValueLast - timerValue
	e.timerValueLast = timerValue
	e.pulseCounterLast = counter
	e.mu.UnLock()
}

// OnIndex handles the once-per-revolution index interrupt. Any interval
// between consecutive indexes that does not span exactly ppr pulses is
// a missed or spurious pulse and bumps the error count.
func (e *SpindleEncoder) OnIndex() {
	counter := e.timer.PulseCount()

	e.mu.Lock()
	if e.indexCount > 0 && counter-e.pulseCounterIndex != e.ppr {
		e.errorCount++
	}
	e.indexCount++
	e.pulseCounterIndex = counter
	e.mu.UnLock()
}

// Data computes a snapshot of RPM, angular position and the raw
// counters from the shared state plus the live timer.
func (e *SpindleEncoder) Data() SpindleData {
	e.mu.Lock()
	pulseCount := e.pulseCount
	counterLast := e.pulseCounterLast
	counterIndex := e.pulseCounterIndex
	timerLast := e.timerValueLast
	pulseLength := e.pulseLength
	indexCount := e.indexCount
	errorCount := e.errorCount
	e.mu.UnLock()

	tpp := pulseLength / pulsesPerCapture
	delta := timerLast - e.timer.TimerValue()

	stopped := tpp == 0 || delta > e.maxIdleTicks
	if stopped {
		// Freeze the interpolation at the pulses actually counted
		// since the last capture instead of extrapolating over the
		// idle gap.
		delta = (e.timer.PulseCount() - counterLast) * tpp
	}

	var data SpindleData

	if !stopped {
		data.RPM = e.rpmFactor / float64(tpp)
	}

	fraction := 0.0
	if tpp != 0 {
		fraction = float64(delta) / float64(tpp)
	}
	data.AngularPosition = float64(indexCount) +
		(float64(counterLast-counterIndex)+fraction)*e.pulseDistance

	data.IndexCount = indexCount
	data.PulseCount = pulseCount + (e.timer.PulseCount() - counterLast)
	data.ErrorCount = errorCount

	return data
}
