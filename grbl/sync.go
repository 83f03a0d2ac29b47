package grbl

// PulseMode selects the step pulse handler variant. The stepper driver
// dispatches on this instead of swapping handlers mid-stream, so the
// switch into and out of synchronized motion is a plain state change.
type PulseMode uint8

const (
	// PulseModeNormal: segments execute at their planned rate.
	PulseModeNormal PulseMode = iota
	// PulseModeSynchronized: segment timing is trimmed against the
	// spindle angular position every segment.
	PulseModeSynchronized
)

// Segment is one constant-acceleration slice of a planner block as the
// stepper interrupt executes it. The tracker rewrites CyclesPerTick in
// place.
type Segment struct {
	ID            uint32
	NewBlock      bool
	SpindleSync   bool
	Cruising      bool
	StepCount     uint32
	CyclesPerTick uint32

	// TargetPosition is the distance into the block at segment end, mm.
	TargetPosition float64

	// ProgrammedRate is the block feed in mm per spindle revolution;
	// only meaningful when SpindleSync is set.
	ProgrammedRate float64
	StepsPerMM     float64
}

// SpindleTracker locks feed to spindle rotation for threading moves. At
// every segment boundary of a synchronized block it compares where the
// axes should be, given how far the spindle has actually turned, with
// the planned position, and stretches or compresses the segment's tick
// period to null the difference.
//
// OnSegment runs in the stepper interrupt context and shares no state
// with normal context, so it takes no lock.
type SpindleTracker struct {
	encoder *SpindleEncoder

	pid PID
	Log PIDLog

	fStepTimer       float64
	minCyclesPerTick uint32

	mode           PulseMode
	programmedRate float64
	stepsPerMM     float64
	segmentID      uint32
	prevPos        float64
	blockStart     float64
	firstSegment   bool
}

// NewSpindleTracker wires the tracker to the encoder and pulls the
// timing constants from settings.
func NewSpindleTracker(encoder *SpindleEncoder, s *Settings) *SpindleTracker {
	t := &SpindleTracker{
		encoder:          encoder,
		fStepTimer:       s.Driver.StepTimerHz,
		minCyclesPerTick: s.MinCyclesPerTick(),
	}
	t.pid.Cfg = s.SyncPID

	return t
}

// Mode returns the active pulse handler variant.
func (t *SpindleTracker) Mode() PulseMode {
	return t.mode
}

// OnSegment processes one stepper interrupt's segment view. Called on
// every interrupt; all work happens on segment boundaries.
func (t *SpindleTracker) OnSegment(seg *Segment) {
	if seg.NewBlock {
		if !seg.SpindleSync {
			t.mode = PulseModeNormal
			return
		}

		t.mode = PulseModeSynchronized
		t.programmedRate = seg.ProgrammedRate
		t.stepsPerMM = seg.StepsPerMM
		t.segmentID = 0
		t.prevPos = 0
		t.pid.Reset()
		t.blockStart = t.encoder.Data().AngularPosition * t.programmedRate
		t.firstSegment = true
		t.Log.Start(t.programmedRate)
	}

	if t.mode != PulseModeSynchronized || seg.ID == t.segmentID {
		return
	}
	t.segmentID = seg.ID

	if !seg.NewBlock {
		var actualPos float64

		if seg.Cruising && seg.StepCount > 0 {
			// The PID sample rate is this segment's planned boundary
			// frequency.
			rate := t.fStepTimer / float64(seg.CyclesPerTick*seg.StepCount)

			actualPos = t.encoder.Data().AngularPosition * t.programmedRate

			if t.firstSegment {
				// No usable history yet; seed the normalization so the
				// first compute is weighted like a steady-state one.
				t.pid.sampleRatePrev = rate
				t.firstSegment = false
			}

			actualPos -= t.blockStart
			stepDelta := int32(t.pid.Compute(t.prevPos, actualPos, rate) * t.stepsPerMM)

			ticks := (int32(seg.StepCount) + stepDelta) * int32(seg.CyclesPerTick) / int32(seg.StepCount)
			if ticks < int32(t.minCyclesPerTick) {
				ticks = int32(t.minCyclesPerTick)
			}
			seg.CyclesPerTick = uint32(ticks)
		} else {
			// Accel and decel phases run open loop; the trace still
			// records them so a dump shows the whole block.
			actualPos = t.prevPos
		}

		t.Log.Add(t.prevPos, actualPos)
	}

	t.prevPos = seg.TargetPosition
}
