package grbl

import (
	"math"
	"testing"
)

// simMotion fakes the motion engine and the limit switches in one
// place: every Completed poll advances the commanded axes one step
// toward the planned target, and switches trigger on position.
type simMotion struct {
	pos       [NAxis]float64
	absTarget [NAxis]float64
	lock      AxisMask
	step      float64

	hasSwitch  AxisMask
	triggerAt  [NAxis]float64
	triggerNeg bool

	resets    int
	plannedAt []float64
}

func (m *simMotion) PlanHomingMove(target [NAxis]float64, feedRate float64) error {
	for idx := 0; idx < NAxis; idx++ {
		m.absTarget[idx] = m.pos[idx] + target[idx]
	}
	m.plannedAt = append(m.plannedAt, feedRate)
	return nil
}

func (m *simMotion) SetAxisLock(lock AxisMask) {
	m.lock = lock
}

func (m *simMotion) Completed() bool {
	done := true
	for idx := 0; idx < NAxis; idx++ {
		if !m.lock.Has(idx) || m.pos[idx] == m.absTarget[idx] {
			continue
		}
		delta := m.absTarget[idx] - m.pos[idx]
		step := math.Min(m.step, math.Abs(delta))
		if delta < 0 {
			step = -step
		}
		m.pos[idx] += step
		if m.pos[idx] != m.absTarget[idx] {
			done = false
		}
	}
	return done
}

func (m *simMotion) Reset() {
	m.resets++
}

func (m *simMotion) State() AxisMask {
	var state AxisMask
	for idx := 0; idx < NAxis; idx++ {
		if !m.hasSwitch.Has(idx) {
			continue
		}
		if m.triggerNeg && m.pos[idx] <= m.triggerAt[idx] {
			state |= AxisBit(idx)
		}
		if !m.triggerNeg && m.pos[idx] >= m.triggerAt[idx] {
			state |= AxisBit(idx)
		}
	}
	return state
}

type fakeStepper struct {
	calls []struct {
		axes AxisMask
		mode SquaringMode
	}
}

func (s *fakeStepper) DisableMotors(axes AxisMask, mode SquaringMode) {
	s.calls = append(s.calls, struct {
		axes AxisMask
		mode SquaringMode
	}{axes, mode})
}

func newHomingRig(t *testing.T, s *Settings, sim *simMotion, stepper StepperPort) (*HomingCycle, *MachineState) {
	t.Helper()

	machine := &MachineState{}
	signals := &RTSignals{}
	h := NewHomingCycle(s, sim, sim, stepper, signals, machine)
	h.Delay = func(ms uint32) {}

	return h, machine
}

func TestHomingSingleAxisTowardNegativeEnd(t *testing.T) {
	s := DefaultSettings()
	s.Homing.DirMask = ZAxisBit
	s.Homing.Cycles = [NAxis]AxisMask{ZAxisBit}

	sim := &simMotion{
		step:       1.0,
		hasSwitch:  ZAxisBit,
		triggerNeg: true,
	}
	sim.triggerAt[ZAxis] = -100

	h, machine := newHomingRig(t, &s, sim, nil)

	if err := h.Run(); err != nil {
		t.Fatalf("homing failed: %v", err)
	}

	// Switch found at -100, pulled off 1 mm.
	if sim.pos[ZAxis] != -99 {
		t.Fatalf("expected final sim position -99, got %v", sim.pos[ZAxis])
	}
	// Machine zero references the far travel end plus pull-off:
	// (-200 + 1) * 250 steps/mm.
	if machine.Position[ZAxis] != -49750 {
		t.Fatalf("expected machine position -49750, got %d", machine.Position[ZAxis])
	}
	if !machine.Homed.Has(ZAxis) {
		t.Fatalf("z axis not marked homed")
	}
	if machine.State != StateIdle {
		t.Fatalf("expected idle state, got %v", machine.State)
	}

	// Search, pull-off, locate, final pull-off.
	if len(sim.plannedAt) != 4 {
		t.Fatalf("expected 4 passes, got %d", len(sim.plannedAt))
	}
	if sim.plannedAt[0] != 500 || sim.plannedAt[2] != 25 {
		t.Fatalf("expected seek then feed rate, got %v", sim.plannedAt)
	}
}

func TestHomingPositiveDirectionSetsPulloffOrigin(t *testing.T) {
	s := DefaultSettings()
	s.Homing.Cycles = [NAxis]AxisMask{XAxisBit}

	sim := &simMotion{
		step:      1.0,
		hasSwitch: XAxisBit,
	}
	sim.triggerAt[XAxis] = 100

	h, machine := newHomingRig(t, &s, sim, nil)

	if err := h.Run(); err != nil {
		t.Fatalf("homing failed: %v", err)
	}
	// Home switch at the positive end: zero sits one pull-off inside.
	if machine.Position[XAxis] != -250 {
		t.Fatalf("expected machine position -250, got %d", machine.Position[XAxis])
	}
}

func TestHomingForceSetOrigin(t *testing.T) {
	s := DefaultSettings()
	s.Homing.ForceSetOrigin = true
	s.Homing.DirMask = ZAxisBit
	s.Homing.Cycles = [NAxis]AxisMask{ZAxisBit}

	sim := &simMotion{
		step:       1.0,
		hasSwitch:  ZAxisBit,
		triggerNeg: true,
	}
	sim.triggerAt[ZAxis] = -50

	h, machine := newHomingRig(t, &s, sim, nil)

	if err := h.Run(); err != nil {
		t.Fatalf("homing failed: %v", err)
	}
	if machine.Position[ZAxis] != 0 {
		t.Fatalf("expected forced origin 0, got %d", machine.Position[ZAxis])
	}
}

func TestHomingMultiAxisVectorRate(t *testing.T) {
	s := DefaultSettings()
	s.Homing.DirMask = XAxisBit | YAxisBit
	s.Homing.Cycles = [NAxis]AxisMask{XAxisBit | YAxisBit}

	sim := &simMotion{
		step:       1.0,
		hasSwitch:  XAxisBit | YAxisBit,
		triggerNeg: true,
	}
	sim.triggerAt[XAxis] = -40
	sim.triggerAt[YAxis] = -60

	h, machine := newHomingRig(t, &s, sim, nil)

	if err := h.Run(); err != nil {
		t.Fatalf("homing failed: %v", err)
	}
	if machine.Homed != XAxisBit|YAxisBit {
		t.Fatalf("expected both axes homed, got %03b", machine.Homed)
	}
	// Two-axis diagonal approach runs at seek * sqrt(2).
	if !nearlyEqual(sim.plannedAt[0], 500*math.Sqrt2, 1e-9) {
		t.Fatalf("expected vector rate %v, got %v", 500*math.Sqrt2, sim.plannedAt[0])
	}
}

func TestHomingApproachFailureWithoutSwitch(t *testing.T) {
	s := DefaultSettings()
	s.Axes[ZAxis].MaxTravel = -10
	s.Homing.DirMask = ZAxisBit
	s.Homing.Cycles = [NAxis]AxisMask{ZAxisBit}

	sim := &simMotion{step: 1.0} // no switch wired

	h, machine := newHomingRig(t, &s, sim, nil)

	if err := h.Run(); err == nil {
		t.Fatalf("expected approach failure")
	}
	if machine.Alarm != AlarmHomingFailApproach {
		t.Fatalf("expected approach alarm, got %v", machine.Alarm)
	}
	if machine.State != StateAlarm {
		t.Fatalf("expected alarm state, got %v", machine.State)
	}
	if machine.Homed.Has(ZAxis) {
		t.Fatalf("failed axis must not be marked homed")
	}
}

func TestHomingPulloffFailureWithStuckSwitch(t *testing.T) {
	s := DefaultSettings()
	s.Homing.DirMask = ZAxisBit
	s.Homing.Cycles = [NAxis]AxisMask{ZAxisBit}

	sim := &simMotion{
		step:       1.0,
		hasSwitch:  ZAxisBit,
		triggerNeg: true,
	}
	sim.triggerAt[ZAxis] = 1e9 // always engaged

	h, machine := newHomingRig(t, &s, sim, nil)

	if err := h.Run(); err == nil {
		t.Fatalf("expected pull-off failure")
	}
	if machine.Alarm != AlarmFailPulloff {
		t.Fatalf("expected pull-off alarm, got %v", machine.Alarm)
	}
}

func TestHomingAbortsOnResetSignal(t *testing.T) {
	s := DefaultSettings()
	s.Homing.DirMask = ZAxisBit
	s.Homing.Cycles = [NAxis]AxisMask{ZAxisBit}

	sim := &simMotion{step: 1.0}

	machine := &MachineState{Homed: XAxisBit}
	signals := &RTSignals{}
	signals.Set(SignalReset)

	h := NewHomingCycle(&s, sim, sim, nil, signals, machine)
	h.Delay = func(ms uint32) {}

	if err := h.Run(); err == nil {
		t.Fatalf("expected reset abort")
	}
	if machine.Alarm != AlarmHomingFailReset {
		t.Fatalf("expected reset alarm, got %v", machine.Alarm)
	}
	if sim.resets == 0 {
		t.Fatalf("motion not killed on abort")
	}
	// Axes homed before the cycle keep their flags.
	if machine.Homed != XAxisBit {
		t.Fatalf("abort must not disturb homed flags, got %03b", machine.Homed)
	}
}

func TestHomingAbortsOnSafetyDoor(t *testing.T) {
	s := DefaultSettings()
	s.Homing.DirMask = ZAxisBit
	s.Homing.Cycles = [NAxis]AxisMask{ZAxisBit}

	sim := &simMotion{step: 1.0}

	machine := &MachineState{}
	signals := &RTSignals{}
	signals.Set(SignalSafetyDoor)

	h := NewHomingCycle(&s, sim, sim, nil, signals, machine)
	h.Delay = func(ms uint32) {}

	if err := h.Run(); err == nil {
		t.Fatalf("expected door abort")
	}
	if machine.Alarm != AlarmHomingFailDoor {
		t.Fatalf("expected door alarm, got %v", machine.Alarm)
	}
}

func TestHomingDisabledInSettings(t *testing.T) {
	s := DefaultSettings()
	s.Homing.Enabled = false

	sim := &simMotion{step: 1.0}
	h, _ := newHomingRig(t, &s, sim, nil)

	if err := h.Run(); err == nil {
		t.Fatalf("expected error with homing disabled")
	}
}

func TestHomingGangedSquaringSequence(t *testing.T) {
	s := DefaultSettings()
	s.Homing.DirMask = XAxisBit | YAxisBit
	s.Homing.Ganged = YAxisBit
	s.Homing.Cycles = [NAxis]AxisMask{XAxisBit | YAxisBit}

	sim := &simMotion{
		step:       1.0,
		hasSwitch:  XAxisBit | YAxisBit,
		triggerNeg: true,
	}
	sim.triggerAt[XAxis] = -40
	sim.triggerAt[YAxis] = -40

	stepper := &fakeStepper{}
	h, machine := newHomingRig(t, &s, sim, stepper)

	if err := h.Run(); err != nil {
		t.Fatalf("homing failed: %v", err)
	}

	// One motor of the pair at a time, then everything back on.
	want := []struct {
		axes AxisMask
		mode SquaringMode
	}{
		{YAxisBit, SquaringModeA},
		{YAxisBit, SquaringModeB},
		{0, SquaringModeBoth},
	}
	if len(stepper.calls) != len(want) {
		t.Fatalf("expected %d squaring calls, got %d", len(want), len(stepper.calls))
	}
	for i, call := range stepper.calls {
		if call != want[i] {
			t.Fatalf("squaring call %d: got %+v want %+v", i, call, want[i])
		}
	}
	if machine.Homed != XAxisBit|YAxisBit {
		t.Fatalf("expected both axes homed, got %03b", machine.Homed)
	}
	// Three full cycles of four passes each.
	if len(sim.plannedAt) != 12 {
		t.Fatalf("expected 12 passes, got %d", len(sim.plannedAt))
	}
}

func TestCheckTravelLimits(t *testing.T) {
	s := DefaultSettings()

	if !CheckTravelLimits(&s, [NAxis]float64{-10, -10, -10}) {
		t.Fatalf("in-envelope target rejected")
	}
	if CheckTravelLimits(&s, [NAxis]float64{5, -10, -10}) {
		t.Fatalf("positive overtravel accepted")
	}
	if CheckTravelLimits(&s, [NAxis]float64{-10, -250, -10}) {
		t.Fatalf("negative overtravel accepted")
	}
}
