package grbl

import (
	"fmt"
	"math"
	"time"

	"grblhal/common/logger"
)

const (
	// homingSearchScalar pads the approach move past the configured
	// travel so the switch is reached even with a lost reference.
	homingSearchScalar = 1.5

	// homingLocateScalar pads the slow locate approach relative to the
	// pull-off distance.
	homingLocateScalar = 5.0
)

// HomingCycle drives the machine onto its limit switches and
// establishes the machine coordinate origin. It runs in normal
// execution context and polls the motion engine and switch state;
// realtime signals injected from interrupt context abort it.
type HomingCycle struct {
	settings *Settings
	motion   MotionPort
	limits   LimitsPort
	stepper  StepperPort
	signals  *RTSignals
	machine  *MachineState

	// Delay paces the poll loop and implements the switch debounce
	// wait. Replaceable for simulation.
	Delay func(ms uint32)
}

// NewHomingCycle wires the cycle. stepper may be nil when no ganged
// axes are configured.
func NewHomingCycle(s *Settings, motion MotionPort, limits LimitsPort, stepper StepperPort,
	signals *RTSignals, machine *MachineState) *HomingCycle {

	return &HomingCycle{
		settings: s,
		motion:   motion,
		limits:   limits,
		stepper:  stepper,
		signals:  signals,
		machine:  machine,
		Delay: func(ms uint32) {
			time.Sleep(time.Duration(ms) * time.Millisecond)
		},
	}
}

// Run executes the configured homing cycles in order. On success every
// homed axis has a trusted machine position; on failure the machine is
// left in alarm with motion killed.
func (h *HomingCycle) Run() error {
	if !h.settings.Homing.Enabled {
		return fmt.Errorf("homing: not enabled")
	}

	h.machine.State = StateHoming
	h.machine.Alarm = AlarmNone

	for _, cycle := range h.settings.Homing.Cycles {
		if cycle == 0 {
			continue
		}
		if err := h.homeCycle(cycle); err != nil {
			h.machine.State = StateAlarm
			return err
		}
	}

	h.machine.State = StateIdle
	logger.Infof("homing: complete, homed mask %03b", h.machine.Homed)

	return nil
}

// homeCycle homes one axis group, rerunning it per ganged motor for
// auto-squaring.
func (h *HomingCycle) homeCycle(cycle AxisMask) error {
	if err := h.runCycle(cycle); err != nil {
		return err
	}

	ganged := h.settings.Homing.Ganged & cycle
	if ganged == 0 || h.stepper == nil {
		return nil
	}

	// Square the gang: rehome each motor of the pair alone so both end
	// up referenced to their own switch.
	for _, mode := range []SquaringMode{SquaringModeA, SquaringModeB} {
		h.machine.Homed &^= ganged
		h.stepper.DisableMotors(ganged, mode)
		if err := h.runCycle(cycle); err != nil {
			h.stepper.DisableMotors(0, SquaringModeBoth)
			return err
		}
	}
	h.stepper.DisableMotors(0, SquaringModeBoth)

	return nil
}

// runCycle is one complete search/locate sequence for an axis group:
// fast approach, pull-off, then locateCycles slow approach/pull-off
// pairs, ending clear of the switches.
func (h *HomingCycle) runCycle(cycle AxisMask) error {
	cfg := &h.settings.Homing

	travel := 0.0
	for idx := 0; idx < NAxis; idx++ {
		if cycle.Has(idx) {
			travel = math.Max(travel, -homingSearchScalar*h.settings.Axes[idx].MaxTravel)
		}
	}
	if travel == 0 {
		return fmt.Errorf("homing: no travel configured for cycle %03b", cycle)
	}

	approach := true
	rate := cfg.SeekRate

	passes := 2*cfg.LocateCycles + 2
	for pass := uint32(0); pass < passes; pass++ {
		alarm := h.runPass(cycle, approach, travel, rate)

		h.motion.Reset()

		if alarm != AlarmNone {
			h.machine.Alarm = alarm
			logger.Errorf("homing: cycle %03b failed: %s", cycle, alarm)
			return fmt.Errorf("homing: %s", alarm)
		}

		h.Delay(cfg.DebounceDelay)

		approach = !approach
		if approach {
			travel = cfg.Pulloff * homingLocateScalar
			rate = cfg.FeedRate
		} else {
			travel = cfg.Pulloff
			rate = cfg.SeekRate
		}
	}

	h.setMachinePositions(cycle)
	h.machine.Homed |= cycle

	return nil
}

// runPass plans and polls a single approach or pull-off move.
func (h *HomingCycle) runPass(cycle AxisMask, approach bool, travel, rate float64) Alarm {
	cfg := &h.settings.Homing

	var target [NAxis]float64
	for idx := 0; idx < NAxis; idx++ {
		if !cycle.Has(idx) {
			continue
		}
		// Home from an unknown reference: zero and move relative.
		h.machine.Position[idx] = 0
		if cfg.DirMask.Has(idx) == approach {
			target[idx] = -travel
		} else {
			target[idx] = travel
		}
	}

	// A diagonal multi-axis move needs a higher vector rate for each
	// axis to see its configured rate.
	rate *= math.Sqrt(float64(cycle.Count()))

	axislock := cycle
	h.motion.SetAxisLock(axislock)
	if err := h.motion.PlanHomingMove(target, rate); err != nil {
		logger.Errorf("homing: plan failed: %v", err)
		return AlarmAbortCycle
	}

	for {
		if approach {
			state := h.limits.State()
			for idx := 0; idx < NAxis; idx++ {
				if axislock.Has(idx) && state.Has(idx) {
					axislock &^= AxisBit(idx)
					h.motion.SetAxisLock(axislock)
				}
			}
			if axislock == 0 {
				return AlarmNone
			}
		}

		sig := h.signals.Get()
		if sig&SignalReset != 0 {
			return AlarmHomingFailReset
		}
		if sig&SignalSafetyDoor != 0 {
			return AlarmHomingFailDoor
		}

		if h.motion.Completed() {
			if !approach {
				// The pull-off must clear the switch; a still-engaged
				// one is stuck or wired wrong.
				if h.limits.State()&cycle != 0 {
					return AlarmFailPulloff
				}
				return AlarmNone
			}
			if axislock != 0 {
				// Ran the full padded travel without a trigger.
				return AlarmHomingFailApproach
			}
			return AlarmNone
		}

		h.Delay(1)
	}
}

// setMachinePositions establishes machine coordinates after a
// successful cycle: the pulled-off position sits one pull-off distance
// inside the travel envelope from the homed end.
func (h *HomingCycle) setMachinePositions(cycle AxisMask) {
	cfg := &h.settings.Homing

	for idx := 0; idx < NAxis; idx++ {
		if !cycle.Has(idx) {
			continue
		}

		switch {
		case cfg.ForceSetOrigin:
			h.machine.Position[idx] = 0
		case cfg.DirMask.Has(idx):
			h.machine.Position[idx] = int64(math.Round(
				(h.settings.Axes[idx].MaxTravel + cfg.Pulloff) * h.settings.Axes[idx].StepsPerMM))
		default:
			h.machine.Position[idx] = int64(math.Round(
				-cfg.Pulloff * h.settings.Axes[idx].StepsPerMM))
		}
	}
}

// CheckTravelLimits reports whether a machine-coordinate target (mm)
// stays inside the travel envelope. Only meaningful for homed axes.
func CheckTravelLimits(s *Settings, target [NAxis]float64) bool {
	for idx := 0; idx < NAxis; idx++ {
		if target[idx] > 0 || target[idx] < s.Axes[idx].MaxTravel {
			return false
		}
	}
	return true
}
