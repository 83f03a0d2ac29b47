package main

import (
	"flag"
	"os"
	"sync"
	"time"

	"grblhal/common/logger"
	"grblhal/grbl"
)

// machineSim stands in for the stepper driver and limit switches so the
// core can be exercised without hardware. Every Completed poll advances
// the commanded axes one step toward the planned target; switches sit
// at the negative end of travel.
type machineSim struct {
	pos       [grbl.NAxis]float64
	absTarget [grbl.NAxis]float64
	lock      grbl.AxisMask
	switchAt  [grbl.NAxis]float64
}

func (m *machineSim) PlanHomingMove(target [grbl.NAxis]float64, feedRate float64) error {
	for idx := 0; idx < grbl.NAxis; idx++ {
		m.absTarget[idx] = m.pos[idx] + target[idx]
	}
	return nil
}

func (m *machineSim) SetAxisLock(lock grbl.AxisMask) {
	m.lock = lock
}

func (m *machineSim) Completed() bool {
	done := true
	for idx := 0; idx < grbl.NAxis; idx++ {
		if !m.lock.Has(idx) || m.pos[idx] == m.absTarget[idx] {
			continue
		}
		if m.absTarget[idx] < m.pos[idx] {
			m.pos[idx] -= 0.5
		} else {
			m.pos[idx] += 0.5
		}
		if m.pos[idx] != m.absTarget[idx] {
			done = false
		}
	}
	return done
}

func (m *machineSim) Reset() {}

func (m *machineSim) State() grbl.AxisMask {
	var state grbl.AxisMask
	for idx := 0; idx < grbl.NAxis; idx++ {
		if m.pos[idx] <= m.switchAt[idx] {
			state |= grbl.AxisBit(idx)
		}
	}
	return state
}

// spindleSim models a spindle motor plus its encoder hardware: the
// commanded PWM duty maps linearly to speed, a 1 MHz timer counts down
// and capture events fire every four encoder pulses.
type spindleSim struct {
	mu sync.Mutex

	pwm    uint32
	period uint32
	maxRPM float64
	ppr    uint32

	timer  uint32
	pulses uint32
}

func (s *spindleSim) SetPWM(value uint32) {
	s.mu.Lock()
	s.pwm = value
	s.mu.Unlock()
}

func (s *spindleSim) TimerValue() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer
}

func (s *spindleSim) PulseCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulses
}

// advance moves the simulation dt seconds forward and delivers the
// capture interrupts that interval produced.
func (s *spindleSim) advance(enc *grbl.SpindleEncoder, dt float64) {
	s.mu.Lock()
	rpm := s.maxRPM * float64(s.pwm) / float64(s.period)
	s.timer -= uint32(dt * 1e6)
	timer := s.timer
	s.mu.Unlock()

	if rpm <= 0 {
		return
	}

	ticksPerPulse := uint32(60e6 / (rpm * float64(s.ppr)))
	captures := uint32(dt*1e6) / (4 * ticksPerPulse)
	for i := uint32(0); i < captures; i++ {
		s.mu.Lock()
		s.pulses += 4
		s.mu.Unlock()
		enc.OnPulse(timer + (captures-1-i)*4*ticksPerPulse)
	}
}

func main() {
	settingsPath := flag.String("settings", "", "settings file (TOML), built-in defaults when empty")
	logFile := flag.String("logfile", "grblhal.log", "log file path")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := logger.InfoLevel
	if *debug {
		level = logger.DebugLevel
	}
	logger.InitLogger(level, *logFile, true, 10, 3, 28)
	defer logger.Sync()

	settings := grbl.DefaultSettings()
	if *settingsPath != "" {
		loaded, err := grbl.LoadSettings(*settingsPath)
		if err != nil {
			logger.Errorf("main: %v", err)
			os.Exit(1)
		}
		settings = *loaded
	}
	if settings.Spindle.PPR == 0 {
		settings.Spindle.PPR = 120
	}
	settings.Homing.DirMask = grbl.AllAxesMask
	settings.Homing.DebounceDelay = 10

	machine := &machineSim{}
	for idx := 0; idx < grbl.NAxis; idx++ {
		machine.switchAt[idx] = -50
	}

	spindle := &spindleSim{
		period: uint32(settings.Driver.PWMClockHz / settings.Spindle.PWMFreq),
		maxRPM: settings.Spindle.RPMMax * 1.05,
		ppr:    settings.Spindle.PPR,
		timer:  1 << 31,
	}

	c := grbl.NewController(&settings, grbl.Ports{
		Timer:  spindle,
		PWM:    spindle,
		Motion: machine,
		Limits: machine,
	})

	logger.Infof("main: homing cycle starting")
	if err := c.Homing.Run(); err != nil {
		logger.Errorf("main: %v", err)
		os.Exit(1)
	}
	for idx := 0; idx < grbl.NAxis; idx++ {
		logger.Infof("main: axis %d machine position %.3f mm", idx,
			settings.MPos(idx, c.Machine.Position[idx]))
	}

	target := settings.Spindle.RPMMax * 0.5
	logger.Infof("main: spindle starting, target %.0f RPM", target)
	c.Spindle.SetState(true, target)

	for tick := 0; tick < 1500; tick++ {
		spindle.advance(c.Encoder, 1e-3)
		c.OnTick()
		time.Sleep(time.Millisecond)
	}

	data := c.Encoder.Data()
	logger.Infof("main: spindle at %.1f RPM, at-speed %v, %d index errors",
		data.RPM, c.Spindle.AtSpeed(), data.ErrorCount)

	c.Spindle.SetState(false, 0)
	logger.Infof("main: done")
}
