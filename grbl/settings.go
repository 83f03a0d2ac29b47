package grbl

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"

	"grblhal/common/logger"
)

// AxisSettings is the per-axis mechanical configuration. MaxTravel is
// entered positive in the settings file but held negative internally,
// matching the machine coordinate convention of home at zero and all
// travel in the negative direction.
type AxisSettings struct {
	StepsPerMM float64 `toml:"steps_per_mm"`
	MaxTravel  float64 `toml:"max_travel"`
}

// HomingSettings configures the homing state machine. DirMask bits set
// the positive direction for the approach move; Cycles lists the axis
// groups homed in order (unused entries empty). Ganged marks axes
// driven by motor pairs that get auto-squared during homing.
type HomingSettings struct {
	Enabled        bool     `toml:"enabled"`
	DirMask        AxisMask `toml:"dir_mask"`
	FeedRate       float64  `toml:"feed_rate"`
	SeekRate       float64  `toml:"seek_rate"`
	DebounceDelay  uint32   `toml:"debounce_delay"`
	Pulloff        float64  `toml:"pulloff"`
	LocateCycles   uint32   `toml:"locate_cycles"`
	ForceSetOrigin bool     `toml:"force_set_origin"`
	Ganged         AxisMask `toml:"ganged"`

	Cycles [NAxis]AxisMask `toml:"cycles"`
}

// SpindleSettings configures the spindle PWM output and the optional
// closed-loop regulator. PWM duty bounds are percentages of the period.
type SpindleSettings struct {
	RPMMax      float64 `toml:"rpm_max"`
	RPMMin      float64 `toml:"rpm_min"`
	PWMFreq     float64 `toml:"pwm_freq"`
	PWMOffValue float64 `toml:"pwm_off_value"`
	PWMMinValue float64 `toml:"pwm_min_value"`
	PWMMaxValue float64 `toml:"pwm_max_value"`
	PPR         uint32  `toml:"ppr"`

	PID PIDValues `toml:"pid"`
}

// StepperSettings configures step pulse generation.
type StepperSettings struct {
	PulseMicroseconds      float64 `toml:"pulse_microseconds"`
	PulseDelayMicroseconds float64 `toml:"pulse_delay_microseconds"`
}

// DriverSettings holds the board clock parameters the core needs to
// convert between ticks and physical units.
type DriverSettings struct {
	// StepTimerHz is the step segment timer input clock.
	StepTimerHz float64 `toml:"step_timer_hz"`

	// SpindleTimerResolution is the spindle capture timer tick period
	// in seconds.
	SpindleTimerResolution float64 `toml:"spindle_timer_resolution"`

	// PWMClockHz is the spindle PWM generator input clock.
	PWMClockHz float64 `toml:"pwm_clock_hz"`
}

// Settings is the complete persisted configuration.
type Settings struct {
	Axes    [NAxis]AxisSettings `toml:"axes"`
	Homing  HomingSettings      `toml:"homing"`
	Spindle SpindleSettings     `toml:"spindle"`
	Stepper StepperSettings     `toml:"stepper"`
	Driver  DriverSettings      `toml:"driver"`

	SyncPID PIDValues `toml:"sync_pid"`
}

// DefaultSettings returns the stock configuration for a small 3-axis
// mill.
func DefaultSettings() Settings {
	s := Settings{
		Homing: HomingSettings{
			Enabled:       true,
			DirMask:       0,
			FeedRate:      25.0,
			SeekRate:      500.0,
			DebounceDelay: 250,
			Pulloff:       1.0,
			LocateCycles:  1,
		},
		Spindle: SpindleSettings{
			RPMMax:      1000.0,
			RPMMin:      0.0,
			PWMFreq:     5000.0,
			PWMOffValue: 0.0,
			PWMMinValue: 0.0,
			PWMMaxValue: 100.0,
			PID: PIDValues{
				PGain:     1.0,
				IGain:     0.01,
				IMaxError: 10.0,
			},
		},
		Stepper: StepperSettings{
			PulseMicroseconds: 10.0,
		},
		Driver: DriverSettings{
			StepTimerHz:            24_000_000,
			SpindleTimerResolution: 1e-6,
			PWMClockHz:             24_000_000,
		},
		SyncPID: PIDValues{
			PGain: 1.0,
		},
	}

	for idx := 0; idx < NAxis; idx++ {
		s.Axes[idx].StepsPerMM = 250.0
		s.Axes[idx].MaxTravel = -200.0
	}

	// Z first, then X and Y together.
	s.Homing.Cycles[0] = ZAxisBit
	s.Homing.Cycles[1] = XAxisBit | YAxisBit

	return s
}

// LoadSettings reads a TOML settings file over the defaults. MaxTravel
// values are normalized to the internal negative convention.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()

	if _, err := toml.DecodeFile(path, &s); err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}

	for idx := 0; idx < NAxis; idx++ {
		if s.Axes[idx].MaxTravel > 0 {
			s.Axes[idx].MaxTravel = -s.Axes[idx].MaxTravel
		}
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}

	logger.Infof("settings: loaded %s", path)

	return &s, nil
}

// Validate checks the configuration and reports every violation at
// once.
func (s *Settings) Validate() error {
	var err error

	for idx := 0; idx < NAxis; idx++ {
		if s.Axes[idx].StepsPerMM <= 0 {
			err = multierr.Append(err, fmt.Errorf("axis %d: steps_per_mm must be positive", idx))
		}
		if s.Axes[idx].MaxTravel >= 0 {
			err = multierr.Append(err, fmt.Errorf("axis %d: max_travel must be non-zero", idx))
		}
	}

	if s.Homing.FeedRate <= 0 {
		err = multierr.Append(err, fmt.Errorf("homing: feed_rate must be positive"))
	}
	if s.Homing.SeekRate <= 0 {
		err = multierr.Append(err, fmt.Errorf("homing: seek_rate must be positive"))
	}
	if s.Homing.Pulloff <= 0 {
		err = multierr.Append(err, fmt.Errorf("homing: pulloff must be positive"))
	}
	if s.Homing.LocateCycles == 0 {
		err = multierr.Append(err, fmt.Errorf("homing: locate_cycles must be at least 1"))
	}

	if s.Spindle.RPMMax <= s.Spindle.RPMMin {
		err = multierr.Append(err, fmt.Errorf("spindle: rpm_max must exceed rpm_min"))
	}
	if s.Spindle.PWMFreq <= 0 {
		err = multierr.Append(err, fmt.Errorf("spindle: pwm_freq must be positive"))
	}
	for _, duty := range []struct {
		name  string
		value float64
	}{
		{"pwm_off_value", s.Spindle.PWMOffValue},
		{"pwm_min_value", s.Spindle.PWMMinValue},
		{"pwm_max_value", s.Spindle.PWMMaxValue},
	} {
		if duty.value < 0 || duty.value > 100 {
			err = multierr.Append(err, fmt.Errorf("spindle: %s out of range 0-100", duty.name))
		}
	}

	if s.Stepper.PulseMicroseconds <= 0 {
		err = multierr.Append(err, fmt.Errorf("stepper: pulse_microseconds must be positive"))
	}
	if s.Driver.StepTimerHz <= 0 {
		err = multierr.Append(err, fmt.Errorf("driver: step_timer_hz must be positive"))
	}
	if s.Driver.SpindleTimerResolution <= 0 {
		err = multierr.Append(err, fmt.Errorf("driver: spindle_timer_resolution must be positive"))
	}

	return err
}

// MinCyclesPerTick is the floor for the step segment timer reload: one
// full step pulse (high time, optional delay, equal low time) must fit
// in a tick.
func (s *Settings) MinCyclesPerTick() uint32 {
	return uint32(s.Driver.StepTimerHz / 1e6 *
		(s.Stepper.PulseMicroseconds*2 + s.Stepper.PulseDelayMicroseconds))
}

// MPos converts a machine position in steps to millimeters for one
// axis.
func (s *Settings) MPos(idx int, steps int64) float64 {
	return float64(steps) / s.Axes[idx].StepsPerMM
}
