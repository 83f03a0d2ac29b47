package grbl

// PIDValues is the persisted gain configuration for one controller.
// A zero clamp means unbounded; a zero DGain disables the derivative
// term entirely.
type PIDValues struct {
	PGain     float64 `toml:"p_gain"`
	IGain     float64 `toml:"i_gain"`
	DGain     float64 `toml:"d_gain"`
	PMaxError float64 `toml:"p_max_error"`
	IMaxError float64 `toml:"i_max_error"`
	DMaxError float64 `toml:"d_max_error"`
	DeadBand  float64 `toml:"deadband"`
	MaxError  float64 `toml:"max_error"`
}

// PID holds the gain configuration and the running state of one
// proportional-integral-derivative controller. Both the spindle RPM
// regulator and the spindle-synchronized position corrector use it.
//
// Callers are not on a fixed clock: motion segments have variable
// duration, so Compute takes the current sample rate and normalizes
// the integral and derivative terms against the previous one.
type PID struct {
	Cfg PIDValues

	iError         float64
	dError         float64
	sampleRatePrev float64
	lastError      float64
}

// Reset clears the running state for a process restart (spindle
// stopped, new synchronized block). The configuration is untouched.
func (pid *PID) Reset() {
	pid.iError = 0
	pid.dError = 0
	pid.sampleRatePrev = 0
	pid.lastError = 0
}

// Compute runs one control step and returns the correction. Pure over
// the receiver state; never fails.
func (pid *PID) Compute(command, actual, sampleRate float64) float64 {
	err := command - actual

	out := pid.Cfg.PGain * err

	// Time-normalized integral: scale by the ratio of the previous
	// sample rate so an irregular calling cadence does not over- or
	// under-accumulate.
	pid.iError += err * (pid.sampleRatePrev / sampleRate)
	if pid.Cfg.IMaxError != 0 {
		if pid.iError > pid.Cfg.IMaxError {
			pid.iError = pid.Cfg.IMaxError
		} else if pid.iError < -pid.Cfg.IMaxError {
			pid.iError = -pid.Cfg.IMaxError
		}
	}
	out += pid.Cfg.IGain * pid.iError

	// Differentiating measurement noise is worse than no derivative at
	// all, so the term only exists when a gain is configured.
	if pid.Cfg.DGain != 0 {
		dErr := (err - pid.dError) * (sampleRate / pid.sampleRatePrev)
		if pid.Cfg.DMaxError != 0 {
			if dErr > pid.Cfg.DMaxError {
				dErr = pid.Cfg.DMaxError
			} else if dErr < -pid.Cfg.DMaxError {
				dErr = -pid.Cfg.DMaxError
			}
		}
		out += pid.Cfg.DGain * dErr
		pid.dError = err
	}

	pid.sampleRatePrev = sampleRate

	if pid.Cfg.MaxError != 0 {
		if out > pid.Cfg.MaxError {
			out = pid.Cfg.MaxError
		} else if out < -pid.Cfg.MaxError {
			out = -pid.Cfg.MaxError
		}
	}

	pid.lastError = out

	return out
}

// LastError returns the most recent correction. The regulator adds it
// to the open-loop PWM value when re-commanding RPM outside a sample
// tick.
func (pid *PID) LastError() float64 {
	return pid.lastError
}

// IntegralError exposes the accumulated integral term.
func (pid *PID) IntegralError() float64 {
	return pid.iError
}
