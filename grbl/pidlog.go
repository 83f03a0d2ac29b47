package grbl

import (
	"fmt"
	"strings"

	"grblhal/common/file"
)

// pidLogSize bounds the in-memory trace. Logging stops when the buffer
// is full; a trace of the first thousand samples of a synchronized
// block is what tuning needs.
const pidLogSize = 1000

// PIDLog captures (target, actual) pairs from the synchronized-motion
// corrector for offline gain tuning. It is filled from the segment
// callback and dumped from normal context between blocks, never both at
// once.
type PIDLog struct {
	setpoint float64
	n        int
	target   [pidLogSize]float64
	actual   [pidLogSize]float64
}

// Start clears the trace and records the setpoint the following samples
// were taken against.
func (l *PIDLog) Start(setpoint float64) {
	l.setpoint = setpoint
	l.n = 0
}

// Add appends one sample. Samples past the buffer capacity are dropped.
func (l *PIDLog) Add(target, actual float64) {
	if l.n < pidLogSize {
		l.target[l.n] = target
		l.actual[l.n] = actual
		l.n++
	}
}

// Len returns the number of captured samples.
func (l *PIDLog) Len() int {
	return l.n
}

// Dump writes the trace as CSV.
func (l *PIDLog) Dump(path string) error {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# setpoint %v\n", l.setpoint)
	sb.WriteString("target,actual\n")
	for i := 0; i < l.n; i++ {
		fmt.Fprintf(&sb, "%v,%v\n", l.target[i], l.actual[i])
	}

	return file.WriteFileWithSync(path, []byte(sb.String()))
}
