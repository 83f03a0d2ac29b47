package lock

import (
	"runtime"
	"sync/atomic"
)

// SpinLock is a busy-flag for critical sections short enough that
// blocking would cost more than spinning. The spindle RPM regulator
// holds it for the duration of one PID update (a handful of float
// operations plus a PWM write).
type SpinLock uint32

const maxBackOff = 32

func (sl *SpinLock) Lock() {
	backoff := 1
	for !atomic.CompareAndSwapUint32((*uint32)(sl), 0, 1) {
		for i := 0; i < backoff; i++ {
			runtime.Gosched()
		}
		if backoff < maxBackOff {
			backoff <<= 1
		}

	}
}

// TryLock acquires the lock without spinning. Readers that can tolerate
// a stale value use this and skip their update when the writer holds
// the lock.
func (sl *SpinLock) TryLock() bool {
	return atomic.CompareAndSwapUint32((*uint32)(sl), 0, 1)
}

func (sl *SpinLock) UnLock() {
	atomic.CompareAndSwapUint32((*uint32)(sl), 1, 0)
}
