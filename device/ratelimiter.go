package device

import (
	"sync"
	"time"
)

// loadMonitor decides when the device is "under load": handshake
// initiations in the current one-second window beyond UnderLoadRate
// flip it on, and it lingers for UnderLoadAfterTime past the last
// over-quota observation so an attacker cannot toggle the cookie
// requirement on and off by pulsing.
type loadMonitor struct {
	mutex          sync.Mutex
	windowStart    time.Time
	count          int
	underLoadUntil time.Time
}

// registerInitiation counts one incoming initiation and reports
// whether the device should demand cookies right now.
func (lm *loadMonitor) registerInitiation() bool {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	now := time.Now()
	if now.Sub(lm.windowStart) >= time.Second {
		lm.windowStart = now
		lm.count = 0
	}
	lm.count++
	if lm.count > UnderLoadRate {
		lm.underLoadUntil = now.Add(UnderLoadAfterTime)
	}
	return now.Before(lm.underLoadUntil)
}

func (lm *loadMonitor) underLoad() bool {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	return time.Now().Before(lm.underLoadUntil)
}
