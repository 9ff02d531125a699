package bringup

import (
	"errors"
	"time"
)

var errPollTimeout = errors.New("poll timed out")

// pollTimeout calls read until cond holds or timeout elapses, sleeping
// interval between reads. After the deadline it reads once more so a value
// that arrived during the last sleep is not missed. It returns the last value
// read.
func pollTimeout(read func() uint32, cond func(uint32) bool, interval, timeout time.Duration) (uint32, error) {
	deadline := time.Now().Add(timeout)
	for {
		val := read()
		if cond(val) {
			return val, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			val = read()
			if cond(val) {
				return val, nil
			}
			return val, errPollTimeout
		}
		time.Sleep(min(interval, remaining))
	}
}
