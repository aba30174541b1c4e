package engine

import "time"

// Clock: источник времени. В тестах подменяется фиксированными часами.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock: реальное время в UTC.
func SystemClock() Clock { return systemClock{} }
