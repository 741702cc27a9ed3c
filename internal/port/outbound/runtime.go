package outbound

import "time"

// Clock supplies wall-clock time. Injected so tests control timestamps and
// span durations.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// IDSource mints unique identifiers for events and spans.
type IDSource interface {
	NewID() string
}

// IDFunc adapts a function to the IDSource interface.
type IDFunc func() string

func (f IDFunc) NewID() string { return f() }
