package hal

import (
	"errors"
	"time"

	"tinygo.org/x/drivers"
)

// Logger writes newline-delimited log lines.
type Logger interface {
	WriteLineString(s string)
	WriteLineBytes(b []byte)
}

// LED is a minimal output pin abstraction.
type LED interface {
	High()
	Low()
}

// OutputPin is a push-pull digital output.
type OutputPin interface {
	High()
	Low()
}

// InterruptLine is an edge-triggered input. The handler runs in interrupt
// context: it must be short and must not block.
type InterruptLine interface {
	Enable(fn func()) error
	Disable()
}

// Timer is a free-running microsecond counter with one compare interrupt.
//
// Arm replaces any previously armed compare; the handler fires once per arm.
type Timer interface {
	Now() uint64
	Arm(at uint64)
	Disarm()
	SetHandler(fn func())
}

var ErrNotImplemented = errors.New("not implemented")

// HAL provides the only contact point between the firmware and the board.
type HAL interface {
	Logger() Logger
	LED() LED
	Timer() Timer

	// SPI is the bus shared by everything wired to the Ethernet controller.
	SPI() drivers.SPI
	ChipSelect() OutputPin
	ChipReset() OutputPin
	ChipIRQ() InterruptLine

	// Sleep busy-waits during bring-up, before the scheduler starts.
	Sleep(d time.Duration)
}
