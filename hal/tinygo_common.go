//go:build tinygo && baremetal

package hal

import (
	"machine"
	"time"
)

type uartLogger struct {
	uart *machine.UART
}

func (l *uartLogger) WriteLineString(s string) {
	for i := 0; i < len(s); i++ {
		l.uart.WriteByte(s[i])
	}
	l.uart.WriteByte('\r')
	l.uart.WriteByte('\n')
}

func (l *uartLogger) WriteLineBytes(b []byte) {
	l.uart.Write(b)
	l.uart.WriteByte('\r')
	l.uart.WriteByte('\n')
}

type pinLED struct {
	pin machine.Pin
}

func (l *pinLED) High() { l.pin.High() }
func (l *pinLED) Low()  { l.pin.Low() }

func newOutputPin(pin machine.Pin, initial bool) *pinLED {
	pin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	pin.Set(initial)
	return &pinLED{pin: pin}
}

// pinIRQ is an active-low interrupt input.
type pinIRQ struct {
	pin machine.Pin
}

func newPinIRQ(pin machine.Pin) *pinIRQ {
	pin.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
	return &pinIRQ{pin: pin}
}

func (l *pinIRQ) Enable(fn func()) error {
	if fn == nil {
		return ErrNotImplemented
	}
	return l.pin.SetInterrupt(machine.PinFalling, func(machine.Pin) { fn() })
}

func (l *pinIRQ) Disable() {
	l.pin.SetInterrupt(0, nil)
}

func busyWait(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
	}
}
