//go:build !tinygo

package hal

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"tinygo.org/x/drivers"
)

// HostConfig configures the host HAL.
type HostConfig struct {
	// Timer overrides the real-time timer, typically with a ManualTimer.
	Timer Timer
	// Log receives log lines; defaults to stdout.
	Log io.Writer
	// Quiet suppresses LED change lines.
	Quiet bool
}

// Host is the host HAL: a simulated W5500 on a simulated SPI bus.
type Host struct {
	logger *hostLogger
	led    *hostLED
	timer  Timer
	chip   *SimChip
}

var _ HAL = (*Host)(nil)

// NewHost returns a host HAL implementation.
func NewHost(cfg HostConfig) *Host {
	w := cfg.Log
	if w == nil {
		w = os.Stdout
	}
	logger := &hostLogger{w: w}
	t := cfg.Timer
	if t == nil {
		t = newClockTimer()
	}
	return &Host{
		logger: logger,
		led:    &hostLED{logger: logger, quiet: cfg.Quiet},
		timer:  t,
		chip:   NewSimChip(),
	}
}

func (h *Host) Logger() Logger             { return h.logger }
func (h *Host) LED() LED                   { return h.led }
func (h *Host) Timer() Timer               { return h.timer }
func (h *Host) SPI() drivers.SPI           { return h.chip }
func (h *Host) ChipSelect() OutputPin      { return h.chip.ChipSelect() }
func (h *Host) ChipReset() OutputPin       { return h.chip.ResetPin() }
func (h *Host) ChipIRQ() InterruptLine     { return h.chip.IRQ() }
func (h *Host) Chip() *SimChip             { return h.chip }
func (h *Host) LEDState() (on bool, n int) { return h.led.state() }

// Sleep advances a manual timer, or sleeps for real.
func (h *Host) Sleep(d time.Duration) {
	if mt, ok := h.timer.(*ManualTimer); ok {
		mt.Advance(d)
		return
	}
	time.Sleep(d)
}

type hostLogger struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *hostLogger) WriteLineString(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, s)
}

func (l *hostLogger) WriteLineBytes(b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Write(b)
	l.w.Write([]byte{'\n'})
}

type hostLED struct {
	mu      sync.Mutex
	on      bool
	changes int
	quiet   bool
	logger  *hostLogger
}

func (l *hostLED) High() { l.set(true) }
func (l *hostLED) Low()  { l.set(false) }

func (l *hostLED) set(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.on == on {
		return
	}
	l.on = on
	l.changes++
	if l.quiet {
		return
	}
	if on {
		l.logger.WriteLineString("led: HIGH")
	} else {
		l.logger.WriteLineString("led: LOW")
	}
}

func (l *hostLED) state() (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.on, l.changes
}
