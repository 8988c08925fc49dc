//go:build tinygo && baremetal && rp2040

package hal

import (
	"machine"
	"time"

	"tinygo.org/x/drivers"
)

type rp2040HAL struct {
	logger *uartLogger
	led    *pinLED
	timer  *clockTimer
	spi    *machine.SPI
	cs     *pinLED
	rst    *pinLED
	irq    *pinIRQ
}

// New returns the HAL for a Pico with a W5500 wired per PicoW5500.
//
// UART: UART0 on GP0 (TX) / GP1 (RX), 115200 8N1.
func New() HAL {
	b := PicoW5500

	uart := machine.UART0
	uart.Configure(machine.UARTConfig{
		BaudRate: b.UARTBaud,
		TX:       machine.GP0,
		RX:       machine.GP1,
	})

	ledPin := machine.LED
	ledPin.Configure(machine.PinConfig{Mode: machine.PinOutput})

	spi := machine.SPI1
	spi.Configure(machine.SPIConfig{
		Frequency: b.SPIFrequency,
		SCK:       machine.Pin(b.SCK),
		SDO:       machine.Pin(b.SDO),
		SDI:       machine.Pin(b.SDI),
		Mode:      0,
	})

	return &rp2040HAL{
		logger: &uartLogger{uart: uart},
		led:    &pinLED{pin: ledPin},
		timer:  newClockTimer(),
		spi:    spi,
		cs:     newOutputPin(machine.Pin(b.CS), true),
		rst:    newOutputPin(machine.Pin(b.RST), true),
		irq:    newPinIRQ(machine.Pin(b.INT)),
	}
}

func (h *rp2040HAL) Logger() Logger         { return h.logger }
func (h *rp2040HAL) LED() LED               { return h.led }
func (h *rp2040HAL) Timer() Timer           { return h.timer }
func (h *rp2040HAL) SPI() drivers.SPI       { return h.spi }
func (h *rp2040HAL) ChipSelect() OutputPin  { return h.cs }
func (h *rp2040HAL) ChipReset() OutputPin   { return h.rst }
func (h *rp2040HAL) ChipIRQ() InterruptLine { return h.irq }
func (h *rp2040HAL) Sleep(d time.Duration)  { busyWait(d) }
