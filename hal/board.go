package hal

import "fmt"

// Board describes how the Ethernet controller is wired. Pins are plain GPIO
// numbers; mapping to machine.Pin happens in the backend.
type Board struct {
	Name string

	SPI          string
	SPIFrequency uint32
	SCK, SDO     uint8
	SDI          uint8

	CS  uint8
	INT uint8
	RST uint8

	UARTBaud uint32
}

// PicoW5500 is a Raspberry Pi Pico with a W5500 on SPI1.
var PicoW5500 = Board{
	Name:         "pico-w5500",
	SPI:          "spi1",
	SPIFrequency: 1_000_000,
	SCK:          10,
	SDO:          11,
	SDI:          12,
	CS:           13,
	INT:          14,
	RST:          15,
	UARTBaud:     115200,
}

func (b Board) String() string {
	return fmt.Sprintf("%s %s@%dHz sck=GP%d sdo=GP%d sdi=GP%d cs=GP%d int=GP%d rst=GP%d",
		b.Name, b.SPI, b.SPIFrequency, b.SCK, b.SDO, b.SDI, b.CS, b.INT, b.RST)
}
