package sx127x

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
)

// Registers reads and writes single 8-bit registers of the transceiver.
type Registers interface {
	ReadRegister(addr uint8) (uint8, error)
	WriteRegister(addr, value uint8) error
}

// Bus is a full-duplex SPI transfer. periph's spi.Conn satisfies it.
type Bus interface {
	Tx(w, r []byte) error
}

// SPIRegisters implements Registers on a SPI bus. The high bit of the
// address byte selects a write.
type SPIRegisters struct {
	mu  sync.Mutex
	bus Bus
	cs  gpio.PinOut
	buf [2]byte
	rx  [2]byte
}

// NewSPIRegisters wraps bus. cs is driven low around each transfer when the
// controller does not handle chip select itself; pass nil otherwise.
func NewSPIRegisters(bus Bus, cs gpio.PinOut) *SPIRegisters {
	return &SPIRegisters{bus: bus, cs: cs}
}

// ReadRegister sends [addr&0x7f, 0x00] and returns the second byte clocked in.
func (s *SPIRegisters) ReadRegister(addr uint8) (uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf[0] = addr & 0x7f
	s.buf[1] = 0
	if err := s.transfer(); err != nil {
		return 0, fmt.Errorf("read register 0x%02x: %w", addr, err)
	}
	return s.rx[1], nil
}

// WriteRegister sends [addr|0x80, value].
func (s *SPIRegisters) WriteRegister(addr, value uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf[0] = addr | 0x80
	s.buf[1] = value
	if err := s.transfer(); err != nil {
		return fmt.Errorf("write register 0x%02x: %w", addr, err)
	}
	return nil
}

func (s *SPIRegisters) transfer() (err error) {
	if s.cs != nil {
		if err := s.cs.Out(gpio.Low); err != nil {
			return fmt.Errorf("select: %w", err)
		}
		defer func() {
			if e := s.cs.Out(gpio.High); e != nil && err == nil {
				err = fmt.Errorf("deselect: %w", e)
			}
		}()
	}
	s.rx = [2]byte{}
	return s.bus.Tx(s.buf[:], s.rx[:])
}
