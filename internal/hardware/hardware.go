// Package hardware binds the SX127x driver to the host SPI bus and GPIO
// lines through periph.
package hardware

import (
	"errors"
	"fmt"
	"io"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/lorawan-server/lorawan-node/internal/config"
	"github.com/lorawan-server/lorawan-node/pkg/sx127x"
)

var ErrPinNotFound = errors.New("hardware: gpio pin not found")

// Radio is an opened SX127x with the resources it holds.
type Radio struct {
	*sx127x.Device
	port io.Closer
}

// Close releases the SPI port.
func (r *Radio) Close() error {
	return r.port.Close()
}

// pinByName resolves GPIO names; tests replace it.
var pinByName = gpioreg.ByName

// Open initializes the host drivers, opens the SPI port and GPIO lines
// named in cfg and returns the driver. The radio is not configured yet.
func Open(cfg config.RadioConfig, opts ...sx127x.Option) (*Radio, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}

	port, err := spireg.Open(cfg.SPIPort)
	if err != nil {
		return nil, fmt.Errorf("open spi %q: %w", cfg.SPIPort, err)
	}
	// SX127x samples on the rising edge with the clock idle low.
	conn, err := port.Connect(physic.Frequency(cfg.SPISpeed)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("connect spi %q: %w", cfg.SPIPort, err)
	}

	radio, err := newRadio(cfg, conn, port, opts...)
	if err != nil {
		port.Close()
		return nil, err
	}
	return radio, nil
}

// newRadio claims the GPIO lines of cfg and builds the driver on bus.
func newRadio(cfg config.RadioConfig, bus sx127x.Bus, port io.Closer, opts ...sx127x.Option) (*Radio, error) {
	var cs gpio.PinOut
	if cfg.CSPin != "" {
		pin, err := lookup(cfg.CSPin)
		if err != nil {
			return nil, err
		}
		if err := pin.Out(gpio.High); err != nil {
			return nil, fmt.Errorf("chip select %s: %w", cfg.CSPin, err)
		}
		cs = pin
	}

	devOpts := []sx127x.Option{}
	if cfg.ResetPin != "" {
		pin, err := lookup(cfg.ResetPin)
		if err != nil {
			return nil, err
		}
		devOpts = append(devOpts, sx127x.WithReset(pin))
	}
	if cfg.DIO0Pin != "" {
		pin, err := lookup(cfg.DIO0Pin)
		if err != nil {
			return nil, err
		}
		if err := pin.In(gpio.PullDown, gpio.RisingEdge); err != nil {
			return nil, fmt.Errorf("dio0 %s: %w", cfg.DIO0Pin, err)
		}
		devOpts = append(devOpts, sx127x.WithDoneSignal(pin))
	}
	if cfg.PollInterval > 0 {
		devOpts = append(devOpts, sx127x.WithPollInterval(cfg.PollInterval))
	}

	dev := sx127x.New(sx127x.NewSPIRegisters(bus, cs), append(devOpts, opts...)...)
	return &Radio{Device: dev, port: port}, nil
}

func lookup(name string) (gpio.PinIO, error) {
	pin := pinByName(name)
	if pin == nil {
		return nil, fmt.Errorf("%w: %s", ErrPinNotFound, name)
	}
	return pin, nil
}
