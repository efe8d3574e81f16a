package sx127x

import (
	"fmt"
	"time"
)

// SpreadingFactor is the LoRa spreading factor, 6 through 12.
type SpreadingFactor uint8

const (
	SF6 SpreadingFactor = iota + 6
	SF7
	SF8
	SF9
	SF10
	SF11
	SF12
)

// Bandwidth is a LoRa signal bandwidth in Hz.
type Bandwidth uint32

const (
	BW7_8   Bandwidth = 7800
	BW10_4  Bandwidth = 10400
	BW15_6  Bandwidth = 15600
	BW20_8  Bandwidth = 20800
	BW31_25 Bandwidth = 31250
	BW41_7  Bandwidth = 41700
	BW62_5  Bandwidth = 62500
	BW125   Bandwidth = 125000
	BW250   Bandwidth = 250000
	BW500   Bandwidth = 500000
)

var bandwidthCodes = []Bandwidth{BW7_8, BW10_4, BW15_6, BW20_8, BW31_25, BW41_7, BW62_5, BW125, BW250, BW500}

// BandwidthFromKHz maps the kHz figure used by regional plans.
func BandwidthFromKHz(khz int) (Bandwidth, error) {
	switch khz {
	case 125:
		return BW125, nil
	case 250:
		return BW250, nil
	case 500:
		return BW500, nil
	}
	return 0, fmt.Errorf("%w: %d kHz", ErrBadBandwidth, khz)
}

func (bw Bandwidth) code() (uint8, error) {
	for i, b := range bandwidthCodes {
		if b == bw {
			return uint8(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %d Hz", ErrBadBandwidth, uint32(bw))
}

// CodingRate is the forward error correction rate 4/(4+n).
type CodingRate uint8

const (
	CR4_5 CodingRate = iota + 1
	CR4_6
	CR4_7
	CR4_8
)

// Modulation groups the parameters that define air time.
type Modulation struct {
	SpreadingFactor SpreadingFactor
	Bandwidth       Bandwidth
	CodingRate      CodingRate
	PreambleLength  uint16
	CRC             bool
}

func (m Modulation) validate() error {
	switch {
	case m.SpreadingFactor < SF7 || m.SpreadingFactor > SF12:
		return fmt.Errorf("%w: SF%d", ErrBadSpreadingFactor, m.SpreadingFactor)
	case m.CodingRate < CR4_5 || m.CodingRate > CR4_8:
		return fmt.Errorf("%w: %d", ErrBadCodingRate, m.CodingRate)
	}
	_, err := m.Bandwidth.code()
	return err
}

// SymbolPeriod returns the duration of one symbol.
func (m Modulation) SymbolPeriod() time.Duration {
	if m.Bandwidth == 0 {
		return 0
	}
	return time.Second * time.Duration(1<<m.SpreadingFactor) / time.Duration(m.Bandwidth)
}

// lowDataRateOptimize is mandated when the symbol period exceeds 16 ms.
func (m Modulation) lowDataRateOptimize() bool {
	return m.SymbolPeriod() > 16*time.Millisecond
}

// TimeOnAir estimates the transmission time of an explicit-header packet
// with payloadLength bytes, rounding the preamble tail up.
func (m Modulation) TimeOnAir(payloadLength int) time.Duration {
	if m.Bandwidth == 0 {
		return 0
	}
	crc := int64(0)
	if m.CRC {
		crc = 1
	}
	ldro := int64(0)
	if m.lowDataRateOptimize() {
		ldro = 1
	}
	sf := int64(m.SpreadingFactor)
	preamble := int64(m.PreambleLength)
	if preamble == 0 {
		preamble = defaultPreamble
	}

	n := 8*int64(payloadLength) - 4*sf + 28 + 16*crc
	div := 4 * (sf - 2*ldro)
	if n < 0 || div <= 0 {
		n = 0
	} else {
		n = (n + div - 1) / div * (int64(m.CodingRate) + 4)
	}
	symbols := n + 8 + preamble + 5

	return time.Duration(symbols) * m.SymbolPeriod()
}
