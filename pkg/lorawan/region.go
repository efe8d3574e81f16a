package lorawan

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrUnsupportedRegion = errors.New("lorawan: unsupported region")
	ErrChannelOutOfRange = errors.New("lorawan: channel out of range")
	ErrUnknownDataRate   = errors.New("lorawan: unknown data rate")
)

// RegionCode identifies a regional channel plan.
type RegionCode string

const (
	EU868 RegionCode = "EU868"
	US915 RegionCode = "US915"
	AU915 RegionCode = "AU915"
	AS923 RegionCode = "AS923"
	IN865 RegionCode = "IN865"
	CN470 RegionCode = "CN470"
)

// ParseRegionCode accepts the region names used in configuration files,
// case-insensitively.
func ParseRegionCode(s string) (RegionCode, error) {
	code := RegionCode(strings.ToUpper(strings.TrimSpace(s)))
	if code == "CN470_510" {
		code = CN470
	}
	if _, ok := regions[code]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedRegion, s)
	}
	return code, nil
}

// DataRate represents a data rate configuration
type DataRate struct {
	SpreadFactor int
	Bandwidth    int // kHz
}

func (d DataRate) String() string {
	return fmt.Sprintf("SF%dBW%d", d.SpreadFactor, d.Bandwidth)
}

// ParseDataRate parses the "SF7BW125" notation.
func ParseDataRate(s string) (DataRate, error) {
	u := strings.ToUpper(strings.TrimSpace(s))
	i := strings.Index(u, "BW")
	if !strings.HasPrefix(u, "SF") || i < 0 {
		return DataRate{}, fmt.Errorf("%w: %q", ErrUnknownDataRate, s)
	}
	sf, err := strconv.Atoi(u[2:i])
	if err != nil || sf < 6 || sf > 12 {
		return DataRate{}, fmt.Errorf("%w: %q", ErrUnknownDataRate, s)
	}
	bw, err := strconv.Atoi(u[i+2:])
	if err != nil {
		return DataRate{}, fmt.Errorf("%w: %q", ErrUnknownDataRate, s)
	}
	switch bw {
	case 125, 250, 500:
	default:
		return DataRate{}, fmt.Errorf("%w: %q", ErrUnknownDataRate, s)
	}
	return DataRate{SpreadFactor: sf, Bandwidth: bw}, nil
}

// FrequencyTriple is the 3-byte carrier value for the FRF MSB/MID/LSB
// registers, MSB first.
type FrequencyTriple [3]byte

// crystal frequency of the reference design, FRF step is 32 MHz / 2^19.
const fxosc = 32000000

// FrequencyToTriple converts a carrier frequency in Hz.
func FrequencyToTriple(hz uint32) FrequencyTriple {
	frf := (uint64(hz) << 19) / fxosc
	return FrequencyTriple{byte(frf >> 16), byte(frf >> 8), byte(frf)}
}

// Hz converts the register value back to a frequency, rounded down.
func (t FrequencyTriple) Hz() uint32 {
	frf := uint64(t[0])<<16 | uint64(t[1])<<8 | uint64(t[2])
	return uint32((frf * fxosc) >> 19)
}

// RegionConfiguration represents region-specific configuration
type RegionConfiguration struct {
	Name RegionCode
	// UplinkChannels holds the channel frequencies in Hz, indexed by
	// channel number.
	UplinkChannels      []uint32
	DataRates           map[int]DataRate
	MaxPayloadSizePerDR map[int]int
	DefaultRX2DR        int
	DefaultRX2Freq      uint32

	rx1Frequency func(channel int, uplinkFreq uint32) uint32
	rx1DataRate  func(uplinkDR int) int
}

// Frequency returns the uplink frequency of channel in Hz.
func (r *RegionConfiguration) Frequency(channel uint8) (uint32, error) {
	if int(channel) >= len(r.UplinkChannels) {
		return 0, fmt.Errorf("%w: %s has %d channels, got %d", ErrChannelOutOfRange, r.Name, len(r.UplinkChannels), channel)
	}
	return r.UplinkChannels[channel], nil
}

// DataRateIndex returns the uplink DR index of dr.
func (r *RegionConfiguration) DataRateIndex(dr DataRate) (int, error) {
	for i := 0; i < 8; i++ {
		if d, ok := r.DataRates[i]; ok && d == dr {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %s in %s", ErrUnknownDataRate, dr, r.Name)
}

// RX1 returns the first receive window frequency and data rate for an
// uplink sent on channel at uplinkDR, with RX1DROffset 0.
func (r *RegionConfiguration) RX1(channel uint8, uplinkDR int) (uint32, DataRate, error) {
	freq, err := r.Frequency(channel)
	if err != nil {
		return 0, DataRate{}, err
	}
	dr := uplinkDR
	if r.rx1DataRate != nil {
		dr = r.rx1DataRate(uplinkDR)
	}
	rate, ok := r.DataRates[dr]
	if !ok {
		return 0, DataRate{}, fmt.Errorf("%w: DR%d in %s", ErrUnknownDataRate, dr, r.Name)
	}
	if r.rx1Frequency != nil {
		freq = r.rx1Frequency(int(channel), freq)
	}
	return freq, rate, nil
}

// RX2 returns the second receive window frequency and data rate.
func (r *RegionConfiguration) RX2() (uint32, DataRate) {
	return r.DefaultRX2Freq, r.DataRates[r.DefaultRX2DR]
}

// MaxPayloadSize returns the largest FRMPayload allowed at dr, capped at
// MaxFRMPayloadSize.
func (r *RegionConfiguration) MaxPayloadSize(dr int) int {
	n, ok := r.MaxPayloadSizePerDR[dr]
	if !ok || n > MaxFRMPayloadSize {
		return MaxFRMPayloadSize
	}
	return n
}

// PlanFor returns a copy of the plan of region.
func PlanFor(region RegionCode) (RegionConfiguration, error) {
	r, ok := regions[region]
	if !ok {
		return RegionConfiguration{}, fmt.Errorf("%w: %q", ErrUnsupportedRegion, region)
	}
	c := *r
	c.UplinkChannels = append([]uint32(nil), r.UplinkChannels...)
	return c, nil
}

// FrequencyFor returns the carrier triple for channel of region.
func FrequencyFor(region RegionCode, channel uint8) (FrequencyTriple, error) {
	r, ok := regions[region]
	if !ok {
		return FrequencyTriple{}, fmt.Errorf("%w: %q", ErrUnsupportedRegion, region)
	}
	hz, err := r.Frequency(channel)
	if err != nil {
		return FrequencyTriple{}, err
	}
	return FrequencyToTriple(hz), nil
}

var regions = map[RegionCode]*RegionConfiguration{
	EU868: &eu868Configuration,
	US915: &us915Configuration,
	AU915: &au915Configuration,
	AS923: &as923Configuration,
	IN865: &in865Configuration,
	CN470: &cn470Configuration,
}

var euLikeDataRates = map[int]DataRate{
	0: {SpreadFactor: 12, Bandwidth: 125},
	1: {SpreadFactor: 11, Bandwidth: 125},
	2: {SpreadFactor: 10, Bandwidth: 125},
	3: {SpreadFactor: 9, Bandwidth: 125},
	4: {SpreadFactor: 8, Bandwidth: 125},
	5: {SpreadFactor: 7, Bandwidth: 125},
	6: {SpreadFactor: 7, Bandwidth: 250},
}

var euLikeMaxPayload = map[int]int{
	0: 51, 1: 51, 2: 51, 3: 115, 4: 222, 5: 222, 6: 222,
}

// eu868Configuration for EU 868MHz band
var eu868Configuration = RegionConfiguration{
	Name: EU868,
	UplinkChannels: []uint32{
		868100000, 868300000, 868500000, 867100000,
		867300000, 867500000, 867700000, 867900000,
	},
	DataRates:           euLikeDataRates,
	MaxPayloadSizePerDR: euLikeMaxPayload,
	DefaultRX2DR:        0,
	DefaultRX2Freq:      869525000,
}

// us915Configuration covers sub-band 2 (channels 8-15 of the full plan).
var us915Configuration = RegionConfiguration{
	Name:           US915,
	UplinkChannels: channelRange(903900000, 200000, 8),
	DataRates: map[int]DataRate{
		0:  {SpreadFactor: 10, Bandwidth: 125},
		1:  {SpreadFactor: 9, Bandwidth: 125},
		2:  {SpreadFactor: 8, Bandwidth: 125},
		3:  {SpreadFactor: 7, Bandwidth: 125},
		4:  {SpreadFactor: 8, Bandwidth: 500},
		8:  {SpreadFactor: 12, Bandwidth: 500},
		9:  {SpreadFactor: 11, Bandwidth: 500},
		10: {SpreadFactor: 10, Bandwidth: 500},
		11: {SpreadFactor: 9, Bandwidth: 500},
		12: {SpreadFactor: 8, Bandwidth: 500},
		13: {SpreadFactor: 7, Bandwidth: 500},
	},
	MaxPayloadSizePerDR: map[int]int{
		0: 11, 1: 53, 2: 125, 3: 222, 4: 222,
	},
	DefaultRX2DR:   8,
	DefaultRX2Freq: 923300000,
	rx1Frequency:   downlinkChannel(923300000, 600000, 8),
	rx1DataRate:    rx1Shift(10, 13),
}

// au915Configuration covers sub-band 2.
var au915Configuration = RegionConfiguration{
	Name:           AU915,
	UplinkChannels: channelRange(916800000, 200000, 8),
	DataRates: map[int]DataRate{
		0:  {SpreadFactor: 12, Bandwidth: 125},
		1:  {SpreadFactor: 11, Bandwidth: 125},
		2:  {SpreadFactor: 10, Bandwidth: 125},
		3:  {SpreadFactor: 9, Bandwidth: 125},
		4:  {SpreadFactor: 8, Bandwidth: 125},
		5:  {SpreadFactor: 7, Bandwidth: 125},
		6:  {SpreadFactor: 8, Bandwidth: 500},
		8:  {SpreadFactor: 12, Bandwidth: 500},
		9:  {SpreadFactor: 11, Bandwidth: 500},
		10: {SpreadFactor: 10, Bandwidth: 500},
		11: {SpreadFactor: 9, Bandwidth: 500},
		12: {SpreadFactor: 8, Bandwidth: 500},
		13: {SpreadFactor: 7, Bandwidth: 500},
	},
	MaxPayloadSizePerDR: map[int]int{
		0: 51, 1: 51, 2: 51, 3: 115, 4: 222, 5: 222, 6: 222,
	},
	DefaultRX2DR:   8,
	DefaultRX2Freq: 923300000,
	rx1Frequency:   downlinkChannel(923300000, 600000, 8),
	rx1DataRate:    rx1Shift(8, 13),
}

var as923Configuration = RegionConfiguration{
	Name: AS923,
	UplinkChannels: []uint32{
		923200000, 923400000, 922200000, 922400000,
		922600000, 922800000, 923000000, 922000000,
	},
	DataRates:           euLikeDataRates,
	MaxPayloadSizePerDR: euLikeMaxPayload,
	DefaultRX2DR:        2,
	DefaultRX2Freq:      923200000,
}

var in865Configuration = RegionConfiguration{
	Name:                IN865,
	UplinkChannels:      []uint32{865062500, 865402500, 865985000},
	DataRates:           euLikeDataRates,
	MaxPayloadSizePerDR: euLikeMaxPayload,
	DefaultRX2DR:        2,
	DefaultRX2Freq:      866550000,
}

// cn470Configuration uses the first eight uplink channels and the
// standard FDD downlink band (RX1 = 500.3 MHz + 0.2 MHz * (ch mod 48)).
var cn470Configuration = RegionConfiguration{
	Name:           CN470,
	UplinkChannels: channelRange(470300000, 200000, 8),
	DataRates: map[int]DataRate{
		0: {SpreadFactor: 12, Bandwidth: 125},
		1: {SpreadFactor: 11, Bandwidth: 125},
		2: {SpreadFactor: 10, Bandwidth: 125},
		3: {SpreadFactor: 9, Bandwidth: 125},
		4: {SpreadFactor: 8, Bandwidth: 125},
		5: {SpreadFactor: 7, Bandwidth: 125},
	},
	MaxPayloadSizePerDR: map[int]int{
		0: 51, 1: 51, 2: 51, 3: 115, 4: 222, 5: 222,
	},
	DefaultRX2DR:   0,
	DefaultRX2Freq: 505300000,
	rx1Frequency:   downlinkChannel(500300000, 200000, 48),
}

func channelRange(base, step uint32, n int) []uint32 {
	channels := make([]uint32, n)
	for i := range channels {
		channels[i] = base + uint32(i)*step
	}
	return channels
}

func downlinkChannel(base, step uint32, n int) func(int, uint32) uint32 {
	return func(channel int, _ uint32) uint32 {
		return base + uint32(channel%n)*step
	}
}

func rx1Shift(offset, highest int) func(int) int {
	return func(dr int) int {
		dr += offset
		if dr > highest {
			dr = highest
		}
		return dr
	}
}
