/*
Package sx127x drives a Semtech SX1276/77/78/79 transceiver in LoRa mode for
a LoRaWAN end device.

Every register access goes through a Registers implementation, normally
SPIRegisters on a periph SPI connection. The driver tracks the radio
operating mode as an explicit State and only changes it through writes to
RegOpMode that it issues itself:

	Sleep <-> Standby -> Tx -> Standby
	          Standby -> RxContinuous -> Standby

Modem parameters (frequency, data rate, IQ polarity) can only be changed in
Sleep or Standby.
*/
package sx127x

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/gpio"
)

var (
	ErrNotDetected        = errors.New("sx127x: not detected")
	ErrNotProbed          = errors.New("sx127x: device not probed")
	ErrInvalidState       = errors.New("sx127x: operation not allowed in current state")
	ErrInvalidTransition  = errors.New("sx127x: invalid state transition")
	ErrBusy               = errors.New("sx127x: transmission in progress")
	ErrTransmitTimeout    = errors.New("sx127x: transmit timeout")
	ErrPayloadCRC         = errors.New("sx127x: payload CRC error")
	ErrPacketTooLong      = errors.New("sx127x: packet length out of range")
	ErrBadSpreadingFactor = errors.New("sx127x: bad spreading factor")
	ErrBadBandwidth       = errors.New("sx127x: bad bandwidth")
	ErrBadCodingRate      = errors.New("sx127x: bad coding rate")
)

// EdgeWaiter blocks until the DIO0 line rises or timeout elapses.
// periph's gpio.PinIn satisfies it once configured with gpio.RisingEdge.
type EdgeWaiter interface {
	WaitForEdge(timeout time.Duration) bool
}

// PacketStatus describes the last received packet.
type PacketStatus struct {
	RSSI int
	SNR  float32
}

// Config holds the static radio setup applied by Configure.
type Config struct {
	// TxPower in dBm on the PA_BOOST pin, 2 to 17.
	TxPower        int8
	PreambleLength uint16
	// PrivateNetwork selects sync word 0x12 instead of the LoRaWAN 0x34.
	PrivateNetwork bool
}

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the logger used for state transitions.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Device) { d.log = l }
}

// WithDoneSignal makes Send wait on the DIO0 edge instead of polling
// RegOpMode.
func WithDoneSignal(w EdgeWaiter) Option {
	return func(d *Device) { d.dio0 = w }
}

// WithReset sets the reset line pulsed by Configure.
func WithReset(pin gpio.PinOut) Option {
	return func(d *Device) { d.reset = pin }
}

// WithPollInterval sets the RegOpMode polling period used by Send.
func WithPollInterval(p time.Duration) Option {
	return func(d *Device) { d.pollInterval = p }
}

// WithClock replaces time.Now and time.Sleep.
func WithClock(now func() time.Time, sleep func(time.Duration)) Option {
	return func(d *Device) {
		d.now = now
		d.sleep = sleep
	}
}

// Device is an SX127x in LoRa mode. It is safe for concurrent use; the
// receive handler runs on the goroutine calling Service.
type Device struct {
	mu           sync.Mutex
	regs         Registers
	log          zerolog.Logger
	dio0         EdgeWaiter
	reset        gpio.PinOut
	pollInterval time.Duration
	now          func() time.Time
	sleep        func(time.Duration)

	probed    bool
	state     State
	frequency uint32
	invertIQ  bool
	handler   func([]byte)
	last      PacketStatus
}

// New returns a driver for the radio behind regs. The radio is assumed to
// be in Sleep until Probe confirms it is present.
func New(regs Registers, opts ...Option) *Device {
	d := &Device{
		regs:         regs,
		log:          zerolog.Nop(),
		pollInterval: time.Millisecond,
		now:          time.Now,
		sleep:        time.Sleep,
		state:        StateSleep,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// State returns the operating mode the driver last set.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// LastPacket returns RSSI and SNR of the last received packet.
func (d *Device) LastPacket() PacketStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// ReadRegister reads a raw register.
func (d *Device) ReadRegister(addr uint8) (uint8, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs.ReadRegister(addr)
}

// WriteRegister writes a raw register. Writes to RegOpMode are refused;
// use SetMode so the tracked state stays correct.
func (d *Device) WriteRegister(addr, value uint8) error {
	if addr == RegOpMode {
		return fmt.Errorf("%w: use SetMode", ErrInvalidState)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs.WriteRegister(addr, value)
}

// Reset pulses the reset line when one is configured. The radio comes back
// in FSK sleep, so the device must be probed again.
func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.reset == nil {
		return nil
	}
	if err := d.reset.Out(gpio.Low); err != nil {
		return fmt.Errorf("reset low: %w", err)
	}
	d.sleep(time.Millisecond)
	if err := d.reset.Out(gpio.High); err != nil {
		return fmt.Errorf("reset high: %w", err)
	}
	d.sleep(10 * time.Millisecond)
	d.probed = false
	d.state = StateSleep
	return nil
}

// Probe checks the silicon version and switches the radio to LoRa sleep.
// A failed probe leaves the device unusable until a later probe succeeds.
func (d *Device) Probe() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.probed = false
	d.state = StateSleep

	version, err := d.regs.ReadRegister(RegVersion)
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if version != ExpectedVersion {
		return fmt.Errorf("%w: version 0x%02x, want 0x%02x", ErrNotDetected, version, ExpectedVersion)
	}

	// The LoRa bit can only be changed in sleep.
	if err := d.regs.WriteRegister(RegOpMode, modeSleep); err != nil {
		return err
	}
	if err := d.regs.WriteRegister(RegOpMode, opModeLoRa|modeSleep); err != nil {
		return err
	}
	d.state = StateSleep
	d.probed = true
	d.log.Debug().Uint8("version", version).Msg("sx127x detected")
	return nil
}

// Configure resets and probes the radio, applies cfg and leaves it in
// Standby with normal IQ polarity.
func (d *Device) Configure(cfg Config) error {
	if err := d.Reset(); err != nil {
		return err
	}
	if err := d.Probe(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if cfg.TxPower == 0 {
		cfg.TxPower = maxBoostPowerDBm
	}
	if cfg.PreambleLength == 0 {
		cfg.PreambleLength = defaultPreamble
	}
	syncWord := uint8(syncWordLoRaWAN)
	if cfg.PrivateNetwork {
		syncWord = syncWordPrivate
	}

	writes := []struct{ addr, value uint8 }{
		{RegPaConfig, paConfig(cfg.TxPower)},
		{RegOcp, ocpConfig(defaultOCPmA)},
		{RegLna, lnaMaxGainBoost},
		{RegPreambleMsb, uint8(cfg.PreambleLength >> 8)},
		{RegPreambleLsb, uint8(cfg.PreambleLength)},
		{RegSyncWord, syncWord},
		{RegSymbTimeoutLsb, symbTimeoutLsb},
		{RegMaxPayloadLength, maxPacketLength},
		{RegFifoTxBaseAddr, fifoTxBase},
		{RegFifoRxBaseAddr, fifoRxBase},
		{RegIrqFlagsMask, 0x00},
		{RegIrqFlags, irqAll},
		{RegInvertIQ, invertIQNormal},
		{RegInvertIQ2, invertIQ2Normal},
	}
	for _, w := range writes {
		if err := d.regs.WriteRegister(w.addr, w.value); err != nil {
			return fmt.Errorf("configure: %w", err)
		}
	}
	d.invertIQ = false

	return d.setMode(StateStandby)
}

// SetMode moves the radio to next if the transition is allowed.
func (d *Device) SetMode(next State) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.probed {
		return ErrNotProbed
	}
	return d.setMode(next)
}

// Standby is SetMode(StateStandby). From Tx it aborts the transmission.
func (d *Device) Standby() error {
	return d.SetMode(StateStandby)
}

// Sleep is SetMode(StateSleep).
func (d *Device) Sleep() error {
	return d.SetMode(StateSleep)
}

func (d *Device) setMode(next State) error {
	if !d.state.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.state, next)
	}
	if err := d.regs.WriteRegister(RegOpMode, opModeLoRa|next.modeBits()); err != nil {
		return fmt.Errorf("set mode %s: %w", next, err)
	}
	if d.state != next {
		d.log.Debug().Stringer("from", d.state).Stringer("to", next).Msg("sx127x mode")
	}
	d.state = next
	return nil
}

func (d *Device) checkConfigurable() error {
	if !d.probed {
		return ErrNotProbed
	}
	if !d.state.configurable() {
		return fmt.Errorf("%w: %s", ErrInvalidState, d.state)
	}
	return nil
}

// SetFrequency writes the carrier triple, MSB first. The synthesizer
// latches the value on the LSB write.
func (d *Device) SetFrequency(frf [3]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkConfigurable(); err != nil {
		return err
	}

	for i, addr := range [3]uint8{RegFrfMsb, RegFrfMid, RegFrfLsb} {
		if err := d.regs.WriteRegister(addr, frf[i]); err != nil {
			return fmt.Errorf("set frequency: %w", err)
		}
	}
	d.frequency = uint32((uint64(frf[0])<<16 | uint64(frf[1])<<8 | uint64(frf[2])) * 32000000 >> 19)
	return nil
}

// SetModulation programs spreading factor, bandwidth, coding rate and CRC.
// Low data rate optimization follows the symbol period.
func (d *Device) SetModulation(m Modulation) error {
	if err := m.validate(); err != nil {
		return err
	}
	bw, _ := m.Bandwidth.code()

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkConfigurable(); err != nil {
		return err
	}

	cfg1 := bw<<4 | uint8(m.CodingRate)<<1
	cfg2 := uint8(m.SpreadingFactor) << 4
	if m.CRC {
		cfg2 |= modemCfg2CRC
	}
	cfg3 := uint8(modemCfg3AGC)
	if m.lowDataRateOptimize() {
		cfg3 |= modemCfg3LDRO
	}

	for _, w := range [3][2]uint8{{RegModemConfig1, cfg1}, {RegModemConfig2, cfg2}, {RegModemConfig3, cfg3}} {
		if err := d.regs.WriteRegister(w[0], w[1]); err != nil {
			return fmt.Errorf("set modulation: %w", err)
		}
	}
	return nil
}

// SetDataRate is SetModulation with CRC enabled and the default preamble.
func (d *Device) SetDataRate(sf SpreadingFactor, bw Bandwidth, cr CodingRate) error {
	return d.SetModulation(Modulation{SpreadingFactor: sf, Bandwidth: bw, CodingRate: cr, CRC: true})
}

// SetInvertIQ selects inverted IQ (downlink reception) or normal IQ
// (uplink transmission).
func (d *Device) SetInvertIQ(invert bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkConfigurable(); err != nil {
		return err
	}

	iq, iq2 := uint8(invertIQNormal), uint8(invertIQ2Normal)
	if invert {
		iq, iq2 = invertIQRx, invertIQ2Rx
	}
	if err := d.regs.WriteRegister(RegInvertIQ, iq); err != nil {
		return err
	}
	if err := d.regs.WriteRegister(RegInvertIQ2, iq2); err != nil {
		return err
	}
	d.invertIQ = invert
	return nil
}

// Send loads packet into the FIFO, starts transmission and waits up to
// timeout for the radio to leave Tx. On success the radio is back in
// Standby. On ErrTransmitTimeout it is left in Tx; call Standby to abort.
func (d *Device) Send(packet []byte, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.probed {
		return ErrNotProbed
	}
	switch d.state {
	case StateStandby:
	case StateTx, StateFreqSynthTx:
		return ErrBusy
	default:
		return fmt.Errorf("%w: send from %s", ErrInvalidState, d.state)
	}
	if len(packet) == 0 || len(packet) > maxPacketLength {
		return fmt.Errorf("%w: %d bytes", ErrPacketTooLong, len(packet))
	}

	setup := [][2]uint8{
		{RegIrqFlags, irqAll},
		{RegDioMapping1, dio0TxDone},
		{RegPayloadLength, uint8(len(packet))},
		{RegFifoTxBaseAddr, fifoTxBase},
		{RegFifoAddrPtr, fifoTxBase},
	}
	for _, w := range setup {
		if err := d.regs.WriteRegister(w[0], w[1]); err != nil {
			return fmt.Errorf("send: %w", err)
		}
	}
	for _, b := range packet {
		if err := d.regs.WriteRegister(RegFifo, b); err != nil {
			return fmt.Errorf("send: write fifo: %w", err)
		}
	}

	if err := d.setMode(StateTx); err != nil {
		return err
	}

	var err error
	if d.dio0 != nil {
		err = d.waitTxDoneEdge(timeout)
	} else {
		err = d.pollTxDone(timeout)
	}
	if err != nil {
		return err
	}

	if err := d.regs.WriteRegister(RegIrqFlags, IrqTxDone); err != nil {
		return err
	}
	return d.setMode(StateStandby)
}

func (d *Device) pollTxDone(timeout time.Duration) error {
	deadline := d.now().Add(timeout)
	for {
		mode, err := d.regs.ReadRegister(RegOpMode)
		if err != nil {
			return err
		}
		if mode&opModeMask != modeTx {
			return nil
		}
		if !d.now().Before(deadline) {
			return fmt.Errorf("%w after %s", ErrTransmitTimeout, timeout)
		}
		d.sleep(d.pollInterval)
	}
}

func (d *Device) waitTxDoneEdge(timeout time.Duration) error {
	if !d.dio0.WaitForEdge(timeout) {
		return fmt.Errorf("%w after %s", ErrTransmitTimeout, timeout)
	}
	flags, err := d.regs.ReadRegister(RegIrqFlags)
	if err != nil {
		return err
	}
	if flags&IrqTxDone == 0 {
		return fmt.Errorf("%w: DIO0 raised with IRQ flags %s", ErrTransmitTimeout, IrqString(flags))
	}
	return nil
}

// Receive enters continuous receive with DIO0 mapped to RxDone. handler is
// invoked by Service for every packet with a valid CRC.
func (d *Device) Receive(handler func([]byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.probed {
		return ErrNotProbed
	}
	if d.state != StateStandby {
		return fmt.Errorf("%w: receive from %s", ErrInvalidState, d.state)
	}

	setup := [][2]uint8{
		{RegIrqFlags, irqAll},
		{RegDioMapping1, dio0RxDone},
		{RegFifoRxBaseAddr, fifoRxBase},
		{RegFifoAddrPtr, fifoRxBase},
	}
	for _, w := range setup {
		if err := d.regs.WriteRegister(w[0], w[1]); err != nil {
			return fmt.Errorf("receive: %w", err)
		}
	}
	d.handler = handler
	return d.setMode(StateRxContinuous)
}

// Service checks the IRQ flags while receiving and hands a completed packet
// to the receive handler. It returns ErrPayloadCRC for corrupted packets and
// nil when nothing happened.
func (d *Device) Service() error {
	packet, handler, err := d.service()
	if err != nil || packet == nil || handler == nil {
		return err
	}
	handler(packet)
	return nil
}

func (d *Device) service() ([]byte, func([]byte), error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.probed || (d.state != StateRxContinuous && d.state != StateRxSingle) {
		return nil, nil, nil
	}

	flags, err := d.regs.ReadRegister(RegIrqFlags)
	if err != nil {
		return nil, nil, err
	}
	if flags&(IrqRxDone|IrqRxTimeout) == 0 {
		return nil, nil, nil
	}
	if err := d.regs.WriteRegister(RegIrqFlags, flags); err != nil {
		return nil, nil, err
	}

	// Single receive drops back to standby on its own.
	if d.state == StateRxSingle {
		if err := d.setMode(StateStandby); err != nil {
			return nil, nil, err
		}
	}
	if flags&IrqRxTimeout != 0 {
		return nil, nil, nil
	}
	if flags&IrqPayloadCRC != 0 {
		return nil, nil, ErrPayloadCRC
	}

	n, err := d.regs.ReadRegister(RegRxNbBytes)
	if err != nil {
		return nil, nil, err
	}
	addr, err := d.regs.ReadRegister(RegFifoRxCurrentAddr)
	if err != nil {
		return nil, nil, err
	}
	if err := d.regs.WriteRegister(RegFifoAddrPtr, addr); err != nil {
		return nil, nil, err
	}
	packet := make([]byte, n)
	for i := range packet {
		if packet[i], err = d.regs.ReadRegister(RegFifo); err != nil {
			return nil, nil, fmt.Errorf("read fifo: %w", err)
		}
	}

	snr, err := d.regs.ReadRegister(RegPktSnrValue)
	if err != nil {
		return nil, nil, err
	}
	rssi, err := d.regs.ReadRegister(RegPktRssiValue)
	if err != nil {
		return nil, nil, err
	}
	d.last = PacketStatus{RSSI: d.rssiOffset() + int(rssi), SNR: float32(int8(snr)) / 4}
	d.log.Debug().Int("len", len(packet)).Int("rssi", d.last.RSSI).Float32("snr", d.last.SNR).Msg("sx127x packet received")

	return packet, d.handler, nil
}

// rssiOffset depends on the port in use: LF below 525 MHz, HF above.
func (d *Device) rssiOffset() int {
	if d.frequency != 0 && d.frequency < 525000000 {
		return -164
	}
	return -157
}

func paConfig(dBm int8) uint8 {
	if dBm < minBoostPowerDBm {
		dBm = minBoostPowerDBm
	}
	if dBm > maxBoostPowerDBm {
		dBm = maxBoostPowerDBm
	}
	return paSelectBoost | paMaxPowerBits | uint8(dBm-minBoostPowerDBm)
}

func ocpConfig(mA int) uint8 {
	const ocpOn = 0x20
	var trim int
	switch {
	case mA <= 120:
		trim = (mA - 45) / 5
	case mA <= 240:
		trim = (mA + 30) / 10
	default:
		trim = 27
	}
	if trim < 0 {
		trim = 0
	}
	return ocpOn | uint8(trim)&0x1f
}
