package sx127x

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

func newTestDevice(t *testing.T, opts ...Option) (*Device, *fakeRadio, *fakeClock) {
	t.Helper()

	radio := newFakeRadio()
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now, clock.Sleep)}, opts...)
	d := New(radio, opts...)
	require.NoError(t, d.Configure(Config{}))
	require.Equal(t, StateStandby, d.State())
	radio.resetWrites()
	return d, radio, clock
}

func TestProbeNotDetected(t *testing.T) {
	radio := newFakeRadio()
	radio.regs[RegVersion] = 0x00
	d := New(radio)

	err := d.Probe()
	assert.ErrorIs(t, err, ErrNotDetected)

	assert.ErrorIs(t, d.SetFrequency([3]byte{0xd9, 0x06, 0x66}), ErrNotProbed)
	assert.ErrorIs(t, d.Send([]byte{1}, time.Second), ErrNotProbed)
	assert.ErrorIs(t, d.Standby(), ErrNotProbed)
	assert.ErrorIs(t, d.Receive(func([]byte) {}), ErrNotProbed)
	assert.Equal(t, StateSleep, d.State())
}

func TestFailedReprobeDisablesDevice(t *testing.T) {
	d, radio, _ := newTestDevice(t)

	radio.mu.Lock()
	radio.regs[RegVersion] = 0x00
	radio.mu.Unlock()

	assert.ErrorIs(t, d.Probe(), ErrNotDetected)
	assert.Equal(t, StateSleep, d.State())
	assert.ErrorIs(t, d.Send([]byte{1}, time.Second), ErrNotProbed)
	assert.ErrorIs(t, d.SetMode(StateStandby), ErrNotProbed)
	assert.Empty(t, radio.writesTo(RegFifo))

	radio.mu.Lock()
	radio.regs[RegVersion] = ExpectedVersion
	radio.mu.Unlock()

	require.NoError(t, d.Probe())
	assert.NoError(t, d.Standby())
}

func TestConfigure(t *testing.T) {
	radio := newFakeRadio()
	clock := newFakeClock()
	reset := &gpiotest.Pin{N: "RST", L: gpio.Low}
	d := New(radio, WithClock(clock.Now, clock.Sleep), WithReset(reset))

	require.NoError(t, d.Configure(Config{}))

	assert.Equal(t, StateStandby, d.State())
	assert.Equal(t, gpio.High, reset.Read())
	assert.Equal(t, uint8(opModeLoRa|modeStandby), radio.reg(RegOpMode))
	assert.Equal(t, uint8(0xff), radio.reg(RegPaConfig))
	assert.Equal(t, uint8(syncWordLoRaWAN), radio.reg(RegSyncWord))
	assert.Equal(t, uint8(8), radio.reg(RegPreambleLsb))
	assert.Equal(t, uint8(fifoTxBase), radio.reg(RegFifoTxBaseAddr))
	assert.Equal(t, []uint8{modeSleep, opModeLoRa | modeSleep, opModeLoRa | modeStandby}, radio.writesTo(RegOpMode))
}

func TestConfigurePrivateNetworkAndPower(t *testing.T) {
	radio := newFakeRadio()
	d := New(radio)

	require.NoError(t, d.Configure(Config{TxPower: 14, PrivateNetwork: true}))
	assert.Equal(t, uint8(0xfc), radio.reg(RegPaConfig))
	assert.Equal(t, uint8(syncWordPrivate), radio.reg(RegSyncWord))
}

func TestSetFrequencyWritesMSBFirst(t *testing.T) {
	d, radio, _ := newTestDevice(t)

	require.NoError(t, d.SetFrequency([3]byte{0xd9, 0x06, 0x66}))

	assert.Equal(t, []regWrite{
		{RegFrfMsb, 0xd9},
		{RegFrfMid, 0x06},
		{RegFrfLsb, 0x66},
	}, radio.writes)
}

func TestSetDataRate(t *testing.T) {
	tests := []struct {
		name             string
		sf               SpreadingFactor
		bw               Bandwidth
		cfg1, cfg2, cfg3 uint8
	}{
		{"SF7BW125", SF7, BW125, 0x72, 0x74, 0x04},
		{"SF7BW250", SF7, BW250, 0x82, 0x74, 0x04},
		{"SF9BW125", SF9, BW125, 0x72, 0x94, 0x04},
		{"SF11BW125", SF11, BW125, 0x72, 0xb4, 0x0c},
		{"SF12BW125", SF12, BW125, 0x72, 0xc4, 0x0c},
		{"SF12BW500", SF12, BW500, 0x92, 0xc4, 0x04},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, radio, _ := newTestDevice(t)

			require.NoError(t, d.SetDataRate(tt.sf, tt.bw, CR4_5))
			assert.Equal(t, tt.cfg1, radio.reg(RegModemConfig1))
			assert.Equal(t, tt.cfg2, radio.reg(RegModemConfig2))
			assert.Equal(t, tt.cfg3, radio.reg(RegModemConfig3))
		})
	}
}

func TestSetDataRateRejectsBadParameters(t *testing.T) {
	d, _, _ := newTestDevice(t)

	assert.ErrorIs(t, d.SetDataRate(SpreadingFactor(13), BW125, CR4_5), ErrBadSpreadingFactor)
	assert.ErrorIs(t, d.SetDataRate(SF7, Bandwidth(100000), CR4_5), ErrBadBandwidth)
	assert.ErrorIs(t, d.SetDataRate(SF7, BW125, CodingRate(7)), ErrBadCodingRate)
}

func TestSetInvertIQ(t *testing.T) {
	d, radio, _ := newTestDevice(t)

	require.NoError(t, d.SetInvertIQ(true))
	assert.Equal(t, uint8(invertIQRx), radio.reg(RegInvertIQ))
	assert.Equal(t, uint8(invertIQ2Rx), radio.reg(RegInvertIQ2))

	require.NoError(t, d.SetInvertIQ(false))
	assert.Equal(t, uint8(invertIQNormal), radio.reg(RegInvertIQ))
	assert.Equal(t, uint8(invertIQ2Normal), radio.reg(RegInvertIQ2))
}

func TestSend(t *testing.T) {
	d, radio, _ := newTestDevice(t)
	packet := []byte{0x40, 0xda, 0x1b, 0x01, 0x26, 0x00, 0x00, 0x00, 0x01}

	require.NoError(t, d.Send(packet, time.Second))

	assert.Equal(t, StateStandby, d.State())
	assert.Equal(t, uint8(len(packet)), radio.reg(RegPayloadLength))
	assert.Equal(t, packet, radio.fifo[fifoTxBase:fifoTxBase+len(packet)])
	assert.Equal(t, uint8(dio0TxDone), radio.reg(RegDioMapping1))
	assert.Equal(t, []uint8{opModeLoRa | modeTx, opModeLoRa | modeStandby}, radio.writesTo(RegOpMode))
	assert.Zero(t, radio.reg(RegIrqFlags)&IrqTxDone, "TxDone must be cleared")
}

func TestSendTimeoutLeavesTx(t *testing.T) {
	d, radio, clock := newTestDevice(t, WithPollInterval(10*time.Millisecond))
	radio.txReads = -1
	start := clock.Now()

	err := d.Send([]byte{1, 2, 3}, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrTransmitTimeout)
	assert.Equal(t, StateTx, d.State())
	assert.GreaterOrEqual(t, clock.Now().Sub(start), 100*time.Millisecond)

	assert.ErrorIs(t, d.Send([]byte{1}, time.Second), ErrBusy)
	assert.ErrorIs(t, d.SetFrequency([3]byte{1, 2, 3}), ErrInvalidState)
	assert.ErrorIs(t, d.SetInvertIQ(true), ErrInvalidState)
	assert.ErrorIs(t, d.Receive(nil), ErrInvalidState)

	require.NoError(t, d.Standby())
	radio.txReads = 1
	assert.NoError(t, d.Send([]byte{1}, time.Second))
}

func TestSendRequiresStandby(t *testing.T) {
	d, _, _ := newTestDevice(t)
	require.NoError(t, d.Sleep())

	assert.ErrorIs(t, d.Send([]byte{1}, time.Second), ErrInvalidState)
	assert.Equal(t, StateSleep, d.State())

	require.NoError(t, d.Standby())
	assert.ErrorIs(t, d.Send(nil, time.Second), ErrPacketTooLong)
	assert.ErrorIs(t, d.Send(make([]byte, 256), time.Second), ErrPacketTooLong)
}

func TestSendWithDoneSignal(t *testing.T) {
	dio0 := &gpiotest.Pin{N: "DIO0", EdgesChan: make(chan gpio.Level, 1)}
	d, radio, _ := newTestDevice(t, WithDoneSignal(dio0))
	radio.txReads = -1
	radio.onTx = func() {
		radio.finishTx()
		dio0.EdgesChan <- gpio.High
	}

	require.NoError(t, d.Send([]byte{0xaa, 0xbb}, time.Second))
	assert.Equal(t, StateStandby, d.State())
}

func TestSendWithDoneSignalTimeout(t *testing.T) {
	dio0 := &gpiotest.Pin{N: "DIO0", EdgesChan: make(chan gpio.Level)}
	d, radio, _ := newTestDevice(t, WithDoneSignal(dio0))
	radio.txReads = -1

	err := d.Send([]byte{0xaa}, 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrTransmitTimeout)
	assert.Equal(t, StateTx, d.State())
}

func TestSetModeGuards(t *testing.T) {
	d, _, _ := newTestDevice(t)

	require.NoError(t, d.Sleep())
	assert.ErrorIs(t, d.SetMode(StateTx), ErrInvalidTransition)
	assert.ErrorIs(t, d.SetMode(StateRxContinuous), ErrInvalidTransition)
	require.NoError(t, d.SetMode(StateStandby))
	require.NoError(t, d.SetMode(StateFreqSynthTx))
	assert.ErrorIs(t, d.SetMode(StateRxContinuous), ErrInvalidTransition)
	require.NoError(t, d.SetMode(StateSleep))

	assert.Error(t, d.WriteRegister(RegOpMode, opModeLoRa|modeTx))
}

func TestReceiveAndService(t *testing.T) {
	d, radio, _ := newTestDevice(t)
	require.NoError(t, d.SetFrequency([3]byte{0xd9, 0x06, 0x66}))

	var got [][]byte
	require.NoError(t, d.Receive(func(p []byte) { got = append(got, p) }))
	assert.Equal(t, StateRxContinuous, d.State())
	assert.Equal(t, uint8(dio0RxDone), radio.reg(RegDioMapping1))

	require.NoError(t, d.Service())
	assert.Empty(t, got)

	radio.deliver([]byte{0x60, 1, 2, 3}, IrqRxDone|IrqValidHdr)
	require.NoError(t, d.Service())
	require.Len(t, got, 1)
	assert.Equal(t, []byte{0x60, 1, 2, 3}, got[0])
	assert.Zero(t, radio.reg(RegIrqFlags))
	assert.Equal(t, PacketStatus{RSSI: -97, SNR: 8}, d.LastPacket())
	assert.Equal(t, StateRxContinuous, d.State())

	radio.deliver([]byte{0xff}, IrqRxDone|IrqPayloadCRC)
	assert.ErrorIs(t, d.Service(), ErrPayloadCRC)
	assert.Len(t, got, 1)

	require.NoError(t, d.Standby())
	assert.NoError(t, d.Service())
}

func TestReceiveSingleReturnsToStandby(t *testing.T) {
	d, radio, _ := newTestDevice(t)
	require.NoError(t, d.SetMode(StateRxSingle))

	radio.deliver(nil, IrqRxTimeout)
	require.NoError(t, d.Service())
	assert.Equal(t, StateStandby, d.State())
}

func TestIrqString(t *testing.T) {
	assert.Equal(t, "[]", IrqString(0))
	assert.Equal(t, "[TxDone,RxDone]", IrqString(IrqTxDone|IrqRxDone))
}

func TestTimeOnAir(t *testing.T) {
	m := Modulation{SpreadingFactor: SF7, Bandwidth: BW125, CodingRate: CR4_5, CRC: true}
	assert.Equal(t, 1024*time.Microsecond, m.SymbolPeriod())

	// 21 byte frame at SF7BW125: 35 payload symbols + 21 overhead.
	assert.Equal(t, 56*1024*time.Microsecond, m.TimeOnAir(21))

	slow := Modulation{SpreadingFactor: SF12, Bandwidth: BW125, CodingRate: CR4_5, CRC: true}
	assert.True(t, slow.lowDataRateOptimize())
	assert.Greater(t, slow.TimeOnAir(21), time.Second)
}

func TestBandwidthFromKHz(t *testing.T) {
	bw, err := BandwidthFromKHz(250)
	require.NoError(t, err)
	assert.Equal(t, BW250, bw)

	_, err = BandwidthFromKHz(300)
	assert.ErrorIs(t, err, ErrBadBandwidth)
}
