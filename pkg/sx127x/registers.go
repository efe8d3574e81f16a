package sx127x

import "strings"

// Register addresses in LoRa mode.
const (
	RegFifo              = 0x00
	RegOpMode            = 0x01
	RegFrfMsb            = 0x06
	RegFrfMid            = 0x07
	RegFrfLsb            = 0x08
	RegPaConfig          = 0x09
	RegOcp               = 0x0b
	RegLna               = 0x0c
	RegFifoAddrPtr       = 0x0d
	RegFifoTxBaseAddr    = 0x0e
	RegFifoRxBaseAddr    = 0x0f
	RegFifoRxCurrentAddr = 0x10
	RegIrqFlagsMask      = 0x11
	RegIrqFlags          = 0x12
	RegRxNbBytes         = 0x13
	RegPktSnrValue       = 0x19
	RegPktRssiValue      = 0x1a
	RegModemConfig1      = 0x1d
	RegModemConfig2      = 0x1e
	RegSymbTimeoutLsb    = 0x1f
	RegPreambleMsb       = 0x20
	RegPreambleLsb       = 0x21
	RegPayloadLength     = 0x22
	RegMaxPayloadLength  = 0x23
	RegModemConfig3      = 0x26
	RegInvertIQ          = 0x33
	RegSyncWord          = 0x39
	RegInvertIQ2         = 0x3b
	RegDioMapping1       = 0x40
	RegVersion           = 0x42
)

// ExpectedVersion is the silicon revision reported by SX1276/77/78/79.
const ExpectedVersion = 0x12

// Op mode register bits.
const (
	opModeLoRa = 0x80
	opModeMask = 0x07

	modeSleep        = 0x00
	modeStandby      = 0x01
	modeFreqSynthTx  = 0x02
	modeTx           = 0x03
	modeFreqSynthRx  = 0x04
	modeRxContinuous = 0x05
	modeRxSingle     = 0x06
)

// IRQ flag bits of RegIrqFlags. Writing a one clears the flag.
const (
	IrqRxTimeout  = 0x80
	IrqRxDone     = 0x40
	IrqPayloadCRC = 0x20
	IrqValidHdr   = 0x10
	IrqTxDone     = 0x08
	IrqCadDone    = 0x04
	IrqFhssChange = 0x02
	IrqCadDetect  = 0x01
	irqAll        = 0xff
)

// DIO0 mapping in RegDioMapping1 bits 7-6.
const (
	dio0RxDone = 0x00
	dio0TxDone = 0x40
)

// FIFO layout: receive in the lower half, transmit in the upper half.
const (
	fifoRxBase = 0x00
	fifoTxBase = 0x80
)

// Values for RegInvertIQ / RegInvertIQ2.
const (
	invertIQNormal   = 0x27
	invertIQ2Normal  = 0x1d
	invertIQRx       = 0x66
	invertIQ2Rx      = 0x19
	syncWordLoRaWAN  = 0x34
	syncWordPrivate  = 0x12
	lnaMaxGainBoost  = 0x23
	modemCfg3AGC     = 0x04
	modemCfg3LDRO    = 0x08
	modemCfg2CRC     = 0x04
	symbTimeoutLsb   = 0x08
	defaultPreamble  = 8
	defaultOCPmA     = 100
	maxPacketLength  = 255
	paSelectBoost    = 0x80
	paMaxPowerBits   = 0x70
	minBoostPowerDBm = 2
	maxBoostPowerDBm = 17
)

var irqNames = [8]string{"CadDetect", "FhssChange", "CadDone", "TxDone", "ValidHeader", "PayloadCRC", "RxDone", "RxTimeout"}

// IrqString renders the set bits of an IRQ flags value.
func IrqString(flags uint8) string {
	if flags == 0 {
		return "[]"
	}
	var names []string
	for i := 0; i < 8; i++ {
		if flags&(1<<i) != 0 {
			names = append(names, irqNames[i])
		}
	}
	return "[" + strings.Join(names, ",") + "]"
}
