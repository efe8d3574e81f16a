package uplink

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

// LinkCheck is the network answer to a LinkCheckReq.
type LinkCheck struct {
	Margin       uint8     `json:"margin"`
	GatewayCount uint8     `json:"gatewayCount"`
	ReceivedAt   time.Time `json:"receivedAt"`
}

// macHandler answers network MAC commands. Answers are queued and ride in
// the FOpts of the next uplink.
type macHandler struct {
	log    zerolog.Logger
	region *lorawan.RegionConfiguration

	answers []lorawan.MACCommand

	rx2Freq   uint32
	rx2DR     int
	linkCheck *LinkCheck
}

func newMACHandler(log zerolog.Logger, region *lorawan.RegionConfiguration) *macHandler {
	return &macHandler{log: log, region: region}
}

// handleDownlink processes the commands of one downlink.
func (h *macHandler) handleDownlink(commands []lorawan.MACCommand, snr float32, now time.Time) {
	for _, cmd := range commands {
		switch cmd.CID {
		case lorawan.LinkCheckAns:
			h.handleLinkCheckAns(cmd.Payload, now)

		case lorawan.LinkADRReq:
			h.handleLinkADRReq(cmd.Payload)

		case lorawan.DutyCycleReq:
			h.log.Info().Uint8("max_duty_cycle", cmd.Payload[0]&0x0f).Msg("DutyCycleReq")
			h.queue(lorawan.MACCommand{CID: lorawan.DutyCycleAns})

		case lorawan.RXParamSetupReq:
			h.handleRXParamSetupReq(cmd.Payload)

		case lorawan.DevStatusReq:
			h.queue(lorawan.MACCommand{
				CID:     lorawan.DevStatusAns,
				Payload: []byte{devStatusBatteryUnknown, devStatusMargin(snr)},
			})

		case lorawan.NewChannelReq, lorawan.DlChannelReq:
			// The channel plan is fixed by configuration.
			h.log.Debug().Stringer("command", cmd).Msg("channel change rejected")
			h.queue(lorawan.MACCommand{CID: cmd.CID, Payload: []byte{0x00}})

		case lorawan.RXTimingSetupReq:
			delay := cmd.Payload[0] & 0x0f
			if delay == 0 {
				delay = 1
			}
			h.log.Info().Dur("rx1_delay", time.Duration(delay)*time.Second).Msg("RXTimingSetupReq")
			h.queue(lorawan.MACCommand{CID: lorawan.RXTimingSetupAns})

		case lorawan.TxParamSetupReq:
			h.queue(lorawan.MACCommand{CID: lorawan.TxParamSetupAns})

		case lorawan.DeviceTimeAns:
			h.log.Debug().Stringer("command", cmd).Msg("device time received")

		default:
			h.log.Warn().Stringer("command", cmd).Msg("unhandled MAC command")
		}
	}
}

func (h *macHandler) handleLinkCheckAns(payload []byte, now time.Time) {
	h.linkCheck = &LinkCheck{Margin: payload[0], GatewayCount: payload[1], ReceivedAt: now}
	h.log.Info().
		Uint8("margin", payload[0]).
		Uint8("gateways", payload[1]).
		Msg("link check answer")
}

// handleLinkADRReq refuses every change: data rate, power and channels are
// pinned by configuration.
func (h *macHandler) handleLinkADRReq(payload []byte) {
	h.log.Debug().
		Uint8("data_rate", payload[0]>>4).
		Uint8("tx_power", payload[0]&0x0f).
		Msg("LinkADRReq rejected")
	h.queue(lorawan.MACCommand{CID: lorawan.LinkADRAns, Payload: []byte{0x00}})
}

func (h *macHandler) handleRXParamSetupReq(payload []byte) {
	const (
		channelACK     = 0x01
		rx2DataRateACK = 0x02
		rx1OffsetACK   = 0x04
	)
	rx1Offset := (payload[0] >> 4) & 0x07
	rx2DR := int(payload[0] & 0x0f)
	freq := (uint32(payload[1]) | uint32(payload[2])<<8 | uint32(payload[3])<<16) * 100

	var status uint8
	if freq != 0 {
		status |= channelACK
	}
	if _, ok := h.region.DataRates[rx2DR]; ok {
		status |= rx2DataRateACK
	}
	// Only the default RX1 data rate offset is supported.
	if rx1Offset == 0 {
		status |= rx1OffsetACK
	}

	if status == channelACK|rx2DataRateACK|rx1OffsetACK {
		h.rx2Freq = freq
		h.rx2DR = rx2DR
	}
	h.log.Info().
		Uint32("rx2_frequency", freq).
		Int("rx2_dr", rx2DR).
		Uint8("status", status).
		Msg("RXParamSetupReq")
	h.queue(lorawan.MACCommand{CID: lorawan.RXParamSetupAns, Payload: []byte{status}})
}

// queue adds an answer unless it would overflow FOpts.
func (h *macHandler) queue(cmd lorawan.MACCommand) {
	size := 0
	for _, a := range h.answers {
		size += 1 + len(a.Payload)
	}
	if size+1+len(cmd.Payload) > lorawan.MaxFOptsSize {
		h.log.Warn().Stringer("command", cmd).Msg("FOpts full, MAC answer dropped")
		return
	}
	h.answers = append(h.answers, cmd)
}

// pending returns the encoded answers for the next uplink.
func (h *macHandler) pending() []byte {
	b, err := lorawan.EncodeMACCommands(h.answers)
	if err != nil {
		return nil
	}
	return b
}

// sent drops the answers once n bytes of them went on air.
func (h *macHandler) sent(n int) {
	if n > 0 {
		h.answers = nil
	}
}

const devStatusBatteryUnknown = 0xff

// devStatusMargin encodes the demodulation SNR as the 6-bit signed margin
// of DevStatusAns.
func devStatusMargin(snr float32) uint8 {
	m := int(math.Round(float64(snr)))
	if m < -32 {
		m = -32
	}
	if m > 31 {
		m = 31
	}
	return uint8(m) & 0x3f
}
