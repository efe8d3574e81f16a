package models

import (
	"time"

	"github.com/lorawan-server/lorawan-node/internal/uplink"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
	"github.com/lorawan-server/lorawan-node/pkg/sx127x"
)

// UplinkRequest asks the node to send one uplink. It is the body of
// POST /api/v1/uplink and of NATS uplink requests.
type UplinkRequest struct {
	FPort     int    `json:"fPort" validate:"required,min=1,max=223"`
	Confirmed bool   `json:"confirmed"`
	Data      []byte `json:"data"`
}

// UplinkResponse reports the outcome of an UplinkRequest.
type UplinkResponse struct {
	FCnt      uint32        `json:"fCnt"`
	FPort     uint8         `json:"fPort"`
	Confirmed bool          `json:"confirmed"`
	Channel   uint8         `json:"channel"`
	Frequency uint32        `json:"frequency"`
	DataRate  string        `json:"dataRate"`
	AirTime   time.Duration `json:"airTime"`
	SentAt    time.Time     `json:"sentAt"`
	Persisted bool          `json:"persisted"`
	Error     string        `json:"error,omitempty"`
}

// DownlinkMessage is an accepted downlink as exposed to collaborators.
type DownlinkMessage struct {
	ReceivedAt  time.Time `json:"receivedAt"`
	DevAddr     string    `json:"devAddr"`
	FCnt        uint32    `json:"fCnt"`
	FPort       *uint8    `json:"fPort,omitempty"`
	Confirmed   bool      `json:"confirmed"`
	ACK         bool      `json:"ack"`
	Data        []byte    `json:"data,omitempty"`
	MACCommands []string  `json:"macCommands,omitempty"`
	RSSI        int       `json:"rssi"`
	SNR         float32   `json:"snr"`
}

// NewUplinkResponse converts a pipeline result. persisted is false when the
// frame went on air but its counter could not be stored.
func NewUplinkResponse(res uplink.Result, persisted bool) UplinkResponse {
	return UplinkResponse{
		FCnt:      res.FCnt,
		FPort:     res.FPort,
		Confirmed: res.Confirmed,
		Channel:   res.Channel,
		Frequency: res.Frequency,
		DataRate:  res.DataRate.String(),
		AirTime:   res.AirTime,
		SentAt:    res.SentAt,
		Persisted: persisted,
	}
}

// NewDownlinkMessage converts a decoded downlink and the radio status of
// the packet that carried it.
func NewDownlinkMessage(devAddr lorawan.DevAddr, dl lorawan.Downlink, pkt sx127x.PacketStatus, at time.Time) DownlinkMessage {
	msg := DownlinkMessage{
		ReceivedAt: at,
		DevAddr:    devAddr.String(),
		FCnt:       dl.FCnt,
		FPort:      dl.FPort,
		Confirmed:  dl.Confirmed,
		ACK:        dl.FCtrl.ACK,
		Data:       dl.Payload,
		RSSI:       pkt.RSSI,
		SNR:        pkt.SNR,
	}
	for _, cmd := range dl.MACCommands {
		msg.MACCommands = append(msg.MACCommands, cmd.String())
	}
	return msg
}
