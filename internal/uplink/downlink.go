package uplink

import (
	"errors"
	"fmt"
	"slices"

	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

// OnDownlink registers handler for every accepted downlink. Handlers run on
// the goroutine calling Service, after the pipeline lock is released, so
// they may call Transmit.
func (p *Pipeline) OnDownlink(handler func(lorawan.Downlink)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, handler)
}

// receivePacket is the radio receive handler. It runs inside Service with
// the pipeline lock held.
func (p *Pipeline) receivePacket(packet []byte) {
	p.inbox = append(p.inbox, packet)
}

// Service polls the radio and processes a received frame. It returns nil
// when nothing was received. Frames that are not valid downlinks for this
// session are dropped and reported through the returned error.
func (p *Pipeline) Service() error {
	p.mu.Lock()
	err := p.radio.Service()
	inbox := p.inbox
	p.inbox = nil

	var accepted []lorawan.Downlink
	for _, packet := range inbox {
		dl, derr := p.acceptDownlink(packet)
		if derr != nil {
			err = errors.Join(err, derr)
			continue
		}
		accepted = append(accepted, dl)
	}
	handlers := slices.Clone(p.handlers)
	p.mu.Unlock()

	for _, dl := range accepted {
		for _, h := range handlers {
			h(dl)
		}
	}
	return err
}

func (p *Pipeline) acceptDownlink(packet []byte) (lorawan.Downlink, error) {
	dl, err := p.session.DecodeDownlink(packet, p.lastDown)
	if err != nil {
		p.metrics.DownlinkRejected(rejectReason(err))
		p.log.Debug().Err(err).Int("size", len(packet)).Msg("downlink dropped")
		return lorawan.Downlink{}, err
	}
	if p.haveDown && dl.FCnt <= p.lastDown {
		p.metrics.DownlinkRejected("replay")
		p.log.Warn().Uint32("f_cnt", dl.FCnt).Uint32("last_f_cnt", p.lastDown).Msg("downlink replay rejected")
		return lorawan.Downlink{}, fmt.Errorf("%w: %d <= %d", ErrDownlinkReplay, dl.FCnt, p.lastDown)
	}

	p.haveDown = true
	p.lastDown = dl.FCnt
	if dl.Confirmed {
		p.pendingACK = true
	}
	if len(dl.MACCommands) > 0 {
		p.mac.handleDownlink(dl.MACCommands, p.radio.LastPacket().SNR, p.now())
	}

	var port uint8
	if dl.FPort != nil {
		port = *dl.FPort
	}
	p.metrics.DownlinkReceived(port)
	p.log.Info().
		Uint32("f_cnt", dl.FCnt).
		Uint8("f_port", port).
		Bool("confirmed", dl.Confirmed).
		Bool("ack", dl.FCtrl.ACK).
		Int("mac_commands", len(dl.MACCommands)).
		Msg("downlink received")
	return dl, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, lorawan.ErrDevAddrMismatch):
		return "dev_addr"
	case errors.Is(err, lorawan.ErrInvalidMIC):
		return "mic"
	case errors.Is(err, lorawan.ErrNotDataDownlink):
		return "mtype"
	default:
		return "malformed"
	}
}
