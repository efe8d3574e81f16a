package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-node/internal/models"
	"github.com/lorawan-server/lorawan-node/internal/uplink"
	"github.com/lorawan-server/lorawan-node/internal/validation"
)

// Conn is the part of *nats.Conn used by the bridge.
type Conn interface {
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	Publish(subj string, data []byte) error
}

// Transmitter sends uplinks. *uplink.Pipeline satisfies it.
type Transmitter interface {
	Transmit(ctx context.Context, payload []byte, fPort uint8, confirmed bool) (uplink.Result, error)
}

// Bridge exposes the node on NATS:
//
//	<prefix>.uplink    request/reply, models.UplinkRequest -> models.UplinkResponse
//	<prefix>.downlink  models.DownlinkMessage for every accepted downlink
//	<prefix>.event     models.EventLog
type Bridge struct {
	conn      Conn
	node      Transmitter
	validator *validation.Validator
	prefix    string
	devAddr   string
	timeout   time.Duration
	subs      []*nats.Subscription
}

// NewBridge creates a bridge publishing under prefix.
func NewBridge(conn Conn, node Transmitter, prefix, devAddr string) *Bridge {
	return &Bridge{
		conn:      conn,
		node:      node,
		validator: validation.NewValidator(),
		prefix:    prefix,
		devAddr:   devAddr,
		timeout:   30 * time.Second,
	}
}

// Subject returns the full subject of suffix.
func (b *Bridge) Subject(suffix string) string {
	return b.prefix + "." + suffix
}

// Start subscribes to uplink requests and blocks until ctx is done.
func (b *Bridge) Start(ctx context.Context) error {
	sub, err := b.conn.Subscribe(b.Subject("uplink"), b.handleUplinkRequest)
	if err != nil {
		return fmt.Errorf("subscribe uplink requests: %w", err)
	}
	b.subs = append(b.subs, sub)

	log.Info().
		Str("prefix", b.prefix).
		Int("subscriptions", len(b.subs)).
		Msg("NATS bridge started")

	<-ctx.Done()

	for _, sub := range b.subs {
		sub.Unsubscribe()
	}
	b.subs = nil

	return ctx.Err()
}

// handleUplinkRequest handles uplink requests from collaborators
func (b *Bridge) handleUplinkRequest(msg *nats.Msg) {
	log.Debug().
		Str("subject", msg.Subject).
		Int("size", len(msg.Data)).
		Msg("Received uplink request")

	var req models.UplinkRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		log.Error().Err(err).Msg("Failed to unmarshal uplink request")
		b.reply(msg, models.UplinkResponse{Error: "invalid request body"})
		return
	}
	if err := b.validator.Validate(req); err != nil {
		b.reply(msg, models.UplinkResponse{Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	res, err := b.node.Transmit(ctx, req.Data, uint8(req.FPort), req.Confirmed)
	b.reply(msg, b.uplinkOutcome(res, err))
}

// uplinkOutcome builds the reply and publishes the matching event.
func (b *Bridge) uplinkOutcome(res uplink.Result, err error) models.UplinkResponse {
	var perr *uplink.PersistenceError
	switch {
	case err == nil:
		b.publishEvent(models.EventTypeUplink, models.EventLevelInfo,
			fmt.Sprintf("Uplink sent - FCnt: %d, FPort: %d", res.FCnt, res.FPort),
			models.Variables{"fCnt": res.FCnt, "fPort": res.FPort, "confirmed": res.Confirmed, "frequency": res.Frequency})
		return models.NewUplinkResponse(res, true)

	case errors.As(err, &perr):
		b.publishEvent(models.EventTypePersistFailed, models.EventLevelError,
			"Uplink sent but frame counter not persisted",
			models.Variables{"fCnt": res.FCnt, "next": perr.Next, "error": err.Error()})
		resp := models.NewUplinkResponse(res, false)
		resp.Error = err.Error()
		return resp

	case errors.Is(err, uplink.ErrTransmitTimeout):
		b.publishEvent(models.EventTypeTxTimeout, models.EventLevelWarning, "Uplink transmit timeout", nil)
		return models.UplinkResponse{Error: err.Error()}

	case res.SentAt.IsZero():
		return models.UplinkResponse{Error: err.Error()}

	default:
		resp := models.NewUplinkResponse(res, true)
		resp.Error = err.Error()
		return resp
	}
}

func (b *Bridge) reply(msg *nats.Msg, resp models.UplinkResponse) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal uplink response")
		return
	}
	if err := b.conn.Publish(msg.Reply, data); err != nil {
		log.Error().Err(err).Str("reply", msg.Reply).Msg("Failed to send uplink response")
	}
}

// PublishDownlink forwards an accepted downlink and logs a DOWNLINK event.
func (b *Bridge) PublishDownlink(msg models.DownlinkMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal downlink: %w", err)
	}
	if err := b.conn.Publish(b.Subject("downlink"), data); err != nil {
		return fmt.Errorf("publish downlink: %w", err)
	}

	typ := models.EventTypeDownlink
	if msg.ACK {
		typ = models.EventTypeAck
	}
	details := models.Variables{"fCnt": msg.FCnt, "confirmed": msg.Confirmed, "rssi": msg.RSSI, "snr": msg.SNR}
	if msg.FPort != nil {
		details["fPort"] = *msg.FPort
	}
	b.publishEvent(typ, models.EventLevelInfo, fmt.Sprintf("Downlink received - FCnt: %d", msg.FCnt), details)
	return nil
}

// PublishEvent publishes ev on the event subject.
func (b *Bridge) PublishEvent(ev *models.EventLog) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.conn.Publish(b.Subject("event"), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (b *Bridge) publishEvent(typ models.EventType, level models.EventLevel, description string, details models.Variables) {
	ev := models.NewEvent(b.devAddr, typ, level, description, details)
	if err := b.PublishEvent(ev); err != nil {
		log.Error().Err(err).Str("type", string(typ)).Msg("Failed to publish event")
	}
}
