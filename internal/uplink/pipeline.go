// Package uplink sends application payloads as LoRaWAN frames through an
// SX127x radio while keeping the persisted frame counter consistent with
// what went on air.
package uplink

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lorawan-server/lorawan-node/internal/storage"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
	"github.com/lorawan-server/lorawan-node/pkg/sx127x"
)

// saveTimeout bounds the counter save after a frame went on air.
const saveTimeout = 5 * time.Second

var (
	// ErrTransmitTimeout is returned when the radio did not finish in time.
	// The counter is not advanced.
	ErrTransmitTimeout = sx127x.ErrTransmitTimeout

	// ErrPersistenceFailure matches a *PersistenceError.
	ErrPersistenceFailure = storage.ErrPersistenceFailure

	ErrCounterLoad      = errors.New("uplink: frame counter could not be loaded")
	ErrCounterExhausted = errors.New("uplink: frame counter exhausted, session must be renewed")
	ErrDownlinkReplay   = errors.New("uplink: downlink frame counter replayed")
)

// PersistenceError reports a frame that went on air but whose successor
// counter could not be stored. Retrying with the stored counter would reuse
// FCnt, so the session should be treated as suspect.
type PersistenceError struct {
	// Next is the counter value that should have been saved.
	Next uint32
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("uplink: frame sent but counter %d not persisted: %v", e.Next, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Radio is the part of *sx127x.Device the pipeline drives.
type Radio interface {
	State() sx127x.State
	Standby() error
	SetFrequency(frf [3]byte) error
	SetModulation(m sx127x.Modulation) error
	SetInvertIQ(invert bool) error
	Send(packet []byte, timeout time.Duration) error
	Receive(handler func([]byte)) error
	Service() error
	LastPacket() sx127x.PacketStatus
}

// Metrics receives pipeline events. internal/monitoring implements it.
type Metrics interface {
	UplinkSent(confirmed bool, fCnt uint32)
	TxTimeout()
	PersistFailed()
	DownlinkReceived(fPort uint8)
	DownlinkRejected(reason string)
}

type nopMetrics struct{}

func (nopMetrics) UplinkSent(bool, uint32) {}
func (nopMetrics) TxTimeout()              {}
func (nopMetrics) PersistFailed()          {}
func (nopMetrics) DownlinkReceived(uint8)  {}
func (nopMetrics) DownlinkRejected(string) {}

// Config selects the radio parameters used for every uplink.
type Config struct {
	Region lorawan.RegionCode
	// Channel is the uplink channel index; a negative value picks a random
	// channel of the plan for every frame.
	Channel    int
	DataRate   lorawan.DataRate
	CodingRate sx127x.CodingRate
	// TxTimeout bounds Send. Zero derives it from the time on air.
	TxTimeout time.Duration
	// Receive leaves the radio listening after each uplink.
	Receive bool
	// RXWindow selects the receive frequency: 1 for RX1, anything else RX2.
	RXWindow int
}

// Result describes a transmitted frame.
type Result struct {
	FCnt      uint32           `json:"fCnt"`
	FPort     uint8            `json:"fPort"`
	Confirmed bool             `json:"confirmed"`
	Channel   uint8            `json:"channel"`
	Frequency uint32           `json:"frequency"`
	DataRate  lorawan.DataRate `json:"dataRate"`
	AirTime   time.Duration    `json:"airTime"`
	Frame     []byte           `json:"frame"`
	SentAt    time.Time        `json:"sentAt"`
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithRand replaces the channel picker used when Config.Channel is negative.
func WithRand(intn func(n int) int) Option {
	return func(p *Pipeline) { p.intn = intn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline serializes every radio operation of one device session.
type Pipeline struct {
	mu      sync.Mutex
	radio   Radio
	session *lorawan.Session
	store   storage.CounterStore
	plan    lorawan.RegionConfiguration
	cfg     Config
	mod     sx127x.Modulation
	drIndex int

	log     zerolog.Logger
	metrics Metrics
	intn    func(n int) int
	now     func() time.Time

	mac        *macHandler
	pendingACK bool
	haveDown   bool
	lastDown   uint32
	lastUp     *Result
	// floor is the counter after the last frame sent.
	floor uint32

	inbox    [][]byte
	handlers []func(lorawan.Downlink)
}

// New checks cfg against the regional plan and returns a pipeline. The
// radio must already be configured.
func New(radio Radio, session *lorawan.Session, store storage.CounterStore, cfg Config, opts ...Option) (*Pipeline, error) {
	plan, err := lorawan.PlanFor(cfg.Region)
	if err != nil {
		return nil, err
	}
	if cfg.Channel >= 0 {
		if cfg.Channel > math.MaxUint8 {
			return nil, fmt.Errorf("%w: %d", lorawan.ErrChannelOutOfRange, cfg.Channel)
		}
		if _, err := plan.Frequency(uint8(cfg.Channel)); err != nil {
			return nil, err
		}
	}
	drIndex, err := plan.DataRateIndex(cfg.DataRate)
	if err != nil {
		return nil, err
	}
	if cfg.CodingRate == 0 {
		cfg.CodingRate = sx127x.CR4_5
	}
	mod, err := modulation(cfg.DataRate, cfg.CodingRate)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		radio:   radio,
		session: session,
		store:   store,
		plan:    plan,
		cfg:     cfg,
		mod:     mod,
		drIndex: drIndex,
		log:     zerolog.Nop(),
		metrics: nopMetrics{},
		intn:    rand.Intn,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With().Str("dev_addr", session.DevAddr().String()).Logger()
	p.mac = newMACHandler(p.log, &p.plan)
	return p, nil
}

func modulation(dr lorawan.DataRate, cr sx127x.CodingRate) (sx127x.Modulation, error) {
	bw, err := sx127x.BandwidthFromKHz(dr.Bandwidth)
	if err != nil {
		return sx127x.Modulation{}, err
	}
	m := sx127x.Modulation{
		SpreadingFactor: sx127x.SpreadingFactor(dr.SpreadFactor),
		Bandwidth:       bw,
		CodingRate:      cr,
		CRC:             true,
	}
	return m, nil
}

// Transmit sends payload on fPort with the next frame counter and persists
// the successor once the radio reports completion.
//
// On ErrTransmitTimeout nothing is persisted and the radio stays in Tx until
// the next operation forces it back to Standby. A *PersistenceError means
// the frame was sent; the returned Result is valid in that case.
func (p *Pipeline) Transmit(ctx context.Context, payload []byte, fPort uint8, confirmed bool) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fOpts := p.mac.pending()
	if fPort == 0 && len(payload) > 0 {
		// MAC commands carried as payload cannot share the frame with FOpts.
		fOpts = nil
	}
	if limit := p.plan.MaxPayloadSize(p.drIndex); len(payload)+len(fOpts) > limit {
		return Result{}, fmt.Errorf("%w: %d bytes at %s (max %d)", lorawan.ErrPayloadTooLarge, len(payload)+len(fOpts), p.cfg.DataRate, limit)
	}

	fCnt, err := p.load(ctx)
	if err != nil {
		return Result{}, err
	}
	if fCnt == math.MaxUint32 {
		return Result{}, ErrCounterExhausted
	}

	frame, err := p.session.Assemble(lorawan.Uplink{
		Payload:   payload,
		FPort:     fPort,
		FCnt:      fCnt,
		Confirmed: confirmed,
		ACK:       p.pendingACK,
		FOpts:     fOpts,
	})
	if err != nil {
		return Result{}, err
	}

	channel, err := p.pickChannel()
	if err != nil {
		return Result{}, err
	}
	freq, _ := p.plan.Frequency(channel)

	if err := p.prepare(freq, p.mod, false); err != nil {
		return Result{}, err
	}

	raw := frame.Bytes()
	airTime := p.mod.TimeOnAir(len(raw))
	timeout := p.cfg.TxTimeout
	if timeout == 0 {
		timeout = 2*airTime + 100*time.Millisecond
	}

	logger := p.log.With().Uint32("f_cnt", fCnt).Uint8("f_port", fPort).Logger()
	logger.Debug().
		Uint8("channel", channel).
		Uint32("frequency", freq).
		Stringer("data_rate", p.cfg.DataRate).
		Int("size", len(raw)).
		Dur("air_time", airTime).
		Msg("transmitting uplink")

	if err := p.radio.Send(raw, timeout); err != nil {
		if errors.Is(err, sx127x.ErrTransmitTimeout) {
			p.metrics.TxTimeout()
			logger.Warn().Dur("timeout", timeout).Msg("uplink transmit timeout")
		}
		return Result{}, err
	}

	res := Result{
		FCnt:      fCnt,
		FPort:     fPort,
		Confirmed: confirmed,
		Channel:   channel,
		Frequency: freq,
		DataRate:  p.cfg.DataRate,
		AirTime:   airTime,
		Frame:     raw,
		SentAt:    p.now(),
	}
	p.lastUp = &res
	p.pendingACK = false
	p.mac.sent(len(fOpts))
	p.metrics.UplinkSent(confirmed, fCnt)

	p.floor = fCnt + 1
	if err := p.save(ctx, fCnt+1); err != nil {
		p.metrics.PersistFailed()
		logger.Error().Err(err).Msg("frame counter not persisted")
		return res, &PersistenceError{Next: fCnt + 1, Err: err}
	}

	logger.Info().Bool("confirmed", confirmed).Uint32("frequency", freq).Msg("uplink sent")

	if p.cfg.Receive {
		if err := p.listen(channel); err != nil {
			return res, fmt.Errorf("start receive: %w", err)
		}
	}
	return res, nil
}

// load returns the next counter to use. It never goes below a counter
// already sent by this pipeline, even when the store missed that save.
func (p *Pipeline) load(ctx context.Context) (uint32, error) {
	fCnt, err := p.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrCounterLoad, err)
	}
	if fCnt < p.floor {
		p.log.Warn().Uint32("stored", fCnt).Uint32("f_cnt", p.floor).Msg("stored frame counter behind sent frames")
		fCnt = p.floor
	}
	return fCnt, nil
}

// save stores next once a frame is on air. The caller's cancellation does
// not apply: the frame is already sent and its counter must not be reused.
func (p *Pipeline) save(ctx context.Context, next uint32) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	return p.store.Save(ctx, next)
}

func (p *Pipeline) pickChannel() (uint8, error) {
	if p.cfg.Channel >= 0 {
		return uint8(p.cfg.Channel), nil
	}
	n := len(p.plan.UplinkChannels)
	if n == 0 {
		return 0, fmt.Errorf("%w: %s has no channels", lorawan.ErrChannelOutOfRange, p.plan.Name)
	}
	return uint8(p.intn(n)), nil
}

// prepare forces Standby, which also aborts a transmission left running by
// a previous timeout, then programs the modem.
func (p *Pipeline) prepare(freq uint32, mod sx127x.Modulation, invertIQ bool) error {
	if err := p.radio.Standby(); err != nil {
		return err
	}
	if err := p.radio.SetInvertIQ(invertIQ); err != nil {
		return err
	}
	if err := p.radio.SetFrequency(lorawan.FrequencyToTriple(freq)); err != nil {
		return err
	}
	return p.radio.SetModulation(mod)
}

// listen enters continuous receive on the configured window.
func (p *Pipeline) listen(channel uint8) error {
	freq, dr, err := p.rxWindow(channel)
	if err != nil {
		return err
	}
	mod, err := modulation(dr, p.cfg.CodingRate)
	if err != nil {
		return err
	}
	// Downlinks carry no payload CRC.
	mod.CRC = false
	if err := p.prepare(freq, mod, true); err != nil {
		return err
	}
	p.log.Debug().Uint32("frequency", freq).Stringer("data_rate", dr).Msg("listening for downlink")
	return p.radio.Receive(p.receivePacket)
}

func (p *Pipeline) rxWindow(channel uint8) (uint32, lorawan.DataRate, error) {
	if p.cfg.RXWindow == 1 {
		return p.plan.RX1(channel, p.drIndex)
	}
	freq, dr := p.plan.RX2()
	if p.mac.rx2Freq != 0 {
		freq = p.mac.rx2Freq
		dr = p.plan.DataRates[p.mac.rx2DR]
	}
	return freq, dr, nil
}

// Listen puts the radio in continuous receive without transmitting first.
func (p *Pipeline) Listen() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	channel, err := p.pickChannel()
	if err != nil {
		return err
	}
	return p.listen(channel)
}

// RequestLinkCheck queues a LinkCheckReq for the next uplink.
func (p *Pipeline) RequestLinkCheck() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mac.queue(lorawan.MACCommand{CID: lorawan.LinkCheckReq})
}

// Status is a snapshot of the pipeline.
type Status struct {
	NextFCnt     uint32               `json:"nextFCnt"`
	Region       lorawan.RegionCode   `json:"region"`
	Channel      int                  `json:"channel"`
	DataRate     string               `json:"dataRate"`
	RadioState   string               `json:"radioState"`
	PendingACK   bool                 `json:"pendingAck"`
	LastFCntDown *uint32              `json:"lastFCntDown,omitempty"`
	LastUplink   *Result              `json:"lastUplink,omitempty"`
	LastPacket   *sx127x.PacketStatus `json:"lastPacket,omitempty"`
	LinkCheck    *LinkCheck           `json:"linkCheck,omitempty"`
}

// Status loads the stored counter and reports the pipeline state.
func (p *Pipeline) Status(ctx context.Context) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next, err := p.load(ctx)
	if err != nil {
		return Status{}, err
	}
	s := Status{
		NextFCnt:   next,
		Region:     p.plan.Name,
		Channel:    p.cfg.Channel,
		DataRate:   p.cfg.DataRate.String(),
		RadioState: p.radio.State().String(),
		PendingACK: p.pendingACK,
	}
	if p.mac.linkCheck != nil {
		lc := *p.mac.linkCheck
		s.LinkCheck = &lc
	}
	if p.haveDown {
		last := p.lastDown
		s.LastFCntDown = &last
	}
	if p.lastUp != nil {
		up := *p.lastUp
		s.LastUplink = &up
	}
	if p.haveDown {
		pkt := p.radio.LastPacket()
		s.LastPacket = &pkt
	}
	return s, nil
}
