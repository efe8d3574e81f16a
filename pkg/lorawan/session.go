package lorawan

import (
	"crypto/subtle"
	"errors"
	"fmt"
)

var (
	ErrPayloadTooLarge   = errors.New("lorawan: payload too large")
	ErrFOptsTooLong      = errors.New("lorawan: FOpts longer than 15 bytes")
	ErrFOptsOnPortZero   = errors.New("lorawan: FOpts not allowed with a port 0 payload")
	ErrNotDataDownlink   = errors.New("lorawan: not a data downlink")
	ErrDevAddrMismatch   = errors.New("lorawan: DevAddr mismatch")
	ErrInvalidMIC        = errors.New("lorawan: invalid MIC")
	ErrInvalidMACPayload = errors.New("lorawan: invalid MAC commands")
)

// Frame is an assembled data frame. The zero value is not usable; frames
// come from Session.Assemble or Session.DecodeDownlink.
type Frame struct {
	MHDR       MHDR
	MACPayload MACPayload
	// FCnt is the full 32-bit counter the frame was secured with.
	FCnt uint32
	MIC  MIC

	raw []byte
}

// Bytes returns a copy of the wire encoding.
func (f Frame) Bytes() []byte {
	return append([]byte(nil), f.raw...)
}

// Len returns the length of the wire encoding.
func (f Frame) Len() int {
	return len(f.raw)
}

// Uplink reports whether the frame travels device to network.
func (f Frame) Uplink() bool {
	return f.MHDR.MType == UnconfirmedDataUp || f.MHDR.MType == ConfirmedDataUp
}

// ValidateMIC recomputes the MIC with key and compares it in constant time.
func (f Frame) ValidateMIC(key AES128Key) (bool, error) {
	if len(f.raw) < minDataFrameSize {
		return false, ErrFrameTooShort
	}
	mic, err := ComputeMIC(key, f.MACPayload.FHDR.DevAddr, f.FCnt, f.Uplink(), f.raw[:len(f.raw)-4])
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(mic[:], f.raw[len(f.raw)-4:]) == 1, nil
}

// Session holds the ABP session context of a single device. It is
// immutable and safe for concurrent use.
type Session struct {
	devAddr DevAddr
	nwkSKey AES128Key
	appSKey AES128Key
}

// NewSession creates a session from activation-by-personalization keys.
func NewSession(devAddr DevAddr, nwkSKey, appSKey AES128Key) *Session {
	return &Session{devAddr: devAddr, nwkSKey: nwkSKey, appSKey: appSKey}
}

// DevAddr returns the session device address.
func (s *Session) DevAddr() DevAddr {
	return s.devAddr
}

// Uplink describes a data frame to assemble.
type Uplink struct {
	Payload   []byte
	FPort     uint8
	FCnt      uint32
	Confirmed bool
	// ACK acknowledges the last confirmed downlink.
	ACK   bool
	FOpts []byte
}

// EncryptAndAssemble encrypts payload and builds the complete uplink frame
// for counter fCnt. It does not touch any counter state.
func (s *Session) EncryptAndAssemble(payload []byte, fPort uint8, fCnt uint32, confirmed bool) (Frame, error) {
	return s.Assemble(Uplink{
		Payload:   payload,
		FPort:     fPort,
		FCnt:      fCnt,
		Confirmed: confirmed,
	})
}

// Assemble builds an uplink frame, with FCtrl ACK and FOpts when set.
func (s *Session) Assemble(u Uplink) (Frame, error) {
	if len(u.Payload) > MaxFRMPayloadSize {
		return Frame{}, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(u.Payload), MaxFRMPayloadSize)
	}
	if len(u.FOpts) > MaxFOptsSize {
		return Frame{}, ErrFOptsTooLong
	}
	if u.FPort == 0 && len(u.FOpts) > 0 && len(u.Payload) > 0 {
		return Frame{}, ErrFOptsOnPortZero
	}

	mtype := UnconfirmedDataUp
	if u.Confirmed {
		mtype = ConfirmedDataUp
	}

	encrypted, err := EncryptFRMPayload(s.payloadKey(u.FPort), s.devAddr, u.FCnt, true, u.Payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encrypt FRMPayload: %w", err)
	}

	port := u.FPort
	f := Frame{
		MHDR: MHDR{MType: mtype, Major: LoRaWANR1},
		MACPayload: MACPayload{
			FHDR: FHDR{
				DevAddr: s.devAddr,
				FCtrl:   FCtrl{ACK: u.ACK},
				FCnt:    uint16(u.FCnt),
				FOpts:   append([]byte(nil), u.FOpts...),
			},
			FPort:      &port,
			FRMPayload: encrypted,
		},
		FCnt: u.FCnt,
	}

	mac, err := f.MACPayload.Marshal(true)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal MAC payload: %w", err)
	}

	raw := make([]byte, 0, 1+len(mac)+4)
	raw = append(raw, f.MHDR.Byte())
	raw = append(raw, mac...)

	f.MIC, err = ComputeMIC(s.nwkSKey, s.devAddr, u.FCnt, true, raw)
	if err != nil {
		return Frame{}, fmt.Errorf("calculate MIC: %w", err)
	}
	f.raw = append(raw, f.MIC[:]...)

	return f, nil
}

// Downlink is a verified and decrypted data downlink.
type Downlink struct {
	Confirmed   bool
	FCnt        uint32
	FCtrl       FCtrl
	FPort       *uint8
	Payload     []byte
	MACCommands []MACCommand
	Frame       Frame
}

// DecodeDownlink parses a received PHY payload, checks it is addressed to
// this session, verifies the MIC and decrypts it. lastFCntDown is the last
// accepted downlink counter and only serves to restore the 32-bit value;
// replay rejection is up to the caller.
func (s *Session) DecodeDownlink(phy []byte, lastFCntDown uint32) (Downlink, error) {
	if len(phy) < minDataFrameSize {
		return Downlink{}, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(phy))
	}

	mhdr := parseMHDR(phy[0])
	if mhdr.MType != UnconfirmedDataDown && mhdr.MType != ConfirmedDataDown {
		return Downlink{}, fmt.Errorf("%w: %s", ErrNotDataDownlink, mhdr.MType)
	}

	var mac MACPayload
	if err := mac.Unmarshal(phy[1:len(phy)-4], false); err != nil {
		return Downlink{}, err
	}
	if mac.FHDR.DevAddr != s.devAddr {
		return Downlink{}, fmt.Errorf("%w: got %s", ErrDevAddrMismatch, mac.FHDR.DevAddr)
	}

	f := Frame{
		MHDR:       mhdr,
		MACPayload: mac,
		FCnt:       GetFullFCnt(lastFCntDown, mac.FHDR.FCnt),
		raw:        append([]byte(nil), phy...),
	}
	copy(f.MIC[:], phy[len(phy)-4:])

	ok, err := f.ValidateMIC(s.nwkSKey)
	if err != nil {
		return Downlink{}, err
	}
	if !ok {
		return Downlink{}, ErrInvalidMIC
	}

	dl := Downlink{
		Confirmed: mhdr.MType == ConfirmedDataDown,
		FCnt:      f.FCnt,
		FCtrl:     mac.FHDR.FCtrl,
		FPort:     mac.FPort,
		Frame:     f,
	}

	macBytes := mac.FHDR.FOpts
	if mac.FPort != nil {
		dl.Payload, err = EncryptFRMPayload(s.payloadKey(*mac.FPort), s.devAddr, f.FCnt, false, mac.FRMPayload)
		if err != nil {
			return Downlink{}, fmt.Errorf("decrypt FRMPayload: %w", err)
		}
		if *mac.FPort == 0 {
			macBytes = dl.Payload
		}
	}

	if len(macBytes) > 0 {
		dl.MACCommands, err = ParseMACCommands(false, macBytes)
		if err != nil {
			return Downlink{}, fmt.Errorf("%w: %v", ErrInvalidMACPayload, err)
		}
	}

	return dl, nil
}

func (s *Session) payloadKey(fPort uint8) AES128Key {
	if fPort == 0 {
		return s.nwkSKey
	}
	return s.appSKey
}
