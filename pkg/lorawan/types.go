package lorawan

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// DevAddr represents a 4-byte device address.
// It is held MSB first, the way network servers print it; the frame header
// carries it little-endian.
type DevAddr [4]byte

// String returns hex string representation
func (d DevAddr) String() string {
	return hex.EncodeToString(d[:])
}

// MarshalText implements encoding.TextMarshaler
func (d DevAddr) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *DevAddr) UnmarshalText(text []byte) error {
	return decodeHexFixed(d[:], string(text), "DevAddr")
}

// wire returns the little-endian byte order used inside frames.
func (d DevAddr) wire() [4]byte {
	return [4]byte{d[3], d[2], d[1], d[0]}
}

func devAddrFromWire(b []byte) DevAddr {
	return DevAddr{b[3], b[2], b[1], b[0]}
}

// AES128Key represents a 128-bit AES key
type AES128Key [16]byte

// String returns hex string representation
func (k AES128Key) String() string {
	return hex.EncodeToString(k[:])
}

// MarshalText implements encoding.TextMarshaler
func (k AES128Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *AES128Key) UnmarshalText(text []byte) error {
	return decodeHexFixed(k[:], string(text), "AES128Key")
}

// ParseDevAddr parses an 8 character hex string.
func ParseDevAddr(s string) (DevAddr, error) {
	var d DevAddr
	err := d.UnmarshalText([]byte(s))
	return d, err
}

// ParseAES128Key parses a 32 character hex string.
func ParseAES128Key(s string) (AES128Key, error) {
	var k AES128Key
	err := k.UnmarshalText([]byte(s))
	return k, err
}

func decodeHexFixed(dst []byte, s, name string) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	if len(b) != len(dst) {
		return fmt.Errorf("invalid %s length: expected %d bytes, got %d", name, len(dst), len(b))
	}
	copy(dst, b)
	return nil
}

// MType represents the message type
type MType byte

const (
	JoinRequest MType = iota
	JoinAccept
	UnconfirmedDataUp
	UnconfirmedDataDown
	ConfirmedDataUp
	ConfirmedDataDown
	RFU
	Proprietary
)

var mtypeNames = [...]string{
	"JoinRequest", "JoinAccept", "UnconfirmedDataUp", "UnconfirmedDataDown",
	"ConfirmedDataUp", "ConfirmedDataDown", "RFU", "Proprietary",
}

func (m MType) String() string {
	if int(m) < len(mtypeNames) {
		return mtypeNames[m]
	}
	return fmt.Sprintf("MType(%d)", byte(m))
}

// MarshalJSON implements json.Marshaler
func (m MType) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// Major represents the LoRaWAN major version
type Major byte

const (
	LoRaWANR1 Major = 0
)

// MHDR represents the MAC header
type MHDR struct {
	MType MType
	Major Major
}

// Byte returns the encoded header byte.
func (h MHDR) Byte() byte {
	return byte(h.MType)<<5 | byte(h.Major)&0x03
}

func parseMHDR(b byte) MHDR {
	return MHDR{MType: MType(b >> 5), Major: Major(b & 0x03)}
}

// FCtrl represents the frame control byte
type FCtrl struct {
	ADR       bool
	ADRACKReq bool
	ACK       bool
	ClassB    bool
	FPending  bool
}

// FHDR represents the frame header
type FHDR struct {
	DevAddr DevAddr
	FCtrl   FCtrl
	FCnt    uint16
	FOpts   []byte
}

// MACPayload represents the MAC payload
type MACPayload struct {
	FHDR       FHDR
	FPort      *uint8
	FRMPayload []byte
}

// MIC is the 4-byte message integrity code.
type MIC [4]byte

func (m MIC) String() string {
	return hex.EncodeToString(m[:])
}
