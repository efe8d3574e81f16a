package lorawan

import (
	"crypto/aes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jacobsa/crypto/cmac"
)

// Frame size limits for LoRaWAN 1.0 data frames.
const (
	MaxFRMPayloadSize = 222
	MaxFOptsSize      = 15
	minDataFrameSize  = 1 + 7 + 4 // MHDR + FHDR + MIC
)

var (
	ErrFrameTooShort  = errors.New("lorawan: frame too short")
	ErrInvalidFOptLen = errors.New("lorawan: invalid FOpts length")
)

// GetFullFCnt restores the 32-bit frame counter from the 16 bits carried
// on air, using the last known full counter as reference.
func GetFullFCnt(lastFCnt uint32, fCnt uint16) uint32 {
	upperBits := lastFCnt & 0xFFFF0000

	if uint16(lastFCnt) > fCnt && (uint16(lastFCnt)-fCnt) > 0x8000 {
		upperBits += 0x10000
	}

	return upperBits | uint32(fCnt)
}

// EncryptFRMPayload encrypts/decrypts FRM payload.
// The operation is its own inverse.
func EncryptFRMPayload(key AES128Key, devAddr DevAddr, fCnt uint32, uplink bool, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return []byte{}, nil
	}

	k := (len(payload) + 15) / 16

	ai := make([]byte, 16)
	ai[0] = 0x01
	if !uplink {
		ai[5] = 0x01
	}
	addr := devAddr.wire()
	copy(ai[6:10], addr[:])
	binary.LittleEndian.PutUint32(ai[10:14], fCnt)

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	s := make([]byte, 16*k)
	for i := 0; i < k; i++ {
		ai[15] = byte(i + 1)
		block.Encrypt(s[i*16:(i+1)*16], ai)
	}

	out := make([]byte, len(payload))
	for i := range payload {
		out[i] = payload[i] ^ s[i]
	}

	return out, nil
}

// ComputeMIC calculates the data frame MIC over msg (MHDR through
// FRMPayload) with the B0 block prefix.
func ComputeMIC(key AES128Key, devAddr DevAddr, fCnt uint32, uplink bool, msg []byte) (MIC, error) {
	var mic MIC

	b0 := make([]byte, 16)
	b0[0] = 0x49
	if !uplink {
		b0[5] = 0x01
	}
	addr := devAddr.wire()
	copy(b0[6:10], addr[:])
	binary.LittleEndian.PutUint32(b0[10:14], fCnt)
	b0[15] = byte(len(msg))

	hash, err := cmac.New(key[:])
	if err != nil {
		return mic, fmt.Errorf("new cmac: %w", err)
	}
	if _, err := hash.Write(b0); err != nil {
		return mic, err
	}
	if _, err := hash.Write(msg); err != nil {
		return mic, err
	}
	copy(mic[:], hash.Sum(nil)[0:4])
	return mic, nil
}

func encodeFCtrl(c FCtrl, foptsLen int, uplink bool) byte {
	fctrl := byte(0)
	if c.ADR {
		fctrl |= 0x80
	}
	if uplink {
		if c.ADRACKReq {
			fctrl |= 0x40
		}
		if c.ClassB {
			fctrl |= 0x10
		}
	} else if c.FPending {
		fctrl |= 0x10
	}
	if c.ACK {
		fctrl |= 0x20
	}
	return fctrl | byte(foptsLen)&0x0F
}

func decodeFCtrl(b byte, uplink bool) FCtrl {
	c := FCtrl{
		ADR: b&0x80 != 0,
		ACK: b&0x20 != 0,
	}
	if uplink {
		c.ADRACKReq = b&0x40 != 0
		c.ClassB = b&0x10 != 0
	} else {
		c.FPending = b&0x10 != 0
	}
	return c
}

// Marshal marshals MACPayload
func (m *MACPayload) Marshal(uplink bool) ([]byte, error) {
	if len(m.FHDR.FOpts) > MaxFOptsSize {
		return nil, ErrInvalidFOptLen
	}

	data := make([]byte, 0, 7+len(m.FHDR.FOpts)+1+len(m.FRMPayload))

	addr := m.FHDR.DevAddr.wire()
	data = append(data, addr[:]...)
	data = append(data, encodeFCtrl(m.FHDR.FCtrl, len(m.FHDR.FOpts), uplink))
	data = append(data, byte(m.FHDR.FCnt), byte(m.FHDR.FCnt>>8))
	data = append(data, m.FHDR.FOpts...)

	// FRMPayload only present if FPort is present
	if m.FPort != nil {
		data = append(data, *m.FPort)
		data = append(data, m.FRMPayload...)
	}

	return data, nil
}

// Unmarshal unmarshals MACPayload
func (m *MACPayload) Unmarshal(data []byte, uplink bool) error {
	if len(data) < 7 {
		return fmt.Errorf("%w: MACPayload is %d bytes", ErrFrameTooShort, len(data))
	}

	m.FHDR.DevAddr = devAddrFromWire(data[0:4])
	m.FHDR.FCtrl = decodeFCtrl(data[4], uplink)
	foptsLen := int(data[4] & 0x0F)
	m.FHDR.FCnt = binary.LittleEndian.Uint16(data[5:7])
	pos := 7

	m.FHDR.FOpts = nil
	if foptsLen > 0 {
		if pos+foptsLen > len(data) {
			return ErrInvalidFOptLen
		}
		m.FHDR.FOpts = append([]byte(nil), data[pos:pos+foptsLen]...)
		pos += foptsLen
	}

	m.FPort = nil
	m.FRMPayload = nil
	if pos < len(data) {
		fport := data[pos]
		m.FPort = &fport
		pos++
		m.FRMPayload = append([]byte{}, data[pos:]...)
	}

	return nil
}
