// Package rtpcodec implements RTP (RFC 3550 §5) header parsing and
// serialization. This is core engineering per spec §1/§2: hand-rolled
// against the wire format rather than delegated to a third-party codec
// (see SPEC_FULL.md's DOMAIN STACK note).
package rtpcodec

import (
	"encoding/binary"
	"fmt"
)

const (
	minHeaderLen  = 12
	version       = 2
	extensionHdrLen = 4
)

// Packet is a parsed RTP packet. Payload is a view into the input buffer
// (no copy beyond header parsing), per spec §4.6.
type Packet struct {
	Version        uint8
	Padding        bool
	Extension      bool
	CSRC           []uint32
	Marker         bool
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32

	ExtensionProfile uint16
	ExtensionPayload []byte // nil if Extension is false

	Payload []byte
}

// Parse parses an RTP packet from buf, per spec §4.1:
//   - reject V != 2
//   - reject length < 12 or length < 12 + 4*CC
//   - if X=1, skip the extension (2-byte id, 2-byte length-in-words, then payload)
//   - if P=1, trim the last byte's value from the payload end
func Parse(buf []byte) (*Packet, error) {
	if len(buf) < minHeaderLen {
		return nil, fmt.Errorf("rtpcodec: packet too short: %d bytes", len(buf))
	}

	b0 := buf[0]
	v := b0 >> 6
	if v != version {
		return nil, fmt.Errorf("rtpcodec: unsupported version %d", v)
	}
	p := b0&0x20 != 0
	x := b0&0x10 != 0
	cc := int(b0 & 0x0f)

	if len(buf) < minHeaderLen+4*cc {
		return nil, fmt.Errorf("rtpcodec: packet too short for CSRC count %d", cc)
	}

	b1 := buf[1]
	m := b1&0x80 != 0
	pt := b1 & 0x7f

	pkt := &Packet{
		Version:        v,
		Padding:        p,
		Extension:      x,
		Marker:         m,
		PayloadType:    pt,
		SequenceNumber: binary.BigEndian.Uint16(buf[2:4]),
		Timestamp:      binary.BigEndian.Uint32(buf[4:8]),
		SSRC:           binary.BigEndian.Uint32(buf[8:12]),
	}

	offset := minHeaderLen
	if cc > 0 {
		pkt.CSRC = make([]uint32, cc)
		for i := 0; i < cc; i++ {
			pkt.CSRC[i] = binary.BigEndian.Uint32(buf[offset : offset+4])
			offset += 4
		}
	}

	if x {
		if len(buf) < offset+extensionHdrLen {
			return nil, fmt.Errorf("rtpcodec: truncated extension header")
		}
		pkt.ExtensionProfile = binary.BigEndian.Uint16(buf[offset : offset+2])
		extWords := int(binary.BigEndian.Uint16(buf[offset+2 : offset+4]))
		offset += extensionHdrLen
		extLen := extWords * 4
		if len(buf) < offset+extLen {
			return nil, fmt.Errorf("rtpcodec: truncated extension payload")
		}
		pkt.ExtensionPayload = buf[offset : offset+extLen]
		offset += extLen
	}

	payload := buf[offset:]
	if p {
		if len(payload) == 0 {
			return nil, fmt.Errorf("rtpcodec: padding bit set on empty payload")
		}
		padLen := int(payload[len(payload)-1])
		if padLen <= 0 || padLen > len(payload) {
			return nil, fmt.Errorf("rtpcodec: invalid padding length %d", padLen)
		}
		payload = payload[:len(payload)-padLen]
	}
	pkt.Payload = payload

	return pkt, nil
}

// Marshal serializes the packet back to wire format. It is used by tests
// and by loopback-style fixtures; the client itself only ever parses
// inbound RTP.
func (p *Packet) Marshal() []byte {
	cc := len(p.CSRC)
	headerLen := minHeaderLen + 4*cc
	extLen := 0
	if p.Extension {
		extLen = extensionHdrLen + len(p.ExtensionPayload)
	}
	buf := make([]byte, headerLen+extLen+len(p.Payload))

	b0 := byte(version << 6)
	if p.Padding {
		b0 |= 0x20
	}
	if p.Extension {
		b0 |= 0x10
	}
	b0 |= byte(cc & 0x0f)
	buf[0] = b0

	b1 := p.PayloadType & 0x7f
	if p.Marker {
		b1 |= 0x80
	}
	buf[1] = b1

	binary.BigEndian.PutUint16(buf[2:4], p.SequenceNumber)
	binary.BigEndian.PutUint32(buf[4:8], p.Timestamp)
	binary.BigEndian.PutUint32(buf[8:12], p.SSRC)

	offset := minHeaderLen
	for _, csrc := range p.CSRC {
		binary.BigEndian.PutUint32(buf[offset:offset+4], csrc)
		offset += 4
	}

	if p.Extension {
		binary.BigEndian.PutUint16(buf[offset:offset+2], p.ExtensionProfile)
		binary.BigEndian.PutUint16(buf[offset+2:offset+4], uint16(len(p.ExtensionPayload)/4))
		offset += extensionHdrLen
		copy(buf[offset:], p.ExtensionPayload)
		offset += len(p.ExtensionPayload)
	}

	copy(buf[offset:], p.Payload)
	return buf
}
