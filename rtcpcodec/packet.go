// Package rtcpcodec implements RTCP (RFC 3550 §6) compound-packet parsing
// and serialization for the packet types this client needs: SR, RR, SDES,
// BYE. Like rtpcodec, this is hand-rolled core engineering per spec §1/§2
// (see SPEC_FULL.md's DOMAIN STACK note) rather than delegated to a
// third-party RTCP codec.
package rtcpcodec

import (
	"encoding/binary"
	"fmt"
)

// Packet types recognized, per spec §3.
const (
	TypeSR   = 200
	TypeRR   = 201
	TypeSDES = 202
	TypeBYE  = 203
	TypeAPP  = 204
)

const sdesCNAME = 1

// ReportBlock is one RTCP reception report block (RFC 3550 §6.4.1).
type ReportBlock struct {
	SSRC               uint32
	FractionLost       uint8
	CumulativeLost     int32 // signed 24-bit range, clamped per spec §3
	ExtendedHighestSeq uint32
	Jitter             uint32
	LSR                uint32
	DLSR               uint32
}

// SenderReport is an RTCP SR (PT=200).
type SenderReport struct {
	SSRC           uint32
	NTPSeconds     uint32
	NTPFraction    uint32
	RTPTimestamp   uint32
	PacketCount    uint32
	OctetCount     uint32
	Reports        []ReportBlock
}

// NTPMiddle32 returns the middle 32 bits of the 64-bit NTP timestamp, used
// as the LSR value in a subsequent RR (spec glossary: LSR).
func (s *SenderReport) NTPMiddle32() uint32 {
	full := uint64(s.NTPSeconds)<<32 | uint64(s.NTPFraction)
	return uint32(full >> 16)
}

// ReceiverReport is an RTCP RR (PT=201).
type ReceiverReport struct {
	SSRC    uint32
	Reports []ReportBlock
}

// SourceDescription is an RTCP SDES (PT=202). Only CNAME is modeled; other
// SDES items are informational per spec §4.7 and are not retained.
type SourceDescription struct {
	SSRC  uint32
	CNAME string
}

// Goodbye is an RTCP BYE (PT=203).
type Goodbye struct {
	SSRCs  []uint32
	Reason string
}

// Packet is the common interface of a decoded RTCP sub-packet.
type Packet interface {
	packetType() int
}

func (*SenderReport) packetType() int      { return TypeSR }
func (*ReceiverReport) packetType() int    { return TypeRR }
func (*SourceDescription) packetType() int { return TypeSDES }
func (*Goodbye) packetType() int           { return TypeBYE }

// ParseCompound walks a compound RTCP packet, returning each recognized
// sub-packet in order. Unknown PTs are skipped, not errors (spec §4.1).
// Each sub-packet's length is (length+1)*4 bytes; parsing rejects a
// length field that would walk past the end of buf.
func ParseCompound(buf []byte) ([]Packet, error) {
	var out []Packet
	for len(buf) > 0 {
		if len(buf) < 4 {
			return nil, fmt.Errorf("rtcpcodec: truncated header, %d bytes left", len(buf))
		}
		b0 := buf[0]
		v := b0 >> 6
		if v != 2 {
			return nil, fmt.Errorf("rtcpcodec: unsupported version %d", v)
		}
		rc := int(b0 & 0x1f)
		pt := int(buf[1])
		lengthWords := binary.BigEndian.Uint16(buf[2:4])
		byteLen := (int(lengthWords) + 1) * 4

		if byteLen > len(buf) {
			return nil, fmt.Errorf("rtcpcodec: sub-packet length %d exceeds remaining buffer %d", byteLen, len(buf))
		}
		body := buf[4:byteLen]

		switch pt {
		case TypeSR:
			sr, err := parseSR(rc, body)
			if err != nil {
				return nil, err
			}
			out = append(out, sr)
		case TypeRR:
			rr, err := parseRR(rc, body)
			if err != nil {
				return nil, err
			}
			out = append(out, rr)
		case TypeSDES:
			sdes, err := parseSDES(rc, body)
			if err != nil {
				return nil, err
			}
			out = append(out, sdes...)
		case TypeBYE:
			bye, err := parseBYE(rc, body)
			if err != nil {
				return nil, err
			}
			out = append(out, bye)
		default:
			// APP and anything else: skipped, not an error.
		}

		buf = buf[byteLen:]
	}
	return out, nil
}

func parseReportBlocks(rc int, body []byte) ([]ReportBlock, []byte, error) {
	if len(body) < rc*24 {
		return nil, nil, fmt.Errorf("rtcpcodec: truncated report blocks, rc=%d", rc)
	}
	blocks := make([]ReportBlock, rc)
	for i := 0; i < rc; i++ {
		b := body[i*24 : (i+1)*24]
		cum := int32(b[5])<<16 | int32(b[6])<<8 | int32(b[7])
		if cum&0x00800000 != 0 { // sign-extend 24-bit
			cum |= -0x01000000
		}
		blocks[i] = ReportBlock{
			SSRC:               binary.BigEndian.Uint32(b[0:4]),
			FractionLost:       b[4],
			CumulativeLost:     cum,
			ExtendedHighestSeq: binary.BigEndian.Uint32(b[8:12]),
			Jitter:             binary.BigEndian.Uint32(b[12:16]),
			LSR:                binary.BigEndian.Uint32(b[16:20]),
			DLSR:               binary.BigEndian.Uint32(b[20:24]),
		}
	}
	return blocks, body[rc*24:], nil
}

func parseSR(rc int, body []byte) (*SenderReport, error) {
	if len(body) < 24 {
		return nil, fmt.Errorf("rtcpcodec: truncated SR")
	}
	sr := &SenderReport{
		SSRC:         binary.BigEndian.Uint32(body[0:4]),
		NTPSeconds:   binary.BigEndian.Uint32(body[4:8]),
		NTPFraction:  binary.BigEndian.Uint32(body[8:12]),
		RTPTimestamp: binary.BigEndian.Uint32(body[12:16]),
		PacketCount:  binary.BigEndian.Uint32(body[16:20]),
		OctetCount:   binary.BigEndian.Uint32(body[20:24]),
	}
	blocks, _, err := parseReportBlocks(rc, body[24:])
	if err != nil {
		return nil, err
	}
	sr.Reports = blocks
	return sr, nil
}

func parseRR(rc int, body []byte) (*ReceiverReport, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("rtcpcodec: truncated RR")
	}
	rr := &ReceiverReport{SSRC: binary.BigEndian.Uint32(body[0:4])}
	blocks, _, err := parseReportBlocks(rc, body[4:])
	if err != nil {
		return nil, err
	}
	rr.Reports = blocks
	return rr, nil
}

func parseSDES(count int, body []byte) ([]Packet, error) {
	out := make([]Packet, 0, count)
	for i := 0; i < count; i++ {
		if len(body) < 4 {
			return nil, fmt.Errorf("rtcpcodec: truncated SDES chunk")
		}
		ssrc := binary.BigEndian.Uint32(body[0:4])
		body = body[4:]
		sdes := &SourceDescription{SSRC: ssrc}

		for {
			if len(body) == 0 {
				return nil, fmt.Errorf("rtcpcodec: truncated SDES items")
			}
			itemType := body[0]
			if itemType == 0 {
				body = body[1:]
				// chunks are padded to a 32-bit boundary
				for len(body) > 0 && body[0] == 0 {
					body = body[1:]
				}
				break
			}
			if len(body) < 2 {
				return nil, fmt.Errorf("rtcpcodec: truncated SDES item header")
			}
			itemLen := int(body[1])
			if len(body) < 2+itemLen {
				return nil, fmt.Errorf("rtcpcodec: truncated SDES item value")
			}
			if itemType == sdesCNAME {
				sdes.CNAME = string(body[2 : 2+itemLen])
			}
			body = body[2+itemLen:]
		}
		out = append(out, sdes)
	}
	return out, nil
}

func parseBYE(sc int, body []byte) (*Goodbye, error) {
	if len(body) < sc*4 {
		return nil, fmt.Errorf("rtcpcodec: truncated BYE SSRC list")
	}
	bye := &Goodbye{SSRCs: make([]uint32, sc)}
	for i := 0; i < sc; i++ {
		bye.SSRCs[i] = binary.BigEndian.Uint32(body[i*4 : i*4+4])
	}
	rest := body[sc*4:]
	if len(rest) > 0 {
		reasonLen := int(rest[0])
		if len(rest) >= 1+reasonLen {
			bye.Reason = string(rest[1 : 1+reasonLen])
		}
	}
	return bye, nil
}

// MarshalRR serializes an RR, per RFC 3550 §6.4.2. Max 31 report blocks
// per spec §4.1; callers are expected to have already clamped.
func MarshalRR(rr *ReceiverReport) []byte {
	rc := len(rr.Reports)
	if rc > 31 {
		rc = 31
	}
	buf := make([]byte, 8+rc*24)
	buf[0] = byte(2<<6) | byte(rc)
	buf[1] = TypeRR
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)/4-1))
	binary.BigEndian.PutUint32(buf[4:8], rr.SSRC)
	for i := 0; i < rc; i++ {
		writeReportBlock(buf[8+i*24:8+(i+1)*24], rr.Reports[i])
	}
	return buf
}

func writeReportBlock(b []byte, rp ReportBlock) {
	binary.BigEndian.PutUint32(b[0:4], rp.SSRC)
	b[4] = rp.FractionLost
	cum := rp.CumulativeLost
	b[5] = byte(cum >> 16)
	b[6] = byte(cum >> 8)
	b[7] = byte(cum)
	binary.BigEndian.PutUint32(b[8:12], rp.ExtendedHighestSeq)
	binary.BigEndian.PutUint32(b[12:16], rp.Jitter)
	binary.BigEndian.PutUint32(b[16:20], rp.LSR)
	binary.BigEndian.PutUint32(b[20:24], rp.DLSR)
}

// MarshalSDES serializes an SDES packet carrying one CNAME chunk, per
// spec §4.1 ("SDES always sends CNAME").
func MarshalSDES(ssrc uint32, cname string) []byte {
	itemLen := len(cname)
	chunkLen := 4 + 2 + itemLen + 1 // ssrc + (type,len) + value + terminator
	pad := (4 - chunkLen%4) % 4
	totalLen := chunkLen + pad

	buf := make([]byte, 4+totalLen)
	buf[0] = byte(2<<6) | 1 // version=2, SC=1
	buf[1] = TypeSDES
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)/4-1))
	binary.BigEndian.PutUint32(buf[4:8], ssrc)
	buf[8] = sdesCNAME
	buf[9] = byte(itemLen)
	copy(buf[10:10+itemLen], cname)
	// trailing bytes already zero (terminator + padding)
	return buf
}

// MarshalBYE serializes a BYE for a single SSRC.
func MarshalBYE(ssrc uint32, reason string) []byte {
	body := 4
	if reason != "" {
		body += 1 + len(reason)
	}
	pad := (4 - body%4) % 4
	buf := make([]byte, 4+body+pad)
	buf[0] = byte(2<<6) | 1
	buf[1] = TypeBYE
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)/4-1))
	binary.BigEndian.PutUint32(buf[4:8], ssrc)
	if reason != "" {
		buf[8] = byte(len(reason))
		copy(buf[9:9+len(reason)], reason)
	}
	return buf
}

// ClampCumulativeLost clamps to the signed 24-bit wire range, per spec §3
// and §4.7's overflow guard.
func ClampCumulativeLost(v int64) int32 {
	const maxV = 1<<23 - 1
	const minV = -(1 << 23)
	if v > maxV {
		return maxV
	}
	if v < minV {
		return minV
	}
	return int32(v)
}
