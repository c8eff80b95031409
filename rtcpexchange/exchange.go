// Package rtcpexchange is the RTCP exchange of spec §4.7: it consumes
// inbound compound RTCP for a track (SR/SDES/BYE), maintains the LSR/DLSR
// bookkeeping needed to build outbound receiver reports, and schedules
// outbound RR+SDES compound packets on RFC 3550 §6.2 timing.
//
// Grounded on the teacher's periodic-report goroutine in
// internal/rtsp/client.go, generalized from the teacher's fixed interval
// to the randomized RFC 3550 interval.
package rtcpexchange

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumenstream/rtspclient/logging"
	"github.com/lumenstream/rtspclient/rtcpcodec"
	"github.com/lumenstream/rtspclient/rtptransport"
)

// MinReportInterval is RFC 3550 §6.2's minimum RTCP report interval.
const MinReportInterval = 5 * time.Second

// Sink is where an outbound compound RTCP packet is written: either a UDP
// socket to the server's RTCP port, or the interleaved channel sink.
type Sink interface {
	WriteRTCP(buf []byte) error
}

// UDPSink writes outbound RTCP to a fixed UDP peer address.
type UDPSink struct {
	Conn *net.UDPConn
	Peer *net.UDPAddr
}

func (s *UDPSink) WriteRTCP(buf []byte) error {
	_, err := s.Conn.WriteToUDP(buf, s.Peer)
	return err
}

// lastSR records bookkeeping needed to compute DLSR in the next RR, per
// spec §4.7's "last_sr_ntp_middle32 / last_sr_local_ts" per-SSRC state.
type lastSR struct {
	ntpMiddle32 uint32
	localTS     time.Time
}

// Exchange manages inbound/outbound RTCP for one track.
type Exchange struct {
	log      logging.Logger
	receiver *rtptransport.Receiver
	sink     Sink
	cname    string
	ssrc     uint32

	mu      sync.Mutex
	lastSRs map[uint32]lastSR
	goneSSRCs map[uint32]bool

	onBye func(ssrc uint32, reason string)

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns an Exchange for one track. receiver supplies per-SSRC
// sequence/jitter stats to embed in outbound report blocks. ssrc is this
// client's own reporting SSRC (spec §4.7: a client reports as a receiver,
// using its own SSRC, even though it sends no RTP).
func New(receiver *rtptransport.Receiver, sink Sink, ssrc uint32, log logging.Logger) *Exchange {
	if log == nil {
		log = logging.Nop{}
	}
	return &Exchange{
		log:       log,
		receiver:  receiver,
		sink:      sink,
		cname:     uuid.NewString(),
		ssrc:      ssrc,
		lastSRs:   make(map[uint32]lastSR),
		goneSSRCs: make(map[uint32]bool),
	}
}

// OnBye registers a callback invoked when a BYE is received for an SSRC.
func (e *Exchange) OnBye(fn func(ssrc uint32, reason string)) {
	e.onBye = fn
}

// HandleInbound parses and applies one raw compound RTCP datagram/frame.
// Malformed input is logged and dropped, never fatal (spec §4.7, §7).
func (e *Exchange) HandleInbound(raw []byte) {
	pkts, err := rtcpcodec.ParseCompound(raw)
	if err != nil {
		e.log.Debugf("rtcpexchange: dropping malformed RTCP: %v", err)
		return
	}
	now := time.Now()
	for _, p := range pkts {
		switch v := p.(type) {
		case *rtcpcodec.SenderReport:
			e.mu.Lock()
			e.lastSRs[v.SSRC] = lastSR{ntpMiddle32: v.NTPMiddle32(), localTS: now}
			e.mu.Unlock()
		case *rtcpcodec.Goodbye:
			e.mu.Lock()
			for _, ssrc := range v.SSRCs {
				e.goneSSRCs[ssrc] = true
			}
			e.mu.Unlock()
			if e.onBye != nil {
				for _, ssrc := range v.SSRCs {
					e.onBye(ssrc, v.Reason)
				}
			}
		case *rtcpcodec.SourceDescription:
			// CNAME is informational for a receiving client; no action
			// needed beyond having parsed it (spec §4.7).
		}
	}
}

// buildRR constructs one compound RR+SDES packet covering every SSRC the
// receiver currently tracks, per spec §4.7.
func (e *Exchange) buildRR() []byte {
	stats := e.receiver.Stats()

	e.mu.Lock()
	defer e.mu.Unlock()

	rr := &rtcpcodec.ReceiverReport{SSRC: e.ssrc}
	for ssrc, s := range stats.PerSSRC {
		if e.goneSSRCs[ssrc] {
			continue
		}
		block := rtcpcodec.ReportBlock{
			SSRC:               ssrc,
			FractionLost:       s.FractionLost,
			CumulativeLost:     rtcpcodec.ClampCumulativeLost(s.CumulativeLost),
			ExtendedHighestSeq: s.MaxSeq,
			Jitter:             uint32(s.Jitter),
		}
		if last, ok := e.lastSRs[ssrc]; ok {
			block.LSR = last.ntpMiddle32
			elapsed := time.Since(last.localTS)
			block.DLSR = uint32(elapsed.Seconds() * 65536)
		}
		rr.Reports = append(rr.Reports, block)
		if len(rr.Reports) == 31 {
			break // spec §4.1: max 31 report blocks per RR
		}
	}

	buf := rtcpcodec.MarshalRR(rr)
	buf = append(buf, rtcpcodec.MarshalSDES(e.ssrc, e.cname)...)
	return buf
}

// sendReport marshals and writes the current RR+SDES, marking each
// tracker's interval counters reset.
func (e *Exchange) sendReport() {
	buf := e.buildRR()
	if err := e.sink.WriteRTCP(buf); err != nil {
		e.log.Warnf("rtcpexchange: writing RTCP report: %v", err)
		return
	}
	stats := e.receiver.Stats()
	for ssrc := range stats.PerSSRC {
		e.receiver.Tracker(ssrc).MarkReportSent()
	}
}

// Start begins the periodic report scheduler, using RFC 3550 §6.2's
// randomized interval in [0.5*MinReportInterval, 1.5*MinReportInterval].
// Stop by cancelling ctx or calling Close.
func (e *Exchange) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(ctx)
}

func (e *Exchange) run(ctx context.Context) {
	defer close(e.done)
	for {
		interval := randomizedInterval()
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
			e.sendReport()
		}
	}
}

func randomizedInterval() time.Duration {
	factor := 0.5 + rand.Float64() // [0.5, 1.5)
	return time.Duration(float64(MinReportInterval) * factor)
}

// Close stops the scheduler and, if requested, sends a final BYE.
func (e *Exchange) Close(sendBye bool, reason string) {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	if sendBye {
		buf := rtcpcodec.MarshalBYE(e.ssrc, reason)
		if err := e.sink.WriteRTCP(buf); err != nil {
			e.log.Debugf("rtcpexchange: writing final BYE: %v", err)
		}
	}
}
