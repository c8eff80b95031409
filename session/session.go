// Package session is the RTSP session state machine of spec §4.5: the
// OPTIONS/DESCRIBE/SETUP/PLAY negotiation sequence, per-track transport
// negotiation, keep-alive scheduling, and TEARDOWN. State transitions are
// driven with looplab/fsm, grounded on arzzra-soft_phone's dialog state
// machine usage.
package session

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/lumenstream/rtspclient/logging"
	"github.com/lumenstream/rtspclient/message"
	"github.com/lumenstream/rtspclient/rtcpexchange"
	"github.com/lumenstream/rtspclient/rtptransport"
	"github.com/lumenstream/rtspclient/rtsperr"
	"github.com/lumenstream/rtspclient/rtspurl"
	"github.com/lumenstream/rtspclient/sdpdesc"
	"github.com/lumenstream/rtspclient/transport"
)

// States, per spec §4.5.
const (
	StateInit      = "init"
	StateDescribed = "described"
	StateReady     = "ready"
	StatePlaying   = "playing"
	StatePaused    = "paused"
	StateEnded     = "ended"
	StateErrored   = "errored"
)

const defaultKeepAliveTimeout = 60 * time.Second

// TransportMode is the client's preferred media transport.
type TransportMode int

const (
	TransportUDP TransportMode = iota
	TransportTCPInterleaved
)

// TransportDescriptor is the negotiated per-track carrier, a tagged union
// per spec §3.
type TransportDescriptor struct {
	Mode TransportMode

	// UDP fields.
	ClientRTPPort  int
	ClientRTCPPort int
	ServerRTPPort  int
	ServerRTCPPort int
	SSRC           uint32
	HasSSRC        bool

	// TCP-interleaved fields.
	RTPChannel  uint8
	RTCPChannel uint8
}

// Track is one selected SDP media entry plus its post-SETUP negotiated
// transport, per spec §3.
type Track struct {
	Media       string
	PayloadTypes []int
	ControlURL  *rtspurl.URL

	Transport TransportDescriptor
	Receiver  *rtptransport.Receiver
	RTCP      *rtcpexchange.Exchange

	rtcpConn *net.UDPConn // UDP mode only; nil for interleaved
}

// Options configures a Session.
type Options struct {
	Credentials    *AuthCredentials
	TransportMode  TransportMode
	ClockRates     map[string]uint32 // media type -> RTP clock rate, e.g. "video" -> 90000
	Logger         logging.Logger
}

// AuthCredentials mirrors auth.Credentials without importing the auth
// package's digest dependency into this file's public surface.
type AuthCredentials struct {
	Username string
	Password string
}

// Session drives one RTSP media session over one Transport.
type Session struct {
	opts  Options
	url   *rtspurl.URL
	tr    *transport.Transport
	log   logging.Logger
	fsm   *fsm.FSM

	mu            sync.Mutex
	sessionToken  string
	sessionTimeout time.Duration
	publicMethods map[string]bool
	keepAliveMethod message.Method

	tracks []*Track

	nextInterleavedChannel uint8

	keepAliveCancel context.CancelFunc
	keepAliveDone   chan struct{}

	errored error
}

// New returns a Session bound to a connected Transport for u.
func New(u *rtspurl.URL, tr *transport.Transport, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = logging.Nop{}
	}
	s := &Session{
		opts:          opts,
		url:           u,
		tr:            tr,
		log:           opts.Logger,
		publicMethods: make(map[string]bool),
	}
	s.fsm = fsm.NewFSM(
		StateInit,
		fsm.Events{
			{Name: "describe", Src: []string{StateInit}, Dst: StateDescribed},
			{Name: "setup", Src: []string{StateDescribed, StateReady}, Dst: StateReady},
			{Name: "play", Src: []string{StateReady, StatePaused}, Dst: StatePlaying},
			{Name: "pause", Src: []string{StatePlaying}, Dst: StatePaused},
			{Name: "teardown", Src: []string{StateReady, StatePlaying, StatePaused, StateErrored}, Dst: StateEnded},
			{Name: "error", Src: []string{StateInit, StateDescribed, StateReady, StatePlaying, StatePaused}, Dst: StateErrored},
		},
		fsm.Callbacks{},
	)
	return s
}

// State returns the current session state name.
func (s *Session) State() string {
	return s.fsm.Current()
}

// Options (best-effort, spec §4.5 step 1). Failure never aborts the
// session; it only falls back to "assume all methods supported".
func (s *Session) Options(ctx context.Context) error {
	req := message.NewRequest(message.OPTIONS, s.url.RequestURI())
	resp, err := s.tr.Do(ctx, req, s.sessionTokenLocked())
	if err != nil {
		s.log.Warnf("session: OPTIONS failed, assuming all methods supported: %v", err)
		return nil
	}
	if public, ok := resp.Header.Get("Public"); ok {
		s.mu.Lock()
		for _, m := range strings.Split(public, ",") {
			s.publicMethods[strings.ToUpper(strings.TrimSpace(m))] = true
		}
		s.mu.Unlock()
	}
	return nil
}

func (s *Session) supportsMethod(m message.Method) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.publicMethods) == 0 {
		return true // OPTIONS never answered or had no Public header
	}
	return s.publicMethods[string(m)]
}

func (s *Session) keepAliveMethodChoice() message.Method {
	if s.supportsMethod(message.GET_PARAMETER) {
		return message.GET_PARAMETER
	}
	return message.OPTIONS
}

// Describe issues DESCRIBE and parses the SDP body into candidate tracks
// (spec §4.5 step 2). Callers choose which tracks to SETUP.
func (s *Session) Describe(ctx context.Context) ([]sdpdesc.MediaDescription, error) {
	if !s.fsm.Can("describe") {
		return nil, fmt.Errorf("session: DESCRIBE illegal in state %s", s.fsm.Current())
	}
	req := message.NewRequest(message.DESCRIBE, s.url.RequestURI())
	req.Header.Set("Accept", "application/sdp")
	resp, err := s.tr.Do(ctx, req, "")
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, &rtsperr.ProtocolError{Method: "DESCRIBE", StatusCode: resp.StatusCode, Reason: resp.Reason}
	}
	contentBase, _ := resp.Header.Get("Content-Base")
	contentLoc, _ := resp.Header.Get("Content-Location")
	desc, err := sdpdesc.Parse(resp.Body, contentBase, contentLoc, s.url)
	if err != nil {
		return nil, err
	}
	_ = s.fsm.Event(context.Background(), "describe")
	return desc.Media, nil
}

// Setup issues SETUP for one selected media description, pre-binding a
// UDP port pair or pre-registering interleaved channels before sending
// the request (spec §4.5 step 3).
func (s *Session) Setup(ctx context.Context, md sdpdesc.MediaDescription) (*Track, error) {
	if !s.fsm.Can("setup") {
		return nil, fmt.Errorf("session: SETUP illegal in state %s", s.fsm.Current())
	}

	clockRate := uint32(90000)
	if s.opts.ClockRates != nil {
		if cr, ok := s.opts.ClockRates[md.Media]; ok {
			clockRate = cr
		}
	}

	track := &Track{Media: md.Media, PayloadTypes: md.PayloadTypes, ControlURL: md.ControlURL}
	track.Receiver = rtptransport.NewReceiver(clockRate, s.log)

	req := message.NewRequest(message.SETUP, md.ControlURL.RequestURI())

	switch s.opts.TransportMode {
	case TransportTCPInterleaved:
		s.mu.Lock()
		rtpCh := s.nextInterleavedChannel
		rtcpCh := rtpCh + 1
		s.nextInterleavedChannel += 2
		s.mu.Unlock()

		track.Transport = TransportDescriptor{Mode: TransportTCPInterleaved, RTPChannel: rtpCh, RTCPChannel: rtcpCh}
		s.tr.RegisterSink(rtpCh, &interleavedRTPSink{recv: track.Receiver})
		req.Header.Set("Transport", fmt.Sprintf("RTP/AVP/TCP;unicast;interleaved=%d-%d", rtpCh, rtcpCh))

	default:
		rtpPort, err := track.Receiver.ListenUDP()
		if err != nil {
			return nil, &rtsperr.TransportError{Op: "setup-udp-listen", Err: err}
		}
		rtcpConn, err := net.ListenPacket("udp", ":0")
		if err != nil {
			return nil, &rtsperr.TransportError{Op: "setup-udp-listen-rtcp", Err: err}
		}
		track.rtcpConn = rtcpConn.(*net.UDPConn)
		rtcpPort := track.rtcpConn.LocalAddr().(*net.UDPAddr).Port
		track.Transport = TransportDescriptor{Mode: TransportUDP, ClientRTPPort: rtpPort, ClientRTCPPort: rtcpPort}
		req.Header.Set("Transport", fmt.Sprintf("RTP/AVP;unicast;client_port=%d-%d", rtpPort, rtcpPort))
	}

	resp, err := s.tr.Do(ctx, req, s.sessionTokenLocked())
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, &rtsperr.ProtocolError{Method: "SETUP", StatusCode: resp.StatusCode, Reason: resp.Reason}
	}

	if err := s.ingestSessionHeader(resp); err != nil {
		return nil, err
	}
	if th, ok := resp.Header.Get("Transport"); ok {
		parseNegotiatedTransport(th, &track.Transport)
	}

	ownSSRC, err := randomSSRC()
	if err != nil {
		return nil, err
	}

	switch track.Transport.Mode {
	case TransportTCPInterleaved:
		ex := rtcpexchange.New(track.Receiver, &interleavedRTCPWriter{tr: s.tr, channel: track.Transport.RTCPChannel}, ownSSRC, s.log)
		track.RTCP = ex
		s.tr.RegisterSink(track.Transport.RTCPChannel, &interleavedRTCPSink{ex: ex})
		ex.Start(context.Background())

	default:
		if track.Transport.ServerRTPPort != 0 && track.Transport.ServerRTCPPort != 0 {
			serverAddr := &net.UDPAddr{IP: net.ParseIP(s.url.Host), Port: track.Transport.ServerRTCPPort}
			if serverAddr.IP == nil {
				if ips, err := net.LookupIP(s.url.Host); err == nil && len(ips) > 0 {
					serverAddr.IP = ips[0]
				}
			}
			sink := &rtcpexchange.UDPSink{Conn: track.rtcpConn, Peer: serverAddr}
			ex := rtcpexchange.New(track.Receiver, sink, ownSSRC, s.log)
			track.RTCP = ex
			go s.readRTCPUDP(track)
			ex.Start(context.Background())
		}
	}

	s.mu.Lock()
	s.tracks = append(s.tracks, track)
	s.mu.Unlock()
	_ = s.fsm.Event(context.Background(), "setup")
	return track, nil
}

func randomSSRC() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func (s *Session) readRTCPUDP(track *Track) {
	buf := make([]byte, 65536)
	for {
		n, _, err := track.rtcpConn.ReadFrom(buf)
		if err != nil {
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		track.RTCP.HandleInbound(pkt)
	}
}

// interleavedRTCPWriter adapts transport.Transport's interleaved write
// path to the rtcpexchange.Sink interface.
type interleavedRTCPWriter struct {
	tr      *transport.Transport
	channel uint8
}

func (w *interleavedRTCPWriter) WriteRTCP(buf []byte) error {
	return w.tr.WriteInterleaved(w.channel, buf)
}

func (s *Session) ingestSessionHeader(resp *message.Response) error {
	sessionHdr, ok := resp.Header.Get("Session")
	if !ok {
		return nil
	}
	parts := strings.Split(sessionHdr, ";")
	token := strings.TrimSpace(parts[0])

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionToken != "" && s.sessionToken != token {
		return fmt.Errorf("session: server changed Session token mid-session, was %q now %q", s.sessionToken, token)
	}
	s.sessionToken = token
	s.sessionTimeout = defaultKeepAliveTimeout

	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		if strings.HasPrefix(strings.ToLower(p), "timeout=") {
			if secs, err := strconv.Atoi(strings.TrimPrefix(p, p[:8])); err == nil {
				s.sessionTimeout = time.Duration(secs) * time.Second
			}
		}
	}
	return nil
}

func (s *Session) sessionTokenLocked() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionToken
}

func parseNegotiatedTransport(header string, td *TransportDescriptor) {
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "server_port="):
			ports := strings.SplitN(strings.TrimPrefix(part, "server_port="), "-", 2)
			if len(ports) == 2 {
				td.ServerRTPPort, _ = strconv.Atoi(ports[0])
				td.ServerRTCPPort, _ = strconv.Atoi(ports[1])
			}
		case strings.HasPrefix(part, "ssrc="):
			if v, err := strconv.ParseUint(strings.TrimPrefix(part, "ssrc="), 16, 32); err == nil {
				td.SSRC = uint32(v)
				td.HasSSRC = true
			}
		}
	}
}

// Play starts (or resumes) playback, per spec §4.5 step 4; rangeHeader
// may be empty to use the default "npt=0.000-".
func (s *Session) Play(ctx context.Context, rangeHeader string) error {
	cur := s.fsm.Current()
	if cur != StateReady && cur != StatePaused {
		return fmt.Errorf("session: PLAY illegal in state %s", cur)
	}
	req := message.NewRequest(message.PLAY, s.url.RequestURI())
	if rangeHeader == "" {
		rangeHeader = "npt=0.000-"
	}
	req.Header.Set("Range", rangeHeader)

	resp, err := s.tr.Do(ctx, req, s.sessionTokenLocked())
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return &rtsperr.ProtocolError{Method: "PLAY", StatusCode: resp.StatusCode, Reason: resp.Reason}
	}
	if err := s.fsm.Event(ctx, "play"); err != nil {
		return err
	}
	s.startKeepAlive(ctx)
	return nil
}

// Pause pauses playback without tearing down SETUPs, so a later Play call
// resumes without re-SETUP (a supplement to the distilled spec: see
// SPEC_FULL.md's SUPPLEMENTED FEATURES).
func (s *Session) Pause(ctx context.Context) error {
	if s.fsm.Current() != StatePlaying {
		return fmt.Errorf("session: PAUSE illegal in state %s", s.fsm.Current())
	}
	req := message.NewRequest(message.PAUSE, s.url.RequestURI())
	resp, err := s.tr.Do(ctx, req, s.sessionTokenLocked())
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return &rtsperr.ProtocolError{Method: "PAUSE", StatusCode: resp.StatusCode, Reason: resp.Reason}
	}
	s.stopKeepAlive()
	return s.fsm.Event(ctx, "pause")
}

func (s *Session) startKeepAlive(parent context.Context) {
	s.mu.Lock()
	if s.keepAliveCancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	s.keepAliveCancel = cancel
	s.keepAliveDone = make(chan struct{})
	timeout := s.sessionTimeout
	if timeout == 0 {
		timeout = defaultKeepAliveTimeout
	}
	s.mu.Unlock()

	interval := timeout / 2
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}

	go s.runKeepAlive(ctx, interval)
}

func (s *Session) runKeepAlive(ctx context.Context, interval time.Duration) {
	defer close(s.keepAliveDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			method := s.keepAliveMethodChoice()
			req := message.NewRequest(method, s.url.RequestURI())
			resp, err := s.tr.Do(ctx, req, s.sessionTokenLocked())
			if err != nil {
				s.fail(fmt.Errorf("session: keep-alive failed: %w", err))
				return
			}
			// Any response counts as liveness, including 501 (spec §4.5/§7).
			_ = resp
		}
	}
}

func (s *Session) stopKeepAlive() {
	s.mu.Lock()
	cancel := s.keepAliveCancel
	done := s.keepAliveDone
	s.keepAliveCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.errored = err
	s.mu.Unlock()
	_ = s.fsm.Event(context.Background(), "error")
}

// Err returns the error that drove the session to ERRORED, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errored
}

// Teardown always attempts TEARDOWN, even from ERRORED, best-effort (spec
// §4.5 step 6). It does not close the underlying transport.
func (s *Session) Teardown(ctx context.Context) error {
	s.stopKeepAlive()

	cur := s.fsm.Current()
	if cur != StateReady && cur != StatePlaying && cur != StatePaused && cur != StateErrored {
		return nil
	}

	token := s.sessionTokenLocked()
	if token == "" {
		return nil
	}
	tctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req := message.NewRequest(message.TEARDOWN, s.url.RequestURI())
	_, err := s.tr.Do(tctx, req, token)

	s.mu.Lock()
	for _, tr := range s.tracks {
		if tr.RTCP != nil {
			tr.RTCP.Close(true, "teardown")
		}
		_ = tr.Receiver.Close()
		if tr.rtcpConn != nil {
			_ = tr.rtcpConn.Close()
		}
	}
	s.mu.Unlock()

	_ = s.fsm.Event(context.Background(), "teardown")
	return err
}

// Tracks returns the session's SETUP tracks.
func (s *Session) Tracks() []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// interleavedRTPSink adapts transport.FrameSink to rtptransport.Receiver
// for the RTP half of an interleaved channel pair.
type interleavedRTPSink struct {
	recv *rtptransport.Receiver
}

func (sk *interleavedRTPSink) HandleFrame(channel uint8, payload []byte) {
	sk.recv.Deliver(payload, time.Now())
}

// interleavedRTCPSink adapts transport.FrameSink to rtcpexchange.Exchange
// for the RTCP half of an interleaved channel pair.
type interleavedRTCPSink struct {
	ex *rtcpexchange.Exchange
}

func (sk *interleavedRTCPSink) HandleFrame(channel uint8, payload []byte) {
	sk.ex.HandleInbound(payload)
}
