// Package transport is the RTSP transport of spec §4.4: a single
// cooperative connection that multiplexes request/response dispatch by
// CSeq and demultiplexes interleaved RTP/RTCP frames to registered
// sinks. Grounded on the teacher's Client in internal/rtsp/client.go
// (connection handling, response parsing, keep-alive) generalized into a
// standalone transport independent of session semantics, plus the
// teacher's bench rate limiter (internal/bench/runner.go) repurposed here
// as a per-connection write-rate guard.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lumenstream/rtspclient/auth"
	"github.com/lumenstream/rtspclient/logging"
	"github.com/lumenstream/rtspclient/message"
	"github.com/lumenstream/rtspclient/rtspurl"
	"github.com/lumenstream/rtspclient/rtsperr"
)

// State is the connection's lifecycle state, per spec §4.4.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// DefaultRequestTimeout is how long a request waits for its matching
// response before failing with rtsperr.TimeoutError (spec §4.4).
const DefaultRequestTimeout = 10 * time.Second

// writeBurst and writeRatePerSecond bound the write-rate guard; generous
// enough never to throttle normal RTSP signaling, just to cap pathological
// retry storms (adapted from the teacher's bench rate limiter).
const (
	writeRatePerSecond = 50
	writeBurst         = 20
)

// FrameSink receives one interleaved RTP/RTCP frame's payload for a given
// channel number. Unregistered channels are dropped silently, never cause
// a disconnect (spec §4.4).
type FrameSink interface {
	HandleFrame(channel uint8, payload []byte)
}

// Transport is one RTSP control connection: TCP or TLS, framed per RFC
// 2326 §10.12 (request/response interleaved with optional binary frames).
type Transport struct {
	log     logging.Logger
	authH   *auth.Helper
	limiter *rate.Limiter

	mu    sync.Mutex
	state State
	conn  net.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint32]chan *message.Response

	sinksMu sync.Mutex
	sinks   map[uint8]FrameSink

	cseq uint32

	readDone  chan struct{}
	readErr   error
	closeOnce sync.Once
}

// New returns an unconnected Transport. creds may be nil if the server
// requires no authentication.
func New(creds *auth.Credentials, log logging.Logger) *Transport {
	if log == nil {
		log = logging.Nop{}
	}
	var helper *auth.Helper
	if creds != nil {
		helper = auth.NewHelper(*creds)
	}
	return &Transport{
		log:     log,
		authH:   helper,
		limiter: rate.NewLimiter(rate.Limit(writeRatePerSecond), writeBurst),
		state:   StateIdle,
		pending: make(map[uint32]chan *message.Response),
		sinks:   make(map[uint8]FrameSink),
	}
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Dial establishes the TCP (or TLS, per u.IsTLS) connection and starts the
// read loop. ctx bounds the dial only, not the connection's lifetime.
func (t *Transport) Dial(ctx context.Context, u *rtspurl.URL) error {
	t.setState(StateConnecting)

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	var conn net.Conn
	var err error
	if u.IsTLS() {
		tlsDialer := &tls.Dialer{NetDialer: dialer}
		conn, err = tlsDialer.DialContext(ctx, "tcp", u.HostPort())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", u.HostPort())
	}
	if err != nil {
		t.setState(StateClosed)
		return &rtsperr.TransportError{Op: "dial", Err: err}
	}

	t.conn = conn
	t.readDone = make(chan struct{})
	t.setState(StateOpen)
	go t.readLoop()
	return nil
}

// RegisterSink maps an interleaved channel number to a frame sink (spec
// §4.5's SETUP pre-allocates channels before sending the request).
func (t *Transport) RegisterSink(channel uint8, sink FrameSink) {
	t.sinksMu.Lock()
	defer t.sinksMu.Unlock()
	t.sinks[channel] = sink
}

// UnregisterSink removes a channel mapping, e.g. on TEARDOWN.
func (t *Transport) UnregisterSink(channel uint8) {
	t.sinksMu.Lock()
	defer t.sinksMu.Unlock()
	delete(t.sinks, channel)
}

// Do sends req and waits for its matching response, retrying once with
// Digest/Basic authorization on a 401 (spec §4.3, §7). A second 401 is
// fatal (rtsperr.AuthError).
func (t *Transport) Do(ctx context.Context, req *message.Request, session string) (*message.Response, error) {
	if session != "" {
		req.Header.Set("Session", session)
	}

	resp, err := t.doOnce(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 401 {
		return resp, nil
	}

	if t.authH == nil {
		return nil, &rtsperr.AuthError{Reason: "server requires authentication but no credentials were configured"}
	}
	if err := t.authH.Challenge(resp.Header.GetDefault("WWW-Authenticate", "")); err != nil {
		return nil, &rtsperr.AuthError{Reason: err.Error()}
	}

	cred, err := t.authH.Authorize(string(req.Method), req.URI)
	if err != nil {
		return nil, &rtsperr.AuthError{Reason: err.Error()}
	}
	retryReq := message.NewRequest(req.Method, req.URI)
	for _, name := range req.Header.Names() {
		retryReq.Header.Set(name, req.Header.GetDefault(name, ""))
	}
	retryReq.Header.Set("Authorization", cred)
	retryReq.Body = req.Body

	resp, err = t.doOnce(ctx, retryReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == 401 {
		return nil, &rtsperr.AuthError{Reason: "authentication failed after retry"}
	}
	return resp, nil
}

func (t *Transport) doOnce(ctx context.Context, req *message.Request) (*message.Response, error) {
	if s := t.State(); s == StateClosing || s == StateClosed {
		return nil, rtsperr.ErrClosed
	}
	cseq := t.nextCSeq()
	req.CSeq = cseq

	ch := make(chan *message.Response, 1)
	t.pendingMu.Lock()
	t.pending[cseq] = ch
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, cseq)
		t.pendingMu.Unlock()
	}()

	if err := t.writeRequest(ctx, req); err != nil {
		return nil, err
	}

	timeout := DefaultRequestTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return nil, &rtsperr.TimeoutError{Op: fmt.Sprintf("%s (CSeq %d)", req.Method, cseq)}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.readDone:
		if t.readErr != nil {
			return nil, &rtsperr.TransportError{Op: "read", Err: t.readErr}
		}
		return nil, rtsperr.ErrClosed
	}
}

func (t *Transport) nextCSeq() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cseq++
	return t.cseq
}

func (t *Transport) writeRequest(ctx context.Context, req *message.Request) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := t.conn.Write(req.Marshal())
	if err != nil {
		return &rtsperr.TransportError{Op: "write", Err: err}
	}
	return nil
}

// WriteInterleaved writes payload as one '$'-framed binary frame on the
// given interleaved channel. The session wraps it in an rtcpexchange.Sink
// to send RTCP when TCP interleaving was negotiated rather than UDP.
func (t *Transport) WriteInterleaved(channel uint8, payload []byte) error {
	if err := t.limiter.Wait(context.Background()); err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	header := make([]byte, 4)
	header[0] = '$'
	header[1] = channel
	binary.BigEndian.PutUint16(header[2:], uint16(len(payload)))

	if _, err := t.conn.Write(header); err != nil {
		return &rtsperr.TransportError{Op: "write-interleaved", Err: err}
	}
	if _, err := t.conn.Write(payload); err != nil {
		return &rtsperr.TransportError{Op: "write-interleaved", Err: err}
	}
	return nil
}

// readLoop is the single cooperative reader task: it demultiplexes
// interleaved binary frames to registered sinks and completes pending
// requests by CSeq, per spec §4.4 and §5.
func (t *Transport) readLoop() {
	defer close(t.readDone)
	r := bufio.NewReaderSize(t.conn, 1024*1024)

	for {
		b, err := r.Peek(1)
		if err != nil {
			t.readErr = err
			t.failAllPending(err)
			return
		}

		if b[0] == '$' {
			if err := t.readInterleavedFrame(r); err != nil {
				t.readErr = err
				t.failAllPending(err)
				return
			}
			continue
		}

		resp, err := message.ParseResponseHead(r)
		if err != nil {
			t.readErr = err
			t.failAllPending(err)
			return
		}
		if n := resp.ContentLength(); n > 0 {
			// Route any binary frames that arrive between the header
			// block and the body before reading the body itself.
			for {
				b, err := r.Peek(1)
				if err == nil && b[0] == '$' {
					if err = t.readInterleavedFrame(r); err == nil {
						continue
					}
				}
				if err != nil {
					t.readErr = err
					t.failAllPending(err)
					return
				}
				break
			}
			resp.Body = make([]byte, n)
			if _, err := io.ReadFull(r, resp.Body); err != nil {
				t.readErr = err
				t.failAllPending(err)
				return
			}
		}

		if !resp.Final() {
			t.log.Debugf("transport: 1xx response for CSeq %d, awaiting final", resp.CSeq)
			continue
		}

		t.pendingMu.Lock()
		ch, ok := t.pending[resp.CSeq]
		t.pendingMu.Unlock()
		if !ok {
			t.log.Debugf("transport: response for unknown CSeq %d, dropping", resp.CSeq)
			continue
		}
		ch <- resp
	}
}

func (t *Transport) readInterleavedFrame(r *bufio.Reader) error {
	if _, err := r.ReadByte(); err != nil { // consume '$'
		return err
	}
	channel, err := r.ReadByte()
	if err != nil {
		return err
	}
	var length uint16
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return err
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}

	t.sinksMu.Lock()
	sink, ok := t.sinks[channel]
	t.sinksMu.Unlock()
	if !ok {
		// Unregistered channel: drop silently, per spec §4.4.
		return nil
	}
	sink.HandleFrame(channel, payload)
	return nil
}

// failAllPending clears the pending table on a fatal read error. It does
// not close the per-request channels: doOnce's select also watches
// t.readDone, which is closed right after this runs, so every waiter
// observes the failure that way instead of a spurious zero-value receive.
func (t *Transport) failAllPending(err error) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for cseq := range t.pending {
		delete(t.pending, cseq)
	}
}

// Close closes the underlying connection. Safe to call multiple times.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.setState(StateClosing)
		if t.conn != nil {
			err = t.conn.Close()
		}
		t.setState(StateClosed)
	})
	return err
}
