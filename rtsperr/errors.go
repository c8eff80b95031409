// Package rtsperr defines the error taxonomy of spec §7: transport,
// protocol, auth, timeout, media, and cancellation errors, as distinct
// types rather than ad hoc fmt.Errorf strings, so callers can branch on
// fatality with errors.As.
package rtsperr

import (
	"context"
	"errors"
	"fmt"
)

// TransportError is fatal to the session: connect failure, unexpected EOF,
// malformed frame.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rtsp: transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is fatal to the current request; the session may continue
// if the request was optional (OPTIONS, keep-alive GET_PARAMETER).
type ProtocolError struct {
	Method     string
	StatusCode int // 0 if the failure was a parse failure, not a status
	Reason     string
}

func (e *ProtocolError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("rtsp: protocol error on %s: %s", e.Method, e.Reason)
	}
	return fmt.Sprintf("rtsp: %s failed with %d %s", e.Method, e.StatusCode, e.Reason)
}

// AuthError is fatal to the session: two consecutive 401s, or a 401 with
// an unsupported scheme.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("rtsp: authentication failed: %s", e.Reason)
}

// TimeoutError wraps a request or keep-alive timeout. Request timeouts are
// local (the connection survives); keep-alive timeouts are fatal to the
// session.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rtsp: %s timed out", e.Op)
}

func (e *TimeoutError) Timeout() bool { return true }

// MediaError marks a malformed RTP/RTCP packet. Never fatal: callers drop
// and count.
type MediaError struct {
	Reason string
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("rtsp: media error: %s", e.Reason)
}

// IsCancellation reports whether err is an expected cancellation (context
// cancelled/deadline exceeded), which should propagate silently rather
// than being logged as an error (spec §7).
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// ErrClosed is returned by operations attempted after Close.
var ErrClosed = errors.New("rtsp: connection closed")

// ErrNoSink names the case of an interleaved frame arriving for a channel
// with no registered sink. The transport drops such frames without
// disconnecting (spec §4.4) and does not return this error.
var ErrNoSink = errors.New("rtsp: no sink registered for channel")
