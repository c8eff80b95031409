// Package rtspclient is the consumer-facing surface of spec §6: a
// session factory over URL, credentials, and transport preference, a
// method to start playback, and an async sequence of decoded RTP
// packets. It composes transport, session, rtptransport and rtcpexchange
// without adding protocol logic of its own.
package rtspclient

import (
	"context"
	"fmt"

	"github.com/lumenstream/rtspclient/auth"
	"github.com/lumenstream/rtspclient/logging"
	"github.com/lumenstream/rtspclient/rtptransport"
	"github.com/lumenstream/rtspclient/rtspurl"
	"github.com/lumenstream/rtspclient/sdpdesc"
	"github.com/lumenstream/rtspclient/session"
	"github.com/lumenstream/rtspclient/transport"
)

// TransportMode selects how RTP/RTCP are carried, re-exported from
// session for a flatter top-level API.
type TransportMode = session.TransportMode

const (
	TransportUDP            = session.TransportUDP
	TransportTCPInterleaved = session.TransportTCPInterleaved
)

// Credentials are optional RTSP authentication credentials.
type Credentials struct {
	Username string
	Password string
}

// Config configures a Client.
type Config struct {
	Credentials   *Credentials
	TransportMode TransportMode
	ClockRates    map[string]uint32
	Logger        logging.Logger
}

// Packet is one decoded RTP packet delivered to the application, per spec
// §6.
type Packet = rtptransport.Packet

// Client is one RTSP session against one URL.
type Client struct {
	url     *rtspurl.URL
	cfg     Config
	tr      *transport.Transport
	sess    *session.Session
	tracks  []*session.Track
}

// Dial parses rawURL, connects the RTSP transport, and returns a Client
// ready to negotiate a session.
func Dial(ctx context.Context, rawURL string, cfg Config) (*Client, error) {
	u, err := rtspurl.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("rtspclient: %w", err)
	}

	var creds *auth.Credentials
	if cfg.Credentials != nil {
		creds = &auth.Credentials{Username: cfg.Credentials.Username, Password: cfg.Credentials.Password}
	} else if u.HasCredentials() {
		creds = &auth.Credentials{Username: u.Username, Password: u.Password}
	}

	tr := transport.New(creds, cfg.Logger)
	if err := tr.Dial(ctx, u); err != nil {
		return nil, err
	}

	return &Client{url: u, cfg: cfg, tr: tr}, nil
}

// Describe runs OPTIONS (best-effort) then DESCRIBE, returning the
// candidate media tracks available for SETUP.
func (c *Client) Describe(ctx context.Context) ([]sdpdesc.MediaDescription, error) {
	sopts := session.Options{
		TransportMode: c.cfg.TransportMode,
		ClockRates:    c.cfg.ClockRates,
		Logger:        c.cfg.Logger,
	}
	if c.cfg.Credentials != nil {
		sopts.Credentials = &session.AuthCredentials{Username: c.cfg.Credentials.Username, Password: c.cfg.Credentials.Password}
	}
	c.sess = session.New(c.url, c.tr, sopts)

	if err := c.sess.Options(ctx); err != nil {
		return nil, err
	}
	return c.sess.Describe(ctx)
}

// Setup negotiates the transport for one media description returned by
// Describe.
func (c *Client) Setup(ctx context.Context, md sdpdesc.MediaDescription) error {
	track, err := c.sess.Setup(ctx, md)
	if err != nil {
		return err
	}
	c.tracks = append(c.tracks, track)
	return nil
}

// Play starts playback of every SETUP track. rangeHeader may be empty for
// the default "npt=0.000-".
func (c *Client) Play(ctx context.Context, rangeHeader string) error {
	return c.sess.Play(ctx, rangeHeader)
}

// Pause pauses playback; a subsequent Play resumes without re-SETUP.
func (c *Client) Pause(ctx context.Context) error {
	return c.sess.Pause(ctx)
}

// Packets returns the merged RTP packet stream for a given track index
// (in SETUP order).
func (c *Client) Packets(trackIndex int) <-chan Packet {
	return c.tracks[trackIndex].Receiver.Packets()
}

// Stats returns the RTP reception stats for a track.
func (c *Client) Stats(trackIndex int) rtptransport.Stats {
	return c.tracks[trackIndex].Receiver.Stats()
}

// Err returns the error that drove the session to ERRORED, if any.
func (c *Client) Err() error {
	return c.sess.Err()
}

// Close tears down the session (best-effort, even on error) and closes
// the transport.
func (c *Client) Close(ctx context.Context) error {
	if c.sess != nil {
		_ = c.sess.Teardown(ctx)
	}
	return c.tr.Close()
}
