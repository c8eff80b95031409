// Package rtspurl parses and formats rtsp:// and rtsps:// URLs.
package rtspurl

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Default ports per spec §6.
const (
	DefaultPort    = 554
	DefaultTLSPort = 322
)

// URL is a parsed RTSP URL. Credentials are kept out of String() so that
// a URL can be handed to a logger without leaking them.
type URL struct {
	Scheme   string // "rtsp" or "rtsps"
	Username string
	Password string
	Host     string // host without port
	Port     int
	Path     string
	RawQuery string
}

// Parse parses an rtsp(s):// URL.
func Parse(raw string) (*URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("rtspurl: invalid URL: %w", err)
	}

	switch u.Scheme {
	case "rtsp", "rtsps":
	default:
		return nil, fmt.Errorf("rtspurl: unsupported scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("rtspurl: missing host")
	}

	port := 0
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("rtspurl: invalid port %q", p)
		}
	} else if u.Scheme == "rtsps" {
		port = DefaultTLSPort
	} else {
		port = DefaultPort
	}

	out := &URL{
		Scheme:   u.Scheme,
		Host:     host,
		Port:     port,
		Path:     u.Path,
		RawQuery: u.RawQuery,
	}
	if u.User != nil {
		out.Username = u.User.Username()
		out.Password, _ = u.User.Password()
	}
	return out, nil
}

// IsTLS reports whether the URL uses the TLS scheme.
func (u *URL) IsTLS() bool {
	return u.Scheme == "rtsps"
}

// HostPort returns "host:port", suitable for net.Dial.
func (u *URL) HostPort() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

// HasCredentials reports whether the URL carries a username/password.
func (u *URL) HasCredentials() bool {
	return u.Username != "" || u.Password != ""
}

// RequestURI formats the absolute request-URI used on the request line and
// in SETUP track URLs, deliberately never including credentials (spec §3:
// "Credentials never appear in log output" — the request line itself is
// also kept credential-free since servers accept host-form URIs and this
// is what appears in any packet trace or log).
func (u *URL) RequestURI() string {
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	b.WriteString(u.Host)
	if (u.Scheme == "rtsp" && u.Port != DefaultPort) || (u.Scheme == "rtsps" && u.Port != DefaultTLSPort) {
		fmt.Fprintf(&b, ":%d", u.Port)
	}
	if u.Path == "" {
		b.WriteString("/")
	} else {
		b.WriteString(u.Path)
	}
	if u.RawQuery != "" {
		b.WriteString("?")
		b.WriteString(u.RawQuery)
	}
	return b.String()
}

// String formats the URL with credentials redacted, safe for logging.
func (u *URL) String() string {
	if !u.HasCredentials() {
		return u.RequestURI()
	}
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	b.WriteString(u.Username)
	b.WriteString(":***@")
	b.WriteString(u.Host)
	if (u.Scheme == "rtsp" && u.Port != DefaultPort) || (u.Scheme == "rtsps" && u.Port != DefaultTLSPort) {
		fmt.Fprintf(&b, ":%d", u.Port)
	}
	if u.Path == "" {
		b.WriteString("/")
	} else {
		b.WriteString(u.Path)
	}
	return b.String()
}

// Resolve resolves a reference (absolute or relative) against this URL,
// used for SETUP track URLs built from SDP a=control attributes (spec §4.2).
func (u *URL) Resolve(ref string) (*URL, error) {
	if ref == "" || ref == "*" {
		cp := *u
		return &cp, nil
	}
	if strings.Contains(ref, "://") {
		return Parse(ref)
	}

	base := u.RequestURI()
	baseU, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	refU, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("rtspurl: invalid control reference %q: %w", ref, err)
	}
	resolved := baseU.ResolveReference(refU)

	out := &URL{
		Scheme:   u.Scheme,
		Username: u.Username,
		Password: u.Password,
		Host:     u.Host,
		Port:     u.Port,
		Path:     resolved.Path,
		RawQuery: resolved.RawQuery,
	}
	return out, nil
}
