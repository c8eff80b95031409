// Package auth builds RTSP Authorization headers in response to a 401
// challenge, per spec §4.3: Basic, and Digest with MD5 and qop=auth.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/icholy/digest"
)

// Credentials is the username/password pair the caller supplies.
type Credentials struct {
	Username string
	Password string
}

// Helper tracks per-nonce state (nc counters) across retries for one
// transport, and decides Basic vs Digest based on the challenge offered.
type Helper struct {
	creds Credentials

	mu        sync.Mutex
	challenge *digest.Challenge // last parsed WWW-Authenticate, Digest case
	nc        int               // nonce count, monotonic from 1 (spec §4.3)
	basic     bool              // true if the server offered Basic instead
}

// NewHelper returns a Helper for the given credentials. If creds is the
// zero value, Authorize always returns an error (no credentials to offer).
func NewHelper(creds Credentials) *Helper {
	return &Helper{creds: creds}
}

// HasCredentials reports whether the caller supplied any.
func (h *Helper) HasCredentials() bool {
	return h.creds.Username != "" || h.creds.Password != ""
}

// Challenge parses a WWW-Authenticate header value and records its scheme.
// On a stale Digest nonce, the nc counter is reset to 1 (spec §4.3).
func (h *Helper) Challenge(wwwAuthenticate string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	trimmed := strings.TrimSpace(wwwAuthenticate)
	scheme := strings.SplitN(trimmed, " ", 2)[0]

	switch strings.ToLower(scheme) {
	case "digest":
		chal, err := digest.ParseChallenge(trimmed)
		if err != nil {
			return fmt.Errorf("auth: invalid Digest challenge: %w", err)
		}
		if h.challenge == nil || h.challenge.Nonce != chal.Nonce || chal.Stale {
			h.nc = 0
		}
		h.challenge = chal
		h.basic = false
	case "basic":
		h.basic = true
		h.challenge = nil
	default:
		return fmt.Errorf("auth: unsupported authentication scheme %q", scheme)
	}
	return nil
}

// Authorize returns the value of the Authorization header to send for
// method/uri, given the last challenge recorded via Challenge.
func (h *Helper) Authorize(method, uri string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.HasCredentials() {
		return "", fmt.Errorf("auth: no credentials configured")
	}

	if h.basic {
		token := base64.StdEncoding.EncodeToString([]byte(h.creds.Username + ":" + h.creds.Password))
		return "Basic " + token, nil
	}

	if h.challenge == nil {
		return "", fmt.Errorf("auth: no challenge recorded")
	}

	h.nc++
	cnonce, err := freshCnonce()
	if err != nil {
		return "", fmt.Errorf("auth: generating cnonce: %w", err)
	}

	cred, err := digest.Digest(h.challenge, digest.Options{
		Method:   method,
		URI:      uri,
		Count:    h.nc,
		Cnonce:   cnonce,
		Username: h.creds.Username,
		Password: h.creds.Password,
	})
	if err != nil {
		return "", fmt.Errorf("auth: computing digest response: %w", err)
	}
	return cred.String(), nil
}

// freshCnonce returns a fresh 8-byte hex client nonce, per spec §4.3.
func freshCnonce() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
