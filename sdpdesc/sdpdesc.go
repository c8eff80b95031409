// Package sdpdesc is the narrow SDP parser of spec §4.2: it decodes a
// DESCRIBE body with pion/sdp/v3 and extracts only what SETUP needs —
// per-m=-line media type, payload types, and a=control — resolving the
// control URL against Content-Base/Content-Location/request URL. Codec
// specifics are opaque here, per spec.
package sdpdesc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/lumenstream/rtspclient/rtspurl"
)

// MediaDescription is one selected m= entry, narrowed to what SETUP needs.
type MediaDescription struct {
	Media       string // "audio", "video", "application", ...
	PayloadTypes []int
	ControlURL  *rtspurl.URL // resolved absolute control URL
}

// Describe is the narrowed result of parsing a DESCRIBE response body.
type Describe struct {
	Media []MediaDescription
}

// Parse decodes body and resolves each track's control URL. contentBase
// and contentLocation are the corresponding RTSP response headers (may be
// empty); requestURL is the DESCRIBE request's URL, used as the last
// resolution fallback per spec §4.2.
func Parse(body []byte, contentBase, contentLocation string, requestURL *rtspurl.URL) (*Describe, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("sdpdesc: parsing SDP: %w", err)
	}

	base := requestURL
	if contentBase != "" {
		if u, err := rtspurl.Parse(strings.TrimSpace(contentBase)); err == nil {
			base = u
		}
	} else if contentLocation != "" {
		if u, err := rtspurl.Parse(strings.TrimSpace(contentLocation)); err == nil {
			base = u
		}
	}

	sessionControl, _ := attributeValue(sd.Attributes, "control")

	out := &Describe{}
	for _, md := range sd.MediaDescriptions {
		pts := make([]int, 0, len(md.MediaName.Formats))
		for _, f := range md.MediaName.Formats {
			if pt, err := strconv.Atoi(f); err == nil {
				pts = append(pts, pt)
			}
		}

		control, ok := attributeValue(md.Attributes, "control")
		if !ok {
			control = sessionControl
		}

		resolveBase := base
		// A media section without its own a=control uses the
		// session-level a=control value as its reference; either way the
		// reference is resolved against base, and a resolution failure
		// is returned as an error.
		controlURL, err := resolveBase.Resolve(control)
		if err != nil {
			return nil, fmt.Errorf("sdpdesc: resolving control URL %q: %w", control, err)
		}

		out.Media = append(out.Media, MediaDescription{
			Media:        md.MediaName.Media,
			PayloadTypes: pts,
			ControlURL:   controlURL,
		})
	}
	return out, nil
}

func attributeValue(attrs []sdp.Attribute, key string) (string, bool) {
	for _, a := range attrs {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}
