package headers

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/GriffinCanCode/FrameProxy/internal/proxy/urlcodec"
)

// Fingerprint is the browser identity presented to origins
type Fingerprint struct {
	UserAgent      string
	Accept         string
	AcceptLanguage string
	AcceptEncoding string
}

// DefaultFingerprint mimics a current desktop Chrome
func DefaultFingerprint() Fingerprint {
	return Fingerprint{
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36",
		Accept:         "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
		AcceptLanguage: "en-US,en;q=0.9",
		AcceptEncoding: "gzip, deflate, br, zstd",
	}
}

// strippedOutbound never reach the origin. Conditional headers are removed
// so the origin always returns a full body for rewriting.
var strippedOutbound = []string{
	"Host",
	"If-None-Match",
	"If-Modified-Since",
	"X-Forwarded-For",
	"X-Forwarded-Host",
	"X-Forwarded-Proto",
	"X-Real-Ip",
	"Forwarded",
	"Via",
	"Cdn-Loop",
}

// PrepareOutbound builds the request headers sent to target from the
// inbound client headers. The fingerprint always wins over inbound values,
// Referer and Origin are translated back to the origin's own URLs.
func PrepareOutbound(inbound http.Header, target *url.URL, fp Fingerprint) http.Header {
	out := inbound.Clone()
	if out == nil {
		out = http.Header{}
	}

	removeHopByHop(out)
	for _, k := range strippedOutbound {
		out.Del(k)
	}

	out.Set("User-Agent", fp.UserAgent)
	out.Set("Accept", fp.Accept)
	out.Set("Accept-Language", fp.AcceptLanguage)
	out.Set("Accept-Encoding", fp.AcceptEncoding)

	if ref := out.Get("Referer"); ref != "" {
		if embedded, ok := refererTarget(ref); ok {
			out.Set("Referer", embedded)
		} else {
			out.Del("Referer")
		}
	}
	if out.Get("Origin") != "" && target != nil {
		out.Set("Origin", target.Scheme+"://"+target.Host)
	}

	return out
}

// refererTarget extracts the origin URL from a proxied page's Referer
func refererTarget(ref string) (string, bool) {
	i := strings.Index(ref, urlcodec.Prefix)
	if i < 0 {
		return "", false
	}
	t, err := urlcodec.Parse(ref[i:])
	if err != nil {
		return "", false
	}
	return t.String(), true
}
