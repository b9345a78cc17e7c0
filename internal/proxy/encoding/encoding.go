// Package encoding decompresses origin bodies before rewriting and
// compresses static assets for the client.
//
// Decoding is forgiving. A body is only decompressed when its leading bytes
// agree with the declared Content-Encoding. A mislabelled or undecodable
// body is treated as uncompressed so it still reaches the browser.
package encoding

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/GriffinCanCode/FrameProxy/internal/infrastructure/logging"
	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// Kind is a content coding
type Kind string

const (
	None    Kind = ""
	Gzip    Kind = "gzip"
	Deflate Kind = "deflate"
	Brotli  Kind = "br"
	Zstd    Kind = "zstd"
)

// DefaultMaxBytes caps decompressed output when no limit is configured
const DefaultMaxBytes int64 = 50 << 20

// ErrTooLarge is returned when decompressed output exceeds the cap
var ErrTooLarge = errors.New("decompressed body exceeds limit")

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// Sniff identifies a compressed body by its leading bytes
func Sniff(body []byte) Kind {
	switch {
	case len(body) >= 2 && body[0] == 0x1F && body[1] == 0x8B:
		return Gzip
	case len(body) >= 4 && bytes.Equal(body[:4], zstdMagic):
		return Zstd
	case len(body) >= 1 && body[0] == 0x78:
		return Deflate
	case len(body) >= 1 && body[0] == 0x1B:
		return Brotli
	default:
		return None
	}
}

// KindFromHeader maps a single Content-Encoding token to a Kind
func KindFromHeader(contentEncoding string) Kind {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "gzip", "x-gzip":
		return Gzip
	case "deflate":
		return Deflate
	case "br", "brotli":
		return Brotli
	case "zstd":
		return Zstd
	default:
		return None
	}
}

// Decoder decompresses bodies with a size cap
type Decoder struct {
	MaxBytes int64
	Log      *zap.Logger
	// OnFailure is called with the coding that could not be decoded
	OnFailure func(kind Kind)
}

// NewDecoder creates a decoder. maxBytes <= 0 uses DefaultMaxBytes.
func NewDecoder(maxBytes int64, log *zap.Logger) *Decoder {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	log = logging.OrNop(log)
	return &Decoder{MaxBytes: maxBytes, Log: log}
}

// Result reports what Decode did with a body
type Result int

const (
	// Identity means no coding was declared
	Identity Result = iota
	// Decoded means every declared coding was removed
	Decoded
	// Mislabeled means the bytes did not match the declared coding or
	// failed to decompress, and are served as uncompressed
	Mislabeled
	// Opaque means the coding is unknown or the decoded body exceeds the
	// cap; bytes and Content-Encoding pass through untouched
	Opaque
)

// Plain reports whether the returned bytes are uncompressed
func (r Result) Plain() bool {
	return r != Opaque
}

// Stripped reports whether Content-Encoding no longer describes the body
func (r Result) Stripped() bool {
	return r == Decoded || r == Mislabeled
}

// Decode is a convenience wrapper around a default Decoder
func Decode(body []byte, declared string, log *zap.Logger) []byte {
	out, _ := NewDecoder(0, log).Decode(body, declared)
	return out
}

// Decode undoes the declared Content-Encoding. Stacked codings
// ("gzip, br") are removed last-applied first. A coding that does not
// match the bytes, or fails to decompress, ends decoding and the bytes
// decoded so far are treated as uncompressed.
func (d *Decoder) Decode(body []byte, declared string) ([]byte, Result) {
	codings := splitCodings(declared)
	if len(codings) == 0 || len(body) == 0 {
		return body, Identity
	}

	out := body
	result := Identity
	for i := len(codings) - 1; i >= 0; i-- {
		kind := KindFromHeader(codings[i])
		if kind == None {
			if c := strings.ToLower(codings[i]); c == "identity" {
				continue
			}
			d.Log.Debug("unknown content-encoding, passing through", zap.String("encoding", codings[i]))
			return body, Opaque
		}

		if !matches(kind, Sniff(out)) {
			d.Log.Debug("content-encoding does not match body, serving as uncompressed",
				zap.String("declared", string(kind)),
				zap.String("sniffed", string(Sniff(out))),
			)
			return out, Mislabeled
		}

		next, err := d.decodeOne(out, kind)
		if errors.Is(err, ErrTooLarge) {
			d.Log.Warn("decoded body exceeds limit, passing through",
				zap.String("encoding", string(kind)),
				zap.Int64("limit", d.MaxBytes),
			)
			return body, Opaque
		}
		if err != nil {
			d.Log.Warn("failed to decode body, serving as uncompressed",
				zap.String("encoding", string(kind)),
				zap.Int("bytes", len(body)),
				zap.Error(err),
			)
			if d.OnFailure != nil {
				d.OnFailure(kind)
			}
			return out, Mislabeled
		}
		out = next
		result = Decoded
	}
	return out, result
}

// matches decides whether a body sniffed as sniffed may be decoded as
// declared. Brotli has no magic number and servers label raw deflate as
// "deflate", so for those two an unrecognised prefix is accepted and the
// decoder itself is the final check.
func matches(declared, sniffed Kind) bool {
	if declared == sniffed {
		return true
	}
	switch declared {
	case Brotli, Deflate:
		return sniffed == None || (declared == Brotli && sniffed == Deflate)
	}
	return false
}

func (d *Decoder) decodeOne(body []byte, kind Kind) ([]byte, error) {
	var r io.Reader
	src := bytes.NewReader(body)

	switch kind {
	case Gzip:
		gr, err := gzip.NewReader(src)
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		r = gr
	case Deflate:
		if Sniff(body) == Deflate {
			zr, err := zlib.NewReader(src)
			if err != nil {
				return nil, err
			}
			defer zr.Close()
			r = zr
		} else {
			fr := flate.NewReader(src)
			defer fr.Close()
			r = fr
		}
	case Brotli:
		r = brotli.NewReader(src)
	case Zstd:
		zr, err := zstd.NewReader(src, zstd.WithDecoderMaxMemory(uint64(d.MaxBytes)))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	default:
		return nil, fmt.Errorf("unsupported encoding %q", kind)
	}

	out, err := io.ReadAll(io.LimitReader(r, d.MaxBytes+1))
	if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
		return nil, ErrTooLarge
	}
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > d.MaxBytes {
		return nil, ErrTooLarge
	}
	return out, nil
}

// Encode compresses body with the given coding. Unknown codings and
// compressor failures return body unchanged.
func Encode(body []byte, encoding string) []byte {
	out, err := encode(body, KindFromHeader(encoding))
	if err != nil {
		return body
	}
	return out
}

func encode(body []byte, kind Kind) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser

	switch kind {
	case Gzip:
		w = gzip.NewWriter(&buf)
	case Deflate:
		w = zlib.NewWriter(&buf)
	case Brotli:
		w = brotli.NewWriterOptions(&buf, brotli.WriterOptions{Quality: 5})
	case Zstd:
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		w = zw
	default:
		return nil, fmt.Errorf("unsupported encoding %q", kind)
	}

	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// preference orders the codings the proxy can produce
var preference = []Kind{Brotli, Zstd, Gzip, Deflate}

// Negotiate picks the best coding the client accepts, or None for identity.
// Codings listed with q=0 are refused; "*" stands for any coding not listed.
func Negotiate(acceptEncoding string) Kind {
	if strings.TrimSpace(acceptEncoding) == "" {
		return None
	}

	accepted := make(map[Kind]float64)
	wildcard := -1.0
	for _, part := range strings.Split(acceptEncoding, ",") {
		name, q := parseQ(part)
		if name == "*" {
			wildcard = q
			continue
		}
		if kind := KindFromHeader(name); kind != None {
			accepted[kind] = q
		}
	}

	best, bestQ := None, 0.0
	for _, kind := range preference {
		q, ok := accepted[kind]
		if !ok {
			if wildcard < 0 {
				continue
			}
			q = wildcard
		}
		if q > bestQ {
			best, bestQ = kind, q
		}
	}
	return best
}

func parseQ(part string) (string, float64) {
	name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
	name = strings.ToLower(strings.TrimSpace(name))
	q := 1.0
	for _, p := range strings.Split(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if ok && strings.EqualFold(strings.TrimSpace(k), "q") {
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				q = f
			}
		}
	}
	return name, q
}

func splitCodings(declared string) []string {
	var out []string
	for _, c := range strings.Split(declared, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// Compressible reports whether a media type benefits from re-encoding.
// Images, fonts other than SVG and archives are already compressed.
func Compressible(mediaType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mediaType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch {
	case strings.HasPrefix(mt, "text/"):
		return true
	case strings.HasSuffix(mt, "+xml"), strings.HasSuffix(mt, "+json"):
		return true
	}
	switch mt {
	case "application/javascript", "application/x-javascript", "application/json",
		"application/xml", "application/wasm", "application/manifest+json",
		"image/svg+xml", "font/ttf", "font/otf", "application/vnd.ms-fontobject":
		return true
	}
	return false
}
