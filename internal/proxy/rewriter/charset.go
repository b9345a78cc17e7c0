package rewriter

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
)

// prescanBytes matches the window charset.DetermineEncoding inspects
const prescanBytes = 1024

// ToUTF8 transcodes an HTML body to UTF-8. The charset comes from a BOM,
// the Content-Type parameter or a <meta> declaration; undeclared bodies
// that are not valid UTF-8 go through chardet. transcoded is false when
// the body is returned as is.
func ToUTF8(body []byte, contentType string) (out []byte, transcoded bool) {
	if len(body) == 0 {
		return body, false
	}

	enc, name, certain := charset.DetermineEncoding(body, contentType)
	if !certain && !declaresCharset(body) {
		if utf8.Valid(body) {
			return body, false
		}
		if detected := DetectCharset(body); detected != "" {
			if e, n := charset.Lookup(detected); e != nil {
				enc, name = e, n
			}
		}
	}

	if enc == nil || name == "utf-8" {
		return body, false
	}

	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return body, false
	}
	return decoded, true
}

// declaresCharset reports whether the prescan window carries a <meta>
// charset declaration, which DetermineEncoding honors without marking the
// result certain
func declaresCharset(body []byte) bool {
	if len(body) > prescanBytes {
		body = body[:prescanBytes]
	}
	return bytes.Contains(bytes.ToLower(body), []byte("charset"))
}

// DetectCharset guesses the charset of undeclared text, or "" when chardet
// has no answer
func DetectCharset(data []byte) string {
	result, err := chardet.NewHtmlDetector().DetectBest(data)
	if err != nil || result == nil {
		return ""
	}
	return strings.ToLower(result.Charset)
}
