package rewriter

import (
	"net/url"
	"regexp"

	"github.com/GriffinCanCode/FrameProxy/internal/proxy/urlcodec"
)

var (
	cssURL    = regexp.MustCompile(`url\(\s*(['"]?)([^'")]+)(['"]?)\s*\)`)
	cssImport = regexp.MustCompile(`@import\s+(['"])([^'"]+)(['"])`)
)

// RewriteCSS maps url(...) references and @import "..." targets in a
// stylesheet onto the proxy. Relative references resolve against base,
// which is the stylesheet's own URL for standalone files and the page base
// for inline styles.
func RewriteCSS(css string, base *url.URL) string {
	css = cssURL.ReplaceAllStringFunc(css, func(m string) string {
		sub := cssURL.FindStringSubmatch(m)
		return "url(" + sub[1] + urlcodec.Rewrite(base, sub[2]) + sub[3] + ")"
	})
	return cssImport.ReplaceAllStringFunc(css, func(m string) string {
		sub := cssImport.FindStringSubmatch(m)
		return "@import " + sub[1] + urlcodec.Rewrite(base, sub[2]) + sub[3]
	})
}
