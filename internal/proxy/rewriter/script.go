package rewriter

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/GriffinCanCode/FrameProxy/internal/proxy/urlcodec"
)

// Script rewriting is textual. Matches inside string literals or comments
// are rewritten too.
var (
	windowOpenCall  = regexp.MustCompile(`(^|[^\w$.])window\.open\s*\(`)
	blankTarget     = regexp.MustCompile(`(target\s*=\s*\\?["'])_blank(\\?["'])`)
	// handlerOpenCall also matches calls already routed through openShim
	handlerOpenCall = regexp.MustCompile(`(^|[^\w$.])(?:window\.open|\(window\.__frameproxyOpen\|\|window\.open\))\s*\(`)
	simpleExpr      = regexp.MustCompile(`^[A-Za-z_$][\w$]*(\.[A-Za-z_$][\w$]*)*$`)
)

// openShim replaces window.open( in page scripts. The companion defines
// __frameproxyOpen; the fallback keeps the page working without it.
const openShim = "(window.__frameproxyOpen||window.open)("

// RewriteScript neutralizes new-window navigation in an inline script:
// window.open(...) calls go through the same-window shim and
// target="_blank" literals become target="_self".
func RewriteScript(js string) string {
	js = windowOpenCall.ReplaceAllString(js, "${1}"+openShim)
	return blankTarget.ReplaceAllString(js, "${1}_self${2}")
}

// rewriteHandler rewrites the new-window parts of an inline event handler
// in place and leaves the rest of the handler alone. A window.open call
// with a derivable first argument becomes a location assignment, any other
// call goes through openShim, and target='_blank' becomes '_self'. The
// result is empty when a _blank reference remains that could not be
// substituted; changed is false when the handler is left alone.
func rewriteHandler(js string, base *url.URL) (out string, changed bool) {
	if !strings.Contains(js, "window.open") && !strings.Contains(js, "_blank") {
		return js, false
	}

	var b strings.Builder
	navigates, stray := false, false
	// text outside window.open calls keeps its code; only target literals change
	plain := func(seg string) {
		seg = blankTarget.ReplaceAllString(seg, "${1}_self${2}")
		stray = stray || strings.Contains(seg, "_blank")
		b.WriteString(seg)
	}

	rest := js
	for {
		loc := handlerOpenCall.FindStringSubmatchIndex(rest)
		if loc == nil {
			break
		}
		argsStart := loc[1]
		end, ok := closingParen(rest, argsStart)
		if !ok {
			break
		}
		args := rest[argsStart:end]

		plain(rest[:loc[3]])
		if nav, ok := navigation(strings.TrimSpace(firstArg(args)), base); ok {
			b.WriteString(nav)
			navigates = true
		} else {
			b.WriteString(openShim + args + ")")
		}
		rest = rest[end+1:]
	}
	plain(rest)

	if stray {
		return "", true
	}
	out = b.String()
	if navigates && !strings.Contains(out, "return") {
		out = strings.TrimRight(out, " \t\n;") + ";return false;"
	}
	return out, out != js
}

// navigation builds a same-window location assignment for a window.open
// first argument, when one can be derived
func navigation(arg string, base *url.URL) (string, bool) {
	if lit, ok := unquote(arg); ok {
		return "(window.location.href='" + jsEscape(urlcodec.Rewrite(base, lit)) + "',null)", true
	}
	if simpleExpr.MatchString(arg) {
		return "(window.location.href=" + arg + ",null)", true
	}
	return "", false
}

// closingParen returns the index of the parenthesis closing a call whose
// arguments start at from, skipping string literals
func closingParen(js string, from int) (int, bool) {
	depth := 0
	var quote byte
	for i := from; i < len(js); i++ {
		c := js[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case c == '(' || c == '[' || c == '{':
			depth++
		case c == ')' || c == ']' || c == '}':
			if depth == 0 {
				return i, c == ')'
			}
			depth--
		}
	}
	return 0, false
}

// firstArg returns the first top-level argument of a call's argument list
func firstArg(args string) string {
	depth := 0
	var quote byte
	for i := 0; i < len(args); i++ {
		c := args[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case c == '(' || c == '[' || c == '{':
			depth++
		case c == ')' || c == ']' || c == '}':
			depth--
		case c == ',' && depth == 0:
			return args[:i]
		}
	}
	return args
}

func unquote(s string) (string, bool) {
	if len(s) < 2 {
		return "", false
	}
	q := s[0]
	if (q != '\'' && q != '"') || s[len(s)-1] != q {
		return "", false
	}
	inner := s[1 : len(s)-1]
	if strings.ContainsRune(inner, rune(q)) {
		return "", false
	}
	return inner, true
}

func jsEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

// isJavaScript reports whether a <script type> value denotes executable JS
func isJavaScript(typ string) bool {
	typ = strings.ToLower(strings.TrimSpace(typ))
	if i := strings.IndexByte(typ, ';'); i >= 0 {
		typ = strings.TrimSpace(typ[:i])
	}
	switch typ {
	case "", "module", "text/javascript", "application/javascript",
		"application/x-javascript", "text/ecmascript", "application/ecmascript":
		return true
	}
	return false
}
