// Package rewriter makes proxied HTML and CSS work inside an iframe on the
// proxy's origin.
//
// An HTML rewrite runs these passes over a goquery document:
//
//  1. drop companion scripts left by an earlier pass
//  2. rewrite URL-bearing attributes (src, href, action, data-src, srcset,
//     poster, formaction) onto the proxy, or onto /static when a Localizer
//     rule matches a local copy
//  3. strip target and rel, rewrite or remove window.open handlers
//  4. neutralize window.open and target="_blank" in inline scripts
//  5. point empty form actions at the current page
//  6. rewrite url() in style attributes and <style> blocks
//  7. rewrite <base href> and <meta http-equiv=refresh>
//  8. prepend preload hints, then the companion script, to <head> and
//     append a second companion copy to <body>
//
// Rewriting fails open: any error or panic returns the input unchanged.
package rewriter

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/GriffinCanCode/FrameProxy/internal/infrastructure/logging"
	"github.com/GriffinCanCode/FrameProxy/internal/proxy/headers"
	"github.com/GriffinCanCode/FrameProxy/internal/proxy/urlcodec"
	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Rewrite kinds reported to the Recorder
const (
	KindHTML = "html"
	KindCSS  = "css"
)

// localAttr marks elements whose references were localized or that the
// rewriter created, so a later pass leaves them alone
const localAttr = "data-frameproxy-local"

// urlAttrs are rewritten on every element that carries them
var urlAttrs = []string{"src", "href", "action", "data-src", "poster", "formaction"}

// Recorder receives rewrite outcomes
type Recorder interface {
	RecordRewrite(kind string, ok bool)
}

// Options configures a Rewriter
type Options struct {
	Localizer *Localizer
	Metrics   Recorder
	Log       *zap.Logger
}

// Rewriter rewrites HTML documents and stylesheets. It is safe for
// concurrent use.
type Rewriter struct {
	localizer *Localizer
	metrics   Recorder
	log       *zap.Logger
}

// New creates a rewriter
func New(opts Options) *Rewriter {
	log := opts.Log
	log = logging.OrNop(log)
	return &Rewriter{
		localizer: opts.Localizer,
		metrics:   opts.Metrics,
		log:       log,
	}
}

// Rewrite transforms an HTML document served from target. The body is
// transcoded to UTF-8 first. ok is false when the original body was
// returned because rewriting failed.
func (r *Rewriter) Rewrite(body []byte, contentType string, target *url.URL) (out []byte, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("html rewrite panicked",
				zap.Stringer("target", target),
				zap.Any("panic", rec),
			)
			r.record(KindHTML, false)
			out, ok = body, false
		}
	}()

	src, _ := ToUTF8(body, contentType)

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(src))
	if err != nil {
		r.log.Warn("html parse failed", zap.Stringer("target", target), zap.Error(err))
		r.record(KindHTML, false)
		return body, false
	}

	r.apply(doc, NewContext(target))

	rendered, err := doc.Html()
	if err != nil {
		r.log.Warn("html render failed", zap.Stringer("target", target), zap.Error(err))
		r.record(KindHTML, false)
		return body, false
	}

	r.record(KindHTML, true)
	return []byte(rendered), true
}

// RewriteStylesheet rewrites a standalone stylesheet served from target
func (r *Rewriter) RewriteStylesheet(css []byte, target *url.URL) []byte {
	out := RewriteCSS(string(css), target)
	r.record(KindCSS, true)
	return []byte(out)
}

func (r *Rewriter) record(kind string, ok bool) {
	if r.metrics != nil {
		r.metrics.RecordRewrite(kind, ok)
	}
}

func (r *Rewriter) apply(doc *goquery.Document, rc *Context) {
	doc.Find("script[" + MarkerAttr + "]").Remove()

	rc.Base = documentBase(doc, rc.Target)

	r.rewriteAttributes(doc, rc)
	neutralizeNavigation(doc, rc)
	rewriteScripts(doc)
	fillFormActions(doc, rc)
	rewriteStyles(doc, rc)
	rewriteBaseAndRefresh(doc, rc)
	normalizeCharset(doc)

	injectPreloads(doc, rc)
	injectCompanion(doc, rc)
}

// documentBase resolves the first <base href> against the page URL
func documentBase(doc *goquery.Document, target *url.URL) *url.URL {
	href, ok := doc.Find("base[href]").First().Attr("href")
	if !ok {
		return target
	}
	// a base already rewritten by an earlier pass embeds its target
	if strings.HasPrefix(href, urlcodec.Prefix) {
		if t, err := urlcodec.Parse(href); err == nil {
			return t.URL
		}
		return target
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return target
	}
	base := target.ResolveReference(ref)
	if base.Scheme != "http" && base.Scheme != "https" {
		return target
	}
	return base
}

func (r *Rewriter) rewriteAttributes(doc *goquery.Document, rc *Context) {
	// the selection is fixed before any element gets marked local
	doc.Find("*").Not("base, [" + localAttr + "]").Each(func(_ int, s *goquery.Selection) {
		for _, attr := range urlAttrs {
			v, ok := s.Attr(attr)
			if !ok {
				continue
			}
			if nv := r.rewriteRef(s, v, rc); nv != v {
				s.SetAttr(attr, nv)
				dropIntegrity(s)
			}
		}
		if v, ok := s.Attr("srcset"); ok {
			if nv := r.rewriteSrcset(s, v, rc); nv != v {
				s.SetAttr("srcset", nv)
			}
		}
	})
}

// rewriteRef maps one reference to its local asset or proxy form
func (r *Rewriter) rewriteRef(s *goquery.Selection, v string, rc *Context) string {
	abs, ok := urlcodec.Resolve(rc.Base, v)
	if !ok {
		return v
	}

	if asset, hit := r.localizer.Lookup(abs); hit {
		s.SetAttr(localAttr, "")
		key := asset.Namespace + "/" + asset.Filename
		if rc.markProcessed(key) {
			if p, ok := preloadFor(asset); ok {
				rc.addPreload(p)
			}
		}
		return asset.Path()
	}

	return urlcodec.Encode(abs)
}

// rewriteSrcset rewrites each "url descriptor" candidate. Values holding
// data: URLs are left alone since their commas are ambiguous.
func (r *Rewriter) rewriteSrcset(s *goquery.Selection, v string, rc *Context) string {
	if strings.Contains(strings.ToLower(v), "data:") {
		return v
	}
	candidates := strings.Split(v, ",")
	for i, c := range candidates {
		fields := strings.Fields(c)
		if len(fields) == 0 {
			continue
		}
		fields[0] = r.rewriteRef(s, fields[0], rc)
		candidates[i] = strings.Join(fields, " ")
	}
	return strings.Join(candidates, ", ")
}

func dropIntegrity(s *goquery.Selection) {
	if s.Is("script, link") {
		s.RemoveAttr("integrity")
	}
}

func neutralizeNavigation(doc *goquery.Document, rc *Context) {
	doc.Find("a[target], area[target], form[target]").RemoveAttr("target")
	doc.Find("a[rel]").RemoveAttr("rel")

	for _, event := range []string{"onclick", "onmousedown", "onmouseup"} {
		doc.Find("[" + event + "]").Each(func(_ int, s *goquery.Selection) {
			v, _ := s.Attr(event)
			out, changed := rewriteHandler(v, rc.Base)
			switch {
			case !changed:
			case out == "":
				s.RemoveAttr(event)
			default:
				s.SetAttr(event, out)
			}
		})
	}
}

func rewriteScripts(doc *goquery.Document) {
	doc.Find("script:not([src]):not([" + MarkerAttr + "])").Each(func(_ int, s *goquery.Selection) {
		if !isJavaScript(s.AttrOr("type", "")) {
			return
		}
		js := s.Text()
		if out := RewriteScript(js); out != js {
			s.SetText(out)
		}
	})
}

func fillFormActions(doc *goquery.Document, rc *Context) {
	self := urlcodec.Encode(rc.Target.String())
	doc.Find("form").Each(func(_ int, s *goquery.Selection) {
		if action, ok := s.Attr("action"); !ok || strings.TrimSpace(action) == "" {
			s.SetAttr("action", self)
		}
	})
}

func rewriteStyles(doc *goquery.Document, rc *Context) {
	doc.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		v, _ := s.Attr("style")
		if out := RewriteCSS(v, rc.Base); out != v {
			s.SetAttr("style", out)
		}
	})
	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		css := s.Text()
		if out := RewriteCSS(css, rc.Base); out != css {
			s.SetText(out)
		}
	})
}

func rewriteBaseAndRefresh(doc *goquery.Document, rc *Context) {
	doc.Find("base[href]").Each(func(_ int, s *goquery.Selection) {
		s.SetAttr("href", urlcodec.Encode(rc.Base.String()))
	})

	doc.Find("meta[http-equiv][content]").Each(func(_ int, s *goquery.Selection) {
		if !strings.EqualFold(s.AttrOr("http-equiv", ""), "refresh") {
			return
		}
		content, _ := s.Attr("content")
		if out := headers.RewriteRefresh(content, rc.Base); out != content {
			s.SetAttr("content", out)
		}
	})
}

// normalizeCharset updates charset declarations; the rendered document is
// always UTF-8
func normalizeCharset(doc *goquery.Document) {
	doc.Find("meta[charset]").SetAttr("charset", "utf-8")
	doc.Find("meta[http-equiv][content]").Each(func(_ int, s *goquery.Selection) {
		if strings.EqualFold(s.AttrOr("http-equiv", ""), "content-type") {
			s.SetAttr("content", "text/html; charset=utf-8")
		}
	})
}

func injectPreloads(doc *goquery.Document, rc *Context) {
	head := doc.Find("head").First()
	if head.Length() == 0 {
		return
	}

	var nodes []*html.Node
	for _, p := range rc.Preloads() {
		if head.Find(`link[rel="preload"][href="` + p.Href + `"]`).Length() > 0 {
			continue
		}
		nodes = append(nodes, &html.Node{
			Type:     html.ElementNode,
			Data:     "link",
			DataAtom: atom.Link,
			Attr: []html.Attribute{
				{Key: "rel", Val: "preload"},
				{Key: "href", Val: p.Href},
				{Key: "as", Val: p.As},
				{Key: "fetchpriority", Val: p.Priority.String()},
				{Key: localAttr, Val: ""},
			},
		})
	}
	if len(nodes) > 0 {
		head.PrependNodes(nodes...)
	}
}

func injectCompanion(doc *goquery.Document, rc *Context) {
	source := companionScript(rc)

	body := doc.Find("body").First()
	if head := doc.Find("head").First(); head.Length() > 0 {
		head.PrependNodes(companionNode(source, "head"))
	} else if body.Length() > 0 {
		body.BeforeNodes(companionNode(source, "head"))
	}

	if body.Length() > 0 {
		body.AppendNodes(companionNode(source, "body"))
	}
}
