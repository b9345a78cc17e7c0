package rewriter

import (
	"strings"

	"github.com/GriffinCanCode/FrameProxy/internal/proxy/urlcodec"
	"github.com/bytedance/sonic"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// MarkerAttr identifies injected companion scripts. Its value is the
// injection position, "head" or "body".
const MarkerAttr = "data-frameproxy-companion"

type companionConfig struct {
	Target string `json:"target"`
	Base   string `json:"base"`
	Origin string `json:"origin"`
	Prefix string `json:"prefix"`
}

// companionSource runs inside the proxied page. It keeps navigation in the
// frame and routes script-initiated requests through the proxy.
const companionSource = `(function (cfg) {
  if (window.__frameproxy) { return; }
  window.__frameproxy = cfg;

  function proxify(u) {
    if (u === undefined || u === null) { return u; }
    u = String(u);
    if (u === '' || u.charAt(0) === '#' || /^(javascript|data|blob|mailto|tel|about):/i.test(u)) { return u; }
    if (u.indexOf(cfg.prefix) === 0) { return u; }
    var abs;
    try { abs = new URL(u, cfg.base || cfg.target).href; } catch (e) { return u; }
    if (!/^https?:/i.test(abs)) { return u; }
    return cfg.prefix + encodeURIComponent(abs);
  }

  window.__frameproxyProxify = proxify;
  window.__frameproxyOpen = function (u) {
    if (u) { window.location.href = proxify(u); }
    return window;
  };
  window.open = window.__frameproxyOpen;

  if (window.fetch) {
    var nativeFetch = window.fetch;
    window.fetch = function (input, init) {
      if (typeof input === 'string') { input = proxify(input); }
      return nativeFetch.call(this, input, init);
    };
  }

  if (window.XMLHttpRequest) {
    var nativeOpen = XMLHttpRequest.prototype.open;
    XMLHttpRequest.prototype.open = function () {
      var args = Array.prototype.slice.call(arguments);
      if (args.length > 1) { args[1] = proxify(args[1]); }
      return nativeOpen.apply(this, args);
    };
  }

  document.addEventListener('click', function (e) {
    var el = e.target && e.target.closest ? e.target.closest('a[target],area[target]') : null;
    if (el) { el.removeAttribute('target'); }
  }, true);

  document.addEventListener('submit', function (e) {
    if (e.target && e.target.removeAttribute) { e.target.removeAttribute('target'); }
  }, true);
})(__CONFIG__);`

// companionScript renders the companion for a page
func companionScript(rc *Context) string {
	// relative URLs resolve against <base href> like the server-side rewrite
	base := rc.Base
	if base == nil {
		base = rc.Target
	}
	cfg := companionConfig{
		Target: rc.Target.String(),
		Base:   base.String(),
		Origin: rc.Target.Scheme + "://" + rc.Target.Host,
		Prefix: urlcodec.Prefix,
	}
	// ConfigStd escapes <, > and & so the payload cannot close the script
	data, err := sonic.ConfigStd.Marshal(cfg)
	if err != nil {
		data = []byte("{}")
	}
	return strings.Replace(companionSource, "__CONFIG__", string(data), 1)
}

func companionNode(source, position string) *html.Node {
	n := &html.Node{
		Type:     html.ElementNode,
		Data:     "script",
		DataAtom: atom.Script,
		Attr:     []html.Attribute{{Key: MarkerAttr, Val: position}},
	}
	n.AppendChild(&html.Node{Type: html.TextNode, Data: source})
	return n
}
