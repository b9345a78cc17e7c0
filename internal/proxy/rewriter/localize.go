package rewriter

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/GriffinCanCode/FrameProxy/internal/infrastructure/logging"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
)

// StaticPrefix is the URL path local assets are served under
const StaticPrefix = "/static/"

// Rule maps origin URLs onto a local asset namespace. Pattern is a
// doublestar glob matched against host + path, for example
// "cdn.example.com/assets/**/*.css".
type Rule struct {
	Pattern   string `yaml:"pattern" toml:"pattern"`
	Namespace string `yaml:"namespace" toml:"namespace"`
	// Priority decides between overlapping rules; higher wins
	Priority int `yaml:"priority" toml:"priority"`
}

type ruleFile struct {
	Rules []Rule `yaml:"rules" toml:"rules"`
}

// Asset is a locally available file
type Asset struct {
	Namespace string
	Filename  string
}

// Path returns the local URL path of the asset
func (a Asset) Path() string {
	return StaticPrefix + a.Namespace + "/" + a.Filename
}

// LoadRules reads rules from a .yaml, .yml or .toml file
func LoadRules(file string) ([]Rule, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return ParseRules(data, strings.TrimPrefix(filepath.Ext(file), "."))
}

// ParseRules decodes rules in the given format ("yaml", "yml" or "toml")
func ParseRules(data []byte, format string) ([]Rule, error) {
	var parsed ruleFile
	switch strings.ToLower(format) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("parse yaml rules: %w", err)
		}
	case "toml":
		if err := toml.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("parse toml rules: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported rules format %q", format)
	}
	return parsed.Rules, nil
}

// Localizer rewrites references to origin assets that also exist under the
// static directory
type Localizer struct {
	rules []Rule
	index map[string]struct{}
}

// NewLocalizer validates rules and indexes <staticDir>/<namespace>/<file>.
// A missing static directory yields an empty index.
func NewLocalizer(staticDir string, rules []Rule, log *zap.Logger) (*Localizer, error) {
	log = logging.OrNop(log)

	var errs []error
	for i, r := range rules {
		if r.Namespace == "" || strings.ContainsAny(r.Namespace, `/\`) {
			errs = append(errs, fmt.Errorf("rule %d: invalid namespace %q", i, r.Namespace))
		}
		if !doublestar.ValidatePattern(r.Pattern) {
			errs = append(errs, fmt.Errorf("rule %d: invalid pattern %q", i, r.Pattern))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	sorted := slices.Clone(rules)
	slices.SortStableFunc(sorted, func(a, b Rule) int { return b.Priority - a.Priority })

	index, err := indexStatic(staticDir)
	if err != nil {
		return nil, err
	}

	log.Info("static asset index built",
		zap.String("dir", staticDir),
		zap.Int("rules", len(sorted)),
		zap.Int("files", len(index)),
	)

	return &Localizer{rules: sorted, index: index}, nil
}

func indexStatic(root string) (map[string]struct{}, error) {
	index := make(map[string]struct{})
	if root == "" {
		return index, nil
	}
	if _, err := os.Stat(root); errors.Is(err, os.ErrNotExist) {
		return index, nil
	}

	var mu sync.Mutex
	conf := fastwalk.Config{Follow: false}

	err := fastwalk.Walk(&conf, root, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) != 2 {
			return nil
		}

		mu.Lock()
		index[parts[0]+"/"+parts[1]] = struct{}{}
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("index static dir: %w", err)
	}
	return index, nil
}

// Len returns the number of indexed files
func (l *Localizer) Len() int {
	if l == nil {
		return 0
	}
	return len(l.index)
}

// Lookup finds the local copy of an absolute origin URL. The canonical
// filename is the last path segment with the query stripped.
func (l *Localizer) Lookup(abs string) (Asset, bool) {
	if l == nil || len(l.rules) == 0 {
		return Asset{}, false
	}
	u, err := url.Parse(abs)
	if err != nil || u.Host == "" {
		return Asset{}, false
	}

	filename := path.Base(u.Path)
	if filename == "/" || filename == "." {
		return Asset{}, false
	}

	subject := strings.ToLower(u.Hostname()) + u.Path
	for _, r := range l.rules {
		if ok, _ := doublestar.Match(r.Pattern, subject); !ok {
			continue
		}
		if _, ok := l.index[r.Namespace+"/"+filename]; ok {
			return Asset{Namespace: r.Namespace, Filename: filename}, true
		}
	}
	return Asset{}, false
}

// preloadFor classifies an asset for a preload hint; ok is false for
// types that are not preloaded
func preloadFor(a Asset) (Preload, bool) {
	p := Preload{Href: a.Path()}
	switch strings.ToLower(path.Ext(a.Filename)) {
	case ".css":
		p.As, p.Priority = "style", PriorityHigh
	case ".js", ".mjs":
		p.As, p.Priority = "script", PriorityMedium
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".avif", ".svg", ".ico":
		p.As, p.Priority = "image", PriorityLow
	default:
		return Preload{}, false
	}
	return p, true
}
