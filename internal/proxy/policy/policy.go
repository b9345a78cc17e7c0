// Package policy decides which origin hosts the proxy is willing to fetch.
package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrDenied is returned for hosts excluded by the policy
var ErrDenied = errors.New("host not allowed")

// Policy matches hostnames against allow and deny glob lists.
// Patterns use doublestar syntax, e.g. "*.example.com" or "{a,b}.test".
// An empty allow list admits every host not denied.
type Policy struct {
	allow []string
	deny  []string
}

// New validates the patterns and builds a policy
func New(allow, deny []string) (*Policy, error) {
	p := &Policy{}
	var err error
	if p.allow, err = normalize(allow); err != nil {
		return nil, err
	}
	if p.deny, err = normalize(deny); err != nil {
		return nil, err
	}
	return p, nil
}

// AllowAll returns a policy that admits every host
func AllowAll() *Policy {
	return &Policy{}
}

// Check returns nil when host may be proxied. Port suffixes are ignored.
func (p *Policy) Check(host string) error {
	h := strings.ToLower(stripPort(host))

	for _, pattern := range p.deny {
		if match(pattern, h) {
			return fmt.Errorf("%w: %s", ErrDenied, h)
		}
	}
	if len(p.allow) == 0 {
		return nil
	}
	for _, pattern := range p.allow {
		if match(pattern, h) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrDenied, h)
}

func match(pattern, host string) bool {
	ok, err := doublestar.Match(pattern, host)
	return err == nil && ok
}

func normalize(patterns []string) ([]string, error) {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid host pattern %q", p)
		}
		out = append(out, p)
	}
	return out, nil
}

func stripPort(host string) string {
	if strings.HasPrefix(host, "[") {
		if i := strings.IndexByte(host, ']'); i > 0 {
			return host[1:i]
		}
		return host
	}
	if i := strings.LastIndexByte(host, ':'); i >= 0 && strings.Count(host, ":") == 1 {
		return host[:i]
	}
	return host
}
