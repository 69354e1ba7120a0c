package edge

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Scope decides which hosts the active worker controls. In forward mode the browser sends all
// of its traffic through the edge, requests to hosts outside the scope bypass the worker and
// are neither routed nor stored.
type Scope struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

// NewScope returns a scope holding the origin's host plus the given host patterns.
// A pattern is a regular expression matched against host:port, a leading '-' excludes.
// Exclusions win over inclusions, the origin included.
func NewScope(origin *url.URL, patterns []string) (*Scope, error) {
	scope := &Scope{}
	if origin != nil && origin.Host != "" {
		scope.include = append(scope.include, regexp.MustCompile("^"+regexp.QuoteMeta(origin.Host)+"$"))
	}

	for _, pattern := range patterns {
		exclude := strings.HasPrefix(pattern, "-")
		compiled, err := regexp.Compile(strings.TrimPrefix(pattern, "-"))
		if err != nil {
			return nil, fmt.Errorf("invalid scope pattern %q: %w", pattern, err)
		}
		if exclude {
			scope.exclude = append(scope.exclude, compiled)
		} else {
			scope.include = append(scope.include, compiled)
		}
	}
	return scope, nil
}

// Matches reports whether req targets a host in scope.
func (s *Scope) Matches(req *http.Request) bool {
	host := req.URL.Host
	if host == "" {
		host = req.Host
	}

	for _, rule := range s.exclude {
		if rule.MatchString(host) {
			return false
		}
	}
	for _, rule := range s.include {
		if rule.MatchString(host) {
			return true
		}
	}
	return false
}
