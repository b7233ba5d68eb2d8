package guard

import (
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/gosuda/bastion/internal/ratelimit"
)

// RouteRule maps a path prefix to a route class.
type RouteRule struct {
	Prefix string
	Class  string
}

// RouteClassifier picks the route class of a path by longest prefix.
type RouteClassifier struct {
	rules    []RouteRule
	fallback string
}

// DefaultRouteRules is the built-in prefix table.
func DefaultRouteRules() []RouteRule {
	return []RouteRule{
		{Prefix: "/api/v1/auth", Class: ratelimit.ClassAuth},
		{Prefix: "/auth", Class: ratelimit.ClassAuth},
		{Prefix: "/login", Class: ratelimit.ClassAuth},
		{Prefix: "/api/v1/uploads", Class: ratelimit.ClassUpload},
		{Prefix: "/upload", Class: ratelimit.ClassUpload},
		{Prefix: "/api/v1/admin", Class: ratelimit.ClassAdmin},
		{Prefix: "/admin", Class: ratelimit.ClassAdmin},
		{Prefix: "/api/", Class: ratelimit.ClassAPI},
	}
}

func NewRouteClassifier(rules []RouteRule, fallback string) *RouteClassifier {
	sorted := append([]RouteRule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i].Prefix) > len(sorted[j].Prefix) })
	if fallback == "" {
		fallback = ratelimit.ClassPublic
	}
	return &RouteClassifier{rules: sorted, fallback: fallback}
}

// Classify returns the class for path.
func (c *RouteClassifier) Classify(path string) string {
	for _, r := range c.rules {
		if strings.HasPrefix(path, r.Prefix) {
			return r.Class
		}
	}
	return c.fallback
}

// ParseRouteRules parses "prefix=class" pairs separated by commas.
func ParseRouteRules(s string) ([]RouteRule, error) {
	var rules []RouteRule
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		prefix, class, ok := strings.Cut(part, "=")
		prefix, class = strings.TrimSpace(prefix), strings.TrimSpace(class)
		if !ok || !strings.HasPrefix(prefix, "/") || class == "" {
			return nil, fmt.Errorf("guard.ParseRouteRules: invalid rule %q", part)
		}
		rules = append(rules, RouteRule{Prefix: prefix, Class: class})
	}
	return rules, nil
}

//nolint:gochecknoglobals // compiled once
var idSegment = regexp.MustCompile(`^([0-9]+|[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}|[0-9a-fA-F]{16,})$`)

// RouteKey is the circuit breaker key: method plus the path with
// identifier-like segments collapsed to {id}.
func RouteKey(r *http.Request) string {
	segs := strings.Split(r.URL.Path, "/")
	for i, s := range segs {
		if idSegment.MatchString(s) {
			segs[i] = "{id}"
		}
	}
	return r.Method + " " + strings.Join(segs, "/")
}
