package threat

import (
	"net/url"
	"regexp"
)

// Indicator types reported by Classify.
const (
	IndicatorAutomation       = "automation_agent"
	IndicatorPathTraversal    = "path_traversal"
	IndicatorAdminProbe       = "admin_probe"
	IndicatorConfigAccess     = "config_file_access"
	IndicatorSQLInjection     = "sql_injection"
	IndicatorXSS              = "xss"
	IndicatorCommandInjection = "command_injection"
)

// RequestShape is the request metadata the heuristics look at. Target is
// the raw request target as received, Body a bounded prefix of the payload.
type RequestShape struct {
	Method    string
	Path      string
	Target    string
	RawQuery  string
	UserAgent string
	Body      []byte
}

// Indicator is one heuristic that matched.
type Indicator struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

//nolint:gochecknoglobals // compiled heuristics
var (
	automationRe = regexp.MustCompile(`(?i)(curl|wget|python-requests|python-urllib|go-http-client|libwww-perl|sqlmap|nikto|nmap|masscan|zgrab|scrapy|httpclient|headlesschrome|phantomjs)`)
	traversalRe  = regexp.MustCompile(`(?i)(\.\./|\.\.\\|\.\.%2f|\.\.%5c|%2e%2e(/|\\|%2f|%5c))`)
	adminProbeRe = regexp.MustCompile(`(?i)^/(wp-admin|wp-login\.php|phpmyadmin|pma|administrator|admin\.php|manager/html|cgi-bin/|solr/admin|actuator|console)(/|$)`)
	configRe     = regexp.MustCompile(`(?i)(/\.env$|/\.env\.|/\.git(/|$)|/\.htaccess$|/\.htpasswd$|/web\.config$|/\.aws/|/\.ssh/|/etc/passwd|/etc/shadow|/\.ds_store$|/config\.(php|json|ya?ml)$)`)
	sqlRe        = regexp.MustCompile(`(?i)(\bunion\b[\s\S]{0,20}\bselect\b|'\s*or\s+'?\w+'?\s*=\s*'?\w+|;\s*drop\s+table\b|\bsleep\s*\(\s*\d+\s*\)|\bbenchmark\s*\(|\binformation_schema\b|\bxp_cmdshell\b)`)
	xssRe        = regexp.MustCompile(`(?i)(<script\b|javascript:|\bon(error|load|mouseover|focus)\s*=|<iframe\b|<svg[^>]*\bon\w+\s*=|document\.cookie)`)
	cmdRe        = regexp.MustCompile(`(?i)((;|\|\|?|&&)\s*(cat|ls|id|whoami|uname|wget|curl|nc|bash|sh|rm|chmod)\b|\$\([^)]*\)|` + "`" + `[^` + "`" + `]+` + "`" + `)`)
)

type detector struct {
	kind  string
	match func(RequestShape) (string, bool)
}

//nolint:gochecknoglobals // heuristic table
var detectors = []detector{
	{kind: IndicatorAutomation, match: func(s RequestShape) (string, bool) {
		return find(automationRe, s.UserAgent)
	}},
	{kind: IndicatorPathTraversal, match: func(s RequestShape) (string, bool) {
		if m, ok := find(traversalRe, s.Target); ok {
			return m, true
		}
		return find(traversalRe, s.Path)
	}},
	{kind: IndicatorAdminProbe, match: func(s RequestShape) (string, bool) {
		return find(adminProbeRe, s.Path)
	}},
	{kind: IndicatorConfigAccess, match: func(s RequestShape) (string, bool) {
		return find(configRe, s.Path)
	}},
	{kind: IndicatorSQLInjection, match: func(s RequestShape) (string, bool) {
		return findPayload(sqlRe, s)
	}},
	{kind: IndicatorXSS, match: func(s RequestShape) (string, bool) {
		return findPayload(xssRe, s)
	}},
	{kind: IndicatorCommandInjection, match: func(s RequestShape) (string, bool) {
		return findPayload(cmdRe, s)
	}},
}

// Classify runs every heuristic independently and returns the ones that
// matched, in a fixed order. It never blocks a request by itself.
func Classify(s RequestShape) []Indicator {
	var out []Indicator
	for _, d := range detectors {
		if m, ok := d.match(s); ok {
			out = append(out, Indicator{Type: d.kind, Detail: truncate(m, 64)})
		}
	}
	return out
}

func find(re *regexp.Regexp, s string) (string, bool) {
	if s == "" {
		return "", false
	}
	m := re.FindString(s)
	return m, m != ""
}

func findPayload(re *regexp.Regexp, s RequestShape) (string, bool) {
	if s.RawQuery != "" {
		q := s.RawQuery
		if u, err := url.QueryUnescape(q); err == nil {
			q = u
		}
		if m, ok := find(re, q); ok {
			return m, true
		}
	}
	if len(s.Body) > 0 {
		return find(re, string(s.Body))
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
