package audit

import (
	"regexp"
	"slices"
	"strings"
)

// Privacy control names recorded in entry metadata when a rule fires.
const (
	ControlFieldIdentity = "field:identity_number"
	ControlFieldEmail    = "field:email"
	ControlFieldName     = "field:name"
	ControlFieldPhone    = "field:phone"
	ControlFieldSecret   = "field:secret"
	ControlValueIdentity = "value:identity_number"
	ControlValueEmail    = "value:email"
	ControlValueCard     = "value:payment_card"
)

const redactedSecret = "[REDACTED]"

//nolint:gochecknoglobals // compiled once
var (
	identityFieldRe = regexp.MustCompile(`(^|_)(id_?number|identity(_?number)?|national_?id|ssn|passport(_?number)?)$`)
	emailFieldRe    = regexp.MustCompile(`(^|_)e?mail(_?address)?$`)
	nameFieldRe     = regexp.MustCompile(`^(name|surname)$|(^|_)(first|last|full|given|display)_?name$`)
	phoneFieldRe    = regexp.MustCompile(`(^|_)(phone|mobile|cell)(_?number)?$`)
	secretFieldRe   = regexp.MustCompile(`(^|_)(password|passwd|secret|token|api_?key|authorization)$`)

	identityValueRe = regexp.MustCompile(`\b\d{13}\b`)
	emailValueRe    = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	cardValueRe     = regexp.MustCompile(`\b(?:\d[ \-]?){12,18}\d\b`)
)

// Redactor masks personal data in action snapshots before they are hashed
// and stored. Masking is deterministic so the same input always produces the
// same stored value.
type Redactor struct{}

// NewRedactor creates a Redactor.
func NewRedactor() *Redactor {
	return &Redactor{}
}

// Redact returns a masked deep copy of values and the sorted set of
// privacy controls that fired. A nil map stays nil.
func (r *Redactor) Redact(values map[string]any) (map[string]any, []string) {
	if values == nil {
		return nil, nil
	}
	fired := make(map[string]struct{})
	out := r.redactMap(values, fired)
	return out, sortedControls(fired)
}

// RedactString masks identity numbers, emails and card numbers embedded in
// free text.
func (r *Redactor) RedactString(s string) (string, []string) {
	fired := make(map[string]struct{})
	out := redactText(s, fired)
	return out, sortedControls(fired)
}

func (r *Redactor) redactMap(values map[string]any, fired map[string]struct{}) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = r.redactValue(k, v, fired)
	}
	return out
}

func (r *Redactor) redactValue(key string, v any, fired map[string]struct{}) any {
	switch val := v.(type) {
	case map[string]any:
		return r.redactMap(val, fired)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.redactValue(key, item, fired)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i], _ = r.redactValue(key, item, fired).(string)
		}
		return out
	case string:
		if masked, control, ok := redactByField(key, val); ok {
			fired[control] = struct{}{}
			return masked
		}
		return redactText(val, fired)
	default:
		return v
	}
}

func redactByField(key, value string) (string, string, bool) {
	k := normalizeKey(key)
	switch {
	case secretFieldRe.MatchString(k):
		return redactedSecret, ControlFieldSecret, true
	case identityFieldRe.MatchString(k):
		return maskTail(value, 4), ControlFieldIdentity, true
	case emailFieldRe.MatchString(k):
		return maskEmail(value), ControlFieldEmail, true
	case phoneFieldRe.MatchString(k):
		return maskTail(value, 4), ControlFieldPhone, true
	case nameFieldRe.MatchString(k):
		return maskHead(value), ControlFieldName, true
	}
	return "", "", false
}

func redactText(s string, fired map[string]struct{}) string {
	s = emailValueRe.ReplaceAllStringFunc(s, func(m string) string {
		fired[ControlValueEmail] = struct{}{}
		return maskEmail(m)
	})
	s = identityValueRe.ReplaceAllStringFunc(s, func(m string) string {
		fired[ControlValueIdentity] = struct{}{}
		return maskTail(m, 4)
	})
	s = cardValueRe.ReplaceAllStringFunc(s, func(m string) string {
		digits := stripSeparators(m)
		if len(digits) < 13 || len(digits) > 19 || !luhnValid(digits) {
			return m
		}
		fired[ControlValueCard] = struct{}{}
		return maskTail(digits, 4)
	})
	return s
}

// normalizeKey lowercases and converts camelCase and dashes to snake_case.
func normalizeKey(key string) string {
	var b strings.Builder
	for i, c := range key {
		switch {
		case c >= 'A' && c <= 'Z':
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(c + ('a' - 'A'))
		case c == '-' || c == ' ' || c == '.':
			b.WriteByte('_')
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}

func maskTail(s string, keep int) string {
	runes := []rune(s)
	if len(runes) <= keep {
		return strings.Repeat("*", len(runes))
	}
	return strings.Repeat("*", len(runes)-keep) + string(runes[len(runes)-keep:])
}

func maskHead(s string) string {
	runes := []rune(s)
	if len(runes) <= 1 {
		return "*"
	}
	return string(runes[0]) + strings.Repeat("*", len(runes)-1)
}

func maskEmail(s string) string {
	at := strings.LastIndexByte(s, '@')
	if at <= 0 {
		return maskHead(s)
	}
	return maskHead(s[:at]) + s[at:]
}

func stripSeparators(s string) string {
	return strings.NewReplacer(" ", "", "-", "").Replace(s)
}

func luhnValid(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if d < 0 || d > 9 {
			return false
		}
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func sortedControls(fired map[string]struct{}) []string {
	if len(fired) == 0 {
		return nil
	}
	out := make([]string, 0, len(fired))
	for c := range fired {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}
