// Package redact scrubs credentials from free text, HTTP headers and decoded
// JSON values before they are logged or stored.
//
// A Redactor is built once at startup from the built-in policy plus any custom
// patterns and header names from configuration, and is immutable afterwards.
// All methods are safe for concurrent use, return copies rather than mutating
// their input, and are idempotent: redacting already-redacted output returns it
// unchanged.
package redact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// Placeholder replaces every redacted value.
const Placeholder = "***REDACTED***"

// ConfigError reports a custom redaction pattern that failed to compile.
// It is fatal at startup: a broken pattern must never silently disable redaction.
type ConfigError struct {
	Pattern string
	Err     error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid redaction pattern %q: %v", e.Pattern, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// rule is a compiled text pattern. Built-in rules keep their prefix groups and
// replace only the value; custom rules replace the whole match.
type rule struct {
	re    *regexp.Regexp
	repl  string
	whole bool
}

// apply runs the rule over s. Custom rules never look inside placeholders, so
// a pattern that matches placeholder text cannot grow already-redacted output.
func (rl rule) apply(s string) string {
	if !rl.whole {
		return rl.re.ReplaceAllString(s, rl.repl)
	}
	var b strings.Builder
	for {
		i := strings.Index(s, Placeholder)
		if i < 0 {
			b.WriteString(rl.re.ReplaceAllLiteralString(s, Placeholder))
			return b.String()
		}
		b.WriteString(rl.re.ReplaceAllLiteralString(s[:i], Placeholder))
		b.WriteString(Placeholder)
		s = s[i+len(Placeholder):]
	}
}

var defaultRules = []rule{
	// Authorization-style bearer credentials
	{
		re:   regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-._~+/]+=*)`),
		repl: "${1}" + Placeholder,
	},
	// key=value and "key": "value" forms for password, token, api key and secret
	{
		re:   regexp.MustCompile(`(?i)(passw(?:or)?d|token|api[_-]?key|secret)(["']?\s*[=:]\s*["']?)([^\s"'&,;]+)`),
		repl: "${1}${2}" + Placeholder,
	},
}

// DefaultHeaders are always treated as sensitive, compared case-insensitively.
var DefaultHeaders = []string{
	"authorization",
	"proxy-authorization",
	"cookie",
	"set-cookie",
	"x-api-key",
	"x-auth-token",
	"x-csrf-token",
	"x-xsrf-token",
}

// sensitiveKeyParts flag a JSON object key when contained in it, case-insensitively.
var sensitiveKeyParts = []string{"password", "token", "secret", "key"}

// Redactor applies a fixed redaction policy.
type Redactor struct {
	rules   []rule
	headers map[string]struct{}
}

// New compiles the built-in policy extended with custom patterns and header
// names. Custom patterns are Go regular expressions matched case-insensitively;
// every match is replaced in full.
func New(patterns, headers []string) (*Redactor, error) {
	r := &Redactor{
		rules:   append([]rule(nil), defaultRules...),
		headers: make(map[string]struct{}, len(DefaultHeaders)+len(headers)),
	}
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			return nil, &ConfigError{Pattern: p, Err: fmt.Errorf("empty pattern")}
		}
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, &ConfigError{Pattern: p, Err: err}
		}
		if re.MatchString("") {
			return nil, &ConfigError{Pattern: p, Err: fmt.Errorf("pattern matches the empty string")}
		}
		r.rules = append(r.rules, rule{re: re, repl: Placeholder, whole: true})
	}
	for _, h := range DefaultHeaders {
		r.headers[normalizeHeader(h)] = struct{}{}
	}
	for _, h := range headers {
		if h = strings.TrimSpace(h); h != "" {
			r.headers[normalizeHeader(h)] = struct{}{}
		}
	}
	return r, nil
}

// Default returns a Redactor with only the built-in policy.
func Default() *Redactor {
	r, _ := New(nil, nil)
	return r
}

// Text applies every pattern in turn to s.
func (r *Redactor) Text(s string) string {
	if s == "" {
		return s
	}
	for _, rl := range r.rules {
		s = rl.apply(s)
	}
	return s
}

func normalizeHeader(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "_", "-")
}

// IsSensitiveHeader reports whether the header name is always redacted.
func (r *Redactor) IsSensitiveHeader(name string) bool {
	_, ok := r.headers[normalizeHeader(name)]
	return ok
}

// Headers returns a copy of h where every value of a sensitive header is
// replaced by the placeholder. The number of values per header is preserved.
func (r *Redactor) Headers(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		cp := make([]string, len(values))
		if r.IsSensitiveHeader(name) {
			for i := range cp {
				cp[i] = Placeholder
			}
		} else {
			copy(cp, values)
		}
		out[name] = cp
	}
	return out
}

// HeaderMap is Headers for single-valued maps.
func (r *Redactor) HeaderMap(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for name, value := range h {
		if r.IsSensitiveHeader(name) {
			out[name] = Placeholder
		} else {
			out[name] = value
		}
	}
	return out
}

// IsSensitiveKey reports whether a JSON object key has its value masked.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}

// JSON walks a decoded JSON tree (maps, slices and scalars as produced by
// encoding/json) and masks the value of every sensitive key at any depth.
// Scalars and values of other types are returned unchanged.
func (r *Redactor) JSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if IsSensitiveKey(k) {
				out[k] = Placeholder
				continue
			}
			out[k] = r.JSON(val)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, val := range t {
			if IsSensitiveKey(k) {
				out[k] = Placeholder
				continue
			}
			out[k] = val
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = r.JSON(val)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, val := range t {
			out[i] = r.JSON(val).(map[string]any)
		}
		return out
	default:
		return v
	}
}

// Details redacts an open event payload. Values that are not plain JSON trees
// (structs, typed slices) are normalised through a JSON round trip first so
// their fields are subject to the same key policy.
func (r *Redactor) Details(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	normalized := make(map[string]any, len(details))
	for k, v := range details {
		normalized[k] = normalize(v)
	}
	return r.JSON(normalized).(map[string]any)
}

func normalize(v any) any {
	switch t := v.(type) {
	case nil, string, bool, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number, map[string]string:
		return v
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return string(b)
	}
	return out
}

// JSONBytes redacts a serialized body. Valid JSON is decoded, masked by key
// and re-encoded; anything else (including truncated JSON) goes through Text.
func (r *Redactor) JSONBytes(b []byte) []byte {
	if len(bytes.TrimSpace(b)) == 0 {
		return b
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil || dec.More() {
		return []byte(r.Text(string(b)))
	}
	out, err := json.Marshal(r.JSON(v))
	if err != nil {
		return []byte(r.Text(string(b)))
	}
	return out
}
