package auth

import (
	"net/http"
	"strings"
)

// Policy decides which requests skip authentication and which accept anonymous callers.
type Policy struct {
	ExemptPaths      map[string]struct{}
	ExemptPrefixes   []string
	OptionalPrefixes []string
}

// NewDefaultPolicy builds a policy with exemptions.
func NewDefaultPolicy(exemptPaths []string, exemptPrefixes []string) Policy {
	set := make(map[string]struct{}, len(exemptPaths))
	for _, path := range exemptPaths {
		set[path] = struct{}{}
	}
	return Policy{ExemptPaths: set, ExemptPrefixes: exemptPrefixes}
}

// WithOptional returns a copy that admits anonymous GETs under the prefixes.
func (p Policy) WithOptional(prefixes ...string) Policy {
	p.OptionalPrefixes = append(append([]string{}, p.OptionalPrefixes...), prefixes...)
	return p
}

// IsExempt returns true when a request should skip authentication entirely.
func (p Policy) IsExempt(r *http.Request) bool {
	if r == nil {
		return true
	}
	if _, ok := p.ExemptPaths[r.URL.Path]; ok {
		return true
	}
	for _, prefix := range p.ExemptPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// AllowsAnonymous returns true for safe requests on optional-auth routes.
// Those routes still resolve a principal when one is presented.
func (p Policy) AllowsAnonymous(r *http.Request) bool {
	if r == nil || (r.Method != http.MethodGet && r.Method != http.MethodHead) {
		return false
	}
	for _, prefix := range p.OptionalPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}
