// Package scope implements the set algebra used to compare requested scopes
// against the scopes a client is entitled to.
package scope

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// OpenID is the scope that marks a request as an OpenID Connect flow.
const OpenID = "openid"

// Set is the canonical scope representation. Order is not significant, and
// each value appears at most once.
type Set map[string]struct{}

// New builds a Set from the given values, dropping empty entries.
func New(values ...string) Set {
	s := make(Set, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		s[v] = struct{}{}
	}
	return s
}

// Parse normalizes the raw scope values received at the boundary. Each value
// may itself be comma or space delimited, and values can be repeated (array
// form), so "a,b", "a b" and ["a", "b"] all produce the same set.
func Parse(raw ...string) Set {
	var vals []string
	for _, r := range raw {
		vals = append(vals, strings.FieldsFunc(r, func(c rune) bool {
			return c == ',' || c == ' ' || c == '\t' || c == '\n'
		})...)
	}
	return New(vals...)
}

// Contains reports if v is a member of the set.
func (s Set) Contains(v string) bool {
	_, ok := s[v]
	return ok
}

// IsOpenID reports if the set requests an OpenID Connect flow.
func (s Set) IsOpenID() bool {
	return s.Contains(OpenID)
}

// Missing returns the values of s that are not in granted, sorted.
func (s Set) Missing(granted Set) []string {
	var out []string
	for v := range s {
		if !granted.Contains(v) {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return out
}

// Exceeds reports if s asks for anything outside of granted, i.e. the
// difference s - granted is non-empty.
func (s Set) Exceeds(granted Set) bool {
	for v := range s {
		if !granted.Contains(v) {
			return true
		}
	}
	return false
}

// Union returns a new set with the members of both sets.
func (s Set) Union(o Set) Set {
	out := make(Set, len(s)+len(o))
	for v := range s {
		out[v] = struct{}{}
	}
	for v := range o {
		out[v] = struct{}{}
	}
	return out
}

// Slice returns the members sorted, for stable serialization.
func (s Set) Slice() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

// String returns the space delimited form used on the wire (RFC 6749 section 3.3).
func (s Set) String() string {
	return strings.Join(s.Slice(), " ")
}

// Verify reports whether requested exceeds granted. It is the check used
// at both authorization and consent time.
func Verify(requested, granted Set) bool {
	return requested.Exceeds(granted)
}

// MarshalJSON encodes the set as a sorted array.
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

// UnmarshalJSON accepts either a delimited string or an array of strings.
func (s *Set) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = Parse(str)
		return nil
	}
	var arr []string
	if err := json.Unmarshal(b, &arr); err != nil {
		return fmt.Errorf("scope must be a string or array of strings: %w", err)
	}
	*s = Parse(arr...)
	return nil
}
