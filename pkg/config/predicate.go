package config

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// PredicateType discriminates the closed set of predicate variants.
type PredicateType string

const (
	PredicatePath       PredicateType = "path"
	PredicateHost       PredicateType = "host"
	PredicateMethod     PredicateType = "method"
	PredicateHeader     PredicateType = "header"
	PredicateQuery      PredicateType = "query"
	PredicateCookie     PredicateType = "cookie"
	PredicateRemoteAddr PredicateType = "remote_addr"
	PredicateAfter      PredicateType = "after"
	PredicateBefore     PredicateType = "before"
	PredicateBetween    PredicateType = "between"
	PredicateWeight     PredicateType = "weight"
)

// PredicateConfig is the tagged union for route predicates. Exactly the
// fields belonging to the declared Type may be present; anything else is a
// decode error.
type PredicateConfig struct {
	Type PredicateType

	// Path / Host
	Patterns           []string
	MatchTrailingSlash bool

	// Method
	Methods []string

	// Header / Query / Cookie
	Name  string
	Value string
	Regex string

	// RemoteAddr
	CIDRs []string

	// After / Before / Between (RFC 3339 instants)
	Instant string
	Start   string
	End     string

	// Weight
	Group  string
	Weight uint32
}

// The per-variant wire shapes. Each decodes strictly so a misspelled or
// misplaced field fails at load time.
type pathPredicateJSON struct {
	Type               PredicateType `json:"type"`
	Patterns           []string      `json:"patterns"`
	MatchTrailingSlash bool          `json:"match_trailing_slash,omitempty"`
}

type hostPredicateJSON struct {
	Type     PredicateType `json:"type"`
	Patterns []string      `json:"patterns"`
}

type methodPredicateJSON struct {
	Type    PredicateType `json:"type"`
	Methods []string      `json:"methods"`
}

type matcherPredicateJSON struct {
	Type  PredicateType `json:"type"`
	Name  string        `json:"name"`
	Value string        `json:"value,omitempty"`
	Regex string        `json:"regex,omitempty"`
}

type remoteAddrPredicateJSON struct {
	Type  PredicateType `json:"type"`
	CIDRs []string      `json:"cidrs"`
}

type instantPredicateJSON struct {
	Type    PredicateType `json:"type"`
	Instant string        `json:"instant"`
}

type betweenPredicateJSON struct {
	Type  PredicateType `json:"type"`
	Start string        `json:"start"`
	End   string        `json:"end"`
}

type weightPredicateJSON struct {
	Type   PredicateType `json:"type"`
	Group  string        `json:"group"`
	Weight uint32        `json:"weight"`
}

// UnmarshalJSON decodes the tagged predicate form, dispatching on "type".
func (p *PredicateConfig) UnmarshalJSON(data []byte) error {
	var tag struct {
		Type PredicateType `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return fmt.Errorf("predicate: %w", err)
	}

	switch tag.Type {
	case PredicatePath:
		var v pathPredicateJSON
		if err := strictUnmarshal(data, &v); err != nil {
			return fmt.Errorf("path predicate: %w", err)
		}
		*p = PredicateConfig{Type: v.Type, Patterns: v.Patterns, MatchTrailingSlash: v.MatchTrailingSlash}
	case PredicateHost:
		var v hostPredicateJSON
		if err := strictUnmarshal(data, &v); err != nil {
			return fmt.Errorf("host predicate: %w", err)
		}
		*p = PredicateConfig{Type: v.Type, Patterns: v.Patterns}
	case PredicateMethod:
		var v methodPredicateJSON
		if err := strictUnmarshal(data, &v); err != nil {
			return fmt.Errorf("method predicate: %w", err)
		}
		*p = PredicateConfig{Type: v.Type, Methods: v.Methods}
	case PredicateHeader, PredicateQuery, PredicateCookie:
		var v matcherPredicateJSON
		if err := strictUnmarshal(data, &v); err != nil {
			return fmt.Errorf("%s predicate: %w", tag.Type, err)
		}
		*p = PredicateConfig{Type: v.Type, Name: v.Name, Value: v.Value, Regex: v.Regex}
	case PredicateRemoteAddr:
		var v remoteAddrPredicateJSON
		if err := strictUnmarshal(data, &v); err != nil {
			return fmt.Errorf("remote_addr predicate: %w", err)
		}
		*p = PredicateConfig{Type: v.Type, CIDRs: v.CIDRs}
	case PredicateAfter, PredicateBefore:
		var v instantPredicateJSON
		if err := strictUnmarshal(data, &v); err != nil {
			return fmt.Errorf("%s predicate: %w", tag.Type, err)
		}
		*p = PredicateConfig{Type: v.Type, Instant: v.Instant}
	case PredicateBetween:
		var v betweenPredicateJSON
		if err := strictUnmarshal(data, &v); err != nil {
			return fmt.Errorf("between predicate: %w", err)
		}
		*p = PredicateConfig{Type: v.Type, Start: v.Start, End: v.End}
	case PredicateWeight:
		var v weightPredicateJSON
		if err := strictUnmarshal(data, &v); err != nil {
			return fmt.Errorf("weight predicate: %w", err)
		}
		*p = PredicateConfig{Type: v.Type, Group: v.Group, Weight: v.Weight}
	case "":
		return fmt.Errorf("predicate is missing the type field")
	default:
		return fmt.Errorf("unknown predicate type %q", tag.Type)
	}
	return nil
}

// MarshalJSON emits the tagged wire form for sample-config generation.
func (p PredicateConfig) MarshalJSON() ([]byte, error) {
	switch p.Type {
	case PredicatePath:
		return json.Marshal(pathPredicateJSON{p.Type, p.Patterns, p.MatchTrailingSlash})
	case PredicateHost:
		return json.Marshal(hostPredicateJSON{p.Type, p.Patterns})
	case PredicateMethod:
		return json.Marshal(methodPredicateJSON{p.Type, p.Methods})
	case PredicateHeader, PredicateQuery, PredicateCookie:
		return json.Marshal(matcherPredicateJSON{p.Type, p.Name, p.Value, p.Regex})
	case PredicateRemoteAddr:
		return json.Marshal(remoteAddrPredicateJSON{p.Type, p.CIDRs})
	case PredicateAfter, PredicateBefore:
		return json.Marshal(instantPredicateJSON{p.Type, p.Instant})
	case PredicateBetween:
		return json.Marshal(betweenPredicateJSON{p.Type, p.Start, p.End})
	case PredicateWeight:
		return json.Marshal(weightPredicateJSON{p.Type, p.Group, p.Weight})
	default:
		return nil, fmt.Errorf("unknown predicate type %q", p.Type)
	}
}

// strictUnmarshal decodes JSON rejecting unknown fields.
func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
