// Package predicate implements the payload filter language used by metric
// definitions. A filter is a flat JSON object whose keys name payload fields,
// optionally carrying a comparison suffix:
//
//	{"status": "failed"}          equality
//	{"amount_gt": 1000}           numeric greater-than
//	{"attempts_gte": 3}           numeric greater-or-equal
//	{"risk_lt": 0.8}              numeric less-than
//	{"score_lte": 50}             numeric less-or-equal
//	{"country_in": ["RU","KP"]}   membership
//
// All conditions must hold for a payload to match. An empty filter matches
// every payload. Filters are parsed once into a Predicate at definition time;
// MatchJSON exists for rows whose stored filter predates strict validation and
// degrades to match-all when the JSON cannot be decoded.
package predicate

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// ErrMalformed reports a filter that is not a flat JSON object with valid
// operator operands. Creation paths reject such filters outright.
var ErrMalformed = errors.New("predicate: malformed filter")

type op int

const (
	opEq op = iota
	opGt
	opLt
	opGte
	opLte
	opIn
)

var suffixes = []struct {
	text string
	op   op
}{
	{"_gte", opGte},
	{"_lte", opLte},
	{"_gt", opGt},
	{"_lt", opLt},
	{"_in", opIn},
}

type condition struct {
	field string
	op    op
	value any     // opEq: expected value as decoded JSON
	num   float64 // numeric ops: expected operand
	set   []any   // opIn: expected members
}

// Predicate is a compiled filter. The zero value matches every payload.
type Predicate struct {
	conds []condition
}

// Parse compiles filterJSON into a Predicate. Empty or "{}" input yields a
// match-all predicate. Undecodable JSON, non-object documents, empty field
// names and operand shapes that do not fit their operator return ErrMalformed.
func Parse(filterJSON string) (*Predicate, error) {
	trimmed := strings.TrimSpace(filterJSON)
	if trimmed == "" {
		return &Predicate{}, nil
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	p := &Predicate{conds: make([]condition, 0, len(raw))}
	for key, expected := range raw {
		cond, err := compile(key, expected)
		if err != nil {
			return nil, err
		}
		p.conds = append(p.conds, cond)
	}
	return p, nil
}

func compile(key string, expected any) (condition, error) {
	field, o := splitKey(key)
	if field == "" {
		return condition{}, fmt.Errorf("%w: empty field in key %q", ErrMalformed, key)
	}

	switch o {
	case opEq:
		return condition{field: field, op: opEq, value: expected}, nil
	case opIn:
		set, ok := expected.([]any)
		if !ok {
			return condition{}, fmt.Errorf("%w: %s_in wants a JSON array, got %T", ErrMalformed, field, expected)
		}
		return condition{field: field, op: opIn, set: set}, nil
	default:
		num, ok := toNumber(expected)
		if !ok {
			return condition{}, fmt.Errorf("%w: %s wants a numeric operand, got %T", ErrMalformed, key, expected)
		}
		return condition{field: field, op: o, num: num}, nil
	}
}

// splitKey separates a known operator suffix from the field name. Keys whose
// suffix would leave an empty field ("_gt") and keys without a known suffix
// ("status_code") are both treated as plain equality fields; the empty-field
// case is rejected later by compile.
func splitKey(key string) (string, op) {
	for _, s := range suffixes {
		if strings.HasSuffix(key, s.text) && len(key) > len(s.text) {
			return key[:len(key)-len(s.text)], s.op
		}
	}
	return key, opEq
}

// IsEmpty reports whether the predicate matches every payload.
func (p *Predicate) IsEmpty() bool {
	return p == nil || len(p.conds) == 0
}

// Match evaluates the predicate against a decoded event payload. A missing
// payload field fails its condition; conditions are ANDed.
func (p *Predicate) Match(payload map[string]any) bool {
	if p.IsEmpty() {
		return true
	}
	for _, c := range p.conds {
		got, ok := payload[c.field]
		if !ok {
			return false
		}
		if !c.holds(got) {
			return false
		}
	}
	return true
}

func (c condition) holds(got any) bool {
	switch c.op {
	case opEq:
		return equalJSON(got, c.value)
	case opIn:
		for _, member := range c.set {
			if equalJSON(got, member) {
				return true
			}
		}
		return false
	default:
		n, ok := toNumber(got)
		if !ok {
			return false
		}
		switch c.op {
		case opGt:
			return n > c.num
		case opLt:
			return n < c.num
		case opGte:
			return n >= c.num
		case opLte:
			return n <= c.num
		}
	}
	return false
}

// MatchJSON evaluates a stored filter document directly. Decode failures
// degrade to match-all so that legacy rows keep flowing; strict validation
// happens at definition time via Parse.
func MatchJSON(filterJSON string, payload map[string]any) bool {
	trimmed := strings.TrimSpace(filterJSON)
	if trimmed == "" {
		return true
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return true
	}

	for key, expected := range raw {
		cond, err := compile(key, expected)
		if err != nil {
			// A structurally bad condition can never hold; unlike a decode
			// failure it names a concrete field, so it fails closed.
			return false
		}
		got, ok := payload[cond.field]
		if !ok || !cond.holds(got) {
			return false
		}
	}
	return true
}

// equalJSON compares two decoded JSON values the way the filter language
// defines equality: numbers compare numerically across integer and float
// representations, everything else compares by type-faithful deep equality.
// Numeric strings do not equal numbers.
func equalJSON(a, b any) bool {
	an, aok := strictNumber(a)
	bn, bok := strictNumber(b)
	if aok && bok {
		return an == bn
	}
	if aok != bok {
		return false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	}
	return reflect.DeepEqual(a, b)
}

// strictNumber converts genuine numeric types only. Used for equality, where
// "5" must not equal 5.
func strictNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// toNumber additionally coerces numeric strings, which ordered comparisons
// accept ("1500" > 1000 holds). Non-coercible values fail their condition.
func toNumber(v any) (float64, bool) {
	if f, ok := strictNumber(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}
	return 0, false
}
