// Package pattern compiles user-authored JSON condition templates into
// predicates over flat quote-like records. Templates use a MongoDB-style
// operator subset and may reference live values through {{field}}
// placeholders, substituted from a context record before parsing.
package pattern

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Predicate is a compiled boolean condition. The zero value is the
// never-matching sentinel, so callers can Test unconditionally without nil
// checks.
type Predicate struct {
	criteria map[string]any
}

// Never returns the sentinel predicate that matches no record.
func Never() Predicate {
	return Predicate{}
}

// Empty reports whether the predicate is the never-matching sentinel, i.e.
// no template was configured.
func (p Predicate) Empty() bool {
	return p.criteria == nil
}

// Compile substitutes {{field}} placeholders from context into the template
// and parses the result. Numeric and boolean values are substituted
// unquoted, everything else quoted, so the result stays valid JSON. A blank
// template compiles to Never().
func Compile(template string, context map[string]any) (Predicate, error) {
	template = strings.TrimSpace(template)
	if template == "" {
		return Never(), nil
	}

	rendered := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		field := strings.TrimSpace(match[2 : len(match)-2])
		value, ok := lookup(context, field)
		if !ok {
			return "null"
		}
		return renderValue(value)
	})

	var criteria map[string]any
	if err := json.Unmarshal([]byte(rendered), &criteria); err != nil {
		return Never(), fmt.Errorf("parse pattern %q: %w", template, err)
	}
	return Predicate{criteria: criteria}, nil
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*[^{}]+\s*\}\}`)

func renderValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case string:
		return strconv.Quote(v)
	default:
		return strconv.Quote(fmt.Sprintf("%v", v))
	}
}

// Test evaluates the predicate against a record. The sentinel matches
// nothing.
func (p Predicate) Test(record map[string]any) bool {
	if p.criteria == nil {
		return false
	}
	return matchCriteria(p.criteria, record)
}

func matchCriteria(criteria map[string]any, record map[string]any) bool {
	for key, condition := range criteria {
		switch key {
		case "$or":
			if !matchAny(condition, record) {
				return false
			}
		case "$and":
			if !matchAll(condition, record) {
				return false
			}
		case "$nor":
			if matchAny(condition, record) {
				return false
			}
		default:
			value, exists := lookup(record, key)
			if !matchField(condition, value, exists) {
				return false
			}
		}
	}
	return true
}

func matchAny(condition any, record map[string]any) bool {
	branches, ok := condition.([]any)
	if !ok {
		return false
	}
	for _, branch := range branches {
		criteria, ok := branch.(map[string]any)
		if ok && matchCriteria(criteria, record) {
			return true
		}
	}
	return false
}

func matchAll(condition any, record map[string]any) bool {
	branches, ok := condition.([]any)
	if !ok {
		return false
	}
	for _, branch := range branches {
		criteria, ok := branch.(map[string]any)
		if !ok || !matchCriteria(criteria, record) {
			return false
		}
	}
	return true
}

// matchField evaluates one field condition: either an operator map or an
// implicit equality literal.
func matchField(condition, value any, exists bool) bool {
	ops, ok := condition.(map[string]any)
	if !ok || !isOperatorMap(ops) {
		return exists && equal(value, condition)
	}
	for op, operand := range ops {
		if !applyOperator(op, operand, value, exists) {
			return false
		}
	}
	return true
}

func isOperatorMap(m map[string]any) bool {
	for key := range m {
		if !strings.HasPrefix(key, "$") {
			return false
		}
	}
	return len(m) > 0
}

func applyOperator(op string, operand, value any, exists bool) bool {
	switch op {
	case "$exists":
		want, _ := operand.(bool)
		return exists == want
	case "$eq":
		return exists && equal(value, operand)
	case "$ne":
		return !exists || !equal(value, operand)
	case "$lt":
		cmp, ok := compare(value, operand)
		return exists && ok && cmp < 0
	case "$lte":
		cmp, ok := compare(value, operand)
		return exists && ok && cmp <= 0
	case "$gt":
		cmp, ok := compare(value, operand)
		return exists && ok && cmp > 0
	case "$gte":
		cmp, ok := compare(value, operand)
		return exists && ok && cmp >= 0
	case "$in":
		return exists && contains(operand, value)
	case "$nin":
		return !exists || !contains(operand, value)
	case "$not":
		return !matchField(operand, value, exists)
	case "$regex":
		pat, ok := operand.(string)
		if !ok {
			return false
		}
		str, ok := value.(string)
		if !exists || !ok {
			return false
		}
		re, err := regexp.Compile(pat)
		if err != nil {
			return false
		}
		return re.MatchString(str)
	default:
		return false
	}
}

func contains(operand, value any) bool {
	items, ok := operand.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if equal(value, item) {
			return true
		}
	}
	return false
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return a == b
}

// compare returns -1/0/1 for ordered values; numbers compare numerically,
// strings lexically.
func compare(a, b any) (int, bool) {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}
	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case float32:
		return float64(value), true
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	case uint64:
		return float64(value), true
	case json.Number:
		f, err := value.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// lookup resolves a possibly dotted field path against a flat or nested
// record.
func lookup(record map[string]any, path string) (any, bool) {
	if record == nil {
		return nil, false
	}
	if value, ok := record[path]; ok {
		return value, true
	}
	parts := strings.Split(path, ".")
	var current any = record
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
