package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/openwiki/infobase/api"
)

func toInt(v interface{}) (int64, error) {
	switch v := v.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case json.Number:
		return v.Int64()
	case string:
		return strconv.ParseInt(v, 10, 64)
	}
	return 0, fmt.Errorf("not an integer: %v", v)
}

// normalizeIndexValue maps a query value onto the representation stored in
// the index: strings stay strings, integers become int64. Anything else is
// not indexed and cannot drive a scan.
func normalizeIndexValue(v interface{}) (interface{}, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		return nil, errBadIndexValue
	case float64:
		if v == float64(int64(v)) {
			return int64(v), nil
		}
		return nil, errBadIndexValue
	}
	return nil, errBadIndexValue
}

// globMatch reports whether s matches pattern, where '*' matches any run of
// characters.
func globMatch(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for _, p := range parts[1 : len(parts)-1] {
		i := strings.Index(s, p)
		if i < 0 {
			return false
		}
		s = s[i+len(p):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}

// normalizeScalar reduces any JSON scalar to string, int64, float64 or bool
// for comparison.
func normalizeScalar(v interface{}) interface{} {
	switch v := v.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case int:
		return int64(v)
	case map[string]interface{}:
		if ref, ok := api.Reference(v); ok {
			return ref
		}
	}
	return v
}

// compareValues orders two scalars: numerics numerically across int and
// float, strings lexicographically. Incomparable pairs fall back to their
// printed form so sorting stays total.
func compareValues(a, b interface{}) int {
	a, b = normalizeScalar(a), normalizeScalar(b)

	af, aNum := asFloat(a)
	bf, bNum := asFloat(b)
	if aNum && bNum {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}

	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return strings.Compare(as, bs)
	}

	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func asFloat(v interface{}) (float64, bool) {
	switch v := v.(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

// firstValue walks a dotted property path and returns the first scalar it
// finds; lists contribute their first element.
func firstValue(doc api.Document, path string) interface{} {
	var cur interface{} = map[string]interface{}(doc)
	for _, part := range strings.Split(path, ".") {
		if l, ok := cur.([]interface{}); ok {
			if len(l) == 0 {
				return nil
			}
			cur = l[0]
		}
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = m[part]
	}
	if l, ok := cur.([]interface{}); ok {
		if len(l) == 0 {
			return nil
		}
		cur = l[0]
	}
	return cur
}

// leafValues collects every scalar stored under a property path, flattening
// lists the same way the indexer does.
func leafValues(doc api.Document, path string) []interface{} {
	var out []interface{}
	for e := range computeRawIndex(doc) {
		if e.Property == path {
			out = append(out, e.Value)
		}
	}
	return out
}

// docMatches evaluates one condition directly against a document, used for
// the operators an index scan cannot answer. For lists, "=" means some
// element matches and "!=" means no element does.
func docMatches(doc api.Document, c condition) bool {
	leaves := leafValues(doc, c.name)
	if len(leaves) == 0 {
		return false
	}

	want := normalizeScalar(c.value)
	for _, leaf := range leaves {
		cmp := compareValues(leaf, want)
		switch c.op {
		case "=":
			if cmp == 0 {
				return true
			}
		case "!=":
			if cmp == 0 {
				return false
			}
		case "<":
			if cmp < 0 {
				return true
			}
		case "<=":
			if cmp <= 0 {
				return true
			}
		case ">":
			if cmp > 0 {
				return true
			}
		case ">=":
			if cmp >= 0 {
				return true
			}
		case "~":
			p, ok1 := want.(string)
			s, ok2 := normalizeScalar(leaf).(string)
			if ok1 && ok2 && globMatch(p, s) {
				return true
			}
		}
	}
	return c.op == "!="
}
