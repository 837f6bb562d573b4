package condition

import (
	"fmt"
	"reflect"
	"strings"
)

func looseEqual(a, b interface{}) bool {
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func toArray(v interface{}) ([]interface{}, bool) {
	arr, ok := v.([]interface{})
	return arr, ok
}

// matchEq implements eq: an array-valued context field matches if the
// scalar comparison value is a member; otherwise a plain equality check.
func matchEq(value, target interface{}) bool {
	if arr, ok := toArray(value); ok {
		for _, v := range arr {
			if looseEqual(v, target) {
				return true
			}
		}
		return false
	}
	return looseEqual(value, target)
}

// ValueIn reports whether value loosely-equals any member of values; used by
// switch-node case resolution outside the condition AST.
func ValueIn(value interface{}, values []interface{}) bool {
	for _, v := range values {
		if looseEqual(value, v) {
			return true
		}
	}
	return false
}

// matchIn implements in: true if value (scalar or array) intersects the
// target array.
func matchIn(value, target interface{}) bool {
	targetArr, ok := toArray(target)
	if !ok {
		return false
	}
	if arr, ok := toArray(value); ok {
		for _, v := range arr {
			for _, t := range targetArr {
				if looseEqual(v, t) {
					return true
				}
			}
		}
		return false
	}
	for _, t := range targetArr {
		if looseEqual(value, t) {
			return true
		}
	}
	return false
}

// matchContains implements contains: substring match for strings, membership
// for arrays.
func matchContains(value, target interface{}) bool {
	if arr, ok := toArray(value); ok {
		for _, v := range arr {
			if looseEqual(v, target) {
				return true
			}
		}
		return false
	}
	vs, vok := value.(string)
	ts, tok := target.(string)
	if vok && tok {
		return strings.Contains(vs, ts)
	}
	return looseEqual(value, target)
}

func matchCompare(value, target interface{}, op Operator) bool {
	vf, vok := toFloat64(value)
	tf, tok := toFloat64(target)
	if !vok || !tok {
		return false
	}
	switch op {
	case OpGt:
		return vf > tf
	case OpGte:
		return vf >= tf
	case OpLt:
		return vf < tf
	case OpLte:
		return vf <= tf
	default:
		return false
	}
}

func toString(v interface{}) string {
	return fmt.Sprintf("%v", v)
}
