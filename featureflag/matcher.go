package featureflag

import (
	"reflect"
)

// Match returns the first rule whose tags are a subset of inputTags and whose
// rollout admits bucket. List order is priority.
func Match(rules []Rule, inputTags map[string]any, bucket int) *Rule {
	for i := range rules {
		rule := &rules[i]
		if matchOne(rule, inputTags) && admits(rule, bucket) {
			return rule
		}
	}
	return nil
}

// MatchTagsExact reports whether two tag maps are equal.
func MatchTagsExact(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if v2, ok := b[k]; !ok || !valuesEqual(v, v2) {
			return false
		}
	}
	return true
}

// admits reports whether the rollout percentage covers the bucket.
func admits(rule *Rule, bucket int) bool {
	if rule.Rollout <= 0 || rule.Rollout >= 100 {
		return true
	}
	return bucket < rule.Rollout*(BucketRange/100)
}

// matchOne checks that every rule tag is present in inputTags with an equal value.
func matchOne(rule *Rule, inputTags map[string]any) bool {
	// no tags: default rule
	if len(rule.Tags) == 0 {
		return true
	}

	if len(inputTags) < len(rule.Tags) {
		return false
	}

	for key, ruleVal := range rule.Tags {
		inputVal, ok := inputTags[key]
		if !ok {
			return false
		}
		if !valuesEqual(ruleVal, inputVal) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta == nil || tb == nil {
		return ta == tb
	}
	if ta == tb && ta.Comparable() && a == b {
		return true
	}

	// JSON and YAML decode numbers as float64 or int while callers may pass
	// any numeric kind.
	va := reflect.ValueOf(a)
	vb := reflect.ValueOf(b)

	if isNumber(va.Kind()) && isNumber(vb.Kind()) {
		fa, _ := toFloat(va)
		fb, _ := toFloat(vb)
		return fa == fb
	}

	return false
}

func isNumber(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func toFloat(v reflect.Value) (float64, bool) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), true
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	}
	return 0, false
}
