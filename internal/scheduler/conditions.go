package scheduler

import (
	"strconv"
	"strings"
)

// evaluateCondition applies one of the shared condition operators
// (spec §4.6): in, eq, neq, gt, gte, lt, lte, contains. Numeric operators
// coerce both sides via string-to-float and evaluate to false (never
// panic or error) on coercion failure.
func evaluateCondition(operator, actual string, expected []string) bool {
	if operator == "" {
		// original_source's worker.py always does pure membership
		// (field_value in success_values) when no operator is configured;
		// "eq" would silently match only expected[0] against a multi-entry
		// success_values list.
		operator = "in"
	}
	switch operator {
	case "in":
		for _, v := range expected {
			if actual == v {
				return true
			}
		}
		return false
	case "eq":
		return len(expected) > 0 && actual == expected[0]
	case "neq":
		return len(expected) == 0 || actual != expected[0]
	case "contains":
		for _, v := range expected {
			if strings.Contains(actual, v) {
				return true
			}
		}
		return false
	case "gt", "gte", "lt", "lte":
		if len(expected) == 0 {
			return false
		}
		a, err1 := strconv.ParseFloat(actual, 64)
		b, err2 := strconv.ParseFloat(expected[0], 64)
		if err1 != nil || err2 != nil {
			return false
		}
		switch operator {
		case "gt":
			return a > b
		case "gte":
			return a >= b
		case "lt":
			return a < b
		case "lte":
			return a <= b
		}
	}
	return false
}
