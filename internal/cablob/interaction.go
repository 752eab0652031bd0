package cablob

import "github.com/tidwall/gjson"

// unhappyGrades are the HappinessGrade values that trigger a root-cause walk.
var unhappyGrades = map[string]bool{
	"Unacceptable":  true,
	"ReallyAnnoyed": true,
}

// needsRootCauseWalk reports whether grade should trigger the root-cause
// search.
func needsRootCauseWalk(grade string) bool {
	return unhappyGrades[grade]
}

// rootCauseCorrelationID performs a pre-order search for the deepest
// descendant whose HappinessGrade equals the root's grade, returning that
// node's OperationID/OperationId detail (either capitalization) as the
// correlation id. Returns "" if no such node is found.
func rootCauseCorrelationID(interaction gjson.Result, grade string) string {
	node, ok := rootCause(interaction, grade)
	if !ok {
		return ""
	}
	if v := node.Get("OperationID"); v.Exists() {
		return v.String()
	}
	if v := node.Get("OperationId"); v.Exists() {
		return v.String()
	}
	return ""
}

// rootCause implements the search directly:
//
//	rootCause(node, G):
//	  if node.grade != G: return bottom
//	  for child in node.children() (declared order):
//	    r := rootCause(child, G)
//	    if r != bottom: return r
//	  return node
func rootCause(node gjson.Result, grade string) (gjson.Result, bool) {
	if node.Get("HappinessGrade").String() != grade {
		return gjson.Result{}, false
	}
	for _, child := range children(node) {
		if r, ok := rootCause(child, grade); ok {
			return r, true
		}
	}
	return node, true
}

// children implements the two-clause child rule: the JSON members of a
// "Components" array if present (order preserved), otherwise every object
// member that itself looks like an interaction node (carries both
// HappinessGrade and TimeInteractionRecorded).
func children(node gjson.Result) []gjson.Result {
	if components := node.Get("Components"); components.Exists() && components.IsArray() {
		var out []gjson.Result
		components.ForEach(func(_, value gjson.Result) bool {
			out = append(out, value)
			return true
		})
		return out
	}

	var out []gjson.Result
	node.ForEach(func(_, value gjson.Result) bool {
		if !value.IsObject() {
			return true
		}
		if value.Get("HappinessGrade").Exists() && value.Get("TimeInteractionRecorded").Exists() {
			out = append(out, value)
		}
		return true
	})
	return out
}
