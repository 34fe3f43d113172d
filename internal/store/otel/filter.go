package otel

import "path"

// Filter controls which decisions are exported.
type Filter struct {
	// MinAction drops decisions less severe than this action.
	MinAction string
	// ExcludeMethods are path.Match patterns over the decision method.
	ExcludeMethods []string
}

var actionRank = map[string]int{
	"allow": 0,
	"warn":  1,
	"block": 2,
}

// Match returns true if the decision should be exported.
func (f *Filter) Match(action, method string) bool {
	if f == nil {
		return true
	}
	if min, ok := actionRank[f.MinAction]; ok {
		if rank, known := actionRank[action]; known && rank < min {
			return false
		}
	}
	for _, pattern := range f.ExcludeMethods {
		if ok, _ := path.Match(pattern, method); ok {
			return false
		}
	}
	return true
}
