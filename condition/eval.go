// Package condition evaluates strategy condition trees against a bar window.
//
// There is exactly one tree walk. Historical and Live differ only in the
// preconditions they check and where indicator values come from.
package condition

import (
	"github.com/rustyeddy/walkforward/strategy"
)

// IndicatorLookup returns the named indicator value for bar i of the window.
type IndicatorLookup func(name string, i int) (float64, bool)

// Evaluate walks tree at the last bar of an n-bar window.
func Evaluate(tree *strategy.Node, n int, lookup IndicatorLookup) bool {
	if tree == nil || n <= 0 {
		return false
	}
	return walk(tree, n-1, lookup)
}

func walk(n *strategy.Node, i int, lookup IndicatorLookup) bool {
	switch n.Kind {
	case strategy.KindLeaf:
		return leaf(n, i, lookup)
	case strategy.KindBranch:
		if n.Logic == strategy.Or {
			if n.Own != nil && walk(n.Own, i, lookup) {
				return true
			}
			for _, c := range n.Children {
				if walk(c, i, lookup) {
					return true
				}
			}
			return false
		}
		if n.Own != nil && !walk(n.Own, i, lookup) {
			return false
		}
		for _, c := range n.Children {
			if !walk(c, i, lookup) {
				return false
			}
		}
		return true
	}
	return false
}

func leaf(n *strategy.Node, i int, lookup IndicatorLookup) bool {
	cur, ok := lookup(n.Indicator, i)
	if !ok {
		return false
	}
	t := n.Threshold
	switch n.Operator {
	case strategy.GT:
		return cur > t
	case strategy.LT:
		return cur < t
	case strategy.GTE:
		return cur >= t
	case strategy.LTE:
		return cur <= t
	case strategy.CrossesAbove, strategy.CrossesBelow:
		if i < 1 {
			return false
		}
		prev, ok := lookup(n.Indicator, i-1)
		if !ok {
			return false
		}
		if n.Operator == strategy.CrossesAbove {
			return prev <= t && cur > t
		}
		return prev >= t && cur < t
	}
	return false
}
