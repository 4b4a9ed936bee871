package strategy

import (
	"errors"
	"fmt"
	"sort"
)

// Kind tags a Node as a leaf comparison or a logical branch.
type Kind string

const (
	KindLeaf   Kind = "leaf"
	KindBranch Kind = "branch"
)

// Operator compares an indicator value to a threshold.
type Operator string

const (
	GT           Operator = ">"
	LT           Operator = "<"
	GTE          Operator = ">="
	LTE          Operator = "<="
	CrossesAbove Operator = "crosses_above"
	CrossesBelow Operator = "crosses_below"
)

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	switch op {
	case GT, LT, GTE, LTE, CrossesAbove, CrossesBelow:
		return true
	}
	return false
}

// Crossing reports whether op needs the previous bar's value.
func (op Operator) Crossing() bool {
	return op == CrossesAbove || op == CrossesBelow
}

// Logic joins a branch's conditions.
type Logic string

const (
	And Logic = "AND"
	Or  Logic = "OR"
)

// Node is one element of a condition tree.
//
// A leaf compares Indicator against Threshold with Operator. A branch joins
// an optional own leaf condition and an ordered, non-empty list of children
// with Logic.
type Node struct {
	Kind Kind `json:"kind,omitempty" yaml:"kind,omitempty"`

	Indicator string   `json:"indicator,omitempty" yaml:"indicator,omitempty"`
	Operator  Operator `json:"operator,omitempty" yaml:"operator,omitempty"`
	Threshold float64  `json:"threshold,omitempty" yaml:"threshold,omitempty"`

	Logic    Logic   `json:"logic,omitempty" yaml:"logic,omitempty"`
	Own      *Node   `json:"condition,omitempty" yaml:"condition,omitempty"`
	Children []*Node `json:"children,omitempty" yaml:"children,omitempty"`
}

// Leaf builds a leaf node.
func Leaf(indicator string, op Operator, threshold float64) *Node {
	return &Node{Kind: KindLeaf, Indicator: indicator, Operator: op, Threshold: threshold}
}

// AllOf builds an AND branch. own may be nil.
func AllOf(own *Node, children ...*Node) *Node {
	return &Node{Kind: KindBranch, Logic: And, Own: own, Children: children}
}

// AnyOf builds an OR branch. own may be nil.
func AnyOf(own *Node, children ...*Node) *Node {
	return &Node{Kind: KindBranch, Logic: Or, Own: own, Children: children}
}

var errNilNode = errors.New("nil condition node")

// Validate checks the tree's structural invariants.
func (n *Node) Validate() error {
	return n.validate("")
}

func (n *Node) validate(path string) error {
	if n == nil {
		return fmt.Errorf("%s: %w", pathOrRoot(path), errNilNode)
	}
	switch n.Kind {
	case KindLeaf:
		if n.Indicator == "" {
			return fmt.Errorf("%s: leaf has no indicator", pathOrRoot(path))
		}
		if !n.Operator.Valid() {
			return fmt.Errorf("%s: unknown operator %q", pathOrRoot(path), n.Operator)
		}
		if len(n.Children) > 0 || n.Own != nil {
			return fmt.Errorf("%s: leaf cannot have children", pathOrRoot(path))
		}
	case KindBranch:
		if n.Logic != And && n.Logic != Or {
			return fmt.Errorf("%s: unknown logic %q", pathOrRoot(path), n.Logic)
		}
		if len(n.Children) == 0 {
			return fmt.Errorf("%s: branch needs at least one child", pathOrRoot(path))
		}
		if n.Own != nil {
			if n.Own.Kind != KindLeaf {
				return fmt.Errorf("%s.condition: own condition must be a leaf", pathOrRoot(path))
			}
			if err := n.Own.validate(path + ".condition"); err != nil {
				return err
			}
		}
		for i, c := range n.Children {
			if err := c.validate(fmt.Sprintf("%s.children[%d]", path, i)); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%s: unknown node kind %q", pathOrRoot(path), n.Kind)
	}
	return nil
}

func pathOrRoot(p string) string {
	if p == "" {
		return "root"
	}
	return "root" + p
}

// normalize fills in Kind where a document left it out.
func (n *Node) normalize() {
	if n == nil {
		return
	}
	if n.Kind == "" {
		if len(n.Children) > 0 || n.Logic != "" {
			n.Kind = KindBranch
		} else {
			n.Kind = KindLeaf
		}
	}
	if n.Own != nil {
		n.Own.normalize()
	}
	for _, c := range n.Children {
		c.normalize()
	}
}

// Indicators returns the sorted, de-duplicated indicator names the tree reads.
func (n *Node) Indicators() []string {
	seen := map[string]struct{}{}
	n.collect(seen)
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (n *Node) collect(seen map[string]struct{}) {
	if n == nil {
		return
	}
	if n.Kind == KindLeaf {
		seen[n.Indicator] = struct{}{}
		return
	}
	n.Own.collect(seen)
	for _, c := range n.Children {
		c.collect(seen)
	}
}

// Clone deep-copies the tree.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := *n
	out.Own = n.Own.Clone()
	if n.Children != nil {
		out.Children = make([]*Node, len(n.Children))
		for i, c := range n.Children {
			out.Children[i] = c.Clone()
		}
	}
	return &out
}
