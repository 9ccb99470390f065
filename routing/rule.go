package routing

import (
	"fmt"
	"strings"
)

// Rule decides whether a message type is eligible for a route. Rules are
// built during configuration and evaluated without side effects, so a single
// rule may be consulted by many senders at once.
type Rule interface {
	Matches(candidate MessageType) bool
	String() string
}

// AssemblyRule matches every message type defined in one module.
type AssemblyRule struct {
	Module string
}

// AssemblyRuleFor captures the module of sample.
func AssemblyRuleFor(sample MessageType) AssemblyRule {
	return AssemblyRule{Module: sample.Module}
}

// AssemblyRuleOf captures the module that defines T.
func AssemblyRuleOf[T any]() AssemblyRule {
	return AssemblyRuleFor(TypeFor[T]())
}

// Matches compares module identity exactly; a nested module is a different
// module, and a type that merely shares a name is not a match.
func (r AssemblyRule) Matches(candidate MessageType) bool {
	return candidate.Module == r.Module
}

func (r AssemblyRule) String() string {
	return fmt.Sprintf("Contained in module %s", r.Module)
}

// NamespaceRule matches types defined in Prefix or in any module nested below it.
type NamespaceRule struct {
	Prefix string
}

// NamespaceRuleFor captures the module of sample as the prefix.
func NamespaceRuleFor(sample MessageType) NamespaceRule {
	return NamespaceRule{Prefix: sample.Module}
}

func (r NamespaceRule) Matches(candidate MessageType) bool {
	if candidate.Module == r.Prefix {
		return true
	}
	return strings.HasPrefix(candidate.Module, strings.TrimSuffix(r.Prefix, "/")+"/")
}

func (r NamespaceRule) String() string {
	return fmt.Sprintf("Contained in module tree %s", r.Prefix)
}

// TypeRule matches a single message type.
type TypeRule struct {
	Type MessageType
}

// TypeRuleOf matches exactly T.
func TypeRuleOf[T any]() TypeRule {
	return TypeRule{Type: TypeFor[T]()}
}

func (r TypeRule) Matches(candidate MessageType) bool {
	return candidate == r.Type
}

func (r TypeRule) String() string {
	return fmt.Sprintf("Is type %s", r.Type)
}

// PredicateRule adapts a function into a Rule.
type PredicateRule struct {
	Description string
	Predicate   func(MessageType) bool
}

func (r PredicateRule) Matches(candidate MessageType) bool {
	return r.Predicate != nil && r.Predicate(candidate)
}

func (r PredicateRule) String() string {
	if r.Description == "" {
		return "Matches predicate"
	}
	return r.Description
}

// Operator combines the children of a CompositeRule.
type Operator int

const (
	OpAnd Operator = iota
	OpOr
	OpNot
)

// CompositeRule combines child rules. An AND of no rules matches nothing,
// as does an OR of no rules; NOT negates its single child.
type CompositeRule struct {
	Op    Operator
	Rules []Rule
}

// All matches when every rule matches.
func All(rules ...Rule) CompositeRule {
	return CompositeRule{Op: OpAnd, Rules: rules}
}

// Any matches when at least one rule matches.
func Any(rules ...Rule) CompositeRule {
	return CompositeRule{Op: OpOr, Rules: rules}
}

// Not inverts rule.
func Not(rule Rule) CompositeRule {
	return CompositeRule{Op: OpNot, Rules: []Rule{rule}}
}

func (r CompositeRule) Matches(candidate MessageType) bool {
	switch r.Op {
	case OpAnd:
		if len(r.Rules) == 0 {
			return false
		}
		for _, rule := range r.Rules {
			if !rule.Matches(candidate) {
				return false
			}
		}
		return true
	case OpOr:
		for _, rule := range r.Rules {
			if rule.Matches(candidate) {
				return true
			}
		}
		return false
	case OpNot:
		return len(r.Rules) == 1 && !r.Rules[0].Matches(candidate)
	default:
		return false
	}
}

func (r CompositeRule) String() string {
	parts := make([]string, len(r.Rules))
	for i, rule := range r.Rules {
		parts[i] = rule.String()
	}
	switch r.Op {
	case OpAnd:
		return "(" + strings.Join(parts, " AND ") + ")"
	case OpOr:
		return "(" + strings.Join(parts, " OR ") + ")"
	case OpNot:
		return "NOT " + strings.Join(parts, "")
	default:
		return "unknown composite"
	}
}
