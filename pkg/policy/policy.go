// Package policy implements P: an ordered list of allow/deny rules matched
// by regular expression over service attributes (spec.md §4.3).
package policy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Action is a rule's disposition.
type Action int

const (
	// Deny is the default outcome when no rule matches.
	Deny Action = iota
	// Allow publishes the service.
	Allow
)

// ParseAction parses the case-insensitive "allow"/"deny" element body from
// config. Any other value is invalid and the rule carrying it must be
// dropped, per spec.md §4.3.
func ParseAction(s string) (Action, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return Allow, true
	case "deny":
		return Deny, true
	default:
		return Deny, false
	}
}

// Rule is one edge PolicyEvaluator rule: spec.md §4.3's six regex fields
// plus an action.
type Rule struct {
	Name       *regexp.Regexp
	Type       *regexp.Regexp
	IfaceName  *regexp.Regexp
	IfaceIPVer *regexp.Regexp
	Hostname   *regexp.Regexp
	Port       *regexp.Regexp
	Action     Action
}

// Input is the set of service attributes a rule is matched against.
type Input struct {
	Name       string
	Type       string
	IfaceName  string
	IfaceIPVer string
	Hostname   string
	Port       string
}

// ServiceInput builds an Input from the discrete service attributes spec.md
// §4.2's event handlers carry.
func ServiceInput(name, stype, ifaceName string, ifaceIPVer int, hostname string, port int) Input {
	return Input{
		Name:       name,
		Type:       stype,
		IfaceName:  ifaceName,
		IfaceIPVer: strconv.Itoa(ifaceIPVer),
		Hostname:   hostname,
		Port:       strconv.Itoa(port),
	}
}

// Evaluator holds an ordered rule list and evaluates inputs against it.
type Evaluator struct {
	rules []Rule
}

// New returns an Evaluator over rules, in the order they must be tried.
func New(rules []Rule) *Evaluator {
	return &Evaluator{rules: rules}
}

// Evaluate returns the action of the first rule whose six fields all match
// in, or Deny if none match, per spec.md §4.3.
func (e *Evaluator) Evaluate(in Input) Action {
	for _, r := range e.rules {
		if r.Name.MatchString(in.Name) &&
			r.Type.MatchString(in.Type) &&
			r.IfaceName.MatchString(in.IfaceName) &&
			r.IfaceIPVer.MatchString(in.IfaceIPVer) &&
			r.Hostname.MatchString(in.Hostname) &&
			r.Port.MatchString(in.Port) {
			return r.Action
		}
	}
	return Deny
}

// Allowed is shorthand for Evaluate(in) == Allow.
func (e *Evaluator) Allowed(in Input) bool {
	return e.Evaluate(in) == Allow
}

// CompileRule compiles the six raw regex strings and an action string into
// a Rule, or an error naming the first invalid field. Per spec.md §7, an
// invalid regular expression discovered while evaluating (not while
// compiling config) must stop the agent loop — callers of CompileRule
// during config load should treat any error here as fatal startup
// validation, which achieves the same effect earlier and more cheaply.
func CompileRule(name, stype, ifaceName, ifaceIPVer, hostname, port, action string) (Rule, error) {
	fields := []struct {
		name string
		expr string
	}{
		{"name", name}, {"type", stype}, {"interface-name", ifaceName},
		{"interface-ip", ifaceIPVer}, {"hostname", hostname}, {"port", port},
	}
	compiled := make([]*regexp.Regexp, len(fields))
	for i, f := range fields {
		re, err := regexp.Compile(f.expr)
		if err != nil {
			return Rule{}, fmt.Errorf("policy: compiling %s regex %q: %w", f.name, f.expr, err)
		}
		compiled[i] = re
	}
	act, ok := ParseAction(action)
	if !ok {
		return Rule{}, fmt.Errorf("policy: invalid action %q (want allow or deny)", action)
	}
	return Rule{
		Name:       compiled[0],
		Type:       compiled[1],
		IfaceName:  compiled[2],
		IfaceIPVer: compiled[3],
		Hostname:   compiled[4],
		Port:       compiled[5],
		Action:     act,
	}, nil
}
