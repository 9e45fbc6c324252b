// Package compiler implements C, the central filter-program emitter
// (spec.md §4.5): given a zone snapshot from pkg/zone and a rule set, it
// produces one iptables/ip6tables FORWARD script per router.
package compiler

import (
	"fmt"
	"net"
	"regexp"
	"sort"
	"strings"

	"github.com/svcbridge/svcbridge/pkg/zone"
)

// Action mirrors pkg/policy's allow/deny outcome for a central rule.
type Action int

const (
	Deny Action = iota
	Allow
)

func (a Action) verb() string {
	if a == Allow {
		return "ACCEPT"
	}
	return "DROP"
}

// Rule is a central-compiler rule: spec.md §4.3's fields plus the
// central-only `router`, `src-address`, `src-prefix-length` attributes
// (spec.md §6).
type Rule struct {
	Router          string // router name, or "*" to match every router
	Type            *regexp.Regexp
	Name            *regexp.Regexp
	SrcAddress      string
	SrcPrefixLength int
	Action          Action
}

// family reports 4 or 6 for r's source address, or 0 if it does not parse.
func (r Rule) family() int {
	ip := net.ParseIP(r.SrcAddress)
	if ip == nil {
		return 0
	}
	if ip.To4() != nil {
		return 4
	}
	return 6
}

// matchesRouter reports whether r applies to router (spec.md §4.5 step 2).
func (r Rule) matchesRouter(router string) bool {
	return r.Router == "*" || r.Router == router
}

// addrFamily returns 4 or 6 for addr, or 0 if unparseable.
func addrFamily(addr string) int {
	ip := net.ParseIP(addr)
	if ip == nil {
		return 0
	}
	if ip.To4() != nil {
		return 4
	}
	return 6
}

// isTCPSubtype reports whether a short DNS-SD service type (e.g.
// "_http._tcp") denotes TCP transport. Per spec.md §4.5, every non-TCP
// subtype (reserved by DNS-SD under `_udp`) is filtered with `!tcp` rather
// than `-p udp`.
func isTCPSubtype(shortType string) bool {
	return strings.HasSuffix(shortType, "_tcp")
}

// shortType strips the trailing ".<router>.<zone>" from a fully-qualified
// subtype, leaving e.g. "_http._tcp" from "_http._tcp.rtr1.example.org.".
func shortType(subtype, router string) string {
	idx := strings.Index(subtype, "."+router+".")
	if idx < 0 {
		return strings.TrimSuffix(subtype, ".")
	}
	return subtype[:idx]
}

// Compile emits routerName's FORWARD rule lines, in the fixed order spec.md
// §9's Open Question resolution mandates: for each rule, for each known
// service type, for each matching service. The two default-DROP lines are
// appended last (the same Open Question's ordering resolution). The returned
// lines have no trailing default policy for the reverse direction: spec.md
// §4.5 specifies FORWARD only. router's PublicInterfaces and Subtypes come
// straight from a pkg/zone.Read snapshot entry.
func Compile(routerName string, router zone.Router, rules []Rule) []string {
	var lines []string

	applicable := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.matchesRouter(routerName) {
			applicable = append(applicable, r)
		}
	}

	subtypes := make([]string, 0, len(router.Subtypes))
	for subtype := range router.Subtypes {
		subtypes = append(subtypes, subtype)
	}
	sort.Strings(subtypes)

	for _, r := range applicable {
		family := r.family()
		if family == 0 {
			continue
		}
		for _, subtype := range subtypes {
			short := shortType(subtype, routerName)
			if !r.Type.MatchString(short) {
				continue
			}
			for _, svc := range router.Subtypes[subtype] {
				if !r.Name.MatchString(svc.Name) {
					continue
				}
				matching := addressesInFamily(svc.Addresses, family)
				if len(matching) == 0 {
					continue
				}
				sort.Strings(matching)
				for _, iface := range router.PublicInterfaces {
					for _, addr := range matching {
						lines = append(lines, emitRule(family, r, iface, addr, svc.Port, short))
					}
				}
			}
		}
	}

	lines = append(lines, defaultDropLines()...)
	return lines
}

func addressesInFamily(addrs []string, family int) []string {
	var out []string
	for _, a := range addrs {
		if addrFamily(a) == family {
			out = append(out, a)
		}
	}
	return out
}

func emitRule(family int, r Rule, iface, addr string, port int, subtype string) string {
	tool := "iptables"
	if family == 6 {
		tool = "ip6tables"
	}
	proto := "!tcp"
	if isTCPSubtype(subtype) {
		proto = "tcp"
	}
	return fmt.Sprintf("%s -t filter -A FORWARD -p %s -s %s/%d -i %s -d %s --dport %d -j %s",
		tool, proto, r.SrcAddress, r.SrcPrefixLength, iface, addr, port, r.Action.verb())
}

// CompileRule parses a central rule's string attributes (spec.md §6) into a
// Rule, compiling its type and name regexes and validating its action.
func CompileRule(router, typePattern, namePattern, srcAddress string, srcPrefixLength int, action string) (Rule, error) {
	typeRe, err := regexp.Compile(typePattern)
	if err != nil {
		return Rule{}, fmt.Errorf("compiler: invalid type pattern %q: %w", typePattern, err)
	}
	nameRe, err := regexp.Compile(namePattern)
	if err != nil {
		return Rule{}, fmt.Errorf("compiler: invalid name pattern %q: %w", namePattern, err)
	}
	var act Action
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "allow":
		act = Allow
	case "deny":
		act = Deny
	default:
		return Rule{}, fmt.Errorf("compiler: invalid action %q, want allow or deny", action)
	}
	if net.ParseIP(srcAddress) == nil {
		return Rule{}, fmt.Errorf("compiler: invalid src-address %q", srcAddress)
	}
	return Rule{
		Router:          router,
		Type:            typeRe,
		Name:            nameRe,
		SrcAddress:      srcAddress,
		SrcPrefixLength: srcPrefixLength,
		Action:          act,
	}, nil
}

// defaultDropLines appends the two final default-forward-policy lines
// (v4 and v6), per spec.md §9's "default-DROP last" resolution.
func defaultDropLines() []string {
	return []string{
		"iptables -t filter -A FORWARD -j DROP",
		"ip6tables -t filter -A FORWARD -j DROP",
	}
}
