// Package dnsupdate implements the RFC2136 Dynamic Update transaction engine
// (D, spec.md §4.1): building and sending add/remove/service/clear-zone
// transactions over a v6-preferred, v4-fallback transport authenticated with
// TSIG, and mapping every outcome into the pkg/dnserr taxonomy.
package dnsupdate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/svcbridge/svcbridge/pkg/dnserr"
	"github.com/svcbridge/svcbridge/pkg/model"
)

// Scope selects whether an operation targets the router's subdomain or the
// parent zone itself (spec.md §4.1's subdomain|zone scope parameter).
type Scope int

const (
	// ScopeSubdomain targets "<owner>.<router>.<zone>".
	ScopeSubdomain Scope = iota
	// ScopeZone targets "<owner>.<zone>" directly.
	ScopeZone
)

// defaultTimeout is the RFC2136 transaction timeout mandated by spec.md §4.1.
const defaultTimeout = 5 * time.Second

// AddressPair is a (ipVersion, literal-address) tuple, spec.md §4.1's
// addresses parameter to AddService.
type AddressPair struct {
	IPVer   int
	Address string
}

// algByName maps the fixed TSIG algorithm name set spec.md §4.1/§6
// recognizes onto miekg/dns's FQDN algorithm constants. Any other value is a
// configuration error, validated at pkg/config load time — this map is the
// single source of truth for "the fixed set".
var algByName = map[string]string{
	"HMAC_MD5":    dns.HmacMD5,
	"HMAC_SHA1":   dns.HmacSHA1,
	"HMAC_SHA224": dns.HmacSHA224,
	"HMAC_SHA256": dns.HmacSHA256,
	"HMAC_SHA384": dns.HmacSHA384,
	"HMAC_SHA512": dns.HmacSHA512,
}

// ValidAlgorithm reports whether name (case-insensitive) is one of the fixed
// TSIG algorithms spec.md §6 recognizes.
func ValidAlgorithm(name string) bool {
	_, ok := algByName[strings.ToUpper(name)]
	return ok
}

// Config configures an Updater for a single zone.
type Config struct {
	Server    string // nameserver name to resolve, not a literal address
	Port      int
	Zone      string // e.g. "example.org."
	Subdomain string // the router's subdomain label, e.g. "home"
	KeyName   string
	KeyValue  string // base64-encoded TSIG secret
	Algorithm string // one of the keys of algByName
	TTL       uint32
}

// Exchanger abstracts dns.Client.ExchangeContext for testability, mirroring
// the teacher's dnsExchanger seam in pkg/provider/rfc2136/rfc2136.go. It is
// exported so that callers outside this package (e.g. pkg/reconciler's
// tests) can supply a fake transport via NewWithDeps.
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, addr string) (*dns.Msg, time.Duration, error)
}

// exchanger is kept as the internal alias used throughout this file.
type exchanger = Exchanger

// Resolver abstracts nameserver address resolution for testability.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

type resolver = Resolver

// Updater implements D: RFC2136 transactions against one zone.
type Updater struct {
	cfg       Config
	tsigAlg   string
	keyring   map[string]string
	exchanger exchanger
	resolver  resolver
}

// New returns a configured Updater. cfg.Algorithm must be one of the fixed
// set recognized by ValidAlgorithm; New panics if the caller passes an
// invalid algorithm, since that must be rejected at config-validation time,
// well before an Updater is constructed.
func New(cfg Config) *Updater {
	alg, ok := algByName[strings.ToUpper(cfg.Algorithm)]
	if !ok {
		panic(fmt.Sprintf("dnsupdate: invalid TSIG algorithm %q; validate with ValidAlgorithm before calling New", cfg.Algorithm))
	}
	if cfg.Port == 0 {
		cfg.Port = 53
	}
	keyring := map[string]string{}
	if cfg.KeyName != "" {
		keyring[dns.Fqdn(cfg.KeyName)] = cfg.KeyValue
	}
	return &Updater{
		cfg:     cfg,
		tsigAlg: alg,
		keyring: keyring,
		exchanger: &dns.Client{
			Net:        "tcp",
			Timeout:    defaultTimeout,
			TsigSecret: keyring,
		},
		resolver: net.DefaultResolver,
	}
}

// NewWithDeps constructs an Updater with injected transport dependencies,
// for tests in this package and others (e.g. pkg/reconciler) that need to
// fake the RFC2136 wire transport without a real nameserver, mirroring the
// teacher's newWithDeps helper.
func NewWithDeps(cfg Config, e Exchanger, r Resolver) *Updater {
	return newWithDeps(cfg, e, r)
}

func newWithDeps(cfg Config, e exchanger, r resolver) *Updater {
	alg, ok := algByName[strings.ToUpper(cfg.Algorithm)]
	if !ok {
		alg = dns.HmacSHA256
	}
	if cfg.Port == 0 {
		cfg.Port = 53
	}
	keyring := map[string]string{}
	if cfg.KeyName != "" {
		keyring[dns.Fqdn(cfg.KeyName)] = cfg.KeyValue
	}
	return &Updater{cfg: cfg, tsigAlg: alg, keyring: keyring, exchanger: e, resolver: r}
}

// scopeSuffix returns the owner-name suffix for scope: the router subdomain
// under the zone, or the zone itself.
func (u *Updater) scopeSuffix(scope Scope) string {
	if scope == ScopeSubdomain && u.cfg.Subdomain != "" {
		return u.cfg.Subdomain + "." + u.cfg.Zone
	}
	return u.cfg.Zone
}

// resolveServer resolves the configured nameserver name to up to one AAAA
// and one A address, per spec.md §4.1.
func (u *Updater) resolveServer(ctx context.Context) (v6, v4 string) {
	if ips, err := u.resolver.LookupIP(ctx, "ip6", u.cfg.Server); err == nil {
		for _, ip := range ips {
			if ip.To4() == nil {
				v6 = ip.String()
				break
			}
		}
	}
	if ips, err := u.resolver.LookupIP(ctx, "ip4", u.cfg.Server); err == nil {
		for _, ip := range ips {
			if ip.To4() != nil {
				v4 = ip.String()
				break
			}
		}
	}
	return v6, v4
}

// send resolves the nameserver, preferring IPv6, and sends m, retrying once
// over IPv4 on any v6 failure, per spec.md §4.1's transport rules.
func (u *Updater) send(ctx context.Context, m *dns.Msg) dnserr.Code {
	v6, v4 := u.resolveServer(ctx)
	if v6 == "" && v4 == "" {
		return dnserr.NSUnresolved
	}

	if v6 != "" {
		code, ok := u.tryExchange(ctx, m, net.JoinHostPort(v6, portString(u.cfg.Port)))
		if ok {
			return code
		}
	}
	if v4 != "" {
		code, ok := u.tryExchange(ctx, m, net.JoinHostPort(v4, portString(u.cfg.Port)))
		if ok {
			return code
		}
		return code
	}
	return dnserr.NSQueryingError
}

// tryExchange sends m to addr. The second return is false when the exchange
// itself failed (no response), with code set to SocketError or
// NSQueryingError; send then falls back to IPv4 if this was the IPv6
// attempt. When true, code is the server's RCODE mapped into the taxonomy.
func (u *Updater) tryExchange(ctx context.Context, m *dns.Msg, addr string) (dnserr.Code, bool) {
	r, _, err := u.exchanger.ExchangeContext(ctx, m, addr)
	if err != nil {
		if isSocketError(err) {
			return dnserr.SocketError, false
		}
		return dnserr.NSQueryingError, false
	}
	return dnserr.FromRcode(r.Rcode), true
}

// isSocketError reports whether err indicates the local host lacks support
// for the address family used to reach addr (e.g. no local IPv6 stack).
func isSocketError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial" || opErr.Op == "socket"
	}
	return false
}

func portString(p int) string {
	if p == 0 {
		p = 53
	}
	return fmt.Sprintf("%d", p)
}

// AddRecord adds a single RR to the zone (spec.md §4.1).
func (u *Updater) AddRecord(ctx context.Context, name, rtype, rdata string, scope Scope) dnserr.Code {
	owner, ok := u.ownerName(name, scope)
	if !ok {
		return dnserr.LabelNameError
	}
	m := u.newUpdate()
	rr, err := dns.NewRR(fmt.Sprintf("%s %d IN %s %s", owner, u.cfg.TTL, rtype, rdata))
	if err != nil {
		return dnserr.LabelNameError
	}
	m.Insert([]dns.RR{rr})
	return u.send(ctx, m)
}

// RemoveRecord removes a record from the zone. When rdata is "", the entire
// RRset at name/rtype is removed (spec.md §4.1).
func (u *Updater) RemoveRecord(ctx context.Context, name, rtype, rdata string, scope Scope) dnserr.Code {
	owner, ok := u.ownerName(name, scope)
	if !ok {
		return dnserr.LabelNameError
	}
	m := u.newUpdate()
	if rdata == "" {
		rr, err := dns.NewRR(fmt.Sprintf("%s 0 ANY %s", owner, rtype))
		if err != nil {
			return dnserr.LabelNameError
		}
		m.RemoveRRset([]dns.RR{rr})
	} else {
		rr, err := dns.NewRR(fmt.Sprintf("%s 0 IN %s %s", owner, rtype, rdata))
		if err != nil {
			return dnserr.LabelNameError
		}
		m.Remove([]dns.RR{rr})
	}
	return u.send(ctx, m)
}

// AddService atomically publishes records 1-4 and each present address (5/6)
// for one service instance (spec.md §3, §4.1).
func (u *Updater) AddService(ctx context.Context, name, stype, host string, addrs []AddressPair, port int, txt []string, scope Scope) dnserr.Code {
	suffix := u.scopeSuffix(scope)
	escName := model.EscapeLabel(name)
	if !model.ValidLabel(escName) {
		return dnserr.LabelNameError
	}

	typePTROwner := dns.Fqdn("_services._dns-sd._udp." + suffix)
	stypeOwner := dns.Fqdn(stype + "." + suffix)
	instanceOwner := dns.Fqdn(escName + "." + stype + "." + suffix)
	hostOwner := dns.Fqdn(host + "." + suffix)

	if !validOwner(instanceOwner) || !validOwner(hostOwner) {
		return dnserr.LabelNameError
	}

	m := u.newUpdate()
	var rrs []dns.RR

	addRR := func(s string) bool {
		rr, err := dns.NewRR(s)
		if err != nil {
			return false
		}
		rrs = append(rrs, rr)
		return true
	}

	ttl := u.cfg.TTL
	if !addRR(fmt.Sprintf("%s %d IN PTR %s", typePTROwner, ttl, stypeOwner)) {
		return dnserr.LabelNameError
	}
	if !addRR(fmt.Sprintf("%s %d IN PTR %s", stypeOwner, ttl, instanceOwner)) {
		return dnserr.LabelNameError
	}
	if !addRR(fmt.Sprintf("%s %d IN SRV 0 0 %d %s", instanceOwner, ttl, port, hostOwner)) {
		return dnserr.LabelNameError
	}
	rrs = append(rrs, &dns.TXT{
		Hdr: dns.RR_Header{Name: instanceOwner, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: ttl},
		Txt: txtStrings(txt),
	})

	for _, a := range addrs {
		switch a.IPVer {
		case 6:
			if !addRR(fmt.Sprintf("%s %d IN AAAA %s", hostOwner, ttl, a.Address)) {
				return dnserr.LabelNameError
			}
		case 4:
			if !addRR(fmt.Sprintf("%s %d IN A %s", hostOwner, ttl, a.Address)) {
				return dnserr.LabelNameError
			}
		}
	}

	m.Insert(rrs)
	return u.send(ctx, m)
}

// RemoveService removes a service instance's records 2-4, and conditionally
// 1 and 5/6, per spec.md §4.1's teardown reference-counting rules.
func (u *Updater) RemoveService(ctx context.Context, name, stype, host string, deleteTypePTR, deleteHostAddrs bool, scope Scope) dnserr.Code {
	suffix := u.scopeSuffix(scope)
	escName := model.EscapeLabel(name)
	if !model.ValidLabel(escName) {
		return dnserr.LabelNameError
	}

	stypeOwner := dns.Fqdn(stype + "." + suffix)
	instanceOwner := dns.Fqdn(escName + "." + stype + "." + suffix)
	hostOwner := dns.Fqdn(host + "." + suffix)

	m := u.newUpdate()

	ptrDel, err := dns.NewRR(fmt.Sprintf("%s 0 IN PTR %s", stypeOwner, instanceOwner))
	if err != nil {
		return dnserr.LabelNameError
	}
	m.Remove([]dns.RR{ptrDel})

	srvRRset, _ := dns.NewRR(fmt.Sprintf("%s 0 ANY SRV", instanceOwner))
	txtRRset, _ := dns.NewRR(fmt.Sprintf("%s 0 ANY TXT", instanceOwner))
	m.RemoveRRset([]dns.RR{srvRRset, txtRRset})

	if deleteHostAddrs {
		aaaaRRset, _ := dns.NewRR(fmt.Sprintf("%s 0 ANY AAAA", hostOwner))
		aRRset, _ := dns.NewRR(fmt.Sprintf("%s 0 ANY A", hostOwner))
		m.RemoveRRset([]dns.RR{aaaaRRset, aRRset})
	}

	if deleteTypePTR {
		typePTROwner := dns.Fqdn("_services._dns-sd._udp." + suffix)
		del, err := dns.NewRR(fmt.Sprintf("%s 0 IN PTR %s", typePTROwner, stypeOwner))
		if err != nil {
			return dnserr.LabelNameError
		}
		m.Remove([]dns.RR{del})
	}

	return u.send(ctx, m)
}

// ClearZone returns scope to a clean state by walking the currently
// published services via query, staging deletion of every record it
// produced, and sending one combined transaction, per spec.md §4.1's
// algorithm. It never touches records it did not itself create.
func (u *Updater) ClearZone(ctx context.Context, scope Scope) dnserr.Code {
	suffix := u.scopeSuffix(scope)
	v6, v4 := u.resolveServer(ctx)
	if v6 == "" && v4 == "" {
		return dnserr.NSUnresolved
	}
	addr := v6
	if addr == "" {
		addr = v4
	}
	server := net.JoinHostPort(addr, portString(u.cfg.Port))

	servicesPTROwner := dns.Fqdn("_services._dns-sd._udp." + suffix)

	types, ok, err := u.queryPTR(ctx, server, servicesPTROwner)
	if err != nil {
		return dnserr.NSQueryingError
	}
	if !ok {
		// NXDOMAIN/NoAnswer: nothing published, nothing to clear.
		return dnserr.Success
	}

	m := u.newUpdate()
	servicesDel, _ := dns.NewRR(fmt.Sprintf("%s 0 ANY PTR", servicesPTROwner))
	m.RemoveRRset([]dns.RR{servicesDel})

	for _, stypeOwner := range types {
		instances, ok, err := u.queryPTR(ctx, server, stypeOwner)
		stypeDel, _ := dns.NewRR(fmt.Sprintf("%s 0 ANY PTR", stypeOwner))
		m.RemoveRRset([]dns.RR{stypeDel})
		if err != nil {
			return dnserr.NSQueryingError
		}
		if !ok {
			continue
		}
		for _, instanceOwner := range instances {
			host, ok := u.querySRVHost(ctx, server, instanceOwner)
			srvDel, _ := dns.NewRR(fmt.Sprintf("%s 0 ANY SRV", instanceOwner))
			txtDel, _ := dns.NewRR(fmt.Sprintf("%s 0 ANY TXT", instanceOwner))
			m.RemoveRRset([]dns.RR{srvDel, txtDel})
			if !ok {
				continue
			}
			aaaaDel, _ := dns.NewRR(fmt.Sprintf("%s 0 ANY AAAA", host))
			aDel, _ := dns.NewRR(fmt.Sprintf("%s 0 ANY A", host))
			m.RemoveRRset([]dns.RR{aaaaDel, aDel})
		}
	}

	bDNSSDDel, _ := dns.NewRR(fmt.Sprintf("b._dns-sd._udp.%s 0 IN PTR %s", u.cfg.Zone, dns.Fqdn(suffix)))
	m.Remove([]dns.RR{bDNSSDDel})

	return u.send(ctx, m)
}

// queryPTR queries owner for its PTR RRset. ok reports whether any target was
// found. err is non-nil only for a transport failure or a non-success,
// non-NXDOMAIN RCODE (SERVFAIL, TSIG failure, timeout, ...); NXDOMAIN and a
// clean success response with no answers both mean "nothing published here"
// and are reported as ok=false, err=nil, matching the ground truth's
// distinction between NoAnswer/NXDOMAIN and a real DNSException.
func (u *Updater) queryPTR(ctx context.Context, server, owner string) (targets []string, ok bool, err error) {
	q := new(dns.Msg)
	q.SetQuestion(owner, dns.TypePTR)
	r, _, err := u.exchanger.ExchangeContext(ctx, q, server)
	if err != nil {
		return nil, false, err
	}
	if r == nil {
		return nil, false, fmt.Errorf("dnsupdate: empty response querying %s", owner)
	}
	switch r.Rcode {
	case dns.RcodeSuccess, dns.RcodeNameError:
		// Success-with-no-answers and NXDOMAIN both mean "nothing published".
	default:
		return nil, false, fmt.Errorf("dnsupdate: rcode %s querying %s", dns.RcodeToString[r.Rcode], owner)
	}
	for _, rr := range r.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			targets = append(targets, ptr.Ptr)
		}
	}
	return targets, len(targets) > 0, nil
}

// querySRVHost queries owner for its SRV RRset and returns the target host.
func (u *Updater) querySRVHost(ctx context.Context, server, owner string) (string, bool) {
	q := new(dns.Msg)
	q.SetQuestion(owner, dns.TypeSRV)
	r, _, err := u.exchanger.ExchangeContext(ctx, q, server)
	if err != nil || r == nil || r.Rcode != dns.RcodeSuccess {
		return "", false
	}
	for _, rr := range r.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			return srv.Target, true
		}
	}
	return "", false
}

// newUpdate returns a fresh UPDATE message for this Updater's zone, signed
// with TSIG when a key is configured.
func (u *Updater) newUpdate() *dns.Msg {
	m := new(dns.Msg)
	m.SetUpdate(dns.Fqdn(u.cfg.Zone))
	if u.cfg.KeyName != "" {
		m.SetTsig(dns.Fqdn(u.cfg.KeyName), u.tsigAlg, 300, time.Now().Unix())
	}
	return m
}

// ownerName escapes name and appends the scope suffix, returning false if
// the resulting label set is invalid.
func (u *Updater) ownerName(name string, scope Scope) (string, bool) {
	esc := model.EscapeLabel(name)
	if !model.ValidLabel(esc) {
		return "", false
	}
	owner := dns.Fqdn(esc + "." + u.scopeSuffix(scope))
	if !validOwner(owner) {
		return "", false
	}
	return owner, true
}

// validOwner reports whether every label of name is within DNS limits.
func validOwner(name string) bool {
	labels := dns.SplitDomainName(name)
	if labels == nil && name != "." {
		return false
	}
	for _, l := range labels {
		if !model.ValidLabel(l) {
			return false
		}
	}
	return true
}

// txtStrings joins the RFC6763 §6 key/value pairs into the TXT RR's string
// array. An empty set publishes a single empty string, matching the
// "no attributes" wire form.
func txtStrings(txt []string) []string {
	if len(txt) == 0 {
		return []string{""}
	}
	out := make([]string, len(txt))
	copy(out, txt)
	return out
}
