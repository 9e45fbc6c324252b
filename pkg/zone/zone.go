// Package zone implements Z, the central ZoneReader: a read-only DNS query
// client that walks the published zone hierarchy (spec.md §4.4) to
// reconstruct the set of services each router has announced.
package zone

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/svcbridge/svcbridge/pkg/model"
)

// defaultTimeout mirrors the 5 s cap spec.md §4.4/§5 places on every query.
const defaultTimeout = 5 * time.Second

// Service is one announced instance discovered under a router's subtype.
type Service struct {
	Name      string
	Port      int
	Host      string
	Addresses []string
}

// Subtype maps a fully-qualified service type (e.g. "_http._tcp.home.example.org.")
// to the instances announced under it.
type Subtype map[string][]Service

// Router is one discovered site: its announced subtypes plus the WAN-side
// interface names read from its `public=` TXT record (spec.md §3's fourth
// per-router record), which pkg/compiler needs and spec.md §4.5 states as
// an input alongside the zone-read result.
type Router struct {
	PublicInterfaces []string
	Subtypes         Subtype
}

// Snapshot is the three-level read result: router label -> Router.
type Snapshot map[string]Router

// Exchanger abstracts dns.Client.ExchangeContext for testability. It is
// exported so that callers outside this package (e.g. pkg/tick's tests) can
// supply a fake transport via NewWithExchanger.
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, addr string) (*dns.Msg, time.Duration, error)
}
type exchanger = Exchanger

// Reader is Z: a stateless DNS query client against one authoritative server.
type Reader struct {
	server    string
	exchanger exchanger
}

// New returns a Reader querying server (host:port form accepted by
// dns.Client.Exchange, e.g. "ns1.example.org:53").
func New(server string) *Reader {
	return &Reader{
		server:    server,
		exchanger: &dns.Client{Net: "udp", Timeout: defaultTimeout},
	}
}

// newWithExchanger constructs a Reader with an injected transport, for tests.
func newWithExchanger(server string, e exchanger) *Reader {
	return &Reader{server: server, exchanger: e}
}

// NewWithExchanger constructs a Reader with an injected transport, for tests
// in other packages (e.g. pkg/tick) that need to fake the DNS query
// transport without a real nameserver.
func NewWithExchanger(server string, e Exchanger) *Reader {
	return newWithExchanger(server, e)
}

// query issues a single question and returns its answer RRset, or ok=false
// on NXDOMAIN/NOERROR-with-no-answer/any transport error.
func (r *Reader) query(ctx context.Context, name string, qtype uint16) ([]dns.RR, bool) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	resp, _, err := r.exchanger.ExchangeContext(ctx, m, r.server)
	if err != nil || resp == nil || resp.Rcode != dns.RcodeSuccess {
		return nil, false
	}
	return resp.Answer, len(resp.Answer) > 0
}

// FetchSerial returns the zone's current SOA serial as a dedicated one-RR
// query distinct from the full Read walk, so T can cheaply gate a full walk
// behind it (spec.md §4.6).
func (r *Reader) FetchSerial(ctx context.Context, zoneApex string) (uint32, error) {
	answers, ok := r.query(ctx, zoneApex, dns.TypeSOA)
	if !ok {
		return 0, fmt.Errorf("zone: no SOA answer for %s", zoneApex)
	}
	for _, rr := range answers {
		if soa, ok := rr.(*dns.SOA); ok {
			return soa.Serial, nil
		}
	}
	return 0, fmt.Errorf("zone: SOA query for %s returned no SOA record", zoneApex)
}

// Read walks the published hierarchy under zoneApex per spec.md §4.4 and
// returns the discovered { router : { subtype : []Service } } snapshot. A
// zone with no published routers (no answer to the browse-domain PTR query)
// returns an empty, non-nil Snapshot. Any other intermediate DNS failure
// (a router's types, a type's instances, or an instance's SRV) causes Read
// to return (nil, nil): the whole pass is abandoned and retried on the next
// tick, per spec.md §4.4/§8 scenario 6. A host with no AAAA or A answer is
// not a failure; see resolveHost.
func (r *Reader) Read(ctx context.Context, zoneApex string) (Snapshot, error) {
	routers, ok := r.queryPTR(ctx, "b._dns-sd._udp."+dns.Fqdn(zoneApex))
	if !ok {
		return Snapshot{}, nil
	}

	out := make(Snapshot, len(routers))
	for _, d := range routers {
		subtypes, ok := r.queryPTR(ctx, "_services._dns-sd._udp."+d)
		if !ok {
			return nil, nil
		}
		stypeMap := make(Subtype, len(subtypes))
		for _, stype := range subtypes {
			instances, ok := r.queryPTR(ctx, stype)
			if !ok {
				return nil, nil
			}
			var services []Service
			for _, instance := range instances {
				svc, ok := r.readInstance(ctx, instance)
				if !ok {
					return nil, nil
				}
				services = append(services, svc)
			}
			stypeMap[stype] = services
		}
		out[firstLabel(d)] = Router{
			PublicInterfaces: r.readPublicInterfaces(ctx, d),
			Subtypes:         stypeMap,
		}
	}
	return out, nil
}

// readPublicInterfaces reads the router's `public=<iface>[,...]` TXT record
// (spec.md §3's fourth per-router record). A missing or malformed TXT yields
// an empty interface list rather than aborting the pass: the compiler simply
// emits no rules for a router with no known public interface.
func (r *Reader) readPublicInterfaces(ctx context.Context, d string) []string {
	answers, ok := r.query(ctx, d, dns.TypeTXT)
	if !ok {
		return nil
	}
	for _, rr := range answers {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		for _, s := range txt.Txt {
			if v, found := strings.CutPrefix(s, "public="); found {
				return strings.Split(v, ",")
			}
		}
	}
	return nil
}

func (r *Reader) readInstance(ctx context.Context, instance string) (Service, bool) {
	answers, ok := r.query(ctx, instance, dns.TypeSRV)
	if !ok {
		return Service{}, false
	}
	var port int
	var host string
	for _, rr := range answers {
		if srv, ok := rr.(*dns.SRV); ok {
			port = int(srv.Port)
			host = srv.Target
			break
		}
	}
	if host == "" {
		return Service{}, false
	}

	addrs := r.resolveHost(ctx, host)
	return Service{
		Name:      model.UnescapeLabel(firstLabel(instance)),
		Port:      port,
		Host:      host,
		Addresses: addrs,
	}, true
}

// resolveHost gathers every AAAA and A address for host. Unlike the walk
// steps above, a host with no addresses of either family is not a failure:
// it simply contributes no addresses to the service (the compiler skips
// service/rule pairs with no address in the rule's family).
func (r *Reader) resolveHost(ctx context.Context, host string) []string {
	var addrs []string
	for _, qtype := range []uint16{dns.TypeAAAA, dns.TypeA} {
		answers, _ := r.query(ctx, host, qtype)
		for _, rr := range answers {
			switch v := rr.(type) {
			case *dns.AAAA:
				addrs = append(addrs, v.AAAA.String())
			case *dns.A:
				addrs = append(addrs, v.A.String())
			}
		}
	}
	return addrs
}

func (r *Reader) queryPTR(ctx context.Context, owner string) ([]string, bool) {
	answers, ok := r.query(ctx, owner, dns.TypePTR)
	if !ok {
		return nil, false
	}
	var out []string
	for _, rr := range answers {
		if ptr, ok := rr.(*dns.PTR); ok {
			out = append(out, ptr.Ptr)
		}
	}
	return out, len(out) > 0
}

func firstLabel(fqdn string) string {
	labels := dns.SplitDomainName(fqdn)
	if len(labels) == 0 {
		return ""
	}
	return labels[0]
}
