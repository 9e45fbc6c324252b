package dnsupdate

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/svcbridge/svcbridge/pkg/dnserr"
)

// --- fakes ---

type fakeExchanger struct {
	resp *dns.Msg
	err  error
	sent []*dns.Msg
}

func (f *fakeExchanger) ExchangeContext(_ context.Context, m *dns.Msg, _ string) (*dns.Msg, time.Duration, error) {
	f.sent = append(f.sent, m)
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.resp, 0, nil
}

func successResp() *dns.Msg {
	r := new(dns.Msg)
	r.Rcode = dns.RcodeSuccess
	return r
}

type fakeResolver struct {
	v6, v4 string
	v6Err  error
	v4Err  error
}

func (f *fakeResolver) LookupIP(_ context.Context, network, _ string) ([]net.IP, error) {
	switch network {
	case "ip6":
		if f.v6Err != nil {
			return nil, f.v6Err
		}
		if f.v6 == "" {
			return nil, errors.New("no such host")
		}
		return []net.IP{net.ParseIP(f.v6)}, nil
	case "ip4":
		if f.v4Err != nil {
			return nil, f.v4Err
		}
		if f.v4 == "" {
			return nil, errors.New("no such host")
		}
		return []net.IP{net.ParseIP(f.v4)}, nil
	}
	return nil, errors.New("unexpected network")
}

func testUpdater(e *fakeExchanger, r *fakeResolver) *Updater {
	return newWithDeps(Config{
		Server:    "ns1.example.org",
		Port:      53,
		Zone:      "example.org.",
		Subdomain: "home",
		KeyName:   "testkey",
		KeyValue:  "c2VjcmV0",
		Algorithm: "HMAC_SHA256",
		TTL:       120,
	}, e, r)
}

// --- algorithm validation ---

func TestValidAlgorithm(t *testing.T) {
	for _, ok := range []string{"HMAC_MD5", "hmac_sha1", "HMAC_SHA224", "HMAC_SHA256", "HMAC_SHA384", "HMAC_SHA512"} {
		if !ValidAlgorithm(ok) {
			t.Errorf("ValidAlgorithm(%q) = false, want true", ok)
		}
	}
	if ValidAlgorithm("HMAC_SHA3") {
		t.Error("ValidAlgorithm(HMAC_SHA3) = true, want false")
	}
}

func TestNewPanicsOnInvalidAlgorithm(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("New() with invalid algorithm should panic")
		}
	}()
	New(Config{Algorithm: "not-an-algorithm"})
}

// --- resolution and fallback ---

func TestSend_PrefersV6(t *testing.T) {
	e := &fakeExchanger{resp: successResp()}
	r := &fakeResolver{v6: "2001:db8::1", v4: "203.0.113.1"}
	u := testUpdater(e, r)

	code := u.AddRecord(context.Background(), "widget", "TXT", `"a=1"`, ScopeSubdomain)
	if code != dnserr.Success {
		t.Fatalf("AddRecord = %v, want Success", code)
	}
	if len(e.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(e.sent))
	}
}

func TestSend_FallsBackToV4OnV6Failure(t *testing.T) {
	e := &fakeExchanger{err: errors.New("timeout")}
	r := &fakeResolver{v6: "2001:db8::1", v4: "203.0.113.1"}
	u := testUpdater(e, r)

	// Swap in an exchanger that fails the first call and succeeds the second.
	calls := 0
	u.exchanger = exchangerFunc(func(ctx context.Context, m *dns.Msg, addr string) (*dns.Msg, time.Duration, error) {
		calls++
		if calls == 1 {
			return nil, 0, errors.New("timeout")
		}
		return successResp(), 0, nil
	})

	code := u.AddRecord(context.Background(), "widget", "TXT", `"a=1"`, ScopeSubdomain)
	if code != dnserr.Success {
		t.Fatalf("AddRecord = %v, want Success after v4 fallback", code)
	}
	if calls != 2 {
		t.Fatalf("exchange called %d times, want 2", calls)
	}
}

func TestSend_NSUnresolvedWhenNeitherFamilyResolves(t *testing.T) {
	e := &fakeExchanger{resp: successResp()}
	r := &fakeResolver{}
	u := testUpdater(e, r)

	code := u.AddRecord(context.Background(), "widget", "TXT", `"a=1"`, ScopeSubdomain)
	if code != dnserr.NSUnresolved {
		t.Fatalf("AddRecord = %v, want NSUnresolved", code)
	}
}

type exchangerFunc func(ctx context.Context, m *dns.Msg, addr string) (*dns.Msg, time.Duration, error)

func (f exchangerFunc) ExchangeContext(ctx context.Context, m *dns.Msg, addr string) (*dns.Msg, time.Duration, error) {
	return f(ctx, m, addr)
}

// --- record operations ---

func TestAddRecord_RejectsOversizedLabel(t *testing.T) {
	e := &fakeExchanger{resp: successResp()}
	r := &fakeResolver{v6: "2001:db8::1"}
	u := testUpdater(e, r)

	long := make([]byte, 100)
	for i := range long {
		long[i] = 'a'
	}
	code := u.AddRecord(context.Background(), string(long), "TXT", `"a=1"`, ScopeSubdomain)
	if code != dnserr.LabelNameError {
		t.Fatalf("AddRecord(oversized) = %v, want LabelNameError", code)
	}
	if len(e.sent) != 0 {
		t.Error("should not send a transaction for an invalid label")
	}
}

func TestRemoveRecord_WholeRRsetWhenRdataEmpty(t *testing.T) {
	e := &fakeExchanger{resp: successResp()}
	r := &fakeResolver{v6: "2001:db8::1"}
	u := testUpdater(e, r)

	code := u.RemoveRecord(context.Background(), "widget", "TXT", "", ScopeSubdomain)
	if code != dnserr.Success {
		t.Fatalf("RemoveRecord = %v, want Success", code)
	}
}

func TestAddService_PublishesAllRecordsAndBothAddressFamilies(t *testing.T) {
	e := &fakeExchanger{resp: successResp()}
	r := &fakeResolver{v6: "2001:db8::1"}
	u := testUpdater(e, r)

	addrs := []AddressPair{{IPVer: 4, Address: "203.0.113.9"}, {IPVer: 6, Address: "2001:db8::9"}}
	code := u.AddService(context.Background(), "Office Printer", "_ipp._tcp", "printer-eth0-v4", addrs, 631, []string{"txtvers=1"}, ScopeSubdomain)
	if code != dnserr.Success {
		t.Fatalf("AddService = %v, want Success", code)
	}
	if len(e.sent) != 1 {
		t.Fatalf("sent %d messages, want 1 combined transaction", len(e.sent))
	}
	if n := len(e.sent[0].Ns); n < 6 {
		t.Errorf("update has %d records, want at least 6 (PTR,PTR,SRV,TXT,A,AAAA)", n)
	}
}

func TestRemoveService_KeepsSharedRecordsByDefault(t *testing.T) {
	e := &fakeExchanger{resp: successResp()}
	r := &fakeResolver{v6: "2001:db8::1"}
	u := testUpdater(e, r)

	code := u.RemoveService(context.Background(), "Office Printer", "_ipp._tcp", "printer-eth0-v4", false, false, ScopeSubdomain)
	if code != dnserr.Success {
		t.Fatalf("RemoveService = %v, want Success", code)
	}
}

func TestRemoveService_DeletesTypePTRAndHostAddrsWhenLastReference(t *testing.T) {
	e := &fakeExchanger{resp: successResp()}
	r := &fakeResolver{v6: "2001:db8::1"}
	u := testUpdater(e, r)

	code := u.RemoveService(context.Background(), "Office Printer", "_ipp._tcp", "printer-eth0-v4", true, true, ScopeSubdomain)
	if code != dnserr.Success {
		t.Fatalf("RemoveService = %v, want Success", code)
	}
}

// --- clear zone ---

func TestClearZone_NoOpWhenNothingPublished(t *testing.T) {
	e := &fakeExchanger{resp: &dns.Msg{MsgHdr: dns.MsgHdr{Rcode: dns.RcodeNameError}}}
	r := &fakeResolver{v6: "2001:db8::1"}
	u := testUpdater(e, r)

	code := u.ClearZone(context.Background(), ScopeSubdomain)
	if code != dnserr.Success {
		t.Fatalf("ClearZone(empty) = %v, want Success", code)
	}
}

func TestClearZone_WalksAndRemovesDiscoveredServices(t *testing.T) {
	stypeOwner := "_ipp._tcp.home.example.org."
	instanceOwner := "Office\\ Printer._ipp._tcp.home.example.org."
	hostOwner := "printer-eth0-v4.home.example.org."

	r := &fakeResolver{v6: "2001:db8::1"}
	u := testUpdater(nil, r)
	u.exchanger = exchangerFunc(func(_ context.Context, m *dns.Msg, _ string) (*dns.Msg, time.Duration, error) {
		if len(m.Question) == 1 {
			q := m.Question[0]
			resp := new(dns.Msg)
			resp.Rcode = dns.RcodeSuccess
			switch {
			case q.Qtype == dns.TypePTR && q.Name == "_services._dns-sd._udp.home.example.org.":
				rr, _ := dns.NewRR(q.Name + " 120 IN PTR " + stypeOwner)
				resp.Answer = []dns.RR{rr}
			case q.Qtype == dns.TypePTR && q.Name == stypeOwner:
				rr, _ := dns.NewRR(q.Name + " 120 IN PTR " + instanceOwner)
				resp.Answer = []dns.RR{rr}
			case q.Qtype == dns.TypeSRV && q.Name == instanceOwner:
				rr, _ := dns.NewRR(q.Name + " 120 IN SRV 0 0 631 " + hostOwner)
				resp.Answer = []dns.RR{rr}
			default:
				resp.Rcode = dns.RcodeNameError
			}
			return resp, 0, nil
		}
		return successResp(), 0, nil
	})

	code := u.ClearZone(context.Background(), ScopeSubdomain)
	if code != dnserr.Success {
		t.Fatalf("ClearZone = %v, want Success", code)
	}
}

func TestClearZone_PropagatesQueryFailure(t *testing.T) {
	e := &fakeExchanger{resp: &dns.Msg{MsgHdr: dns.MsgHdr{Rcode: dns.RcodeServerFailure}}}
	r := &fakeResolver{v6: "2001:db8::1"}
	u := testUpdater(e, r)

	code := u.ClearZone(context.Background(), ScopeSubdomain)
	if code != dnserr.NSQueryingError {
		t.Fatalf("ClearZone(SERVFAIL) = %v, want NSQueryingError", code)
	}
}
