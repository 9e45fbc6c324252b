package tick

import (
	"context"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/svcbridge/svcbridge/pkg/compiler"
	"github.com/svcbridge/svcbridge/pkg/zone"
)

type fakeExchanger struct {
	answers map[string][]dns.RR
	serial  uint32
}

func key(qtype uint16, name string) string {
	return dns.TypeToString[qtype] + ":" + dns.Fqdn(name)
}

func (f *fakeExchanger) ExchangeContext(_ context.Context, m *dns.Msg, _ string) (*dns.Msg, time.Duration, error) {
	q := m.Question[0]
	resp := new(dns.Msg)
	if q.Qtype == dns.TypeSOA {
		soa, _ := dns.NewRR(dns.Fqdn(q.Name) + " 120 IN SOA ns1.example.org. hostmaster.example.org. " +
			uintToStr(f.serial) + " 3600 600 86400 120")
		resp.Rcode = dns.RcodeSuccess
		resp.Answer = []dns.RR{soa}
		return resp, 0, nil
	}
	rrs, ok := f.answers[key(q.Qtype, q.Name)]
	if !ok {
		resp.Rcode = dns.RcodeNameError
		return resp, 0, nil
	}
	resp.Rcode = dns.RcodeSuccess
	resp.Answer = rrs
	return resp, 0, nil
}

func uintToStr(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func rr(s string) dns.RR {
	r, err := dns.NewRR(s)
	if err != nil {
		panic(err)
	}
	return r
}

func newTestReader(f *fakeExchanger) *zone.Reader {
	return zone.NewWithExchanger("127.0.0.1:53", f)
}

type fakeRules struct {
	rules []compiler.Rule
	mtime time.Time
}

func (f fakeRules) LoadRules(_ context.Context) ([]compiler.Rule, time.Time, error) {
	return f.rules, f.mtime, nil
}

type fakeWriter struct {
	scripts map[string][]string
}

func (f *fakeWriter) WriteScript(router string, lines []string) error {
	if f.scripts == nil {
		f.scripts = map[string][]string{}
	}
	f.scripts[router] = lines
	return nil
}

func fullHierarchyAnswers() map[string][]dns.RR {
	return map[string][]dns.RR{
		key(dns.TypePTR, "b._dns-sd._udp.example.org."): {
			rr("b._dns-sd._udp.example.org. 120 IN PTR rtr1.example.org."),
		},
		key(dns.TypeTXT, "rtr1.example.org."): {
			rr(`rtr1.example.org. 120 IN TXT "public=eth1"`),
		},
		key(dns.TypePTR, "_services._dns-sd._udp.rtr1.example.org."): {
			rr("_services._dns-sd._udp.rtr1.example.org. 120 IN PTR _http._tcp.rtr1.example.org."),
		},
		key(dns.TypePTR, "_http._tcp.rtr1.example.org."): {
			rr(`_http._tcp.rtr1.example.org. 120 IN PTR Web._http._tcp.rtr1.example.org.`),
		},
		key(dns.TypeSRV, "Web._http._tcp.rtr1.example.org."): {
			rr("Web._http._tcp.rtr1.example.org. 120 IN SRV 0 0 80 laptop-eth0-v4.rtr1.example.org."),
		},
		key(dns.TypeA, "laptop-eth0-v4.rtr1.example.org."): {
			rr("laptop-eth0-v4.rtr1.example.org. 120 IN A 203.0.113.7"),
		},
	}
}

func mustRule(t *testing.T, router, typ, name, src string, prefix int, action string) compiler.Rule {
	t.Helper()
	r, err := compiler.CompileRule(router, typ, name, src, prefix, action)
	if err != nil {
		t.Fatalf("CompileRule: %v", err)
	}
	return r
}

func TestRunTick_CompilesWhenSerialAdvances(t *testing.T) {
	f := &fakeExchanger{answers: fullHierarchyAnswers(), serial: 1}
	reader := newTestReader(f)
	rule := mustRule(t, "*", `_http\._tcp`, ".*", "0.0.0.0", 0, "allow")
	rl := fakeRules{rules: []compiler.Rule{rule}}
	w := &fakeWriter{}
	tk := New(Config{ZoneApex: "example.org.", Once: true}, reader, rl, w, nil, nil)

	if err := tk.runTick(context.Background()); err != nil {
		t.Fatalf("runTick: %v", err)
	}
	if _, ok := w.scripts["rtr1"]; !ok {
		t.Fatalf("expected a script written for rtr1, got %+v", w.scripts)
	}
	if !tk.IsReady() {
		t.Error("expected IsReady() after a successful tick")
	}
}

func TestRunTick_SkipsWhenNothingChanged(t *testing.T) {
	f := &fakeExchanger{answers: fullHierarchyAnswers(), serial: 1}
	reader := newTestReader(f)
	rule := mustRule(t, "*", `_http\._tcp`, ".*", "0.0.0.0", 0, "allow")
	rl := fakeRules{rules: []compiler.Rule{rule}}
	w := &fakeWriter{}
	tk := New(Config{ZoneApex: "example.org.", Once: true}, reader, rl, w, nil, nil)

	if err := tk.runTick(context.Background()); err != nil {
		t.Fatalf("first runTick: %v", err)
	}
	w.scripts = map[string][]string{}

	if err := tk.runTick(context.Background()); err != nil {
		t.Fatalf("second runTick: %v", err)
	}
	if len(w.scripts) != 0 {
		t.Errorf("expected no recompile when serial and mtime are unchanged, got %+v", w.scripts)
	}
}

func TestRunTick_RecompilesOnMtimeAdvance(t *testing.T) {
	f := &fakeExchanger{answers: fullHierarchyAnswers(), serial: 1}
	reader := newTestReader(f)
	rule := mustRule(t, "*", `_http\._tcp`, ".*", "0.0.0.0", 0, "allow")
	t0 := time.Unix(1000, 0)
	rl := &mutableRules{fakeRules{rules: []compiler.Rule{rule}, mtime: t0}}
	w := &fakeWriter{}
	tk := New(Config{ZoneApex: "example.org.", Once: true}, reader, rl, w, nil, nil)

	if err := tk.runTick(context.Background()); err != nil {
		t.Fatalf("first runTick: %v", err)
	}
	w.scripts = map[string][]string{}
	rl.r.mtime = t0.Add(time.Minute)

	if err := tk.runTick(context.Background()); err != nil {
		t.Fatalf("second runTick: %v", err)
	}
	if _, ok := w.scripts["rtr1"]; !ok {
		t.Errorf("expected a recompile when the rules mtime advances, got %+v", w.scripts)
	}
}

type mutableRules struct {
	r fakeRules
}

func (m *mutableRules) LoadRules(ctx context.Context) ([]compiler.Rule, time.Time, error) {
	return m.r.LoadRules(ctx)
}

func TestRunTick_DoesNotAdvanceWatermarksOnEmptyRules(t *testing.T) {
	f := &fakeExchanger{answers: fullHierarchyAnswers(), serial: 1}
	reader := newTestReader(f)
	rl := fakeRules{rules: nil}
	w := &fakeWriter{}
	tk := New(Config{ZoneApex: "example.org.", Once: true}, reader, rl, w, nil, nil)

	if err := tk.runTick(context.Background()); err != nil {
		t.Fatalf("runTick: %v", err)
	}
	if _, ok := w.scripts["rtr1"]; !ok {
		t.Errorf("expected a default-drop-only script to still be written for a published router, got %+v", w.scripts)
	}
	if tk.lastSerial != 0 {
		t.Errorf("expected lastSerial to remain 0 when rules are empty, got %d", tk.lastSerial)
	}
}
