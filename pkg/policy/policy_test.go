package policy

import "testing"

func mustRule(t *testing.T, name, stype, ifaceName, ifaceIPVer, hostname, port, action string) Rule {
	t.Helper()
	r, err := CompileRule(name, stype, ifaceName, ifaceIPVer, hostname, port, action)
	if err != nil {
		t.Fatalf("CompileRule: %v", err)
	}
	return r
}

func TestDefaultDenyWithNoRules(t *testing.T) {
	e := New(nil)
	in := ServiceInput("WebServer", "_http._tcp", "eth0", 4, "laptop-eth0-v4", 80)
	if e.Allowed(in) {
		t.Error("empty rule list should deny everything")
	}
}

func TestFirstMatchWins(t *testing.T) {
	deny := mustRule(t, ".*", "_http\\._tcp", ".*", ".*", ".*", ".*", "deny")
	allow := mustRule(t, ".*", ".*", ".*", ".*", ".*", ".*", "allow")
	e := New([]Rule{deny, allow})

	in := ServiceInput("WebServer", "_http._tcp", "eth0", 4, "laptop-eth0-v4", 80)
	if e.Allowed(in) {
		t.Error("first matching rule (deny) should win over the later allow-all")
	}
}

func TestAllSixFieldsMustMatch(t *testing.T) {
	r := mustRule(t, "^Web.*$", "_http\\._tcp", "eth0", "4", ".*", "^80$", "allow")
	e := New([]Rule{r})

	match := ServiceInput("WebServer", "_http._tcp", "eth0", 4, "laptop-eth0-v4", 80)
	if !e.Allowed(match) {
		t.Error("expected allow when all six fields match")
	}

	wrongPort := ServiceInput("WebServer", "_http._tcp", "eth0", 4, "laptop-eth0-v4", 8080)
	if e.Allowed(wrongPort) {
		t.Error("expected deny when port field does not match")
	}
}

func TestParseActionCaseInsensitive(t *testing.T) {
	for _, s := range []string{"allow", "Allow", "ALLOW", " allow "} {
		if a, ok := ParseAction(s); !ok || a != Allow {
			t.Errorf("ParseAction(%q) = %v,%v, want Allow,true", s, a, ok)
		}
	}
	if _, ok := ParseAction("maybe"); ok {
		t.Error("ParseAction(maybe) should be invalid")
	}
}

func TestCompileRuleRejectsInvalidRegex(t *testing.T) {
	if _, err := CompileRule("(", ".*", ".*", ".*", ".*", ".*", "allow"); err == nil {
		t.Error("expected error compiling invalid regex")
	}
}

func TestCompileRuleRejectsInvalidAction(t *testing.T) {
	if _, err := CompileRule(".*", ".*", ".*", ".*", ".*", ".*", "maybe"); err == nil {
		t.Error("expected error for invalid action")
	}
}
