package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadEdge_ValidConfig(t *testing.T) {
	path := writeTemp(t, "edge.yaml", `
name: home
alias: "@Home"
public-interfaces: "eth1,eth2"
domain:
  name: home
  server: ns1.example.org
  zone: example.org.
  keyname: edgekey
  keyvalue: c2VjcmV0
  algorithm: HMAC_SHA256
  ttl: 120
rules:
  - name: ".*"
    type: "_http._tcp"
    action: allow
`)
	cfg, err := LoadEdge(path)
	if err != nil {
		t.Fatalf("LoadEdge: %v", err)
	}
	if cfg.Name != "home" {
		t.Errorf("Name = %q, want home", cfg.Name)
	}
	if cfg.Domain.TTL != 120 {
		t.Errorf("TTL = %d, want 120", cfg.Domain.TTL)
	}
	ifaces := ParsePublicInterfaces(cfg.PublicInterfaces)
	if len(ifaces) != 2 || ifaces[0] != "eth1" || ifaces[1] != "eth2" {
		t.Errorf("ParsePublicInterfaces = %+v", ifaces)
	}
}

func TestLoadEdge_RejectsInvalidRouterName(t *testing.T) {
	path := writeTemp(t, "edge.yaml", `
name: "Not Valid!"
domain:
  zone: example.org.
`)
	if _, err := LoadEdge(path); err == nil {
		t.Error("expected error for invalid router name")
	}
}

func TestLoadEdge_ClampsTTL(t *testing.T) {
	path := writeTemp(t, "edge.yaml", `
name: home
domain:
  zone: example.org.
  ttl: 0
`)
	cfg, err := LoadEdge(path)
	if err != nil {
		t.Fatalf("LoadEdge: %v", err)
	}
	if cfg.Domain.TTL != minTTL {
		t.Errorf("TTL = %d, want clamped to %d", cfg.Domain.TTL, minTTL)
	}
}

func TestLoadEdge_RejectsUnknownAlgorithm(t *testing.T) {
	path := writeTemp(t, "edge.yaml", `
name: home
domain:
  zone: example.org.
  algorithm: HMAC_SHA3
`)
	if _, err := LoadEdge(path); err == nil {
		t.Error("expected error for unrecognized TSIG algorithm")
	}
}

func TestLoadCentral_DefaultsRate(t *testing.T) {
	path := writeTemp(t, "central.yaml", `
domain:
  zone: example.org.
`)
	cfg, err := LoadCentral(path)
	if err != nil {
		t.Fatalf("LoadCentral: %v", err)
	}
	if cfg.Rate != 60 {
		t.Errorf("Rate = %d, want default 60", cfg.Rate)
	}
}

func TestCompilePolicyRules_DefaultsEmptyFieldsToMatchAll(t *testing.T) {
	rules := []Rule{{Action: "allow"}}
	compiled, err := CompilePolicyRules(rules)
	if err != nil {
		t.Fatalf("CompilePolicyRules: %v", err)
	}
	if len(compiled) != 1 || !compiled[0].Name.MatchString("anything") {
		t.Errorf("expected an empty name pattern to match everything, got %+v", compiled)
	}
}

func TestCompilePolicyRules_RejectsInvalidAction(t *testing.T) {
	rules := []Rule{{Action: "maybe"}}
	if _, err := CompilePolicyRules(rules); err == nil {
		t.Error("expected error for invalid action")
	}
}

func TestCompileCentralRules_DefaultsRouterToWildcard(t *testing.T) {
	rules := []Rule{{Action: "allow", SrcAddress: "0.0.0.0", SrcPrefixLength: 0}}
	compiled, err := CompileCentralRules(rules)
	if err != nil {
		t.Fatalf("CompileCentralRules: %v", err)
	}
	if len(compiled) != 1 || compiled[0].Router != "*" {
		t.Errorf("expected default router '*', got %+v", compiled)
	}
}
