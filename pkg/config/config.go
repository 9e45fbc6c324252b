// Package config loads the YAML-encoded configuration shared by both
// binaries. spec.md §6 specifies an XML configuration validated by a DTD,
// with the XML parser itself named an external collaborator outside this
// codebase's scope; this package defines the structs the parsed
// configuration populates and a YAML loader whose schema mirrors the XML
// element/attribute shape 1:1, so swapping in a real XML front end never
// touches this package's contract. Flags and environment variables override
// file values the way cmd/external-dns-docker's envOr family does.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v2"

	"github.com/svcbridge/svcbridge/pkg/compiler"
	"github.com/svcbridge/svcbridge/pkg/dnsupdate"
	"github.com/svcbridge/svcbridge/pkg/policy"
)

// routerNameRE is spec.md §6's edge-only root `name` attribute pattern.
var routerNameRE = regexp.MustCompile(`^[a-z0-9]+$`)

const (
	minTTL = 1
	maxTTL = 1<<31 - 1
)

// ConfigError reports a configuration value rejected at load time, rather
// than deep inside the DNS engine, so bad configuration is caught at
// startup.
type ConfigError struct {
	Field string
	Value string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s=%q: %s", e.Field, e.Value, e.Msg)
}

// DomainConfig is spec.md §6's `<domain .../>` element.
type DomainConfig struct {
	Name      string `yaml:"name"` // subdomain label <z>'s final component, or "" for the parent zone
	Server    string `yaml:"server"`
	Zone      string `yaml:"zone"`
	KeyName   string `yaml:"keyname"`
	KeyValue  string `yaml:"keyvalue"`
	Algorithm string `yaml:"algorithm"`
	TTL       uint32 `yaml:"ttl"`
}

// DatabaseConfig is spec.md §6's `<database .../>` element (edge store
// connection; unused by the sqlite-backed store but kept so a future
// networked store can consume the same schema).
type DatabaseConfig struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Socket   string `yaml:"socket"`
	Port     int    `yaml:"port"`
}

// InterfaceAlias is spec.md §6's `<interface name alias=.../>` element.
type InterfaceAlias struct {
	Name  string `yaml:"name"`
	Alias string `yaml:"alias"`
}

// IPAlias is spec.md §6's `<ip version alias=.../>` element.
type IPAlias struct {
	Version int    `yaml:"version"`
	Alias   string `yaml:"alias"`
}

// Rule is one `<rules>` child element, carrying both the edge-rule fields
// and the central-only additional attributes (router, src-address,
// src-prefix-length), which are simply empty/zero when the file is loaded
// for the edge agent.
type Rule struct {
	Name            string `yaml:"name"`
	Type            string `yaml:"type"`
	InterfaceName   string `yaml:"interface-name"`
	InterfaceIP     string `yaml:"interface-ip"`
	Hostname        string `yaml:"hostname"`
	Port            string `yaml:"port"`
	Router          string `yaml:"router"`
	SrcAddress      string `yaml:"src-address"`
	SrcPrefixLength int    `yaml:"src-prefix-length"`
	Action          string `yaml:"action"`
}

// EdgeConfig is the top-level document for the edge agent.
type EdgeConfig struct {
	LogLevel         string           `yaml:"log-level"`
	Name             string           `yaml:"name"`
	Alias            string           `yaml:"alias"`
	PublicInterfaces string           `yaml:"public-interfaces"`
	Domain           DomainConfig     `yaml:"domain"`
	Database         DatabaseConfig   `yaml:"database"`
	Interfaces       []InterfaceAlias `yaml:"interfaces"`
	IPs              []IPAlias        `yaml:"ips"`
	Rules            []Rule           `yaml:"rules"`
}

// CentralConfig is the top-level document for the policy compiler.
type CentralConfig struct {
	LogLevel string       `yaml:"log-level"`
	Domain   DomainConfig `yaml:"domain"`
	Rate     int          `yaml:"rate"` // tick interval, seconds
	Rules    []Rule       `yaml:"rules"`
}

// LoadEdge reads and validates an EdgeConfig from path.
func LoadEdge(path string) (*EdgeConfig, error) {
	var cfg EdgeConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if !routerNameRE.MatchString(cfg.Name) {
		return nil, &ConfigError{Field: "name", Value: cfg.Name, Msg: "must match ^[a-z0-9]+$"}
	}
	if err := validateDomain(&cfg.Domain); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadCentral reads and validates a CentralConfig from path.
func LoadCentral(path string) (*CentralConfig, error) {
	var cfg CentralConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if err := validateDomain(&cfg.Domain); err != nil {
		return nil, err
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 60
	}
	return &cfg, nil
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

// validateDomain clamps TTL into spec.md §6's [1, 2^31-1] range and rejects
// an unrecognized TSIG algorithm.
func validateDomain(d *DomainConfig) error {
	if d.TTL < minTTL {
		d.TTL = minTTL
	}
	if d.TTL > maxTTL {
		d.TTL = maxTTL
	}
	if d.Algorithm != "" && !dnsupdate.ValidAlgorithm(d.Algorithm) {
		return &ConfigError{Field: "domain.algorithm", Value: d.Algorithm, Msg: "unrecognized TSIG algorithm"}
	}
	return nil
}

// ParsePublicInterfaces splits spec.md §6's comma-separated
// `public-interfaces` attribute.
func ParsePublicInterfaces(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// CompilePolicyRules compiles the edge-side fields of rules into
// policy.Rules, in file order (spec.md §4.3: first match wins).
func CompilePolicyRules(rules []Rule) ([]policy.Rule, error) {
	out := make([]policy.Rule, 0, len(rules))
	for i, r := range rules {
		pr, err := policy.CompileRule(
			orMatchAll(r.Name), orMatchAll(r.Type), orMatchAll(r.InterfaceName),
			orMatchAll(r.InterfaceIP), orMatchAll(r.Hostname), orMatchAll(r.Port), r.Action)
		if err != nil {
			return nil, &ConfigError{Field: fmt.Sprintf("rules[%d]", i), Value: r.Action, Msg: err.Error()}
		}
		out = append(out, pr)
	}
	return out, nil
}

// CompileCentralRules compiles the central-side fields of rules (including
// router/src-address/src-prefix-length) into compiler.Rules.
func CompileCentralRules(rules []Rule) ([]compiler.Rule, error) {
	out := make([]compiler.Rule, 0, len(rules))
	for i, r := range rules {
		router := r.Router
		if router == "" {
			router = "*"
		}
		cr, err := compiler.CompileRule(router, orMatchAll(r.Type), orMatchAll(r.Name), r.SrcAddress, r.SrcPrefixLength, r.Action)
		if err != nil {
			return nil, &ConfigError{Field: fmt.Sprintf("rules[%d]", i), Value: r.Action, Msg: err.Error()}
		}
		out = append(out, cr)
	}
	return out, nil
}

// orMatchAll treats an empty pattern as "match everything", matching how an
// omitted XML attribute behaves against a DTD with implied defaults.
func orMatchAll(pattern string) string {
	if pattern == "" {
		return ".*"
	}
	return pattern
}

// EnvOr returns the value of the environment variable named key, or
// fallback if the variable is unset or empty.
func EnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// EnvOrInt returns the environment variable named key parsed as int, or
// fallback.
func EnvOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// EnvOrBool returns the environment variable named key parsed as bool, or
// fallback.
func EnvOrBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// EnvOrDuration returns the environment variable named key parsed as
// time.Duration, or fallback.
func EnvOrDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
