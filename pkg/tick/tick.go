// Package tick implements T, the central controller's tick loop (spec.md
// §4.6): on a configurable interval it checks the zone's SOA serial and the
// rules file's mtime, and only re-runs Z and C when either has advanced.
package tick

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/svcbridge/svcbridge/pkg/compiler"
	"github.com/svcbridge/svcbridge/pkg/metrics"
	"github.com/svcbridge/svcbridge/pkg/zone"
)

// RulesLoader returns the current rule set and the rules file's mtime,
// mirroring the teacher's source.Source.Endpoints seam: the tick loop
// depends on an interface, not a concrete config reader, so tests can supply
// a fake without touching the filesystem.
type RulesLoader interface {
	LoadRules(ctx context.Context) (rules []compiler.Rule, mtime time.Time, err error)
}

// ScriptWriter writes a router's compiled filter program to its destination
// (the real implementation writes `iptables_<router>.sh`; tests substitute
// an in-memory recorder).
type ScriptWriter interface {
	WriteScript(router string, lines []string) error
}

// Config holds tick loop tuning parameters.
type Config struct {
	// Interval is the tick period. Default: 60s.
	Interval time.Duration
	// ZoneApex is the parent zone queried by pkg/zone.
	ZoneApex string
	// Once causes the loop to run exactly one tick then exit.
	Once bool
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
}

// Tick orchestrates Z and C on the configured schedule.
type Tick struct {
	cfg     Config
	reader  *zone.Reader
	rules   RulesLoader
	writer  ScriptWriter
	log     *slog.Logger
	metrics *metrics.Central

	lastSerial uint32
	lastMtime  time.Time
	ready      atomic.Bool
}

// New returns a Tick wired with the given zone reader, rules loader, and
// script writer.
func New(cfg Config, reader *zone.Reader, rules RulesLoader, writer ScriptWriter, m *metrics.Central, log *slog.Logger) *Tick {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Tick{cfg: cfg, reader: reader, rules: rules, writer: writer, metrics: m, log: log}
}

// IsReady reports whether at least one tick has completed without error.
// Used by the health server to gate the readiness endpoint.
func (t *Tick) IsReady() bool {
	return t.ready.Load()
}

// Run starts the tick loop. It blocks until ctx is cancelled, or returns
// immediately after one tick when cfg.Once is set.
func (t *Tick) Run(ctx context.Context) error {
	if t.cfg.Once {
		return t.runTick(ctx)
	}

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	if err := t.runTick(ctx); err != nil {
		t.log.Error("tick failed", "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case start := <-ticker.C:
			if err := t.runTick(ctx); err != nil {
				t.log.Error("tick failed", "err", err)
			}
			if elapsed := time.Since(start); elapsed > 2*t.cfg.Interval {
				t.log.Warn("tick exceeded twice the configured rate", "elapsed", elapsed)
			}
		}
	}
}

// runTick executes one gated check-and-compile pass.
func (t *Tick) runTick(ctx context.Context) (retErr error) {
	if t.metrics != nil {
		t.metrics.TicksTotal.Inc()
	}
	defer func() {
		if retErr == nil {
			t.ready.Store(true)
		}
	}()

	serial, err := t.reader.FetchSerial(ctx, t.cfg.ZoneApex)
	if err != nil {
		if t.metrics != nil {
			t.metrics.ZoneReadErrors.Inc()
		}
		return fmt.Errorf("tick: fetch serial: %w", err)
	}

	rules, mtime, err := t.rules.LoadRules(ctx)
	if err != nil {
		return fmt.Errorf("tick: load rules: %w", err)
	}

	if serial <= t.lastSerial && !mtime.After(t.lastMtime) {
		t.log.Debug("tick: no change", "serial", serial, "mtime", mtime)
		return nil
	}

	snap, err := t.reader.Read(ctx, t.cfg.ZoneApex)
	if err != nil {
		if t.metrics != nil {
			t.metrics.ZoneReadErrors.Inc()
		}
		return fmt.Errorf("tick: zone read: %w", err)
	}
	if snap == nil {
		return fmt.Errorf("tick: zone read abandoned, will retry next tick")
	}

	if len(snap) == 0 {
		t.log.Info("tick: skipping compile, no routers published", "rules", len(rules))
		return nil
	}

	if t.metrics != nil {
		t.metrics.RoutersCompiled.Set(float64(len(snap)))
	}

	routerNames := make([]string, 0, len(snap))
	for name := range snap {
		routerNames = append(routerNames, name)
	}
	for _, name := range routerNames {
		lines := compiler.Compile(name, snap[name], rules)
		if t.metrics != nil {
			countActions(t.metrics, lines)
		}
		if err := t.writer.WriteScript(name, lines); err != nil {
			return fmt.Errorf("tick: write script for router %s: %w", name, err)
		}
	}

	if t.metrics != nil {
		t.metrics.CompilesTotal.Inc()
	}
	// The watermark only advances once both the zone and the rules are
	// non-empty, so an empty rules file (e.g. mid-edit) doesn't suppress a
	// legitimate future recompile once rules reappear at the same serial.
	if len(rules) > 0 {
		t.lastSerial = serial
		t.lastMtime = mtime
	}
	t.log.Info("tick: compiled", "routers", len(snap), "rules", len(rules), "serial", serial)
	return nil
}

func countActions(m *metrics.Central, lines []string) {
	for _, l := range lines {
		switch {
		case hasSuffix(l, "-j ACCEPT"):
			m.RulesEmitted.WithLabelValues("allow").Inc()
		case hasSuffix(l, "-j DROP"):
			m.RulesEmitted.WithLabelValues("deny").Inc()
		}
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// FileScriptWriter writes each router's compiled filter program to
// `iptables_<router>.sh` under Dir (spec.md §6).
type FileScriptWriter struct {
	Dir string
}

func (w FileScriptWriter) WriteScript(router string, lines []string) error {
	path := fmt.Sprintf("%s/iptables_%s.sh", w.Dir, router)
	content := "#!/bin/sh\n"
	for _, l := range lines {
		content += l + "\n"
	}
	return os.WriteFile(path, []byte(content), 0o755)
}
