// Command policy-compiler runs the central controller: it periodically
// walks the published zone, compiles the per-router iptables FORWARD
// filter program, and writes it to disk.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/svcbridge/svcbridge/pkg/compiler"
	"github.com/svcbridge/svcbridge/pkg/config"
	"github.com/svcbridge/svcbridge/pkg/metrics"
	"github.com/svcbridge/svcbridge/pkg/tick"
	"github.com/svcbridge/svcbridge/pkg/zone"
)

func main() {
	configFile := flag.String("config", config.EnvOr("SVCBRIDGE_CONFIG", ""), "Path to the policy compiler YAML configuration file")
	outDir := flag.String("out-dir", config.EnvOr("SVCBRIDGE_OUT_DIR", "."), "Directory to write iptables_<router>.sh filter scripts into")
	healthPort := flag.Int("health-port", config.EnvOrInt("SVCBRIDGE_HEALTH_PORT", 8081), "Port for the HTTP health check server (0 to disable)")
	once := flag.Bool("once", config.EnvOrBool("SVCBRIDGE_ONCE", false), "Run exactly one tick and exit")
	logLevel := flag.String("log-level", config.EnvOr("SVCBRIDGE_LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	flag.Parse()

	log := newLogger(*logLevel)

	if *configFile == "" {
		log.Error("no -config given")
		os.Exit(2)
	}

	cfg, err := config.LoadCentral(*configFile)
	if err != nil {
		log.Error("loading config", "err", err)
		os.Exit(2)
	}
	log.Info("loaded central config", "zone", cfg.Domain.Zone, "rate", cfg.Rate)

	server := cfg.Domain.Server
	if !strings.Contains(server, ":") {
		server = server + ":53"
	}
	reader := zone.New(server)

	m := metrics.NewCentral(prometheus.DefaultRegisterer)
	rl := &configRulesLoader{path: *configFile}
	w := tick.FileScriptWriter{Dir: *outDir}

	tk := tick.New(tick.Config{
		Interval: time.Duration(cfg.Rate) * time.Second,
		ZoneApex: cfg.Domain.Zone,
		Once:     *once,
	}, reader, rl, w, m, log)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT, syscall.SIGABRT, syscall.SIGQUIT, syscall.SIGHUP)
	defer stop()

	metrics.ServeHealth(ctx, *healthPort, tk.IsReady, log)

	log.Info("starting policy-compiler", "zone", cfg.Domain.Zone, "out-dir", *outDir)
	if err := tk.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("tick loop exited with error", "err", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

// configRulesLoader implements tick.RulesLoader by re-reading the central
// config file's rules and mtime on every tick, so an edited rules file is
// picked up per spec.md §4.6 without a restart.
type configRulesLoader struct {
	path string
}

func (c *configRulesLoader) LoadRules(_ context.Context) ([]compiler.Rule, time.Time, error) {
	info, err := os.Stat(c.path)
	if err != nil {
		return nil, time.Time{}, err
	}
	cfg, err := config.LoadCentral(c.path)
	if err != nil {
		return nil, time.Time{}, err
	}
	rules, err := config.CompileCentralRules(cfg.Rules)
	if err != nil {
		return nil, time.Time{}, err
	}
	return rules, info.ModTime(), nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
