// Command edge-agent runs the per-site Edge Reconciler: it watches local
// service discovery events and publishes the allowed ones into a DNS zone
// over RFC2136 Dynamic Update with TSIG.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/svcbridge/svcbridge/pkg/config"
	"github.com/svcbridge/svcbridge/pkg/discovery/fake"
	"github.com/svcbridge/svcbridge/pkg/dnsupdate"
	"github.com/svcbridge/svcbridge/pkg/metrics"
	"github.com/svcbridge/svcbridge/pkg/policy"
	"github.com/svcbridge/svcbridge/pkg/reconciler"
	"github.com/svcbridge/svcbridge/pkg/store"
)

func main() {
	configFile := flag.String("config", config.EnvOr("SVCBRIDGE_CONFIG", ""), "Path to the edge agent YAML configuration file")
	storePath := flag.String("store", config.EnvOr("SVCBRIDGE_STORE", "edge.db"), "Path to the sqlite state store")
	healthPort := flag.Int("health-port", config.EnvOrInt("SVCBRIDGE_HEALTH_PORT", 8080), "Port for the HTTP health check server (0 to disable)")
	logLevel := flag.String("log-level", config.EnvOr("SVCBRIDGE_LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	flag.Parse()

	log := newLogger(*logLevel)

	if *configFile == "" {
		log.Error("no -config given")
		os.Exit(2)
	}

	cfg, err := config.LoadEdge(*configFile)
	if err != nil {
		log.Error("loading config", "err", err)
		os.Exit(2)
	}
	log.Info("loaded edge config", "name", cfg.Name, "zone", cfg.Domain.Zone)

	st, err := store.Open(*storePath)
	if err != nil {
		log.Error("opening store", "path", *storePath, "err", err)
		os.Exit(1)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			log.Warn("error closing store", "err", cerr)
		}
	}()

	updater := dnsupdate.New(dnsupdate.Config{
		Server:    cfg.Domain.Server,
		Zone:      cfg.Domain.Zone,
		Subdomain: cfg.Name,
		KeyName:   cfg.Domain.KeyName,
		KeyValue:  cfg.Domain.KeyValue,
		Algorithm: cfg.Domain.Algorithm,
		TTL:       cfg.Domain.TTL,
	})

	rules, err := config.CompilePolicyRules(cfg.Rules)
	if err != nil {
		log.Error("compiling policy rules", "err", err)
		os.Exit(2)
	}
	eval := policy.New(rules)

	ifaceAliases := make(map[string]string, len(cfg.Interfaces))
	for _, ia := range cfg.Interfaces {
		ifaceAliases[ia.Name] = ia.Alias
	}
	ipAliases := make(map[int]string, len(cfg.IPs))
	for _, ip := range cfg.IPs {
		ipAliases[ip.Version] = ip.Alias
	}

	m := metrics.NewEdge(prometheus.DefaultRegisterer)

	// The mDNS/DNS-SD browsing-and-resolving stack itself is an external
	// collaborator outside this codebase's scope (spec.md §1's Non-goals).
	// This is the wiring point where a real platform discovery backend
	// plugs in behind the discovery.Adapter interface; ifaceNames is the
	// real OS interface index-to-name mapping L's events reference.
	adapter := fake.New(ifaceNames())

	r := reconciler.New(reconciler.Config{
		RouterName:       cfg.Name,
		Alias:            cfg.Alias,
		IfaceAliases:     ifaceAliases,
		IPVerAliases:     ipAliases,
		PublicInterfaces: config.ParsePublicInterfaces(cfg.PublicInterfaces),
	}, adapter, st, updater, eval, m, log)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT, syscall.SIGABRT, syscall.SIGQUIT, syscall.SIGHUP)
	defer stop()

	metrics.ServeHealth(ctx, *healthPort, r.IsReady, log)

	log.Info("starting edge-agent", "name", cfg.Name, "zone", cfg.Domain.Zone)
	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("reconciler exited with error", "err", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

// ifaceNames builds the OS interface index-to-name map L's events
// reference (spec.md §2's "supplies one call iface_name(idx)").
func ifaceNames() map[int]string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	out := make(map[int]string, len(ifaces))
	for _, ifc := range ifaces {
		out[ifc.Index] = ifc.Name
	}
	return out
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
