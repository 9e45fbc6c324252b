// Package reconciler implements R, the edge state machine tying L
// (discovery) to M (store) and D (dnsupdate) through P (policy). Per
// spec.md §4.2, events are processed strictly in the order L produces them:
// this implementation runs one serialized handler loop per site rather than
// the sharded-by-host queue the spec permits but does not require, since a
// single total-order queue trivially satisfies the stronger "strictly in
// order" requirement without the correctness hazard of re-sharding a key
// whose host becomes known only after resolution (see DESIGN.md).
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/svcbridge/svcbridge/pkg/discovery"
	"github.com/svcbridge/svcbridge/pkg/dnserr"
	"github.com/svcbridge/svcbridge/pkg/dnsupdate"
	"github.com/svcbridge/svcbridge/pkg/metrics"
	"github.com/svcbridge/svcbridge/pkg/model"
	"github.com/svcbridge/svcbridge/pkg/policy"
	"github.com/svcbridge/svcbridge/pkg/store"
)

// Config configures the naming and publication details a Reconciler needs
// beyond what D and M already know.
type Config struct {
	// RouterName is this site's subdomain label <d> under the parent zone.
	RouterName string
	// Alias is the root-level config alias appended after the mDNS name
	// (spec.md §6's edge-only root `alias` attribute), e.g. " @Home".
	Alias string
	// IfaceAliases overrides the default " @ <iface>" suffix per interface
	// name (spec.md §6's <interface name alias=.../>).
	IfaceAliases map[string]string
	// IPVerAliases overrides the default " (IPv<n>)" suffix per IP version
	// (spec.md §6's <ip version alias=.../>).
	IPVerAliases map[int]string
	// PublicInterfaces lists this router's WAN-side interface names,
	// published in the per-router `public=` TXT record.
	PublicInterfaces []string
}

// Reconciler is R: the single writer of M and D for one site.
type Reconciler struct {
	cfg     Config
	adapter discovery.Adapter
	store   *store.Store
	updater *dnsupdate.Updater
	eval    *policy.Evaluator
	metrics *metrics.Edge
	log     *slog.Logger

	subscriptions map[string]struct{} // active (iface,ipver,name,stype) resolvers
	hostBrowsers  map[string]struct{} // active per-host A/AAAA browsers
	stopped       bool
	ready         atomic.Bool
}

// IsReady reports whether startup publication has completed successfully.
// Used by the health server to gate the readiness endpoint.
func (r *Reconciler) IsReady() bool {
	return r.ready.Load()
}

// New returns a Reconciler wired to its collaborators.
func New(cfg Config, adapter discovery.Adapter, st *store.Store, updater *dnsupdate.Updater, eval *policy.Evaluator, m *metrics.Edge, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		cfg:           cfg,
		adapter:       adapter,
		store:         st,
		updater:       updater,
		eval:          eval,
		metrics:       m,
		log:           log,
		subscriptions: make(map[string]struct{}),
		hostBrowsers:  make(map[string]struct{}),
	}
}

// Run performs startup publication, processes L's events strictly in order
// until the event channel closes (ctx cancellation or adapter failure), then
// performs shutdown teardown. It returns the error that stopped the event
// loop, if any; a clean shutdown returns nil.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.startup(ctx); err != nil {
		return fmt.Errorf("reconciler: startup: %w", err)
	}
	r.ready.Store(true)

	ch := r.adapter.Events(ctx)
	var loopErr error
loop:
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				break loop
			}
			if r.metrics != nil {
				r.metrics.EventsTotal.WithLabelValues(ev.Type.String()).Inc()
			}
			if err := r.handle(ctx, ev); err != nil {
				if r.metrics != nil {
					r.metrics.ReconcileErrors.Inc()
				}
				r.log.Error("reconciler: fatal error, stopping event loop", "event", ev.Type.String(), "err", err)
				loopErr = err
				break loop
			}
		case <-ctx.Done():
			break loop
		}
	}

	if err := r.shutdown(context.Background()); err != nil {
		r.log.Error("reconciler: shutdown teardown failed", "err", err)
		if loopErr == nil {
			loopErr = err
		}
	}
	return loopErr
}

// startup clears the zone scope and publishes the four per-router records,
// per spec.md §4.2.
func (r *Reconciler) startup(ctx context.Context) error {
	if code := r.updater.ClearZone(ctx, dnsupdate.ScopeSubdomain); code != dnserr.Success {
		return fmt.Errorf("clear_zone at startup: %s", code)
	}
	return r.publishRouterRecords(ctx)
}

// shutdown suppresses further L callbacks, clears the zone scope again, and
// removes the four per-router records. Per spec.md §4.2, late callbacks
// after shutdown must not mutate M or D; r.stopped enforces that in handle.
func (r *Reconciler) shutdown(ctx context.Context) error {
	r.stopped = true
	if code := r.updater.ClearZone(ctx, dnsupdate.ScopeSubdomain); code != dnserr.Success {
		return fmt.Errorf("clear_zone at shutdown: %s", code)
	}
	return r.unpublishRouterRecords(ctx)
}

func (r *Reconciler) publishRouterRecords(ctx context.Context) error {
	d := r.cfg.RouterName
	ops := []struct{ name, rtype, rdata string }{
		{"b._dns-sd._udp", "PTR", d},
		{"lb._dns-sd._udp", "PTR", d},
		{"db._dns-sd._udp", "PTR", d},
		{d, "TXT", `"public=` + joinComma(r.cfg.PublicInterfaces) + `"`},
	}
	for _, op := range ops {
		if code := r.updater.AddRecord(ctx, op.name, op.rtype, op.rdata, dnsupdate.ScopeZone); code != dnserr.Success {
			return fmt.Errorf("publishing %s %s: %s", op.name, op.rtype, code)
		}
	}
	return nil
}

func (r *Reconciler) unpublishRouterRecords(ctx context.Context) error {
	d := r.cfg.RouterName
	ops := []struct{ name, rtype, rdata string }{
		{"b._dns-sd._udp", "PTR", d},
		{"lb._dns-sd._udp", "PTR", d},
		{"db._dns-sd._udp", "PTR", d},
		{d, "TXT", ""},
	}
	for _, op := range ops {
		if code := r.updater.RemoveRecord(ctx, op.name, op.rtype, op.rdata, dnsupdate.ScopeZone); code != dnserr.Success && code != dnserr.NXDomain {
			return fmt.Errorf("removing %s %s: %s", op.name, op.rtype, code)
		}
	}
	return nil
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

// handle dispatches one event to its handler. It returns an error only for
// conditions spec.md §4.2/§7 deems fatal to the loop; a recoverable
// LABEL_NAME_ERROR is logged and absorbed by the individual handlers.
func (r *Reconciler) handle(ctx context.Context, ev discovery.Event) error {
	if r.stopped {
		return nil
	}
	switch ev.Type {
	case discovery.TypeSeen:
		return nil // browse subscription bookkeeping belongs to the adapter; idempotent by construction
	case discovery.InstanceSeen:
		return r.onInstanceSeen(ev)
	case discovery.InstanceGone:
		return r.onInstanceGone(ctx, ev)
	case discovery.Resolved:
		return r.onResolved(ctx, ev)
	case discovery.AddressAppeared:
		return r.onAddressAppeared(ctx, ev)
	case discovery.AddressGone:
		return r.onAddressGone(ctx, ev)
	default:
		return nil
	}
}

// svcKeyTuple builds the subscription-map key for a service-identifying
// event, spec.md §4.2's composite key (iface,proto,name,stype).
func svcKeyTuple(iface string, ipver int, name, stype string) string {
	return fmt.Sprintf("%s\x00%d\x00%s\x00%s", iface, ipver, name, stype)
}

func (r *Reconciler) onInstanceSeen(ev discovery.Event) error {
	iface := r.adapter.IfaceName(ev.IfaceIdx)
	key := svcKeyTuple(iface, ev.IfaceIPVer, ev.Name, ev.SType)
	if _, ok := r.subscriptions[key]; ok {
		return nil
	}

	svcKey := model.ServiceKey{IfaceName: iface, IfaceIPVer: ev.IfaceIPVer, Name: ev.Name, Type: ev.SType}
	inserted, err := r.store.InsertService(svcKey)
	if err != nil {
		// InsertService is INSERT OR IGNORE: a duplicate key never reaches
		// this branch as an error. Anything landing here is a genuine store
		// failure, fatal per spec.md §4.2/§9.
		return fmt.Errorf("inserting service %s: %w", svcKey, err)
	}
	if !inserted {
		r.log.Debug("reconciler: service row already present, duplicate insert ignored", "key", svcKey)
	}
	r.subscriptions[key] = struct{}{}
	return nil
}

func (r *Reconciler) onInstanceGone(ctx context.Context, ev discovery.Event) error {
	iface := r.adapter.IfaceName(ev.IfaceIdx)
	key := svcKeyTuple(iface, ev.IfaceIPVer, ev.Name, ev.SType)
	if _, ok := r.subscriptions[key]; !ok {
		return nil
	}
	delete(r.subscriptions, key)

	svcKey := model.ServiceKey{IfaceName: iface, IfaceIPVer: ev.IfaceIPVer, Name: ev.Name, Type: ev.SType}
	rec, ok, err := r.store.GetService(svcKey)
	if err != nil {
		return fmt.Errorf("reading service before InstanceGone: %w", err)
	}
	if !ok {
		return nil
	}
	if err := r.store.DeleteService(svcKey); err != nil {
		return fmt.Errorf("deleting service on InstanceGone: %w", err)
	}

	if !rec.Announced {
		return r.maybeStopHostBrowsing(rec.Hostname)
	}

	tCount, err := r.store.CountAnnouncedByType(ev.SType)
	if err != nil {
		return fmt.Errorf("counting announced services of type %s: %w", ev.SType, err)
	}
	hCount, err := r.store.CountAnnouncedByHost(rec.Hostname)
	if err != nil {
		return fmt.Errorf("counting announced services of host %s: %w", rec.Hostname, err)
	}

	name := r.instanceName(ev.Name, iface, ev.IfaceIPVer)
	host := r.publishedHost(rec.Hostname, iface, ev.IfaceIPVer)
	code := r.updater.RemoveService(ctx, name, ev.SType, host, tCount == 0, hCount == 0, dnsupdate.ScopeSubdomain)
	if code != dnserr.Success && !code.Recoverable() {
		return fmt.Errorf("remove_service on InstanceGone: %s", code)
	}

	return r.maybeStopHostBrowsing(rec.Hostname)
}

// maybeStopHostBrowsing implements the A-count teardown rule: stop browsing
// a host's addresses, and forget them, once no service of that host remains.
func (r *Reconciler) maybeStopHostBrowsing(hostname string) error {
	if hostname == "" {
		return nil
	}
	aCount, err := r.store.CountByHost(hostname)
	if err != nil {
		return fmt.Errorf("counting services of host %s: %w", hostname, err)
	}
	if aCount == 0 {
		delete(r.hostBrowsers, hostname)
		if err := r.store.DeleteAddressesByHost(hostname); err != nil {
			return fmt.Errorf("deleting addresses of host %s: %w", hostname, err)
		}
	}
	return nil
}

func (r *Reconciler) onResolved(ctx context.Context, ev discovery.Event) error {
	iface := r.adapter.IfaceName(ev.IfaceIdx)
	svcKey := model.ServiceKey{IfaceName: iface, IfaceIPVer: ev.IfaceIPVer, Name: ev.Name, Type: ev.SType}

	_, hostActive := r.hostBrowsers[ev.Host]

	announced := false
	resolved := false
	if hostActive {
		addrs, err := r.store.AddressesForHost(ev.Host)
		if err != nil {
			return fmt.Errorf("reading addresses for resolved host %s: %w", ev.Host, err)
		}
		if len(addrs) > 0 {
			resolved = true
			in := policy.ServiceInput(ev.Name, ev.SType, iface, ev.IfaceIPVer, ev.Host, ev.Port)
			if r.eval.Allowed(in) {
				pairs := make([]dnsupdate.AddressPair, len(addrs))
				for i, a := range addrs {
					pairs[i] = dnsupdate.AddressPair{IPVer: a.Key.AddrIPVer, Address: a.Key.Address}
				}
				name := r.instanceName(ev.Name, iface, ev.IfaceIPVer)
				host := r.publishedHost(ev.Host, iface, ev.IfaceIPVer)
				code := r.updater.AddService(ctx, name, ev.SType, host, pairs, ev.Port, ev.TXT, dnsupdate.ScopeSubdomain)
				if code == dnserr.Success {
					announced = true
				} else if !code.Recoverable() {
					return fmt.Errorf("add_service on Resolved: %s", code)
				}
			}
		}
	}

	rec := model.ServiceRecord{Key: svcKey, Hostname: ev.Host, Port: ev.Port, TXT: ev.TXT, Resolved: resolved, Announced: announced}
	if err := r.store.UpdateService(rec); err != nil {
		return fmt.Errorf("persisting resolved service: %w", err)
	}

	if !model.IsLocalHost(ev.Host) || hostActive {
		return nil
	}
	r.hostBrowsers[ev.Host] = struct{}{}
	return nil
}

func (r *Reconciler) onAddressAppeared(ctx context.Context, ev discovery.Event) error {
	if model.IsPrivate(ev.Address) {
		return nil
	}
	key := model.AddressKey{IfaceName: r.adapter.IfaceName(ev.IfaceIdx), IfaceIPVer: ev.AddrIPVer, Hostname: ev.Host, AddrIPVer: ev.AddrIPVer, Address: ev.Address}
	if err := r.store.InsertAddress(key); err != nil {
		return fmt.Errorf("inserting address: %w", err)
	}
	if err := r.store.MarkResolvedByHost(ev.Host); err != nil {
		return fmt.Errorf("marking host %s resolved: %w", ev.Host, err)
	}

	services, err := r.store.ServicesForHost(ev.Host)
	if err != nil {
		return fmt.Errorf("reading services of host %s: %w", ev.Host, err)
	}
	for _, svc := range services {
		in := policy.ServiceInput(svc.Key.Name, svc.Key.Type, svc.Key.IfaceName, svc.Key.IfaceIPVer, ev.Host, svc.Port)
		announced := svc.Announced
		if r.eval.Allowed(in) {
			name := r.instanceName(svc.Key.Name, svc.Key.IfaceName, svc.Key.IfaceIPVer)
			host := r.publishedHost(ev.Host, svc.Key.IfaceName, svc.Key.IfaceIPVer)
			code := r.updater.AddService(ctx, name, svc.Key.Type, host,
				[]dnsupdate.AddressPair{{IPVer: ev.AddrIPVer, Address: ev.Address}}, svc.Port, svc.TXT, dnsupdate.ScopeSubdomain)
			switch {
			case code == dnserr.Success:
				announced = true
			case code.Recoverable():
				announced = false
			default:
				return fmt.Errorf("add_service on AddressAppeared: %s", code)
			}
		}
		svc.Resolved = true
		svc.Announced = announced
		if err := r.store.UpdateService(svc); err != nil {
			return fmt.Errorf("persisting service after AddressAppeared: %w", err)
		}
	}
	return nil
}

func (r *Reconciler) onAddressGone(ctx context.Context, ev discovery.Event) error {
	if model.IsPrivate(ev.Address) {
		return nil
	}
	key := model.AddressKey{IfaceName: r.adapter.IfaceName(ev.IfaceIdx), IfaceIPVer: ev.AddrIPVer, Hostname: ev.Host, AddrIPVer: ev.AddrIPVer, Address: ev.Address}
	if err := r.store.DeleteAddress(key); err != nil {
		return fmt.Errorf("deleting address: %w", err)
	}

	services, err := r.store.ServicesForHost(ev.Host)
	if err != nil {
		return fmt.Errorf("reading services of host %s: %w", ev.Host, err)
	}
	for _, svc := range services {
		if !svc.Announced || svc.Key.IfaceIPVer != ev.AddrIPVer {
			continue
		}
		rtype := "A"
		if ev.AddrIPVer == 6 {
			rtype = "AAAA"
		}
		host := r.publishedHost(ev.Host, svc.Key.IfaceName, svc.Key.IfaceIPVer)
		if code := r.updater.RemoveRecord(ctx, host, rtype, ev.Address, dnsupdate.ScopeSubdomain); code != dnserr.Success && !code.Recoverable() {
			return fmt.Errorf("remove_record on AddressGone: %s", code)
		}
	}

	remaining, err := r.store.AddressesForHost(ev.Host)
	if err != nil {
		return fmt.Errorf("reading remaining addresses of host %s: %w", ev.Host, err)
	}
	if len(remaining) != 0 {
		return nil
	}

	for _, svc := range services {
		if !svc.Announced {
			continue
		}
		svc.Resolved = false
		svc.Announced = false
		if err := r.store.UpdateService(svc); err != nil {
			return fmt.Errorf("persisting service after AddressGone teardown: %w", err)
		}
		tCount, err := r.store.CountAnnouncedByType(svc.Key.Type)
		if err != nil {
			return fmt.Errorf("counting announced services of type %s: %w", svc.Key.Type, err)
		}
		name := r.instanceName(svc.Key.Name, svc.Key.IfaceName, svc.Key.IfaceIPVer)
		host := r.publishedHost(ev.Host, svc.Key.IfaceName, svc.Key.IfaceIPVer)
		code := r.updater.RemoveService(ctx, name, svc.Key.Type, host, tCount == 0, true, dnsupdate.ScopeSubdomain)
		if code != dnserr.Success && !code.Recoverable() {
			return fmt.Errorf("remove_service on AddressGone: %s", code)
		}
	}
	return nil
}

// publishedHost renders the zone-local host label for a resolved mDNS host,
// per spec.md §3's host rewrite rule (which has no alias override).
func (r *Reconciler) publishedHost(mdnsHost, iface string, ipVer int) string {
	return model.PublishedHost(mdnsHost, iface, ipVer)
}

// instanceName renders the published instance label per spec.md §3's
// deterministic aliasing rule.
func (r *Reconciler) instanceName(mdnsName, iface string, ipVer int) string {
	ifcSuffix, ok := r.cfg.IfaceAliases[iface]
	if !ok {
		ifcSuffix = model.InterfaceSuffix(iface)
	}
	ipSuffix, ok := r.cfg.IPVerAliases[ipVer]
	if !ok {
		ipSuffix = model.IPVersionSuffix(ipVer)
	}
	return mdnsName + r.cfg.Alias + ifcSuffix + ipSuffix
}
