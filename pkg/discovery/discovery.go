// Package discovery defines the boundary to L, the LocalDiscoveryAdapter:
// an external collaborator (the mDNS browsing/resolving stack) that this
// codebase only consumes through an event interface, never implements.
package discovery

import "context"

// EventType enumerates the local-link events L delivers, per spec.md §2/§4.2.
type EventType int

const (
	// TypeSeen indicates a new service type was observed on the link.
	TypeSeen EventType = iota
	// InstanceSeen indicates a new service instance was observed.
	InstanceSeen
	// InstanceGone indicates a previously-seen instance disappeared.
	InstanceGone
	// Resolved indicates SRV/TXT resolution completed for an instance.
	Resolved
	// AddressAppeared indicates a new address was observed for a host.
	AddressAppeared
	// AddressGone indicates a previously-known address disappeared.
	AddressGone
)

func (t EventType) String() string {
	switch t {
	case TypeSeen:
		return "TypeSeen"
	case InstanceSeen:
		return "InstanceSeen"
	case InstanceGone:
		return "InstanceGone"
	case Resolved:
		return "Resolved"
	case AddressAppeared:
		return "AddressAppeared"
	case AddressGone:
		return "AddressGone"
	default:
		return "Unknown"
	}
}

// Event is one local-link observation delivered by L. Which fields are
// meaningful depends on Type:
//
//	TypeSeen:         IfaceIdx, IfaceIPVer, SType
//	InstanceSeen:     IfaceIdx, IfaceIPVer, Name, SType
//	InstanceGone:     IfaceIdx, IfaceIPVer, Name, SType
//	Resolved:         IfaceIdx, IfaceIPVer, Name, SType, Host, Port, TXT
//	AddressAppeared:  IfaceIdx, Host, AddrIPVer, Address
//	AddressGone:      IfaceIdx, Host, AddrIPVer, Address
type Event struct {
	Type EventType

	IfaceIdx   int
	IfaceIPVer int // the interface's IP version (4 or 6), spec.md §4.2's "proto"
	Name       string
	SType      string // DNS-SD service type, e.g. "_ipp._tcp"

	Host string
	Port int
	TXT  []string

	AddrIPVer int
	Address   string
}

// Adapter is the interface the Reconciler consumes. A real implementation
// wraps a platform mDNS browsing/resolving library; this codebase only
// depends on the interface and the fake test double in ./fake.
type Adapter interface {
	// Events returns a channel of local-link events. The channel is closed
	// when ctx is done or the adapter encounters an unrecoverable error.
	Events(ctx context.Context) <-chan Event

	// IfaceName returns the platform interface name for idx, per spec.md
	// §2's "supplies one call iface_name(idx)".
	IfaceName(idx int) string
}
