// Package dnserr defines the error taxonomy shared by the DNS update engine
// and its callers.
package dnserr

import (
	"fmt"

	"github.com/miekg/dns"
)

// Code is a result code in the internal taxonomy: either a transport/protocol
// failure local to this codebase, or one of the ten RFC2136 RCODEs 1-10
// reused verbatim. Internal codes are numbered above 100 (100 plus their
// position in the const block, i.e. 111-114) so they never collide with a
// real wire RCODE value.
type Code int

const (
	// Success indicates the operation completed with RCODE 0 (NOERROR).
	Success Code = 0

	// The ten RFC2136 RCODEs, numbered to match the wire value.
	FormErr  Code = 1
	ServFail Code = 2
	NXDomain Code = 3
	NotImp   Code = 4
	Refused  Code = 5
	YXDomain Code = 6
	YXRRSet  Code = 7
	NXRRSet  Code = 8
	NotAuth  Code = 9
	NotZone  Code = 10

	// LabelNameError indicates a label or name was too long or empty;
	// the caller should skip the service rather than retry.
	LabelNameError Code = 100 + iota
	// NSUnresolved indicates the configured nameserver name resolved to no
	// address of either family.
	NSUnresolved
	// NSQueryingError indicates a TSIG failure, timeout, or other DNS
	// transport error talking to the nameserver.
	NSQueryingError
	// SocketError indicates the local host lacks support for the address
	// family needed to reach the nameserver.
	SocketError
)

var internalStrings = map[Code]string{
	LabelNameError:  "label or name too long or empty",
	NSUnresolved:    "nameserver unresolved",
	NSQueryingError: "error querying nameserver (TSIG failure, timeout, or transport error)",
	SocketError:     "socket error: address family unsupported locally",
	Success:         "success",
}

// String returns a human-readable description of the code.
func (c Code) String() string {
	if s, ok := internalStrings[c]; ok {
		return s
	}
	if s, ok := dns.RcodeToString[int(c)]; ok {
		return s
	}
	return fmt.Sprintf("unknown code %d", int(c))
}

// FromRcode maps a miekg/dns RCODE to a Code. RCODEs outside 0-10 are
// returned unchanged, as no caller in this codebase expects to see them.
func FromRcode(rcode int) Code {
	return Code(rcode)
}

// Recoverable reports whether the Reconciler may recover from this code by
// skipping the single service involved, per spec.md §4.2/§7. Every other
// non-success code is fatal to the agent's event loop.
func (c Code) Recoverable() bool {
	return c == LabelNameError
}

// Error wraps a Code with request context and an optional underlying cause.
type Error struct {
	Code    Code
	Context string
	Cause   error
}

// New returns an *Error for the given code and context, with no underlying cause.
func New(code Code, context string) *Error {
	return &Error{Code: code, Context: context}
}

// Wrap returns an *Error for the given code and context, wrapping cause.
func Wrap(code Code, context string, cause error) *Error {
	return &Error{Code: code, Context: context, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Context, e.Code, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Context, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Cause
}
