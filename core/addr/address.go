// Package addr implements bus endpoint addressing.
//
// An address is a printable string of the form "<domain>:<kind>:<name>"
// identifying one of the three endpoint flavors the bus recognizes:
// client (ephemeral, per-connected-process), service (named, routed
// through a router) and router (the routing daemon itself).
package addr

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind distinguishes the three address flavors.
type Kind string

// Address flavors.
const (
	KindClient  Kind = "client"
	KindService Kind = "service"
	KindRouter  Kind = "router"
)

// Address is an opaque, printable bus endpoint identifier.
type Address struct {
	domain string
	kind   Kind
	name   string
}

// New builds an Address from its parts. name is the service name for a
// service address, the router's label for a router address, or a
// caller-chosen process identifier for a client address.
func New(domain string, kind Kind, name string) Address {
	return Address{domain: domain, kind: kind, name: name}
}

// NewClient returns a fresh, process-unique client address on domain.
// Every connected client/worker MUST call this once at startup and MUST
// NOT share the resulting address across tasks: only one consumer may
// ever read from a given address.
func NewClient(domain, processLabel string) Address {
	return Address{
		domain: domain,
		kind:   KindClient,
		name:   fmt.Sprintf("%s-%s", processLabel, uuid.NewString()),
	}
}

// ServiceAddress returns the well-known address a service is reached at
// for load-balanced, router-mediated dispatch.
func ServiceAddress(domain, service string) Address {
	return Address{domain: domain, kind: KindService, name: service}
}

// RouterAddress returns the well-known router address for domain.
func RouterAddress(domain string) Address {
	return Address{domain: domain, kind: KindRouter, name: "router"}
}

// Domain returns the address's routing domain.
func (a Address) Domain() string { return a.domain }

// Kind returns the address flavor.
func (a Address) Kind() Kind { return a.kind }

// Name returns the address's local name (service name, router label, or
// client process identifier).
func (a Address) Name() string { return a.name }

// IsZero reports whether a is the zero-value address.
func (a Address) IsZero() bool { return a == Address{} }

// String renders the address in its wire form, which also doubles as the
// broker queue name this address's owner listens on.
func (a Address) String() string {
	return fmt.Sprintf("%s:%s:%s", a.domain, a.kind, a.name)
}

// Parse parses the wire form produced by String.
func Parse(s string) (Address, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Address{}, fmt.Errorf("addr: malformed address %q", s)
	}
	return Address{domain: parts[0], kind: Kind(parts[1]), name: parts[2]}, nil
}
