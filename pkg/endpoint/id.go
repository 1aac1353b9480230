// Package endpoint holds the canonical node identity and the per-endpoint
// application state carried by gossip.
package endpoint

import (
	"bytes"
	"fmt"
	"net"

	"github.com/google/uuid"
)

// Addr is an IP+port pair, one of the (up to) four addresses an endpoint
// advertises.
type Addr struct {
	IP   net.IP
	Port int
}

// NewAddr validates port range at construction, per spec.md's boundary
// behavior: "Port outside [0, 65535] rejected at construction."
func NewAddr(ip net.IP, port int) (Addr, error) {
	if port < 0 || port > 65535 {
		return Addr{}, fmt.Errorf("endpoint: port %d out of range [0, 65535]", port)
	}
	return Addr{IP: ip, Port: port}, nil
}

func (a Addr) String() string {
	if a.IP == nil {
		return fmt.Sprintf(":%d", a.Port)
	}
	return fmt.Sprintf("%s:%d", a.IP.String(), a.Port)
}

func (a Addr) bytes() []byte {
	b := make([]byte, 0, len(a.IP)+2)
	b = append(b, a.IP...)
	b = append(b, byte(a.Port>>8), byte(a.Port))
	return b
}

func (a Addr) compare(other Addr) int {
	return bytes.Compare(a.bytes(), other.bytes())
}

// equals compares by encoded bytes rather than struct equality: net.IP is a
// slice, so Addr is not a comparable type and Go's == cannot be used on it.
func (a Addr) equals(other Addr) bool {
	return bytes.Equal(a.bytes(), other.bytes())
}

// NilUUID is the sentinel host UUID used before an endpoint's real identity
// has been learned (spec.md §3).
var NilUUID uuid.UUID

// ID is the canonical node identifier: a stable host UUID plus up to four
// addresses. The host UUID is immutable once set; addresses may be updated
// when a peer re-announces itself (spec.md §3).
//
// Equality is (host UUID, all addresses); ordering is lexicographic on the
// bytes of the broadcast address, then host UUID, then port. Per spec.md §9's
// open question, both Equals and the derived hash key include the host UUID.
type ID struct {
	HostID          uuid.UUID
	Listen          Addr
	Broadcast       Addr
	NativeClient    Addr
	BroadcastNative Addr
}

// New builds an ID from its broadcast address only; the other addresses
// default to the broadcast address, matching single-NIC deployments.
func New(hostID uuid.UUID, broadcast Addr) ID {
	return ID{
		HostID:          hostID,
		Listen:          broadcast,
		Broadcast:       broadcast,
		NativeClient:    broadcast,
		BroadcastNative: broadcast,
	}
}

// Equals implements (host UUID, all addresses) equality.
func (id ID) Equals(other ID) bool {
	return id.HostID == other.HostID &&
		id.Listen.equals(other.Listen) &&
		id.Broadcast.equals(other.Broadcast) &&
		id.NativeClient.equals(other.NativeClient) &&
		id.BroadcastNative.equals(other.BroadcastNative)
}

// Key returns a comparable, map-safe key derived from the same fields as
// Equals (host UUID plus all four addresses), so callers never define a
// hashCode that disagrees with Equals.
func (id ID) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", id.HostID, id.Listen, id.Broadcast, id.NativeClient, id.BroadcastNative)
}

// Compare orders IDs lexicographically on the broadcast address bytes, then
// host UUID, then port (spec.md §3).
func (id ID) Compare(other ID) int {
	if c := bytes.Compare(id.Broadcast.IP, other.Broadcast.IP); c != 0 {
		return c
	}
	if c := bytes.Compare(id.HostID[:], other.HostID[:]); c != 0 {
		return c
	}
	if id.Broadcast.Port != other.Broadcast.Port {
		if id.Broadcast.Port < other.Broadcast.Port {
			return -1
		}
		return 1
	}
	return 0
}

// HasHostID reports whether the identity has been resolved past the nil
// sentinel.
func (id ID) HasHostID() bool {
	return id.HostID != NilUUID
}

func (id ID) String() string {
	return fmt.Sprintf("%s/%s", id.HostID, id.Broadcast)
}
