// Package proxyclient defines the pluggable dial contract the gateway
// uses to reach the outside world, plus a SOCKS5 implementation of it.
package proxyclient

import (
	"context"
	"net"
	"net/netip"
)

// Dialer is how the gateway reaches the outside world for an accepted
// flow. A concrete implementation owns whatever authentication or
// tunneling is required; the gateway itself never speaks the proxy
// protocol directly.
type Dialer interface {
	DialTCP(ctx context.Context, remote netip.AddrPort) (net.Conn, error)
	DialUDP(ctx context.Context, local netip.AddrPort) (UDPAssociation, error)
}

// UDPAssociation is a live SOCKS5 UDP ASSOCIATE session: datagrams sent
// through it carry their own destination, matching the gateway's
// per-datagram OwnedUdp model rather than a single connected peer.
type UDPAssociation interface {
	SendTo(ctx context.Context, b []byte, dst netip.AddrPort) error
	RecvFrom(ctx context.Context, b []byte) (n int, src netip.AddrPort, err error)
	Close() error
}
