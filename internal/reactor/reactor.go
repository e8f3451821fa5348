// Package reactor owns the embedded gVisor network stack: NIC creation,
// addressing, routing, and the pumps that drive packets in and out of it.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"

	cfg "github.com/lanbridge/gatewayd/internal/config"
	"github.com/lanbridge/gatewayd/internal/devshim"
)

// ErrChannelClosed is returned by Run when the inbound frame channel
// closes, which ends this reactor's life.
var ErrChannelClosed = errors.New("reactor: inbound frame channel closed")

// ErrStackPollFailed names a stack pumping failure. Run does not return
// it: the pumps have no per-frame error that stops the reactor.
var ErrStackPollFailed = errors.New("reactor: stack pump failed")

const chanEndpointQueueLen = 256

// Reactor owns the stack, its virtual NIC, and the device shim pumping
// frames across it.
type Reactor struct {
	Stack *stack.Stack
	shim  *devshim.Shim

	nicID tcpip.NICID
}

// New builds a gVisor stack with IPv4/TCP/UDP support, attaches a
// channel-backed virtual NIC, assigns network as its address, and routes
// all other traffic through gatewayAddr.
//
// Promiscuous mode plus spoofing is the Go-native equivalent of
// smoltcp's any_ip(true): the NIC will accept and originate traffic for
// any address in network, not just its own assigned address, letting the
// gateway impersonate the whole managed subnet.
func New(network netip.Prefix, gatewayAddr netip.Addr, mtu uint32, srcMAC net.HardwareAddr) (*Reactor, error) {
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})

	ep := channel.New(chanEndpointQueueLen, mtu, tcpip.LinkAddress(string(srcMAC)))

	const nicID = cfg.NicID
	if err := s.CreateNIC(nicID, ep); err != nil {
		return nil, fmt.Errorf("reactor: create NIC: %s", err)
	}

	protoAddr := tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   tcpip.AddrFromSlice(network.Addr().AsSlice()),
			PrefixLen: network.Bits(),
		},
	}
	if err := s.AddProtocolAddress(nicID, protoAddr, stack.AddressProperties{}); err != nil {
		return nil, fmt.Errorf("reactor: add protocol address: %s", err)
	}

	if err := s.SetPromiscuousMode(nicID, true); err != nil {
		return nil, fmt.Errorf("reactor: enable promiscuous mode: %s", err)
	}
	if err := s.SetSpoofing(nicID, true); err != nil {
		return nil, fmt.Errorf("reactor: enable spoofing: %s", err)
	}

	s.SetRouteTable([]tcpip.Route{
		{
			Destination: header.IPv4EmptySubnet,
			Gateway:     tcpip.AddrFromSlice(gatewayAddr.AsSlice()),
			NIC:         nicID,
		},
	})

	return &Reactor{
		Stack: s,
		shim:  devshim.New(ep, srcMAC, mtu),
		nicID: nicID,
	}, nil
}

// NICID returns the identifier of the reactor's single virtual NIC.
func (r *Reactor) NICID() tcpip.NICID { return r.nicID }

// Run drives the device shim's inbound and outbound pumps until ctx is
// canceled or the inbound channel closes. This is the reactor's "poll"
// loop: readiness for individual sockets is delegated to gVisor's own
// waiter queues, registered directly by the Socket Surface.
func (r *Reactor) Run(ctx context.Context, inbound <-chan []byte, outbound chan<- []byte) error {
	// The outbound pump only returns when its context ends, so it runs under
	// a child context that is canceled as soon as the inbound pump returns.
	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		r.shim.PumpInbound(ctx, inbound)
	}()

	r.shim.PumpOutbound(pumpCtx, outbound)
	<-done

	if ctx.Err() != nil {
		return nil
	}
	return ErrChannelClosed
}

// DroppedOutbound returns the number of outbound frames dropped so far
// because the raw adapter's outbound channel was full.
func (r *Reactor) DroppedOutbound() uint64 { return r.shim.Dropped() }
