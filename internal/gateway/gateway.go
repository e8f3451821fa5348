// Package gateway splices accepted flows from the socket surface to a
// dialed proxy connection, and keeps a bounded cache of per-source UDP
// conversations alive between datagrams.
package gateway

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lanbridge/gatewayd/internal/proxyclient"
	"github.com/lanbridge/gatewayd/internal/socket"
)

// Gateway owns the proxy dialer and the UDP connection cache, and drives
// the splice for every accepted TCP flow and forwarded UDP datagram.
type Gateway struct {
	dialer   proxyclient.Dialer
	listener *socket.TcpListener
	udp      *socket.UdpSocket

	udpMu    sync.Mutex
	udpConns *lru.Cache[netip.AddrPort, *udpConnection]
}

// New builds a Gateway that accepts from listener, receives from udp, and
// forwards everything through dialer. udpCacheSize bounds how many
// concurrent UDP conversations are tracked before the least recently
// used one is evicted and torn down.
func New(dialer proxyclient.Dialer, listener *socket.TcpListener, udp *socket.UdpSocket, udpCacheSize int) (*Gateway, error) {
	g := &Gateway{dialer: dialer, listener: listener, udp: udp}

	cache, err := lru.NewWithEvict[netip.AddrPort, *udpConnection](udpCacheSize, g.onUDPEvict)
	if err != nil {
		return nil, fmt.Errorf("gateway: build udp cache: %w", err)
	}
	g.udpConns = cache

	return g, nil
}

// onUDPEvict is the LRU's eviction callback. Go has no implicit-drop hook
// for a cache entry going away, so eviction must explicitly tear the
// evicted conversation down: canceling its context alone only stops the
// loop's check at the top of its iteration, but pumpUDPReplies spends
// almost all its time blocked inside assoc.RecvFrom, which a real
// proxyclient.UDPAssociation has no obligation to abort on context
// cancellation. Closing the association directly unblocks that read
// with an error, same as a peer closing the connection.
func (g *Gateway) onUDPEvict(_ netip.AddrPort, conn *udpConnection) {
	conn.cancel()
	conn.assoc.Close()
}

// Run accepts TCP flows and receives UDP datagrams until ctx is done,
// splicing each onto a freshly dialed (or cached) proxy connection.
func (g *Gateway) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		g.acceptLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		g.udpLoop(ctx)
	}()

	wg.Wait()
	return ctx.Err()
}

func (g *Gateway) acceptLoop(ctx context.Context) {
	for {
		flow, err := g.listener.Accept(ctx)
		if err != nil {
			return
		}
		go g.handleTCP(ctx, flow)
	}
}

func (g *Gateway) handleTCP(ctx context.Context, flow *socket.TcpSocket) {
	defer flow.Close()

	remote := flow.LocalAddr() // destination the guest dialed, preserved by any-ip
	upstream, err := g.dialer.DialTCP(ctx, remote)
	if err != nil {
		fmt.Printf("gateway: tcp dial to %s failed: %v\n", remote, err)
		return
	}
	defer upstream.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(upstream, flow)
	}()
	go func() {
		defer wg.Done()
		io.Copy(flow, upstream)
	}()
	wg.Wait()
}

func (g *Gateway) udpLoop(ctx context.Context) {
	for {
		datagram, err := g.udp.Recv(ctx)
		if err != nil {
			return
		}
		g.routeUDP(ctx, datagram)
	}
}

// routeUDP forwards one datagram through the conversation cached for its
// source, creating and caching a new one if none exists yet. udpMu is not
// held while the proxy association is dialed.
func (g *Gateway) routeUDP(ctx context.Context, d socket.OwnedUdp) {
	g.udpMu.Lock()
	conn, ok := g.udpConns.Get(d.Src)
	g.udpMu.Unlock()
	if !ok {
		fresh, err := g.newUDPConnection(ctx, d.Src, d.Dst)
		if err != nil {
			fmt.Printf("gateway: udp associate for %s failed: %v\n", d.Src, err)
			return
		}
		g.udpMu.Lock()
		if existing, found := g.udpConns.Get(d.Src); found {
			conn = existing
		} else {
			conn = fresh
			g.udpConns.Add(d.Src, fresh)
		}
		g.udpMu.Unlock()
		if conn != fresh {
			fresh.cancel()
			fresh.assoc.Close()
		}
	}

	if err := conn.assoc.SendTo(ctx, d.Data, d.Dst); err != nil {
		fmt.Printf("gateway: udp send via proxy for %s failed: %v\n", d.Src, err)
	}
}

// udpConnection is one tracked conversation: a live proxy UDP
// association plus the goroutine relaying replies back to the guest.
type udpConnection struct {
	assoc  proxyclient.UDPAssociation
	cancel context.CancelFunc
}

func (g *Gateway) newUDPConnection(ctx context.Context, src, dst netip.AddrPort) (*udpConnection, error) {
	assoc, err := g.dialer.DialUDP(ctx, src)
	if err != nil {
		return nil, err
	}

	connCtx, cancel := context.WithCancel(ctx)
	conn := &udpConnection{assoc: assoc, cancel: cancel}

	go g.pumpUDPReplies(connCtx, assoc, src)

	return conn, nil
}

// pumpUDPReplies relays datagrams arriving on assoc back to the guest at
// src, answering as whatever destination the proxy reports, until ctx is
// canceled (by eviction) or the association errors out.
func (g *Gateway) pumpUDPReplies(ctx context.Context, assoc proxyclient.UDPAssociation, src netip.AddrPort) {
	defer assoc.Close()
	buf := make([]byte, 65535)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, from, err := assoc.RecvFrom(ctx, buf)
		if err != nil {
			return
		}

		reply := socket.OwnedUdp{
			Src:  from,
			Dst:  src,
			Data: append([]byte(nil), buf[:n]...),
		}
		if err := g.udp.Send(ctx, reply); err != nil {
			fmt.Printf("gateway: relay reply to %s failed: %v\n", src, err)
			return
		}
	}
}
