// Package socket implements the gateway's socket surface on top of raw
// gVisor transport endpoints: a always-present TCP listener, per-flow TCP
// sockets, and a single any-port UDP socket, all tracked in one handle set.
package socket

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	cfg "github.com/lanbridge/gatewayd/internal/config"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

// ErrClosed is returned by operations on a socket that has been closed.
var ErrClosed = errors.New("socket: closed")

// Handle identifies one tracked socket within a Set.
type Handle uint64

// Set is the single mutex-guarded registry of every socket the gateway
// has opened, whether a listener, an accepted TCP flow, or the UDP
// wildcard socket. It exists so the rest of the system, and its tests,
// can observe "how many sockets are open" without reaching into gVisor.
type Set struct {
	mu      sync.Mutex
	next    Handle
	entries map[Handle]string
}

// NewSet creates an empty socket set.
func NewSet() *Set {
	return &Set{entries: make(map[Handle]string)}
}

func (s *Set) add(kind string) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	h := s.next
	s.entries[h] = kind
	return h
}

func (s *Set) remove(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, h)
}

// Len returns the number of currently tracked sockets.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Kinds returns a snapshot of handle->kind, for tests and diagnostics.
func (s *Set) Kinds() map[Handle]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Handle]string, len(s.entries))
	for h, k := range s.entries {
		out[h] = k
	}
	return out
}

// TcpListener accepts inbound TCP flows for every destination port on the
// reactor's NIC. Internally this is a tcp.Forwarder: gVisor creates a
// fresh endpoint per SYN, so — unlike a single reusable listening socket —
// there is no "replace the listener after accept" step to get wrong; the
// forwarder always has room for the next handshake up to maxInFlight.
type TcpListener struct {
	set      *Set
	handle   Handle
	accepted chan *TcpSocket
}

// NewTcpListener installs a TCP forwarder on s that accepts every
// inbound segment not claimed by an existing TcpSocket.
func NewTcpListener(s *stack.Stack, set *Set, maxInFlight int) *TcpListener {
	l := &TcpListener{
		set:      set,
		handle:   set.add("tcp-listener"),
		accepted: make(chan *TcpSocket, maxInFlight),
	}

	fwd := tcp.NewForwarder(s, cfg.RcvBuf, maxInFlight, func(r *tcp.ForwarderRequest) {
		var wq waiter.Queue
		ep, err := r.CreateEndpoint(&wq)
		if err != nil {
			r.Complete(true)
			return
		}
		r.Complete(false)

		sock := newTcpSocket(set, ep, &wq)
		select {
		case l.accepted <- sock:
		default:
			fmt.Printf("socket: accept backlog full, dropping inbound connection from %s\n", r.ID().RemoteAddress)
			sock.Close()
		}
	})
	s.SetTransportProtocolHandler(tcp.ProtocolNumber, fwd.HandlePacket)

	return l
}

// Accept blocks until a new TCP flow has completed its handshake, or ctx
// is done.
func (l *TcpListener) Accept(ctx context.Context) (*TcpSocket, error) {
	select {
	case sock := <-l.accepted:
		return sock, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TcpSocket is one accepted TCP flow. Read and Write are delegated to
// gvisor's own gonet.TCPConn rather than driven by hand against the raw
// endpoint: gonet already bounds each Read to the caller's buffer and
// leaves whatever doesn't fit queued in the endpoint for the next call,
// which a naive Endpoint.Read(io.Writer, ...) into an unbounded
// bytes.Buffer does not.
type TcpSocket struct {
	set    *Set
	handle Handle
	conn   *gonet.TCPConn
}

func newTcpSocket(set *Set, ep tcpip.Endpoint, wq *waiter.Queue) *TcpSocket {
	return &TcpSocket{
		set:    set,
		handle: set.add("tcp-flow"),
		conn:   gonet.NewTCPConn(wq, ep),
	}
}

// Handle returns this socket's registry handle.
func (t *TcpSocket) Handle() Handle { return t.handle }

// Read blocks until data is available, the peer closes the connection,
// or the socket is closed.
func (t *TcpSocket) Read(b []byte) (int, error) { return t.conn.Read(b) }

// Write blocks until the write completes, the socket is closed, or a
// fatal endpoint error occurs.
func (t *TcpSocket) Write(b []byte) (int, error) { return t.conn.Write(b) }

// Close releases the handle and the underlying connection. Safe to call
// more than once.
func (t *TcpSocket) Close() error {
	t.set.remove(t.handle)
	return t.conn.Close()
}

// LocalAddr and PeerAddr report the endpoint's bound/connected addresses.
func (t *TcpSocket) LocalAddr() netip.AddrPort { return addrPortOf(t.conn.LocalAddr()) }
func (t *TcpSocket) PeerAddr() netip.AddrPort  { return addrPortOf(t.conn.RemoteAddr()) }

func addrPortOf(addr net.Addr) netip.AddrPort {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	ip, ok := netip.AddrFromSlice(tcpAddr.IP.To4())
	if !ok {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(ip, uint16(tcpAddr.Port))
}

// OwnedUdp is one datagram received off the wildcard UDP socket, carrying
// the original 5-tuple so a reply can answer as the original destination.
type OwnedUdp struct {
	Src  netip.AddrPort
	Dst  netip.AddrPort
	Data []byte
}

// UdpSocket is the single any-port UDP endpoint: every datagram in the
// managed subnet not claimed by a bound endpoint reaches it, the
// gVisor-native equivalent of a wildcard socket bound to 0.0.0.0:0.
type UdpSocket struct {
	set      *Set
	handle   Handle
	stack    *stack.Stack
	recv     chan OwnedUdp
	dropped  atomic.Uint64
}

// NewUdpSocket installs a UDP forwarder on s.
func NewUdpSocket(s *stack.Stack, set *Set, recvBuf int) *UdpSocket {
	u := &UdpSocket{
		set:    set,
		handle: set.add("udp-wildcard"),
		stack:  s,
		recv:   make(chan OwnedUdp, recvBuf),
	}

	fwd := udp.NewForwarder(s, func(r *udp.ForwarderRequest) {
		var wq waiter.Queue
		ep, err := r.CreateEndpoint(&wq)
		if err != nil {
			return
		}
		defer ep.Close()

		local, lerr := ep.GetLocalAddress()
		if lerr != nil {
			return
		}

		var buf bytes.Buffer
		res, rerr := ep.Read(&buf, tcpip.ReadOptions{NeedRemoteAddr: true})
		if rerr != nil {
			return
		}

		srcAddr, _ := netip.AddrFromSlice(res.RemoteAddr.Addr.AsSlice())
		dstAddr, _ := netip.AddrFromSlice(local.Addr.AsSlice())

		datagram := OwnedUdp{
			Src:  netip.AddrPortFrom(srcAddr, res.RemoteAddr.Port),
			Dst:  netip.AddrPortFrom(dstAddr, local.Port),
			Data: buf.Bytes(),
		}

		select {
		case u.recv <- datagram:
		default:
			u.dropped.Add(1)
		}
	})
	s.SetTransportProtocolHandler(udp.ProtocolNumber, fwd.HandlePacket)

	return u
}

// Recv blocks until a datagram arrives or ctx is done.
func (u *UdpSocket) Recv(ctx context.Context) (OwnedUdp, error) {
	select {
	case d := <-u.recv:
		return d, nil
	case <-ctx.Done():
		return OwnedUdp{}, ctx.Err()
	}
}

// Dropped reports datagrams dropped because the receive queue was full.
func (u *UdpSocket) Dropped() uint64 { return u.dropped.Load() }

// Send emits d to d.Dst as though originating from d.Src, so a reply built
// as {Src: remote, Dst: guest} reaches the guest from the remote's address.
func (u *UdpSocket) Send(ctx context.Context, d OwnedUdp) error {
	var wq waiter.Queue
	ep, terr := u.stack.NewEndpoint(udp.ProtocolNumber, ipv4.ProtocolNumber, &wq)
	if terr != nil {
		return fmt.Errorf("socket: udp reply endpoint: %s", terr)
	}
	defer ep.Close()

	if terr := ep.Bind(tcpip.FullAddress{Addr: tcpip.AddrFromSlice(d.Src.Addr().AsSlice()), Port: d.Src.Port()}); terr != nil {
		return fmt.Errorf("socket: udp reply bind: %s", terr)
	}

	dstAddr := tcpip.FullAddress{Addr: tcpip.AddrFromSlice(d.Dst.Addr().AsSlice()), Port: d.Dst.Port()}
	_, terr = ep.Write(bytes.NewReader(d.Data), tcpip.WriteOptions{To: &dstAddr})
	if terr != nil {
		return fmt.Errorf("socket: udp reply write: %s", terr)
	}
	return nil
}
