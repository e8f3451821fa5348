package proxyclient

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/proxy"
)

// ErrDialFailed wraps any failure to establish a proxy connection or
// association, whether at the TCP level or during the SOCKS5 handshake.
var ErrDialFailed = errors.New("proxyclient: dial to proxy failed")

const (
	socks5Version    = 0x05
	socks5CmdConnect = 0x01
	socks5CmdUDPAssoc = 0x03
	socks5AtypIPv4   = 0x01
	socks5ReplySuccess = 0x00
)

// SOCKS5 dials a SOCKS5 proxy for both the TCP and UDP halves of the
// Dialer contract. The TCP half is golang.org/x/net/proxy's own SOCKS5
// dialer; the UDP half is a direct RFC 1928 UDP ASSOCIATE implementation,
// since the retrieved example corpus has no reusable library for it.
type SOCKS5 struct {
	addr   string
	dialer proxy.Dialer
}

// NewSOCKS5 builds a Dialer that reaches the outside world through the
// SOCKS5 proxy listening at addr. auth may be nil for an unauthenticated
// proxy.
func NewSOCKS5(addr string, auth *proxy.Auth) (*SOCKS5, error) {
	d, err := proxy.SOCKS5("tcp", addr, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	return &SOCKS5{addr: addr, dialer: d}, nil
}

// DialTCP opens a CONNECT-mode stream to remote through the proxy.
func (s *SOCKS5) DialTCP(ctx context.Context, remote netip.AddrPort) (net.Conn, error) {
	type dialCtx interface {
		DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	}
	if cd, ok := s.dialer.(dialCtx); ok {
		conn, err := cd.DialContext(ctx, "tcp", remote.String())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
		}
		return conn, nil
	}
	conn, err := s.dialer.Dial("tcp", remote.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	return conn, nil
}

// DialUDP performs a SOCKS5 UDP ASSOCIATE for local (the flow's own
// source address, sent as the bind-hint the RFC calls for) and returns a
// live association the gateway's UDP connection can SendTo/RecvFrom
// through.
func (s *SOCKS5) DialUDP(ctx context.Context, local netip.AddrPort) (UDPAssociation, error) {
	ctrl, err := net.Dial("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: control connection: %v", ErrDialFailed, err)
	}

	if err := socks5Handshake(ctrl); err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}

	relay, err := socks5Associate(ctrl, local)
	if err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}

	udpConn, err := net.DialUDP("udp", nil, relay)
	if err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("%w: relay socket: %v", ErrDialFailed, err)
	}

	return &socks5UDPAssoc{ctrl: ctrl, conn: udpConn}, nil
}

// socks5Handshake performs the no-auth method negotiation (RFC 1928 §3).
func socks5Handshake(c net.Conn) error {
	if _, err := c.Write([]byte{socks5Version, 1, 0x00}); err != nil {
		return err
	}
	reply := make([]byte, 2)
	if _, err := readFull(c, reply); err != nil {
		return err
	}
	if reply[0] != socks5Version || reply[1] != 0x00 {
		return fmt.Errorf("proxyclient: unsupported auth method %d", reply[1])
	}
	return nil
}

// socks5Associate sends a UDP ASSOCIATE request (RFC 1928 §4-6) and
// returns the relay address the proxy wants datagrams sent to.
func socks5Associate(c net.Conn, local netip.AddrPort) (*net.UDPAddr, error) {
	req := make([]byte, 0, 10)
	req = append(req, socks5Version, socks5CmdUDPAssoc, 0x00, socks5AtypIPv4)
	ip4 := local.Addr().As4()
	req = append(req, ip4[:]...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], local.Port())
	req = append(req, portBuf[:]...)

	if _, err := c.Write(req); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := readFull(c, header); err != nil {
		return nil, err
	}
	if header[0] != socks5Version {
		return nil, fmt.Errorf("proxyclient: bad SOCKS version in reply")
	}
	if header[1] != socks5ReplySuccess {
		return nil, fmt.Errorf("proxyclient: UDP ASSOCIATE rejected, code %d", header[1])
	}

	addr, err := readSocks5Addr(c, header[3])
	if err != nil {
		return nil, err
	}
	return addr, nil
}

func readSocks5Addr(c net.Conn, atyp byte) (*net.UDPAddr, error) {
	switch atyp {
	case socks5AtypIPv4:
		buf := make([]byte, 4+2)
		if _, err := readFull(c, buf); err != nil {
			return nil, err
		}
		return &net.UDPAddr{IP: net.IP(buf[:4]), Port: int(binary.BigEndian.Uint16(buf[4:6]))}, nil
	case 0x03: // domain name
		lenBuf := make([]byte, 1)
		if _, err := readFull(c, lenBuf); err != nil {
			return nil, err
		}
		buf := make([]byte, int(lenBuf[0])+2)
		if _, err := readFull(c, buf); err != nil {
			return nil, err
		}
		host := string(buf[:len(buf)-2])
		port := int(binary.BigEndian.Uint16(buf[len(buf)-2:]))
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return nil, fmt.Errorf("proxyclient: resolve relay host %q: %v", host, err)
		}
		return &net.UDPAddr{IP: ips[0], Port: port}, nil
	case 0x04: // IPv6
		buf := make([]byte, 16+2)
		if _, err := readFull(c, buf); err != nil {
			return nil, err
		}
		return &net.UDPAddr{IP: net.IP(buf[:16]), Port: int(binary.BigEndian.Uint16(buf[16:18]))}, nil
	default:
		return nil, fmt.Errorf("proxyclient: unsupported address type %d", atyp)
	}
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		c.SetReadDeadline(time.Now().Add(30 * time.Second))
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// socks5UDPAssoc is a live UDP ASSOCIATE session. The control connection
// must stay open for the lifetime of the association per RFC 1928 §7;
// closing it tells the proxy to tear down the relay.
type socks5UDPAssoc struct {
	ctrl net.Conn
	conn *net.UDPConn
}

// SendTo wraps b in a SOCKS5 UDP request header (RFC 1928 §7) addressed
// to dst and sends it to the relay.
func (a *socks5UDPAssoc) SendTo(ctx context.Context, b []byte, dst netip.AddrPort) error {
	header := make([]byte, 0, 10+len(b))
	header = append(header, 0x00, 0x00, 0x00, socks5AtypIPv4)
	ip4 := dst.Addr().As4()
	header = append(header, ip4[:]...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], dst.Port())
	header = append(header, portBuf[:]...)
	header = append(header, b...)

	if dl, ok := ctx.Deadline(); ok {
		a.conn.SetWriteDeadline(dl)
	}
	_, err := a.conn.Write(header)
	return err
}

// RecvFrom reads one relayed datagram and strips its SOCKS5 UDP header,
// reporting the original source address it carried.
func (a *socks5UDPAssoc) RecvFrom(ctx context.Context, b []byte) (int, netip.AddrPort, error) {
	if dl, ok := ctx.Deadline(); ok {
		a.conn.SetReadDeadline(dl)
	}
	buf := make([]byte, len(b)+262)
	n, err := a.conn.Read(buf)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	if n < 4 {
		return 0, netip.AddrPort{}, fmt.Errorf("proxyclient: short UDP relay datagram")
	}

	atyp := buf[3]
	off := 4
	var src netip.AddrPort
	switch atyp {
	case socks5AtypIPv4:
		if n < off+6 {
			return 0, netip.AddrPort{}, fmt.Errorf("proxyclient: truncated IPv4 relay header")
		}
		addr := netip.AddrFrom4([4]byte(buf[off : off+4]))
		port := binary.BigEndian.Uint16(buf[off+4 : off+6])
		src = netip.AddrPortFrom(addr, port)
		off += 6
	default:
		return 0, netip.AddrPort{}, fmt.Errorf("proxyclient: unsupported relay address type %d", atyp)
	}

	payload := buf[off:n]
	copied := copy(b, payload)
	return copied, src, nil
}

func (a *socks5UDPAssoc) Close() error {
	a.conn.Close()
	return a.ctrl.Close()
}
