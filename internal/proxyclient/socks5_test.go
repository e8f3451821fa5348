package proxyclient

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeSocks5Server accepts one control connection, performs the no-auth
// handshake, and replies to a UDP ASSOCIATE request with relayAddr.
func fakeSocks5Server(t *testing.T, relayAddr *net.UDPAddr) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		methodReq := make([]byte, 3)
		if _, err := readFull(conn, methodReq); err != nil {
			return
		}
		conn.Write([]byte{socks5Version, 0x00})

		req := make([]byte, 10)
		if _, err := readFull(conn, req); err != nil {
			return
		}

		reply := []byte{socks5Version, socks5ReplySuccess, 0x00, socks5AtypIPv4}
		ip4 := relayAddr.IP.To4()
		reply = append(reply, ip4...)
		portBuf := make([]byte, 2)
		portBuf[0] = byte(relayAddr.Port >> 8)
		portBuf[1] = byte(relayAddr.Port)
		reply = append(reply, portBuf...)
		conn.Write(reply)

		// Keep the control connection open for the lifetime of the
		// association, as RFC 1928 §7 requires; the test closes it.
		buf := make([]byte, 1)
		conn.Read(buf)
	}()

	return ln.Addr().String()
}

func TestSocks5AssociateParsesRelayAddress(t *testing.T) {
	relayConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer relayConn.Close()
	relayAddr := relayConn.LocalAddr().(*net.UDPAddr)

	proxyAddr := fakeSocks5Server(t, relayAddr)

	ctrl, err := net.DialTimeout("tcp", proxyAddr, time.Second)
	require.NoError(t, err)
	defer ctrl.Close()

	require.NoError(t, socks5Handshake(ctrl))

	local := netip.MustParseAddrPort("192.168.0.5:4000")
	got, err := socks5Associate(ctrl, local)
	require.NoError(t, err)
	require.Equal(t, relayAddr.Port, got.Port)
	require.True(t, got.IP.Equal(relayAddr.IP))
}

func TestSocks5SendToPrependsTenByteHeader(t *testing.T) {
	dst := netip.MustParseAddrPort("8.8.8.8:53")

	relay, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer relay.Close()

	sender, err := net.DialUDP("udp", nil, relay.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer sender.Close()

	assoc := &socks5UDPAssoc{conn: sender}
	payload := []byte("hello relay")

	done := make(chan struct{})
	var gotPayload []byte
	go func() {
		buf := make([]byte, 512)
		n, _, rerr := relay.ReadFromUDP(buf)
		require.NoError(t, rerr)
		gotPayload = append([]byte(nil), buf[:n]...)
		close(done)
	}()

	require.NoError(t, assoc.SendTo(context.Background(), payload, dst))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay never received datagram")
	}

	require.GreaterOrEqual(t, len(gotPayload), 10+len(payload))
	require.Equal(t, payload, gotPayload[10:])
}
