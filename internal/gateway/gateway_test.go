package gateway

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanbridge/gatewayd/internal/proxyclient"
	"github.com/lanbridge/gatewayd/internal/socket"
)

// fakeAssociation is a no-op UDPAssociation that records whether it was
// closed, standing in for a real SOCKS5 relay in eviction tests.
type fakeAssociation struct {
	closed chan struct{}
}

func newFakeAssociation() *fakeAssociation {
	return &fakeAssociation{closed: make(chan struct{})}
}

func (f *fakeAssociation) SendTo(ctx context.Context, b []byte, dst netip.AddrPort) error {
	return nil
}

func (f *fakeAssociation) RecvFrom(ctx context.Context, b []byte) (int, netip.AddrPort, error) {
	<-ctx.Done()
	return 0, netip.AddrPort{}, ctx.Err()
}

func (f *fakeAssociation) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

type fakeDialer struct {
	assocs map[netip.AddrPort]*fakeAssociation
}

func (d *fakeDialer) DialTCP(ctx context.Context, remote netip.AddrPort) (net.Conn, error) {
	return nil, context.Canceled
}

func (d *fakeDialer) DialUDP(ctx context.Context, local netip.AddrPort) (proxyclient.UDPAssociation, error) {
	a := newFakeAssociation()
	if d.assocs == nil {
		d.assocs = make(map[netip.AddrPort]*fakeAssociation)
	}
	d.assocs[local] = a
	return a, nil
}

func TestLRUEvictionCancelsOnlyTheEvictedConversation(t *testing.T) {
	dialer := &fakeDialer{}
	g, err := New(dialer, nil, nil, 1) // size 1: second conversation evicts the first
	require.NoError(t, err)

	ctx := context.Background()
	srcA := netip.MustParseAddrPort("10.0.0.1:1111")
	srcB := netip.MustParseAddrPort("10.0.0.2:2222")
	dst := netip.MustParseAddrPort("93.184.216.34:80")

	g.routeUDP(ctx, socket.OwnedUdp{Src: srcA, Dst: dst, Data: []byte("x")})
	g.routeUDP(ctx, socket.OwnedUdp{Src: srcB, Dst: dst, Data: []byte("y")})

	assocA := dialer.assocs[srcA]
	assocB := dialer.assocs[srcB]
	require.NotNil(t, assocA)
	require.NotNil(t, assocB)

	select {
	case <-assocA.closed:
	case <-time.After(time.Second):
		t.Fatal("evicted conversation was never closed")
	}

	select {
	case <-assocB.closed:
		t.Fatal("surviving conversation must not be closed")
	default:
	}

	assert.Equal(t, 1, g.udpConns.Len())
	_, stillCached := g.udpConns.Peek(srcA)
	assert.False(t, stillCached)
	_, cached := g.udpConns.Peek(srcB)
	assert.True(t, cached)
}
