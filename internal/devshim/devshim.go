// Package devshim bridges a gVisor channel.Endpoint to the raw Ethernet
// frame channels produced and consumed by internal/rawnet.
package devshim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// ErrPacketOversized names the oversized-packet condition. This package
// does not return it: frameFromPacketBytes returns nil for an outbound
// packet that would exceed the MTU, and PumpOutbound skips that packet
// without a warning and without counting it in Dropped.
var ErrPacketOversized = errors.New("devshim: packet exceeds configured MTU")

const ethTypeIPv4 = 0x0800

// Shim pumps frames between a gVisor channel endpoint and a pair of raw
// Ethernet-frame channels.
type Shim struct {
	ep       *channel.Endpoint
	localMAC net.HardwareAddr
	guestMAC atomic.Pointer[net.HardwareAddr]
	mtu      uint32
	dropped  atomic.Uint64
}

// New wraps ep, synthesizing Ethernet headers with srcMAC as the source
// hardware address for every outbound frame.
func New(ep *channel.Endpoint, srcMAC net.HardwareAddr, mtu uint32) *Shim {
	return &Shim{ep: ep, localMAC: srcMAC, mtu: mtu}
}

// Dropped returns the number of outbound frames dropped because the
// consumer channel was full.
func (s *Shim) Dropped() uint64 { return s.dropped.Load() }

// PumpInbound strips Ethernet framing from frames arriving on inbound and
// injects their payload into the embedded stack. It returns when inbound
// is closed or ctx is done.
func (s *Shim) PumpInbound(ctx context.Context, inbound <-chan []byte) {
	for {
		select {
		case frame, ok := <-inbound:
			if !ok {
				return
			}
			s.injectFrame(frame)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Shim) injectFrame(frame []byte) {
	if len(frame) <= 14 {
		return
	}
	etherType := uint16(frame[12])<<8 | uint16(frame[13])
	if etherType != ethTypeIPv4 {
		return
	}

	srcMAC := make(net.HardwareAddr, 6)
	copy(srcMAC, frame[6:12])
	s.guestMAC.Store(&srcMAC)

	payload := make([]byte, len(frame)-14)
	copy(payload, frame[14:])

	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(payload),
	})
	s.ep.InjectInbound(ipv4.ProtocolNumber, pkt)
	pkt.DecRef()
}

// PumpOutbound reads packets leaving the embedded stack, prepends a
// synthesized Ethernet header, and forwards the frame to outbound. When
// outbound is full the frame is dropped and a warning is logged — unlike
// PumpInbound, the outbound path never backpressures the stack.
func (s *Shim) PumpOutbound(ctx context.Context, outbound chan<- []byte) {
	for {
		pkt := s.ep.ReadContext(ctx)
		if pkt == nil {
			return
		}

		frame := s.frameFromPacket(pkt)
		pkt.DecRef()
		if frame == nil {
			continue
		}

		select {
		case outbound <- frame:
		default:
			s.dropped.Add(1)
			fmt.Printf("devshim: dropped outbound frame, consumer channel full (total dropped: %d)\n", s.dropped.Load())
		}
	}
}

func (s *Shim) frameFromPacket(pkt *stack.PacketBuffer) []byte {
	return s.frameFromPacketBytes(pkt.ToView().AsSlice())
}

// frameFromPacketBytes prepends a synthesized Ethernet header onto
// payload, or returns nil if the resulting frame would exceed the
// configured MTU. Split out from frameFromPacket so the framing logic is
// testable without constructing a real gVisor packet buffer.
func (s *Shim) frameFromPacketBytes(payload []byte) []byte {
	if uint32(len(payload)+14) > s.mtu {
		return nil
	}

	frame := make([]byte, 14+len(payload))
	if dst := s.guestMAC.Load(); dst != nil {
		copy(frame[0:6], *dst)
	}
	copy(frame[6:12], s.localMAC)
	binary.BigEndian.PutUint16(frame[12:14], ethTypeIPv4)
	copy(frame[14:], payload)
	return frame
}
