package devshim

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameFromPacketDropsOversizedPayload(t *testing.T) {
	s := &Shim{
		localMAC: net.HardwareAddr{0, 1, 2, 3, 4, 5},
		mtu:      100,
	}

	payload := make([]byte, 200)
	frame := s.frameFromPacketBytes(payload)
	assert.Nil(t, frame, "oversized payload must be dropped, not truncated")
}

func TestFrameFromPacketPrependsEthernetHeader(t *testing.T) {
	guest := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	s := &Shim{
		localMAC: net.HardwareAddr{0, 1, 2, 3, 4, 5},
		mtu:      1536,
	}
	s.guestMAC.Store(&guest)

	payload := []byte{1, 2, 3, 4}
	frame := s.frameFromPacketBytes(payload)
	require.NotNil(t, frame)
	assert.Equal(t, guest, net.HardwareAddr(frame[0:6]))
	assert.Equal(t, s.localMAC, net.HardwareAddr(frame[6:12]))
	assert.Equal(t, uint16(ethTypeIPv4), uint16(frame[12])<<8|uint16(frame[13]))
	assert.Equal(t, payload, frame[14:])
}

// Mirrors PumpOutbound's non-blocking send against a full channel and
// checks that Dropped reports the counter it increments.
func TestDroppedReportsCounterAfterFullChannelSend(t *testing.T) {
	s := &Shim{localMAC: net.HardwareAddr{0, 1, 2, 3, 4, 5}, mtu: 1536}
	out := make(chan []byte) // unbuffered and undrained: every send must drop

	select {
	case out <- []byte{1}:
		t.Fatal("unexpected send succeeded on an undrained channel")
	default:
		s.dropped.Add(1)
	}

	assert.Equal(t, uint64(1), s.Dropped())
}
