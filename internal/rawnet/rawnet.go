// Package rawnet adapts a physical network interface to two byte-frame
// channels using libpcap, so the rest of the gateway never has to deal
// with a specific capture backend.
package rawnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"runtime"
	"strings"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

var (
	ErrWrongDataLink       = errors.New("rawnet: interface does not provide an Ethernet data link")
	ErrPermissionDenied    = errors.New("rawnet: permission denied opening interface")
	ErrNotFound            = errors.New("rawnet: interface not found")
	ErrAddressLookupFailed = errors.New("rawnet: failed to resolve interface hardware address")
)

const (
	snapLen    = 65535
	readTimeout = time.Second
	inboundBuf  = 1024
	outboundBuf = 1024
)

// InterfaceDescription is the information Enumerate returns for each
// capture-capable NIC on the host.
type InterfaceDescription struct {
	Name        string
	Description string
}

// Enumerate lists the interfaces this host can open for capture.
func Enumerate() ([]InterfaceDescription, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return nil, fmt.Errorf("rawnet: enumerate interfaces: %w", err)
	}
	out := make([]InterfaceDescription, 0, len(devs))
	for _, d := range devs {
		out = append(out, InterfaceDescription{Name: d.Name, Description: d.Description})
	}
	return out, nil
}

// RawInterface is an opened capture+inject handle on one physical NIC.
type RawInterface struct {
	name   string
	handle *pcap.Handle
	mac    net.HardwareAddr

	inbound  chan []byte
	outbound chan []byte
}

// Open opens desc for capture, installing a BPF filter that restricts
// capture to traffic on network, and verifies the link type is Ethernet.
func Open(desc InterfaceDescription, network netip.Prefix) (*RawInterface, error) {
	handle, err := pcap.OpenLive(desc.Name, snapLen, true, readTimeout)
	if err != nil {
		return nil, classifyOpenErr(desc.Name, err)
	}

	if handle.LinkType() != layers.LinkTypeEthernet {
		handle.Close()
		return nil, fmt.Errorf("%w: %s reports link type %s", ErrWrongDataLink, desc.Name, handle.LinkType())
	}

	filter := filterFor(network)
	if err := handle.SetBPFFilter(filter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("rawnet: install filter %q on %s: %w", filter, desc.Name, err)
	}

	iface, err := net.InterfaceByName(desc.Name)
	if err != nil {
		handle.Close()
		return nil, fmt.Errorf("%w: %v", ErrAddressLookupFailed, err)
	}

	return &RawInterface{
		name:     desc.Name,
		handle:   handle,
		mac:      iface.HardwareAddr,
		inbound:  make(chan []byte, inboundBuf),
		outbound: make(chan []byte, outboundBuf),
	}, nil
}

// filterFor builds the pcap BPF filter expression restricting capture to
// traffic on network.
func filterFor(network netip.Prefix) string {
	return fmt.Sprintf("net %s", network.String())
}

func classifyOpenErr(name string, err error) error {
	switch {
	case errors.Is(err, pcap.CannotSetRFMon):
		return fmt.Errorf("%w: %s: %v", ErrWrongDataLink, name, err)
	case errors.Is(err, pcap.NoSuchDevice):
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	case strings.Contains(strings.ToLower(err.Error()), "permission"),
		strings.Contains(strings.ToLower(err.Error()), "not permitted"):
		return fmt.Errorf("%w: %s: %v", ErrPermissionDenied, name, err)
	default:
		return fmt.Errorf("rawnet: open %s: %w", name, err)
	}
}

// HardwareAddr returns the adapter's MAC address.
func (r *RawInterface) HardwareAddr() net.HardwareAddr { return r.mac }

// Start begins capturing and injecting frames, applying the given
// Intercepter to each captured frame before it is handed to inbound.
// It returns the channels the Device Shim pumps against; the returned
// outbound channel must be drained or writes will drop.
//
// The capture loop owns a dedicated, OS-thread-pinned goroutine: libpcap's
// blocking read is not cooperative with the Go scheduler the way a
// channel wait is.
func (r *RawInterface) Start(ctx context.Context, intercepter Intercepter) (<-chan []byte, chan<- []byte) {
	go r.captureLoop(ctx, intercepter)
	go r.injectLoop(ctx)
	return r.inbound, r.outbound
}

func (r *RawInterface) captureLoop(ctx context.Context, intercepter Intercepter) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(r.inbound)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		data, _, err := r.handle.ReadPacketData()
		if err != nil {
			if errors.Is(err, pcap.NextErrorTimeoutExpired) {
				continue
			}
			return
		}

		frame := make([]byte, len(data))
		copy(frame, data)

		if intercepter != nil && intercepter.Intercept(frame) == Consumed {
			continue
		}

		// Inbound backpressures the capture thread by design: frames must
		// be delivered in capture order, never dropped.
		select {
		case r.inbound <- frame:
		case <-ctx.Done():
			return
		}
	}
}

func (r *RawInterface) injectLoop(ctx context.Context) {
	for {
		select {
		case frame, ok := <-r.outbound:
			if !ok {
				return
			}
			if err := r.handle.WritePacketData(frame); err != nil {
				fmt.Printf("rawnet: write to %s failed: %v\n", r.name, err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close releases the underlying capture handle.
func (r *RawInterface) Close() {
	r.handle.Close()
}

// Verdict is the result of intercepting a captured frame.
type Verdict int

const (
	// Pass lets the frame continue to the embedded stack.
	Pass Verdict = iota
	// Consumed means the frame was fully handled and must not be delivered.
	Consumed
)

// Intercepter inspects captured frames before they reach the embedded
// stack, letting a caller answer some traffic (DHCP, mDNS, ...) without
// routing it through the gateway at all.
type Intercepter interface {
	Intercept(frame []byte) Verdict
}

// PassAll is the default Intercepter: every frame is passed through.
type PassAll struct{}

func (PassAll) Intercept([]byte) Verdict { return Pass }
