// Package cfg holds the gateway's network and performance configuration.
package cfg

import (
	"fmt"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
)

// Fixed parameters of the embedded stack. These mirror constraints of the
// original smoltcp-based gateway: fixed MTU, no window scaling assumed,
// single NIC per stack instance.
const (
	NicID   = tcpip.NICID(1)
	MTU     = 1536
	RcvBuf  = 2048 // per-direction TCP buffer size in bytes
	MaxSYNBacklog = 256

	EthHeaderSize = 14

	DefaultUDPCacheSize = 100
)

// Config is the fully resolved set of parameters a gateway instance runs
// with, assembled by the command entrypoint from flags, environment and an
// optional config file.
type Config struct {
	// Interface is the name of the physical NIC to capture on (e.g. "eth0").
	Interface string

	// Network is the LAN subnet the gateway answers for (any-ip).
	Network netip.Prefix

	// GatewayAddr is the address ARP/route traffic is anchored to on the
	// virtual NIC.
	GatewayAddr netip.Addr

	// ProxyAddr is the SOCKS5 proxy the gateway forwards accepted flows to.
	ProxyAddr string

	// UDPCacheSize bounds the number of concurrently tracked UDP flows.
	UDPCacheSize int

	// BPFFilter, if set, replaces the default "net <cidr>" expression that
	// Filter reports. rawnet.Open does not read it: the filter installed on
	// the capture handle is always "net <cidr>".
	BPFFilter string
}

// Validate reports the first configuration error found, if any.
func (c Config) Validate() error {
	if c.Interface == "" {
		return fmt.Errorf("config: interface name is required")
	}
	if !c.Network.IsValid() {
		return fmt.Errorf("config: network prefix is required")
	}
	if !c.GatewayAddr.IsValid() {
		return fmt.Errorf("config: gateway address is required")
	}
	if c.ProxyAddr == "" {
		return fmt.Errorf("config: proxy address is required")
	}
	if c.UDPCacheSize <= 0 {
		return fmt.Errorf("config: udp cache size must be positive")
	}
	return nil
}

// Filter returns the configured filter expression: BPFFilter if set,
// otherwise "net <cidr>" for Network.
func (c Config) Filter() string {
	if c.BPFFilter != "" {
		return c.BPFFilter
	}
	return fmt.Sprintf("net %s", c.Network.String())
}
