package cfg

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func validConfig() Config {
	return Config{
		Interface:    "eth0",
		Network:      netip.MustParsePrefix("192.168.0.0/24"),
		GatewayAddr:  netip.MustParseAddr("192.168.0.1"),
		ProxyAddr:    "127.0.0.1:1080",
		UDPCacheSize: 100,
	}
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidateRejectsMissingInterface(t *testing.T) {
	c := validConfig()
	c.Interface = ""
	assert.Error(t, c.Validate())
}

func TestValidateRejectsZeroUDPCacheSize(t *testing.T) {
	c := validConfig()
	c.UDPCacheSize = 0
	assert.Error(t, c.Validate())
}

func TestFilterDefaultsToNetworkCIDR(t *testing.T) {
	c := validConfig()
	assert.Equal(t, "net 192.168.0.0/24", c.Filter())
}

func TestFilterHonorsOverride(t *testing.T) {
	c := validConfig()
	c.BPFFilter = "tcp or udp"
	assert.Equal(t, "tcp or udp", c.Filter())
}
