package rawnet

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterForBuildsNetFilter(t *testing.T) {
	prefix := netip.MustParsePrefix("192.168.0.0/24")
	assert.Equal(t, "net 192.168.0.0/24", filterFor(prefix))
}

func TestPassAllPassesEveryFrame(t *testing.T) {
	var i PassAll
	assert.Equal(t, Pass, i.Intercept([]byte("anything")))
	assert.Equal(t, Pass, i.Intercept(nil))
}

type consumeAll struct{}

func (consumeAll) Intercept([]byte) Verdict { return Consumed }

func TestConsumedVerdictDiffersFromPass(t *testing.T) {
	var c consumeAll
	require.Equal(t, Consumed, c.Intercept([]byte{0x01}))
	require.NotEqual(t, Pass, c.Intercept([]byte{0x01}))
}
