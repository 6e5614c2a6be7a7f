package dispatch

import (
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/dispatch/pkg/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGossipDiscovery(t *testing.T) {
	const advertised = "10.0.0.1:2005"

	analyzer, err := NewGossipDiscovery(NewRegistry(nil), GossipConfig{
		NodeName: "security-1",
		BindAddr: "127.0.0.1",
		Advertise: &ServiceMeta{
			Service: envelope.ServiceSecurityAnalyzer,
			Addr:    advertised,
		},
		LogHandler:   testLogHandler("security-1"),
		MetricLabels: []metrics.Label{{Name: "node", Value: "security-1"}},
	})
	require.NoError(t, err)
	defer analyzer.Shutdown()

	reg := NewRegistry(nil)
	gateway, err := NewGossipDiscovery(reg, GossipConfig{
		NodeName:   "gateway-1",
		BindAddr:   "127.0.0.1",
		Neighbours: []string{analyzer.LocalAddr()},
		LogHandler: testLogHandler("gateway-1"),
	})
	require.NoError(t, err)
	defer gateway.Shutdown()

	require.Eventually(t, func() bool {
		_, ok := reg.Lookup(envelope.ServiceSecurityAnalyzer, advertised)
		return ok
	}, 5*time.Second, 20*time.Millisecond, "advertised analyzer should be registered")

	members := gateway.Members()
	assert.Equal(t, ServiceMeta{Service: envelope.ServiceSecurityAnalyzer, Addr: advertised}, members["security-1"])
	assert.NotContains(t, members, "gateway-1", "nodes without a service are not tracked")

	require.NoError(t, analyzer.Leave(time.Second))
	require.Eventually(t, func() bool {
		_, ok := reg.Lookup(envelope.ServiceSecurityAnalyzer, advertised)
		return !ok
	}, 5*time.Second, 20*time.Millisecond, "departed analyzer should be removed")
	assert.Empty(t, gateway.Members())
}

func TestGossipDiscoveryRejectsInvalidAdvertise(t *testing.T) {
	_, err := NewGossipDiscovery(NewRegistry(nil), GossipConfig{
		BindAddr:  "127.0.0.1",
		Advertise: &ServiceMeta{Service: envelope.ServiceSecurityAnalyzer, Addr: "nowhere"},
	})
	require.ErrorIs(t, err, ErrInvalidCfg)
}
