package balancer

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpcfleet/rpc_router/internal/config"
)

func testBackends() []config.BackendConfig {
	return []config.BackendConfig{
		{Label: "a", URL: "http://a.example.com", WSURL: "ws://a.example.com", Weight: 2},
		{Label: "b", URL: "http://b.example.com", Weight: 3},
		{Label: "c", URL: "http://c.example.com", WSURL: "ws://c.example.com", Weight: 1},
	}
}

func newTestBalancer(routes map[string]string) *Balancer {
	return New(testBackends(), routes, rand.New(rand.NewSource(1)))
}

func TestNew_BackendsStartHealthy(t *testing.T) {
	bal := newTestBalancer(nil)

	require.Len(t, bal.Backends(), 3)
	for _, b := range bal.Backends() {
		assert.True(t, b.Healthy())
	}
}

func TestSelect_NeverReturnsUnhealthy(t *testing.T) {
	bal := newTestBalancer(nil)
	bal.Lookup("a").SetHealthy(false)
	bal.Lookup("c").SetHealthy(false)

	for i := 0; i < 100; i++ {
		b := bal.Select("")
		require.NotNil(t, b)
		assert.Equal(t, "b", b.Label)
	}
}

func TestSelect_AllUnhealthyReturnsNil(t *testing.T) {
	bal := newTestBalancer(nil)
	for _, b := range bal.Backends() {
		b.SetHealthy(false)
	}

	assert.Nil(t, bal.Select(""))
	assert.Nil(t, bal.Select("getSlot"))
}

func TestSelect_MethodPinHealthy(t *testing.T) {
	bal := newTestBalancer(map[string]string{"getSlot": "c"})

	// A healthy pin is deterministic.
	for i := 0; i < 50; i++ {
		b := bal.Select("getSlot")
		require.NotNil(t, b)
		assert.Equal(t, "c", b.Label)
	}
}

func TestSelect_MethodPinUnhealthyFallsBack(t *testing.T) {
	bal := newTestBalancer(map[string]string{"getSlot": "c"})
	bal.Lookup("c").SetHealthy(false)

	seen := map[string]int{}
	for i := 0; i < 200; i++ {
		b := bal.Select("getSlot")
		require.NotNil(t, b)
		assert.NotEqual(t, "c", b.Label)
		seen[b.Label]++
	}
	// Fallback is weighted random over the healthy rest, not an error.
	assert.Greater(t, seen["a"], 0)
	assert.Greater(t, seen["b"], 0)
}

func TestSelect_UnroutedMethodUsesWeightedSelection(t *testing.T) {
	bal := newTestBalancer(map[string]string{"getSlot": "c"})

	seen := map[string]int{}
	for i := 0; i < 300; i++ {
		b := bal.Select("getBalance")
		require.NotNil(t, b)
		seen[b.Label]++
	}
	assert.Len(t, seen, 3)
}

func TestSelect_WeightedDistribution(t *testing.T) {
	bal := newTestBalancer(nil)

	const draws = 10000
	counts := map[string]int{}
	for i := 0; i < draws; i++ {
		b := bal.Select("")
		require.NotNil(t, b)
		counts[b.Label]++
	}

	// Weights 2/3/1: expected shares 1/3, 1/2, 1/6 within ±2 points.
	expected := map[string]float64{"a": 2.0 / 6.0, "b": 3.0 / 6.0, "c": 1.0 / 6.0}
	for label, want := range expected {
		got := float64(counts[label]) / draws
		assert.LessOrEqual(t, math.Abs(got-want), 0.02,
			"backend %s share %.3f, want %.3f ±0.02", label, got, want)
	}
}

func TestSelectWS_RequiresWSURL(t *testing.T) {
	bal := newTestBalancer(nil)

	for i := 0; i < 100; i++ {
		b := bal.SelectWS()
		require.NotNil(t, b)
		assert.NotEqual(t, "b", b.Label, "backend without ws_url must never be selected")
		assert.NotEmpty(t, b.WSURL)
	}
}

func TestSelectWS_NoCandidatesReturnsNil(t *testing.T) {
	bal := newTestBalancer(nil)
	bal.Lookup("a").SetHealthy(false)
	bal.Lookup("c").SetHealthy(false)

	// Only "b" is healthy but it has no WS endpoint.
	assert.Nil(t, bal.SelectWS())
}

func TestLookup(t *testing.T) {
	bal := newTestBalancer(nil)

	require.NotNil(t, bal.Lookup("a"))
	assert.Equal(t, "http://a.example.com", bal.Lookup("a").URL)
	assert.Nil(t, bal.Lookup("missing"))
}
