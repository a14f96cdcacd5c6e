package region

import (
	"testing"

	"github.com/relaymesh/delivery-engine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) *Router {
	r, err := NewRouter(Config{
		Regions: []RegionConfig{
			{Code: "eu-west", Endpoint: "http://eu-west.local", FailoverChain: []string{"us-east", "ap-south"}},
			{Code: "us-east", Endpoint: "http://us-east.local", FailoverChain: []string{"eu-west", "ap-south"}},
			{Code: "ap-south", Endpoint: "http://ap-south.local", FailoverChain: []string{"eu-west", "us-east"}},
		},
		HomeMap: map[string]string{"DE": "eu-west", "US": "us-east", "IN": "ap-south"},
	})
	require.NoError(t, err)
	return r
}

func TestRouter_HomeFor(t *testing.T) {
	r := newTestRouter(t)

	assert.Equal(t, "eu-west", r.HomeFor("DE"))
	assert.Equal(t, "ap-south", r.HomeFor("IN"))
	// Unknown countries fall back to the first configured region.
	assert.Equal(t, "eu-west", r.HomeFor("ZZ"))
	assert.Equal(t, "eu-west", r.HomeFor(""))
}

func TestRouter_RouteHealthyHome(t *testing.T) {
	r := newTestRouter(t)

	region, rerouted, err := r.Route("eu-west")
	require.NoError(t, err)
	assert.False(t, rerouted)
	assert.Equal(t, "eu-west", region.Code())
}

func TestRouter_RouteFailsOverInChainOrder(t *testing.T) {
	r := newTestRouter(t)
	require.NoError(t, r.SetHealth("eu-west", model.HealthDown))

	region, rerouted, err := r.Route("eu-west")
	require.NoError(t, err)
	assert.True(t, rerouted)
	assert.Equal(t, "us-east", region.Code(), "first healthy chain entry wins")

	require.NoError(t, r.SetHealth("us-east", model.HealthDown))

	region, rerouted, err = r.Route("eu-west")
	require.NoError(t, err)
	assert.True(t, rerouted)
	assert.Equal(t, "ap-south", region.Code())
}

func TestRouter_DegradedStillServes(t *testing.T) {
	r := newTestRouter(t)
	require.NoError(t, r.SetHealth("eu-west", model.HealthDegraded))

	region, rerouted, err := r.Route("eu-west")
	require.NoError(t, err)
	assert.False(t, rerouted, "DEGRADED serves its own traffic")
	assert.Equal(t, "eu-west", region.Code())
}

func TestRouter_NoHealthyRegion(t *testing.T) {
	r := newTestRouter(t)
	for _, code := range []string{"eu-west", "us-east", "ap-south"} {
		require.NoError(t, r.SetHealth(code, model.HealthDown))
	}

	_, _, err := r.Route("eu-west")
	assert.ErrorIs(t, err, ErrNoHealthyRegion)
}

func TestRouter_UnknownHome(t *testing.T) {
	r := newTestRouter(t)

	_, _, err := r.Route("mars-1")
	assert.ErrorIs(t, err, ErrUnknownRegion)
}

func TestRouter_Snapshot(t *testing.T) {
	r := newTestRouter(t)
	require.NoError(t, r.SetHealth("us-east", model.HealthDown))

	snapshot := r.Snapshot()
	require.Len(t, snapshot, 3)

	byCode := map[string]model.HealthStatus{}
	for _, p := range snapshot {
		byCode[p.Code] = p.Health
	}
	assert.Equal(t, model.HealthOK, byCode["eu-west"])
	assert.Equal(t, model.HealthDown, byCode["us-east"])
}

func TestRouter_GetUnknownRegion(t *testing.T) {
	r := newTestRouter(t)

	_, err := r.Get("nowhere")
	assert.ErrorIs(t, err, ErrUnknownRegion)
}
