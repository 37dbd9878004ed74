package mplsim

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ipD = netip.MustParseAddr("10.0.0.6")

// diamond is A - B - D and A - C - D, the path through C being the shorter
func diamond(t *testing.T) (*Topology, map[string]*LSR) {
	t.Helper()
	topo := CreateTopology("diamond", nil, nil)
	nodes := map[string]*LSR{
		"A": CreateLSR("A", ipA, testParams()),
		"B": CreateLSR("B", ipB, testParams()),
		"C": CreateLSR("C", ipC, testParams()),
		"D": CreateLSR("D", ipD, testParams()),
	}
	for _, name := range []string{"A", "B", "C", "D"} {
		require.Equal(t, ConfigOK, topo.AddNode(nodes[name]))
	}
	links := []struct {
		name   string
		na, nb string
		pa, pb int
		delay  int64
	}{
		{"A-B", "A", "B", 0, 0, 1000},
		{"B-D", "B", "D", 1, 0, 1000},
		{"A-C", "A", "C", 1, 0, 500},
		{"C-D", "C", "D", 1, 1, 500},
	}
	for _, ld := range links {
		_, err := topo.Connect(ld.name, InternalLink, ld.delay, ld.na, ld.pa, ld.nb, ld.pb)
		require.NoError(t, err)
	}
	return topo, nodes
}

func TestRouteTakesLighterPath(t *testing.T) {
	topo, nodes := diamond(t)
	assert.Equal(t, "A,C,D", topo.Route("A", "D"))
	assert.Equal(t, "D,C,A", topo.Route("D", "A"))
	assert.Empty(t, topo.Route("A", "Z"))

	portID, next, ok := topo.nextHop(nodes["A"], ipD)
	require.True(t, ok)
	assert.Equal(t, 1, portID)
	assert.Equal(t, "C", next.Name())

	_, _, ok = topo.nextHop(nodes["A"], ipA)
	assert.False(t, ok)
	_, _, ok = topo.nextHop(nodes["A"], ipR)
	assert.False(t, ok)
}

func TestRouteFollowsLinkWeights(t *testing.T) {
	topo, _ := diamond(t)

	// eleven LSPs add 1100 to the weight of A-C, making A-B-D the lighter path
	link := topo.Link("A-C")
	for idx := 0; idx < 11; idx++ {
		link.AddLSP(false)
	}
	topo.RefreshRoutes()
	assert.Equal(t, "A,B,D", topo.Route("A", "D"))

	for idx := 0; idx < 11; idx++ {
		link.RemoveLSP(false)
	}
	topo.RefreshRoutes()
	assert.Equal(t, "A,C,D", topo.Route("A", "D"))
}

func TestRerouteAroundBrokenLink(t *testing.T) {
	topo, nodes := diamond(t)
	require.NoError(t, topo.SetLinkBroken("C-D", true))
	assert.Equal(t, "A,B,D", topo.Route("A", "D"))

	portID, next, ok := topo.nextHop(nodes["A"], ipD)
	require.True(t, ok)
	assert.Equal(t, 0, portID)
	assert.Equal(t, "B", next.Name())

	require.NoError(t, topo.SetLinkBroken("C-D", false))
	assert.Equal(t, "A,C,D", topo.Route("A", "D"))

	assert.Error(t, topo.SetLinkBroken("X-Y", true))
}

func TestParallelLinksUseLightest(t *testing.T) {
	topo := CreateTopology("parallel", nil, nil)
	a := CreateLSR("A", ipA, testParams())
	b := CreateLSR("B", ipB, testParams())
	require.Equal(t, ConfigOK, topo.AddNode(a))
	require.Equal(t, ConfigOK, topo.AddNode(b))
	_, err := topo.Connect("slow", InternalLink, 3000, "A", 0, "B", 0)
	require.NoError(t, err)
	_, err = topo.Connect("fast", InternalLink, 1000, "A", 1, "B", 1)
	require.NoError(t, err)

	portID, _, ok := topo.nextHop(a, ipB)
	require.True(t, ok)
	assert.Equal(t, 1, portID)

	require.NoError(t, topo.SetLinkBroken("fast", true))
	portID, _, ok = topo.nextHop(a, ipB)
	require.True(t, ok)
	assert.Equal(t, 0, portID)
}

func TestPartitions(t *testing.T) {
	topo, _ := diamond(t)
	assert.Equal(t, [][]string{{"A", "B", "C", "D"}}, topo.Partitions())

	require.NoError(t, topo.SetLinkBroken("B-D", true))
	require.NoError(t, topo.SetLinkBroken("C-D", true))
	assert.Equal(t, [][]string{{"A", "B", "C"}, {"D"}}, topo.Partitions())
	assert.Empty(t, topo.Route("A", "D"))

	topo.RemoveLink("A-B")
	assert.Equal(t, [][]string{{"A", "C"}, {"B"}, {"D"}}, topo.Partitions())

	empty := CreateTopology("empty", nil, nil)
	assert.Nil(t, empty.Partitions())
	assert.Empty(t, empty.Route("A", "B"))
}

func TestEgressDetection(t *testing.T) {
	ch := buildChain(t, nil)
	assert.True(t, ch.topo.isEgressFor(ch.c, ipR))
	assert.False(t, ch.topo.isEgressFor(ch.b, ipR))
	assert.False(t, ch.topo.isEgressFor(ch.a, ipR))
	assert.True(t, ch.topo.isEgressFor(ch.b, ipB))
	assert.False(t, ch.topo.isEgressFor(ch.b, ipR.Next()))

	assert.True(t, outsideDomain(nil, nil))
	assert.True(t, outsideDomain(ch.topo.Link("C-R"), ch.c))
	assert.False(t, outsideDomain(ch.topo.Link("A-B"), ch.b))
	assert.True(t, outsideDomain(ch.topo.Link("C-R"), ch.rcvr))
}
