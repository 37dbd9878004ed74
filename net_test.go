package mplsim

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddNodeRefusals(t *testing.T) {
	topo := CreateTopology("refusals", nil, nil)
	require.Equal(t, ConfigOK, topo.AddNode(CreateLER("A", ipA, testParams())))
	assert.Equal(t, 0, topo.Node("A").ID())

	assert.Equal(t, DuplicatedName, topo.AddNode(CreateLSR("A", ipB, testParams())))
	assert.Equal(t, DuplicatedIP, topo.AddNode(CreateLSR("B", ipA, testParams())))
	assert.Equal(t, NoName, topo.AddNode(CreateLSR("", ipB, testParams())))
	assert.Equal(t, OnlySpaces, topo.AddNode(CreateLSR("  ", ipB, testParams())))
	assert.Equal(t, NoIP, topo.AddNode(CreateReceiver("R", netip.Addr{})))
	assert.Len(t, topo.Nodes(), 1)

	require.Equal(t, ConfigOK, topo.AddNode(CreateLSR("B", ipB, testParams())))
	_, err := topo.Connect("A", InternalLink, 1000, "A", 0, "B", 0)
	assert.Error(t, err)
	_, err = topo.Connect("A-B", InternalLink, 1000, "A", 0, "B", 0)
	require.NoError(t, err)
	assert.Equal(t, DuplicatedName, topo.AddNode(CreateLSR("A-B", ipC, testParams())))
}

func TestTopologyLookups(t *testing.T) {
	ch := buildChain(t, nil)
	topo := ch.topo

	assert.Same(t, ch.b, topo.Node("B"))
	assert.Same(t, ch.c, topo.NodeByIP(ipC))
	assert.Same(t, ch.rcvr, topo.NodeByID(4))
	assert.Nil(t, topo.Node("Z"))
	assert.Nil(t, topo.NodeByIP(ipD))
	assert.Nil(t, topo.Link("Z-Y"))

	var names []string
	for _, elm := range topo.Elements() {
		names = append(names, elm.Name())
	}
	assert.Equal(t, []string{"S", "A", "B", "C", "R", "S-A", "A-B", "B-C", "C-R"}, names)

	// links take ids after the nodes
	assert.Equal(t, 5, topo.Link("S-A").ID())
	assert.Equal(t, 0, ch.a.portToward(ipS))
	assert.Equal(t, 1, ch.a.portToward(ipB))
	assert.Equal(t, -1, ch.a.portToward(ipR))
	assert.Same(t, topo.Link("A-B"), ch.a.linkAt(1))
	assert.Nil(t, ch.a.linkAt(3))
	assert.Nil(t, ch.a.linkAt(17))
}

func TestRemoveNodeTakesItsLinks(t *testing.T) {
	ch := buildChain(t, nil)
	topo := ch.topo

	require.NoError(t, topo.RemoveNode("B"))
	assert.Nil(t, topo.Node("B"))
	assert.Nil(t, topo.NodeByIP(ipB))
	assert.Nil(t, topo.Link("A-B"))
	assert.Nil(t, topo.Link("B-C"))
	assert.Len(t, topo.Links(), 2)
	assert.Equal(t, -1, ch.b.ID())
	assert.False(t, ch.b.IsAlive())
	assert.True(t, ch.a.IsAlive())
	assert.Nil(t, ch.a.linkAt(1))
	assert.Empty(t, topo.Route("S", "R"))
	assert.Equal(t, [][]string{{"A", "S"}, {"C", "R"}}, topo.Partitions())

	assert.ErrorIs(t, topo.RemoveNode("B"), ErrUnknownNode)

	// the freed port and name can be used again
	_, err := topo.Connect("A-C", InternalLink, 1000, "A", 1, "C", 0)
	require.NoError(t, err)
	assert.Equal(t, "S,A,C,R", topo.Route("S", "R"))
}

func TestValidationReport(t *testing.T) {
	topo := CreateTopology("report", nil, nil)
	params := testParams()
	params.Capacity = 0
	require.Equal(t, ConfigOK, topo.AddNode(CreateLSR("zeta", ipB, params)))
	require.Equal(t, ConfigOK, topo.AddNode(CreateLER("alpha", ipA, testParams())))
	require.Equal(t, ConfigOK, topo.AddNode(CreateSender("S", ipS)))
	_, err := topo.Connect("S-alpha", ExternalLink, 0, "S", 0, "alpha", 0)
	require.NoError(t, err)

	problems := topo.Validate()
	assert.Equal(t, map[string]ValidationError{"zeta": InvalidCapacity, "S-alpha": InvalidDelay}, problems)
	assert.Equal(t, []string{"S-alpha: link delay out of range", "zeta: switching capacity out of range"},
		ValidationReport(problems))
	assert.False(t, topo.Node("zeta").IsWellConfigured())
	assert.True(t, topo.Node("alpha").IsWellConfigured())
}

func TestPacketIDLimit(t *testing.T) {
	topo := CreateTopology("ids", nil, nil)
	topo.SetPacketIDLimit(2)
	first, err := topo.newPacketID()
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)
	_, err = topo.newPacketID()
	require.NoError(t, err)
	_, err = topo.newPacketID()
	assert.ErrorIs(t, err, ErrIDExhausted)

	topo.Reset()
	first, err = topo.newPacketID()
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)
}

func TestElementKindNames(t *testing.T) {
	for _, name := range []string{"LSR", "lsr", " lsr "} {
		ek, err := elementKindFromStr(name)
		require.NoError(t, err, name)
		assert.Equal(t, LSRNode, ek)
	}
	_, err := elementKindFromStr("router")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown element kind "router"`)
	assert.Equal(t, "Unknown", ElementKind(42).String())
}
