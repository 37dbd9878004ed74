package mplsim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// linkPair is two LSRs joined by one internal link
func linkPair(t *testing.T, delay int64) (*Topology, *LSR, *LSR, *Link) {
	t.Helper()
	topo := CreateTopology("pair", CreateTraceManager(t.Name(), true), nil)
	a := CreateLSR("A", ipA, testParams())
	b := CreateLSR("B", ipB, testParams())
	require.Equal(t, ConfigOK, topo.AddNode(a))
	require.Equal(t, ConfigOK, topo.AddNode(b))
	link, err := topo.Connect("A-B", InternalLink, delay, "A", 0, "B", 2)
	require.NoError(t, err)
	return topo, a, b, link
}

// tickLink delivers one tick to the link alone
func tickLink(t *testing.T, link *Link, upper int64) {
	t.Helper()
	link.ReceiveTick(testStep, upper)
	require.NoError(t, link.RunTick())
}

func TestLinkDeliversAfterDelay(t *testing.T) {
	_, a, b, link := linkPair(t, 3000)

	link.ReceiveTick(testStep, 1000)
	require.True(t, a.Ports().Port(0).PutPacketOnLink(createIPv4Packet(1, ipA, ipB, 100, 0)))
	require.NoError(t, link.RunTick())
	assert.Equal(t, 1, link.InFlight())

	// ages from the tick after it was put on: 2000, 3000 and arrives at 4000
	for upper := int64(2000); upper <= 3000; upper += testStep {
		tickLink(t, link, upper)
		assert.Zero(t, b.Ports().Port(2).commit(upper+testStep), "tick %d", upper)
	}
	tickLink(t, link, 4000)
	assert.Zero(t, link.InFlight())

	port := b.Ports().Port(2)
	assert.Zero(t, port.commit(4000))
	assert.Equal(t, 1, port.commit(5000))
	assert.Equal(t, int64(1), port.GetPacket().ID)

	stats := link.Stats()
	assert.Equal(t, LinkStats{Accepted: 1, Removed: 1, Delivered: 1}, stats)
}

func TestLinkDeliversTowardEitherEnd(t *testing.T) {
	_, a, b, link := linkPair(t, 1000)
	link.ReceiveTick(testStep, 1000)
	require.True(t, b.Ports().Port(2).PutPacketOnLink(createIPv4Packet(1, ipB, ipA, 100, 0)))
	require.NoError(t, link.RunTick())
	tickLink(t, link, 2000)
	assert.Equal(t, 1, a.Ports().Port(0).commit(3000))
}

func TestBrokenLinkConservesEntries(t *testing.T) {
	_, a, _, link := linkPair(t, 5000)
	link.ReceiveTick(testStep, 1000)
	for id := int64(1); id <= 3; id++ {
		require.True(t, a.Ports().Port(0).PutPacketOnLink(createIPv4Packet(id, ipA, ipB, 100, 0)))
	}
	require.NoError(t, link.RunTick())
	tickLink(t, link, 2000)

	link.AddLSP(false)
	link.AddLSP(true)
	link.SetBroken(true)
	assert.True(t, link.IsBroken())
	assert.Zero(t, link.InFlight())
	lsps, backups := link.LSPs()
	assert.Zero(t, lsps)
	assert.Zero(t, backups)

	assert.False(t, a.Ports().Port(0).PutPacketOnLink(createIPv4Packet(4, ipA, ipB, 100, 0)))

	stats := link.Stats()
	assert.Equal(t, int64(3), stats.Accepted)
	assert.Equal(t, int64(1), stats.Rejected)
	assert.Equal(t, stats.Delivered+stats.Discarded, stats.Removed)
	assert.Equal(t, int64(3), stats.Discarded)

	link.SetBroken(false)
	assert.False(t, link.IsBroken())
	assert.Zero(t, link.InFlight())
}

func TestUnpluggedEndDiscardsArrivals(t *testing.T) {
	trace := CreateTraceManager(t.Name(), true)
	topo := CreateTopology("pair", trace, nil)
	a := CreateLSR("A", ipA, testParams())
	b := CreateLSR("B", ipB, testParams())
	require.Equal(t, ConfigOK, topo.AddNode(a))
	require.Equal(t, ConfigOK, topo.AddNode(b))
	link, err := topo.Connect("A-B", InternalLink, 1000, "A", 0, "B", 0)
	require.NoError(t, err)

	link.ReceiveTick(testStep, 1000)
	require.True(t, a.Ports().Port(0).PutPacketOnLink(createIPv4Packet(1, ipA, ipB, 100, 0)))
	require.NoError(t, link.RunTick())
	link.Disconnect()
	tickLink(t, link, 2000)

	assert.Zero(t, link.InFlight())
	assert.Equal(t, LinkStats{Accepted: 1, Removed: 1, Discarded: 1}, link.Stats())
	assert.Zero(t, b.Ports().Port(0).commit(3000))

	discarded := trace.Records(PacketDiscarded)
	require.Len(t, discarded, 1)
	assert.Equal(t, "A-B", discarded[0].Element)
	assert.Equal(t, int64(1), discarded[0].PacketID)
	assert.Equal(t, "destination detached", discarded[0].Detail)
}

func TestLinkWeight(t *testing.T) {
	_, _, _, link := linkPair(t, 1000)
	idle := link.Weight()
	assert.Equal(t, 1000.0, idle)

	link.AddLSP(false)
	assert.Equal(t, idle+100.0, link.Weight())
	link.RemoveLSP(false)
	link.RemoveLSP(false)
	lsps, _ := link.LSPs()
	assert.Zero(t, lsps)

	link.SetBroken(true)
	assert.True(t, math.IsInf(link.Weight(), 1))

	ext := CreateLink("ext", ExternalLink, 700)
	assert.Equal(t, 700.0, ext.Weight())
}

func TestLinkValidate(t *testing.T) {
	_, _, _, link := linkPair(t, 1000)
	assert.Equal(t, ConfigOK, link.Validate())

	assert.Equal(t, InvalidDelay, CreateLink("slow", InternalLink, 0).Validate())
	assert.Equal(t, UnconnectedEnd, CreateLink("loose", InternalLink, 10).Validate())

	topo := CreateTopology("mixed", nil, nil)
	require.Equal(t, ConfigOK, topo.AddNode(CreateSender("S", ipS)))
	require.Equal(t, ConfigOK, topo.AddNode(CreateLER("A", ipA, testParams())))
	inner, err := topo.Connect("S-A", InternalLink, 10, "S", 0, "A", 0)
	require.NoError(t, err)
	assert.Equal(t, UnconnectedEnd, inner.Validate())
}

func TestLinkMarshallRoundTrip(t *testing.T) {
	topo, _, _, link := linkPair(t, 2500)
	link.SetBroken(true)
	record := link.Marshall()
	assert.Equal(t, "#InternalLink#2#A-B#A#0#B#2#2500#true#", record)

	topo.RemoveLink("A-B")
	assert.Nil(t, topo.Link("A-B"))

	restored, err := topo.AddLinkRecord(record)
	require.NoError(t, err)
	assert.Equal(t, "A-B", restored.Name())
	assert.Equal(t, int64(2500), restored.Delay())
	assert.True(t, restored.IsBroken())
	node, port := restored.End(1)
	assert.Equal(t, "B", node.Name())
	assert.Equal(t, 2, port)

	_, err = topo.AddLinkRecord("#LER#1#x#")
	assert.Error(t, err)
}

func TestConnectRefusesTakenPort(t *testing.T) {
	topo, _, _, _ := linkPair(t, 1000)
	_, err := topo.Connect("again", InternalLink, 1000, "A", 0, "B", 1)
	assert.Error(t, err)
	_, err = topo.Connect("far", InternalLink, 1000, "A", 9, "B", 1)
	assert.Error(t, err)
	_, err = topo.Connect("ghost", InternalLink, 1000, "A", 1, "Z", 1)
	assert.ErrorIs(t, err, ErrUnknownNode)
}
