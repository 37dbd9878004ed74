package mplsim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOwner(sink EventSink) *elementState {
	es := new(elementState)
	es.initElementState("N", LSRNode)
	es.sink = sink
	return es
}

func TestPortCommitsOnlyEarlierHandovers(t *testing.T) {
	port := createPort(0, testOwner(nil), 0)
	require.True(t, port.stage(createIPv4Packet(1, ipS, ipR, 100, 0), 1000))
	require.True(t, port.stage(createIPv4Packet(2, ipS, ipR, 100, 0), 2000))

	assert.Equal(t, 0, port.commit(1000))
	assert.Nil(t, port.GetPacket())
	assert.Equal(t, 240, port.Occupancy())

	assert.Equal(t, 1, port.commit(2000))
	assert.Equal(t, 1, port.commit(3000))
	assert.Equal(t, int64(1), port.GetPacket().ID)
	assert.Equal(t, int64(2), port.GetPacket().ID)
	assert.Zero(t, port.Occupancy())
}

func TestPortOverflowDiscards(t *testing.T) {
	trace := CreateTraceManager("overflow", true)
	port := createPort(0, testOwner(trace), 150)

	assert.True(t, port.stage(createIPv4Packet(1, ipS, ipR, 100, 0), 0))
	assert.False(t, port.stage(createIPv4Packet(2, ipS, ipR, 100, 0), 0))
	assert.Equal(t, 120, port.Occupancy())

	discarded := trace.Records(PacketDiscarded)
	require.Len(t, discarded, 1)
	assert.Equal(t, int64(2), discarded[0].PacketID)
	assert.Equal(t, "buffer overflow", discarded[0].Detail)
}

func TestPortSetRoundRobin(t *testing.T) {
	ps := createPortSet(3, 1, testOwner(nil))
	for id := int64(1); id <= 4; id++ {
		portID := 0
		if id%2 == 0 {
			portID = 2
		}
		ps.Port(portID).stage(createIPv4Packet(id, ipS, ipR, 100, 0), 0)
	}
	assert.Equal(t, 4, ps.commit(1000))

	var order []int64
	var ports []int
	for pkt, portID := ps.NextPacket(-1); pkt != nil; pkt, portID = ps.NextPacket(-1) {
		order = append(order, pkt.ID)
		ports = append(ports, portID)
	}
	assert.Equal(t, []int64{1, 2, 3, 4}, order)
	assert.Equal(t, []int{0, 2, 0, 2}, ports)
	assert.True(t, ps.IsEmpty())
}

func TestPortSetBudgetBound(t *testing.T) {
	ps := createPortSet(2, 1, testOwner(nil))
	ps.Port(1).stage(createIPv4Packet(1, ipS, ipR, 100, 0), 0)
	ps.commit(1000)

	pkt, portID := ps.NextPacket(119)
	assert.Nil(t, pkt)
	assert.Equal(t, -1, portID)
	assert.False(t, ps.IsEmpty())

	pkt, portID = ps.NextPacket(120)
	require.NotNil(t, pkt)
	assert.Equal(t, 1, portID)
}

func TestReEnqueuedPacketReturnsToHead(t *testing.T) {
	ps := createPortSet(1, 1, testOwner(nil))
	for id := int64(1); id <= 3; id++ {
		ps.Port(0).stage(createIPv4Packet(id, ipS, ipR, 100, 0), 0)
	}
	ps.commit(1000)

	first, _ := ps.NextPacket(-1)
	ps.ReEnqueuePacket(first, 0)
	assert.Equal(t, 360, ps.Occupancy())

	// set aside until the end of the tick
	second, _ := ps.NextPacket(-1)
	assert.Equal(t, int64(2), second.ID)

	ps.restoreDeferred()
	head, _ := ps.NextPacket(-1)
	assert.Equal(t, int64(1), head.ID)
	next, _ := ps.NextPacket(-1)
	assert.Equal(t, int64(3), next.ID)
}

func TestCongestionLevel(t *testing.T) {
	ps := createPortSet(2, 1, testOwner(nil))
	assert.Zero(t, ps.CongestionLevel())

	// half of one port of two
	ps.Port(0).stage(&Packet{ID: 1, Size: 1024 * 1024 / 2}, 0)
	assert.Equal(t, 25, ps.CongestionLevel())

	ps.SetArtificiallyCongested(true)
	assert.Equal(t, ArtificialCongestion, ps.CongestionLevel())
	ps.reset()
	assert.True(t, ps.IsArtificiallyCongested())
	assert.Zero(t, ps.Occupancy())

	unlimited := createPortSet(1, 0, testOwner(nil))
	unlimited.Port(0).stage(&Packet{ID: 2, Size: 1 << 30}, 0)
	assert.Zero(t, unlimited.CongestionLevel())
}

func TestPutPacketOnUnconnectedPort(t *testing.T) {
	trace := CreateTraceManager("unconnected", false)
	ps := createPortSet(2, 1, testOwner(trace))
	assert.False(t, ps.Port(0).PutPacketOnLink(createIPv4Packet(1, ipS, ipR, 10, 0)))
	assert.Equal(t, 1, trace.Count(PacketDiscarded))
	assert.Nil(t, ps.Port(5))
	assert.Equal(t, 0, ps.FreePort())
}
