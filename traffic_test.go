package mplsim

import (
	"math"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// directPair is a sender wired straight to a receiver
func directPair(t *testing.T) (*Topology, *Clock, *Sender, *Receiver) {
	t.Helper()
	topo := CreateTopology("direct", nil, nil)
	sndr := CreateSender("S", ipS)
	rcvr := CreateReceiver("R", ipR)
	require.Equal(t, ConfigOK, topo.AddNode(sndr))
	require.Equal(t, ConfigOK, topo.AddNode(rcvr))
	_, err := topo.Connect("S-R", ExternalLink, 1000, "S", 0, "R", 0)
	require.NoError(t, err)
	require.Empty(t, topo.Validate())

	clk, err := CreateClock(testStep, nil)
	require.NoError(t, err)
	clk.RegisterTopology(topo)
	return topo, clk, sndr, rcvr
}

func stepN(t *testing.T, clk *Clock, n int) {
	t.Helper()
	for idx := 0; idx < n; idx++ {
		require.NoError(t, clk.Step())
	}
}

func TestConstantFlowArrivals(t *testing.T) {
	topo, clk, sndr, rcvr := directPair(t)
	// 125 octets on the wire are 1000 bits: one packet per microsecond at 1000 Mb/s
	require.NoError(t, sndr.AddFlow(Flow{Name: "f", Dst: ipR, Rate: 1000, PacketSize: 105, Model: "const"}))

	stepN(t, clk, 10)

	flow := sndr.Flows()[0]
	assert.Equal(t, int64(11), flow.Sent())
	assert.Len(t, rcvr.Received(), 9)
	assert.Equal(t, int64(9*125), rcvr.ReceivedOctets())
	assert.Equal(t, "R: 9 packets, 1125 octets", rcvr.String())

	stats := topo.Portal().Stats()
	assert.Equal(t, PortalStats{Entered: 11, Departed: 9, InTransit: 2, MinLatency: 2000, MaxLatency: 2000,
		AvgLatency: 2000}, stats)
	assert.Len(t, topo.Portal().InTransit(), 2)
}

func TestFlowWindow(t *testing.T) {
	_, clk, sndr, _ := directPair(t)
	require.NoError(t, sndr.AddFlow(Flow{Name: "w", Dst: ipR, Rate: 1000, PacketSize: 105, Model: "constant",
		Start: 3000, Stop: 5000}))

	stepN(t, clk, 10)
	assert.Equal(t, int64(2), sndr.Flows()[0].Sent())
}

func TestExponentialFlowRate(t *testing.T) {
	_, clk, sndr, _ := directPair(t)
	require.NoError(t, sndr.AddFlow(Flow{Name: "e", Dst: ipR, Rate: 1000, PacketSize: 105, Model: "exp"}))

	// mean inter-arrival of 1000 ns over 200 ticks
	stepN(t, clk, 200)
	first := sndr.Flows()[0].Sent()
	assert.Greater(t, first, int64(100))
	assert.Less(t, first, int64(300))

	clk.Reset()
	assert.Zero(t, sndr.Flows()[0].Sent())
	stepN(t, clk, 200)
	assert.Greater(t, sndr.Flows()[0].Sent(), int64(100))
}

func TestExponentialSamples(t *testing.T) {
	assert.InDelta(t, math.Ln2/2, expRV(0.5, 2), 1e-12)
	assert.InDelta(t, 10.0, sampleExpRV(1-1/math.E, 10), 1e-9)
	assert.Zero(t, expRV(0, 3))
}

func TestFlowValidation(t *testing.T) {
	good := Flow{Name: "g", Dst: ipR, Rate: 1, PacketSize: 10, Model: "const"}
	require.NoError(t, good.validate())

	tests := []struct {
		name   string
		mutate func(f *Flow)
	}{
		{"no destination", func(f *Flow) { f.Dst = netip.Addr{} }},
		{"zero rate", func(f *Flow) { f.Rate = 0 }},
		{"nan rate", func(f *Flow) { f.Rate = math.NaN() }},
		{"no payload", func(f *Flow) { f.PacketSize = 0 }},
		{"gos level", func(f *Flow) { f.GoSLevel = 8 }},
		{"model", func(f *Flow) { f.Model = "pareto" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			flow := good
			tc.mutate(&flow)
			assert.Error(t, flow.validate())
		})
	}

	sndr := CreateSender("S", ipS)
	assert.Error(t, sndr.AddFlow(Flow{Name: "bad"}))
	assert.Empty(t, sndr.Flows())
}

func TestInjectNeedsTopology(t *testing.T) {
	sndr := CreateSender("S", ipS)
	_, err := sndr.Inject(ipR, 10, 0)
	assert.Error(t, err)
}

func TestDetachedSenderFlowsNeedTopology(t *testing.T) {
	sndr := CreateSender("S", ipS)
	require.NoError(t, sndr.AddFlow(Flow{Name: "f", Dst: ipR, Rate: 1000, PacketSize: 105, Model: "const",
		Start: 2000}))

	// nothing is due before the flow starts
	sndr.ReceiveTick(testStep, 1000)
	require.NoError(t, sndr.RunTick())

	sndr.ReceiveTick(testStep, 2000)
	err := sndr.RunTick()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not part of a topology")
	assert.Zero(t, sndr.Flows()[0].Sent())
}

func TestEndNodeMarshallRoundTrip(t *testing.T) {
	_, _, sndr, rcvr := directPair(t)

	record := sndr.Marshall()
	assert.Equal(t, "#Sender#0#S#10.0.0.1#", record)
	other := CreateSender("x", ipA)
	require.NoError(t, other.UnMarshall(record))
	assert.Equal(t, "S", other.Name())
	assert.Equal(t, ipS, other.IP())
	assert.Equal(t, 0, other.ID())

	record = rcvr.Marshall()
	assert.Equal(t, "#Receiver#1#R#10.0.0.5#", record)
	sink := CreateReceiver("y", ipB)
	require.NoError(t, sink.UnMarshall(record))
	assert.Equal(t, ipR, sink.IP())

	assert.Error(t, sink.UnMarshall(sndr.Marshall()))
	assert.Error(t, sink.UnMarshall("#Receiver#1#R#not-an-ip#"))
}

func TestPortalLatency(t *testing.T) {
	np := CreateNetworkPortal()
	pkt := createIPv4Packet(4, ipS, ipR, 10, 0)
	np.Enter(pkt, 1000)
	_, ok := np.Latency(4)
	assert.False(t, ok)
	assert.Equal(t, []int64{4}, np.InTransit())

	latency, ok := np.Depart(pkt, 4500)
	require.True(t, ok)
	assert.Equal(t, int64(3500), latency)
	_, ok = np.Depart(pkt, 5000)
	assert.False(t, ok)
	_, ok = np.Depart(createIPv4Packet(5, ipS, ipR, 10, 0), 5000)
	assert.False(t, ok)

	got, ok := np.Latency(4)
	require.True(t, ok)
	assert.Equal(t, int64(3500), got)

	np.Reset()
	assert.Equal(t, PortalStats{}, np.Stats())
}
