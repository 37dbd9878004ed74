package mplsim

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

const testStep int64 = 1000

var (
	ipS = netip.MustParseAddr("10.0.0.1")
	ipA = netip.MustParseAddr("10.0.0.2")
	ipB = netip.MustParseAddr("10.0.0.3")
	ipC = netip.MustParseAddr("10.0.0.4")
	ipR = netip.MustParseAddr("10.0.0.5")
)

func testParams() RouterParams {
	return RouterParams{NumPorts: 4, Capacity: 10000, BufferMB: 1, RFC4950: true, PropagateTTL: true, LDP: true}
}

// chain is the topology S - A - B - C - R: a sender, an ingress LER, an LSR, an
// egress LER and a receiver, every link 1000 ns long
type chain struct {
	topo  *Topology
	clk   *Clock
	trace *TraceManager
	sndr  *Sender
	a     *LER
	b     *LSR
	c     *LER
	rcvr  *Receiver
}

// buildChain builds the chain; tweak, if given, may change the parameters of A, B and C
func buildChain(t *testing.T, tweak func(name string, params *RouterParams)) *chain {
	t.Helper()
	params := func(name string) RouterParams {
		p := testParams()
		if tweak != nil {
			tweak(name, &p)
		}
		return p
	}

	ch := &chain{trace: CreateTraceManager(t.Name(), true)}
	ch.topo = CreateTopology("chain", ch.trace, nil)
	ch.sndr = CreateSender("S", ipS)
	ch.a = CreateLER("A", ipA, params("A"))
	ch.b = CreateLSR("B", ipB, params("B"))
	ch.c = CreateLER("C", ipC, params("C"))
	ch.rcvr = CreateReceiver("R", ipR)
	for _, node := range []Node{ch.sndr, ch.a, ch.b, ch.c, ch.rcvr} {
		require.Equal(t, ConfigOK, ch.topo.AddNode(node))
	}

	links := []struct {
		name   string
		kind   ElementKind
		na, nb string
		pa, pb int
	}{
		{"S-A", ExternalLink, "S", "A", 0, 0},
		{"A-B", InternalLink, "A", "B", 1, 0},
		{"B-C", InternalLink, "B", "C", 1, 0},
		{"C-R", ExternalLink, "C", "R", 1, 0},
	}
	for _, ld := range links {
		_, err := ch.topo.Connect(ld.name, ld.kind, 1000, ld.na, ld.pa, ld.nb, ld.pb)
		require.NoError(t, err)
	}
	require.Empty(t, ch.topo.Validate())

	clk, err := CreateClock(testStep, nil)
	require.NoError(t, err)
	clk.RegisterTopology(ch.topo)
	ch.clk = clk
	return ch
}

// run delivers n ticks
func (ch *chain) run(t *testing.T, n int) {
	t.Helper()
	for idx := 0; idx < n; idx++ {
		require.NoError(t, ch.clk.Step())
	}
}

// forwarded counts the forwarding decisions of every node
func (ch *chain) forwarded() int {
	return ch.trace.Count(PacketRouted) + ch.trace.Count(PacketSwitched)
}

// entriesOf returns the entries of a matrix with the given operation
func entriesOf(sm *SwitchingMatrix, op LabelOperation) []SwitchingMatrixEntry {
	rtn := make([]SwitchingMatrixEntry, 0)
	for _, entry := range sm.Snapshot() {
		if entry.Operation == op {
			rtn = append(rtn, entry)
		}
	}
	return rtn
}
