package mplsim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLSRDeniesRequestLeavingDomain(t *testing.T) {
	// S - A - B - R with the LSR B facing the receiver
	trace := CreateTraceManager(t.Name(), true)
	topo := CreateTopology("short", trace, nil)
	sndr := CreateSender("S", ipS)
	a := CreateLER("A", ipA, testParams())
	b := CreateLSR("B", ipB, testParams())
	rcvr := CreateReceiver("R", ipR)
	for _, node := range []Node{sndr, a, b, rcvr} {
		require.Equal(t, ConfigOK, topo.AddNode(node))
	}
	_, err := topo.Connect("S-A", ExternalLink, 1000, "S", 0, "A", 0)
	require.NoError(t, err)
	_, err = topo.Connect("A-B", InternalLink, 1000, "A", 1, "B", 0)
	require.NoError(t, err)
	_, err = topo.Connect("B-R", ExternalLink, 1000, "B", 1, "R", 0)
	require.NoError(t, err)
	require.Empty(t, topo.Validate())

	clk, err := CreateClock(testStep, nil)
	require.NoError(t, err)
	clk.RegisterTopology(topo)

	_, err = sndr.Inject(ipR, 100, 0)
	require.NoError(t, err)
	for idx := 0; idx < 15; idx++ {
		require.NoError(t, clk.Step())
	}

	assert.Empty(t, rcvr.Received())
	assert.Equal(t, 0, trace.Count(LSPEstablished))
	assert.EqualValues(t, 1, a.Discards())
	assert.Zero(t, b.Matrix().Len())

	push := entriesOf(a.Matrix(), OpPush)
	require.Len(t, push, 1)
	assert.Equal(t, LabelUnavailable, push[0].OutgoingLabel)
	assert.False(t, push[0].IsAssigned())
}

func TestLinkBreakWithdrawsLSP(t *testing.T) {
	ch := buildChain(t, nil)
	_, err := ch.sndr.Inject(ipR, 100, 0)
	require.NoError(t, err)
	ch.run(t, 18)
	require.Len(t, ch.rcvr.Received(), 1)
	require.Equal(t, 1, ch.trace.Count(LSPEstablished))
	require.Equal(t, 1, ch.trace.Count(PacketSwitched))

	// the second packet is pushed by A on tick 21 and reaches B on tick 23
	_, err = ch.sndr.Inject(ipR, 100, 0)
	require.NoError(t, err)
	ch.run(t, 2)

	require.NoError(t, ch.topo.SetLinkBroken("B-C", true))
	ch.run(t, 1)

	// B has asked A to withdraw and waits for the answer, due on tick 25
	swap := entriesOf(ch.b.Matrix(), OpSwap)
	require.Len(t, swap, 1)
	assert.Equal(t, RemovingLabel, swap[0].OutgoingLabel)
	assert.Len(t, entriesOf(ch.a.Matrix(), OpPush), 1)

	ch.run(t, 2)
	assert.EqualValues(t, 1, ch.b.Discards())
	assert.Equal(t, 1, ch.trace.Count(PacketSwitched))
	assert.Len(t, ch.rcvr.Received(), 1)
	discarded := ch.trace.Records(PacketDiscarded)
	require.Len(t, discarded, 1)
	assert.Equal(t, "B", discarded[0].Element)
	assert.Equal(t, "label not assigned", discarded[0].Detail)

	ch.run(t, 7)

	assert.Zero(t, ch.a.Matrix().Len())
	assert.Zero(t, ch.b.Matrix().Len())
	assert.Zero(t, ch.c.Matrix().Len())
	// the head end and the LSR had counted the LSP, the egress had not
	assert.Equal(t, 2, ch.trace.Count(LSPRemoved))
	assert.Equal(t, 1, ch.trace.Count(LinkBroken))

	lsps, _ := ch.topo.Link("A-B").LSPs()
	assert.Zero(t, lsps)
	lsps, _ = ch.topo.Link("B-C").LSPs()
	assert.Zero(t, lsps)
	assert.Empty(t, ch.topo.Route("A", "R"))
}

func TestUnansweredRequestIsResent(t *testing.T) {
	ch := buildChain(t, func(name string, p *RouterParams) {
		p.LDP = name != "B"
	})
	_, err := ch.sndr.Inject(ipR, 100, 0)
	require.NoError(t, err)

	// requested on tick 3, resent when the timeout runs out on tick 53
	ch.run(t, 60)

	push := entriesOf(ch.a.Matrix(), OpPush)
	require.Len(t, push, 1)
	assert.Equal(t, LabelRequested, push[0].OutgoingLabel)
	assert.Equal(t, TLDPAttempts-1, push[0].Attempts())
	assert.EqualValues(t, 2, ch.b.Discards())
	assert.EqualValues(t, 0, ch.a.Discards())
	assert.Empty(t, ch.rcvr.Received())
}

func TestRequestGivenUpAfterAttempts(t *testing.T) {
	ch := buildChain(t, func(name string, p *RouterParams) {
		p.LDP = name != "B"
	})
	entry, err := ch.a.requestFEC(ipR, 0)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, LabelRequested, entry.OutgoingLabel)

	ch.run(t, 460)

	assert.Zero(t, ch.a.Matrix().Len())
	assert.EqualValues(t, 1+TLDPAttempts, ch.b.Discards())
	assert.Equal(t, 0, ch.trace.Count(LSPRemoved))
}

func TestRequestFECOutsideDomainBindsAtOnce(t *testing.T) {
	ch := buildChain(t, nil)
	entry, err := ch.c.requestFEC(ipR, 0)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, OpNoop, entry.Operation)
	assert.True(t, entry.IsAssigned())
	assert.False(t, entry.WasRequested())

	entry, err = ch.a.requestFEC(ipR.Next(), 0)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestRepeatedRequestAnsweredFromState(t *testing.T) {
	ch := buildChain(t, nil)
	_, err := ch.sndr.Inject(ipR, 100, 0)
	require.NoError(t, err)
	ch.run(t, 20)

	pop := entriesOf(ch.c.Matrix(), OpPop)
	require.Len(t, pop, 1)

	// B asks again for the session it already holds a label for
	msg := &TLDPPayload{MessageType: LabelRequest, SessionID: pop[0].UpstreamSessionID, TailEnd: ipR,
		Direction: DirForward}
	entry := ch.c.Matrix().LookupUpstream(0, msg.SessionID)
	require.NotNil(t, entry)
	require.NoError(t, ch.c.handleLabelRequest(entry, msg, 0))
	assert.Equal(t, 1, ch.c.Matrix().Len())
	assert.Equal(t, 1, ch.topo.Link("B-C").InFlight())
}
