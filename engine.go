package mplsim

// engine.go holds the machinery the edge (LER) and core (LSR) nodes share: the
// per-tick budget loop, the maintenance of the switching matrix, label stack
// operations, and the helpers that put packets on the wire.

import (
	"math"
	"net/netip"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// MaxSwitchingCapacity bounds the configurable switching capacity, Mb/s
	MaxSwitchingCapacity = 10240

	// MaxBufferMB bounds the configurable buffer size of a port, MB
	MaxBufferMB = 10240
)

// RouterParams holds the configuration of an LER or LSR
type RouterParams struct {
	NumPorts     int  // size of the port set
	Capacity     int  // switching capacity, Mb/s
	BufferMB     int  // buffer size per port, MB
	PHP          bool // penultimate hop popping
	RFC4950      bool // attach the label stack to ICMP time exceeded messages
	PropagateTTL bool // copy the IP TTL into pushed labels and back out of popped ones
	LDP          bool // take part in TLDP
}

// dispatchFunc processes one packet read from port portID.  forwarded is true if
// the packet left the node as a forwarding decision.
type dispatchFunc func(pkt *Packet, portID int) (forwarded bool, err error)

// forwardingNode is the part of an LER or LSR that does not depend on the role
type forwardingNode struct {
	nodeState

	// the LER or LSR this is part of
	self Node

	matrix *SwitchingMatrix
	params RouterParams

	// static entries as configured, seeded again on reset
	staticTable []string

	// event emitted for every forwarding decision
	forwardEvent EventKind

	// what to do with a packet the node pops the last label off and must deliver itself
	onUnlabeled dispatchFunc

	// ticks in a row nothing was forwarded
	idleTicks int

	discards int64
}

// initForwardingNode fills in the common part of an LER or LSR
func (fn *forwardingNode) initForwardingNode(self Node, name string, kind ElementKind, ip netip.Addr, params RouterParams) {
	fn.initNodeState(name, kind, ip, params.NumPorts, params.BufferMB)
	fn.self = self
	fn.matrix = CreateSwitchingMatrix()
	fn.params = params
	fn.staticTable = make([]string, 0)
	fn.forwardEvent = PacketRouted
	if kind == LSRNode {
		fn.forwardEvent = PacketSwitched
	}
}

// Matrix returns the switching matrix of the node
func (fn *forwardingNode) Matrix() *SwitchingMatrix {
	return fn.matrix
}

// Params returns the configuration of the node
func (fn *forwardingNode) Params() RouterParams {
	return fn.params
}

// IdleTicks returns the number of ticks in a row the node has forwarded nothing
func (fn *forwardingNode) IdleTicks() int {
	return fn.idleTicks
}

// Discards returns the number of packets the node has thrown away
func (fn *forwardingNode) Discards() int64 {
	return fn.discards
}

// SetArtificiallyCongested turns the congestion demonstration hook on or off
func (fn *forwardingNode) SetArtificiallyCongested(congested bool) {
	fn.ports.SetArtificiallyCongested(congested)
}

// nsPerOctet is the time the node needs to switch one octet
func (fn *forwardingNode) nsPerOctet() float64 {
	nsPerBit := 1000.0 / float64(fn.params.Capacity)
	return 8.0 * nsPerBit
}

// AddTableEntry seeds the matrix with a static entry.  The outgoing port of a FEC
// entry is the port facing its next hop, so the node must be connected first.
func (fn *forwardingNode) AddTableEntry(text string) error {
	if err := fn.seedTableEntry(text); err != nil {
		return err
	}
	fn.staticTable = append(fn.staticTable, text)
	return nil
}

func (fn *forwardingNode) seedTableEntry(text string) error {
	entry, err := fn.matrix.AddTableEntry(text)
	if err != nil {
		return err
	}
	if entry.Type == FECEntry {
		entry.OutgoingPortID = fn.portToward(entry.NextHop)
		if entry.OutgoingPortID < 0 {
			fn.matrix.Remove(entry)
			return errors.Errorf("table entry %q: node %s has no link to %s", text, fn.name, entry.NextHop)
		}
		entry.TailEnd = entry.NextHop
	}
	return nil
}

// SaveTableEntries renders the static entries still in the matrix
func (fn *forwardingNode) SaveTableEntries() []string {
	return fn.matrix.SaveTableEntries()
}

// resetForwarding empties the matrix, seeds the static entries again, and clears the ports
func (fn *forwardingNode) resetForwarding() {
	fn.matrix.Clear()
	for _, text := range fn.staticTable {
		if err := fn.seedTableEntry(text); err != nil {
			fn.logger.Warn("static entry not restored", zap.String("entry", text), zap.Error(err))
		}
	}
	fn.resetNode()
	fn.idleTicks = 0
	fn.discards = 0
}

// validateForwarding checks the configuration shared by LER and LSR
func (fn *forwardingNode) validateForwarding() ValidationError {
	if verr := fn.validateNode(); verr != ConfigOK {
		return verr
	}
	if fn.params.Capacity < 1 || fn.params.Capacity > MaxSwitchingCapacity {
		return InvalidCapacity
	}
	if fn.params.BufferMB < 1 || fn.params.BufferMB > MaxBufferMB {
		return InvalidBufferSize
	}
	for _, text := range fn.staticTable {
		if _, err := parseTableEntry(text); err != nil {
			return InvalidTableEntry
		}
	}
	return ConfigOK
}

// marshallFields renders the configuration shared by LER and LSR
func (fn *forwardingNode) marshallFields() []string {
	return []string{fn.kind.String(), strconv.Itoa(fn.id), fn.name, fn.ip.String(),
		strconv.Itoa(fn.params.NumPorts), strconv.Itoa(fn.params.Capacity), strconv.Itoa(fn.params.BufferMB),
		strconv.FormatBool(fn.params.PHP), strconv.FormatBool(fn.params.RFC4950),
		strconv.FormatBool(fn.params.PropagateTTL), strconv.FormatBool(fn.params.LDP),
		strconv.FormatBool(fn.ports.IsArtificiallyCongested())}
}

// unMarshallFields restores what marshallFields wrote, for a node of the given kind
func (fn *forwardingNode) unMarshallFields(record string, kind ElementKind) error {
	fields, err := splitRecord(record, 12)
	if err != nil {
		return err
	}
	if ek, err := elementKindFromStr(fields[0]); err != nil || ek != kind {
		return errors.Errorf("record %q does not describe an %s", record, kind)
	}
	rd := recordReader{fields: fields[1:]}
	id := rd.int()
	name := rd.str()
	ip := rd.addr()
	params := RouterParams{NumPorts: rd.int(), Capacity: rd.int(), BufferMB: rd.int(), PHP: rd.bool(),
		RFC4950: rd.bool(), PropagateTTL: rd.bool(), LDP: rd.bool()}
	congested := rd.bool()
	if rd.err != nil {
		return errors.Wrapf(rd.err, "%s record %q", kind, record)
	}
	self := fn.self
	fn.initForwardingNode(self, name, kind, ip, params)
	fn.id = id
	fn.ports.SetArtificiallyCongested(congested)
	return nil
}

// runTick is the tick body of an LER or LSR; dispatch handles one packet
func (fn *forwardingNode) runTick(dispatch dispatchFunc) error {
	fn.ports.commit(fn.timeInstant)

	if fn.ports.IsArtificiallyCongested() {
		fn.emit(NodeCongested, nil, strconv.Itoa(ArtificialCongestion))
	}

	if err := fn.checkBrokenLinks(); err != nil {
		return err
	}
	if err := fn.updateTimeouts(); err != nil {
		return err
	}

	nsPerOctet := fn.nsPerOctet()
	forwarded := 0
	for {
		maxOctets := int(float64(fn.availableTime) / nsPerOctet)
		pkt, portID := fn.ports.NextPacket(maxOctets)
		if pkt == nil {
			break
		}
		fn.availableTime -= int64(math.Ceil(float64(pkt.Size) * nsPerOctet))
		if fn.availableTime < 0 {
			fn.availableTime = 0
		}
		fwd, err := dispatch(pkt, portID)
		if err != nil {
			fn.ports.restoreDeferred()
			return err
		}
		if fwd {
			forwarded += 1
		}
	}
	fn.ports.restoreDeferred()

	if fn.ports.IsEmpty() {
		fn.availableTime = 0
	}
	if forwarded > 0 {
		fn.idleTicks = 0
	} else {
		fn.idleTicks += 1
	}
	return nil
}

// checkBrokenLinks deals with the entries whose traffic would cross a broken link
func (fn *forwardingNode) checkBrokenLinks() error {
	for _, entry := range fn.matrix.Entries() {
		if entry.OutgoingLabel == RemovingLabel {
			continue
		}
		trigger := -1
		if link := fn.linkAt(entry.OutgoingPortID); link != nil && link.IsBroken() {
			trigger = entry.OutgoingPortID
		} else if link := fn.linkAt(entry.IncomingPortID); entry.isTransit() && link != nil && link.IsBroken() {
			trigger = entry.IncomingPortID
		}
		if trigger < 0 {
			continue
		}
		if entry.Static || !fn.params.LDP {
			fn.matrix.Remove(entry)
			fn.logger.Debug("entry dropped, link broken", zap.Stringer("entry", entry))
			continue
		}
		if err := fn.startWithdrawal(entry, trigger); err != nil {
			return err
		}
	}
	return nil
}

// sendOn puts pkt on the link attached to port portID
func (fn *forwardingNode) sendOn(pkt *Packet, portID int) bool {
	port := fn.ports.Port(portID)
	if port == nil {
		fn.discard(pkt, "no such port")
		return false
	}
	return port.PutPacketOnLink(pkt)
}

// forward sends pkt out as the outcome of a forwarding decision
func (fn *forwardingNode) forward(pkt *Packet, portID int) bool {
	if link := fn.linkAt(portID); link == nil || link.IsBroken() {
		fn.discard(pkt, "outgoing link down")
		return false
	}
	if !fn.sendOn(pkt, portID) {
		return false
	}
	fn.emit(fn.forwardEvent, pkt, "")
	return true
}

// generate sends out a packet the node created itself
func (fn *forwardingNode) generate(pkt *Packet, portID int) bool {
	fn.emit(PacketGenerated, pkt, "")
	return fn.sendOn(pkt, portID)
}

// discard throws pkt away.  reason is one of the fixed discard reasons, anything
// particular to the packet goes in fields and only reaches the log
func (fn *forwardingNode) discard(pkt *Packet, reason string, fields ...zap.Field) {
	fn.discards += 1
	fn.emit(PacketDiscarded, pkt, reason)
	if ce := fn.logger.Check(zap.DebugLevel, "packet discarded"); ce != nil {
		ce.Write(append([]zap.Field{zap.Stringer("packet", pkt), zap.String("reason", reason)}, fields...)...)
	}
}

// replyICMP sends an ICMP message about cause back to where cause came from
func (fn *forwardingNode) replyICMP(cause *Packet, icmpType, code int, stack LabelStack) error {
	target := cause.Origin
	if cause.Kind == MPLSPacket && cause.Inner != nil {
		target = cause.Inner.Origin
	}
	if !target.IsValid() || target == fn.ip {
		return nil
	}
	portID, _, ok := fn.topo.nextHop(fn.self, target)
	if !ok {
		return nil
	}
	id, err := fn.topo.newPacketID()
	if err != nil {
		return err
	}
	var ext LabelStack
	if fn.params.RFC4950 {
		ext = stack.Clone()
	}
	fn.generate(createICMPPacket(id, fn.ip, target, icmpType, code, cause, ext), portID)
	return nil
}

// answerLocalICMP consumes an ICMP message addressed to the node, answering echo requests
func (fn *forwardingNode) answerLocalICMP(pkt *Packet) error {
	if pkt.ICMP != nil && pkt.ICMP.Type == ICMPEchoRequest {
		return fn.replyICMP(pkt, ICMPEchoReply, 0, nil)
	}
	return nil
}

// forwardNative sends an IP packet toward its target along the shortest path, without labels
func (fn *forwardingNode) forwardNative(pkt *Packet) bool {
	portID, _, ok := fn.topo.nextHop(fn.self, pkt.Target)
	if !ok {
		fn.discard(pkt, "no route")
		return false
	}
	if pkt.TTL <= 1 {
		fn.discard(pkt, "ttl expired")
		return false
	}
	pkt.TTL -= 1
	return fn.forward(pkt, portID)
}

// stripGoS removes the GoS label from the top of the stack, returning it
func stripGoS(pkt *Packet) (Label, bool) {
	top := pkt.Labels.Top()
	if top == nil || top.Value != GoSLabel {
		return Label{}, false
	}
	return pkt.Labels.Pop()
}

// resize sets the size of an MPLS packet from its inner packet and label stack
func resize(pkt *Packet) {
	if pkt.Inner != nil {
		pkt.Size = pkt.Inner.Size + labelOctets*pkt.Labels.Len()
	}
}

// switchMPLS applies the matrix to a labeled packet
func (fn *forwardingNode) switchMPLS(pkt *Packet, portID int) (bool, error) {
	fullStack := pkt.Labels.Clone()
	gos, hasGoS := stripGoS(pkt)
	restoreGoS := func() {
		if hasGoS {
			pkt.Labels.Push(gos)
		}
	}

	top := pkt.Labels.Top()
	if top == nil {
		if pkt.Inner == nil || fn.onUnlabeled == nil {
			fn.discard(pkt, "empty label stack")
			return false, nil
		}
		return fn.onUnlabeled(pkt.Inner, portID)
	}

	if top.TTL <= 1 {
		if err := fn.replyICMP(pkt, ICMPTimeExceeded, ICMPCodeTTLInTransit, fullStack); err != nil {
			return false, err
		}
		fn.discard(pkt, "label ttl expired")
		return false, nil
	}

	entry := fn.matrix.Lookup(top.Value, LabelEntry)
	if entry == nil {
		fn.discard(pkt, "unknown label", zap.Int("label", top.Value))
		return false, nil
	}
	if entry.OutgoingLabel == LabelRequested {
		restoreGoS()
		fn.ports.ReEnqueuePacket(pkt, portID)
		return false, nil
	}
	if !entry.IsAssigned() {
		fn.discard(pkt, "label not assigned", zap.String("state", labelStateStr(entry.OutgoingLabel)))
		return false, nil
	}
	if entry.OutgoingPortID >= 0 {
		if link := fn.linkAt(entry.OutgoingPortID); link == nil || link.IsBroken() {
			fn.discard(pkt, "outgoing link down")
			return false, nil
		}
	}

	switch entry.Operation {
	case OpSwap:
		top.Value = entry.OutgoingLabel
		top.TTL -= 1

	case OpPush:
		top.TTL -= 1
		ttl := MaxTTL
		if fn.params.PropagateTTL {
			ttl = top.TTL
		}
		pkt.Labels.Push(Label{Value: entry.OutgoingLabel, TTL: ttl, EXP: top.EXP})

	case OpPop:
		popped, _ := pkt.Labels.Pop()
		if pkt.Labels.Len() == 0 {
			inner := pkt.Inner
			if inner == nil {
				fn.discard(pkt, "empty label stack")
				return false, nil
			}
			if fn.params.PropagateTTL {
				inner.TTL = popped.TTL - 1
			}
			if entry.OutgoingPortID < 0 {
				if fn.onUnlabeled == nil {
					fn.discard(pkt, "no outgoing port")
					return false, nil
				}
				return fn.onUnlabeled(inner, portID)
			}
			return fn.forward(inner, entry.OutgoingPortID), nil
		}
		if fn.params.PropagateTTL {
			pkt.Labels.Top().TTL = popped.TTL - 1
		}

	case OpNoop:
		top.TTL -= 1

	default:
		fn.discard(pkt, "no label operation")
		return false, nil
	}

	restoreGoS()
	resize(pkt)
	if entry.OutgoingPortID < 0 {
		fn.discard(pkt, "no outgoing port")
		return false, nil
	}
	return fn.forward(pkt, entry.OutgoingPortID), nil
}

// relayGPSRP passes a retransmission protocol packet on toward its target
func (fn *forwardingNode) relayGPSRP(pkt *Packet) bool {
	if pkt.Target == fn.ip {
		fn.discard(pkt, "gpsrp addressed to node")
		return false
	}
	return fn.forwardNative(pkt)
}
