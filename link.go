package mplsim

// link.go holds the Link, the element that carries packets between two node ports
// with a fixed propagation delay.

import (
	"math"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// linkEnd is one side of a link: a node and the index of the node port the link plugs into
type linkEnd struct {
	node   Node
	portID int

	// name of the node, kept for links rebuilt from a record before their nodes are known
	nodeName string
}

// LinkStats counts what happened to the entries of a link
type LinkStats struct {
	Accepted  int64 // packets put on the link
	Rejected  int64 // packets put on the link while it was broken
	Removed   int64 // entries taken out of the in-flight buffer
	Delivered int64 // entries handed to the destination port
	Discarded int64 // entries dropped because the link broke or its far end was unplugged
}

// Link carries packets from one node port to another.  Internal links join two
// nodes of the MPLS domain, external links join the domain to a sender or receiver.
type Link struct {
	elementState

	id    int
	ends  [2]linkEnd
	delay int64 // ns

	mu         sync.Mutex
	broken     bool
	lsps       int
	backupLSPs int
	buffer     *transitBuffer
	stats      LinkStats
}

// CreateLink is a constructor. kind is InternalLink or ExternalLink, delay is in nanoseconds
func CreateLink(name string, kind ElementKind, delay int64) *Link {
	link := new(Link)
	link.initElementState(name, kind)
	link.id = -1
	link.delay = delay
	link.buffer = createTransitBuffer()
	link.ends[0].portID = -1
	link.ends[1].portID = -1
	return link
}

// ID returns the link's identifier within its topology
func (link *Link) ID() int {
	return link.id
}

// Delay returns the propagation delay in nanoseconds
func (link *Link) Delay() int64 {
	return link.delay
}

// IsInternal is true for a link between two MPLS nodes
func (link *Link) IsInternal() bool {
	return link.kind == InternalLink
}

// End returns the node and port index at side 0 or 1
func (link *Link) End(side int) (Node, int) {
	return link.ends[side].node, link.ends[side].portID
}

// Connect plugs side 0 of the link into port portA of nodeA, and side 1 into port portB of nodeB
func (link *Link) Connect(nodeA Node, portA int, nodeB Node, portB int) error {
	ends := []struct {
		node Node
		port int
	}{{nodeA, portA}, {nodeB, portB}}

	for side, end := range ends {
		if end.node == nil {
			return errors.Errorf("link %s side %d has no node", link.name, side)
		}
		port := end.node.Ports().Port(end.port)
		if port == nil {
			return errors.Errorf("link %s: node %s has no port %d", link.name, end.node.Name(), end.port)
		}
		if port.IsConnected() {
			return errors.Errorf("link %s: port %d of node %s already connected", link.name, end.port, end.node.Name())
		}
	}
	for side, end := range ends {
		port := end.node.Ports().Port(end.port)
		port.link = link
		port.side = side
		link.ends[side] = linkEnd{node: end.node, portID: end.port, nodeName: end.node.Name()}
	}
	return nil
}

// Disconnect unplugs both ends of the link
func (link *Link) Disconnect() {
	for side := range link.ends {
		if link.ends[side].node == nil {
			continue
		}
		port := link.ends[side].node.Ports().Port(link.ends[side].portID)
		if port != nil && port.link == link {
			port.link = nil
		}
		link.ends[side].node = nil
	}
}

// PutPacketOnLink starts the crossing of pkt toward the end destSide.  The packet
// starts to age on the tick after this one.  A broken link discards the packet and returns false.
func (link *Link) PutPacketOnLink(pkt *Packet, destSide int) bool {
	link.mu.Lock()
	if link.broken {
		link.stats.Rejected += 1
		link.mu.Unlock()
		link.emit(PacketDiscarded, pkt, "link broken")
		return false
	}
	entry := &LinkBufferEntry{Packet: pkt, DestinationSide: destSide, RemainingWaitTime: link.delay,
		TotalTransitTime: link.delay, instant: link.timeInstant}
	link.buffer.add(entry)
	link.stats.Accepted += 1
	link.mu.Unlock()
	return true
}

// RunTick ages the in-flight packets and delivers those that have arrived
func (link *Link) RunTick() error {
	link.mu.Lock()
	link.buffer.merge(link.timeInstant)
	for _, entry := range link.buffer.age(link.stepDuration) {
		link.emit(PacketOnFly, entry.Packet, strconv.FormatInt(entry.RemainingWaitTime, 10))
	}
	arrived := link.buffer.popArrived()
	link.stats.Removed += int64(len(arrived))
	link.mu.Unlock()

	var delivered, detached int64
	for _, entry := range arrived {
		end := link.ends[entry.DestinationSide]
		if end.node == nil {
			detached += 1
			link.emit(PacketDiscarded, entry.Packet, "destination detached")
			continue
		}
		port := end.node.Ports().Port(end.portID)
		port.stage(entry.Packet, link.timeInstant)
		delivered += 1
	}

	link.mu.Lock()
	link.stats.Delivered += delivered
	link.stats.Discarded += detached
	link.mu.Unlock()
	return nil
}

// SetBroken changes the state of the link.  Breaking it discards every packet in flight
// and clears its LSP counters; repairing it brings nothing back.
func (link *Link) SetBroken(broken bool) {
	link.mu.Lock()
	if broken == link.broken {
		link.mu.Unlock()
		return
	}
	link.broken = broken
	var dropped []*LinkBufferEntry
	if broken {
		dropped = link.buffer.drain()
		link.stats.Removed += int64(len(dropped))
		link.stats.Discarded += int64(len(dropped))
		link.lsps = 0
		link.backupLSPs = 0
	}
	link.mu.Unlock()

	if broken {
		for _, entry := range dropped {
			link.emit(PacketDiscarded, entry.Packet, "link broken")
		}
		link.emit(LinkBroken, nil, "")
		link.logger.Info("link broken", zap.Int("discarded", len(dropped)))
		return
	}
	link.emit(LinkRecovered, nil, "")
	link.logger.Info("link recovered")
}

// IsBroken reports the state of the link
func (link *Link) IsBroken() bool {
	link.mu.Lock()
	defer link.mu.Unlock()
	return link.broken
}

// AddLSP counts one more LSP (or backup LSP) crossing the link
func (link *Link) AddLSP(backup bool) {
	link.mu.Lock()
	defer link.mu.Unlock()
	if backup {
		link.backupLSPs += 1
	} else {
		link.lsps += 1
	}
}

// RemoveLSP counts one LSP (or backup LSP) fewer
func (link *Link) RemoveLSP(backup bool) {
	link.mu.Lock()
	defer link.mu.Unlock()
	if backup && link.backupLSPs > 0 {
		link.backupLSPs -= 1
	} else if !backup && link.lsps > 0 {
		link.lsps -= 1
	}
}

// LSPs returns the LSP and backup LSP counters
func (link *Link) LSPs() (int, int) {
	link.mu.Lock()
	defer link.mu.Unlock()
	return link.lsps, link.backupLSPs
}

// InFlight counts the packets on the link
func (link *Link) InFlight() int {
	link.mu.Lock()
	defer link.mu.Unlock()
	return link.buffer.Len()
}

// Stats returns the entry counters of the link
func (link *Link) Stats() LinkStats {
	link.mu.Lock()
	defer link.mu.Unlock()
	return link.stats
}

// Weight is the cost path computation gives the link. A loaded internal link costs more
// than an idle one of the same delay.
func (link *Link) Weight() float64 {
	link.mu.Lock()
	broken, lsps, backups, buffered := link.broken, link.lsps, link.backupLSPs, link.buffer.Len()
	link.mu.Unlock()

	if broken {
		return math.Inf(1)
	}
	if link.kind == ExternalLink {
		return float64(link.delay)
	}
	congestion := 0.0
	ends := 0
	for _, end := range link.ends {
		if end.node != nil {
			congestion += float64(end.node.CongestionLevel())
			ends += 1
		}
	}
	if ends > 0 {
		congestion = congestion / float64(ends) / 100.0
	}
	return float64(link.delay)*(1.0+congestion) + 100.0*float64(lsps) + 50.0*float64(backups) + 10.0*float64(buffered)
}

// Reset empties the link and repairs it, without events
func (link *Link) Reset() {
	link.mu.Lock()
	defer link.mu.Unlock()
	link.buffer = createTransitBuffer()
	link.broken = false
	link.lsps = 0
	link.backupLSPs = 0
	link.stats = LinkStats{}
	link.resetTime()
}

// Validate checks the configuration of the link and records the outcome
func (link *Link) Validate() ValidationError {
	verr := validateName(link.name)
	if verr == ConfigOK && link.delay <= 0 {
		verr = InvalidDelay
	}
	if verr == ConfigOK && (link.ends[0].node == nil || link.ends[1].node == nil) {
		verr = UnconnectedEnd
	}
	if verr == ConfigOK && link.kind == InternalLink {
		if !link.ends[0].node.Kind().isMPLS() || !link.ends[1].node.Kind().isMPLS() {
			verr = UnconnectedEnd
		}
	}
	link.wellConfigured = verr == ConfigOK
	return verr
}

// Marshall gives the '#' record of the link
func (link *Link) Marshall() string {
	return joinRecord(link.kind.String(), strconv.Itoa(link.id), link.name,
		link.ends[0].nodeName, strconv.Itoa(link.ends[0].portID),
		link.ends[1].nodeName, strconv.Itoa(link.ends[1].portID),
		strconv.FormatInt(link.delay, 10), strconv.FormatBool(link.IsBroken()))
}

// UnMarshall restores the link from a '#' record.  The ends are restored by name;
// Topology.AddLinkRecord connects them.
func (link *Link) UnMarshall(record string) error {
	fields, err := splitRecord(record, 9)
	if err != nil {
		return err
	}
	kind, err := elementKindFromStr(fields[0])
	if err != nil || (kind != InternalLink && kind != ExternalLink) {
		return errors.Errorf("record %q does not describe a link", record)
	}
	rd := recordReader{fields: fields[1:]}
	id := rd.int()
	name := rd.str()
	nameA, portA := rd.str(), rd.int()
	nameB, portB := rd.str(), rd.int()
	delay := rd.int64()
	broken := rd.bool()
	if rd.err != nil {
		return errors.Wrapf(rd.err, "link record %q", record)
	}
	link.kind = kind
	link.id = id
	link.name = name
	link.ends[0] = linkEnd{nodeName: nameA, portID: portA}
	link.ends[1] = linkEnd{nodeName: nameB, portID: portB}
	link.delay = delay
	link.mu.Lock()
	link.broken = broken
	link.mu.Unlock()
	return nil
}
