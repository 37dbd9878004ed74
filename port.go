package mplsim

// port.go models the buffers of a node.  A link hands a delivered packet to the
// staging area of the destination port; the owning node moves staged packets
// into the FIFO at the start of its next tick.  Keeping the two apart means a
// node never sees a packet delivered during the tick it is working on, whatever
// order the goroutines of that tick run in.

import (
	"sync"
)

// ArtificialCongestion is the congestion level reported by an artificially congested port set
const ArtificialCongestion = 97

// stagedPkt is a packet handed over by a link, stamped with the instant of the handover
type stagedPkt struct {
	pkt     *Packet
	instant int64
}

// Port is one FIFO buffer of a node, and the node's attachment point for a link
type Port struct {
	id    int
	owner *elementState

	// link attached to the port and the side of the link the port sits on
	link *Link
	side int

	mu        sync.Mutex
	staged    []stagedPkt
	queue     []*Packet
	deferred  []*Packet
	occupancy int // octets held in staged, queue and deferred
	capacity  int // octets, 0 means unlimited
}

// createPort is a constructor
func createPort(id int, owner *elementState, capacity int) *Port {
	port := new(Port)
	port.id = id
	port.owner = owner
	port.capacity = capacity
	port.staged = make([]stagedPkt, 0)
	port.queue = make([]*Packet, 0)
	port.deferred = make([]*Packet, 0)
	return port
}

// ID is the index of the port in its port set
func (port *Port) ID() int {
	return port.id
}

// Link returns the link attached to the port, or nil
func (port *Port) Link() *Link {
	return port.link
}

// IsConnected reports whether a link is attached
func (port *Port) IsConnected() bool {
	return port.link != nil
}

// peer returns the node at the other end of the attached link
func (port *Port) peer() Node {
	if port.link == nil {
		return nil
	}
	return port.link.ends[1-port.side].node
}

// stage accepts a packet delivered by the attached link. A packet that does not fit
// in the buffer is discarded, and false is returned
func (port *Port) stage(pkt *Packet, instant int64) bool {
	port.mu.Lock()
	if port.capacity > 0 && port.occupancy+pkt.Size > port.capacity {
		port.mu.Unlock()
		port.owner.emit(PacketDiscarded, pkt, "buffer overflow")
		return false
	}
	port.staged = append(port.staged, stagedPkt{pkt: pkt, instant: instant})
	port.occupancy += pkt.Size
	port.mu.Unlock()
	return true
}

// commit moves into the FIFO the staged packets handed over before instant, and
// returns how many there were
func (port *Port) commit(instant int64) int {
	port.mu.Lock()
	defer port.mu.Unlock()
	moved := 0
	keep := port.staged[:0]
	for _, sp := range port.staged {
		if sp.instant < instant {
			port.queue = append(port.queue, sp.pkt)
			moved += 1
			continue
		}
		keep = append(keep, sp)
	}
	port.staged = keep
	return moved
}

// head returns the packet at the head of the FIFO without removing it
func (port *Port) head() *Packet {
	port.mu.Lock()
	defer port.mu.Unlock()
	if len(port.queue) == 0 {
		return nil
	}
	return port.queue[0]
}

// GetPacket removes and returns the packet at the head of the FIFO, or nil
func (port *Port) GetPacket() *Packet {
	port.mu.Lock()
	defer port.mu.Unlock()
	if len(port.queue) == 0 {
		return nil
	}
	pkt := port.queue[0]
	port.queue[0] = nil
	port.queue = port.queue[1:]
	port.occupancy -= pkt.Size
	return pkt
}

// reEnqueue sets the packet aside until restoreDeferred puts it back at the head
func (port *Port) reEnqueue(pkt *Packet) {
	port.mu.Lock()
	defer port.mu.Unlock()
	port.deferred = append(port.deferred, pkt)
	port.occupancy += pkt.Size
}

// restoreDeferred puts the re-enqueued packets back at the head of the FIFO, in the
// order they were re-enqueued
func (port *Port) restoreDeferred() {
	port.mu.Lock()
	defer port.mu.Unlock()
	if len(port.deferred) == 0 {
		return
	}
	queue := make([]*Packet, 0, len(port.deferred)+len(port.queue))
	queue = append(queue, port.deferred...)
	queue = append(queue, port.queue...)
	port.queue = queue
	port.deferred = port.deferred[:0]
}

// PutPacketOnLink sends the packet across the attached link.  The return is false if
// the packet was discarded, for want of a link or because the link is broken.
func (port *Port) PutPacketOnLink(pkt *Packet) bool {
	if port.link == nil {
		port.owner.emit(PacketDiscarded, pkt, "port not connected")
		return false
	}
	return port.link.PutPacketOnLink(pkt, 1-port.side)
}

// Occupancy returns the octets held by the port
func (port *Port) Occupancy() int {
	port.mu.Lock()
	defer port.mu.Unlock()
	return port.occupancy
}

// Len returns the number of packets waiting in the FIFO
func (port *Port) Len() int {
	port.mu.Lock()
	defer port.mu.Unlock()
	return len(port.queue)
}

// clear drops every packet the port holds
func (port *Port) clear() {
	port.mu.Lock()
	defer port.mu.Unlock()
	port.staged = port.staged[:0]
	port.queue = make([]*Packet, 0)
	port.deferred = port.deferred[:0]
	port.occupancy = 0
}

// PortSet is the array of ports of a node, read round-robin
type PortSet struct {
	ports     []*Port
	nxt       int // port the next round-robin pass starts from
	unlimited bool
	congested bool // artificial congestion
}

// createPortSet is a constructor for numPorts ports sharing bufferMB megabytes of buffer each.
// A bufferMB of 0 gives unlimited ports
func createPortSet(numPorts int, bufferMB int, owner *elementState) *PortSet {
	ps := new(PortSet)
	ps.ports = make([]*Port, numPorts)
	ps.unlimited = bufferMB == 0
	for idx := 0; idx < numPorts; idx++ {
		ps.ports[idx] = createPort(idx, owner, bufferMB*1024*1024)
	}
	return ps
}

// Port returns the port with the given index, or nil
func (ps *PortSet) Port(idx int) *Port {
	if idx < 0 || idx >= len(ps.ports) {
		return nil
	}
	return ps.ports[idx]
}

// NumPorts returns the size of the port set
func (ps *PortSet) NumPorts() int {
	return len(ps.ports)
}

// FreePort returns the lowest-numbered port with no link attached, or -1
func (ps *PortSet) FreePort() int {
	for _, port := range ps.ports {
		if !port.IsConnected() {
			return port.id
		}
	}
	return -1
}

// setBufferSize changes the capacity of every port
func (ps *PortSet) setBufferSize(bufferMB int) {
	ps.unlimited = bufferMB == 0
	for _, port := range ps.ports {
		port.mu.Lock()
		port.capacity = bufferMB * 1024 * 1024
		port.mu.Unlock()
	}
}

// commit moves staged packets into the FIFOs of every port
func (ps *PortSet) commit(instant int64) int {
	moved := 0
	for _, port := range ps.ports {
		moved += port.commit(instant)
	}
	return moved
}

// NextPacket returns the packet at the head of the next port, in round-robin order,
// that has one, together with that port's index.  If that packet is larger than
// maxOctets nothing is removed and nil is returned; a negative maxOctets means no bound.
func (ps *PortSet) NextPacket(maxOctets int) (*Packet, int) {
	num := len(ps.ports)
	for offset := 0; offset < num; offset++ {
		idx := (ps.nxt + offset) % num
		port := ps.ports[idx]
		head := port.head()
		if head == nil {
			continue
		}
		if maxOctets >= 0 && head.Size > maxOctets {
			return nil, -1
		}
		ps.nxt = (idx + 1) % num
		return port.GetPacket(), idx
	}
	return nil, -1
}

// ReEnqueuePacket sets a packet aside so that it is put back at the head of the port it
// was read from at the end of the tick
func (ps *PortSet) ReEnqueuePacket(pkt *Packet, portID int) {
	port := ps.Port(portID)
	if port == nil {
		return
	}
	port.reEnqueue(pkt)
}

// restoreDeferred puts every re-enqueued packet back in its port
func (ps *PortSet) restoreDeferred() {
	for _, port := range ps.ports {
		port.restoreDeferred()
	}
}

// IsEmpty is true if no port has a packet in its FIFO
func (ps *PortSet) IsEmpty() bool {
	for _, port := range ps.ports {
		if port.Len() > 0 {
			return false
		}
	}
	return true
}

// Occupancy sums the octets held over all ports
func (ps *PortSet) Occupancy() int {
	total := 0
	for _, port := range ps.ports {
		total += port.Occupancy()
	}
	return total
}

// SetArtificiallyCongested turns the congestion demonstration hook on or off
func (ps *PortSet) SetArtificiallyCongested(congested bool) {
	ps.congested = congested
}

// IsArtificiallyCongested reports the state of the congestion hook
func (ps *PortSet) IsArtificiallyCongested() bool {
	return ps.congested
}

// CongestionLevel is the buffer occupancy in percent of the buffer capacity
func (ps *PortSet) CongestionLevel() int {
	if ps.congested {
		return ArtificialCongestion
	}
	if ps.unlimited || len(ps.ports) == 0 {
		return 0
	}
	capacity := 0
	for _, port := range ps.ports {
		capacity += port.capacity
	}
	if capacity == 0 {
		return 0
	}
	return ps.Occupancy() * 100 / capacity
}

// reset drops every buffered packet.  The artificial congestion is configuration and stays
func (ps *PortSet) reset() {
	for _, port := range ps.ports {
		port.clear()
	}
	ps.nxt = 0
}
