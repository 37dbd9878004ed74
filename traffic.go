package mplsim

// traffic.go holds the two nodes outside the MPLS domain: the Sender, which
// offers traffic to the network through its single port, and the Receiver, an
// unlimited sink that accepts whatever reaches it.

import (
	"fmt"
	"math"
	"net/netip"
	"strconv"
	"strings"

	"github.com/iti/rngstream"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Flow describes a stream of packets a Sender offers to one destination
type Flow struct {
	Name       string
	Dst        netip.Addr
	Rate       float64 // offered load, Mb/s
	PacketSize int     // payload octets per packet
	GoSLevel   int     // 0 means no GoS marking
	Model      string  // "const" or "exp" inter-arrival times
	Start      int64   // first arrival, ns
	Stop       int64   // no arrivals at or after Stop, ns; 0 means no end

	nxtArrival int64
	sent       int64
}

// Sent returns the number of packets the flow has offered
func (flow *Flow) Sent() int64 {
	return flow.sent
}

// meanInterarrival is the mean time between two packets of the flow, ns
func (flow *Flow) meanInterarrival() float64 {
	bits := float64(8 * (flow.PacketSize + ipv4HeaderOctets))
	return bits * 1000.0 / flow.Rate
}

// validate checks the parameters of the flow
func (flow *Flow) validate() error {
	if !flow.Dst.IsValid() {
		return errors.Errorf("flow %s: no destination", flow.Name)
	}
	if !(flow.Rate > 0) {
		return errors.Errorf("flow %s: rate must be positive", flow.Name)
	}
	if flow.PacketSize <= 0 {
		return errors.Errorf("flow %s: packet size must be positive", flow.Name)
	}
	if flow.GoSLevel < 0 || flow.GoSLevel > 7 {
		return errors.Errorf("flow %s: GoS level out of range", flow.Name)
	}
	switch flow.Model {
	case "const", "constant", "exp", "expon", "exponential":
	default:
		return errors.Errorf("flow %s: unknown arrival model %q", flow.Name, flow.Model)
	}
	return nil
}

// expRV returns a sample of a exponentially distributed random number
func expRV(u01, rate float64) float64 {
	return -math.Log(1.0-u01) / rate
}

// sampleExpRV draws an exponentially distributed inter-arrival time with the given mean
func sampleExpRV(u01 float64, mean float64) float64 {
	return expRV(u01, 1.0/mean)
}

// Sender is a traffic source outside the MPLS domain
type Sender struct {
	nodeState
	flows    []*Flow
	injected []*Packet
	rngstrm  *rngstream.RngStream
	received []*Packet
}

// CreateSender is a constructor
func CreateSender(name string, ip netip.Addr) *Sender {
	sndr := new(Sender)
	sndr.initNodeState(name, SenderNode, ip, 1, 0)
	sndr.flows = make([]*Flow, 0)
	sndr.injected = make([]*Packet, 0)
	sndr.received = make([]*Packet, 0)
	sndr.rngstrm = rngstream.New(name)
	return sndr
}

// AddFlow gives the sender a stream of packets to offer
func (sndr *Sender) AddFlow(flow Flow) error {
	if err := flow.validate(); err != nil {
		return err
	}
	flow.nxtArrival = flow.Start
	sndr.flows = append(sndr.flows, &flow)
	return nil
}

// Flows returns the flows of the sender
func (sndr *Sender) Flows() []*Flow {
	return sndr.flows
}

// Inject creates an IPv4 packet toward dst and queues it to leave on the next tick
func (sndr *Sender) Inject(dst netip.Addr, payload int, gosLevel int) (*Packet, error) {
	if sndr.topo == nil {
		return nil, errors.Errorf("sender %s is not part of a topology", sndr.name)
	}
	id, err := sndr.topo.newPacketID()
	if err != nil {
		return nil, err
	}
	pkt := createIPv4Packet(id, sndr.ip, dst, payload, gosLevel)
	sndr.injected = append(sndr.injected, pkt)
	return pkt, nil
}

// InjectPacket queues a packet built by the caller to leave on the next tick
func (sndr *Sender) InjectPacket(pkt *Packet) {
	sndr.injected = append(sndr.injected, pkt)
}

// Received returns the packets that came back to the sender, ICMP replies mostly
func (sndr *Sender) Received() []*Packet {
	return sndr.received
}

// send puts a packet the sender created on its link
func (sndr *Sender) send(pkt *Packet) {
	sndr.emit(PacketGenerated, pkt, "")
	if sndr.topo != nil {
		sndr.topo.portal.Enter(pkt, sndr.timeInstant)
	}
	sndr.ports.Port(0).PutPacketOnLink(pkt)
}

// RunTick sends the injected packets and the flow arrivals that fall within the tick
func (sndr *Sender) RunTick() error {
	sndr.ports.commit(sndr.timeInstant)
	for pkt := sndr.ports.Port(0).GetPacket(); pkt != nil; pkt = sndr.ports.Port(0).GetPacket() {
		sndr.received = append(sndr.received, pkt)
		sndr.emit(PacketReceived, pkt, "")
	}

	for _, pkt := range sndr.injected {
		sndr.send(pkt)
	}
	sndr.injected = sndr.injected[:0]

	for _, flow := range sndr.flows {
		for flow.nxtArrival <= sndr.timeInstant && (flow.Stop == 0 || flow.nxtArrival < flow.Stop) {
			if sndr.topo == nil {
				return errors.Errorf("sender %s is not part of a topology", sndr.name)
			}
			id, err := sndr.topo.newPacketID()
			if err != nil {
				return err
			}
			sndr.send(createIPv4Packet(id, sndr.ip, flow.Dst, flow.PacketSize, flow.GoSLevel))
			flow.sent += 1

			var interarrival float64
			switch flow.Model {
			case "expon", "exp", "exponential":
				interarrival = sampleExpRV(sndr.rngstrm.RandU01(), flow.meanInterarrival())
			default:
				interarrival = flow.meanInterarrival()
			}
			flow.nxtArrival += int64(math.Max(1.0, math.Round(interarrival)))
		}
	}
	return nil
}

// Reset returns the sender to its state before the first tick
func (sndr *Sender) Reset() {
	sndr.resetNode()
	sndr.injected = sndr.injected[:0]
	sndr.received = sndr.received[:0]
	sndr.rngstrm = rngstream.New(sndr.name)
	for _, flow := range sndr.flows {
		flow.nxtArrival = flow.Start
		flow.sent = 0
	}
}

// Validate checks the configuration and records the outcome
func (sndr *Sender) Validate() ValidationError {
	verr := sndr.validateNode()
	sndr.wellConfigured = verr == ConfigOK
	return verr
}

// Marshall gives the '#' record of the node.  Flows are carried by the topology description.
func (sndr *Sender) Marshall() string {
	return joinRecord(sndr.kind.String(), strconv.Itoa(sndr.id), sndr.name, sndr.ip.String())
}

// UnMarshall restores the node from a '#' record
func (sndr *Sender) UnMarshall(record string) error {
	id, name, ip, err := unMarshallEndNode(record, SenderNode)
	if err != nil {
		return err
	}
	sndr.id, sndr.name, sndr.ip = id, name, ip
	sndr.rngstrm = rngstream.New(name)
	return nil
}

// unMarshallEndNode reads the record of a sender or receiver
func unMarshallEndNode(record string, kind ElementKind) (int, string, netip.Addr, error) {
	fields, err := splitRecord(record, 4)
	if err != nil {
		return 0, "", netip.Addr{}, err
	}
	if ek, err := elementKindFromStr(fields[0]); err != nil || ek != kind {
		return 0, "", netip.Addr{}, errors.Errorf("record %q does not describe a %s", record, kind)
	}
	rd := recordReader{fields: fields[1:]}
	id, name, ip := rd.int(), rd.str(), rd.addr()
	if rd.err != nil {
		return 0, "", netip.Addr{}, errors.Wrapf(rd.err, "%s record %q", kind, record)
	}
	return id, name, ip, nil
}

// Receiver is a traffic sink outside the MPLS domain
type Receiver struct {
	nodeState
	received []*Packet
	octets   int64
}

// CreateReceiver is a constructor
func CreateReceiver(name string, ip netip.Addr) *Receiver {
	rcvr := new(Receiver)
	rcvr.initNodeState(name, ReceiverNode, ip, 1, 0)
	rcvr.received = make([]*Packet, 0)
	return rcvr
}

// Received returns the packets the receiver has accepted, in arrival order
func (rcvr *Receiver) Received() []*Packet {
	return rcvr.received
}

// ReceivedOctets sums the sizes of the packets accepted
func (rcvr *Receiver) ReceivedOctets() int64 {
	return rcvr.octets
}

// RunTick accepts every packet waiting at the port
func (rcvr *Receiver) RunTick() error {
	rcvr.ports.commit(rcvr.timeInstant)
	port := rcvr.ports.Port(0)
	for pkt := port.GetPacket(); pkt != nil; pkt = port.GetPacket() {
		rcvr.received = append(rcvr.received, pkt)
		rcvr.octets += int64(pkt.Size)
		rcvr.emit(PacketReceived, pkt, "")
		if rcvr.topo != nil {
			if latency, ok := rcvr.topo.portal.Depart(pkt, rcvr.timeInstant); ok {
				if ce := rcvr.logger.Check(zap.DebugLevel, "packet delivered"); ce != nil {
					ce.Write(zap.Int64("id", pkt.ID), zap.Int64("latency", latency))
				}
			}
		}
	}
	return nil
}

// Reset returns the receiver to its state before the first tick
func (rcvr *Receiver) Reset() {
	rcvr.resetNode()
	rcvr.received = rcvr.received[:0]
	rcvr.octets = 0
}

// Validate checks the configuration and records the outcome
func (rcvr *Receiver) Validate() ValidationError {
	verr := rcvr.validateNode()
	rcvr.wellConfigured = verr == ConfigOK
	return verr
}

// Marshall gives the '#' record of the node
func (rcvr *Receiver) Marshall() string {
	return joinRecord(rcvr.kind.String(), strconv.Itoa(rcvr.id), rcvr.name, rcvr.ip.String())
}

// UnMarshall restores the node from a '#' record
func (rcvr *Receiver) UnMarshall(record string) error {
	id, name, ip, err := unMarshallEndNode(record, ReceiverNode)
	if err != nil {
		return err
	}
	rcvr.id, rcvr.name, rcvr.ip = id, name, ip
	return nil
}

// String summarizes what the receiver has accepted
func (rcvr *Receiver) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s: %d packets, %d octets", rcvr.name, len(rcvr.received), rcvr.octets))
	return sb.String()
}
