package mplsim

import (
	"net/netip"
)

// LSR is a label switch router, a node inside the MPLS domain that forwards on labels only
type LSR struct {
	forwardingNode
}

// CreateLSR is a constructor
func CreateLSR(name string, ip netip.Addr, params RouterParams) *LSR {
	lsr := new(LSR)
	lsr.initForwardingNode(lsr, name, LSRNode, ip, params)
	lsr.onUnlabeled = lsr.dispatch
	return lsr
}

// RunTick processes as many packets as the tick's budget allows
func (lsr *LSR) RunTick() error {
	return lsr.runTick(lsr.dispatch)
}

// Reset returns the node to its state before the first tick
func (lsr *LSR) Reset() {
	lsr.resetForwarding()
}

// Validate checks the configuration and records the outcome
func (lsr *LSR) Validate() ValidationError {
	verr := lsr.validateForwarding()
	lsr.wellConfigured = verr == ConfigOK
	return verr
}

// Marshall gives the '#' record of the node
func (lsr *LSR) Marshall() string {
	return joinRecord(lsr.marshallFields()...)
}

// UnMarshall restores the node from a '#' record
func (lsr *LSR) UnMarshall(record string) error {
	if err := lsr.unMarshallFields(record, LSRNode); err != nil {
		return err
	}
	lsr.onUnlabeled = lsr.dispatch
	return nil
}

func (lsr *LSR) dispatch(pkt *Packet, portID int) (bool, error) {
	switch pkt.Kind {
	case MPLSPacket:
		return lsr.switchMPLS(pkt, portID)
	case TLDPPacket:
		return false, lsr.handleTLDP(pkt, portID)
	case ICMPPacket:
		if pkt.Target == lsr.ip {
			return false, lsr.answerLocalICMP(pkt)
		}
		return lsr.forwardNative(pkt), nil
	case GPSRPPacket:
		return lsr.relayGPSRP(pkt), nil
	case IPv4Packet:
		if pkt.Target == lsr.ip {
			return false, nil
		}
		lsr.discard(pkt, "unlabeled packet in core")
		return false, nil
	}
	lsr.discard(pkt, "malformed packet")
	return false, nil
}
