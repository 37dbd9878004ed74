package mplsim

// ler.go holds the edge node of the MPLS domain.  Traffic enters the domain at an
// LER, which classifies it into a FEC and pushes the label bound to that FEC,
// and leaves the domain at an LER, which pops the last label.

import (
	"net/netip"

	"go.uber.org/zap"
)

// LER is a label edge router
type LER struct {
	forwardingNode
}

// CreateLER is a constructor
func CreateLER(name string, ip netip.Addr, params RouterParams) *LER {
	ler := new(LER)
	ler.initForwardingNode(ler, name, LERNode, ip, params)
	ler.onUnlabeled = ler.dispatch
	return ler
}

// RunTick processes as many packets as the tick's budget allows
func (ler *LER) RunTick() error {
	return ler.runTick(ler.dispatch)
}

// Reset returns the node to its state before the first tick
func (ler *LER) Reset() {
	ler.resetForwarding()
}

// Validate checks the configuration and records the outcome
func (ler *LER) Validate() ValidationError {
	verr := ler.validateForwarding()
	ler.wellConfigured = verr == ConfigOK
	return verr
}

// Marshall gives the '#' record of the node
func (ler *LER) Marshall() string {
	return joinRecord(ler.marshallFields()...)
}

// UnMarshall restores the node from a '#' record
func (ler *LER) UnMarshall(record string) error {
	if err := ler.unMarshallFields(record, LERNode); err != nil {
		return err
	}
	ler.onUnlabeled = ler.dispatch
	return nil
}

// dispatch handles one packet by type
func (ler *LER) dispatch(pkt *Packet, portID int) (bool, error) {
	switch pkt.Kind {
	case IPv4Packet:
		return ler.routeIPv4(pkt, portID)
	case MPLSPacket:
		return ler.switchMPLS(pkt, portID)
	case ICMPPacket:
		if pkt.Target == ler.ip {
			return false, ler.answerLocalICMP(pkt)
		}
		return ler.routeIPv4(pkt, portID)
	case GPSRPPacket:
		return ler.relayGPSRP(pkt), nil
	case TLDPPacket:
		return false, ler.handleTLDP(pkt, portID)
	}
	ler.discard(pkt, "malformed packet")
	return false, nil
}

// routeIPv4 classifies an unlabeled packet into a FEC and applies the FEC entry
func (ler *LER) routeIPv4(pkt *Packet, portID int) (bool, error) {
	if pkt.Target == ler.ip {
		return false, nil
	}
	if pkt.TTL <= 1 {
		if pkt.Kind != ICMPPacket {
			if err := ler.replyICMP(pkt, ICMPTimeExceeded, ICMPCodeTTLInTransit, nil); err != nil {
				return false, err
			}
		}
		ler.discard(pkt, "ttl expired")
		return false, nil
	}

	entry := ler.matrix.Classify(pkt.Target)
	if entry == nil && ler.params.LDP {
		var err error
		if entry, err = ler.requestFEC(pkt.Target, portID); err != nil {
			return false, err
		}
	}
	if entry == nil {
		if pkt.Kind != ICMPPacket {
			if err := ler.replyICMP(pkt, ICMPDestUnreachable, ICMPCodeHostUnreachable, nil); err != nil {
				return false, err
			}
		}
		ler.discard(pkt, "no route")
		return false, nil
	}

	if entry.OutgoingLabel == LabelRequested {
		ler.ports.ReEnqueuePacket(pkt, portID)
		return false, nil
	}
	if !entry.IsAssigned() {
		ler.discard(pkt, "fec not assigned", zap.String("state", labelStateStr(entry.OutgoingLabel)))
		return false, nil
	}

	switch entry.Operation {
	case OpPush:
		ttl := MaxTTL
		if ler.params.PropagateTTL {
			ttl = pkt.TTL - 1
		}
		mpls := createMPLSPacket(pkt.ID, pkt, Label{Value: entry.OutgoingLabel, TTL: ttl})
		if pkt.hasGoS() {
			mpls.Labels.Push(Label{Value: GoSLabel, EXP: pkt.GoSLevel, TTL: ttl})
		}
		resize(mpls)
		return ler.forward(mpls, entry.OutgoingPortID), nil

	case OpNoop:
		pkt.TTL -= 1
		return ler.forward(pkt, entry.OutgoingPortID), nil
	}
	ler.discard(pkt, "operation on unlabeled packet", zap.Stringer("operation", entry.Operation))
	return false, nil
}
