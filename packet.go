package mplsim

// packet.go holds the in-memory representation of the protocol data units
// passed between nodes and links.  Packets are never serialized to bytes, they
// are handed from port to link to port by reference.

import (
	"fmt"
	"math"
	"net/netip"
	"sync"

	"github.com/pkg/errors"
)

// PacketKind is the base type for an enumerated type of packet variants
type PacketKind int

const (
	IPv4Packet PacketKind = iota
	MPLSPacket
	TLDPPacket
	ICMPPacket
	GPSRPPacket
)

// pktKindToStr returns a string name for a PacketKind
var pktKindToStr map[PacketKind]string = map[PacketKind]string{IPv4Packet: "IPv4", MPLSPacket: "MPLS",
	TLDPPacket: "TLDP", ICMPPacket: "ICMP", GPSRPPacket: "GPSRP"}

func (pk PacketKind) String() string {
	str, present := pktKindToStr[pk]
	if !present {
		return "Unknown"
	}
	return str
}

// Subtype is the finer classification of a packet used by statistics, mostly
// to tell traffic that carries a GoS marking from traffic that does not
type Subtype int

const (
	SubtypeIPv4 Subtype = iota
	SubtypeIPv4GoS
	SubtypeMPLS
	SubtypeMPLSGoS
	SubtypeTLDP
	SubtypeICMP
	SubtypeGPSRP
)

var subtypeToStr map[Subtype]string = map[Subtype]string{SubtypeIPv4: "IPv4", SubtypeIPv4GoS: "IPv4_GoS",
	SubtypeMPLS: "MPLS", SubtypeMPLSGoS: "MPLS_GoS", SubtypeTLDP: "TLDP", SubtypeICMP: "ICMP", SubtypeGPSRP: "GPSRP"}

func (st Subtype) String() string {
	str, present := subtypeToStr[st]
	if !present {
		return "Unknown"
	}
	return str
}

const (
	// DefaultTTL is the TTL a sender puts on fresh IPv4 traffic
	DefaultTTL = 64

	// MaxTTL is the TTL given to a label when the TTL of the carried packet is hidden
	MaxTTL = 255

	// GoSLabel is the reserved label value that carries the GoS level of a packet in its EXP field
	GoSLabel = 1

	// FirstUnreservedLabel is the smallest label a switching matrix hands out
	FirstUnreservedLabel = 16

	// MaxLabel is the largest 20 bit label value
	MaxLabel = 1<<20 - 1

	ipv4HeaderOctets = 20
	labelOctets      = 4
	tldpOctets       = 40
	icmpOctets       = 28
	gpsrpOctets      = 32
)

// Label is one entry of an MPLS label stack
type Label struct {
	Value int  // label value, 20 bits
	EXP   int  // traffic class bits, carries the GoS level on the GoS label
	BoS   bool // bottom of stack
	TTL   int  // time to live
}

// LabelStack holds the labels of an MPLS packet. The top of the stack is the last element
type LabelStack []Label

// Len returns the number of labels on the stack
func (ls LabelStack) Len() int {
	return len(ls)
}

// Top returns a pointer to the top label, or nil for an empty stack
func (ls LabelStack) Top() *Label {
	if len(ls) == 0 {
		return nil
	}
	return &ls[len(ls)-1]
}

// Push puts a label on top of the stack, maintaining the bottom-of-stack bit
func (ls *LabelStack) Push(lbl Label) {
	lbl.BoS = len(*ls) == 0
	*ls = append(*ls, lbl)
}

// Pop removes and returns the top label. The second return is false for an empty stack
func (ls *LabelStack) Pop() (Label, bool) {
	if len(*ls) == 0 {
		return Label{}, false
	}
	top := (*ls)[len(*ls)-1]
	*ls = (*ls)[:len(*ls)-1]
	return top, true
}

// Clone returns an independent copy of the stack
func (ls LabelStack) Clone() LabelStack {
	if ls == nil {
		return nil
	}
	rtn := make(LabelStack, len(ls))
	copy(rtn, ls)
	return rtn
}

// TLDPMessageType enumerates the messages of the label distribution protocol
type TLDPMessageType int

const (
	LabelRequest TLDPMessageType = iota
	LabelRequestOK
	LabelRequestDenied
	LabelRemovalRequest
	LabelRemovalRequestOK
)

var tldpMsgToStr map[TLDPMessageType]string = map[TLDPMessageType]string{LabelRequest: "LABEL_REQUEST",
	LabelRequestOK: "LABEL_REQUEST_OK", LabelRequestDenied: "LABEL_REQUEST_DENIED",
	LabelRemovalRequest: "LABEL_REMOVAL_REQUEST", LabelRemovalRequestOK: "LABEL_REMOVAL_REQUEST_OK"}

func (mt TLDPMessageType) String() string {
	str, present := tldpMsgToStr[mt]
	if !present {
		return "Unknown"
	}
	return str
}

// TLDPDirection tells a receiver on which side of its switching entry a TLDP message arrives.
// Forward messages travel toward the tail end, backward messages toward the head end.
type TLDPDirection int

const (
	DirForward TLDPDirection = iota
	DirBackward
	DirForwardBackup
	DirBackwardBackup
)

// isBackup reports whether the direction belongs to a protection LSP
func (dir TLDPDirection) isBackup() bool {
	return dir == DirForwardBackup || dir == DirBackwardBackup
}

// isForward reports whether the message travels toward the tail end
func (dir TLDPDirection) isForward() bool {
	return dir == DirForward || dir == DirForwardBackup
}

// reverse gives the direction of a reply to a message that arrived with direction dir
func (dir TLDPDirection) reverse() TLDPDirection {
	switch dir {
	case DirForward:
		return DirBackward
	case DirBackward:
		return DirForward
	case DirForwardBackup:
		return DirBackwardBackup
	default:
		return DirForwardBackup
	}
}

// TLDPPayload is the body of a TLDP packet
type TLDPPayload struct {
	MessageType TLDPMessageType
	SessionID   int        // session id assigned by the node that opened the exchange
	TailEnd     netip.Addr // IP address of the end of the LSP
	Label       int        // advertised label, meaningful in LABEL_REQUEST_OK
	Direction   TLDPDirection
}

// ICMP types and codes used by the simulator
const (
	ICMPEchoReply       = 0
	ICMPDestUnreachable = 3
	ICMPEchoRequest     = 8
	ICMPTimeExceeded    = 11

	ICMPCodeNetUnreachable  = 0
	ICMPCodeHostUnreachable = 1
	ICMPCodeTTLInTransit    = 0
)

// ICMPPayload is the body of an ICMP packet
type ICMPPayload struct {
	Type       int
	Code       int
	OriginalID int64      // id of the packet that triggered the message
	LabelStack LabelStack // RFC4950 extension, set only when the generating node enables it
}

// GPSRPMessageType enumerates the messages of the retransmission protocol
type GPSRPMessageType int

const (
	RetransmissionRequest GPSRPMessageType = iota
	RetransmissionOK
	RetransmissionDenied
)

// GPSRPPayload is the body of a GPSRP packet. Nodes of the MPLS domain only relay these
type GPSRPPayload struct {
	MessageType GPSRPMessageType
	FlowID      int
	PacketID    int64
}

// Packet is the single in-memory PDU type. Kind selects which of the
// optional parts are meaningful.
type Packet struct {
	ID       int64
	Kind     PacketKind
	Subtype  Subtype
	GoSLevel int        // 0 means no GoS marking
	Origin   netip.Addr // IP address of the node that generated the packet
	Target   netip.Addr // IP address of the destination
	Size     int        // octets, including headers and labels
	TTL      int        // IPv4 style TTL, unused by MPLS packets which carry it per label

	Labels LabelStack // MPLS only
	Inner  *Packet    // MPLS only, the encapsulated packet

	TLDP  *TLDPPayload
	ICMP  *ICMPPayload
	GPSRP *GPSRPPayload
}

// String gives a short human-readable description of the packet
func (pkt *Packet) String() string {
	switch pkt.Kind {
	case MPLSPacket:
		top := -1
		if lbl := pkt.Labels.Top(); lbl != nil {
			top = lbl.Value
		}
		return fmt.Sprintf("MPLS #%d %s -> %s top=%d depth=%d", pkt.ID, pkt.Origin, pkt.Target, top, pkt.Labels.Len())
	case TLDPPacket:
		return fmt.Sprintf("TLDP #%d %s -> %s %s session=%d", pkt.ID, pkt.Origin, pkt.Target,
			pkt.TLDP.MessageType, pkt.TLDP.SessionID)
	default:
		return fmt.Sprintf("%s #%d %s -> %s ttl=%d size=%d", pkt.Kind, pkt.ID, pkt.Origin, pkt.Target, pkt.TTL, pkt.Size)
	}
}

// hasGoS reports whether the packet is marked for GoS treatment
func (pkt *Packet) hasGoS() bool {
	return pkt.GoSLevel > 0
}

// isNative reports whether the packet is IP-routed (not label switched and not signaling)
func (pkt *Packet) isNative() bool {
	return pkt.Kind == IPv4Packet || pkt.Kind == ICMPPacket || pkt.Kind == GPSRPPacket
}

// createIPv4Packet is a constructor for a fresh IPv4 packet with payloadSize octets of payload
func createIPv4Packet(id int64, origin, target netip.Addr, payloadSize int, gosLevel int) *Packet {
	pkt := new(Packet)
	pkt.ID = id
	pkt.Kind = IPv4Packet
	pkt.Subtype = SubtypeIPv4
	if gosLevel > 0 {
		pkt.Subtype = SubtypeIPv4GoS
		pkt.GoSLevel = gosLevel
	}
	pkt.Origin = origin
	pkt.Target = target
	pkt.Size = ipv4HeaderOctets + payloadSize
	pkt.TTL = DefaultTTL
	return pkt
}

// createMPLSPacket wraps inner in a new MPLS packet whose stack holds the single label lbl
func createMPLSPacket(id int64, inner *Packet, lbl Label) *Packet {
	pkt := new(Packet)
	pkt.ID = id
	pkt.Kind = MPLSPacket
	pkt.Subtype = SubtypeMPLS
	if inner.hasGoS() {
		pkt.Subtype = SubtypeMPLSGoS
		pkt.GoSLevel = inner.GoSLevel
	}
	pkt.Origin = inner.Origin
	pkt.Target = inner.Target
	pkt.Inner = inner
	pkt.Labels = LabelStack{}
	pkt.Labels.Push(lbl)
	pkt.Size = inner.Size + labelOctets
	return pkt
}

// createTLDPPacket is a constructor for a signaling packet between adjacent nodes
func createTLDPPacket(id int64, origin, target netip.Addr, payload TLDPPayload) *Packet {
	pkt := new(Packet)
	pkt.ID = id
	pkt.Kind = TLDPPacket
	pkt.Subtype = SubtypeTLDP
	pkt.Origin = origin
	pkt.Target = target
	pkt.Size = tldpOctets
	pkt.TTL = 1
	pkt.TLDP = &payload
	return pkt
}

// createICMPPacket is a constructor for a control message sent by origin back toward target
func createICMPPacket(id int64, origin, target netip.Addr, icmpType, code int, cause *Packet, stack LabelStack) *Packet {
	pkt := new(Packet)
	pkt.ID = id
	pkt.Kind = ICMPPacket
	pkt.Subtype = SubtypeICMP
	pkt.Origin = origin
	pkt.Target = target
	pkt.TTL = DefaultTTL
	pkt.ICMP = &ICMPPayload{Type: icmpType, Code: code, LabelStack: stack}
	if cause != nil {
		pkt.ICMP.OriginalID = cause.ID
	}
	pkt.Size = icmpOctets + labelOctets*stack.Len()
	return pkt
}

// createGPSRPPacket is a constructor for a retransmission protocol packet
func createGPSRPPacket(id int64, origin, target netip.Addr, payload GPSRPPayload) *Packet {
	pkt := new(Packet)
	pkt.ID = id
	pkt.Kind = GPSRPPacket
	pkt.Subtype = SubtypeGPSRP
	pkt.Origin = origin
	pkt.Target = target
	pkt.TTL = DefaultTTL
	pkt.Size = gpsrpOctets
	pkt.GPSRP = &payload
	return pkt
}

// ErrIDExhausted is returned when an identifier generator has handed out every value it owns
var ErrIDExhausted = errors.New("identifier space exhausted")

// IDGenerator hands out increasing identifiers up to a limit.  It is shared by
// every element of a topology, so it is safe for concurrent use.
type IDGenerator struct {
	mu    sync.Mutex
	next  int64
	first int64
	limit int64
}

// CreateIDGenerator is a constructor. Identifiers run from first to limit inclusive.
// A limit of zero means no limit other than the int64 range
func CreateIDGenerator(first, limit int64) *IDGenerator {
	idg := new(IDGenerator)
	idg.first = first
	idg.next = first
	idg.limit = limit
	if limit == 0 {
		idg.limit = math.MaxInt64
	}
	return idg
}

// Next returns a new identifier, or ErrIDExhausted once the limit has been passed
func (idg *IDGenerator) Next() (int64, error) {
	idg.mu.Lock()
	defer idg.mu.Unlock()
	if idg.next > idg.limit || idg.next < idg.first {
		return 0, errors.Wrapf(ErrIDExhausted, "limit %d", idg.limit)
	}
	id := idg.next
	idg.next += 1
	return id, nil
}

// Reset returns the generator to its first identifier
func (idg *IDGenerator) Reset() {
	idg.mu.Lock()
	defer idg.mu.Unlock()
	idg.next = idg.first
}
